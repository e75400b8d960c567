/*
 * Copyright (c) CS Foundry, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package diskrep

import (
	"fmt"
	"os"

	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/machfile"
)

// FilterRep is a prefix representation that substitutes signature-dependent
// behavior and forwards all code-dependent behavior to an underlying
// representation. Concrete filters embed it and override Component; stacking
// filters is allowed, and Base returns the immediately wrapped
// representation, not the terminal one.
type FilterRep struct {
	Orig DiskRep
}

func (r *FilterRep) Base() DiskRep { return r.Orig }

// Terminal unwraps a filter chain down to its non-filter representation.
func Terminal(r DiskRep) DiskRep {
	for {
		f, ok := r.(interface{ Base() DiskRep })
		if !ok {
			return r
		}
		r = f.Base()
	}
}

func (r *FilterRep) Component(slot blob.Slot) ([]byte, error) {
	return r.Orig.Component(slot)
}

func (r *FilterRep) Identification() ([]byte, error) { return r.Orig.Identification() }
func (r *FilterRep) MainExecutablePath() string      { return r.Orig.MainExecutablePath() }
func (r *FilterRep) CanonicalPath() string           { return r.Orig.CanonicalPath() }
func (r *FilterRep) RecommendedIdentifier() string   { return r.Orig.RecommendedIdentifier() }
func (r *FilterRep) ResourcesRootPath() string       { return r.Orig.ResourcesRootPath() }

func (r *FilterRep) DefaultResourceRules() map[string]interface{} {
	return r.Orig.DefaultResourceRules()
}

func (r *FilterRep) AdjustResources(b ResourceBuilder) error { return r.Orig.AdjustResources(b) }

func (r *FilterRep) DefaultRequirements(arch *machfile.Arch) RequirementSet {
	return r.Orig.DefaultRequirements(arch)
}

func (r *FilterRep) MainExecutableImage() (*machfile.Universal, error) {
	return r.Orig.MainExecutableImage()
}

func (r *FilterRep) PageSize() int64              { return r.Orig.PageSize() }
func (r *FilterRep) SigningBase() int64           { return r.Orig.SigningBase() }
func (r *FilterRep) SigningLimit() (int64, error) { return r.Orig.SigningLimit() }
func (r *FilterRep) Format() string               { return r.Orig.Format() }
func (r *FilterRep) ModifiedFiles() []string      { return r.Orig.ModifiedFiles() }
func (r *FilterRep) FD() (*os.File, error)        { return r.Orig.FD() }
func (r *FilterRep) Flush() error                 { return r.Orig.Flush() }
func (r *FilterRep) Writer() (Writer, error)      { return nil, ErrNotWritable }

// DetachedRep sources signing components from a detached signature store
// while the code itself stays where it is. The detached superblob indexes
// per-architecture signatures by slice offset, with slot 0 holding a global
// signature for monolithic code.
type DetachedRep struct {
	FilterRep
	arch *blob.SuperBlob // signature selected for the base's slice
}

// NewDetachedRep parses a detached signature blob and binds it to orig. The
// per-architecture entry matching orig's signing base wins over the global
// entry.
func NewDetachedRep(orig DiskRep, detached []byte) (*DetachedRep, error) {
	outer, err := blob.ParseSuper(detached)
	if err != nil {
		return nil, err
	}
	if outer.Magic != blob.MagicDetachedSignature {
		return nil, fmt.Errorf("expected detached signature but got %08x", uint32(outer.Magic))
	}
	entry := outer.Component(blob.Slot(orig.SigningBase()))
	if entry == nil {
		entry = outer.Component(0)
	}
	if entry == nil {
		return nil, fmt.Errorf("detached signature has no entry for slice at offset %d", orig.SigningBase())
	}
	inner, err := blob.ParseSuper(entry)
	if err != nil {
		return nil, err
	}
	return &DetachedRep{FilterRep: FilterRep{Orig: orig}, arch: inner}, nil
}

// Component consults only the detached data; the base's own (possibly
// absent) signature is never mixed in.
func (r *DetachedRep) Component(slot blob.Slot) ([]byte, error) {
	return r.arch.Component(slot), nil
}

func (r *DetachedRep) Identification() ([]byte, error) {
	cd := r.arch.Component(blob.SlotCodeDirectory)
	if cd == nil {
		return r.Orig.Identification()
	}
	dir, err := blob.ParseCodeDirectory(cd)
	if err != nil {
		return nil, err
	}
	return dir.CDHash, nil
}
