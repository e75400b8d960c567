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

// Package diskrep abstracts over the physical shapes signed code takes on
// disk: thin Mach-O files, universal binary slices, application bundles, and
// flat files with no native signature storage. Every shape presents the same
// contract for locating, reading, and writing signing components, so the
// signing and validation drivers never deal with storage layout themselves.
//
// Representations cache an open file handle and a parsed image handle; the
// caches are populated lazily and dropped only by Flush. Instances are not
// internally synchronized — concurrent callers sharing one instance must
// serialize calls that may touch a cache.
package diskrep

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/machfile"
)

var (
	// ErrUnrecognized reports that a path cannot be classified as any known
	// storage shape. The dispatcher fails rather than guessing.
	ErrUnrecognized = errors.New("unrecognized code storage format")

	// ErrNotWritable reports that a representation cannot place signing data
	// at its location. Distinct from I/O failure so callers can tell "this
	// cannot be signed here" from "signing failed".
	ErrNotWritable = errors.New("representation does not support writing")
)

// Default page sizes: paged formats hash in fixed pages, everything else is
// one monolithic hash over the signed region.
const (
	SegmentedPageSize  = 4096
	MonolithicPageSize = 0
)

// RequirementSet is an encoded requirement group. Its contents are produced
// and evaluated by the requirement collaborator; this layer only stores and
// hands them around.
type RequirementSet []byte

// ResourceBuilder is the surface of the resource-sealing subsystem that a
// representation may adjust with shape-specific rules.
type ResourceBuilder interface {
	AddInclusion(pattern string)
	AddExclusion(pattern string)
}

// CodeDirBuilder is the code-directory builder surface exposed by the
// signing driver. Writers may seed it with components recovered from an
// existing signature.
type CodeDirBuilder interface {
	SetComponent(slot blob.Slot, data []byte)
}

// DiskRep is the capability contract every storage shape implements.
//
// Component absence is a valid silent outcome: (nil, nil). MainExecutablePath
// and CanonicalPath are never empty on a successfully constructed
// representation.
type DiskRep interface {
	// Component fetches the bytes of a signing component, or nil if absent.
	Component(slot blob.Slot) ([]byte, error)
	// Identification is a stable lookup key for correlating running code
	// back to this representation.
	Identification() ([]byte, error)
	MainExecutablePath() string
	CanonicalPath() string
	// RecommendedIdentifier is a best-effort default signing identifier;
	// always usable, never empty.
	RecommendedIdentifier() string
	ResourcesRootPath() string
	DefaultResourceRules() map[string]interface{}
	AdjustResources(b ResourceBuilder) error
	DefaultRequirements(arch *machfile.Arch) RequirementSet
	// MainExecutableImage is non-nil only when the main executable is a
	// recognized Mach-O or universal binary. I/O failures propagate.
	MainExecutableImage() (*machfile.Universal, error)
	PageSize() int64
	SigningBase() int64
	SigningLimit() (int64, error)
	Format() string
	ModifiedFiles() []string
	// FD returns a cached open handle to the main executable, opened lazily
	// and reused until Flush.
	FD() (*os.File, error)
	Flush() error
	Writer() (Writer, error)
}

// CodeDirectory fetches the well-known code directory component.
func CodeDirectory(r DiskRep) ([]byte, error) {
	return r.Component(blob.SlotCodeDirectory)
}

// Signature fetches the well-known CMS signature component.
func Signature(r DiskRep) ([]byte, error) {
	return r.Component(blob.SlotSignature)
}

// MainExecutableIsMachO reports whether the main executable parsed as a
// Mach-O or universal binary.
func MainExecutableIsMachO(r DiskRep) bool {
	img, err := r.MainExecutableImage()
	return err == nil && img != nil
}

// IsSigned reports whether the representation holds a code directory.
func IsSigned(r DiskRep) (bool, error) {
	cd, err := CodeDirectory(r)
	if err != nil {
		return false, err
	}
	return len(cd) > 0, nil
}

// baseRep supplies the defaulted portion of the contract: no resources, no
// baked-in requirements, signing starts at offset zero, nothing modified by
// signing, read-only.
type baseRep struct{}

func (baseRep) ResourcesRootPath() string                         { return "" }
func (baseRep) DefaultResourceRules() map[string]interface{}      { return nil }
func (baseRep) AdjustResources(ResourceBuilder) error             { return nil }
func (baseRep) DefaultRequirements(*machfile.Arch) RequirementSet { return nil }
func (baseRep) SigningBase() int64                                { return 0 }
func (baseRep) ModifiedFiles() []string                           { return nil }
func (baseRep) Writer() (Writer, error)                           { return nil, ErrNotWritable }

// fileCache lazily opens and holds the main executable handle. Only the
// owning representation invalidates it, via flush.
type fileCache struct {
	path string
	f    *os.File
}

func (c *fileCache) get() (*os.File, error) {
	if c.f != nil {
		return c.f, nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("opening main executable: %w", err)
	}
	c.f = f
	return f, nil
}

func (c *fileCache) flush() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// fileIdentification derives a deterministic lookup key for code that has no
// signature of its own: a digest of the path and the file's current identity.
func fileIdentification(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", path, fi.Size(), fi.ModTime().UnixNano())
	return h.Sum(nil), nil
}
