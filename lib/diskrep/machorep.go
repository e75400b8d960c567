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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/binpatch"
	"github.com/csfoundry/coderep/lib/machfile"
)

// MachORep represents a thin Mach-O file or one architecture slice of a
// universal binary. Signing components live in the embedded signature
// superblob addressed by the slice's LC_CODE_SIGNATURE command.
type MachORep struct {
	baseRep
	path   string
	arch   *machfile.Arch
	offset int64

	fc       fileCache
	image    *machfile.Universal // cached; dropped by Flush
	selected *machfile.Image
	sig      *blob.SuperBlob // cached parse of the embedded signature
	sigRead  bool
}

// NewMachORep opens the binary at path. An explicit ctx.Offset pins a single
// slice with no further selection; otherwise ctx.Arch (or the default
// preference order) picks the slice of a universal file.
func NewMachORep(path string, ctx *Context) (*MachORep, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	rep := &MachORep{
		path:   path,
		arch:   ctx.Arch,
		offset: ctx.Offset,
		fc:     fileCache{path: path},
	}
	// resolve the slice eagerly so construction fails on unusable input
	if _, err := rep.selectedImage(); err != nil {
		rep.fc.flush()
		return nil, err
	}
	return rep, nil
}

func (r *MachORep) loadImage() (*machfile.Universal, error) {
	if r.image != nil {
		return r.image, nil
	}
	f, err := r.fc.get()
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if r.offset > 0 {
		img, err := machfile.OpenSlice(f, r.offset, fi.Size()-r.offset)
		if err != nil {
			return nil, err
		}
		r.image = &machfile.Universal{Images: []*machfile.Image{img}}
	} else {
		u, err := machfile.Open(f, fi.Size())
		if err != nil {
			return nil, err
		}
		r.image = u
	}
	return r.image, nil
}

func (r *MachORep) selectedImage() (*machfile.Image, error) {
	if r.selected != nil {
		return r.selected, nil
	}
	u, err := r.loadImage()
	if err != nil {
		return nil, err
	}
	img, err := u.BestImage(r.arch)
	if err != nil {
		return nil, err
	}
	r.selected = img
	return img, nil
}

// signature reads and caches the embedded superblob of the selected slice.
// An unsigned slice, or one whose signature region has been zero-filled,
// yields nil without error.
func (r *MachORep) signature() (*blob.SuperBlob, error) {
	if r.sigRead {
		return r.sig, nil
	}
	img, err := r.selectedImage()
	if err != nil {
		return nil, err
	}
	start, length := img.SignatureRegion()
	if length == 0 {
		r.sigRead = true
		return nil, nil
	}
	f, err := r.fc.get()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, length)
	if _, err := f.ReadAt(raw, img.Offset+start); err != nil {
		return nil, fmt.Errorf("reading signature region: %w", err)
	}
	if len(raw) < 12 || binary.BigEndian.Uint32(raw) == 0 {
		// reserved but never filled, or stripped
		r.sigRead = true
		return nil, nil
	}
	sig, err := blob.ParseSuper(raw)
	if err != nil {
		return nil, err
	}
	if sig.Magic != blob.MagicEmbeddedSignature {
		return nil, fmt.Errorf("expected embedded signature but got %08x", uint32(sig.Magic))
	}
	r.sig = sig
	r.sigRead = true
	return sig, nil
}

func (r *MachORep) Component(slot blob.Slot) ([]byte, error) {
	sig, err := r.signature()
	if err != nil || sig == nil {
		return nil, err
	}
	return sig.Component(slot), nil
}

// Identification keys signed code by its code directory hash; unsigned code
// falls back to a digest of the file's identity.
func (r *MachORep) Identification() ([]byte, error) {
	cd, err := CodeDirectory(r)
	if err != nil {
		return nil, err
	}
	if cd != nil {
		dir, err := blob.ParseCodeDirectory(cd)
		if err != nil {
			return nil, err
		}
		return dir.CDHash, nil
	}
	return fileIdentification(r.path)
}

func (r *MachORep) MainExecutablePath() string { return r.path }
func (r *MachORep) CanonicalPath() string      { return r.path }

func (r *MachORep) RecommendedIdentifier() string {
	base := filepath.Base(r.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *MachORep) MainExecutableImage() (*machfile.Universal, error) {
	return r.loadImage()
}

func (r *MachORep) PageSize() int64 { return SegmentedPageSize }

// SigningBase is where the selected slice starts within the file.
func (r *MachORep) SigningBase() int64 {
	img, err := r.selectedImage()
	if err != nil {
		return 0
	}
	return img.Offset
}

// SigningLimit is how much of the slice a signature covers.
func (r *MachORep) SigningLimit() (int64, error) {
	img, err := r.selectedImage()
	if err != nil {
		return 0, err
	}
	return img.CodeSize(), nil
}

func (r *MachORep) Format() string {
	u, err := r.loadImage()
	if err != nil {
		return "Mach-O"
	}
	arches := make([]string, len(u.Arches()))
	for i, a := range u.Arches() {
		arches[i] = a.String()
	}
	if u.IsUniversal() {
		return fmt.Sprintf("Mach-O universal (%s)", strings.Join(arches, " "))
	}
	return fmt.Sprintf("Mach-O thin (%s)", arches[0])
}

func (r *MachORep) FD() (*os.File, error) { return r.fc.get() }

// Flush drops the cached file handle, image, and parsed signature; they are
// re-fetched lazily on next use.
func (r *MachORep) Flush() error {
	r.image = nil
	r.selected = nil
	r.sig = nil
	r.sigRead = false
	return r.fc.flush()
}

// Writer places a new embedded superblob into the reserved signature region
// of the selected slice. Mach-O storage is strictly per-architecture.
func (r *MachORep) Writer() (Writer, error) {
	img, err := r.selectedImage()
	if err != nil {
		return nil, err
	}
	if _, length := img.SignatureRegion(); length == 0 {
		// no reserved region to write into
		return nil, fmt.Errorf("%w: no signature space reserved in %s", ErrNotWritable, r.path)
	}
	staged := blob.NewSuperBlob(blob.MagicEmbeddedSignature)
	if sig, err := r.signature(); err == nil && sig != nil {
		for _, slot := range sig.Slots() {
			staged.SetComponent(slot, sig.Component(slot))
		}
	}
	return &machoWriter{
		baseWriter: baseWriter{attrs: WriterNoGlobal},
		rep:        r,
		img:        img,
		staged:     staged,
	}, nil
}

type machoWriter struct {
	baseWriter
	rep    *MachORep
	img    *machfile.Image
	staged *blob.SuperBlob
	remove bool
}

func (w *machoWriter) WriteComponent(slot blob.Slot, data []byte) error {
	w.staged.SetComponent(slot, data)
	return nil
}

// AddDiscretionary seeds the builder with discretionary components carried
// over from the existing signature.
func (w *machoWriter) AddDiscretionary(b CodeDirBuilder) error {
	sig, err := w.rep.signature()
	if err != nil || sig == nil {
		return err
	}
	for _, slot := range []blob.Slot{blob.SlotRequirements, blob.SlotEntitlement, blob.SlotEntitlementDER} {
		if data := sig.Component(slot); data != nil {
			b.SetComponent(slot, data)
		}
	}
	return nil
}

func (w *machoWriter) Remove() error {
	w.remove = true
	return nil
}

func (w *machoWriter) Flush() error {
	start, length := w.img.SignatureRegion()
	packed := make([]byte, length)
	if !w.remove {
		raw := w.staged.Marshal()
		if int64(len(raw)) > length {
			return fmt.Errorf("signature overflows reserved space: have %d bytes, need %d", length, len(raw))
		}
		copy(packed, raw)
	}
	patch := binpatch.New()
	patch.Add(w.img.Offset+start, length, packed)
	if err := w.rep.fc.flush(); err != nil {
		return err
	}
	return patch.Apply(w.rep.path)
}
