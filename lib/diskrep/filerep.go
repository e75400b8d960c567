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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/csfoundry/coderep/lib/atomicfile"
	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/machfile"
)

// SidecarSuffix is appended to a flat file's path to name its signature
// sidecar.
const SidecarSuffix = ".csig"

// FileRep represents any file (or unrecognized directory) with no native
// place for signing data. The whole file is one monolithic signed region and
// components live in a detached sidecar superblob next to it.
type FileRep struct {
	baseRep
	path    string
	fc      fileCache
	sig     *blob.SuperBlob // cached sidecar parse
	sigRead bool
}

func NewFileRep(path string) (*FileRep, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &FileRep{path: path, fc: fileCache{path: path}}, nil
}

func (r *FileRep) sidecarPath() string { return r.path + SidecarSuffix }

func (r *FileRep) sidecar() (*blob.SuperBlob, error) {
	if r.sigRead {
		return r.sig, nil
	}
	raw, err := os.ReadFile(r.sidecarPath())
	if errors.Is(err, os.ErrNotExist) {
		r.sigRead = true
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	sig, err := blob.ParseSuper(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.sidecarPath(), err)
	}
	r.sig = sig
	r.sigRead = true
	return sig, nil
}

func (r *FileRep) Component(slot blob.Slot) ([]byte, error) {
	sig, err := r.sidecar()
	if err != nil || sig == nil {
		return nil, err
	}
	return sig.Component(slot), nil
}

func (r *FileRep) Identification() ([]byte, error) {
	return fileIdentification(r.path)
}

func (r *FileRep) MainExecutablePath() string { return r.path }
func (r *FileRep) CanonicalPath() string      { return r.path }

func (r *FileRep) RecommendedIdentifier() string {
	base := filepath.Base(r.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// MainExecutableImage is nil for anything that does not parse as Mach-O;
// FileRep is typically chosen exactly because it does not.
func (r *FileRep) MainExecutableImage() (*machfile.Universal, error) {
	f, err := r.fc.get()
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	u, err := machfile.Open(f, fi.Size())
	if errors.Is(err, machfile.ErrNotMachO) {
		return nil, nil
	}
	return u, err
}

func (r *FileRep) PageSize() int64 { return MonolithicPageSize }

func (r *FileRep) SigningLimit() (int64, error) {
	fi, err := os.Stat(r.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (r *FileRep) Format() string { return "flat file" }

func (r *FileRep) ModifiedFiles() []string {
	return []string{r.sidecarPath()}
}

func (r *FileRep) FD() (*os.File, error) { return r.fc.get() }

func (r *FileRep) Flush() error {
	r.sig = nil
	r.sigRead = false
	return r.fc.flush()
}

// Writer stores components in the sidecar. It is a last-resort writer: the
// file itself is never touched.
func (r *FileRep) Writer() (Writer, error) {
	staged := blob.NewSuperBlob(blob.MagicDetachedSignature)
	if sig, err := r.sidecar(); err != nil {
		return nil, err
	} else if sig != nil {
		for _, slot := range sig.Slots() {
			staged.SetComponent(slot, sig.Component(slot))
		}
	}
	return &fileWriter{
		baseWriter: baseWriter{attrs: WriterLastResort},
		rep:        r,
		staged:     staged,
	}, nil
}

type fileWriter struct {
	baseWriter
	rep    *FileRep
	staged *blob.SuperBlob
	remove bool
}

func (w *fileWriter) WriteComponent(slot blob.Slot, data []byte) error {
	w.staged.SetComponent(slot, data)
	return nil
}

func (w *fileWriter) Remove() error {
	w.remove = true
	return nil
}

func (w *fileWriter) Flush() error {
	if w.remove {
		if err := os.Remove(w.rep.sidecarPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return atomicfile.WriteBlob(w.rep.sidecarPath(), w.staged.Marshal())
}
