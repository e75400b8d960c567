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

	"howett.net/plist"

	"github.com/csfoundry/coderep/lib/atomicfile"
	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/machfile"
)

// errNotBundle marks a directory that lacks a recognized bundle layout; the
// dispatcher falls back to flat-file treatment on it.
var errNotBundle = errors.New("directory is not a recognized bundle")

const signatureDirName = "_CodeSignature"

type bundleInfo struct {
	BundleID   string `plist:"CFBundleIdentifier"`
	Executable string `plist:"CFBundleExecutable"`
}

// BundleRep represents an application bundle: a directory whose layout names
// a main executable and carries auxiliary signing files alongside it. The
// executable gets its own nested representation; executable-bound components
// forward to it, resource-bound components live as files in the bundle.
type BundleRep struct {
	root      string
	contents  string // root or root/Contents, whichever holds Info.plist
	infoPath  string
	info      bundleInfo
	execPath  string
	execRep   DiskRep
}

// NewBundleRep probes the bundle layout at root. A missing Info.plist is
// errNotBundle; an Info.plist that names no resolvable executable is a hard
// error, because a representation without a main executable is unusable.
func NewBundleRep(root string, ctx *Context) (*BundleRep, error) {
	rep := &BundleRep{root: root}
	for _, dir := range []string{filepath.Join(root, "Contents"), root} {
		p := filepath.Join(dir, "Info.plist")
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			rep.contents = dir
			rep.infoPath = p
			break
		}
	}
	if rep.infoPath == "" {
		return nil, errNotBundle
	}
	raw, err := os.ReadFile(rep.infoPath)
	if err != nil {
		return nil, err
	}
	if _, err := plist.Unmarshal(raw, &rep.info); err != nil {
		return nil, fmt.Errorf("%s: %w", rep.infoPath, err)
	}
	if rep.info.Executable == "" {
		return nil, fmt.Errorf("%s: bundle declares no main executable", rep.infoPath)
	}
	for _, dir := range []string{filepath.Join(rep.contents, "MacOS"), rep.contents, root} {
		p := filepath.Join(dir, rep.info.Executable)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			rep.execPath = p
			break
		}
	}
	if rep.execPath == "" {
		return nil, fmt.Errorf("bundle main executable %q not found under %s", rep.info.Executable, root)
	}
	// the executable is always treated as a file, never as a nested bundle
	sub := &Context{FileOnly: true}
	if ctx != nil {
		sub.Arch = ctx.Arch
	}
	rep.execRep, err = BestGuess(rep.execPath, sub)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *BundleRep) signatureDir() string {
	return filepath.Join(r.contents, signatureDirName)
}

func (r *BundleRep) resourceSealPath() string {
	return filepath.Join(r.signatureDir(), "CodeResources")
}

// slotFile maps resource-bound slots to their file in the bundle; other
// slots belong to the executable.
func (r *BundleRep) slotFile(slot blob.Slot) string {
	switch slot {
	case blob.SlotResourceDir:
		return r.resourceSealPath()
	case blob.SlotInfo:
		return r.infoPath
	}
	return ""
}

func (r *BundleRep) Component(slot blob.Slot) ([]byte, error) {
	if p := r.slotFile(slot); p != "" {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return data, err
	}
	return r.execRep.Component(slot)
}

func (r *BundleRep) Identification() ([]byte, error) {
	return r.execRep.Identification()
}

func (r *BundleRep) MainExecutablePath() string { return r.execPath }
func (r *BundleRep) CanonicalPath() string      { return r.root }

// RecommendedIdentifier prefers the declared bundle identifier.
func (r *BundleRep) RecommendedIdentifier() string {
	if r.info.BundleID != "" {
		return r.info.BundleID
	}
	return r.execRep.RecommendedIdentifier()
}

func (r *BundleRep) ResourcesRootPath() string {
	return r.contents
}

// DefaultResourceRules seals everything under the bundle, with the signature
// directory and the main executable handled separately.
func (r *BundleRep) DefaultResourceRules() map[string]interface{} {
	return map[string]interface{}{
		"rules": map[string]interface{}{
			"^":               true,
			"^Info\\.plist$":  map[string]interface{}{"omit": true, "weight": 10.0},
			"^" + signatureDirName + "/": map[string]interface{}{"omit": true, "weight": 20.0},
		},
	}
}

func (r *BundleRep) AdjustResources(b ResourceBuilder) error {
	b.AddExclusion("^" + signatureDirName + "/")
	if rel, err := filepath.Rel(r.contents, r.execPath); err == nil {
		b.AddExclusion("^" + rel + "$")
	}
	return nil
}

func (r *BundleRep) DefaultRequirements(arch *machfile.Arch) RequirementSet {
	return r.execRep.DefaultRequirements(arch)
}

func (r *BundleRep) MainExecutableImage() (*machfile.Universal, error) {
	return r.execRep.MainExecutableImage()
}

func (r *BundleRep) PageSize() int64              { return r.execRep.PageSize() }
func (r *BundleRep) SigningBase() int64           { return r.execRep.SigningBase() }
func (r *BundleRep) SigningLimit() (int64, error) { return r.execRep.SigningLimit() }

func (r *BundleRep) Format() string {
	return "bundle with " + r.execRep.Format()
}

func (r *BundleRep) ModifiedFiles() []string {
	files := []string{r.resourceSealPath()}
	return append(files, r.execRep.ModifiedFiles()...)
}

func (r *BundleRep) FD() (*os.File, error) { return r.execRep.FD() }
func (r *BundleRep) Flush() error          { return r.execRep.Flush() }

func (r *BundleRep) Writer() (Writer, error) {
	execWriter, err := r.execRep.Writer()
	if err != nil {
		return nil, err
	}
	return &bundleWriter{rep: r, exec: execWriter, files: make(map[string][]byte)}, nil
}

type bundleWriter struct {
	rep    *BundleRep
	exec   Writer
	files  map[string][]byte
	remove bool
}

func (w *bundleWriter) WriteComponent(slot blob.Slot, data []byte) error {
	if p := w.rep.slotFile(slot); p != "" {
		if slot == blob.SlotInfo {
			// the manifest is input to signing, not output of it
			return fmt.Errorf("%w: Info.plist is not written by signing", ErrNotWritable)
		}
		w.files[p] = data
		return nil
	}
	return w.exec.WriteComponent(slot, data)
}

func (w *bundleWriter) Attributes() WriterAttrs {
	return w.exec.Attributes() &^ WriterNoGlobal
}

func (w *bundleWriter) AddDiscretionary(b CodeDirBuilder) error {
	return w.exec.AddDiscretionary(b)
}

func (w *bundleWriter) Remove() error {
	w.remove = true
	return w.exec.Remove()
}

func (w *bundleWriter) Flush() error {
	if w.remove {
		if err := os.RemoveAll(w.rep.signatureDir()); err != nil {
			return err
		}
		return w.exec.Flush()
	}
	for path, data := range w.files {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := atomicfile.WriteBlob(path, data); err != nil {
			return err
		}
	}
	return w.exec.Flush()
}
