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

// Package binpatch replaces byte ranges inside existing files. A patch whose
// replacement matches the length of the range it covers is applied in place;
// anything else is rewritten through a temp file and rename.
package binpatch

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

type Patch struct {
	Offset int64
	Length int64
	Blob   []byte
}

type PatchSet struct {
	Patches []Patch
}

func New() *PatchSet {
	return new(PatchSet)
}

// Add schedules blob to replace the range [offset, offset+length).
func (p *PatchSet) Add(offset, length int64, blob []byte) {
	p.Patches = append(p.Patches, Patch{Offset: offset, Length: length, Blob: blob})
}

func (p *PatchSet) sorted() []Patch {
	patches := make([]Patch, len(p.Patches))
	copy(patches, p.Patches)
	sort.Slice(patches, func(i, j int) bool { return patches[i].Offset < patches[j].Offset })
	return patches
}

func (p *PatchSet) sizeNeutral() bool {
	for _, patch := range p.Patches {
		if int64(len(patch.Blob)) != patch.Length {
			return false
		}
	}
	return true
}

// Apply commits the patch set to the file at path.
func (p *PatchSet) Apply(path string) error {
	if p.sizeNeutral() {
		return p.applyInPlace(path)
	}
	return p.applyRewrite(path)
}

func (p *PatchSet) applyInPlace(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, patch := range p.Patches {
		if _, err := f.WriteAt(patch.Blob, patch.Offset); err != nil {
			return err
		}
	}
	return f.Close()
}

func (p *PatchSet) applyRewrite(path string) error {
	infile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer infile.Close()
	tempfile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".patched")
	if err != nil {
		return err
	}
	defer func() {
		tempfile.Close()
		os.Remove(tempfile.Name())
	}()
	var pos int64
	for _, patch := range p.sorted() {
		if patch.Offset > pos {
			if _, err := io.CopyN(tempfile, io.NewSectionReader(infile, pos, patch.Offset-pos), patch.Offset-pos); err != nil {
				return err
			}
		}
		if _, err := tempfile.Write(patch.Blob); err != nil {
			return err
		}
		pos = patch.Offset + patch.Length
	}
	if _, err := infile.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(tempfile, infile); err != nil {
		return err
	}
	tempfile.Chmod(0644)
	if err := tempfile.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(tempfile.Name(), path)
}
