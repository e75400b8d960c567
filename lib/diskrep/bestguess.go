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

	"github.com/csfoundry/coderep/lib/machfile"
	"github.com/csfoundry/coderep/lib/magic"
)

// Context carries optional hints for classification.
type Context struct {
	// Arch selects a slice of a universal binary.
	Arch *machfile.Arch
	// Offset pins a Mach-O slice at an explicit file offset; when set, no
	// other detection is performed.
	Offset int64
	// FileOnly suppresses bundle detection, forcing single-file treatment
	// even for directories.
	FileOnly bool
}

// BestGuess classifies the path and constructs the matching representation.
// Detection is deterministic and side-effect-free apart from opening a read
// handle; a missing or unreadable path is an error, never a silent guess.
func BestGuess(path string, ctx *Context) (DiskRep, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	if ctx.Offset > 0 {
		// explicit offset: unconditionally a Mach-O slice at that position
		return NewMachORep(path, ctx)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		if !ctx.FileOnly {
			rep, err := NewBundleRep(path, ctx)
			if err == nil {
				return rep, nil
			}
			if !errors.Is(err, errNotBundle) {
				return nil, err
			}
		}
		// a directory without bundle markers degrades to flat-file treatment
		return NewFileRep(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fileType := magic.Detect(f)
	f.Close()
	switch fileType {
	case magic.FileTypeMachO, magic.FileTypeMachOFat:
		rep, err := NewMachORep(path, ctx)
		if err != nil {
			// the magic promised Mach-O; a parse failure is corruption, not
			// an invitation to guess again
			return nil, fmt.Errorf("%w: %s: %s", ErrUnrecognized, path, err)
		}
		return rep, nil
	default:
		return NewFileRep(path)
	}
}

// BestFileGuess classifies with bundle detection suppressed.
func BestFileGuess(path string, ctx *Context) (DiskRep, error) {
	fileCtx := Context{FileOnly: true}
	if ctx != nil {
		fileCtx.Arch = ctx.Arch
		fileCtx.Offset = ctx.Offset
	}
	return BestGuess(path, &fileCtx)
}

// BestGuessAt constructs a representation for a Mach-O slice at an explicit
// offset, the shorthand used when a running process reports where its image
// was loaded from.
func BestGuessAt(path string, archOffset int64) (DiskRep, error) {
	return BestGuess(path, &Context{Offset: archOffset})
}
