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

// Package magic identifies executable container formats by their leading
// bytes. Detection is read-only and never writes or seeks past the probe.
package magic

import (
	"encoding/binary"
	"io"
)

type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeMachO
	FileTypeMachOFat
)

const (
	machMagic32 = 0xfeedface
	machMagic64 = 0xfeedfacf
	fatMagic    = 0xcafebabe
)

// Detect probes the first bytes of r and classifies the container. A short
// or unreadable stream is reported as unknown, not as an error; callers that
// need hard failures stat the file themselves first.
func Detect(r io.Reader) FileType {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FileTypeUnknown
	}
	be := binary.BigEndian.Uint32(buf[:4])
	le := binary.LittleEndian.Uint32(buf[:4])
	switch {
	case be == fatMagic || le == fatMagic:
		// Java class files share the CAFEBABE magic; a fat header carries a
		// small arch count where a class file has a version number.
		narch := binary.BigEndian.Uint32(buf[4:])
		if be != fatMagic {
			narch = binary.LittleEndian.Uint32(buf[4:])
		}
		if narch > 0 && narch < 32 {
			return FileTypeMachOFat
		}
	case be == machMagic32 || be == machMagic64,
		le == machMagic32 || le == machMagic64:
		return FileTypeMachO
	}
	return FileTypeUnknown
}
