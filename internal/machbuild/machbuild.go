// Copyright © CS Foundry, Inc.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package machbuild constructs minimal but well-formed Mach-O and universal
// binaries for tests: a 64-bit header, an optional LC_CODE_SIGNATURE load
// command reserving space at the end of the image, and deterministic filler
// for the code region.
package machbuild

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
)

const (
	headerSize64         = 32
	codeSignatureCmdSize = 16
	loadCmdCodeSignature = 0x1d
	fileTypeExecute      = 2
)

// ThinParams describes one synthetic Mach-O image.
type ThinParams struct {
	Cpu      macho.Cpu
	SubCpu   uint32
	CodeSize int  // filler bytes between the header and the signature region
	SigSpace int  // reserved LC_CODE_SIGNATURE region; 0 builds an unsigned image with no command
	Seed     byte // varies the filler so two slices differ
}

// Thin builds a single-architecture image.
func Thin(p ThinParams) []byte {
	if p.Cpu == 0 {
		p.Cpu = macho.CpuAmd64
	}
	cmdSize := 0
	ncmds := 0
	if p.SigSpace > 0 {
		cmdSize = codeSignatureCmdSize
		ncmds = 1
	}
	sigStart := headerSize64 + cmdSize + p.CodeSize
	buf := bytes.NewBuffer(make([]byte, 0, sigStart+p.SigSpace))
	le := binary.LittleEndian
	hdr := []uint32{
		macho.Magic64,
		uint32(p.Cpu),
		p.SubCpu,
		fileTypeExecute,
		uint32(ncmds),
		uint32(cmdSize),
		0, // flags
		0, // reserved
	}
	_ = binary.Write(buf, le, hdr)
	if p.SigSpace > 0 {
		cmd := []uint32{
			loadCmdCodeSignature,
			codeSignatureCmdSize,
			uint32(sigStart),
			uint32(p.SigSpace),
		}
		_ = binary.Write(buf, le, cmd)
	}
	for i := 0; i < p.CodeSize; i++ {
		buf.WriteByte(byte(i)*31 + p.Seed)
	}
	buf.Write(make([]byte, p.SigSpace))
	return buf.Bytes()
}

// Fat wraps pre-built thin images in a universal container, reading each
// slice's architecture from its own header.
func Fat(slices ...[]byte) []byte {
	const entrySize = 20
	be := binary.BigEndian
	le := binary.LittleEndian
	offset := 8 + entrySize*len(slices)
	offset = (offset + 15) &^ 15
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, be, []uint32{0xcafebabe, uint32(len(slices))})
	pos := offset
	for _, slice := range slices {
		entry := []uint32{
			le.Uint32(slice[4:8]),  // cputype
			le.Uint32(slice[8:12]), // cpusubtype
			uint32(pos),
			uint32(len(slice)),
			4, // alignment (log2)
		}
		_ = binary.Write(buf, be, entry)
		pos += (len(slice) + 15) &^ 15
	}
	for _, slice := range slices {
		for buf.Len()%16 != 0 {
			buf.WriteByte(0)
		}
		buf.Write(slice)
	}
	return buf.Bytes()
}
