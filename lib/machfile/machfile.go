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

// Package machfile maps Mach-O and universal (fat) binaries to the offsets
// the signing layer cares about: where each architecture slice lives, where
// its embedded signature sits, and how much of the slice the signature
// covers. It parses headers only; it never interprets signature contents.
package machfile

import (
	"debug/macho"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// ErrNotMachO reports that a file is not a recognized Mach-O or universal
// binary. Corrupt headers are distinct hard errors, never silently accepted.
var ErrNotMachO = errors.New("not a Mach-O image")

const loadCmdCodeSignature macho.LoadCmd = 0x1d

// Arch identifies one architecture slice.
type Arch struct {
	Cpu    macho.Cpu
	SubCpu uint32
}

func (a Arch) String() string {
	switch a.Cpu {
	case macho.Cpu386:
		return "i386"
	case macho.CpuAmd64:
		return "x86_64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuArm64:
		return "arm64"
	case macho.CpuPpc:
		return "ppc"
	case macho.CpuPpc64:
		return "ppc64"
	}
	return fmt.Sprintf("cpu%d.%d", a.Cpu, a.SubCpu)
}

// ParseArch resolves a user-supplied architecture name.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "i386", "x86":
		return Arch{Cpu: macho.Cpu386}, nil
	case "x86_64", "amd64":
		return Arch{Cpu: macho.CpuAmd64}, nil
	case "arm":
		return Arch{Cpu: macho.CpuArm}, nil
	case "arm64", "aarch64":
		return Arch{Cpu: macho.CpuArm64}, nil
	case "ppc":
		return Arch{Cpu: macho.CpuPpc}, nil
	case "ppc64":
		return Arch{Cpu: macho.CpuPpc64}, nil
	}
	return Arch{}, fmt.Errorf("unknown architecture %q", name)
}

func nativeArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return Arch{Cpu: macho.CpuAmd64}
	case "arm64":
		return Arch{Cpu: macho.CpuArm64}
	case "386":
		return Arch{Cpu: macho.Cpu386}
	case "arm":
		return Arch{Cpu: macho.CpuArm}
	}
	return Arch{Cpu: macho.CpuArm64}
}

// fallback preference once the native arch misses
var preferredArchs = []Arch{
	{Cpu: macho.CpuArm64},
	{Cpu: macho.CpuAmd64},
}

// Image is one architecture slice with its signature markers resolved.
type Image struct {
	Arch   Arch
	Offset int64 // position of the slice within the container file
	Size   int64 // slice length

	sigStart int64 // signature region, relative to the slice
	sigLen   int64
}

// SignatureRegion returns the LC_CODE_SIGNATURE extent relative to the slice
// start, or (0, 0) when the image carries no signature command.
func (i *Image) SignatureRegion() (start, length int64) {
	return i.sigStart, i.sigLen
}

// CodeSize is the number of bytes covered by a signature: everything up to
// the signature region, or the whole slice when unsigned.
func (i *Image) CodeSize() int64 {
	if i.sigStart > 0 {
		return i.sigStart
	}
	return i.Size
}

// Universal is a parsed view of a Mach-O or universal binary: one image per
// architecture slice, a single implicit slice for thin files.
type Universal struct {
	Images []*Image
	fat    bool
}

func (u *Universal) IsUniversal() bool { return u.fat }

// Arches lists the architectures present, in file order.
func (u *Universal) Arches() []Arch {
	arches := make([]Arch, len(u.Images))
	for i, img := range u.Images {
		arches[i] = img.Arch
	}
	return arches
}

// Image returns the slice for an exact architecture, or nil.
func (u *Universal) Image(arch Arch) *Image {
	for _, img := range u.Images {
		if img.Arch.Cpu == arch.Cpu && (arch.SubCpu == 0 || img.Arch.SubCpu == arch.SubCpu) {
			return img
		}
	}
	return nil
}

// BestImage picks a slice: the requested architecture if given, otherwise
// the native architecture, then the fixed preference order, then the first
// slice in the file.
func (u *Universal) BestImage(arch *Arch) (*Image, error) {
	if arch != nil {
		if img := u.Image(*arch); img != nil {
			return img, nil
		}
		return nil, fmt.Errorf("no slice for architecture %s", arch)
	}
	if img := u.Image(nativeArch()); img != nil {
		return img, nil
	}
	for _, pref := range preferredArchs {
		if img := u.Image(pref); img != nil {
			return img, nil
		}
	}
	if len(u.Images) == 0 {
		return nil, ErrNotMachO
	}
	return u.Images[0], nil
}

// Open parses the container at r. Thin Mach-O files produce a single-image
// Universal; anything that is neither thin nor fat is ErrNotMachO.
func Open(r io.ReaderAt, size int64) (*Universal, error) {
	fatFile, err := macho.NewFatFile(r)
	if err == nil {
		u := &Universal{fat: true}
		for _, fa := range fatFile.Arches {
			img, err := OpenSlice(r, int64(fa.Offset), int64(fa.Size))
			if err != nil {
				return nil, fmt.Errorf("slice %s.%d: %w", fa.Cpu, fa.SubCpu, err)
			}
			u.Images = append(u.Images, img)
		}
		if len(u.Images) == 0 {
			return nil, errors.New("universal binary has no slices")
		}
		return u, nil
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, ErrNotMachO
	}
	img, err := OpenSlice(r, 0, size)
	if err != nil {
		return nil, err
	}
	return &Universal{Images: []*Image{img}}, nil
}

// OpenSlice parses a single Mach-O image at an explicit offset. No format
// detection is performed; a non-Mach-O region is an error.
func OpenSlice(r io.ReaderAt, offset, size int64) (*Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid slice size %d", size)
	}
	sr := io.NewSectionReader(r, offset, size)
	hdr, err := macho.NewFile(sr)
	if err != nil {
		var fmtErr *macho.FormatError
		if errors.As(err, &fmtErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotMachO, fmtErr)
		}
		return nil, err
	}
	img := &Image{
		Arch:   Arch{Cpu: hdr.Cpu, SubCpu: hdr.SubCpu},
		Offset: offset,
		Size:   size,
	}
	for _, loadCmd := range hdr.Loads {
		raw := loadCmd.Raw()
		if macho.LoadCmd(hdr.ByteOrder.Uint32(raw)) != loadCmdCodeSignature {
			continue
		}
		if len(raw) != 16 {
			return nil, fmt.Errorf("expected LC_CODE_SIGNATURE to be 16 bytes not %d bytes", len(raw))
		}
		img.sigStart = int64(hdr.ByteOrder.Uint32(raw[8:]))
		img.sigLen = int64(hdr.ByteOrder.Uint32(raw[12:]))
		if img.sigStart < 0 || img.sigLen < 0 || img.sigStart+img.sigLen > size {
			return nil, errors.New("LC_CODE_SIGNATURE region exceeds image")
		}
		break
	}
	return img, nil
}
