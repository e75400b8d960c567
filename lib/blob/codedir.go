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

package blob

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type HashType uint8

// CSCommon.h
const (
	HashNone HashType = iota
	HashSHA1
	HashSHA256
	HashSHA256Truncated
	HashSHA384
	HashSHA512
)

// CodeDirectoryHeader is the fixed big-endian prefix of a code directory.
// Fields past PageSizeLog2 exist only at or above the version noted.
type CodeDirectoryHeader struct {
	Magic   Magic
	Length  uint32
	Version uint32
	Flags   uint32

	HashOffset       uint32
	IdentOffset      uint32
	SpecialSlotCount uint32
	CodeSlotCount    uint32
	CodeLimit        uint32

	HashSize     uint8
	HashType     HashType
	_            uint8
	PageSizeLog2 uint8
	_            uint32
	// Version >= 0x20100
	ScatterOffset uint32
	// Version >= 0x20200
	TeamOffset uint32
}

type CodeDirectory struct {
	Header          CodeDirectoryHeader
	SigningIdentity string
	TeamIdentifier  string
	HashFunc        crypto.Hash

	CodeHashes    [][]byte
	SpecialHashes map[Slot][]byte

	Raw    []byte
	CDHash []byte
}

// PageSize is the hash granularity in bytes: 0 means the whole signed region
// is one hash unit.
func (d *CodeDirectory) PageSize() int64 {
	if d.Header.PageSizeLog2 == 0 {
		return 0
	}
	return 1 << d.Header.PageSizeLog2
}

func hashFunc(hashType HashType, hashLen uint8) (h crypto.Hash, err error) {
	switch hashType {
	case HashSHA1:
		h = crypto.SHA1
	case HashSHA256:
		h = crypto.SHA256
	}
	if h == 0 {
		err = fmt.Errorf("unknown hash type %d", hashType)
	} else if h.Size() != int(hashLen) {
		err = fmt.Errorf("expected size %d for hash %d but got %d", h.Size(), hashType, hashLen)
	}
	return
}

func typeOfHash(h crypto.Hash) (HashType, error) {
	switch h {
	case crypto.SHA1:
		return HashSHA1, nil
	case crypto.SHA256:
		return HashSHA256, nil
	default:
		return 0, fmt.Errorf("unsupported hash type %s", h)
	}
}

// ParseCodeDirectory decodes a code directory blob, header included.
func ParseCodeDirectory(raw []byte) (*CodeDirectory, error) {
	var hdr CodeDirectoryHeader
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != MagicCodeDirectory {
		return nil, fmt.Errorf("expected code directory but got %08x", uint32(hdr.Magic))
	}
	// zero out fields that aren't present in this version
	switch {
	case hdr.Version < 0x20100:
		hdr.ScatterOffset = 0
		fallthrough
	case hdr.Version < 0x20200:
		hdr.TeamOffset = 0
	}
	dir := &CodeDirectory{Header: hdr, Raw: raw, SpecialHashes: make(map[Slot][]byte)}
	var err error
	if hdr.IdentOffset != 0 {
		dir.SigningIdentity, err = cstring(raw, int(hdr.IdentOffset))
		if err != nil {
			return nil, err
		}
	}
	if hdr.TeamOffset != 0 {
		dir.TeamIdentifier, err = cstring(raw, int(hdr.TeamOffset))
		if err != nil {
			return nil, err
		}
	}
	if hdr.ScatterOffset != 0 {
		return nil, errors.New("scattered code directories are not supported")
	}
	dir.HashFunc, err = hashFunc(hdr.HashType, hdr.HashSize)
	if err != nil {
		return nil, err
	}
	h := dir.HashFunc.New()
	h.Write(raw)
	dir.CDHash = h.Sum(nil)
	// hash slots: special slots sit immediately before the code slots,
	// indexed by the negative of their slot number
	hashBase := int(hdr.HashOffset)
	hashLen := int(hdr.HashSize)
	total := int(hdr.SpecialSlotCount+hdr.CodeSlotCount) * hashLen
	if hashBase < int(hdr.SpecialSlotCount)*hashLen || hashBase-int(hdr.SpecialSlotCount)*hashLen+total > len(raw) {
		return nil, ErrTruncated
	}
	slot := func(i int) []byte {
		v := raw[hashBase+i*hashLen : hashBase+(i+1)*hashLen]
		for _, c := range v {
			if c != 0 {
				return v
			}
		}
		return nil
	}
	dir.CodeHashes = make([][]byte, hdr.CodeSlotCount)
	for i := 0; i < int(hdr.CodeSlotCount); i++ {
		dir.CodeHashes[i] = slot(i)
	}
	for i := 1; i <= int(hdr.SpecialSlotCount); i++ {
		if v := slot(-i); v != nil {
			dir.SpecialHashes[Slot(i)] = v
		}
	}
	return dir, nil
}

// CodeDirectoryParams drives BuildCodeDirectory. Pages supplies the signed
// region's content; it is consumed in page-size chunks (or whole when
// PageSize is 0).
type CodeDirectoryParams struct {
	SigningIdentity string
	TeamIdentifier  string
	HashFunc        crypto.Hash
	PageSize        int64
	CodeLimit       int64
	Flags           uint32
	Pages           io.Reader
	SpecialHashes   map[Slot][]byte
}

// BuildCodeDirectory hashes the code pages and assembles a complete code
// directory blob.
func BuildCodeDirectory(params CodeDirectoryParams) ([]byte, error) {
	if params.HashFunc == 0 {
		params.HashFunc = crypto.SHA256
	}
	htype, err := typeOfHash(params.HashFunc)
	if err != nil {
		return nil, err
	}
	codeHashes, err := hashPages(params.HashFunc, params.Pages, params.PageSize, params.CodeLimit)
	if err != nil {
		return nil, err
	}
	var specialCount uint32
	for slot := range params.SpecialHashes {
		if uint32(slot) > specialCount {
			specialCount = uint32(slot)
		}
	}
	hdr := CodeDirectoryHeader{
		Magic:            MagicCodeDirectory,
		Version:          0x20200,
		Flags:            params.Flags,
		SpecialSlotCount: specialCount,
		CodeSlotCount:    uint32(len(codeHashes)),
		CodeLimit:        uint32(params.CodeLimit),
		HashSize:         uint8(params.HashFunc.Size()),
		HashType:         htype,
	}
	if params.PageSize != 0 {
		hdr.PageSizeLog2 = uint8(log2(params.PageSize))
	}
	hdrSize := binary.Size(hdr)
	strings := new(bytes.Buffer)
	hdr.IdentOffset = uint32(hdrSize)
	strings.WriteString(params.SigningIdentity)
	strings.WriteByte(0)
	if params.TeamIdentifier != "" {
		hdr.TeamOffset = uint32(hdrSize + strings.Len())
		strings.WriteString(params.TeamIdentifier)
		strings.WriteByte(0)
	}
	hdr.HashOffset = uint32(hdrSize+strings.Len()) + specialCount*uint32(hdr.HashSize)
	hdr.Length = hdr.HashOffset + hdr.CodeSlotCount*uint32(hdr.HashSize)
	out := bytes.NewBuffer(make([]byte, 0, hdr.Length))
	_ = binary.Write(out, binary.BigEndian, hdr)
	out.Write(strings.Bytes())
	zero := make([]byte, hdr.HashSize)
	for i := int(specialCount); i >= 1; i-- {
		v := params.SpecialHashes[Slot(i)]
		if v == nil {
			v = zero
		}
		out.Write(v)
	}
	for _, v := range codeHashes {
		out.Write(v)
	}
	return out.Bytes(), nil
}

func hashPages(hashFunc crypto.Hash, pages io.Reader, pageSize, codeLimit int64) ([][]byte, error) {
	if pages == nil {
		pages = bytes.NewReader(nil)
	}
	pages = io.LimitReader(pages, codeLimit)
	if pageSize == 0 {
		h := hashFunc.New()
		if _, err := io.Copy(h, pages); err != nil {
			return nil, err
		}
		return [][]byte{h.Sum(nil)}, nil
	}
	var hashes [][]byte
	var done int64
	buf := make([]byte, pageSize)
	for done < codeLimit {
		want := pageSize
		if remain := codeLimit - done; remain < want {
			want = remain
		}
		if _, err := io.ReadFull(pages, buf[:want]); err != nil {
			return nil, fmt.Errorf("hashing code pages: %w", err)
		}
		h := hashFunc.New()
		h.Write(buf[:want])
		hashes = append(hashes, h.Sum(nil))
		done += want
	}
	return hashes, nil
}

func log2(v int64) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func cstring(raw []byte, i int) (string, error) {
	if i >= len(raw) {
		return "", ErrTruncated
	}
	raw = raw[i:]
	j := bytes.IndexByte(raw, 0)
	if j < 0 {
		return "", ErrTruncated
	}
	return string(raw[:j]), nil
}
