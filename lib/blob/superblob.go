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
	"encoding/binary"
	"errors"
	"sort"
)

var ErrTruncated = errors.New("truncated signature blob")

// SuperBlob is an indexed container of signing components. Items keep their
// outer blob header (magic + length) so that reading a component back returns
// exactly the bytes that were stored.
type SuperBlob struct {
	Magic Magic
	items map[Slot][]byte
}

func NewSuperBlob(magic Magic) *SuperBlob {
	return &SuperBlob{Magic: magic, items: make(map[Slot][]byte)}
}

// ParseSuper decodes a superblob. Offsets and lengths are checked against the
// enclosing buffer; anything out of range is ErrTruncated, never a panic.
func ParseSuper(raw []byte) (*SuperBlob, error) {
	if len(raw) < 12 {
		return nil, ErrTruncated
	}
	s := NewSuperBlob(Magic(binary.BigEndian.Uint32(raw)))
	length := binary.BigEndian.Uint32(raw[4:])
	count := int(binary.BigEndian.Uint32(raw[8:]))
	if length < 12 || length > uint32(len(raw)) {
		return nil, errors.New("invalid length in signature blob")
	}
	if count < 0 || 12+8*count > len(raw) {
		return nil, ErrTruncated
	}
	index := raw[12 : 12+8*count]
	for i := 0; i < count; i++ {
		slot := Slot(binary.BigEndian.Uint32(index[8*i:]))
		offset := int(binary.BigEndian.Uint32(index[4+8*i:]))
		if offset < 0 || offset+8 > len(raw) {
			return nil, ErrTruncated
		}
		inner := int(binary.BigEndian.Uint32(raw[offset+4:]))
		if inner < 8 || offset+inner > len(raw) {
			return nil, ErrTruncated
		}
		s.items[slot] = raw[offset : offset+inner]
	}
	return s, nil
}

// Component returns the stored blob for slot, header included, or nil if the
// slot is absent. Absence is not an error.
func (s *SuperBlob) Component(slot Slot) []byte {
	return s.items[slot]
}

// Payload returns the component body with its 8-byte blob header stripped.
func (s *SuperBlob) Payload(slot Slot) []byte {
	item := s.items[slot]
	if len(item) < 8 {
		return nil
	}
	return item[8:]
}

// SetComponent stores data in slot. If data already begins with a known blob
// header of matching length it is stored verbatim; otherwise it is wrapped in
// the blob header implied by the slot (generic wrapper when the slot has no
// specific magic).
func (s *SuperBlob) SetComponent(slot Slot, data []byte) {
	if len(data) == 0 {
		delete(s.items, slot)
		return
	}
	if len(data) >= 8 && int(binary.BigEndian.Uint32(data[4:])) == len(data) {
		if m := binary.BigEndian.Uint32(data); m>>16 == 0xfade {
			s.items[slot] = data
			return
		}
	}
	magic := slotMagics[slot]
	if magic == 0 {
		magic = MagicBlobWrapper
	}
	packed := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(packed, uint32(magic))
	binary.BigEndian.PutUint32(packed[4:], uint32(len(data)+8))
	copy(packed[8:], data)
	s.items[slot] = packed
}

// Remove drops a slot if present.
func (s *SuperBlob) Remove(slot Slot) {
	delete(s.items, slot)
}

// Slots lists the occupied slots in ascending order.
func (s *SuperBlob) Slots() []Slot {
	slots := make([]Slot, 0, len(s.items))
	for slot := range s.items {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

func (s *SuperBlob) Len() int {
	return len(s.items)
}

// Marshal encodes the superblob with items laid out in slot order.
func (s *SuperBlob) Marshal() []byte {
	slots := s.Slots()
	ints := make([]uint32, 3+2*len(slots))
	ints[0] = uint32(s.Magic)
	ints[2] = uint32(len(slots))
	length := uint32(4 * len(ints))
	for i, slot := range slots {
		ints[3+2*i] = uint32(slot)
		ints[4+2*i] = length
		length += uint32(len(s.items[slot]))
	}
	ints[1] = length
	b := bytes.NewBuffer(make([]byte, 0, length))
	_ = binary.Write(b, binary.BigEndian, ints)
	for _, slot := range slots {
		b.Write(s.items[slot])
	}
	return b.Bytes()
}
