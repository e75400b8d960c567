package magic

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	t.Parallel()
	be32 := func(words ...uint32) []byte {
		var buf bytes.Buffer
		for _, w := range words {
			_ = binary.Write(&buf, binary.BigEndian, w)
		}
		return buf.Bytes()
	}
	le32 := func(words ...uint32) []byte {
		var buf bytes.Buffer
		for _, w := range words {
			_ = binary.Write(&buf, binary.LittleEndian, w)
		}
		return buf.Bytes()
	}
	tests := []struct {
		name string
		blob []byte
		want FileType
	}{
		{"Thin64LE", le32(machMagic64, 0x0100000c), FileTypeMachO},
		{"Thin64BE", be32(machMagic64, 0x0100000c), FileTypeMachO},
		{"Thin32LE", le32(machMagic32, 0x0000000c), FileTypeMachO},
		{"Fat", be32(fatMagic, 2), FileTypeMachOFat},
		{"FatSwapped", le32(fatMagic, 2), FileTypeMachOFat},
		{"JavaClass", be32(fatMagic, 0x00030041), FileTypeUnknown},
		{"Empty", nil, FileTypeUnknown},
		{"Short", []byte{0xca, 0xfe}, FileTypeUnknown},
		{"Text", []byte("#!/bin/sh\n"), FileTypeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(bytes.NewReader(tc.blob)))
		})
	}
}
