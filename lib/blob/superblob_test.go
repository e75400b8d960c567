package blob

import (
	"crypto"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperBlobRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewSuperBlob(MagicEmbeddedSignature)
	cd, err := BuildCodeDirectory(CodeDirectoryParams{
		SigningIdentity: "com.example.tool",
		HashFunc:        crypto.SHA256,
		PageSize:        4096,
		CodeLimit:       8192,
		Pages:           rand.Reader,
	})
	require.NoError(t, err)
	s.SetComponent(SlotCodeDirectory, cd)
	s.SetComponent(SlotRequirements, []byte("fake requirement set"))
	s.SetComponent(SlotSignature, []byte{0x30, 0x03, 0x02, 0x01, 0x01})

	raw := s.Marshal()
	parsed, err := ParseSuper(raw)
	require.NoError(t, err)
	assert.Equal(t, MagicEmbeddedSignature, parsed.Magic)
	assert.Equal(t, []Slot{SlotCodeDirectory, SlotRequirements, SlotSignature}, parsed.Slots())
	assert.Equal(t, cd, parsed.Component(SlotCodeDirectory))
	assert.Equal(t, []byte("fake requirement set"), parsed.Payload(SlotRequirements))
	assert.Nil(t, parsed.Component(SlotEntitlement))

	// wrapped components carry the magic implied by their slot
	req := parsed.Component(SlotRequirements)
	assert.Equal(t, uint32(MagicRequirements), binary.BigEndian.Uint32(req))
	sig := parsed.Component(SlotSignature)
	assert.Equal(t, uint32(MagicBlobWrapper), binary.BigEndian.Uint32(sig))
}

func TestSuperBlobRemove(t *testing.T) {
	t.Parallel()
	s := NewSuperBlob(MagicDetachedSignature)
	s.SetComponent(SlotTicket, []byte("ticket"))
	require.Equal(t, 1, s.Len())
	s.Remove(SlotTicket)
	assert.Zero(t, s.Len())
	// setting empty data is equivalent to removal
	s.SetComponent(SlotTicket, []byte("ticket"))
	s.SetComponent(SlotTicket, nil)
	assert.Zero(t, s.Len())
}

func TestParseSuperTruncated(t *testing.T) {
	t.Parallel()
	s := NewSuperBlob(MagicEmbeddedSignature)
	s.SetComponent(SlotCodeDirectory, []byte("directory bytes"))
	raw := s.Marshal()
	for _, n := range []int{0, 4, 11, 16, len(raw) - 1} {
		_, err := ParseSuper(raw[:n])
		assert.Error(t, err, "prefix of %d bytes", n)
	}
	// index pointing past the end of the buffer
	bad := make([]byte, len(raw))
	copy(bad, raw)
	binary.BigEndian.PutUint32(bad[16:], uint32(len(bad)))
	_, err := ParseSuper(bad)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCodeDirectoryRoundTrip(t *testing.T) {
	t.Parallel()
	special := map[Slot][]byte{
		SlotRequirements: make([]byte, crypto.SHA256.Size()),
	}
	special[SlotRequirements][0] = 0xaa
	raw, err := BuildCodeDirectory(CodeDirectoryParams{
		SigningIdentity: "com.example.app",
		TeamIdentifier:  "EXAMPLETEAM",
		HashFunc:        crypto.SHA256,
		PageSize:        4096,
		CodeLimit:       4096*2 + 100,
		Pages:           rand.Reader,
		SpecialHashes:   special,
	})
	require.NoError(t, err)
	dir, err := ParseCodeDirectory(raw)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", dir.SigningIdentity)
	assert.Equal(t, "EXAMPLETEAM", dir.TeamIdentifier)
	assert.Equal(t, int64(4096), dir.PageSize())
	assert.Len(t, dir.CodeHashes, 3)
	assert.Equal(t, special[SlotRequirements], dir.SpecialHashes[SlotRequirements])
	assert.Len(t, dir.CDHash, crypto.SHA256.Size())
	assert.EqualValues(t, 4096*2+100, dir.Header.CodeLimit)
}

func TestCodeDirectoryMonolithic(t *testing.T) {
	t.Parallel()
	raw, err := BuildCodeDirectory(CodeDirectoryParams{
		SigningIdentity: "flatfile",
		HashFunc:        crypto.SHA256,
		PageSize:        0,
		CodeLimit:       999,
		Pages:           rand.Reader,
	})
	require.NoError(t, err)
	dir, err := ParseCodeDirectory(raw)
	require.NoError(t, err)
	assert.Zero(t, dir.PageSize())
	assert.Len(t, dir.CodeHashes, 1)
}

func TestSlotString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "code directory", SlotCodeDirectory.String())
	assert.Equal(t, "signature", SlotSignature.String())
	assert.Equal(t, "alternate code directory #1", (SlotAlternateCodeDirectories + 1).String())
	assert.Equal(t, "slot 0x99", Slot(0x99).String())
}

func TestNormalizeSignature(t *testing.T) {
	t.Parallel()
	// a BER packet with definite length survives unchanged
	inner := []byte{0x30, 0x03, 0x02, 0x01, 0x2a}
	s := NewSuperBlob(MagicEmbeddedSignature)
	s.SetComponent(SlotSignature, inner)
	der, err := NormalizeSignature(s.Component(SlotSignature))
	require.NoError(t, err)
	assert.Equal(t, inner, der)

	// empty wrapper means unsigned, not an error
	der, err = NormalizeSignature(nil)
	require.NoError(t, err)
	assert.Nil(t, der)
}
