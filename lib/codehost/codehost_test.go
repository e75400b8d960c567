package codehost

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/diskrep"
)

// signedFlatFile writes content to a flat file and seals it with a detached
// code directory covering the whole file.
func signedFlatFile(t *testing.T, dir, name, ident string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	cd, err := blob.BuildCodeDirectory(blob.CodeDirectoryParams{
		SigningIdentity: ident,
		CodeLimit:       int64(len(content)),
		Pages:           bytes.NewReader(content),
	})
	require.NoError(t, err)
	rep, err := diskrep.BestGuess(path, nil)
	require.NoError(t, err)
	w, err := rep.Writer()
	require.NoError(t, err)
	require.NoError(t, diskrep.WriteCodeDirectory(w, cd))
	require.NoError(t, w.WriteComponent(blob.SlotRequirements, []byte("designated anchors")))
	require.NoError(t, w.Flush())
	require.NoError(t, rep.Flush())
	return path
}

func TestStaticCodeSigned(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := signedFlatFile(t, dir, "tool.bin", "com.example.tool", []byte("some tool payload"))

	static, err := NewStaticCodeAt(path, nil)
	require.NoError(t, err)
	signed, err := static.IsSigned()
	require.NoError(t, err)
	assert.True(t, signed)

	ident, err := static.Identifier()
	require.NoError(t, err)
	assert.Equal(t, "com.example.tool", ident)

	cdhash, err := static.CDHash()
	require.NoError(t, err)
	assert.Len(t, cdhash, 32)

	// the parsed directory is resolved once
	cd1, err := static.CodeDirectory()
	require.NoError(t, err)
	cd2, err := static.CodeDirectory()
	require.NoError(t, err)
	assert.Same(t, cd1, cd2)

	require.NoError(t, static.CheckValidity(context.Background(), FlagDefault, nil))
}

func TestStaticCodeUnsigned(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("nothing signed here"), 0o644))

	static, err := NewStaticCodeAt(path, nil)
	require.NoError(t, err)
	signed, err := static.IsSigned()
	require.NoError(t, err)
	assert.False(t, signed)

	ident, err := static.Identifier()
	require.NoError(t, err)
	assert.Equal(t, "plain", ident)

	require.NoError(t, static.CheckValidity(context.Background(), FlagDefault, nil))

	err = static.CheckValidity(context.Background(), FlagRequireSigned, nil)
	var verr *ValidityError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "signed", verr.Check)
}

func TestStaticCodeTampered(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	content := []byte("payload that will be modified")
	path := signedFlatFile(t, dir, "victim.bin", "com.example.victim", content)

	t.Run("ContentChanged", func(t *testing.T) {
		tampered := append([]byte{}, content...)
		tampered[4] ^= 0xff
		require.NoError(t, os.WriteFile(path, tampered, 0o644))

		static, err := NewStaticCodeAt(path, nil)
		require.NoError(t, err)
		err = static.CheckValidity(context.Background(), FlagDefault, nil)
		var verr *ValidityError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "code pages", verr.Check)
	})
	t.Run("ContentGrown", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, append(content, "extra"...), 0o644))

		static, err := NewStaticCodeAt(path, nil)
		require.NoError(t, err)
		err = static.CheckValidity(context.Background(), FlagDefault, nil)
		var verr *ValidityError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "code limit", verr.Check)
	})
}

type recordingEvaluator struct {
	called bool
	reqs   diskrep.RequirementSet
	err    error
}

func (e *recordingEvaluator) Evaluate(ctx context.Context, code *StaticCode, reqs diskrep.RequirementSet, flags Flags) error {
	e.called = true
	e.reqs = reqs
	return e.err
}

func TestStaticCodeEvaluator(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := signedFlatFile(t, dir, "eval.bin", "com.example.eval", []byte("evaluated payload"))

	t.Run("Accepts", func(t *testing.T) {
		static, err := NewStaticCodeAt(path, nil)
		require.NoError(t, err)
		eval := new(recordingEvaluator)
		require.NoError(t, static.CheckValidity(context.Background(), FlagDefault, eval))
		assert.True(t, eval.called)
		assert.NotEmpty(t, eval.reqs)
	})
	t.Run("Rejects", func(t *testing.T) {
		static, err := NewStaticCodeAt(path, nil)
		require.NoError(t, err)
		eval := &recordingEvaluator{err: assert.AnError}
		err = static.CheckValidity(context.Background(), FlagDefault, eval)
		var verr *ValidityError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "requirement evaluation", verr.Check)
		assert.ErrorIs(t, err, assert.AnError)
	})
	t.Run("UnsignedIsFatal", func(t *testing.T) {
		plain := filepath.Join(dir, "unsigned.txt")
		require.NoError(t, os.WriteFile(plain, []byte("no seal"), 0o644))
		static, err := NewStaticCodeAt(plain, nil)
		require.NoError(t, err)
		err = static.CheckValidity(context.Background(), FlagDefault, new(recordingEvaluator))
		var verr *ValidityError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "signed", verr.Check)
	})
}

func TestRegistryLocateGuest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pathA := signedFlatFile(t, dir, "a.bin", "com.example.a", []byte("guest a"))
	pathB := signedFlatFile(t, dir, "b.bin", "com.example.b", []byte("guest b"))

	reg := NewRegistry()
	guestA, err := reg.Register(nil, GuestInfo{
		Attributes: Attributes{AttrPID: 100, AttrCanonical: pathA},
		Path:       pathA,
	})
	require.NoError(t, err)
	_, err = reg.Register(nil, GuestInfo{
		Attributes: Attributes{AttrPID: 200, AttrCanonical: pathB},
		Path:       pathB,
	})
	require.NoError(t, err)

	found, err := reg.Root().LocateGuest(Attributes{AttrPID: 100})
	require.NoError(t, err)
	assert.Same(t, guestA, found)

	_, err = reg.Root().LocateGuest(Attributes{AttrPID: 300})
	assert.ErrorIs(t, err, ErrNoSuchGuest)

	// empty attrs match everything
	_, err = reg.Root().LocateGuest(Attributes{})
	assert.ErrorIs(t, err, ErrAmbiguousGuest)

	// leaves host nothing
	_, err = guestA.LocateGuest(Attributes{AttrPID: 100})
	assert.ErrorIs(t, err, ErrNotAHost)
}

func TestRegistryAutoLocateGuest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	hostPath := signedFlatFile(t, dir, "host.bin", "com.example.host", []byte("the host"))
	guestPath := signedFlatFile(t, dir, "nested.bin", "com.example.nested", []byte("the nested guest"))

	reg := NewRegistry()
	host, err := reg.Register(nil, GuestInfo{
		Attributes: Attributes{AttrPID: 1},
		Path:       hostPath,
	})
	require.NoError(t, err)
	nested, err := reg.Register(host, GuestInfo{
		Attributes: Attributes{AttrCanonical: guestPath},
		Path:       guestPath,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, nested.Depth())
	assert.Same(t, host, nested.Host())
	assert.Same(t, reg.Root(), host.Host())
	assert.True(t, reg.Root().IsRoot())
	assert.False(t, host.IsRoot())
	assert.False(t, nested.IsRoot())

	found, err := reg.AutoLocateGuest(Attributes{AttrCanonical: guestPath}, FlagDefault)
	require.NoError(t, err)
	assert.Same(t, nested, found)

	// the instance token is a valid lookup key on its own
	token, err := reg.Token(nested)
	require.NoError(t, err)
	found, err = reg.AutoLocateGuest(Attributes{AttrGuestID: token}, FlagDefault)
	require.NoError(t, err)
	assert.Same(t, nested, found)

	_, err = reg.AutoLocateGuest(Attributes{AttrPID: 999}, FlagDefault)
	assert.ErrorIs(t, err, ErrNoSuchGuest)
}

func TestRegistryStaticCodeCached(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := signedFlatFile(t, dir, "cached.bin", "com.example.cached", []byte("cache me"))

	reg := NewRegistry()
	guest, err := reg.Register(nil, GuestInfo{
		Attributes: Attributes{AttrPID: 7},
		Path:       path,
	})
	require.NoError(t, err)

	s1, err := guest.StaticCode()
	require.NoError(t, err)
	s2, err := guest.StaticCode()
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, path, s1.CanonicalPath())

	_, err = reg.Root().StaticCode()
	assert.ErrorIs(t, err, ErrNoStaticCode)
}

func TestGuestStatus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := signedFlatFile(t, dir, "watched.bin", "com.example.watched", []byte("watched guest"))

	reg := NewRegistry()
	guest, err := reg.Register(nil, GuestInfo{
		Attributes: Attributes{AttrPID: 42},
		Path:       path,
		Status:     StatusValid,
	})
	require.NoError(t, err)

	require.NoError(t, guest.CheckValidity(context.Background(), FlagDefault, nil))

	require.NoError(t, reg.SetGuestStatus(guest, StatusIdentityChanged))
	err = guest.CheckValidity(context.Background(), FlagDefault, nil)
	var verr *ValidityError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "guest identity", verr.Check)

	// status queries require the actual host
	other, err := reg.Register(nil, GuestInfo{Attributes: Attributes{AttrPID: 43}, Path: path})
	require.NoError(t, err)
	_, err = other.GuestStatus(guest)
	assert.ErrorIs(t, err, ErrUnrelatedGuest)
}

func TestMapGuestToStatic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	claimed := signedFlatFile(t, dir, "claimed.bin", "com.example.claimed", []byte("what the guest claims"))
	reported := signedFlatFile(t, dir, "reported.bin", "com.example.reported", []byte("what the host reports"))

	reg := NewRegistry()
	guest, err := reg.Register(nil, GuestInfo{
		Attributes:       Attributes{AttrPID: 5},
		Path:             claimed,
		HostReportedPath: reported,
	})
	require.NoError(t, err)

	own, err := guest.StaticCode()
	require.NoError(t, err)
	assert.Equal(t, claimed, own.CanonicalPath())

	mapped, err := reg.Root().MapGuestToStatic(guest)
	require.NoError(t, err)
	assert.Equal(t, reported, mapped.CanonicalPath())
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := signedFlatFile(t, dir, "gone.bin", "com.example.gone", []byte("soon removed"))

	reg := NewRegistry()
	host, err := reg.Register(nil, GuestInfo{Attributes: Attributes{AttrPID: 1}, Path: path})
	require.NoError(t, err)
	child, err := reg.Register(host, GuestInfo{Attributes: Attributes{AttrPID: 2}, Path: path})
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(host))
	_, err = reg.Token(host)
	assert.ErrorIs(t, err, ErrNoSuchGuest)
	_, err = reg.Token(child)
	assert.ErrorIs(t, err, ErrNoSuchGuest)
	_, err = reg.AutoLocateGuest(Attributes{AttrPID: 2}, FlagDefault)
	assert.ErrorIs(t, err, ErrNoSuchGuest)

	assert.ErrorIs(t, reg.Unregister(host), ErrNoSuchGuest)
}

type stubDelegate struct{}

func (stubDelegate) GetStaticCode(*Code) (*StaticCode, error) { return nil, ErrNoStaticCode }
func (stubDelegate) LocateGuest(*Code, Attributes) (*Code, error) {
	return nil, ErrNotAHost
}
func (stubDelegate) MapGuestToStatic(host, guest *Code) (*StaticCode, error) {
	return guest.StaticCode()
}
func (stubDelegate) GuestStatus(host, guest *Code) (GuestStatus, error) { return 0, nil }

func TestHostChainDepthBound(t *testing.T) {
	t.Parallel()
	var node *Code
	var err error
	for i := 0; i < 64; i++ {
		node, err = New(node, stubDelegate{})
		require.NoError(t, err, "depth %d", i)
	}
	_, err = New(node, stubDelegate{})
	assert.ErrorIs(t, err, ErrHostCycle)
}
