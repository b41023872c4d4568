package ident

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchIdSortMatchesNumericOrder(t *testing.T) {
	ids := []uint64{0, 1, 255, 256, 1 << 40, ^uint64(0)}
	encoded := make([]PatchId, len(ids))
	for i, n := range ids {
		encoded[i] = PatchIdFromUint64(n)
	}

	sorted := append([]PatchId{}, encoded...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	for i, p := range sorted {
		assert.Equal(t, ids[i], p.Uint64(), "byte-lex order must equal numeric order at index %d", i)
	}
}

func TestRootPatchIdIsZero(t *testing.T) {
	assert.True(t, RootPatchId.IsRoot())
	assert.Equal(t, PatchId{}, RootPatchId)
}

func TestKeyLessOrdersByPatchThenLine(t *testing.T) {
	p1 := PatchIdFromUint64(1)
	p2 := PatchIdFromUint64(2)
	k1 := Key{Patch: p1, Line: LineIdFromUint64(5)}
	k2 := Key{Patch: p1, Line: LineIdFromUint64(9)}
	k3 := Key{Patch: p2, Line: LineIdFromUint64(0)}

	assert.True(t, k1.Less(k2))
	assert.True(t, k2.Less(k3))
	assert.False(t, k3.Less(k1))
}

func TestLineIdAdd(t *testing.T) {
	base := LineIdFromUint64(10)
	assert.Equal(t, uint64(13), base.Add(3).Uint64())
}

func TestHashRoundTrip(t *testing.T) {
	h := Sha512Of([]byte("hello world"))
	encoded := h.Encode()
	decoded, err := DecodeHash(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	none := NoneHash
	encodedNone := none.Encode()
	assert.Len(t, encodedNone, 1)
	decodedNone, err := DecodeHash(encodedNone)
	require.NoError(t, err)
	assert.True(t, decodedNone.IsNone())
}

func TestEdgeFlagsBitValues(t *testing.T) {
	assert.Equal(t, EdgeFlags(1), Pseudo)
	assert.Equal(t, EdgeFlags(2), Folder)
	assert.Equal(t, EdgeFlags(4), Parent)
	assert.Equal(t, EdgeFlags(8), Deleted)
}

func TestEdgeReverseTogglesParent(t *testing.T) {
	from := Key{Patch: PatchIdFromUint64(1), Line: LineIdFromUint64(1)}
	to := Key{Patch: PatchIdFromUint64(2), Line: LineIdFromUint64(2)}
	introducer := PatchIdFromUint64(3)

	e := Edge{Flags: Folder | Parent, Dest: to, IntroducedBy: introducer}
	rev := e.Reverse(from)

	assert.Equal(t, Folder, rev.Flags, "reverse must toggle PARENT off when it was set")
	assert.Equal(t, from, rev.Dest)
	assert.Equal(t, introducer, rev.IntroducedBy)

	// Toggling twice returns to the original set of flags.
	assert.Equal(t, e.Flags, rev.Reverse(to).Flags)
}

func TestEdgeEncodeDecodeRoundTrip(t *testing.T) {
	e := Edge{
		Flags:        Pseudo | Folder,
		Dest:         Key{Patch: PatchIdFromUint64(7), Line: LineIdFromUint64(42)},
		IntroducedBy: PatchIdFromUint64(99),
	}
	decoded, err := DecodeEdge(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestFileMetadataPermissionAndDirBit(t *testing.T) {
	m := NewFileMetadata(0644, false)
	assert.Equal(t, uint16(0644), m.Permission())
	assert.False(t, m.IsDir())

	dir := NewFileMetadata(0755, true)
	assert.Equal(t, uint16(0755), dir.Permission())
	assert.True(t, dir.IsDir())
	assert.Equal(t, uint16(0x200), uint16(dir)&0x200)
}

func TestFileMetadataEncodeDecode(t *testing.T) {
	m := NewFileMetadata(0600, true)
	decoded, err := FileMetadataFromBytes(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}
