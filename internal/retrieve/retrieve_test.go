package retrieve

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/pijugo/internal/apply"
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/patch"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(filepath.Join(dir, "pristine"), 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func extKey(patchHash ident.Hash, hasHash bool, line uint64) patch.ExternalKey {
	return patch.ExternalKey{HasPatch: hasHash, Patch: patchHash, Line: ident.LineIdFromUint64(line)}
}

// TestOutputFileRendersAliveChainInOrder builds a two-line chain under
// root and checks the rendered byte stream is the plain concatenation
// of both lines' content, with no conflict markers.
func TestOutputFileRendersAliveChainInOrder(t *testing.T) {
	db := openTestDB(t)
	h := ident.Sha512Of([]byte("patch one"))
	p := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("A\n"), []byte("B\n")},
		}},
	}

	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		_, err := apply.Apply(tx, "master", h, p, 1)
		return err
	})
	require.NoError(t, err)

	var out bytes.Buffer
	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		gr, err := Retrieve(g, "master", ident.RootKey)
		if err != nil {
			return err
		}
		buf := NewWriteBuffer(&out)
		_, err = OutputFile(g, buf, gr)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", out.String())
}

// TestOutputFileRendersConflictForDivergentInsertions applies two
// patches that both graft new content directly onto root with no
// ordering between them (spec.md Scenarios S3/S4: concurrent
// insertions at the same point produce a rendered conflict). Neither
// branch's tail points at the other, so root forks into two SCCs that
// each bypass the other straight to the dummy sink; OutputFile must
// wrap both inside a single conflict block via notConflicting and the
// BeginConflict/ConflictNext/EndConflict markers.
func TestOutputFileRendersConflictForDivergentInsertions(t *testing.T) {
	db := openTestDB(t)
	h1 := ident.Sha512Of([]byte("patch one"))
	p1 := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("ours\n")},
		}},
	}
	h2 := ident.Sha512Of([]byte("patch two"))
	p2 := &patch.Patch{
		Version: patch.FormatVersion,
		Changes: []patch.Change{{
			Kind:      patch.ChangeNewNodes,
			UpContext: []patch.ExternalKey{extKey(ident.NoneHash, true, 0)},
			Flag:      0,
			LineNum:   ident.LineIdFromUint64(1),
			Nodes:     [][]byte{[]byte("theirs\n")},
		}},
	}

	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		require.NoError(t, g.CreateBranch("master"))
		if _, err := apply.Apply(tx, "master", h1, p1, 1); err != nil {
			return err
		}
		_, err := apply.Apply(tx, "master", h2, p2, 2)
		return err
	})
	require.NoError(t, err)

	var out bytes.Buffer
	var marks []string
	cb := &countingBuffer{WriteBuffer: NewWriteBuffer(&out), marks: &marks}
	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		gr, err := Retrieve(g, "master", ident.RootKey)
		if err != nil {
			return err
		}
		_, err = OutputFile(g, cb, gr)
		return err
	})
	require.NoError(t, err)

	beginCount, endCount := 0, 0
	for _, m := range marks {
		switch m {
		case "begin":
			beginCount++
		case "end":
			endCount++
		}
	}
	assert.Equal(t, 1, beginCount, "exactly one conflict block should open")
	assert.Equal(t, 1, endCount, "exactly one conflict block should close")

	rendered := out.String()
	assert.Contains(t, rendered, "ours\n")
	assert.Contains(t, rendered, "theirs\n")
	begin := strings.Index(rendered, StartMarker)
	end := strings.Index(rendered, EndMarker)
	require.NotEqual(t, -1, begin)
	require.NotEqual(t, -1, end)
	assert.Less(t, begin, strings.Index(rendered, "ours\n"))
	assert.Less(t, begin, strings.Index(rendered, "theirs\n"))
	assert.Greater(t, end, strings.Index(rendered, "ours\n"))
	assert.Greater(t, end, strings.Index(rendered, "theirs\n"))
}

// countingBuffer wraps WriteBuffer to record which conflict markers
// OutputFile actually invokes, so the test can assert a single
// begin/end pair brackets both sides instead of just grepping bytes.
type countingBuffer struct {
	*WriteBuffer
	marks *[]string
}

func (c *countingBuffer) BeginConflict() error {
	*c.marks = append(*c.marks, "begin")
	return c.WriteBuffer.BeginConflict()
}

func (c *countingBuffer) ConflictNext() error {
	*c.marks = append(*c.marks, "next")
	return c.WriteBuffer.ConflictNext()
}

func (c *countingBuffer) EndConflict() error {
	*c.marks = append(*c.marks, "end")
	return c.WriteBuffer.EndConflict()
}

// TestOutputFileEmptyBranchRendersNothing confirms an empty branch
// (root only) renders to zero bytes and no conflict markers.
func TestOutputFileEmptyBranchRendersNothing(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *kv.Tx) error {
		g := graph.New(tx)
		return g.CreateBranch("master")
	})
	require.NoError(t, err)

	var out bytes.Buffer
	err = db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		gr, err := Retrieve(g, "master", ident.RootKey)
		if err != nil {
			return err
		}
		buf := NewWriteBuffer(&out)
		forward, err := OutputFile(g, buf, gr)
		assert.Empty(t, forward)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, out.String())
}
