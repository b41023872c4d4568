// Package graph implements the C3 graph store: the nine root tables
// spec.md §4.2/§6.3 lay out as typed accessors over a single
// internal/kv transaction. Nodes, contents and the internal/external
// bijection are shared across branches; patches, revpatches and the
// apply counter are branch-scoped.
//
// Methods are grouped the way original_source/libpijul/src/backend.rs
// groups them on its MutTxn/Txn types — one receiver carrying a
// transaction, one method per table operation — rather than as a
// single do-everything repository object.
package graph

import (
	"bytes"
	"encoding/binary"

	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// Graph is a view of the nine root tables over a single kv
// transaction. It is cheap to construct and carries no state of its
// own beyond the transaction handle.
type Graph struct {
	tx *kv.Tx
}

// New wraps tx in a Graph view. tx may be read-only or mutating;
// mutating methods need a mutating tx: on a read-only tx, kv.Tx returns
// a nil Bucket for a table that does not exist yet, and the write then
// dereferences that nil Bucket.
func New(tx *kv.Tx) *Graph {
	return &Graph{tx: tx}
}

// nodesBucket resolves the per-branch nodes table (spec.md §4.2 table 1).
func (g *Graph) nodesBucket(branch string) (*kv.Bucket, error) {
	return g.tx.Bucket("branches", branch, "nodes")
}

// contentsBucket resolves the repository-wide contents table (table 2).
func (g *Graph) contentsBucket() (*kv.Bucket, error) {
	return g.tx.Bucket("contents")
}

// PutEdge inserts one directed half of an edge pair. The storage key
// is Key‖Edge so that a prefix scan on Key yields every outgoing edge
// sorted first by EdgeFlags, matching the take-while scans retrieve
// and apply perform over a flag ceiling (spec.md §9).
func (g *Graph) PutEdge(branch string, from ident.Key, e ident.Edge) error {
	b, err := g.nodesBucket(branch)
	if err != nil {
		return err
	}
	key := append(from.Encode(), e.Encode()...)
	return b.Put(key, nil)
}

// DelEdge removes one directed half of an edge pair; absent is a no-op.
func (g *Graph) DelEdge(branch string, from ident.Key, e ident.Edge) error {
	b, err := g.nodesBucket(branch)
	if err != nil {
		return err
	}
	key := append(from.Encode(), e.Encode()...)
	return b.Delete(key)
}

// HasEdge reports whether the exact directed edge from->e is present.
func (g *Graph) HasEdge(branch string, from ident.Key, e ident.Edge) (bool, error) {
	b, err := g.nodesBucket(branch)
	if err != nil {
		return false, err
	}
	key := append(from.Encode(), e.Encode()...)
	return b.Get(key) != nil, nil
}

// EdgesFrom returns every outgoing edge of key whose flags are <=
// maxFlag as an unsigned integer — the "take while flag <= threshold"
// scan bound spec.md §9 calls out as safety-critical: relaxing it
// beyond the first EdgeFlags byte the table is sorted on breaks the
// monotonicity the scan depends on.
func (g *Graph) EdgesFrom(branch string, key ident.Key, maxFlag ident.EdgeFlags) ([]ident.Edge, error) {
	b, err := g.nodesBucket(branch)
	if err != nil {
		return nil, err
	}
	prefix := key.Encode()
	var edges []ident.Edge
	err = b.Range(prefix, func(k, _ []byte) (bool, error) {
		if !bytes.HasPrefix(k, prefix) {
			return false, nil
		}
		e, derr := ident.DecodeEdge(k[len(prefix):])
		if derr != nil {
			return false, derr
		}
		if e.Flags > maxFlag {
			return false, nil
		}
		edges = append(edges, e)
		return true, nil
	})
	if err != nil {
		return nil, perr.StorageError(err, "scan edges")
	}
	return edges, nil
}

// AllEdgesFrom returns every outgoing edge of key regardless of flags.
func (g *Graph) AllEdgesFrom(branch string, key ident.Key) ([]ident.Edge, error) {
	return g.EdgesFrom(branch, key, ident.EdgeFlags(0xFF))
}

// GetContents returns the stored byte content for key, or nil if none
// has ever been recorded (spec.md §4.2 table 2).
func (g *Graph) GetContents(key ident.Key) ([]byte, error) {
	b, err := g.contentsBucket()
	if err != nil {
		return nil, err
	}
	v := b.Get(key.Encode())
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// PutContents stores content under key, overwriting any prior value.
func (g *Graph) PutContents(key ident.Key, content []byte) error {
	b, err := g.contentsBucket()
	if err != nil {
		return err
	}
	return b.Put(key.Encode(), content)
}

// DeleteContents removes key's content row (used when unapply rolls
// back a NewNodes chain in full).
func (g *Graph) DeleteContents(key ident.Key) error {
	b, err := g.contentsBucket()
	if err != nil {
		return err
	}
	return b.Delete(key.Encode())
}

// internalBucket/externalBucket resolve the repository-wide hash<->id
// bijection (spec.md §4.2 tables 3-4, invariant "internal/external bijection").
func (g *Graph) internalBucket() (*kv.Bucket, error) { return g.tx.Bucket("internal") }
func (g *Graph) externalBucket() (*kv.Bucket, error) { return g.tx.Bucket("external") }

// GetInternal looks up the PatchId a repository has assigned to hash.
func (g *Graph) GetInternal(hash ident.Hash) (ident.PatchId, bool, error) {
	b, err := g.internalBucket()
	if err != nil {
		return ident.PatchId{}, false, err
	}
	v := b.Get(hash.Encode())
	if v == nil {
		return ident.PatchId{}, false, nil
	}
	id, derr := ident.PatchIdFromBytes(v)
	return id, true, derr
}

// GetExternal looks up the Hash a PatchId was registered against.
func (g *Graph) GetExternal(id ident.PatchId) (ident.Hash, bool, error) {
	b, err := g.externalBucket()
	if err != nil {
		return ident.Hash{}, false, err
	}
	v := b.Get(id.Bytes())
	if v == nil {
		return ident.Hash{}, false, nil
	}
	h, derr := ident.DecodeHash(v)
	return h, true, derr
}

// NewInternal derives a fresh PatchId for hash: the first 8 bytes of the
// digest, perturbed upward until unused, per spec.md glossary entry
// "Patch id: derived from the first bytes of the external hash, then
// perturbed until unique within the repository."
func (g *Graph) NewInternal(hash ident.Hash) (ident.PatchId, error) {
	eb, err := g.externalBucket()
	if err != nil {
		return ident.PatchId{}, err
	}

	var seed uint64
	if !hash.IsNone() {
		seed = binary.BigEndian.Uint64(hash.Digest[:8])
	}
	for attempt := uint64(0); ; attempt++ {
		candidate := ident.PatchIdFromUint64(seed + attempt)
		if eb.Get(candidate.Bytes()) == nil {
			return candidate, nil
		}
	}
}

// RegisterPatch records both directions of the internal/external
// bijection for a freshly assigned PatchId.
func (g *Graph) RegisterPatch(hash ident.Hash, id ident.PatchId) error {
	ib, err := g.internalBucket()
	if err != nil {
		return err
	}
	eb, err := g.externalBucket()
	if err != nil {
		return err
	}
	if err := ib.Put(hash.Encode(), id.Bytes()); err != nil {
		return err
	}
	return eb.Put(id.Bytes(), hash.Encode())
}

// ForgetPatch removes both directions of the bijection; callers must
// have already confirmed id is unreferenced by any branch or revdep
// entry (spec.md §4.5 "Garbage collection" boundary).
func (g *Graph) ForgetPatch(hash ident.Hash, id ident.PatchId) error {
	ib, err := g.internalBucket()
	if err != nil {
		return err
	}
	eb, err := g.externalBucket()
	if err != nil {
		return err
	}
	if err := ib.Delete(hash.Encode()); err != nil {
		return err
	}
	return eb.Delete(id.Bytes())
}
