package graph

import (
	"bytes"

	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// revdepBucket resolves the repository-wide reverse-dependency table
// (spec.md §4.2 table 12): for each patch, the set of patches that
// declare it as a dependency. Apply inserts an entry per declared
// dependency; unapply's refcount check consults it before a patch id
// can be forgotten (invariant 4).
func (g *Graph) revdepBucket() (interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Range(prefix []byte, fn func(k, v []byte) (bool, error)) error
}, error) {
	return g.tx.Bucket("revdep")
}

// AddRevDep records that dependent declares dependency as a
// dependency, storing it under dependency‖dependent so RevDeps can
// prefix-scan all dependents of a single patch.
func (g *Graph) AddRevDep(dependency, dependent ident.PatchId) error {
	b, err := g.revdepBucket()
	if err != nil {
		return err
	}
	key := append(dependency.Bytes(), dependent.Bytes()...)
	return b.Put(key, nil)
}

// DelRevDep removes one dependency->dependent edge.
func (g *Graph) DelRevDep(dependency, dependent ident.PatchId) error {
	b, err := g.revdepBucket()
	if err != nil {
		return err
	}
	key := append(dependency.Bytes(), dependent.Bytes()...)
	return b.Delete(key)
}

// RevDeps returns every patch that declares dependency as a dependency.
func (g *Graph) RevDeps(dependency ident.PatchId) ([]ident.PatchId, error) {
	b, err := g.revdepBucket()
	if err != nil {
		return nil, err
	}
	prefix := dependency.Bytes()
	var out []ident.PatchId
	rerr := b.Range(prefix, func(k, _ []byte) (bool, error) {
		if !bytes.HasPrefix(k, prefix) {
			return false, nil
		}
		id, derr := ident.PatchIdFromBytes(k[len(prefix):])
		if derr != nil {
			return false, derr
		}
		out = append(out, id)
		return true, nil
	})
	if rerr != nil {
		return nil, perr.StorageError(rerr, "scan reverse dependencies")
	}
	return out, nil
}

// HasRevDeps reports whether any applied patch still depends on dependency —
// the check unrecord/garbage-collection must pass before a patch id's
// internal/external bijection entry can be forgotten.
func (g *Graph) HasRevDeps(dependency ident.PatchId) (bool, error) {
	deps, err := g.RevDeps(dependency)
	if err != nil {
		return false, err
	}
	return len(deps) > 0, nil
}
