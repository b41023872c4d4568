package graph

import (
	"encoding/binary"

	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// Branches lists every registered branch name (spec.md §4.2 table 5,
// whose nested bucket names are the branch registry).
func (g *Graph) Branches() ([]string, error) {
	b, err := g.tx.Bucket("branches")
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return b.NestedBucketNames(), nil
}

// BranchExists reports whether name is a registered branch.
func (g *Graph) BranchExists(name string) (bool, error) {
	names, err := g.Branches()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// CreateBranch registers a new, empty branch. Creating the nested
// nodes/patches/revpatches buckets up front keeps later reads from
// having to special-case "branch exists but has no nodes yet".
func (g *Graph) CreateBranch(name string) error {
	exists, err := g.BranchExists(name)
	if err != nil {
		return err
	}
	if exists {
		return perr.BranchNameAlreadyExists(name)
	}
	if _, err := g.tx.Bucket("branches", name, "nodes"); err != nil {
		return err
	}
	if _, err := g.tx.Bucket("branches", name, "patches"); err != nil {
		return err
	}
	if _, err := g.tx.Bucket("branches", name, "revpatches"); err != nil {
		return err
	}
	return g.SetApplyCounter(name, 0)
}

// DeleteBranch drops a branch and every patch/revpatch it applied.
// Callers are responsible for refusing to delete the checked-out
// branch (perr.DeleteCurrentBranch is the repo layer's concern, not
// the store's).
func (g *Graph) DeleteBranch(name string) error {
	return g.tx.DeleteBucket("branches", name)
}

// branchMetaBucket holds scalars keyed per branch: the monotone
// apply-order counter used to timestamp patches as they land
// (spec.md §4.2 table 5's "apply counter").
func (g *Graph) branchMetaBucket() (*kv.Bucket, error) {
	return g.tx.Bucket("branch_meta")
}

// ApplyCounter returns the next-to-assign apply-order counter for branch.
func (g *Graph) ApplyCounter(branch string) (uint64, error) {
	b, err := g.branchMetaBucket()
	if err != nil {
		return 0, err
	}
	v := b.Get([]byte(branch + "/apply_counter"))
	if v == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetApplyCounter overwrites branch's apply-order counter.
func (g *Graph) SetApplyCounter(branch string, n uint64) error {
	b, err := g.branchMetaBucket()
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return b.Put([]byte(branch+"/apply_counter"), buf)
}

// patchesBucket/revpatchesBucket resolve the per-branch applied-patch
// tables (spec.md §4.2 tables 6-7): patches maps PatchId -> apply
// timestamp, revpatches is its inverse, timestamp -> PatchId, used to
// iterate applied patches in apply order.
func (g *Graph) patchesBucket(branch string) (*kv.Bucket, error) {
	return g.tx.Bucket("branches", branch, "patches")
}

func (g *Graph) revpatchesBucket(branch string) (*kv.Bucket, error) {
	return g.tx.Bucket("branches", branch, "revpatches")
}

// IsApplied reports whether id has been applied to branch.
func (g *Graph) IsApplied(branch string, id ident.PatchId) (bool, error) {
	b, err := g.patchesBucket(branch)
	if err != nil {
		return false, err
	}
	return b.Get(id.Bytes()) != nil, nil
}

// AppliedTimestamp returns the apply-order timestamp id was recorded
// under on branch.
func (g *Graph) AppliedTimestamp(branch string, id ident.PatchId) (uint64, bool, error) {
	b, err := g.patchesBucket(branch)
	if err != nil {
		return 0, false, err
	}
	v := b.Get(id.Bytes())
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// RecordApplied marks id applied to branch at timestamp ts, in both
// the forward (patches) and inverse (revpatches) tables.
func (g *Graph) RecordApplied(branch string, id ident.PatchId, ts uint64) error {
	pb, err := g.patchesBucket(branch)
	if err != nil {
		return err
	}
	rb, err := g.revpatchesBucket(branch)
	if err != nil {
		return err
	}
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, ts)
	if err := pb.Put(id.Bytes(), tsBuf); err != nil {
		return err
	}
	return rb.Put(tsBuf, id.Bytes())
}

// UnrecordApplied removes id from both the forward and inverse
// applied-patch tables (used by unapply, spec.md §4.4).
func (g *Graph) UnrecordApplied(branch string, id ident.PatchId) error {
	pb, err := g.patchesBucket(branch)
	if err != nil {
		return err
	}
	ts, found, err := g.AppliedTimestamp(branch, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	rb, err := g.revpatchesBucket(branch)
	if err != nil {
		return err
	}
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, ts)
	if err := rb.Delete(tsBuf); err != nil {
		return err
	}
	return pb.Delete(id.Bytes())
}

// AppliedPatches returns every patch id applied to branch, in apply order.
func (g *Graph) AppliedPatches(branch string) ([]ident.PatchId, error) {
	rb, err := g.revpatchesBucket(branch)
	if err != nil {
		return nil, err
	}
	var ids []ident.PatchId
	ferr := rb.ForEach(func(_, v []byte) error {
		id, derr := ident.PatchIdFromBytes(v)
		if derr != nil {
			return derr
		}
		ids = append(ids, id)
		return nil
	})
	if ferr != nil {
		return nil, perr.StorageError(ferr, "scan applied patches")
	}
	return ids, nil
}
