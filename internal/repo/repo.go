// Package repo glues the C1-C8 components into a single repository
// handle: a ".pijul" checkout directory, the pristine kv.DB it wraps,
// and the one-transaction-per-call operations (Record, Apply, Output,
// Unrecord) a caller drives to turn a working tree into patches and
// back (spec.md §4.1, §6.3, §9).
//
// Grounded on the teacher's internal/storage/sqlite.go for the
// directory-creation-then-open constructor shape, and on
// original_source/libpijul/src/lib.rs / fs_representation.rs for the
// ".pijul" layout (pristine, patches/, id, version, current_branch).
package repo

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rohankatakam/pijugo/internal/apply"
	"github.com/rohankatakam/pijugo/internal/config"
	"github.com/rohankatakam/pijugo/internal/graph"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/logging"
	"github.com/rohankatakam/pijugo/internal/patch"
	"github.com/rohankatakam/pijugo/internal/perr"
	"github.com/rohankatakam/pijugo/internal/record"
	"github.com/rohankatakam/pijugo/internal/retrieve"
	"github.com/rohankatakam/pijugo/internal/unapply"
)

// dirName is the checkout-local directory every Repo lives under,
// sibling to the working tree it tracks (".pijul", the literal analogue
// of ".git").
const dirName = ".pijul"

// maxGrowRetries bounds the out-of-space retry loop (spec.md §5, §9):
// each retry doubles the store's target size via cfg.Store.GrowthFactor,
// so this many attempts already spans several orders of magnitude.
const maxGrowRetries = 6

// Repo is an opened ".pijul" checkout: working tree root, pristine
// store, and the current branch operations are scoped to.
type Repo struct {
	root   string
	db     *kv.DB
	cfg    *config.Config
	logger *logging.Logger
	id     string
	branch string

	cache *RemoteCache // lazily opened, see Cache()
}

func layoutDir(root string) string        { return filepath.Join(root, dirName) }
func pristinePath(root string) string     { return filepath.Join(layoutDir(root), "pristine") }
func patchesDir(root string) string       { return filepath.Join(layoutDir(root), "patches") }
func idFilePath(root string) string       { return filepath.Join(layoutDir(root), "id") }
func versionFilePath(root string) string  { return filepath.Join(layoutDir(root), "version") }
func branchFilePath(root string) string   { return filepath.Join(layoutDir(root), "current_branch") }

// Init creates a new ".pijul" checkout rooted at root: the directory
// layout, a fresh repo id, the default branch, and an empty pristine
// store. It fails if root already has a ".pijul" directory.
func Init(root string, cfg *config.Config, logger *logging.Logger) (*Repo, error) {
	if _, err := os.Stat(layoutDir(root)); err == nil {
		return nil, perr.New(perr.KindSemantics, "repository already initialized").WithContext("root", root)
	}
	if err := os.MkdirAll(patchesDir(root), 0755); err != nil {
		return nil, perr.StorageError(err, "create .pijul directory").WithContext("root", root)
	}

	id := uuid.New().String()
	if err := os.WriteFile(idFilePath(root), []byte(id), 0644); err != nil {
		return nil, perr.StorageError(err, "write repo id")
	}
	if err := os.WriteFile(versionFilePath(root), []byte(strconv.FormatUint(patch.FormatVersion, 10)), 0644); err != nil {
		return nil, perr.StorageError(err, "write repo version")
	}
	if err := os.WriteFile(branchFilePath(root), []byte(cfg.DefaultBranch), 0644); err != nil {
		return nil, perr.StorageError(err, "write current branch")
	}

	db, err := kv.Open(pristinePath(root), cfg.Store.InitialMapSize, logger)
	if err != nil {
		return nil, err
	}

	r := &Repo{root: root, db: db, cfg: cfg, logger: logger, id: id, branch: cfg.DefaultBranch}
	if err := db.Update(func(tx *kv.Tx) error {
		return graph.New(tx).CreateBranch(cfg.DefaultBranch)
	}); err != nil {
		db.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("repository initialized", "root", root, "id", id, "branch", cfg.DefaultBranch)
		logger.CountOperation("init")
	}
	return r, nil
}

// Open opens an existing ".pijul" checkout rooted at root.
func Open(root string, cfg *config.Config, logger *logging.Logger) (*Repo, error) {
	branchBytes, err := os.ReadFile(branchFilePath(root))
	if err != nil {
		return nil, perr.StorageError(err, "read current branch").WithContext("root", root)
	}
	idBytes, err := os.ReadFile(idFilePath(root))
	if err != nil {
		return nil, perr.StorageError(err, "read repo id").WithContext("root", root)
	}

	db, err := kv.Open(pristinePath(root), cfg.Store.InitialMapSize, logger)
	if err != nil {
		return nil, err
	}

	return &Repo{
		root:   root,
		db:     db,
		cfg:    cfg,
		logger: logger,
		id:     strings.TrimSpace(string(idBytes)),
		branch: strings.TrimSpace(string(branchBytes)),
	}, nil
}

// Close releases the pristine store's file lock and, if opened, the
// remote cache connection.
func (r *Repo) Close() error {
	if r.cache != nil {
		r.cache.Close()
	}
	return r.db.Close()
}

// Cache lazily opens this repo's RemoteCache (see
// SPEC_FULL.md's RemoteCache expansion), or returns nil if
// cfg.Remote.CacheDSN is empty. Subsequent calls return the same
// handle.
func (r *Repo) Cache() (*RemoteCache, error) {
	if r.cache != nil {
		return r.cache, nil
	}
	c, err := OpenRemoteCache(r.cfg)
	if err != nil {
		return nil, err
	}
	r.cache = c
	return r.cache, nil
}

// Root returns the working-tree directory this Repo tracks.
func (r *Repo) Root() string { return r.root }

// Branch returns the currently checked-out branch name.
func (r *Repo) Branch() string { return r.branch }

// SwitchBranch changes the checked-out branch, persisting the choice
// to current_branch so the next Open picks it back up.
func (r *Repo) SwitchBranch(name string) error {
	exists := false
	if err := r.db.View(func(tx *kv.Tx) error {
		var err error
		exists, err = graph.New(tx).BranchExists(name)
		return err
	}); err != nil {
		return err
	}
	if !exists {
		return perr.UnknownBranch(name)
	}
	if err := os.WriteFile(branchFilePath(r.root), []byte(name), 0644); err != nil {
		return perr.StorageError(err, "write current branch")
	}
	r.branch = name
	return nil
}

// CreateBranch registers a new, empty branch.
func (r *Repo) CreateBranch(name string) error {
	return r.withRetry(func(tx *kv.Tx) error {
		return graph.New(tx).CreateBranch(name)
	})
}

// DeleteBranch drops a branch other than the checked-out one.
func (r *Repo) DeleteBranch(name string) error {
	if name == r.branch {
		return perr.DeleteCurrentBranch(name)
	}
	return r.withRetry(func(tx *kv.Tx) error {
		return graph.New(tx).DeleteBranch(name)
	})
}

// Branches lists every registered branch.
func (r *Repo) Branches() ([]string, error) {
	var names []string
	err := r.db.View(func(tx *kv.Tx) error {
		var err error
		names, err = graph.New(tx).Branches()
		return err
	})
	return names, err
}

// Status runs C7's walk without building or applying a patch, the
// read side of Record for a caller that just wants to preview pending
// changes. It still runs inside a mutating transaction: recordChildren's
// untracked-entry auto-discovery (see internal/record's package doc)
// registers fresh tree/inode bookkeeping as it walks, the same
// bookkeeping a following Record call would need anyway.
func (r *Repo) Status() (*record.State, error) {
	var st *record.State
	err := r.withRetry(func(tx *kv.Tx) error {
		g := graph.New(tx)
		var err error
		st, err = record.Record(g, r.branch, r.root)
		return err
	})
	return st, err
}

// LogEntry is one applied patch as Log reports it.
type LogEntry struct {
	Hash      ident.Hash
	Timestamp uint64
}

// Log lists every patch applied to the checked-out branch, in apply order.
func (r *Repo) Log() ([]LogEntry, error) {
	var entries []LogEntry
	err := r.db.View(func(tx *kv.Tx) error {
		g := graph.New(tx)
		ids, err := g.AppliedPatches(r.branch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			hash, found, err := g.GetExternal(id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			ts, _, err := g.AppliedTimestamp(r.branch, id)
			if err != nil {
				return err
			}
			entries = append(entries, LogEntry{Hash: hash, Timestamp: ts})
		}
		return nil
	})
	return entries, err
}

// withRetry runs fn in a mutating transaction, growing the store and
// retrying on a retryable (out-of-space) failure up to maxGrowRetries
// times (spec.md §5 "grow the map and retry", §9).
func (r *Repo) withRetry(fn func(tx *kv.Tx) error) error {
	target := r.cfg.Store.InitialMapSize
	for attempt := 0; ; attempt++ {
		err := r.db.Update(fn)
		if err == nil || !perr.IsRetryable(err) || attempt >= maxGrowRetries {
			return err
		}
		target = int64(float64(target) * r.cfg.Store.GrowthFactor)
		if r.logger != nil {
			r.logger.Warn("store out of space, growing and retrying", "attempt", attempt+1, "target_size", target)
		}
		if growErr := r.db.Grow(target); growErr != nil {
			return growErr
		}
	}
}

// Record diffs the working tree against the checked-out branch,
// assembles the resulting Actions into a Patch, applies it to the
// branch, and commits the inode bookkeeping record.Record deferred —
// the three-step pipeline record.go's package doc describes as
// internal/repo's job. Returns the saved patch's content hash.
func (r *Repo) Record(header patch.PatchHeader) (ident.Hash, error) {
	var hash ident.Hash
	var body []byte

	err := r.withRetry(func(tx *kv.Tx) error {
		g := graph.New(tx)

		st, err := record.Record(g, r.branch, r.root)
		if err != nil {
			return err
		}
		if len(st.Actions) == 0 {
			hash = ident.Hash{}
			return nil
		}

		changes := assembleChanges(st.Actions)
		deps, err := patch.Dependencies(tx, r.branch, ident.RootPatchId, changes)
		if err != nil {
			return err
		}

		p := patch.Empty()
		p.Header = header
		p.Dependencies = deps
		p.Changes = changes

		var buf bytes.Buffer
		h, err := patch.Save(&buf, p)
		if err != nil {
			return err
		}

		ts, err := g.ApplyCounter(r.branch)
		if err != nil {
			return err
		}
		patchID, err := apply.Apply(tx, r.branch, h, p, ts)
		if err != nil {
			return err
		}
		if err := g.SetApplyCounter(r.branch, ts+1); err != nil {
			return err
		}

		if err := commitInodeUpdates(g, patchID, st.Updates); err != nil {
			return err
		}

		hash = h
		body = buf.Bytes()
		return nil
	})
	if err != nil {
		return ident.Hash{}, err
	}
	if body == nil {
		return ident.Hash{}, nil
	}
	if err := r.savePatchFile(hash, body); err != nil {
		return ident.Hash{}, err
	}
	if r.logger != nil {
		r.logger.WithBranch(r.branch).WithPatch(hash.String()).Info("recorded patch", "bytes", len(body))
		r.logger.CountOperation("record")
	}
	return hash, nil
}

// commitInodeUpdates resolves record.State's pending InodeUpdates
// against patchID, the real id Apply just assigned, and writes the
// inodes/revinodes table (record.rs defers exactly this step to its
// caller for the same reason: the patch id doesn't exist until the
// patch it names has been built and applied).
func commitInodeUpdates(g *graph.Graph, patchID ident.PatchId, updates []record.InodeUpdate) error {
	for _, u := range updates {
		switch u.Kind {
		case record.InodeAdd, record.InodeMoved:
			key := ident.Key{Patch: patchID, Line: u.Line}
			if err := g.PutInodes(u.Inode, ident.FileHeader{Metadata: u.Meta, Status: ident.FileOk, Key: key}); err != nil {
				return err
			}
		case record.InodeDeleted:
			if err := g.DelInodes(u.Inode); err != nil {
				return err
			}
		}
	}
	return nil
}

// assembleChanges flattens record.Action into the flat Change slice a
// Patch carries, splitting ActionReplace into its delete/insert halves
// (record.rs folds Record::Replace back into two ordinary Changes at
// the same point, just ahead of building the TLine it submits).
func assembleChanges(actions []record.Action) []patch.Change {
	var out []patch.Change
	for _, a := range actions {
		switch a.Kind {
		case record.ActionReplace:
			if a.Replace.Deleted.Kind == patch.ChangeNewEdges && len(a.Replace.Deleted.Edges) > 0 {
				out = append(out, a.Replace.Deleted)
			}
			out = append(out, a.Replace.Inserted)
		default:
			if a.Change.Kind == patch.ChangeNewNodes || len(a.Change.Edges) > 0 {
				out = append(out, a.Change)
			}
		}
		out = append(out, a.ConflictReordering...)
	}
	return out
}

// savePatchFile writes the already-encoded patch envelope to
// patches/<hex(hash)>.gz; the gzip framing and its embedded
// base64url filename are already done by patch.Save (spec.md §4.8, §6.2).
func (r *Repo) savePatchFile(hash ident.Hash, body []byte) error {
	name := patchFileName(hash)
	path := filepath.Join(patchesDir(r.root), name)
	if err := os.WriteFile(path, body, 0644); err != nil {
		return perr.StorageError(err, "write patch file").WithContext("path", path)
	}
	return nil
}

func patchFileName(hash ident.Hash) string {
	return hash.String() + ".gz"
}

// Apply applies an already-built Patch (typically pulled from a
// remote) to the checked-out branch, saving its envelope under
// patches/ once the transaction that applies it has committed.
func (r *Repo) Apply(hash ident.Hash, p *patch.Patch) error {
	var buf bytes.Buffer
	savedHash, err := patch.Save(&buf, p)
	if err != nil {
		return err
	}
	if savedHash != hash {
		return perr.WrongHash()
	}

	err = r.withRetry(func(tx *kv.Tx) error {
		g := graph.New(tx)
		ts, err := g.ApplyCounter(r.branch)
		if err != nil {
			return err
		}
		if _, err := apply.Apply(tx, r.branch, hash, p, ts); err != nil {
			return err
		}
		return g.SetApplyCounter(r.branch, ts+1)
	})
	if err != nil {
		return err
	}
	if err := r.savePatchFile(hash, buf.Bytes()); err != nil {
		return err
	}

	if cache, err := r.Cache(); err == nil && cache != nil {
		cache.MarkApplied(context.Background(), hash)
	}
	if r.logger != nil {
		r.logger.WithBranch(r.branch).WithPatch(hash.String()).Info("applied patch")
		r.logger.CountOperation("apply")
	}
	return nil
}

// Unrecord reverts a locally authored patch's effect on the checked-out
// branch and, if no other branch still references it, forgets it and
// removes its envelope file (spec.md §4.4, unapply.Unrecord).
func (r *Repo) Unrecord(hash ident.Hash) error {
	var stillReferenced bool
	err := r.withRetry(func(tx *kv.Tx) error {
		g := graph.New(tx)
		id, found, err := g.GetInternal(hash)
		if err != nil {
			return err
		}
		if !found {
			return perr.InternalHashNotFound(hash)
		}
		applied, err := g.IsApplied(r.branch, id)
		if err != nil {
			return err
		}
		if !applied {
			return perr.UnknownBranch(r.branch)
		}

		_, p, loadErr := r.loadPatchFile(hash)
		if loadErr != nil {
			return loadErr
		}
		stillReferenced, err = unapply.Unrecord(tx, r.branch, id, hash, p)
		return err
	})
	if err != nil {
		return err
	}
	if stillReferenced {
		return nil
	}
	path := filepath.Join(patchesDir(r.root), patchFileName(hash))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return perr.StorageError(err, "remove patch file")
	}
	if cache, err := r.Cache(); err == nil && cache != nil {
		cache.Evict(context.Background(), hash)
	}
	if r.logger != nil {
		r.logger.WithBranch(r.branch).WithPatch(hash.String()).Info("unrecorded patch", "still_referenced", stillReferenced)
		r.logger.CountOperation("unrecord")
	}
	return nil
}

func (r *Repo) loadPatchFile(hash ident.Hash) (ident.Hash, *patch.Patch, error) {
	path := filepath.Join(patchesDir(r.root), patchFileName(hash))
	f, err := os.Open(path)
	if err != nil {
		return ident.Hash{}, nil, perr.StorageError(err, "open patch file").WithContext("path", path)
	}
	defer f.Close()
	return patch.Load(f)
}

// Output materializes the checked-out branch's alive-reachable content
// into destDir, recreating directories and writing each file's
// retrieved content (including unresolved conflict markers) in place
// (spec.md §4.5). It also drops any redundant pseudo edges OutputFile
// discovers along the way, the same cleanup diff() performs during
// Record.
func (r *Repo) Output(destDir string) error {
	err := r.withRetry(func(tx *kv.Tx) error {
		g := graph.New(tx)
		return outputDir(g, r.branch, destDir, ident.RootInode, 0755)
	})
	if err == nil && r.logger != nil {
		r.logger.WithBranch(r.branch).Info("output branch", "dest", destDir)
		r.logger.CountOperation("output")
	}
	return err
}

func outputDir(g *graph.Graph, branch, dirPath string, parent ident.Inode, dirPerm os.FileMode) error {
	if err := os.MkdirAll(dirPath, dirPerm); err != nil {
		return perr.StorageError(err, "create directory").WithContext("path", dirPath)
	}

	children, err := g.ChildrenOf(parent)
	if err != nil {
		return err
	}
	for _, c := range children {
		header, found, err := g.GetInodes(c.Inode)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		realpath := filepath.Join(dirPath, c.Basename)
		perm := os.FileMode(header.Metadata.Permission())

		if header.Metadata.IsDir() {
			if err := outputDir(g, branch, realpath, c.Inode, perm); err != nil {
				return err
			}
			continue
		}
		if err := outputFileContent(g, branch, realpath, header.Key, perm); err != nil {
			return err
		}
	}
	return nil
}

func outputFileContent(g *graph.Graph, branch, realpath string, key ident.Key, perm os.FileMode) error {
	gr, err := retrieve.Retrieve(g, branch, key)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(realpath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return perr.StorageError(err, "create working-tree file").WithContext("path", realpath)
	}
	buf := retrieve.NewWriteBuffer(f)
	forward, outErr := retrieve.OutputFile(g, buf, gr)
	closeErr := f.Close()
	if outErr != nil {
		return outErr
	}
	if closeErr != nil {
		return perr.StorageError(closeErr, "close working-tree file").WithContext("path", realpath)
	}
	if err := os.Chmod(realpath, perm); err != nil {
		return perr.StorageError(err, "chmod working-tree file").WithContext("path", realpath)
	}
	return retrieve.RemoveRedundantEdges(g, branch, forward)
}

// ID returns the repository's stable random identifier (fs_representation.rs's
// pijul_id minus its signing keypair — see DESIGN.md).
func (r *Repo) ID() string { return r.id }
