package graph

import (
	"encoding/binary"
	"fmt"

	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/kv"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// FileId names a working-tree entry by its parent directory's inode
// and its basename within that directory — the key the tree table is
// indexed on (spec.md §4.2 table 8).
type FileId struct {
	Parent   ident.Inode
	Basename string
}

// Encode writes Parent(8) ‖ Basename.
func (f FileId) Encode() []byte {
	buf := make([]byte, ident.InodeSize+len(f.Basename))
	copy(buf[:ident.InodeSize], f.Parent.Bytes())
	copy(buf[ident.InodeSize:], f.Basename)
	return buf
}

func decodeFileId(b []byte) (FileId, error) {
	if len(b) < ident.InodeSize {
		return FileId{}, fmt.Errorf("graph: file id must be at least %d bytes, got %d", ident.InodeSize, len(b))
	}
	parent, err := ident.InodeFromBytes(b[:ident.InodeSize])
	if err != nil {
		return FileId{}, err
	}
	return FileId{Parent: parent, Basename: string(b[ident.InodeSize:])}, nil
}

func (g *Graph) treeBucket() (*kv.Bucket, error)      { return g.tx.Bucket("tree") }
func (g *Graph) revtreeBucket() (*kv.Bucket, error)   { return g.tx.Bucket("revtree") }
func (g *Graph) inodesBucket() (*kv.Bucket, error)    { return g.tx.Bucket("inodes") }
func (g *Graph) revinodesBucket() (*kv.Bucket, error) { return g.tx.Bucket("revinodes") }

// GetTree looks up the inode bound to fid, if any.
func (g *Graph) GetTree(fid FileId) (ident.Inode, bool, error) {
	b, err := g.treeBucket()
	if err != nil {
		return ident.Inode{}, false, err
	}
	v := b.Get(fid.Encode())
	if v == nil {
		return ident.Inode{}, false, nil
	}
	inode, derr := ident.InodeFromBytes(v)
	return inode, true, derr
}

// PutTree binds fid to inode in both tree and revtree (spec.md §4.2
// tables 8-9: working-tree path <-> inode, kept as mutual inverses).
func (g *Graph) PutTree(fid FileId, inode ident.Inode) error {
	tb, err := g.treeBucket()
	if err != nil {
		return err
	}
	rb, err := g.revtreeBucket()
	if err != nil {
		return err
	}
	if err := tb.Put(fid.Encode(), inode.Bytes()); err != nil {
		return err
	}
	return rb.Put(inode.Bytes(), fid.Encode())
}

// DelTree removes fid's binding from both tree and revtree.
func (g *Graph) DelTree(fid FileId) error {
	tb, err := g.treeBucket()
	if err != nil {
		return err
	}
	inode, found, err := g.GetTree(fid)
	if err != nil {
		return err
	}
	if err := tb.Delete(fid.Encode()); err != nil {
		return err
	}
	if !found {
		return nil
	}
	rb, err := g.revtreeBucket()
	if err != nil {
		return err
	}
	return rb.Delete(inode.Bytes())
}

// GetRevTree looks up the FileId an inode currently occupies.
func (g *Graph) GetRevTree(inode ident.Inode) (FileId, bool, error) {
	b, err := g.revtreeBucket()
	if err != nil {
		return FileId{}, false, err
	}
	v := b.Get(inode.Bytes())
	if v == nil {
		return FileId{}, false, nil
	}
	fid, derr := decodeFileId(v)
	return fid, true, derr
}

// GetInodes returns the FileHeader stored for inode.
func (g *Graph) GetInodes(inode ident.Inode) (ident.FileHeader, bool, error) {
	b, err := g.inodesBucket()
	if err != nil {
		return ident.FileHeader{}, false, err
	}
	v := b.Get(inode.Bytes())
	if v == nil {
		return ident.FileHeader{}, false, nil
	}
	h, derr := decodeFileHeader(v)
	return h, true, derr
}

// PutInodes stores h under inode, and mirrors the Key->Inode binding
// into revinodes so a graph Key can be mapped back to its working-tree
// inode (spec.md §4.2 tables 10-11).
func (g *Graph) PutInodes(inode ident.Inode, h ident.FileHeader) error {
	ib, err := g.inodesBucket()
	if err != nil {
		return err
	}
	rb, err := g.revinodesBucket()
	if err != nil {
		return err
	}
	if err := ib.Put(inode.Bytes(), encodeFileHeader(h)); err != nil {
		return err
	}
	return rb.Put(h.Key.Encode(), inode.Bytes())
}

// DelInodes removes inode's FileHeader and its reverse Key binding.
func (g *Graph) DelInodes(inode ident.Inode) error {
	ib, err := g.inodesBucket()
	if err != nil {
		return err
	}
	h, found, err := g.GetInodes(inode)
	if err != nil {
		return err
	}
	if err := ib.Delete(inode.Bytes()); err != nil {
		return err
	}
	if !found {
		return nil
	}
	rb, err := g.revinodesBucket()
	if err != nil {
		return err
	}
	return rb.Delete(h.Key.Encode())
}

// GetRevInodes maps a graph Key back to the inode tracking it.
func (g *Graph) GetRevInodes(key ident.Key) (ident.Inode, bool, error) {
	b, err := g.revinodesBucket()
	if err != nil {
		return ident.Inode{}, false, err
	}
	v := b.Get(key.Encode())
	if v == nil {
		return ident.Inode{}, false, nil
	}
	inode, derr := ident.InodeFromBytes(v)
	return inode, true, derr
}

// encodeFileHeader/decodeFileHeader serialize ident.FileHeader as
// Metadata(2) ‖ Status(1) ‖ Key(16).
func encodeFileHeader(h ident.FileHeader) []byte {
	buf := make([]byte, 2+1+ident.KeySize)
	copy(buf[:2], h.Metadata.Encode())
	buf[2] = byte(h.Status)
	copy(buf[3:], h.Key.Encode())
	return buf
}

func decodeFileHeader(b []byte) (ident.FileHeader, error) {
	const want = 2 + 1 + ident.KeySize
	if len(b) != want {
		return ident.FileHeader{}, fmt.Errorf("graph: file header must be %d bytes, got %d", want, len(b))
	}
	metadata, err := ident.FileMetadataFromBytes(b[:2])
	if err != nil {
		return ident.FileHeader{}, err
	}
	key, err := ident.DecodeKey(b[3:])
	if err != nil {
		return ident.FileHeader{}, err
	}
	return ident.FileHeader{Metadata: metadata, Status: ident.FileStatus(b[2]), Key: key}, nil
}

// ChildEntry is one directory entry returned by ChildrenOf.
type ChildEntry struct {
	Basename string
	Inode    ident.Inode
}

// ChildrenOf lists every tree entry whose FileId.Parent is parent,
// mirroring record.rs's record_children take-while scan over iter_tree
// restricted to a single parent inode's prefix.
func (g *Graph) ChildrenOf(parent ident.Inode) ([]ChildEntry, error) {
	b, err := g.treeBucket()
	if err != nil {
		return nil, err
	}
	prefix := parent.Bytes()
	var out []ChildEntry
	err = b.Range(prefix, func(k, v []byte) (bool, error) {
		fid, derr := decodeFileId(k)
		if derr != nil {
			return false, derr
		}
		if fid.Parent != parent {
			return false, nil
		}
		if fid.Basename == "" {
			return true, nil
		}
		inode, derr := ident.InodeFromBytes(v)
		if derr != nil {
			return false, derr
		}
		out = append(out, ChildEntry{Basename: fid.Basename, Inode: inode})
		return true, nil
	})
	if err != nil {
		return nil, perr.StorageError(err, "scan tree children")
	}
	return out, nil
}

// NewInode allocates and returns a fresh, never-before-issued Inode
// from a monotone counter held in branch_meta — the inode analogue of
// NewInternal's derive-then-perturb scheme, minus the derive step
// since inodes have no external hash to seed from.
func (g *Graph) NewInode() (ident.Inode, error) {
	b, err := g.tx.Bucket("branch_meta")
	if err != nil {
		return ident.Inode{}, err
	}
	v := b.Get([]byte("inode_counter"))
	var n uint64
	if v != nil {
		n = binary.BigEndian.Uint64(v)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := b.Put([]byte("inode_counter"), buf); err != nil {
		return ident.Inode{}, perr.StorageError(err, "allocate inode")
	}
	var inode ident.Inode
	binary.BigEndian.PutUint64(inode[:], n)
	return inode, nil
}
