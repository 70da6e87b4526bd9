// Copyright 2026 The RaftFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package catalog

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
	"github.com/raftfs/raftfs/util"
)

type testCatalog struct {
	*Catalog
	sm    raft.StateMachine
	kv    kvstore.Store
	path  string
	index uint64
}

func newTestCatalog(t *testing.T, cfg *Config) *testCatalog {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	kv, err := kvstore.NewStore(context.TODO(), path, &kvstore.Option{
		ColumnFamilies: ColumnFamilies(),
	})
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.KV = kv
	c, err := NewCatalog(cfg)
	require.NoError(t, err)
	return &testCatalog{Catalog: c, sm: c.SM(), kv: kv, path: path}
}

func (tc *testCatalog) close() {
	tc.kv.Close()
	os.RemoveAll(tc.path)
}

// propose applies one op at the next log index and returns its result.
func (tc *testCatalog) propose(t *testing.T, op proto.OpType, body interface{}) *Result {
	data, err := proto.Marshal(body)
	require.NoError(t, err)
	tc.index++
	pd := raft.ProposalData{
		Op:    uint32(op),
		Data:  data,
		ReqID: fmt.Sprintf("req-%d", tc.index),
		Time:  time.Now().UnixNano(),
	}
	rets, err := tc.sm.Apply(context.TODO(), []raft.ProposalData{pd}, tc.index)
	require.NoError(t, err)
	require.Len(t, rets, 1)
	return rets[0].(*Result)
}

func (tc *testCatalog) mkdir(t *testing.T, parent proto.InodeID, name string) proto.InodeID {
	return tc.create(t, parent, name, proto.KindDir, "")
}

func (tc *testCatalog) mkfile(t *testing.T, parent proto.InodeID, name string) proto.InodeID {
	return tc.create(t, parent, name, proto.KindFile, "")
}

func (tc *testCatalog) create(t *testing.T, parent proto.InodeID, name string, kind proto.Kind, target string) proto.InodeID {
	res := tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{
		Parent: parent, Name: name, Kind: kind, Mode: 0o644, Target: target,
	})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	out := proto.CreateInodeResult{}
	require.NoError(t, proto.Unmarshal(res.Data, &out))
	return out.Ino
}

func (tc *testCatalog) write(t *testing.T, ino proto.InodeID, offset uint64, data []byte) *Result {
	return tc.propose(t, proto.OpWrite, proto.WriteOp{
		Ino:    ino,
		Offset: offset,
		Blocks: []proto.BlockRef{{Offset: offset, Digest: proto.DigestOf(data), Length: uint32(len(data))}},
		Data:   data,
	})
}

func TestSM_CreateInode(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	// root exists with a fixed identity
	root, err := tc.GetAttr(ctx, proto.RootInode)
	require.NoError(t, err)
	require.Equal(t, proto.KindDir, root.Kind)
	require.Equal(t, uint32(2), root.Links)

	dir := tc.mkdir(t, proto.RootInode, "home")
	file := tc.mkfile(t, dir, "a.txt")
	link := tc.create(t, dir, "lnk", proto.KindSymlink, "/home/a.txt")

	// ids are allocated sequentially from the counter
	require.Equal(t, proto.RootInode+1, dir)
	require.Equal(t, dir+1, file)

	inode, err := tc.GetAttr(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, proto.KindDir, inode.Kind)
	require.Equal(t, uint32(2), inode.Links)
	require.Equal(t, proto.RootInode, inode.Parent)

	// creating the dir bumped the parent's link count
	root, err = tc.GetAttr(ctx, proto.RootInode)
	require.NoError(t, err)
	require.Equal(t, uint32(3), root.Links)

	sl, err := tc.GetAttr(ctx, link)
	require.NoError(t, err)
	require.Equal(t, "/home/a.txt", sl.Target)

	// duplicate name
	res := tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{Parent: dir, Name: "a.txt", Kind: proto.KindFile})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrExist.Error(), res.Msg)
	// parent is not a directory
	res = tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{Parent: file, Name: "x", Kind: proto.KindFile})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrNotDir.Error(), res.Msg)
	// bad names
	for _, name := range []string{"", ".", "..", "a/b", "a\x00b"} {
		res = tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{Parent: dir, Name: name, Kind: proto.KindFile})
		require.Equal(t, proto.CodeInvalid, res.Code, "name %q", name)
	}
	// symlink without a target
	res = tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{Parent: dir, Name: "s", Kind: proto.KindSymlink})
	require.Equal(t, proto.CodeInvalid, res.Code)
}

func TestSM_HardlinkUnlink(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	dir := tc.mkdir(t, proto.RootInode, "d")
	file := tc.mkfile(t, dir, "f")

	res := tc.propose(t, proto.OpHardlink, proto.HardlinkOp{Ino: file, NewParent: proto.RootInode, NewName: "f2"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint32(2), inode.Links)

	// directories cannot be hardlinked
	res = tc.propose(t, proto.OpHardlink, proto.HardlinkOp{Ino: dir, NewParent: proto.RootInode, NewName: "d2"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrIsDir.Error(), res.Msg)

	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: dir, Name: "f"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	inode, err = tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint32(1), inode.Links)
	_, err = tc.Lookup(ctx, dir, "f")
	require.Equal(t, proto.ErrNotFound, err)

	// rmdir refuses non-directories, unlink refuses directories
	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "f2", Rmdir: true})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrNotDir.Error(), res.Msg)
	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "d"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrIsDir.Error(), res.Msg)

	// rmdir refuses a non-empty directory
	tc.mkfile(t, dir, "child")
	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "d", Rmdir: true})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrDirNotEmpty.Error(), res.Msg)

	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: dir, Name: "child"})
	require.Equal(t, proto.CodeOK, res.Code)
	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "d", Rmdir: true})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)

	root, err := tc.GetAttr(ctx, proto.RootInode)
	require.NoError(t, err)
	require.Equal(t, uint32(2), root.Links)
}

func TestSM_Rename(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	d1 := tc.mkdir(t, proto.RootInode, "d1")
	d2 := tc.mkdir(t, proto.RootInode, "d2")
	f1 := tc.mkfile(t, d1, "f1")
	f2 := tc.mkfile(t, d2, "f2")

	// plain move
	res := tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d1, Name: "f1", NewParent: d2, NewName: "moved"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	dent, err := tc.Lookup(ctx, d2, "moved")
	require.NoError(t, err)
	require.Equal(t, f1, dent.Ino)
	_, err = tc.Lookup(ctx, d1, "f1")
	require.Equal(t, proto.ErrNotFound, err)

	// rename over an existing file drops the old one
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d2, Name: "moved", NewParent: d2, NewName: "f2"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	old, err := tc.GetAttr(ctx, f2)
	require.NoError(t, err)
	require.Equal(t, uint32(0), old.Links)

	// moving a directory updates both parents' link counts and the parent
	// pointer of the moved directory
	d3 := tc.mkdir(t, d1, "d3")
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d1, Name: "d3", NewParent: d2, NewName: "d3"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	moved, err := tc.GetAttr(ctx, d3)
	require.NoError(t, err)
	require.Equal(t, d2, moved.Parent)
	p1, err := tc.GetAttr(ctx, d1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p1.Links)
	p2, err := tc.GetAttr(ctx, d2)
	require.NoError(t, err)
	require.Equal(t, uint32(3), p2.Links)

	// moving a directory under its own subtree is refused
	sub := tc.mkdir(t, d3, "sub")
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d2, Name: "d3", NewParent: sub, NewName: "loop"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrConflict.Error(), res.Msg)

	// default policy refuses renaming onto an existing directory
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d3, Name: "sub", NewParent: proto.RootInode, NewName: "d1"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrIsDir.Error(), res.Msg)

	// rename onto itself is a no-op
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: d2, Name: "f2", NewParent: d2, NewName: "f2"})
	require.Equal(t, proto.CodeOK, res.Code)
}

func TestSM_RenameReplaceDirPolicy(t *testing.T) {
	tc := newTestCatalog(t, &Config{RenameDirPolicy: RenameDirReplace})
	defer tc.close()
	ctx := context.TODO()

	src := tc.mkdir(t, proto.RootInode, "src")
	tc.mkdir(t, proto.RootInode, "empty")
	full := tc.mkdir(t, proto.RootInode, "full")
	tc.mkfile(t, full, "child")

	// replacing a non-empty directory is still a conflict
	res := tc.propose(t, proto.OpRename, proto.RenameOp{Parent: proto.RootInode, Name: "src", NewParent: proto.RootInode, NewName: "full"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrDirNotEmpty.Error(), res.Msg)

	// a file cannot replace a directory
	tc.mkfile(t, proto.RootInode, "plain")
	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: proto.RootInode, Name: "plain", NewParent: proto.RootInode, NewName: "empty"})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrIsDir.Error(), res.Msg)

	rootBefore, err := tc.GetAttr(ctx, proto.RootInode)
	require.NoError(t, err)

	res = tc.propose(t, proto.OpRename, proto.RenameOp{Parent: proto.RootInode, Name: "src", NewParent: proto.RootInode, NewName: "empty"})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	dent, err := tc.Lookup(ctx, proto.RootInode, "empty")
	require.NoError(t, err)
	require.Equal(t, src, dent.Ino)

	// one subdirectory replaced another within the same parent
	rootAfter, err := tc.GetAttr(ctx, proto.RootInode)
	require.NoError(t, err)
	require.Equal(t, rootBefore.Links-1, rootAfter.Links)
}

func TestSM_WriteReadBlocks(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")
	data := []byte("hello block store")
	res := tc.write(t, file, 0, data)
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)

	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), inode.Size)
	require.Len(t, inode.Blocks, 1)

	got, err := tc.ReadBlock(ctx, inode.Blocks[0].Digest, 0, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
	got, err = tc.ReadBlock(ctx, inode.Blocks[0].Digest, 6, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("block"), got)

	// writes must cover the range contiguously
	res = tc.propose(t, proto.OpWrite, proto.WriteOp{
		Ino:    file,
		Offset: 0,
		Blocks: []proto.BlockRef{{Offset: 4, Digest: proto.DigestOf(data), Length: uint32(len(data))}},
		Data:   data,
	})
	require.Equal(t, proto.CodeInvalid, res.Code)

	// partial extent overlap is a conflict
	res = tc.write(t, file, 5, []byte("xxxxxxxxxxxxxxxxxxxxxxxxxx"))
	require.Equal(t, proto.CodeConflict, res.Code)

	// full overwrite replaces the extent and releases the old block
	repl := []byte("HELLO BLOCK STORE")
	res = tc.write(t, file, 0, repl)
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	inode, err = tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Len(t, inode.Blocks, 1)
	require.Equal(t, proto.DigestOf(repl), inode.Blocks[0].Digest)

	err = tc.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		old, err := getBlockRef(txn, proto.DigestOf(data))
		require.NoError(t, err)
		require.Equal(t, uint32(0), old.Count)
		require.NotZero(t, old.UnrefAt)
		cur, err := getBlockRef(txn, proto.DigestOf(repl))
		require.NoError(t, err)
		require.Equal(t, uint32(1), cur.Count)
		return nil
	})
	require.NoError(t, err)
}

func TestSM_WriteDedupRefcount(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	f1 := tc.mkfile(t, proto.RootInode, "f1")
	f2 := tc.mkfile(t, proto.RootInode, "f2")
	data := []byte("shared content")
	digest := proto.DigestOf(data)

	require.Equal(t, proto.CodeOK, tc.write(t, f1, 0, data).Code)
	require.Equal(t, proto.CodeOK, tc.write(t, f2, 0, data).Code)

	err := tc.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		rec, err := getBlockRef(txn, digest)
		require.NoError(t, err)
		require.Equal(t, uint32(2), rec.Count)
		return nil
	})
	require.NoError(t, err)

	// the content is stored once
	stats, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Blocks)
	require.Equal(t, uint64(len(data)), stats.BlockBytes)
}

func TestSM_Truncate(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")
	b1 := []byte("0123456789")
	b2 := []byte("abcdefghij")
	require.Equal(t, proto.CodeOK, tc.write(t, file, 0, b1).Code)
	require.Equal(t, proto.CodeOK, tc.write(t, file, 10, b2).Code)

	// truncate inside the second extent clamps it but keeps the block
	res := tc.propose(t, proto.OpTruncate, proto.TruncateOp{Ino: file, Size: 15})
	require.Equal(t, proto.CodeOK, res.Code, res.Msg)
	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint64(15), inode.Size)
	require.Len(t, inode.Blocks, 2)
	require.Equal(t, uint32(5), inode.Blocks[1].Length)

	// truncate to zero drops everything
	res = tc.propose(t, proto.OpTruncate, proto.TruncateOp{Ino: file, Size: 0})
	require.Equal(t, proto.CodeOK, res.Code)
	inode, err = tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Zero(t, inode.Size)
	require.Empty(t, inode.Blocks)

	err = tc.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		rec, err := getBlockRef(txn, proto.DigestOf(b1))
		require.NoError(t, err)
		require.Equal(t, uint32(0), rec.Count)
		return nil
	})
	require.NoError(t, err)
}

func TestSM_SetAttrXattr(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")

	res := tc.propose(t, proto.OpSetAttr, proto.SetAttrOp{Ino: file, SetMode: true, Mode: 0o600, SetOwner: true, UID: 7, GID: 8})
	require.Equal(t, proto.CodeOK, res.Code)
	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint32(0o600), inode.Mode)
	require.Equal(t, uint32(7), inode.UID)
	require.Equal(t, uint32(8), inode.GID)

	res = tc.propose(t, proto.OpSetXattr, proto.SetXattrOp{Ino: file, Key: "user.tag", Value: []byte("v1")})
	require.Equal(t, proto.CodeOK, res.Code)
	v, err := tc.GetXattr(ctx, file, "user.tag")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	keys, err := tc.ListXattrs(ctx, file)
	require.NoError(t, err)
	require.Equal(t, []string{"user.tag"}, keys)

	res = tc.propose(t, proto.OpRemoveXattr, proto.RemoveXattrOp{Ino: file, Key: "user.tag"})
	require.Equal(t, proto.CodeOK, res.Code)
	_, err = tc.GetXattr(ctx, file, "user.tag")
	require.Equal(t, proto.ErrNotFound, err)

	// removing an absent key reports not found
	res = tc.propose(t, proto.OpRemoveXattr, proto.RemoveXattrOp{Ino: file, Key: "user.tag"})
	require.Equal(t, proto.CodeNotFound, res.Code)
}

func TestSM_ReadDirPaging(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	dir := tc.mkdir(t, proto.RootInode, "d")
	for i := 0; i < 5; i++ {
		tc.mkfile(t, dir, fmt.Sprintf("e%02d", i))
	}

	page, err := tc.ReadDir(ctx, dir, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "e00", page[0].Name)
	require.Equal(t, "e02", page[2].Name)

	page, err = tc.ReadDir(ctx, dir, page[2].Name, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "e03", page[0].Name)
	require.Equal(t, "e04", page[1].Name)

	_, err = tc.ReadDir(ctx, page[0].Ino, "", 0)
	require.Equal(t, proto.ErrNotDir, err)
}

func TestSM_PathLookup(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	a := tc.mkdir(t, proto.RootInode, "a")
	b := tc.mkdir(t, a, "b")
	f := tc.mkfile(t, b, "f")

	inode, err := tc.PathLookup(ctx, "/a/b/f")
	require.NoError(t, err)
	require.Equal(t, f, inode.ID)

	inode, err = tc.PathLookup(ctx, "a/./b")
	require.NoError(t, err)
	require.Equal(t, b, inode.ID)

	inode, err = tc.PathLookup(ctx, "/")
	require.NoError(t, err)
	require.Equal(t, proto.RootInode, inode.ID)

	_, err = tc.PathLookup(ctx, "/a/nope")
	require.Equal(t, proto.ErrNotFound, err)
}

func TestSM_DedupReplay(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	op, err := proto.Marshal(proto.CreateInodeOp{Parent: proto.RootInode, Name: "once", Kind: proto.KindFile})
	require.NoError(t, err)
	pd := raft.ProposalData{Op: uint32(proto.OpCreateInode), Data: op, ReqID: "fixed-req", Time: 42}

	rets, err := tc.sm.Apply(ctx, []raft.ProposalData{pd}, 1)
	require.NoError(t, err)
	first := rets[0].(*Result)
	require.Equal(t, proto.CodeOK, first.Code)
	tc.index = 1

	// the retried proposal lands at a later index but applies nothing
	rets, err = tc.sm.Apply(ctx, []raft.ProposalData{pd}, 2)
	require.NoError(t, err)
	second := rets[0].(*Result)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.Data, second.Data)
	require.Equal(t, uint64(2), tc.AppliedIndex())
	tc.index = 2

	stats, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Inodes) // root + one file

	// a rejected op's outcome is replayed the same way
	pd2 := raft.ProposalData{Op: uint32(proto.OpCreateInode), Data: op, ReqID: "dup-req", Time: 43}
	rets, err = tc.sm.Apply(ctx, []raft.ProposalData{pd2}, 3)
	require.NoError(t, err)
	require.Equal(t, proto.CodeConflict, rets[0].(*Result).Code)
	rets, err = tc.sm.Apply(ctx, []raft.ProposalData{pd2}, 4)
	require.NoError(t, err)
	require.Equal(t, proto.CodeConflict, rets[0].(*Result).Code)
	require.Equal(t, uint64(4), tc.AppliedIndex())
}

func TestSM_RedeliveryGuard(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")

	// redelivering an already applied index mutates nothing
	op, err := proto.Marshal(proto.CreateInodeOp{Parent: proto.RootInode, Name: "f", Kind: proto.KindFile})
	require.NoError(t, err)
	pd := raft.ProposalData{Op: uint32(proto.OpCreateInode), Data: op, Time: 1}
	_, err = tc.sm.Apply(ctx, []raft.ProposalData{pd}, tc.index)
	require.NoError(t, err)

	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint32(1), inode.Links)
	stats, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Inodes)
}

func TestSM_RejectionRollsBack(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	tc.mkfile(t, proto.RootInode, "exists")
	statsBefore, err := tc.Statfs(ctx)
	require.NoError(t, err)

	res := tc.propose(t, proto.OpCreateInode, proto.CreateInodeOp{Parent: proto.RootInode, Name: "exists", Kind: proto.KindFile})
	require.Equal(t, proto.CodeConflict, res.Code)
	require.Equal(t, proto.ErrExist.Error(), res.Msg)

	// the rejection advanced the applied index without touching the tables
	require.Equal(t, tc.index, tc.AppliedIndex())
	statsAfter, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, statsBefore.Inodes, statsAfter.Inodes)

	// the inode counter did not burn an id
	next := tc.mkfile(t, proto.RootInode, "next")
	require.Equal(t, proto.RootInode+2, next)
}

func TestSM_Compaction(t *testing.T) {
	tc := newTestCatalog(t, &Config{BlockGCGraceS: 1})
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")
	data := []byte("to be reclaimed")
	digest := proto.DigestOf(data)
	require.Equal(t, proto.CodeOK, tc.write(t, file, 0, data).Code)

	res := tc.propose(t, proto.OpSetXattr, proto.SetXattrOp{Ino: file, Key: "user.x", Value: []byte("1")})
	require.Equal(t, proto.CodeOK, res.Code)

	res = tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "f"})
	require.Equal(t, proto.CodeOK, res.Code)

	// the unlink is logical: inode and block survive until compaction
	_, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)

	// first pass tears down the orphan inode and unrefs its blocks; the
	// block itself waits out the grace period
	require.NoError(t, tc.RunCompaction(ctx))
	_, err = tc.GetAttr(ctx, file)
	require.Equal(t, proto.ErrNotFound, err)
	_, err = tc.ReadBlock(ctx, digest, 0, 0)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, tc.RunCompaction(ctx))
	_, err = tc.ReadBlock(ctx, digest, 0, 0)
	require.Equal(t, proto.ErrNotFound, err)

	stats, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Inodes)
	require.Zero(t, stats.Blocks)
	require.Zero(t, stats.BlockBytes)
}

func TestSM_CompactionKeepsSharedBlocks(t *testing.T) {
	tc := newTestCatalog(t, &Config{BlockGCGraceS: 1})
	defer tc.close()
	ctx := context.TODO()

	f1 := tc.mkfile(t, proto.RootInode, "f1")
	f2 := tc.mkfile(t, proto.RootInode, "f2")
	data := []byte("shared")
	digest := proto.DigestOf(data)
	require.Equal(t, proto.CodeOK, tc.write(t, f1, 0, data).Code)
	require.Equal(t, proto.CodeOK, tc.write(t, f2, 0, data).Code)

	res := tc.propose(t, proto.OpUnlink, proto.UnlinkOp{Parent: proto.RootInode, Name: "f1"})
	require.Equal(t, proto.CodeOK, res.Code)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, tc.RunCompaction(ctx))

	// the surviving file still references the block
	got, err := tc.ReadBlock(ctx, digest, 0, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSM_WaitApplied(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	require.NoError(t, tc.WaitApplied(ctx, 0))

	done := make(chan error, 1)
	go func() {
		done <- tc.WaitApplied(ctx, 1)
	}()
	tc.mkfile(t, proto.RootInode, "f")
	require.NoError(t, <-done)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, tc.WaitApplied(short, 100))
}

func TestSM_PersistAcrossReopen(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer os.RemoveAll(tc.path)
	ctx := context.TODO()

	dir := tc.mkdir(t, proto.RootInode, "d")
	file := tc.mkfile(t, dir, "f")
	data := []byte("durable")
	require.Equal(t, proto.CodeOK, tc.write(t, file, 0, data).Code)
	applied := tc.AppliedIndex()
	require.NoError(t, tc.kv.Close())

	kv, err := kvstore.NewStore(ctx, tc.path, &kvstore.Option{ColumnFamilies: ColumnFamilies()})
	require.NoError(t, err)
	defer kv.Close()
	c, err := NewCatalog(&Config{KV: kv})
	require.NoError(t, err)

	require.Equal(t, applied, c.AppliedIndex())
	inode, err := c.PathLookup(ctx, "/d/f")
	require.NoError(t, err)
	require.Equal(t, file, inode.ID)
	got, err := c.ReadBlock(ctx, proto.DigestOf(data), 0, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSM_WriteOffsetOverflow(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()
	ctx := context.TODO()

	file := tc.mkfile(t, proto.RootInode, "f")
	data := []byte("sixteen byte blk")

	// an offset this close to the top of the range wraps the extent end
	res := tc.write(t, file, ^uint64(0)-2, data)
	require.Equal(t, proto.CodeInvalid, res.Code)
	require.Equal(t, proto.ErrInvalidOp.Error(), res.Msg)

	inode, err := tc.GetAttr(ctx, file)
	require.NoError(t, err)
	require.Equal(t, uint64(0), inode.Size)
	require.Empty(t, inode.Blocks)
	stats, err := tc.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Blocks)
}

func TestSM_CompactionSweepsDedup(t *testing.T) {
	tc := newTestCatalog(t, &Config{DedupRetentionS: 1})
	defer tc.close()
	ctx := context.TODO()

	tc.mkfile(t, proto.RootInode, "f")
	_, err := tc.kv.Get(ctx, CFDedup, []byte("req-1"))
	require.NoError(t, err)

	// inside the retention window the outcome stays
	require.NoError(t, tc.RunCompaction(ctx))
	_, err = tc.kv.Get(ctx, CFDedup, []byte("req-1"))
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	tc.mkfile(t, proto.RootInode, "g")

	require.NoError(t, tc.RunCompaction(ctx))
	_, err = tc.kv.Get(ctx, CFDedup, []byte("req-1"))
	require.Equal(t, kvstore.ErrNotFound, err)
	_, err = tc.kv.Get(ctx, CFDedup, []byte("req-2"))
	require.NoError(t, err)
}
