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
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

// Result is the applied outcome of one proposal, delivered to the proposer
// and recorded in the dedup table so a retried request id observes the same
// outcome instead of a second apply.
type Result struct {
	Code proto.ErrCode `msgpack:"c"`
	Msg  string        `msgpack:"m,omitempty"`
	Data []byte        `msgpack:"d,omitempty"`
}

func (r *Result) Err() error {
	if r.Code == proto.CodeOK {
		return nil
	}
	return r.Code.Err()
}

type dedupRecord struct {
	Index uint64        `msgpack:"i"`
	Time  int64         `msgpack:"t,omitempty"`
	Code  proto.ErrCode `msgpack:"c"`
	Msg   string        `msgpack:"m,omitempty"`
	Data  []byte        `msgpack:"d,omitempty"`
}

// catalogSM is the raft facing half of the catalog.
type catalogSM Catalog

func (c *Catalog) SM() raft.StateMachine {
	return (*catalogSM)(c)
}

// errRollback aborts the op transaction while keeping the computed result:
// a domain rejection must not leave partial mutations behind, but its
// outcome still has to reach the dedup table.
var errRollback = errors.New("rollback")

// Apply folds one batch of committed entries into the tables. Entries in a
// batch hold consecutive indices ending at index; each entry commits as its
// own transaction carrying the op mutations, the dedup record and the
// applied index, so a crash can never tear an entry in half.
func (sm *catalogSM) Apply(ctx context.Context, pds []raft.ProposalData, index uint64) ([]interface{}, error) {
	sm.applyMu.Lock()
	defer sm.applyMu.Unlock()

	rets := make([]interface{}, 0, len(pds))
	first := index - uint64(len(pds)) + 1
	for i := range pds {
		res, err := sm.applyEntry(ctx, &pds[i], first+uint64(i))
		if err != nil {
			return nil, err
		}
		rets = append(rets, res)
	}
	return rets, nil
}

func (sm *catalogSM) applyEntry(ctx context.Context, pd *raft.ProposalData, index uint64) (*Result, error) {
	if index <= (*Catalog)(sm).AppliedIndex() {
		// redelivered after restart; the outcome is already durable
		if pd.ReqID != "" {
			if res, ok, err := sm.lookupDedup(ctx, pd.ReqID); err != nil {
				return nil, err
			} else if ok {
				return res, nil
			}
		}
		return &Result{}, nil
	}

	if pd.ReqID != "" {
		if res, ok, err := sm.lookupDedup(ctx, pd.ReqID); err != nil {
			return nil, err
		} else if ok {
			// retried proposal: record the new index, apply nothing
			if err := sm.commitOutcome(ctx, pd.ReqID, index, pd.Time, res); err != nil {
				return nil, err
			}
			(*Catalog)(sm).advanceApplied(index)
			return res, nil
		}
	}

	var res *Result
	err := sm.kv.Update(ctx, func(txn kvstore.Txn) error {
		r, opErr := sm.applyOp(ctx, txn, pd, index)
		if opErr != nil {
			if isDomainErr(opErr) {
				res = &Result{Code: proto.CodeOf(opErr), Msg: opErr.Error()}
				return errRollback
			}
			return opErr
		}
		res = r
		if err := sm.writeOutcome(txn, pd.ReqID, index, pd.Time, res); err != nil {
			return err
		}
		return txn.Set(CFMeta, metaAppliedKey, encodeUint64(index))
	})
	if err == errRollback {
		err = sm.commitOutcome(ctx, pd.ReqID, index, pd.Time, res)
	}
	if err != nil {
		return nil, err
	}

	(*Catalog)(sm).advanceApplied(index)
	return res, nil
}

func (sm *catalogSM) lookupDedup(ctx context.Context, reqID string) (*Result, bool, error) {
	v, err := sm.kv.Get(ctx, CFDedup, []byte(reqID))
	if err == kvstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec := dedupRecord{}
	if err := proto.Unmarshal(v, &rec); err != nil {
		return nil, false, err
	}
	return &Result{Code: rec.Code, Msg: rec.Msg, Data: rec.Data}, true, nil
}

func (sm *catalogSM) writeOutcome(txn kvstore.Txn, reqID string, index uint64, now int64, res *Result) error {
	if reqID == "" {
		return nil
	}
	v, err := proto.Marshal(dedupRecord{Index: index, Time: now, Code: res.Code, Msg: res.Msg, Data: res.Data})
	if err != nil {
		return err
	}
	return txn.Set(CFDedup, []byte(reqID), v)
}

// commitOutcome persists a rejected op's outcome and the applied index
// without any table mutation.
func (sm *catalogSM) commitOutcome(ctx context.Context, reqID string, index uint64, now int64, res *Result) error {
	return sm.kv.Update(ctx, func(txn kvstore.Txn) error {
		if err := sm.writeOutcome(txn, reqID, index, now, res); err != nil {
			return err
		}
		return txn.Set(CFMeta, metaAppliedKey, encodeUint64(index))
	})
}

func (sm *catalogSM) applyOp(ctx context.Context, txn kvstore.Txn, pd *raft.ProposalData, index uint64) (*Result, error) {
	switch proto.OpType(pd.Op) {
	case proto.OpCreateInode:
		op := proto.CreateInodeOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyCreateInode(txn, &op, pd.Time)
	case proto.OpHardlink:
		op := proto.HardlinkOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyHardlink(txn, &op, pd.Time)
	case proto.OpUnlink:
		op := proto.UnlinkOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyUnlink(ctx, txn, &op, pd.Time)
	case proto.OpRename:
		op := proto.RenameOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyRename(ctx, txn, &op, pd.Time)
	case proto.OpWrite:
		op := proto.WriteOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyWrite(txn, &op, pd.Time)
	case proto.OpTruncate:
		op := proto.TruncateOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyTruncate(txn, &op, pd.Time)
	case proto.OpSetAttr:
		op := proto.SetAttrOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applySetAttr(txn, &op, pd.Time)
	case proto.OpSetXattr:
		op := proto.SetXattrOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applySetXattr(txn, &op, pd.Time)
	case proto.OpRemoveXattr:
		op := proto.RemoveXattrOp{}
		if err := proto.Unmarshal(pd.Data, &op); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return sm.applyRemoveXattr(txn, &op, pd.Time)
	default:
		// committed entry with an unknown op: the log and this binary
		// disagree about the format, refusing to serve is the only safe move
		return nil, fmt.Errorf("%w: unknown op %d at index %d", proto.ErrCorruptState, pd.Op, index)
	}
}

func (sm *catalogSM) applyCreateInode(txn kvstore.Txn, op *proto.CreateInodeOp, now int64) (*Result, error) {
	if err := validateName(op.Name); err != nil {
		return nil, err
	}
	switch op.Kind {
	case proto.KindFile, proto.KindDir:
		if op.Target != "" {
			return nil, proto.ErrInvalidOp
		}
	case proto.KindSymlink:
		if op.Target == "" {
			return nil, proto.ErrInvalidOp
		}
	default:
		return nil, proto.ErrInvalidOp
	}

	parent, err := getInode(txn, op.Parent)
	if err != nil {
		return nil, err
	}
	if parent.Kind != proto.KindDir {
		return nil, proto.ErrNotDir
	}
	if _, err := getDentry(txn, op.Parent, op.Name); err == nil {
		return nil, proto.ErrExist
	} else if err != proto.ErrNotFound {
		return nil, err
	}

	ino, err := sm.nextIno(txn)
	if err != nil {
		return nil, err
	}
	inode := proto.Inode{
		ID:     ino,
		Kind:   op.Kind,
		Links:  1,
		Mode:   op.Mode,
		UID:    op.UID,
		GID:    op.GID,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Target: op.Target,
	}
	if op.Kind == proto.KindDir {
		inode.Links = 2
		inode.Parent = op.Parent
		parent.Links++
	}
	if err := setInode(txn, &inode); err != nil {
		return nil, err
	}
	if err := setDentry(txn, op.Parent, op.Name, &dentryValue{Ino: ino, Kind: op.Kind}); err != nil {
		return nil, err
	}
	parent.Mtime, parent.Ctime = now, now
	if err := setInode(txn, parent); err != nil {
		return nil, err
	}
	st, err := getStats(txn)
	if err != nil {
		return nil, err
	}
	st.Inodes++
	if err := setStats(txn, st); err != nil {
		return nil, err
	}

	data, err := proto.Marshal(proto.CreateInodeResult{Ino: ino})
	if err != nil {
		return nil, err
	}
	return &Result{Data: data}, nil
}

func (sm *catalogSM) applyHardlink(txn kvstore.Txn, op *proto.HardlinkOp, now int64) (*Result, error) {
	if err := validateName(op.NewName); err != nil {
		return nil, err
	}
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind == proto.KindDir {
		return nil, proto.ErrIsDir
	}
	parent, err := getInode(txn, op.NewParent)
	if err != nil {
		return nil, err
	}
	if parent.Kind != proto.KindDir {
		return nil, proto.ErrNotDir
	}
	if _, err := getDentry(txn, op.NewParent, op.NewName); err == nil {
		return nil, proto.ErrExist
	} else if err != proto.ErrNotFound {
		return nil, err
	}

	inode.Links++
	inode.Ctime = now
	if err := setInode(txn, inode); err != nil {
		return nil, err
	}
	if err := setDentry(txn, op.NewParent, op.NewName, &dentryValue{Ino: op.Ino, Kind: inode.Kind}); err != nil {
		return nil, err
	}
	parent.Mtime, parent.Ctime = now, now
	return &Result{}, setInode(txn, parent)
}

func (sm *catalogSM) applyUnlink(ctx context.Context, txn kvstore.Txn, op *proto.UnlinkOp, now int64) (*Result, error) {
	dent, err := getDentry(txn, op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	target, err := getInode(txn, dent.Ino)
	if err != nil {
		return nil, err
	}
	parent, err := getInode(txn, op.Parent)
	if err != nil {
		return nil, err
	}

	if op.Rmdir {
		if target.Kind != proto.KindDir {
			return nil, proto.ErrNotDir
		}
		empty, err := sm.dirEmpty(ctx, dent.Ino)
		if err != nil {
			return nil, err
		}
		if !empty {
			return nil, proto.ErrDirNotEmpty
		}
	} else if target.Kind == proto.KindDir {
		return nil, proto.ErrIsDir
	}

	if err := deleteDentry(txn, op.Parent, op.Name); err != nil {
		return nil, err
	}
	if op.Rmdir {
		target.Links = 0
		parent.Links--
	} else {
		target.Links--
	}
	target.Ctime = now
	if err := setInode(txn, target); err != nil {
		return nil, err
	}
	if target.Links == 0 {
		if err := txn.Set(CFMeta, encodeOrphanKey(target.ID), nil); err != nil {
			return nil, err
		}
	}
	parent.Mtime, parent.Ctime = now, now
	return &Result{}, setInode(txn, parent)
}

func (sm *catalogSM) applyRename(ctx context.Context, txn kvstore.Txn, op *proto.RenameOp, now int64) (*Result, error) {
	if err := validateName(op.NewName); err != nil {
		return nil, err
	}
	if op.Parent == op.NewParent && op.Name == op.NewName {
		return &Result{}, nil
	}

	src, err := getDentry(txn, op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	srcInode, err := getInode(txn, src.Ino)
	if err != nil {
		return nil, err
	}
	oldParent, err := getInode(txn, op.Parent)
	if err != nil {
		return nil, err
	}
	newParent := oldParent
	if op.NewParent != op.Parent {
		newParent, err = getInode(txn, op.NewParent)
		if err != nil {
			return nil, err
		}
		if newParent.Kind != proto.KindDir {
			return nil, proto.ErrNotDir
		}
	}

	if srcInode.Kind == proto.KindDir && op.NewParent != op.Parent {
		if err := sm.checkNoCycle(txn, src.Ino, op.NewParent); err != nil {
			return nil, err
		}
	}

	dst, err := getDentry(txn, op.NewParent, op.NewName)
	if err != nil && err != proto.ErrNotFound {
		return nil, err
	}
	replacedDir := false
	if dst != nil {
		if dst.Ino == src.Ino {
			return &Result{}, nil
		}
		replacedDir, err = sm.replaceRenameTarget(ctx, txn, srcInode, dst, now)
		if err != nil {
			return nil, err
		}
	}

	if err := deleteDentry(txn, op.Parent, op.Name); err != nil {
		return nil, err
	}
	if err := setDentry(txn, op.NewParent, op.NewName, &dentryValue{Ino: src.Ino, Kind: src.Kind}); err != nil {
		return nil, err
	}

	if replacedDir {
		newParent.Links--
	}
	if srcInode.Kind == proto.KindDir && op.NewParent != op.Parent {
		oldParent.Links--
		newParent.Links++
		srcInode.Parent = op.NewParent
	}
	srcInode.Ctime = now
	if err := setInode(txn, srcInode); err != nil {
		return nil, err
	}
	oldParent.Mtime, oldParent.Ctime = now, now
	if err := setInode(txn, oldParent); err != nil {
		return nil, err
	}
	if op.NewParent != op.Parent {
		newParent.Mtime, newParent.Ctime = now, now
		if err := setInode(txn, newParent); err != nil {
			return nil, err
		}
	}
	return &Result{}, nil
}

// replaceRenameTarget unlinks the entry being renamed over. Directories obey
// the configured policy: reject outright, or allow replacing an empty
// directory with another directory.
func (sm *catalogSM) replaceRenameTarget(ctx context.Context, txn kvstore.Txn, srcInode *proto.Inode, dst *dentryValue, now int64) (replacedDir bool, err error) {
	dstInode, err := getInode(txn, dst.Ino)
	if err != nil {
		return false, err
	}
	if dstInode.Kind == proto.KindDir {
		if sm.cfg.RenameDirPolicy != RenameDirReplace {
			return false, proto.ErrIsDir
		}
		if srcInode.Kind != proto.KindDir {
			return false, proto.ErrIsDir
		}
		empty, err := sm.dirEmpty(ctx, dst.Ino)
		if err != nil {
			return false, err
		}
		if !empty {
			return false, proto.ErrDirNotEmpty
		}
		dstInode.Links = 0
		replacedDir = true
	} else {
		if srcInode.Kind == proto.KindDir {
			return false, proto.ErrNotDir
		}
		dstInode.Links--
	}
	dstInode.Ctime = now
	if err := setInode(txn, dstInode); err != nil {
		return false, err
	}
	if dstInode.Links == 0 {
		return replacedDir, txn.Set(CFMeta, encodeOrphanKey(dstInode.ID), nil)
	}
	return replacedDir, nil
}

// checkNoCycle refuses to move dir into its own subtree by walking the
// parent chain of the destination up to the root.
func (sm *catalogSM) checkNoCycle(txn kvstore.ReadTxn, dir, newParent proto.InodeID) error {
	for cur := newParent; cur != proto.RootInode; {
		if cur == dir {
			return proto.ErrConflict
		}
		inode, err := getInode(txn, cur)
		if err != nil {
			return err
		}
		if inode.Parent == 0 || inode.Parent == cur {
			return proto.ErrCorruptState
		}
		cur = inode.Parent
	}
	return nil
}

func (sm *catalogSM) applyWrite(txn kvstore.Txn, op *proto.WriteOp, now int64) (*Result, error) {
	if len(op.Blocks) == 0 {
		return nil, proto.ErrInvalidOp
	}
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind != proto.KindFile {
		return nil, proto.ErrIsDir
	}

	// validate contiguous coverage starting at op.Offset
	var total uint64
	cursor := op.Offset
	for _, b := range op.Blocks {
		if b.Offset != cursor || b.Length == 0 || b.Digest.IsZero() {
			return nil, proto.ErrInvalidOp
		}
		// an offset near the top of the uint64 range would wrap End() and
		// slip past the contiguity and overlap checks
		if b.End() < b.Offset {
			return nil, proto.ErrInvalidOp
		}
		cursor = b.End()
		total += uint64(b.Length)
	}
	if total != uint64(len(op.Data)) {
		return nil, proto.ErrInvalidOp
	}

	blocks, dropped, err := spliceBlocks(inode.Blocks, op.Offset, total, op.Blocks)
	if err != nil {
		return nil, err
	}

	st, err := getStats(txn)
	if err != nil {
		return nil, err
	}
	var dataOff uint64
	for _, b := range op.Blocks {
		if err := retainBlock(txn, b.Digest, op.Data[dataOff:dataOff+uint64(b.Length)], st); err != nil {
			return nil, err
		}
		dataOff += uint64(b.Length)
	}
	for _, b := range dropped {
		if err := releaseBlock(txn, b.Digest, now); err != nil {
			return nil, err
		}
	}
	if err := setStats(txn, st); err != nil {
		return nil, err
	}

	inode.Blocks = blocks
	if end := op.Offset + total; end > inode.Size {
		inode.Size = end
	}
	inode.Mtime, inode.Ctime = now, now
	return &Result{}, setInode(txn, inode)
}

func (sm *catalogSM) applyTruncate(txn kvstore.Txn, op *proto.TruncateOp, now int64) (*Result, error) {
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind != proto.KindFile {
		return nil, proto.ErrIsDir
	}

	blocks, dropped := truncateBlocks(inode.Blocks, op.Size)
	for _, b := range dropped {
		if err := releaseBlock(txn, b.Digest, now); err != nil {
			return nil, err
		}
	}
	inode.Blocks = blocks
	inode.Size = op.Size
	inode.Mtime, inode.Ctime = now, now
	return &Result{}, setInode(txn, inode)
}

func (sm *catalogSM) applySetAttr(txn kvstore.Txn, op *proto.SetAttrOp, now int64) (*Result, error) {
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if op.SetMode {
		inode.Mode = op.Mode
	}
	if op.SetOwner {
		inode.UID, inode.GID = op.UID, op.GID
	}
	if op.SetTimes {
		inode.Atime, inode.Mtime = op.Atime, op.Mtime
	}
	inode.Ctime = now
	return &Result{}, setInode(txn, inode)
}

func (sm *catalogSM) applySetXattr(txn kvstore.Txn, op *proto.SetXattrOp, now int64) (*Result, error) {
	if op.Key == "" {
		return nil, proto.ErrInvalidOp
	}
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if err := txn.Set(CFXattr, encodeXattrKey(op.Ino, op.Key), op.Value); err != nil {
		return nil, err
	}
	inode.Ctime = now
	return &Result{}, setInode(txn, inode)
}

func (sm *catalogSM) applyRemoveXattr(txn kvstore.Txn, op *proto.RemoveXattrOp, now int64) (*Result, error) {
	inode, err := getInode(txn, op.Ino)
	if err != nil {
		return nil, err
	}
	if _, err := txn.Get(CFXattr, encodeXattrKey(op.Ino, op.Key)); err == kvstore.ErrNotFound {
		return nil, proto.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	if err := txn.Delete(CFXattr, encodeXattrKey(op.Ino, op.Key)); err != nil {
		return nil, err
	}
	inode.Ctime = now
	return &Result{}, setInode(txn, inode)
}

func (sm *catalogSM) nextIno(txn kvstore.Txn) (proto.InodeID, error) {
	v, err := txn.Get(CFMeta, metaNextInoKey)
	if err != nil {
		return 0, err
	}
	ino := decodeUint64(v)
	if err := txn.Set(CFMeta, metaNextInoKey, encodeUint64(ino+1)); err != nil {
		return 0, err
	}
	return ino, nil
}

// dirEmpty reads committed state; the applier is the only writer, so a
// check made before this entry's own mutations is exact.
func (sm *catalogSM) dirEmpty(ctx context.Context, dir proto.InodeID) (bool, error) {
	lr, err := sm.kv.List(ctx, CFDentry, encodeInoKey(dir), nil, nil)
	if err != nil {
		return false, err
	}
	defer lr.Close()
	_, _, err = lr.Next()
	if err == kvstore.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (sm *catalogSM) LeaderChange(leader uint64) error {
	sm.leader.Store(leader)
	return nil
}

// ApplyMemberChange only records progress: cluster membership itself is kept
// by the raft log storage.
func (sm *catalogSM) ApplyMemberChange(m *raft.Member, index uint64) error {
	ctx := context.Background()
	sm.applyMu.Lock()
	defer sm.applyMu.Unlock()

	err := sm.kv.Update(ctx, func(txn kvstore.Txn) error {
		return txn.Set(CFMeta, metaAppliedKey, encodeUint64(index))
	})
	if err != nil {
		return err
	}
	(*Catalog)(sm).advanceApplied(index)
	return nil
}

func isDomainErr(err error) bool {
	switch {
	case errors.Is(err, proto.ErrNotFound),
		errors.Is(err, proto.ErrExist),
		errors.Is(err, proto.ErrConflict),
		errors.Is(err, proto.ErrNotDir),
		errors.Is(err, proto.ErrIsDir),
		errors.Is(err, proto.ErrDirNotEmpty),
		errors.Is(err, proto.ErrInvalidOp):
		return true
	default:
		return false
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return proto.ErrInvalidOp
	}
	return nil
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
