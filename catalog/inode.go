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
	"encoding/binary"
	"sort"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
)

// Key layouts. Inode ids are big-endian so range scans walk in id order;
// dentry and xattr keys are the fixed 8 byte owner id followed by the name,
// which makes "all children of parent" a plain prefix scan.

func encodeInoKey(ino proto.InodeID) []byte {
	return encodeUint64(ino)
}

func encodeDentryKey(parent proto.InodeID, name string) []byte {
	b := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(b, parent)
	copy(b[8:], name)
	return b
}

func encodeXattrKey(ino proto.InodeID, key string) []byte {
	b := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(b, ino)
	copy(b[8:], key)
	return b
}

func encodeOrphanKey(ino proto.InodeID) []byte {
	b := make([]byte, len(orphanPrefix)+8)
	copy(b, orphanPrefix)
	binary.BigEndian.PutUint64(b[len(orphanPrefix):], ino)
	return b
}

// dentryValue is the stored half of a Dirent; the name lives in the key.
type dentryValue struct {
	Ino  proto.InodeID `msgpack:"i"`
	Kind proto.Kind    `msgpack:"k"`
}

func getInode(txn kvstore.ReadTxn, ino proto.InodeID) (*proto.Inode, error) {
	v, err := txn.Get(CFInode, encodeInoKey(ino))
	if err == kvstore.ErrNotFound {
		return nil, proto.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inode := &proto.Inode{}
	if err := proto.Unmarshal(v, inode); err != nil {
		return nil, err
	}
	return inode, nil
}

func setInode(txn kvstore.Txn, inode *proto.Inode) error {
	v, err := proto.Marshal(inode)
	if err != nil {
		return err
	}
	return txn.Set(CFInode, encodeInoKey(inode.ID), v)
}

func getDentry(txn kvstore.ReadTxn, parent proto.InodeID, name string) (*dentryValue, error) {
	v, err := txn.Get(CFDentry, encodeDentryKey(parent, name))
	if err == kvstore.ErrNotFound {
		return nil, proto.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d := &dentryValue{}
	if err := proto.Unmarshal(v, d); err != nil {
		return nil, err
	}
	return d, nil
}

func setDentry(txn kvstore.Txn, parent proto.InodeID, name string, d *dentryValue) error {
	v, err := proto.Marshal(d)
	if err != nil {
		return err
	}
	return txn.Set(CFDentry, encodeDentryKey(parent, name), v)
}

func deleteDentry(txn kvstore.Txn, parent proto.InodeID, name string) error {
	return txn.Delete(CFDentry, encodeDentryKey(parent, name))
}

// spliceBlocks replaces the extents of [offset, offset+length) with the new
// refs. Existing extents fully inside the range are dropped and returned so
// the caller can release their block references; an extent that only partly
// overlaps the range is a conflict, the writer is expected to replace whole
// extents.
func spliceBlocks(blocks []proto.BlockRef, offset, length uint64, repl []proto.BlockRef) (out, dropped []proto.BlockRef, err error) {
	end := offset + length
	out = make([]proto.BlockRef, 0, len(blocks)+len(repl))
	for _, b := range blocks {
		switch {
		case b.End() <= offset || b.Offset >= end:
			out = append(out, b)
		case b.Offset >= offset && b.End() <= end:
			dropped = append(dropped, b)
		default:
			return nil, nil, proto.ErrConflict
		}
	}
	out = append(out, repl...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, dropped, nil
}

// truncateBlocks drops extents at or beyond size and clamps one straddling
// the boundary. A clamped extent keeps its block reference; reads honor the
// shortened length.
func truncateBlocks(blocks []proto.BlockRef, size uint64) (out, dropped []proto.BlockRef) {
	out = blocks[:0]
	for _, b := range blocks {
		switch {
		case b.End() <= size:
			out = append(out, b)
		case b.Offset >= size:
			dropped = append(dropped, b)
		default:
			b.Length = uint32(size - b.Offset)
			out = append(out, b)
		}
	}
	return out, dropped
}
