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
	"strings"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
)

const readDirDefaultLimit = 1024

func (c *Catalog) GetAttr(ctx context.Context, ino proto.InodeID) (*proto.Inode, error) {
	var inode *proto.Inode
	err := c.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		var err error
		inode, err = getInode(txn, ino)
		return err
	})
	return inode, err
}

func (c *Catalog) Lookup(ctx context.Context, parent proto.InodeID, name string) (*proto.Dirent, error) {
	var dent *proto.Dirent
	err := c.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		d, err := getDentry(txn, parent, name)
		if err != nil {
			return err
		}
		dent = &proto.Dirent{Name: name, Ino: d.Ino, Kind: d.Kind}
		return nil
	})
	return dent, err
}

// PathLookup walks an absolute slash separated path from the root. Symlinks
// are returned as-is, resolution is the caller's business.
func (c *Catalog) PathLookup(ctx context.Context, path string) (*proto.Inode, error) {
	var inode *proto.Inode
	err := c.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		cur := proto.RootInode
		for _, part := range strings.Split(path, "/") {
			if part == "" || part == "." {
				continue
			}
			d, err := getDentry(txn, cur, part)
			if err != nil {
				return err
			}
			cur = d.Ino
		}
		var err error
		inode, err = getInode(txn, cur)
		return err
	})
	return inode, err
}

// ReadDir lists children in name order starting after marker; at most limit
// entries come back, a short page means the directory is exhausted.
func (c *Catalog) ReadDir(ctx context.Context, ino proto.InodeID, marker string, limit uint32) ([]proto.Dirent, error) {
	if limit == 0 || limit > readDirDefaultLimit {
		limit = readDirDefaultLimit
	}
	inode, err := c.GetAttr(ctx, ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind != proto.KindDir {
		return nil, proto.ErrNotDir
	}

	var markerKey []byte
	if marker != "" {
		markerKey = encodeDentryKey(ino, marker)
	}
	snap := c.kv.NewSnapshot()
	defer snap.Close()
	lr, err := c.kv.List(ctx, CFDentry, encodeInoKey(ino), markerKey, snap)
	if err != nil {
		return nil, err
	}
	defer lr.Close()

	entries := make([]proto.Dirent, 0, limit)
	for uint32(len(entries)) < limit {
		key, val, err := lr.Next()
		if err == kvstore.ErrNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		d := dentryValue{}
		if err := proto.Unmarshal(val, &d); err != nil {
			return nil, err
		}
		entries = append(entries, proto.Dirent{Name: string(key[8:]), Ino: d.Ino, Kind: d.Kind})
	}
	return entries, nil
}

func (c *Catalog) GetXattr(ctx context.Context, ino proto.InodeID, key string) ([]byte, error) {
	v, err := c.kv.Get(ctx, CFXattr, encodeXattrKey(ino, key))
	if err == kvstore.ErrNotFound {
		return nil, proto.ErrNotFound
	}
	return v, err
}

func (c *Catalog) ListXattrs(ctx context.Context, ino proto.InodeID) ([]string, error) {
	raw, err := c.listXattrKeysRaw(ctx, ino)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, string(k[8:]))
	}
	return keys, nil
}

func (c *Catalog) Statfs(ctx context.Context) (*proto.StatfsResponse, error) {
	var st *fsStats
	err := c.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		var err error
		st, err = getStats(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &proto.StatfsResponse{
		Inodes:       st.Inodes,
		Blocks:       st.Blocks,
		BlockBytes:   st.BlockBytes,
		AppliedIndex: c.AppliedIndex(),
	}, nil
}

// ReadBlock returns length bytes of the block starting at offset; length 0
// means the rest of the block. Concurrent reads of one digest collapse into
// a single engine fetch.
func (c *Catalog) ReadBlock(ctx context.Context, digest proto.Digest, offset, length uint32) ([]byte, error) {
	v, err, _ := c.blockFlight.Do(digest.String(), func() (interface{}, error) {
		data, err := c.kv.Get(ctx, CFBlock, digest[:])
		if err == kvstore.ErrNotFound {
			return nil, proto.ErrNotFound
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	if uint64(offset) >= uint64(len(data)) {
		return nil, nil
	}
	end := uint64(len(data))
	if length != 0 && uint64(offset)+uint64(length) < end {
		end = uint64(offset) + uint64(length)
	}
	return data[offset:end], nil
}
