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

package client

import (
	"context"

	"github.com/raftfs/raftfs/proto"
)

// DefaultBlockSize is the split size for Write; content addressing works on
// whole blocks, so rewrites of unchanged aligned regions dedup for free.
const DefaultBlockSize = 4 << 20

func (c *Client) CreateFile(ctx context.Context, parent proto.InodeID, name string, mode uint32) (proto.InodeID, error) {
	return c.createInode(ctx, proto.CreateInodeOp{
		Parent: parent, Name: name, Kind: proto.KindFile, Mode: mode,
	})
}

func (c *Client) Mkdir(ctx context.Context, parent proto.InodeID, name string, mode uint32) (proto.InodeID, error) {
	return c.createInode(ctx, proto.CreateInodeOp{
		Parent: parent, Name: name, Kind: proto.KindDir, Mode: mode,
	})
}

func (c *Client) Symlink(ctx context.Context, parent proto.InodeID, name, target string) (proto.InodeID, error) {
	return c.createInode(ctx, proto.CreateInodeOp{
		Parent: parent, Name: name, Kind: proto.KindSymlink, Mode: 0o777, Target: target,
	})
}

func (c *Client) createInode(ctx context.Context, op proto.CreateInodeOp) (proto.InodeID, error) {
	resp, err := c.Propose(ctx, proto.OpCreateInode, op)
	if err != nil {
		return 0, err
	}
	res := proto.CreateInodeResult{}
	if err := proto.Unmarshal(resp.Result, &res); err != nil {
		return 0, err
	}
	return res.Ino, nil
}

func (c *Client) Hardlink(ctx context.Context, ino, newParent proto.InodeID, newName string) error {
	_, err := c.Propose(ctx, proto.OpHardlink, proto.HardlinkOp{
		Ino: ino, NewParent: newParent, NewName: newName,
	})
	return err
}

func (c *Client) Unlink(ctx context.Context, parent proto.InodeID, name string) error {
	_, err := c.Propose(ctx, proto.OpUnlink, proto.UnlinkOp{Parent: parent, Name: name})
	return err
}

func (c *Client) Rmdir(ctx context.Context, parent proto.InodeID, name string) error {
	_, err := c.Propose(ctx, proto.OpUnlink, proto.UnlinkOp{Parent: parent, Name: name, Rmdir: true})
	return err
}

func (c *Client) Rename(ctx context.Context, parent proto.InodeID, name string, newParent proto.InodeID, newName string) error {
	_, err := c.Propose(ctx, proto.OpRename, proto.RenameOp{
		Parent: parent, Name: name, NewParent: newParent, NewName: newName,
	})
	return err
}

// Write splits data into blocks, digests them locally and proposes the
// placement together with the raw bytes. Offset should be block aligned
// with respect to previous writes; a write overlapping part of an existing
// block is rejected as a conflict.
func (c *Client) Write(ctx context.Context, ino proto.InodeID, offset uint64, data []byte) error {
	return c.WriteBlocks(ctx, ino, offset, data, DefaultBlockSize)
}

func (c *Client) WriteBlocks(ctx context.Context, ino proto.InodeID, offset uint64, data []byte, blockSize int) error {
	if len(data) == 0 {
		return proto.ErrInvalidOp
	}
	op := proto.WriteOp{Ino: ino, Offset: offset, Data: data}
	for pos := 0; pos < len(data); pos += blockSize {
		end := pos + blockSize
		if end > len(data) {
			end = len(data)
		}
		op.Blocks = append(op.Blocks, proto.BlockRef{
			Offset: offset + uint64(pos),
			Digest: proto.DigestOf(data[pos:end]),
			Length: uint32(end - pos),
		})
	}
	_, err := c.Propose(ctx, proto.OpWrite, op)
	return err
}

func (c *Client) Truncate(ctx context.Context, ino proto.InodeID, size uint64) error {
	_, err := c.Propose(ctx, proto.OpTruncate, proto.TruncateOp{Ino: ino, Size: size})
	return err
}

func (c *Client) SetAttr(ctx context.Context, op proto.SetAttrOp) error {
	_, err := c.Propose(ctx, proto.OpSetAttr, op)
	return err
}

func (c *Client) SetXattr(ctx context.Context, ino proto.InodeID, key string, value []byte) error {
	_, err := c.Propose(ctx, proto.OpSetXattr, proto.SetXattrOp{Ino: ino, Key: key, Value: value})
	return err
}

func (c *Client) RemoveXattr(ctx context.Context, ino proto.InodeID, key string) error {
	_, err := c.Propose(ctx, proto.OpRemoveXattr, proto.RemoveXattrOp{Ino: ino, Key: key})
	return err
}

func (c *Client) GetAttr(ctx context.Context, ino proto.InodeID) (*proto.Inode, error) {
	resp, err := c.read(ctx, proto.QueryGetAttr, proto.GetAttrRequest{Ino: ino}, false)
	if err != nil {
		return nil, err
	}
	inode := &proto.Inode{}
	if err := proto.Unmarshal(resp.Data, inode); err != nil {
		return nil, err
	}
	return inode, nil
}

func (c *Client) Lookup(ctx context.Context, parent proto.InodeID, name string) (*proto.Dirent, error) {
	resp, err := c.read(ctx, proto.QueryLookup, proto.LookupRequest{Parent: parent, Name: name}, false)
	if err != nil {
		return nil, err
	}
	dent := &proto.Dirent{}
	if err := proto.Unmarshal(resp.Data, dent); err != nil {
		return nil, err
	}
	return dent, nil
}

func (c *Client) PathLookup(ctx context.Context, path string) (*proto.Inode, error) {
	resp, err := c.read(ctx, proto.QueryPathLookup, proto.PathLookupRequest{Path: path}, false)
	if err != nil {
		return nil, err
	}
	inode := &proto.Inode{}
	if err := proto.Unmarshal(resp.Data, inode); err != nil {
		return nil, err
	}
	return inode, nil
}

func (c *Client) ReadDir(ctx context.Context, ino proto.InodeID, marker string, limit uint32) ([]proto.Dirent, error) {
	resp, err := c.read(ctx, proto.QueryReadDir, proto.ReadDirRequest{Ino: ino, Marker: marker, Limit: limit}, false)
	if err != nil {
		return nil, err
	}
	out := proto.ReadDirResponse{}
	if err := proto.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) GetXattr(ctx context.Context, ino proto.InodeID, key string) ([]byte, error) {
	resp, err := c.read(ctx, proto.QueryGetXattr, proto.GetXattrRequest{Ino: ino, Key: key}, false)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) ListXattrs(ctx context.Context, ino proto.InodeID) ([]string, error) {
	resp, err := c.read(ctx, proto.QueryListXattrs, proto.ListXattrsRequest{Ino: ino}, false)
	if err != nil {
		return nil, err
	}
	out := proto.ListXattrsResponse{}
	if err := proto.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) Statfs(ctx context.Context) (*proto.StatfsResponse, error) {
	resp, err := c.read(ctx, proto.QueryStatfs, nil, false)
	if err != nil {
		return nil, err
	}
	out := &proto.StatfsResponse{}
	if err := proto.Unmarshal(resp.Data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sync runs a strict read barrier through the leader and bumps the client's
// observed index, so later reads reflect everything committed before the
// call.
func (c *Client) Sync(ctx context.Context) error {
	resp, err := c.read(ctx, proto.QueryStatfs, nil, true)
	if err != nil {
		return err
	}
	c.observe(resp.Index)
	return nil
}

// ReadBlock fetches length bytes of a block starting at offset; length 0
// fetches to the end of the block. The bytes arrive raw in a BlockTransfer
// frame.
func (c *Client) ReadBlock(ctx context.Context, digest proto.Digest, offset, length uint32) ([]byte, error) {
	resp, err := c.read(ctx, proto.QueryReadBlock, proto.ReadBlockRequest{
		Digest: digest, Offset: offset, Length: length,
	}, false)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ReadAt reads the byte range [offset, offset+length) of a file by walking
// its block list. Holes read as zeroes.
func (c *Client) ReadAt(ctx context.Context, ino proto.InodeID, offset, length uint64) ([]byte, error) {
	inode, err := c.GetAttr(ctx, ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind != proto.KindFile {
		return nil, proto.ErrIsDir
	}
	if offset >= inode.Size {
		return nil, nil
	}
	if offset+length > inode.Size {
		length = inode.Size - offset
	}

	out := make([]byte, length)
	for _, b := range inode.Blocks {
		if b.End() <= offset || b.Offset >= offset+length {
			continue
		}
		// intersection of the extent with the requested range
		start := b.Offset
		if start < offset {
			start = offset
		}
		end := b.End()
		if end > offset+length {
			end = offset + length
		}
		data, err := c.ReadBlock(ctx, b.Digest, uint32(start-b.Offset), uint32(end-start))
		if err != nil {
			return nil, err
		}
		copy(out[start-offset:], data)
	}
	return out, nil
}
