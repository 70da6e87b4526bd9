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

package proto

import (
	"crypto/sha256"
	"encoding/hex"
)

type (
	InodeID = uint64
	NodeID  = uint64
)

// RootInode is created by the applier the first time a node boots and is
// never garbage collected.
const RootInode InodeID = 1

type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// DigestSize is the size of a block content digest in bytes.
const DigestSize = sha256.Size

type Digest [DigestSize]byte

func DigestOf(data []byte) Digest {
	return sha256.Sum256(data)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// BlockRef places one immutable block inside a file. The same digest may be
// referenced by any number of files; the block store refcounts it.
type BlockRef struct {
	Offset uint64 `msgpack:"o"`
	Digest Digest `msgpack:"d"`
	Length uint32 `msgpack:"l"`
}

func (r BlockRef) End() uint64 {
	return r.Offset + uint64(r.Length)
}

// Inode is the client visible view of one filesystem object. Directory
// children and xattrs are kept in their own tables, not inline, so directory
// records never grow with fanout.
type Inode struct {
	ID    InodeID `msgpack:"i"`
	Kind  Kind    `msgpack:"k"`
	Links uint32  `msgpack:"n"`
	Size  uint64  `msgpack:"s"`
	Mode  uint32  `msgpack:"m"`
	UID   uint32  `msgpack:"u"`
	GID   uint32  `msgpack:"g"`
	Atime int64   `msgpack:"at"`
	Mtime int64   `msgpack:"mt"`
	Ctime int64   `msgpack:"ct"`
	// Parent is maintained for directories only; a directory has exactly one
	// parent, and rename uses the chain to refuse cycles.
	Parent InodeID `msgpack:"pp,omitempty"`
	// Target is set for symlinks only.
	Target string `msgpack:"t,omitempty"`
	// Blocks is the ordered, non overlapping block list of a regular file.
	Blocks []BlockRef `msgpack:"b,omitempty"`
}

type Dirent struct {
	Name string  `msgpack:"n"`
	Ino  InodeID `msgpack:"i"`
	Kind Kind    `msgpack:"k"`
}

// Member describes one cluster node of the replication group.
type Member struct {
	NodeID  NodeID `json:"node_id" msgpack:"n"`
	Addr    string `json:"addr" msgpack:"a"`
	Learner bool   `json:"learner,omitempty" msgpack:"l,omitempty"`
}
