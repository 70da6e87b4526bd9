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

// OpType enumerates the closed set of replicated mutations. The applier
// switches over it exhaustively; an unknown value in a committed entry is a
// fatal corruption, never a silent skip.
type OpType uint32

const (
	OpCreateInode OpType = iota + 1
	OpHardlink
	OpUnlink
	OpRename
	OpWrite
	OpTruncate
	OpSetAttr
	OpSetXattr
	OpRemoveXattr
)

func (op OpType) String() string {
	switch op {
	case OpCreateInode:
		return "CreateInode"
	case OpHardlink:
		return "Hardlink"
	case OpUnlink:
		return "Unlink"
	case OpRename:
		return "Rename"
	case OpWrite:
		return "Write"
	case OpTruncate:
		return "Truncate"
	case OpSetAttr:
		return "SetAttr"
	case OpSetXattr:
		return "SetXattr"
	case OpRemoveXattr:
		return "RemoveXattr"
	default:
		return "Unknown"
	}
}

type (
	CreateInodeOp struct {
		Parent InodeID `msgpack:"p"`
		Name   string  `msgpack:"n"`
		Kind   Kind    `msgpack:"k"`
		Mode   uint32  `msgpack:"m"`
		UID    uint32  `msgpack:"u"`
		GID    uint32  `msgpack:"g"`
		// Target is the symlink destination, empty otherwise.
		Target string `msgpack:"t,omitempty"`
	}

	// CreateInodeResult reports the identifier minted for the new inode so
	// every replica allocates the same one deterministically.
	CreateInodeResult struct {
		Ino InodeID `msgpack:"i"`
	}

	HardlinkOp struct {
		Ino       InodeID `msgpack:"i"`
		NewParent InodeID `msgpack:"p"`
		NewName   string  `msgpack:"n"`
	}

	UnlinkOp struct {
		Parent InodeID `msgpack:"p"`
		Name   string  `msgpack:"n"`
		// Rmdir requires the target to be an empty directory; otherwise the
		// target must not be a directory.
		Rmdir bool `msgpack:"r,omitempty"`
	}

	RenameOp struct {
		Parent    InodeID `msgpack:"p"`
		Name      string  `msgpack:"n"`
		NewParent InodeID `msgpack:"np"`
		NewName   string  `msgpack:"nn"`
	}

	// WriteOp carries both the block placement and the raw block bytes.
	// Digests are computed by the proposer before proposal; apply only
	// stores, it never hashes.
	WriteOp struct {
		Ino    InodeID    `msgpack:"i"`
		Offset uint64     `msgpack:"o"`
		Blocks []BlockRef `msgpack:"b"`
		Data   []byte     `msgpack:"d"`
	}

	TruncateOp struct {
		Ino  InodeID `msgpack:"i"`
		Size uint64  `msgpack:"s"`
	}

	// SetAttrOp updates only the fields whose Set* flag is on.
	SetAttrOp struct {
		Ino      InodeID `msgpack:"i"`
		SetMode  bool    `msgpack:"sm,omitempty"`
		Mode     uint32  `msgpack:"m,omitempty"`
		SetOwner bool    `msgpack:"so,omitempty"`
		UID      uint32  `msgpack:"u,omitempty"`
		GID      uint32  `msgpack:"g,omitempty"`
		SetTimes bool    `msgpack:"st,omitempty"`
		Atime    int64   `msgpack:"at,omitempty"`
		Mtime    int64   `msgpack:"mt,omitempty"`
	}

	SetXattrOp struct {
		Ino   InodeID `msgpack:"i"`
		Key   string  `msgpack:"k"`
		Value []byte  `msgpack:"v"`
	}

	RemoveXattrOp struct {
		Ino InodeID `msgpack:"i"`
		Key string  `msgpack:"k"`
	}
)
