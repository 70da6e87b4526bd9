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
	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind is the one byte discriminant that follows the length prefix of
// every wire frame. Peer traffic and client traffic share one listener and
// are told apart by kind.
type MessageKind uint8

const (
	KindVoteRequest MessageKind = iota + 1
	KindVoteResponse
	KindAppendEntries
	KindAppendEntriesResponse
	KindInstallSnapshot
	KindInstallSnapshotResponse
	KindClientPropose
	KindClientProposeResponse
	KindClientRead
	KindClientReadResponse
	KindBlockTransfer
)

func (k MessageKind) IsPeer() bool {
	return k >= KindVoteRequest && k <= KindInstallSnapshotResponse
}

func (k MessageKind) String() string {
	switch k {
	case KindVoteRequest:
		return "VoteRequest"
	case KindVoteResponse:
		return "VoteResponse"
	case KindAppendEntries:
		return "AppendEntries"
	case KindAppendEntriesResponse:
		return "AppendEntriesResponse"
	case KindInstallSnapshot:
		return "InstallSnapshot"
	case KindInstallSnapshotResponse:
		return "InstallSnapshotResponse"
	case KindClientPropose:
		return "ClientPropose"
	case KindClientProposeResponse:
		return "ClientProposeResponse"
	case KindClientRead:
		return "ClientRead"
	case KindClientReadResponse:
		return "ClientReadResponse"
	case KindBlockTransfer:
		return "BlockTransfer"
	default:
		return "Unknown"
	}
}

type QueryType uint8

const (
	QueryGetAttr QueryType = iota + 1
	QueryLookup
	QueryPathLookup
	QueryReadDir
	QueryGetXattr
	QueryListXattrs
	QueryStatfs
	QueryReadBlock
)

type (
	// ProposeRequest is the ClientPropose frame payload. ReqID is a client
	// generated identifier used by the applier to deduplicate retried
	// proposals, so re-proposing after a timeout is always safe.
	ProposeRequest struct {
		ReqID string `msgpack:"rid"`
		Op    OpType `msgpack:"op"`
		Data  []byte `msgpack:"d"`
	}

	ProposeResponse struct {
		Code   ErrCode `msgpack:"c"`
		Msg    string  `msgpack:"m,omitempty"`
		Index  uint64  `msgpack:"i,omitempty"`
		Leader uint64  `msgpack:"l,omitempty"`
		// LeaderAddr is a redirect hint filled on NotLeader responses when
		// the rejected node believes it knows the current leader.
		LeaderAddr string `msgpack:"la,omitempty"`
		Result     []byte `msgpack:"r,omitempty"`
	}

	// ReadRequest is the ClientRead frame payload. MinIndex is the highest
	// log index the client has observed; a node that has not applied up to
	// it answers Unavailable instead of serving stale state. Strict routes
	// the read through a leader read-index check first.
	ReadRequest struct {
		Query    QueryType `msgpack:"q"`
		MinIndex uint64    `msgpack:"mi,omitempty"`
		Strict   bool      `msgpack:"s,omitempty"`
		Data     []byte    `msgpack:"d"`
	}

	ReadResponse struct {
		Code  ErrCode `msgpack:"c"`
		Msg   string  `msgpack:"m,omitempty"`
		Index uint64  `msgpack:"i,omitempty"`
		Data  []byte  `msgpack:"d,omitempty"`
	}

	GetAttrRequest struct {
		Ino InodeID `msgpack:"i"`
	}
	LookupRequest struct {
		Parent InodeID `msgpack:"p"`
		Name   string  `msgpack:"n"`
	}
	PathLookupRequest struct {
		Path string `msgpack:"p"`
	}
	ReadDirRequest struct {
		Ino    InodeID `msgpack:"i"`
		Marker string  `msgpack:"m,omitempty"`
		Limit  uint32  `msgpack:"l,omitempty"`
	}
	ReadDirResponse struct {
		Entries []Dirent `msgpack:"e"`
	}
	GetXattrRequest struct {
		Ino InodeID `msgpack:"i"`
		Key string  `msgpack:"k"`
	}
	ListXattrsRequest struct {
		Ino InodeID `msgpack:"i"`
	}
	ListXattrsResponse struct {
		Keys []string `msgpack:"k"`
	}
	StatfsResponse struct {
		Inodes       uint64 `msgpack:"i"`
		Blocks       uint64 `msgpack:"b"`
		BlockBytes   uint64 `msgpack:"bb"`
		AppliedIndex uint64 `msgpack:"ai"`
	}
	ReadBlockRequest struct {
		Digest Digest `msgpack:"dg"`
		Offset uint32 `msgpack:"o"`
		Length uint32 `msgpack:"l"`
	}
)

// Marshal encodes small structured records for the wire and the log. Bulk
// block bytes never go through here, they ride raw in BlockTransfer frames.
func Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
