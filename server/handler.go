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

package server

import (
	"context"
	"errors"
	"time"

	"github.com/raftfs/raftfs/catalog"
	"github.com/raftfs/raftfs/metrics"
	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

// HandlePropose replicates one mutation. Only the leader proposes; everyone
// else answers NotLeader with a redirect hint so the client can re-dial.
func (s *Server) HandlePropose(ctx context.Context, req *proto.ProposeRequest) *proto.ProposeResponse {
	if !s.node.IsLeader() {
		return s.notLeaderResponse()
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ProposeTimeoutS)*time.Second)
	defer cancel()

	pd := raft.ProposalData{
		Op:    uint32(req.Op),
		Data:  req.Data,
		ReqID: req.ReqID,
		Time:  time.Now().UnixNano(),
	}
	start := time.Now()
	ret, err := s.node.Propose(ctx, &pd)
	metrics.ProposalDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, proto.ErrNotLeader) {
			return s.notLeaderResponse()
		}
		code := proto.CodeOf(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// neither committed nor rejected: the client owns the retry
			code = proto.CodeUnavailable
		}
		return &proto.ProposeResponse{Code: code, Msg: err.Error()}
	}

	res, ok := ret.Data.(*catalog.Result)
	if !ok || res == nil {
		return &proto.ProposeResponse{Code: proto.CodeOK, Index: ret.Index}
	}
	return &proto.ProposeResponse{
		Code:   res.Code,
		Msg:    res.Msg,
		Index:  ret.Index,
		Result: res.Data,
	}
}

func (s *Server) notLeaderResponse() *proto.ProposeResponse {
	resp := &proto.ProposeResponse{Code: proto.CodeNotLeader, Msg: proto.ErrNotLeader.Error()}
	if leader := s.node.Leader(); leader != 0 {
		resp.Leader = leader
		if addr, err := s.cfg.PeerConfig.Resolver.Resolve(leader); err == nil {
			resp.LeaderAddr = addr
		}
	}
	return resp
}

// HandleRead serves metadata and block queries at the requested freshness:
// Strict runs a leader read-index barrier first, MinIndex waits briefly for
// the local applier, and a node that cannot satisfy either answers
// Unavailable so the client retries elsewhere.
func (s *Server) HandleRead(ctx context.Context, req *proto.ReadRequest) *proto.ReadResponse {
	minIndex := req.MinIndex
	if req.Strict {
		idxCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ReadWaitTimeoutS)*time.Second)
		idx, err := s.node.ReadIndex(idxCtx)
		cancel()
		if err != nil {
			return &proto.ReadResponse{Code: proto.CodeUnavailable, Msg: "read index: " + err.Error()}
		}
		if idx > minIndex {
			minIndex = idx
		}
	}
	if minIndex > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ReadWaitTimeoutS)*time.Second)
		err := s.catalog.WaitApplied(waitCtx, minIndex)
		cancel()
		if err != nil {
			return &proto.ReadResponse{Code: proto.CodeUnavailable, Msg: "node lagging behind requested index"}
		}
	}

	data, err := s.serveQuery(ctx, req)
	if err != nil {
		return &proto.ReadResponse{Code: proto.CodeOf(err), Msg: err.Error(), Index: s.catalog.AppliedIndex()}
	}
	return &proto.ReadResponse{Code: proto.CodeOK, Index: s.catalog.AppliedIndex(), Data: data}
}

func (s *Server) serveQuery(ctx context.Context, req *proto.ReadRequest) ([]byte, error) {
	switch req.Query {
	case proto.QueryGetAttr:
		q := proto.GetAttrRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		inode, err := s.catalog.GetAttr(ctx, q.Ino)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(inode)
	case proto.QueryLookup:
		q := proto.LookupRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		dent, err := s.catalog.Lookup(ctx, q.Parent, q.Name)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(dent)
	case proto.QueryPathLookup:
		q := proto.PathLookupRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		inode, err := s.catalog.PathLookup(ctx, q.Path)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(inode)
	case proto.QueryReadDir:
		q := proto.ReadDirRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		entries, err := s.catalog.ReadDir(ctx, q.Ino, q.Marker, q.Limit)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(proto.ReadDirResponse{Entries: entries})
	case proto.QueryGetXattr:
		q := proto.GetXattrRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		// xattr values are raw bytes, no envelope
		return s.catalog.GetXattr(ctx, q.Ino, q.Key)
	case proto.QueryListXattrs:
		q := proto.ListXattrsRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		keys, err := s.catalog.ListXattrs(ctx, q.Ino)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(proto.ListXattrsResponse{Keys: keys})
	case proto.QueryStatfs:
		st, err := s.catalog.Statfs(ctx)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(st)
	case proto.QueryReadBlock:
		q := proto.ReadBlockRequest{}
		if err := proto.Unmarshal(req.Data, &q); err != nil {
			return nil, proto.ErrInvalidOp
		}
		return s.catalog.ReadBlock(ctx, q.Digest, q.Offset, q.Length)
	default:
		return nil, proto.ErrInvalidOp
	}
}
