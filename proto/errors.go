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

import "errors"

var (
	ErrNotLeader = errors.New("node is not the leader")
	// ErrUnavailable means the operation was neither committed nor rejected;
	// the caller must retry or query by request id.
	ErrUnavailable  = errors.New("no quorum reachable or node lagging")
	ErrStaleTerm    = errors.New("message from a stale term")
	ErrNotFound     = errors.New("not found")
	ErrExist        = errors.New("entry already exists")
	ErrConflict     = errors.New("conflicting entry")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrDirNotEmpty  = errors.New("directory not empty")
	ErrInvalidOp    = errors.New("invalid operation payload")
	ErrCorruptState = errors.New("local state failed integrity check")
)

// ErrCode is the wire representation of the error taxonomy. Raw transport
// errors never cross the boundary, they are folded into Unavailable by the
// client.
type ErrCode uint32

const (
	CodeOK ErrCode = iota
	CodeNotLeader
	CodeUnavailable
	CodeStaleTerm
	CodeNotFound
	CodeConflict
	CodeInvalid
	CodeCorrupt
)

func CodeOf(err error) ErrCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotLeader):
		return CodeNotLeader
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrStaleTerm):
		return CodeStaleTerm
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrExist), errors.Is(err, ErrConflict),
		errors.Is(err, ErrDirNotEmpty), errors.Is(err, ErrNotDir), errors.Is(err, ErrIsDir):
		return CodeConflict
	case errors.Is(err, ErrInvalidOp):
		return CodeInvalid
	case errors.Is(err, ErrCorruptState):
		return CodeCorrupt
	default:
		return CodeUnavailable
	}
}

func (c ErrCode) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeNotLeader:
		return ErrNotLeader
	case CodeUnavailable:
		return ErrUnavailable
	case CodeStaleTerm:
		return ErrStaleTerm
	case CodeNotFound:
		return ErrNotFound
	case CodeConflict:
		return ErrConflict
	case CodeInvalid:
		return ErrInvalidOp
	case CodeCorrupt:
		return ErrCorruptState
	default:
		return ErrUnavailable
	}
}
