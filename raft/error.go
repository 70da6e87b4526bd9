package raft

import "errors"

var (
	ErrStopped       = errors.New("raft: node has been stopped")
	ErrStaleSnapshot = errors.New("raft: snapshot is older than applied state")
)
