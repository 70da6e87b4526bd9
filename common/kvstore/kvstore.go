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

// Package kvstore is the durable local substrate every replicated mutation
// lands in: raft log segments, hard state, inode and dentry tables, block
// contents. Column families are mapped onto a one byte key prefix; the
// column set and its order are fixed at open time and must not change
// between restarts.
package kvstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("key not found")
	ErrColumnNotFound  = errors.New("column family not registered")
	ErrStoreClosed     = errors.New("kvstore closed")
	ErrInvalidColumnID = errors.New("too many column families")
)

type CF string

func (cf CF) String() string { return string(cf) }

type (
	Store interface {
		// Get returns a copy of the value. ErrNotFound when absent.
		Get(ctx context.Context, col CF, key []byte) ([]byte, error)
		Set(ctx context.Context, col CF, key, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// View runs fn against a consistent read transaction.
		View(ctx context.Context, fn func(txn ReadTxn) error) error
		// Update runs fn inside a read/write transaction that commits when
		// fn returns nil and rolls back otherwise. A committed transaction
		// is durable before Update returns.
		Update(ctx context.Context, fn func(txn Txn) error) error
		NewWriteBatch() WriteBatch
		// Write commits the batch atomically inside one transaction.
		Write(ctx context.Context, batch WriteBatch) error
		// BulkWrite loads arbitrarily large key sets without transaction
		// size limits. Used for snapshot install only, never for applies.
		BulkWrite(ctx context.Context, batch WriteBatch) error
		NewSnapshot() Snapshot
		// List iterates col keys with the given prefix starting after
		// marker. A nil snapshot reads the latest committed state.
		List(ctx context.Context, col CF, prefix, marker []byte, snap Snapshot) (ListReader, error)
		// DropColumn removes every key of the column family.
		DropColumn(ctx context.Context, col CF) error
		Flush(ctx context.Context) error
		Close() error
	}

	ReadTxn interface {
		Get(col CF, key []byte) ([]byte, error)
	}

	Txn interface {
		ReadTxn
		Set(col CF, key, value []byte) error
		Delete(col CF, key []byte) error
	}

	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Len() int
		Close()
	}

	Snapshot interface {
		Close()
	}

	ListReader interface {
		// Next returns ErrNotFound past the last key. Returned slices are
		// valid until the next call.
		Next() (key []byte, value []byte, err error)
		// SeekForPrev positions on the last key <= target within the prefix;
		// the following Next returns it.
		SeekForPrev(target []byte) error
		Close()
	}

	Option struct {
		ColumnFamilies []CF  `json:"column_families"`
		SyncWrites     *bool `json:"sync_writes,omitempty"`
		// MemTableSizeMB and ValueThreshold pass through to the engine; zero
		// keeps the engine default.
		MemTableSizeMB int `json:"mem_table_size_mb,omitempty"`
		ValueThreshold int `json:"value_threshold,omitempty"`
		ReadOnly       bool `json:"read_only,omitempty"`
	}
)
