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

// Package catalog is the replicated filesystem state machine: the inode,
// dentry and xattr tables, the content addressed block store, and the
// applier that folds committed log entries into them.
package catalog

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/metrics"
	"github.com/raftfs/raftfs/proto"
)

const (
	CFInode    kvstore.CF = "inode"
	CFDentry   kvstore.CF = "dentry"
	CFXattr    kvstore.CF = "xattr"
	CFBlock    kvstore.CF = "block"
	CFBlockRef kvstore.CF = "blockref"
	CFDedup    kvstore.CF = "dedup"
	CFMeta     kvstore.CF = "meta"
)

// ColumnFamilies returns the catalog's column set in registration order.
// The order is part of the on-disk format.
func ColumnFamilies() []kvstore.CF {
	return []kvstore.CF{CFInode, CFDentry, CFXattr, CFBlock, CFBlockRef, CFDedup, CFMeta}
}

var (
	metaAppliedKey = []byte("applied")
	metaNextInoKey = []byte("nextino")
	metaStatsKey   = []byte("stats")

	orphanPrefix = []byte("orphan/")
)

// RenameDirPolicy governs rename onto an existing directory.
type RenameDirPolicy string

const (
	// RenameDirReject refuses any rename onto an existing directory.
	RenameDirReject RenameDirPolicy = "reject"
	// RenameDirReplace allows replacing an empty directory; renaming onto a
	// non empty one is still a conflict.
	RenameDirReplace RenameDirPolicy = "replace"
)

type Config struct {
	RenameDirPolicy RenameDirPolicy `json:"rename_dir_policy"`
	// BlockGCGraceS is how long an unreferenced block survives before the
	// compaction job reclaims it.
	BlockGCGraceS int `json:"block_gc_grace_s"`
	// DedupRetentionS is how long an applied request id outcome is kept for
	// retry deduplication. Must exceed any client's retry window.
	DedupRetentionS int `json:"dedup_retention_s"`

	KV     kvstore.Store `json:"-"`
	Logger *zap.Logger   `json:"-"`
}

// Catalog owns the filesystem tables. Mutations arrive only through the
// applier (sm.go), one transaction per committed entry; reads go through
// snapshot-consistent view transactions and never block the applier.
type Catalog struct {
	kv  kvstore.Store
	cfg *Config

	applied uint64
	waitMu  sync.Mutex
	waiters []appliedWaiter
	leader  atomic.Uint64
	// applyMu serializes entry application against snapshot install.
	applyMu     sync.Mutex
	blockFlight singleflight.Group

	lg *zap.SugaredLogger
}

type appliedWaiter struct {
	index uint64
	ch    chan struct{}
}

func NewCatalog(cfg *Config) (*Catalog, error) {
	if cfg.RenameDirPolicy == "" {
		cfg.RenameDirPolicy = RenameDirReject
	}
	if cfg.BlockGCGraceS <= 0 {
		cfg.BlockGCGraceS = 300
	}
	if cfg.DedupRetentionS <= 0 {
		cfg.DedupRetentionS = 3600
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Catalog{
		kv:  cfg.KV,
		cfg: cfg,
		lg:  cfg.Logger.Sugar().Named("catalog"),
	}

	ctx := context.Background()
	applied, err := c.loadAppliedIndex(ctx)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&c.applied, applied)

	if err := c.bootstrapRoot(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// AppliedIndex is the last log index durably folded into the tables. The
// raft node restarts entry delivery from here.
func (c *Catalog) AppliedIndex() uint64 {
	return atomic.LoadUint64(&c.applied)
}

// WaitApplied blocks until the applier reaches index or ctx expires. Read
// freshness checks hang off this.
func (c *Catalog) WaitApplied(ctx context.Context, index uint64) error {
	if c.AppliedIndex() >= index {
		return nil
	}
	ch := make(chan struct{})
	c.waitMu.Lock()
	if c.AppliedIndex() >= index {
		c.waitMu.Unlock()
		return nil
	}
	c.waiters = append(c.waiters, appliedWaiter{index: index, ch: ch})
	c.waitMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) advanceApplied(index uint64) {
	atomic.StoreUint64(&c.applied, index)
	metrics.AppliedIndex.Set(float64(index))

	c.waitMu.Lock()
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.index <= index {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	c.waitMu.Unlock()
}

func (c *Catalog) loadAppliedIndex(ctx context.Context) (uint64, error) {
	v, err := c.kv.Get(ctx, CFMeta, metaAppliedKey)
	if err == kvstore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// bootstrapRoot writes the root directory on first boot. The record is a
// fixed constant so every replica starts from identical state.
func (c *Catalog) bootstrapRoot(ctx context.Context) error {
	_, err := c.kv.Get(ctx, CFInode, encodeInoKey(proto.RootInode))
	if err == nil {
		return nil
	}
	if err != kvstore.ErrNotFound {
		return err
	}

	return c.kv.Update(ctx, func(txn kvstore.Txn) error {
		root := proto.Inode{
			ID:    proto.RootInode,
			Kind:  proto.KindDir,
			Links: 2,
			Mode:  0o755,
		}
		if err := setInode(txn, &root); err != nil {
			return err
		}
		if err := txn.Set(CFMeta, metaNextInoKey, encodeUint64(proto.RootInode+1)); err != nil {
			return err
		}
		return setStats(txn, &fsStats{Inodes: 1})
	})
}

// fsStats is the transactionally maintained Statfs source of truth.
type fsStats struct {
	Inodes     uint64 `msgpack:"i"`
	Blocks     uint64 `msgpack:"b"`
	BlockBytes uint64 `msgpack:"bb"`
}

func getStats(txn kvstore.ReadTxn) (*fsStats, error) {
	v, err := txn.Get(CFMeta, metaStatsKey)
	if err == kvstore.ErrNotFound {
		return &fsStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	st := &fsStats{}
	if err := proto.Unmarshal(v, st); err != nil {
		return nil, err
	}
	return st, nil
}

func setStats(txn kvstore.Txn, st *fsStats) error {
	v, err := proto.Marshal(st)
	if err != nil {
		return err
	}
	return txn.Set(CFMeta, metaStatsKey, v)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
