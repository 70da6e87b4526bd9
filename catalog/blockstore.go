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
	"encoding/binary"
	"time"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/metrics"
	"github.com/raftfs/raftfs/proto"
)

// blockRefRecord tracks how many extents reference a block. A count of zero
// does not delete anything; the compaction job reclaims the block after the
// grace period, so a re-write of the same content in the meantime just
// revives the reference.
type blockRefRecord struct {
	Count uint32 `msgpack:"c"`
	// UnrefAt is the apply timestamp at which Count last reached zero.
	UnrefAt int64 `msgpack:"u,omitempty"`
}

func getBlockRef(txn kvstore.ReadTxn, digest proto.Digest) (*blockRefRecord, error) {
	v, err := txn.Get(CFBlockRef, digest[:])
	if err == kvstore.ErrNotFound {
		return nil, proto.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &blockRefRecord{}
	if err := proto.Unmarshal(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func setBlockRef(txn kvstore.Txn, digest proto.Digest, rec *blockRefRecord) error {
	v, err := proto.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(CFBlockRef, digest[:], v)
}

// retainBlock stores the block content if it is not already present and
// increments its reference count. Content is immutable: a digest collision
// with different bytes cannot happen short of a broken proposer, so an
// existing block is never rewritten.
func retainBlock(txn kvstore.Txn, digest proto.Digest, data []byte, st *fsStats) error {
	rec, err := getBlockRef(txn, digest)
	if err == proto.ErrNotFound {
		rec = &blockRefRecord{}
	} else if err != nil {
		return err
	}

	if rec.Count == 0 {
		if _, err := txn.Get(CFBlock, digest[:]); err == kvstore.ErrNotFound {
			if len(data) == 0 {
				return proto.ErrInvalidOp
			}
			if err := txn.Set(CFBlock, digest[:], data); err != nil {
				return err
			}
			st.Blocks++
			st.BlockBytes += uint64(len(data))
		} else if err != nil {
			return err
		}
	}

	rec.Count++
	rec.UnrefAt = 0
	return setBlockRef(txn, digest, rec)
}

// releaseBlock drops one reference. The block itself stays on disk until the
// compaction job finds the zero count past its grace period.
func releaseBlock(txn kvstore.Txn, digest proto.Digest, now int64) error {
	rec, err := getBlockRef(txn, digest)
	if err == proto.ErrNotFound {
		return proto.ErrCorruptState
	}
	if err != nil {
		return err
	}
	if rec.Count == 0 {
		return proto.ErrCorruptState
	}
	rec.Count--
	if rec.Count == 0 {
		rec.UnrefAt = now
	}
	return setBlockRef(txn, digest, rec)
}

// RunCompaction performs one physical reclamation pass: zero linked inodes
// are torn down, zero referenced blocks past the grace period are deleted
// and dedup outcomes older than the retention window are dropped.
// Reclamation is node local; the replicated state already recorded the
// logical deletes.
func (c *Catalog) RunCompaction(ctx context.Context) error {
	if err := c.reclaimOrphans(ctx); err != nil {
		return err
	}
	if err := c.reclaimBlocks(ctx); err != nil {
		return err
	}
	return c.reclaimDedup(ctx)
}

func (c *Catalog) reclaimOrphans(ctx context.Context) error {
	snap := c.kv.NewSnapshot()
	defer snap.Close()

	lr, err := c.kv.List(ctx, CFMeta, orphanPrefix, nil, snap)
	if err != nil {
		return err
	}
	var orphans []proto.InodeID
	for {
		key, _, err := lr.Next()
		if err == kvstore.ErrNotFound {
			break
		}
		if err != nil {
			lr.Close()
			return err
		}
		orphans = append(orphans, decodeOrphanKey(key))
	}
	lr.Close()

	for _, ino := range orphans {
		if err := c.reclaimInode(ctx, ino); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) reclaimInode(ctx context.Context, ino proto.InodeID) error {
	xattrKeys, err := c.listXattrKeysRaw(ctx, ino)
	if err != nil {
		return err
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	now := time.Now().UnixNano()
	return c.kv.Update(ctx, func(txn kvstore.Txn) error {
		inode, err := getInode(txn, ino)
		if err == proto.ErrNotFound {
			return txn.Delete(CFMeta, encodeOrphanKey(ino))
		}
		if err != nil {
			return err
		}
		if inode.Links != 0 {
			// resurrected between scan and reclaim
			return txn.Delete(CFMeta, encodeOrphanKey(ino))
		}

		for _, b := range inode.Blocks {
			if err := releaseBlock(txn, b.Digest, now); err != nil {
				return err
			}
		}
		for _, k := range xattrKeys {
			if err := txn.Delete(CFXattr, k); err != nil {
				return err
			}
		}
		if err := txn.Delete(CFInode, encodeInoKey(ino)); err != nil {
			return err
		}
		st, err := getStats(txn)
		if err != nil {
			return err
		}
		if st.Inodes > 0 {
			st.Inodes--
		}
		if err := setStats(txn, st); err != nil {
			return err
		}
		return txn.Delete(CFMeta, encodeOrphanKey(ino))
	})
}

func (c *Catalog) reclaimBlocks(ctx context.Context) error {
	snap := c.kv.NewSnapshot()
	defer snap.Close()

	lr, err := c.kv.List(ctx, CFBlockRef, nil, nil, snap)
	if err != nil {
		return err
	}
	grace := time.Duration(c.cfg.BlockGCGraceS) * time.Second
	cutoff := time.Now().Add(-grace).UnixNano()

	var expired []proto.Digest
	for {
		key, val, err := lr.Next()
		if err == kvstore.ErrNotFound {
			break
		}
		if err != nil {
			lr.Close()
			return err
		}
		rec := blockRefRecord{}
		if err := proto.Unmarshal(val, &rec); err != nil {
			lr.Close()
			return err
		}
		if rec.Count == 0 && rec.UnrefAt != 0 && rec.UnrefAt < cutoff {
			var d proto.Digest
			copy(d[:], key)
			expired = append(expired, d)
		}
	}
	lr.Close()

	reclaimed := 0
	for _, digest := range expired {
		ok, err := c.reclaimBlock(ctx, digest)
		if err != nil {
			return err
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		c.lg.Infow("compaction reclaimed blocks", "count", reclaimed)
	}
	return nil
}

func (c *Catalog) reclaimBlock(ctx context.Context, digest proto.Digest) (bool, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	deleted := false
	err := c.kv.Update(ctx, func(txn kvstore.Txn) error {
		rec, err := getBlockRef(txn, digest)
		if err == proto.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Count != 0 {
			// revived since the scan
			return nil
		}
		data, err := txn.Get(CFBlock, digest[:])
		if err != nil && err != kvstore.ErrNotFound {
			return err
		}
		if err := txn.Delete(CFBlock, digest[:]); err != nil {
			return err
		}
		if err := txn.Delete(CFBlockRef, digest[:]); err != nil {
			return err
		}
		st, err := getStats(txn)
		if err != nil {
			return err
		}
		if st.Blocks > 0 {
			st.Blocks--
		}
		if n := uint64(len(data)); st.BlockBytes >= n {
			st.BlockBytes -= n
		}
		deleted = true
		return setStats(txn, st)
	})
	if err != nil {
		return false, err
	}
	if deleted {
		c.updateBlockMetrics(ctx)
	}
	return deleted, nil
}

// reclaimDedup drops request id outcomes older than the retention window.
// Past that window no client is still retrying the request, so the record
// can never be consulted again.
func (c *Catalog) reclaimDedup(ctx context.Context) error {
	snap := c.kv.NewSnapshot()
	defer snap.Close()

	lr, err := c.kv.List(ctx, CFDedup, nil, nil, snap)
	if err != nil {
		return err
	}
	retention := time.Duration(c.cfg.DedupRetentionS) * time.Second
	cutoff := time.Now().Add(-retention).UnixNano()

	var expired [][]byte
	for {
		key, val, err := lr.Next()
		if err == kvstore.ErrNotFound {
			break
		}
		if err != nil {
			lr.Close()
			return err
		}
		rec := dedupRecord{}
		if err := proto.Unmarshal(val, &rec); err != nil {
			lr.Close()
			return err
		}
		if rec.Time < cutoff {
			expired = append(expired, append([]byte(nil), key...))
		}
	}
	lr.Close()

	if len(expired) == 0 {
		return nil
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	err = c.kv.Update(ctx, func(txn kvstore.Txn) error {
		for _, key := range expired {
			v, err := txn.Get(CFDedup, key)
			if err == kvstore.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			rec := dedupRecord{}
			if err := proto.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Time >= cutoff {
				// rewritten by a retry since the scan
				continue
			}
			if err := txn.Delete(CFDedup, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.lg.Infow("compaction swept dedup records", "count", len(expired))
	return nil
}

func (c *Catalog) updateBlockMetrics(ctx context.Context) {
	var st *fsStats
	err := c.kv.View(ctx, func(txn kvstore.ReadTxn) error {
		var err error
		st, err = getStats(txn)
		return err
	})
	if err != nil {
		return
	}
	metrics.BlockCount.Set(float64(st.Blocks))
	metrics.BlockBytes.Set(float64(st.BlockBytes))
}

func (c *Catalog) listXattrKeysRaw(ctx context.Context, ino proto.InodeID) ([][]byte, error) {
	lr, err := c.kv.List(ctx, CFXattr, encodeInoKey(ino), nil, nil)
	if err != nil {
		return nil, err
	}
	defer lr.Close()

	var keys [][]byte
	for {
		key, _, err := lr.Next()
		if err == kvstore.ErrNotFound {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, append([]byte(nil), key...))
	}
}

func decodeOrphanKey(key []byte) proto.InodeID {
	return binary.BigEndian.Uint64(key[len(orphanPrefix):])
}
