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
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

const snapshotChunkTargetBytes = 1 << 20

// snapshotChunk is one compressed unit of the snapshot stream: a run of
// key/value pairs from a single column family.
type snapshotChunk struct {
	CF    string         `msgpack:"cf"`
	Items []snapshotItem `msgpack:"it"`
}

type snapshotItem struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// Snapshot freezes the catalog at its current applied index. The caller
// (the raft log storage) streams chunks and must Close it. Term is stamped
// into the snapshot metadata by the log storage, not here.
func (sm *catalogSM) Snapshot() (raft.Snapshot, error) {
	c := (*Catalog)(sm)
	snap := c.kv.NewSnapshot()
	return &catalogSnapshot{
		c:     c,
		snap:  snap,
		index: c.AppliedIndex(),
		cfs:   ColumnFamilies(),
	}, nil
}

type catalogSnapshot struct {
	c     *Catalog
	snap  kvstore.Snapshot
	index uint64

	cfs []kvstore.CF
	lr  kvstore.ListReader
}

func (s *catalogSnapshot) Index() uint64 { return s.index }

func (s *catalogSnapshot) Term() uint64 { return 0 }

// ReadChunk returns the next compressed chunk, io.EOF after the last one.
func (s *catalogSnapshot) ReadChunk() ([]byte, error) {
	ctx := context.Background()
	chunk := snapshotChunk{}
	size := 0

	for size < snapshotChunkTargetBytes {
		if len(s.cfs) == 0 {
			break
		}
		if s.lr == nil {
			lr, err := s.c.kv.List(ctx, s.cfs[0], nil, nil, s.snap)
			if err != nil {
				return nil, err
			}
			s.lr = lr
		}
		// one column family per chunk keeps restore simple
		if chunk.CF != "" && chunk.CF != s.cfs[0].String() {
			break
		}

		key, val, err := s.lr.Next()
		if err == kvstore.ErrNotFound {
			s.lr.Close()
			s.lr = nil
			s.cfs = s.cfs[1:]
			if len(chunk.Items) > 0 {
				break
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if chunk.CF == "" {
			chunk.CF = s.cfs[0].String()
		}
		chunk.Items = append(chunk.Items, snapshotItem{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), val...),
		})
		size += len(key) + len(val)
	}

	if len(chunk.Items) == 0 {
		return nil, io.EOF
	}
	raw, err := proto.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

func (s *catalogSnapshot) Close() error {
	if s.lr != nil {
		s.lr.Close()
		s.lr = nil
	}
	s.snap.Close()
	return nil
}

// ApplySnapshot replaces the whole catalog with the streamed snapshot. The
// tables are dropped first; a failure mid-stream leaves the node needing a
// new snapshot either way, so there is no partial-install recovery.
func (sm *catalogSM) ApplySnapshot(ctx context.Context, snap raft.Snapshot) error {
	c := (*Catalog)(sm)
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	for _, cf := range ColumnFamilies() {
		if err := c.kv.DropColumn(ctx, cf); err != nil {
			return err
		}
	}

	for {
		data, err := snap.ReadChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		raw, err := s2.Decode(nil, data)
		if err != nil {
			return err
		}
		chunk := snapshotChunk{}
		if err := proto.Unmarshal(raw, &chunk); err != nil {
			return err
		}
		batch := c.kv.NewWriteBatch()
		for _, item := range chunk.Items {
			batch.Put(kvstore.CF(chunk.CF), item.Key, item.Value)
		}
		if err := c.kv.BulkWrite(ctx, batch); err != nil {
			batch.Close()
			return err
		}
	}

	if err := c.kv.Set(ctx, CFMeta, metaAppliedKey, encodeUint64(snap.Index())); err != nil {
		return err
	}
	if err := c.kv.Flush(ctx); err != nil {
		return err
	}

	c.advanceApplied(snap.Index())
	c.lg.Infow("catalog restored from snapshot", "index", snap.Index())
	return nil
}
