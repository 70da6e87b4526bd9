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
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftfs/raftfs/proto"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	src := newTestCatalog(t, nil)
	defer src.close()
	dst := newTestCatalog(t, nil)
	defer dst.close()
	ctx := context.TODO()

	dir := src.mkdir(t, proto.RootInode, "d")
	var files []proto.InodeID
	for i := 0; i < 64; i++ {
		f := src.mkfile(t, dir, fmt.Sprintf("f%03d", i))
		data := []byte(fmt.Sprintf("content of file %d", i))
		require.Equal(t, proto.CodeOK, src.write(t, f, 0, data).Code)
		files = append(files, f)
	}
	res := src.propose(t, proto.OpSetXattr, proto.SetXattrOp{Ino: files[0], Key: "user.mark", Value: []byte("yes")})
	require.Equal(t, proto.CodeOK, res.Code)

	// stale state on the target must not survive the install
	dst.mkfile(t, proto.RootInode, "stale")

	snap, err := src.sm.Snapshot()
	require.NoError(t, err)
	require.Equal(t, src.AppliedIndex(), snap.Index())

	require.NoError(t, dst.sm.ApplySnapshot(ctx, snap))
	require.NoError(t, snap.Close())

	require.Equal(t, src.AppliedIndex(), dst.AppliedIndex())
	_, err = dst.PathLookup(ctx, "/stale")
	require.Equal(t, proto.ErrNotFound, err)

	for i, f := range files {
		inode, err := dst.GetAttr(ctx, f)
		require.NoError(t, err)
		want := []byte(fmt.Sprintf("content of file %d", i))
		require.Equal(t, uint64(len(want)), inode.Size)
		got, err := dst.ReadBlock(ctx, inode.Blocks[0].Digest, 0, 0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	v, err := dst.GetXattr(ctx, files[0], "user.mark")
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), v)

	srcStats, err := src.Statfs(ctx)
	require.NoError(t, err)
	dstStats, err := dst.Statfs(ctx)
	require.NoError(t, err)
	require.Equal(t, srcStats.Inodes, dstStats.Inodes)
	require.Equal(t, srcStats.Blocks, dstStats.Blocks)
	require.Equal(t, srcStats.BlockBytes, dstStats.BlockBytes)

	// the restored node keeps allocating ids after the snapshot's last one
	next := dst.mkfileAt(t, proto.RootInode, "after", src.AppliedIndex()+1)
	require.Greater(t, next, files[len(files)-1])
}

// mkfileAt applies a create at an explicit log index, for resuming after a
// snapshot install.
func (tc *testCatalog) mkfileAt(t *testing.T, parent proto.InodeID, name string, index uint64) proto.InodeID {
	tc.index = index - 1
	return tc.mkfile(t, parent, name)
}

func TestSnapshot_FrozenView(t *testing.T) {
	tc := newTestCatalog(t, nil)
	defer tc.close()

	tc.mkfile(t, proto.RootInode, "before")
	snap, err := tc.sm.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	// mutations after the freeze do not leak into the stream
	tc.mkfile(t, proto.RootInode, "after")

	var chunks [][]byte
	for {
		chunk, err := snap.ReadChunk()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.NotEmpty(t, chunks)

	dst := newTestCatalog(t, nil)
	defer dst.close()
	require.NoError(t, dst.sm.ApplySnapshot(context.TODO(), &replaySnapshot{chunks: chunks, index: snap.Index()}))

	_, err = dst.PathLookup(context.TODO(), "/before")
	require.NoError(t, err)
	_, err = dst.PathLookup(context.TODO(), "/after")
	require.Equal(t, proto.ErrNotFound, err)
}

// replaySnapshot feeds pre-read chunks back through ApplySnapshot, standing in
// for the transport's incoming stream.
type replaySnapshot struct {
	chunks [][]byte
	index  uint64
}

func (s *replaySnapshot) ReadChunk() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *replaySnapshot) Index() uint64 { return s.index }
func (s *replaySnapshot) Term() uint64  { return 0 }
func (s *replaySnapshot) Close() error  { return nil }
