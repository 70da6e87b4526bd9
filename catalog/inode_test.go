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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftfs/raftfs/proto"
)

func ref(offset uint64, length uint32, tag byte) proto.BlockRef {
	return proto.BlockRef{Offset: offset, Length: length, Digest: proto.DigestOf([]byte{tag})}
}

func TestSpliceBlocks(t *testing.T) {
	blocks := []proto.BlockRef{ref(0, 10, 'a'), ref(10, 10, 'b'), ref(20, 10, 'c')}

	// exact replacement of the middle extent
	repl := []proto.BlockRef{ref(10, 10, 'x')}
	out, dropped, err := spliceBlocks(blocks, 10, 10, repl)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, repl[0].Digest, out[1].Digest)
	require.Len(t, dropped, 1)
	require.Equal(t, blocks[1].Digest, dropped[0].Digest)

	// spanning replacement drops both covered extents
	repl = []proto.BlockRef{ref(0, 20, 'y')}
	out, dropped, err = spliceBlocks(blocks, 0, 20, repl)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, dropped, 2)

	// appending past the end drops nothing
	repl = []proto.BlockRef{ref(30, 5, 'z')}
	out, dropped, err = spliceBlocks(blocks, 30, 5, repl)
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Empty(t, dropped)
	require.Equal(t, uint64(30), out[3].Offset)

	// partial overlap with an existing extent is a conflict
	_, _, err = spliceBlocks(blocks, 5, 10, []proto.BlockRef{ref(5, 10, 'w')})
	require.Equal(t, proto.ErrConflict, err)
	_, _, err = spliceBlocks(blocks, 25, 10, []proto.BlockRef{ref(25, 10, 'w')})
	require.Equal(t, proto.ErrConflict, err)

	// write into an empty file
	out, dropped, err = spliceBlocks(nil, 0, 10, []proto.BlockRef{ref(0, 10, 'a')})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Empty(t, dropped)
}

func TestTruncateBlocks(t *testing.T) {
	mk := func() []proto.BlockRef {
		return []proto.BlockRef{ref(0, 10, 'a'), ref(10, 10, 'b'), ref(20, 10, 'c')}
	}

	// boundary exactly between extents
	out, dropped := truncateBlocks(mk(), 20)
	require.Len(t, out, 2)
	require.Len(t, dropped, 1)
	require.Equal(t, proto.DigestOf([]byte{'c'}), dropped[0].Digest)

	// boundary inside an extent clamps it but keeps the reference
	out, dropped = truncateBlocks(mk(), 15)
	require.Len(t, out, 2)
	require.Len(t, dropped, 1)
	require.Equal(t, uint32(5), out[1].Length)
	require.Equal(t, proto.DigestOf([]byte{'b'}), out[1].Digest)

	// truncate to zero drops everything
	out, dropped = truncateBlocks(mk(), 0)
	require.Empty(t, out)
	require.Len(t, dropped, 3)

	// growing truncate keeps the list untouched
	out, dropped = truncateBlocks(mk(), 100)
	require.Len(t, out, 3)
	require.Empty(t, dropped)
}

func TestKeyEncoding(t *testing.T) {
	k1 := encodeDentryKey(7, "a")
	k2 := encodeDentryKey(7, "b")
	k3 := encodeDentryKey(8, "a")
	require.Less(t, string(k1), string(k2))
	require.Less(t, string(k2), string(k3))
	require.Equal(t, encodeInoKey(7), k1[:8])

	o := encodeOrphanKey(42)
	require.Equal(t, proto.InodeID(42), decodeOrphanKey(o))
}
