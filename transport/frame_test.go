package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftfs/raftfs/proto"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	require.NoError(t, WriteFrame(&buf, proto.KindClientPropose, payload))

	kind, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, proto.KindClientPropose, kind)
	require.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, proto.KindAppendEntries, nil))
	// length counts the kind byte only
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	kind, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, proto.KindAppendEntries, kind)
	require.Len(t, got, 0)
}

func TestFrameBounds(t *testing.T) {
	// zero length is never valid, kind byte is mandatory
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	buf.Write(hdr)
	_, _, err := ReadFrame(&buf)
	require.Equal(t, ErrBadFrame, err)

	buf.Reset()
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)
	buf.Write(hdr)
	_, _, err = ReadFrame(&buf)
	require.Equal(t, ErrFrameTooLarge, err)
}

func TestPeerKindOf(t *testing.T) {
	require.Equal(t, proto.KindVoteRequest, peerKindOf(raftpb.MsgVote))
	require.Equal(t, proto.KindVoteRequest, peerKindOf(raftpb.MsgPreVote))
	require.Equal(t, proto.KindVoteResponse, peerKindOf(raftpb.MsgVoteResp))
	require.Equal(t, proto.KindVoteResponse, peerKindOf(raftpb.MsgPreVoteResp))
	require.Equal(t, proto.KindAppendEntriesResponse, peerKindOf(raftpb.MsgAppResp))
	require.Equal(t, proto.KindAppendEntriesResponse, peerKindOf(raftpb.MsgHeartbeatResp))
	require.Equal(t, proto.KindAppendEntries, peerKindOf(raftpb.MsgApp))
	require.Equal(t, proto.KindAppendEntries, peerKindOf(raftpb.MsgHeartbeat))
}

func TestBlockTransferCodec(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	hdr := BlockTransferHeader{
		Code:   proto.CodeOK,
		Digest: proto.DigestOf(data),
		Offset: 0,
		Length: uint32(len(data)),
	}
	payload, err := EncodeBlockTransfer(hdr, data)
	require.NoError(t, err)

	gotHdr, gotData, err := DecodeBlockTransfer(payload)
	require.NoError(t, err)
	require.Equal(t, hdr.Code, gotHdr.Code)
	require.Equal(t, hdr.Digest, gotHdr.Digest)
	require.Equal(t, hdr.Length, gotHdr.Length)
	require.Equal(t, data, gotData)

	// truncated payloads
	_, _, err = DecodeBlockTransfer(payload[:1])
	require.Equal(t, ErrBadFrame, err)
	_, _, err = DecodeBlockTransfer(payload[:3])
	require.Equal(t, ErrBadFrame, err)
}
