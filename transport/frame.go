package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

// Frame layout: [4-byte big-endian length][1-byte kind][payload]. The length
// counts the kind byte plus the payload, so an empty payload frames as
// length 1.
const (
	frameHeaderSize = 4

	// MaxFrameSize bounds a single frame: the largest legitimate frames are
	// snapshot chunks and block transfers, both produced well under this.
	MaxFrameSize = 128 << 20
)

var (
	ErrFrameTooLarge = fmt.Errorf("transport: frame exceeds %d bytes", MaxFrameSize)
	ErrBadFrame      = fmt.Errorf("transport: malformed frame")
)

func WriteFrame(w io.Writer, kind proto.MessageKind, payload []byte) error {
	if len(payload)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[frameHeaderSize] = byte(kind)
	copy(buf[frameHeaderSize+1:], payload)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) (proto.MessageKind, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 1 {
		return 0, nil, ErrBadFrame
	}
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return proto.MessageKind(body[0]), body[1:], nil
}

// peerKindOf maps a raft message type onto the wire's peer frame kinds. All
// leader-to-follower replication traffic, heartbeats included, rides
// AppendEntries frames; the payload carries the exact raftpb type.
func peerKindOf(t raftpb.MessageType) proto.MessageKind {
	switch t {
	case raftpb.MsgVote, raftpb.MsgPreVote:
		return proto.KindVoteRequest
	case raftpb.MsgVoteResp, raftpb.MsgPreVoteResp:
		return proto.KindVoteResponse
	case raftpb.MsgAppResp, raftpb.MsgHeartbeatResp:
		return proto.KindAppendEntriesResponse
	default:
		return proto.KindAppendEntries
	}
}

// snapshotFrame is the InstallSnapshot payload. The first frame of a stream
// (Seq 0) carries the raft MsgSnap header and the sender's member table;
// every following frame carries one state machine chunk. Final marks the
// last frame; a Final frame with no chunk is a bare terminator.
type snapshotFrame struct {
	ID      string        `msgpack:"id"`
	Seq     uint32        `msgpack:"s"`
	Final   bool          `msgpack:"f,omitempty"`
	Header  []byte        `msgpack:"h,omitempty"`
	Members []raft.Member `msgpack:"m,omitempty"`
	Chunk   []byte        `msgpack:"c,omitempty"`
}

type snapshotAck struct {
	ID   string        `msgpack:"id"`
	Code proto.ErrCode `msgpack:"c"`
	Msg  string        `msgpack:"m,omitempty"`
}

// BlockTransferHeader leads a BlockTransfer payload; the raw block bytes
// follow it unencoded: [2-byte header length][msgpack header][data].
type BlockTransferHeader struct {
	Code   proto.ErrCode `msgpack:"c"`
	Msg    string        `msgpack:"m,omitempty"`
	Digest proto.Digest  `msgpack:"dg,omitempty"`
	Offset uint32        `msgpack:"o,omitempty"`
	Length uint32        `msgpack:"l,omitempty"`
}

func EncodeBlockTransfer(hdr BlockTransferHeader, data []byte) ([]byte, error) {
	h, err := proto.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	if len(h) > 0xffff {
		return nil, ErrBadFrame
	}
	payload := make([]byte, 2+len(h)+len(data))
	binary.BigEndian.PutUint16(payload, uint16(len(h)))
	copy(payload[2:], h)
	copy(payload[2+len(h):], data)
	return payload, nil
}

func DecodeBlockTransfer(payload []byte) (BlockTransferHeader, []byte, error) {
	hdr := BlockTransferHeader{}
	if len(payload) < 2 {
		return hdr, nil, ErrBadFrame
	}
	hlen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+hlen {
		return hdr, nil, ErrBadFrame
	}
	if err := proto.Unmarshal(payload[2:2+hlen], &hdr); err != nil {
		return hdr, nil, err
	}
	return hdr, payload[2+hlen:], nil
}
