package raft

import (
	"context"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftfs/raftfs/proto"
)

type MemberChangeType int32

const (
	MemberChangeType_AddMember MemberChangeType = iota + 1
	MemberChangeType_RemoveMember
)

// Member is the membership-change payload carried inside a raft ConfChange
// entry. Addr travels with it so every replica can resolve the new peer
// without an out of band exchange.
type Member struct {
	NodeID  uint64           `msgpack:"n" json:"node_id"`
	Addr    string           `msgpack:"a" json:"addr"`
	Learner bool             `msgpack:"l,omitempty" json:"learner,omitempty"`
	Type    MemberChangeType `msgpack:"t,omitempty" json:"-"`
}

func (m *Member) Marshal() ([]byte, error) {
	return proto.Marshal(m)
}

func (m *Member) Unmarshal(data []byte) error {
	return proto.Unmarshal(data, m)
}

type (
	// StateMachine consumes committed entries in strict index order. Apply
	// must be deterministic: every replica reaches identical state from the
	// same log prefix.
	StateMachine interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(leader uint64) error
		ApplyMemberChange(m *Member, index uint64) error
		Snapshot() (Snapshot, error)
		ApplySnapshot(ctx context.Context, s Snapshot) error
	}

	// Snapshot streams a point-in-time serialization of the state machine
	// in opaque chunks. ReadChunk returns io.EOF after the last chunk.
	Snapshot interface {
		ReadChunk() ([]byte, error)
		Index() uint64
		Term() uint64
		Close() error
	}

	// Transport sends consensus traffic to remote peers. SendMessages must
	// not block on the network; undeliverable peers are reported back
	// through the node's ReportUnreachable.
	Transport interface {
		SendMessages(ctx context.Context, msgs []raftpb.Message)
		SendSnapshot(ctx context.Context, snap *OutgoingSnapshot) error
	}

	AddressResolver interface {
		Resolve(nodeID uint64) (string, error)
	}
)

// ProposalData is what a log entry's payload decodes to. NotifyID routes the
// applied result back to the proposer's waiter; it is only meaningful on the
// node that proposed the entry.
type ProposalData struct {
	Op       uint32 `msgpack:"o"`
	Data     []byte `msgpack:"d"`
	ReqID    string `msgpack:"r,omitempty"`
	NotifyID uint64 `msgpack:"n,omitempty"`
	// Time is the proposer's wall clock. Appliers that need a timestamp use
	// it instead of reading their own clock, keeping apply deterministic.
	Time int64 `msgpack:"t,omitempty"`
}

func (p *ProposalData) Marshal() ([]byte, error) {
	return proto.Marshal(p)
}

func (p *ProposalData) Unmarshal(data []byte) error {
	return proto.Unmarshal(data, p)
}

type (
	ProposalResponse struct {
		Index uint64
		Data  interface{}
	}

	proposalRequest struct {
		entryType raftpb.EntryType
		data      []byte
		notifyID  uint64
	}
	proposalResult struct {
		index uint64
		reply interface{}
		err   error
	}

	Stat struct {
		ID             uint64   `json:"node_id"`
		Term           uint64   `json:"term"`
		Vote           uint64   `json:"vote"`
		Commit         uint64   `json:"commit"`
		Leader         uint64   `json:"leader"`
		RaftState      string   `json:"raft_state"`
		Applied        uint64   `json:"applied"`
		LeadTransferee uint64   `json:"transferee"`
		Peers          []uint64 `json:"peers"`
	}
)
