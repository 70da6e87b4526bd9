package raft

import (
	"container/list"
	"fmt"
	"io"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func newOutgoingSnapshot(id string, st Snapshot, members []Member) *OutgoingSnapshot {
	return &OutgoingSnapshot{
		ID:      id,
		Members: members,
		st:      st,
	}
}

// OutgoingSnapshot is a frozen state machine snapshot registered in the
// recorder while raft decides which follower needs it. The raft MsgSnap only
// carries its ID; the transport streams the chunks.
type OutgoingSnapshot struct {
	ID      string
	Members []Member
	// Message is the MsgSnap this snapshot answers, filled in by the ready
	// loop before handing the snapshot to the transport.
	Message raftpb.Message

	st     Snapshot
	expire time.Time
}

func (s *OutgoingSnapshot) ReadChunk() ([]byte, error) {
	return s.st.ReadChunk()
}

func (s *OutgoingSnapshot) Index() uint64 { return s.st.Index() }

func (s *OutgoingSnapshot) Term() uint64 { return s.st.Term() }

func (s *OutgoingSnapshot) Close() {
	s.st.Close()
}

// IncomingSnapshot adapts a stream of snapshot chunk frames into the
// Snapshot interface the state machine restores from. The transport reader
// feeds chunks; the applier consumes them.
type IncomingSnapshot struct {
	ID      string
	Message raftpb.Message
	Members []Member

	chunks    chan incomingChunk
	done      chan struct{}
	once      sync.Once
	finalSeen bool
}

type incomingChunk struct {
	data  []byte
	final bool
	err   error
}

func NewIncomingSnapshot(id string, msg raftpb.Message, members []Member) *IncomingSnapshot {
	return &IncomingSnapshot{
		ID:      id,
		Message: msg,
		Members: members,
		chunks:  make(chan incomingChunk, 8),
		done:    make(chan struct{}),
	}
}

// Feed hands one received chunk to the consumer. It returns false once the
// consumer has stopped reading.
func (s *IncomingSnapshot) Feed(data []byte, final bool, err error) bool {
	select {
	case s.chunks <- incomingChunk{data: data, final: final, err: err}:
		return true
	case <-s.done:
		return false
	}
}

func (s *IncomingSnapshot) ReadChunk() ([]byte, error) {
	if s.finalSeen {
		return nil, io.EOF
	}
	select {
	case c := <-s.chunks:
		if c.err != nil {
			return nil, c.err
		}
		if c.final {
			s.finalSeen = true
			if len(c.data) == 0 {
				return nil, io.EOF
			}
		}
		return c.data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *IncomingSnapshot) Index() uint64 { return s.Message.Snapshot.Metadata.Index }

func (s *IncomingSnapshot) Term() uint64 { return s.Message.Snapshot.Metadata.Term }

func (s *IncomingSnapshot) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func newSnapshotRecorder(maxSnapshot int, timeout time.Duration) *snapshotRecorder {
	return &snapshotRecorder{
		maxSnapshot: maxSnapshot,
		timeout:     timeout,
		evictList:   list.New(),
		snaps:       make(map[string]*list.Element),
	}
}

// snapshotRecorder bounds the number of simultaneously frozen snapshots.
// A snapshot not collected by its follower within the timeout is evicted to
// release its underlying store view.
type snapshotRecorder struct {
	sync.Mutex

	maxSnapshot int
	timeout     time.Duration
	evictList   *list.List
	snaps       map[string]*list.Element
}

func (s *snapshotRecorder) Set(st *OutgoingSnapshot) error {
	s.Lock()
	defer s.Unlock()

	if s.evictList.Len() >= s.maxSnapshot {
		elem := s.evictList.Front()
		snap := elem.Value.(*OutgoingSnapshot)
		if time.Since(snap.expire) < 0 {
			return raft.ErrSnapshotTemporarilyUnavailable
		}
		s.evictList.Remove(elem)
		snap.Close()
		delete(s.snaps, snap.ID)
	}
	if _, hit := s.snaps[st.ID]; hit {
		return fmt.Errorf("snapshot(%s) exist", st.ID)
	}
	st.expire = time.Now().Add(s.timeout)
	s.snaps[st.ID] = s.evictList.PushBack(st)
	return nil
}

func (s *snapshotRecorder) Get(key string) *OutgoingSnapshot {
	s.Lock()
	defer s.Unlock()

	if v, ok := s.snaps[key]; ok {
		snap := v.Value.(*OutgoingSnapshot)
		snap.expire = time.Now().Add(s.timeout)
		s.evictList.MoveToBack(v)
		return snap
	}
	return nil
}

func (s *snapshotRecorder) Delete(key string) {
	s.Lock()
	defer s.Unlock()

	if v, ok := s.snaps[key]; ok {
		delete(s.snaps, key)
		v.Value.(*OutgoingSnapshot).Close()
		s.evictList.Remove(v)
	}
}

func (s *snapshotRecorder) Close() {
	s.Lock()
	defer s.Unlock()

	for key, val := range s.snaps {
		delete(s.snaps, key)
		val.Value.(*OutgoingSnapshot).Close()
		s.evictList.Remove(val)
	}
}
