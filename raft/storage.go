package raft

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
)

var (
	logIndexPrefix = []byte("i")
	hardStateKey   = []byte("h")
	truncMetaKey   = []byte("t")
	membersKey     = []byte("m")
)

type storageConfig struct {
	kv              kvstore.Store
	cf              kvstore.CF
	nodeID          uint64
	applied         uint64
	members         []Member
	maxSnapshotNum  int
	snapshotTimeout time.Duration
	sm              StateMachine
}

type truncMeta struct {
	Index uint64 `msgpack:"i"`
	Term  uint64 `msgpack:"t"`
}

// storage persists the replicated log and the durable {term, vote, commit}
// record in the local kvstore and serves the etcd raft Storage interface on
// top of it. All indices are gapless: entry keys are big endian encoded so
// kv iteration order is log order.
type storage struct {
	cfg storageConfig

	firstIndex   uint64
	lastIndex    uint64
	appliedIndex uint64

	// truncMu guards the truncation point pair. Truncate runs on the
	// application's truncation job while Entries and Term read the pair on
	// the raft run loop, and the index and term must be read together.
	truncMu    sync.RWMutex
	truncIndex uint64
	truncTerm  uint64

	hsMu      sync.RWMutex
	hardState raftpb.HardState

	membersMu struct {
		sync.RWMutex
		members map[uint64]Member
		cs      raftpb.ConfState
	}

	snapshotRecorder *snapshotRecorder
}

func newStorage(cfg storageConfig) (*storage, error) {
	s := &storage{
		cfg:              cfg,
		appliedIndex:     cfg.applied,
		snapshotRecorder: newSnapshotRecorder(cfg.maxSnapshotNum, cfg.snapshotTimeout),
	}
	s.membersMu.members = make(map[uint64]Member)

	ctx := context.Background()

	value, err := cfg.kv.Get(ctx, cfg.cf, hardStateKey)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if err == nil {
		if err := s.hardState.Unmarshal(value); err != nil {
			return nil, err
		}
	}

	value, err = cfg.kv.Get(ctx, cfg.cf, truncMetaKey)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if err == nil {
		tm := truncMeta{}
		if err := proto.Unmarshal(value, &tm); err != nil {
			return nil, err
		}
		s.setTruncPoint(tm.Index, tm.Term)
	}

	members := cfg.members
	value, err = cfg.kv.Get(ctx, cfg.cf, membersKey)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if err == nil {
		var persisted []Member
		if err := proto.Unmarshal(value, &persisted); err != nil {
			return nil, err
		}
		members = persisted
	} else if len(members) > 0 {
		if err := s.persistMembers(members); err != nil {
			return nil, err
		}
	}
	for _, m := range members {
		s.membersMu.members[m.NodeID] = m
	}
	s.updateConfState()

	if err := s.loadIndexBounds(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *storage) loadIndexBounds(ctx context.Context) error {
	lr, err := s.cfg.kv.List(ctx, s.cfg.cf, logIndexPrefix, nil, nil)
	if err != nil {
		return err
	}
	defer lr.Close()

	key, _, err := lr.Next()
	if err == kvstore.ErrNotFound {
		truncIndex, _ := s.truncPoint()
		atomic.StoreUint64(&s.firstIndex, truncIndex+1)
		atomic.StoreUint64(&s.lastIndex, truncIndex)
		return nil
	}
	if err != nil {
		return err
	}
	atomic.StoreUint64(&s.firstIndex, decodeIndexKey(key))

	if err := lr.SeekForPrev(encodeIndexKey(^uint64(0))); err != nil {
		return err
	}
	key, _, err = lr.Next()
	if err != nil {
		return err
	}
	atomic.StoreUint64(&s.lastIndex, decodeIndexKey(key))
	return nil
}

// InitialState returns the saved HardState and ConfState information.
func (s *storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.hsMu.RLock()
	hs := s.hardState
	s.hsMu.RUnlock()
	s.membersMu.RLock()
	cs := s.membersMu.cs
	s.membersMu.RUnlock()
	return hs, cs, nil
}

// Entries returns log entries in the range [lo, hi), capped at maxSize
// bytes but always returning at least one entry when any exist.
func (s *storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	truncIndex, _ := s.truncPoint()
	if lo <= truncIndex {
		return nil, raft.ErrCompacted
	}
	if hi > atomic.LoadUint64(&s.lastIndex)+1 {
		return nil, raft.ErrUnavailable
	}

	lr, err := s.cfg.kv.List(context.Background(), s.cfg.cf, logIndexPrefix, encodeIndexKey(lo-1), nil)
	if err != nil {
		return nil, err
	}
	defer lr.Close()

	var (
		ret  []raftpb.Entry
		size uint64
	)
	for {
		_, value, err := lr.Next()
		if err == kvstore.ErrNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		entry := raftpb.Entry{}
		if err := entry.Unmarshal(value); err != nil {
			return nil, err
		}
		if entry.Index >= hi {
			break
		}
		size += uint64(entry.Size())
		if len(ret) > 0 && size > maxSize {
			break
		}
		ret = append(ret, entry)
	}
	if len(ret) == 0 {
		return nil, raft.ErrUnavailable
	}
	return ret, nil
}

func (s *storage) Term(i uint64) (uint64, error) {
	truncIndex, truncTerm := s.truncPoint()
	if i == truncIndex {
		return truncTerm, nil
	}
	if i < truncIndex {
		return 0, raft.ErrCompacted
	}
	if i > atomic.LoadUint64(&s.lastIndex) {
		return 0, raft.ErrUnavailable
	}

	value, err := s.cfg.kv.Get(context.Background(), s.cfg.cf, encodeIndexKey(i))
	if err == kvstore.ErrNotFound {
		return 0, raft.ErrUnavailable
	}
	if err != nil {
		return 0, err
	}
	entry := raftpb.Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (s *storage) LastIndex() (uint64, error) {
	return atomic.LoadUint64(&s.lastIndex), nil
}

func (s *storage) FirstIndex() (uint64, error) {
	return atomic.LoadUint64(&s.firstIndex), nil
}

// Snapshot freezes the state machine into a streamable snapshot and hands
// raft a descriptor whose Data field is only the snapshot id; the bulk
// payload is streamed separately by the transport.
func (s *storage) Snapshot() (raftpb.Snapshot, error) {
	s.membersMu.RLock()
	cs := s.membersMu.cs
	members := make([]Member, 0, len(s.membersMu.members))
	for _, m := range s.membersMu.members {
		members = append(members, m)
	}
	s.membersMu.RUnlock()

	smSnap, err := s.cfg.sm.Snapshot()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	success := false
	defer func() {
		if !success {
			smSnap.Close()
		}
	}()

	appliedIndex := s.AppliedIndex()
	if smSnap.Index() > appliedIndex {
		return raftpb.Snapshot{}, fmt.Errorf("state machine snapshot index[%d] greater than applied index[%d]", smSnap.Index(), appliedIndex)
	}

	term, err := s.Term(smSnap.Index())
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	snapshot := newOutgoingSnapshot(uuid.New().String(), smSnap, members)
	if err := s.snapshotRecorder.Set(snapshot); err != nil {
		return raftpb.Snapshot{}, err
	}
	success = true

	return raftpb.Snapshot{
		Data: []byte(snapshot.ID),
		Metadata: raftpb.SnapshotMetadata{
			ConfState: cs,
			Index:     smSnap.Index(),
			Term:      term,
		},
	}, nil
}

func (s *storage) truncPoint() (index, term uint64) {
	s.truncMu.RLock()
	defer s.truncMu.RUnlock()
	return s.truncIndex, s.truncTerm
}

func (s *storage) setTruncPoint(index, term uint64) {
	s.truncMu.Lock()
	s.truncIndex, s.truncTerm = index, term
	s.truncMu.Unlock()
}

func (s *storage) AppliedIndex() uint64 {
	return atomic.LoadUint64(&s.appliedIndex)
}

func (s *storage) SetAppliedIndex(index uint64) {
	atomic.StoreUint64(&s.appliedIndex, index)
}

// SaveHardStateAndEntries is called by the ready loop only. The write is
// synchronous: the hard state must be on disk before any message produced by
// the same Ready leaves the node.
func (s *storage) SaveHardStateAndEntries(hs raftpb.HardState, entries []raftpb.Entry) error {
	if raft.IsEmptyHardState(hs) && len(entries) == 0 {
		return nil
	}

	batch := s.cfg.kv.NewWriteBatch()
	defer batch.Close()

	if !raft.IsEmptyHardState(hs) {
		value, err := hs.Marshal()
		if err != nil {
			return err
		}
		batch.Put(s.cfg.cf, hardStateKey, value)
	}

	newLast := uint64(0)
	for i := range entries {
		value, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		batch.Put(s.cfg.cf, encodeIndexKey(entries[i].Index), value)
		newLast = entries[i].Index
	}

	// a conflicting append truncates the divergent suffix
	oldLast := atomic.LoadUint64(&s.lastIndex)
	if newLast > 0 && oldLast > newLast {
		for i := newLast + 1; i <= oldLast; i++ {
			batch.Delete(s.cfg.cf, encodeIndexKey(i))
		}
	}

	if err := s.cfg.kv.Write(context.Background(), batch); err != nil {
		return err
	}

	if newLast > 0 {
		atomic.StoreUint64(&s.lastIndex, newLast)
		if atomic.LoadUint64(&s.firstIndex) == 0 {
			atomic.StoreUint64(&s.firstIndex, entries[0].Index)
		}
	}
	if !raft.IsEmptyHardState(hs) {
		s.hsMu.Lock()
		s.hardState = hs
		s.hsMu.Unlock()
	}
	return nil
}

func (s *storage) HardState() raftpb.HardState {
	s.hsMu.RLock()
	defer s.hsMu.RUnlock()
	return s.hardState
}

// Truncate drops log entries up to and including compactIndex, retaining
// the compacted entry's term for the consistency check. Called by the
// truncation job; compactIndex must not exceed the applied index.
func (s *storage) Truncate(ctx context.Context, compactIndex uint64) error {
	if truncIndex, _ := s.truncPoint(); compactIndex <= truncIndex {
		return nil
	}
	if compactIndex > s.AppliedIndex() {
		return fmt.Errorf("truncate index[%d] beyond applied index[%d]", compactIndex, s.AppliedIndex())
	}

	term, err := s.Term(compactIndex)
	if err != nil {
		return err
	}

	tm, err := proto.Marshal(truncMeta{Index: compactIndex, Term: term})
	if err != nil {
		return err
	}

	batch := s.cfg.kv.NewWriteBatch()
	defer batch.Close()
	batch.Put(s.cfg.cf, truncMetaKey, tm)
	first := atomic.LoadUint64(&s.firstIndex)
	for i := first; i <= compactIndex; i++ {
		batch.Delete(s.cfg.cf, encodeIndexKey(i))
	}
	if err := s.cfg.kv.Write(ctx, batch); err != nil {
		return err
	}

	s.setTruncPoint(compactIndex, term)
	atomic.StoreUint64(&s.firstIndex, compactIndex+1)
	return nil
}

// ApplySnapshot replaces the log with the snapshot point: every entry at or
// below the snapshot index is discarded.
func (s *storage) ApplySnapshot(meta raftpb.SnapshotMetadata, members []Member) error {
	tm, err := proto.Marshal(truncMeta{Index: meta.Index, Term: meta.Term})
	if err != nil {
		return err
	}

	batch := s.cfg.kv.NewWriteBatch()
	defer batch.Close()
	batch.Put(s.cfg.cf, truncMetaKey, tm)
	first := atomic.LoadUint64(&s.firstIndex)
	last := atomic.LoadUint64(&s.lastIndex)
	for i := first; i <= last; i++ {
		batch.Delete(s.cfg.cf, encodeIndexKey(i))
	}
	if err := s.cfg.kv.Write(context.Background(), batch); err != nil {
		return err
	}

	s.setTruncPoint(meta.Index, meta.Term)
	atomic.StoreUint64(&s.firstIndex, meta.Index+1)
	atomic.StoreUint64(&s.lastIndex, meta.Index)
	s.SetAppliedIndex(meta.Index)

	if len(members) > 0 {
		s.membersMu.Lock()
		s.membersMu.members = make(map[uint64]Member, len(members))
		for _, m := range members {
			s.membersMu.members[m.NodeID] = m
		}
		s.membersMu.Unlock()
		s.updateConfState()
		return s.persistMembers(members)
	}
	return nil
}

func (s *storage) GetSnapshot(id string) *OutgoingSnapshot {
	return s.snapshotRecorder.Get(id)
}

func (s *storage) DeleteSnapshot(id string) {
	s.snapshotRecorder.Delete(id)
}

func (s *storage) MemberChange(member *Member) error {
	s.membersMu.Lock()
	switch member.Type {
	case MemberChangeType_RemoveMember:
		delete(s.membersMu.members, member.NodeID)
	default:
		s.membersMu.members[member.NodeID] = *member
	}
	members := make([]Member, 0, len(s.membersMu.members))
	for _, m := range s.membersMu.members {
		members = append(members, m)
	}
	s.membersMu.Unlock()

	s.updateConfState()
	return s.persistMembers(members)
}

func (s *storage) Members() []Member {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	members := make([]Member, 0, len(s.membersMu.members))
	for _, m := range s.membersMu.members {
		members = append(members, m)
	}
	return members
}

func (s *storage) persistMembers(members []Member) error {
	value, err := proto.Marshal(members)
	if err != nil {
		return err
	}
	return s.cfg.kv.Set(context.Background(), s.cfg.cf, membersKey, value)
}

func (s *storage) updateConfState() {
	s.membersMu.Lock()
	cs := raftpb.ConfState{}
	for _, m := range s.membersMu.members {
		if m.Learner {
			cs.Learners = append(cs.Learners, m.NodeID)
		} else {
			cs.Voters = append(cs.Voters, m.NodeID)
		}
	}
	s.membersMu.cs = cs
	s.membersMu.Unlock()
}

func (s *storage) Close() {
	s.snapshotRecorder.Close()
}

func encodeIndexKey(index uint64) []byte {
	b := make([]byte, len(logIndexPrefix)+8)
	copy(b, logIndexPrefix)
	binary.BigEndian.PutUint64(b[len(logIndexPrefix):], index)
	return b
}

func decodeIndexKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(logIndexPrefix):])
}
