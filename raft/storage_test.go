package raft

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/util"
)

const testCF kvstore.CF = "raft"

type testStorage struct {
	*storage
	kv   kvstore.Store
	path string
}

func newTestStorage(t *testing.T) *testStorage {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	kv, err := kvstore.NewStore(context.TODO(), path, &kvstore.Option{
		ColumnFamilies: []kvstore.CF{testCF},
	})
	require.NoError(t, err)
	s, err := newStorage(storageConfig{
		kv:              kv,
		cf:              testCF,
		nodeID:          1,
		members:         []Member{{NodeID: 1, Addr: "127.0.0.1:0"}},
		maxSnapshotNum:  3,
		snapshotTimeout: time.Minute,
	})
	require.NoError(t, err)
	return &testStorage{storage: s, kv: kv, path: path}
}

func (ts *testStorage) close() {
	ts.storage.Close()
	ts.kv.Close()
	os.RemoveAll(ts.path)
}

func entries(from, to, term uint64) []raftpb.Entry {
	ents := make([]raftpb.Entry, 0, to-from+1)
	for i := from; i <= to; i++ {
		ents = append(ents, raftpb.Entry{
			Index: i,
			Term:  term,
			Type:  raftpb.EntryNormal,
			Data:  []byte{byte(i)},
		})
	}
	return ents
}

func TestStorage_InitialState(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	hs, cs, err := ts.InitialState()
	require.NoError(t, err)
	require.True(t, etcdraft.IsEmptyHardState(hs))
	require.Equal(t, []uint64{1}, cs.Voters)

	first, err := ts.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	last, err := ts.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestStorage_SaveAndRead(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 0}
	require.NoError(t, ts.SaveHardStateAndEntries(hs, entries(1, 10, 2)))

	got := ts.HardState()
	require.Equal(t, hs, got)
	last, _ := ts.LastIndex()
	require.Equal(t, uint64(10), last)

	ents, err := ts.Entries(1, 11, 1<<20)
	require.NoError(t, err)
	require.Len(t, ents, 10)
	require.Equal(t, uint64(1), ents[0].Index)
	require.Equal(t, []byte{5}, ents[4].Data)

	// maxSize returns at least one entry
	ents, err = ts.Entries(1, 11, 0)
	require.NoError(t, err)
	require.Len(t, ents, 1)

	term, err := ts.Term(7)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	// out of range
	_, err = ts.Entries(1, 12, 1<<20)
	require.Equal(t, etcdraft.ErrUnavailable, err)
	_, err = ts.Term(11)
	require.Equal(t, etcdraft.ErrUnavailable, err)
}

func TestStorage_DivergentSuffix(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{Term: 1}, entries(1, 10, 1)))

	// a new leader overwrites index 6 onward with a higher term
	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{Term: 3}, entries(6, 8, 3)))

	last, _ := ts.LastIndex()
	require.Equal(t, uint64(8), last)
	term, err := ts.Term(7)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)
	term, err = ts.Term(5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	_, err = ts.Term(9)
	require.Equal(t, etcdraft.ErrUnavailable, err)
}

func TestStorage_Truncate(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{Term: 1}, entries(1, 20, 1)))
	ts.SetAppliedIndex(15)

	// beyond applied is refused
	require.Error(t, ts.Truncate(context.TODO(), 16))

	require.NoError(t, ts.Truncate(context.TODO(), 10))
	first, _ := ts.FirstIndex()
	require.Equal(t, uint64(11), first)

	_, err := ts.Entries(10, 12, 1<<20)
	require.Equal(t, etcdraft.ErrCompacted, err)
	_, err = ts.Term(9)
	require.Equal(t, etcdraft.ErrCompacted, err)
	// the compacted boundary keeps its term
	term, err := ts.Term(10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)

	ents, err := ts.Entries(11, 21, 1<<20)
	require.NoError(t, err)
	require.Len(t, ents, 10)

	// truncating below the boundary is a no-op
	require.NoError(t, ts.Truncate(context.TODO(), 5))
}

func TestStorage_Reopen(t *testing.T) {
	ts := newTestStorage(t)
	defer os.RemoveAll(ts.path)

	hs := raftpb.HardState{Term: 4, Vote: 2, Commit: 18}
	require.NoError(t, ts.SaveHardStateAndEntries(hs, entries(1, 20, 4)))
	ts.SetAppliedIndex(18)
	require.NoError(t, ts.Truncate(context.TODO(), 10))
	ts.storage.Close()
	require.NoError(t, ts.kv.Close())

	kv, err := kvstore.NewStore(context.TODO(), ts.path, &kvstore.Option{
		ColumnFamilies: []kvstore.CF{testCF},
	})
	require.NoError(t, err)
	defer kv.Close()

	s, err := newStorage(storageConfig{
		kv:              kv,
		cf:              testCF,
		nodeID:          1,
		applied:         18,
		maxSnapshotNum:  3,
		snapshotTimeout: time.Minute,
	})
	require.NoError(t, err)
	defer s.Close()

	got, _, err := s.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, got)
	first, _ := s.FirstIndex()
	require.Equal(t, uint64(11), first)
	last, _ := s.LastIndex()
	require.Equal(t, uint64(20), last)
	// members round-trip through their persisted record
	require.Len(t, s.Members(), 1)
}

func TestStorage_ApplySnapshotMeta(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{Term: 1}, entries(1, 10, 1)))

	members := []Member{{NodeID: 1, Addr: "a"}, {NodeID: 2, Addr: "b"}}
	meta := raftpb.SnapshotMetadata{Index: 30, Term: 5}
	require.NoError(t, ts.ApplySnapshot(meta, members))

	first, _ := ts.FirstIndex()
	require.Equal(t, uint64(31), first)
	last, _ := ts.LastIndex()
	require.Equal(t, uint64(30), last)
	require.Equal(t, uint64(30), ts.AppliedIndex())
	term, err := ts.Term(30)
	require.NoError(t, err)
	require.Equal(t, uint64(5), term)
	_, err = ts.Term(10)
	require.Equal(t, etcdraft.ErrCompacted, err)
	require.Len(t, ts.Members(), 2)

	// log resumes after the snapshot point
	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{Term: 5, Commit: 30}, entries(31, 33, 5)))
	ents, err := ts.Entries(31, 34, 1<<20)
	require.NoError(t, err)
	require.Len(t, ents, 3)
}

func TestStorage_MemberChange(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	require.NoError(t, ts.MemberChange(&Member{NodeID: 2, Addr: "b", Type: MemberChangeType_AddMember}))
	require.NoError(t, ts.MemberChange(&Member{NodeID: 3, Addr: "c", Learner: true, Type: MemberChangeType_AddMember}))

	_, cs, err := ts.InitialState()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1, 2}, cs.Voters)
	require.Equal(t, []uint64{3}, cs.Learners)

	require.NoError(t, ts.MemberChange(&Member{NodeID: 2, Type: MemberChangeType_RemoveMember}))
	_, cs, err = ts.InitialState()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{1}, cs.Voters)
}

func TestStorage_ConcurrentTruncate(t *testing.T) {
	ts := newTestStorage(t)
	defer ts.close()

	require.NoError(t, ts.SaveHardStateAndEntries(raftpb.HardState{}, entries(1, 200, 1)))
	ts.SetAppliedIndex(200)

	done := make(chan error, 1)
	go func() {
		for i := uint64(10); i <= 190; i += 10 {
			if err := ts.Truncate(context.TODO(), i); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// readers race the truncation job the same way the raft run loop does;
	// both ErrCompacted and a real term are fine, torn state is not
	for i := 0; i < 500; i++ {
		term, err := ts.Term(uint64(195))
		require.NoError(t, err)
		require.Equal(t, uint64(1), term)

		if _, err := ts.Entries(uint64(1+i%190), 201, 0); err != nil {
			require.Equal(t, etcdraft.ErrCompacted, err)
		}
	}
	require.NoError(t, <-done)

	first, err := ts.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(191), first)
	term, err := ts.Term(190)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
}
