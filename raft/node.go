package raft

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/proto"
)

const (
	defaultTickIntervalMs    = 200
	defaultElectionTick      = 10
	defaultHeartbeatTick     = 1
	defaultProposalQueueSize = 4096
	defaultMaxSizePerMsg     = 16 << 20
	defaultMaxInflightMsgs   = 128
	defaultMaxSnapshotNum    = 3
	defaultSnapshotTimeoutS  = 300
)

type Config struct {
	NodeID            uint64   `json:"node_id"`
	Members           []Member `json:"members"`
	TickIntervalMs    int      `json:"tick_interval_ms"`
	ElectionTick      int      `json:"election_tick"`
	HeartbeatTick     int      `json:"heartbeat_tick"`
	ProposalQueueSize int      `json:"proposal_queue_size"`
	MaxSizePerMsg     uint64   `json:"max_size_per_msg"`
	MaxInflightMsgs   int      `json:"max_inflight_msgs"`
	MaxSnapshotNum    int      `json:"max_snapshot_num"`
	SnapshotTimeoutS  int      `json:"snapshot_timeout_s"`

	// Applied is the state machine's durably applied index; committed
	// entries above it are re-delivered on startup.
	Applied   uint64        `json:"-"`
	KV        kvstore.Store `json:"-"`
	CF        kvstore.CF    `json:"-"`
	SM        StateMachine  `json:"-"`
	Transport Transport     `json:"-"`
	Logger    *zap.Logger   `json:"-"`
}

// Node drives a single raft replication group: one goroutine owns the raw
// node and consumes ticks, proposals and ready batches; peer messages are
// stepped in from the transport. All storage mutation and entry application
// happens on the loop goroutine, preserving the single writer discipline.
type Node struct {
	cfg     *Config
	storage *storage

	rawNodeMu struct {
		sync.Mutex
		rawNode *raft.RawNode
	}
	unreachableMu struct {
		sync.Mutex
		remotes map[uint64]struct{}
	}
	installMu sync.Mutex

	notifies  sync.Map
	ids       *idGenerator
	proposals proposalQueue

	leader  atomic.Uint64
	readyc  chan struct{}
	stopc   chan struct{}
	donec   chan struct{}
	stopped sync.Once

	lg *zap.SugaredLogger
}

func NewNode(cfg *Config) (*Node, error) {
	initialDefault(&cfg.TickIntervalMs, defaultTickIntervalMs)
	initialDefault(&cfg.ElectionTick, defaultElectionTick)
	initialDefault(&cfg.HeartbeatTick, defaultHeartbeatTick)
	initialDefault(&cfg.ProposalQueueSize, defaultProposalQueueSize)
	initialDefault(&cfg.MaxInflightMsgs, defaultMaxInflightMsgs)
	initialDefault(&cfg.MaxSnapshotNum, defaultMaxSnapshotNum)
	initialDefault(&cfg.SnapshotTimeoutS, defaultSnapshotTimeoutS)
	if cfg.MaxSizePerMsg == 0 {
		cfg.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	stg, err := newStorage(storageConfig{
		kv:              cfg.KV,
		cf:              cfg.CF,
		nodeID:          cfg.NodeID,
		applied:         cfg.Applied,
		members:         cfg.Members,
		maxSnapshotNum:  cfg.MaxSnapshotNum,
		snapshotTimeout: time.Duration(cfg.SnapshotTimeoutS) * time.Second,
		sm:              cfg.SM,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		storage:   stg,
		ids:       newIDGenerator(cfg.NodeID, time.Now()),
		proposals: newProposalQueue(cfg.ProposalQueueSize),
		readyc:    make(chan struct{}, 1),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
		lg:        cfg.Logger.Sugar().Named("raft"),
	}
	n.unreachableMu.remotes = make(map[uint64]struct{})

	rawNode, err := raft.NewRawNode(&raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         stg,
		Applied:         cfg.Applied,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          &raftLogger{lg: n.lg},
	})
	if err != nil {
		stg.Close()
		return nil, err
	}
	n.rawNodeMu.rawNode = rawNode

	return n, nil
}

func (n *Node) Start() {
	go n.run()
}

func (n *Node) Stop() {
	n.stopped.Do(func() {
		close(n.stopc)
		<-n.donec
		n.storage.Close()
	})
}

func (n *Node) NodeID() uint64 { return n.cfg.NodeID }

func (n *Node) Leader() uint64 { return n.leader.Load() }

func (n *Node) IsLeader() bool { return n.Leader() == n.cfg.NodeID }

func (n *Node) AppliedIndex() uint64 { return n.storage.AppliedIndex() }

func (n *Node) Members() []Member { return n.storage.Members() }

func (n *Node) Stat() Stat {
	var st raft.Status
	n.withRawNode(func(rn *raft.RawNode) error {
		st = rn.Status()
		return nil
	})
	peers := make([]uint64, 0)
	for _, m := range n.storage.Members() {
		peers = append(peers, m.NodeID)
	}
	return Stat{
		ID:             st.ID,
		Term:           st.Term,
		Vote:           st.Vote,
		Commit:         st.Commit,
		Leader:         st.Lead,
		RaftState:      st.RaftState.String(),
		Applied:        n.storage.AppliedIndex(),
		LeadTransferee: st.LeadTransferee,
		Peers:          peers,
	}
}

// Propose submits one operation to the replicated log and waits until it is
// applied, returning the applied result. Only the leader accepts proposals;
// everyone else fails fast with ErrNotLeader so the caller can redirect.
func (n *Node) Propose(ctx context.Context, pd *ProposalData) (ProposalResponse, error) {
	if !n.IsLeader() {
		return ProposalResponse{}, proto.ErrNotLeader
	}

	pd.NotifyID = n.ids.Next()
	data, err := pd.Marshal()
	if err != nil {
		return ProposalResponse{}, err
	}

	nt := newNotify()
	n.addNotify(pd.NotifyID, nt)
	defer n.notifies.Delete(pd.NotifyID)

	if err := n.proposals.Push(ctx, proposalRequest{
		entryType: raftpb.EntryNormal,
		data:      data,
		notifyID:  pd.NotifyID,
	}); err != nil {
		return ProposalResponse{}, err
	}

	ret, err := nt.Wait(ctx)
	if err != nil {
		return ProposalResponse{}, err
	}
	if ret.err != nil {
		return ProposalResponse{}, ret.err
	}
	return ProposalResponse{Index: ret.index, Data: ret.reply}, nil
}

// ReadIndex performs a linearizable read barrier: the returned index is the
// commit index the leader confirmed with a quorum; the caller must wait for
// its applier to reach it before reading local state.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	notifyID := n.ids.Next()
	nt := newNotify()
	n.addNotify(notifyID, nt)
	defer n.notifies.Delete(notifyID)

	if err := n.withRawNode(func(rn *raft.RawNode) error {
		rn.ReadIndex(notifyIDToBytes(notifyID))
		return nil
	}); err != nil {
		return 0, err
	}
	n.signalReady()

	ret, err := nt.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if ret.err != nil {
		return 0, ret.err
	}
	return ret.index, nil
}

type ccContext struct {
	Member   Member `msgpack:"m"`
	NotifyID uint64 `msgpack:"n"`
}

// MemberChange proposes a cluster membership change and waits for it to be
// applied. A disconnected peer is only ever removed this way; the transport
// treats it as merely slow until then.
func (n *Node) MemberChange(ctx context.Context, m *Member) error {
	notifyID := n.ids.Next()
	ccCtx, err := proto.Marshal(ccContext{Member: *m, NotifyID: notifyID})
	if err != nil {
		return err
	}

	ccType := raftpb.ConfChangeAddNode
	switch {
	case m.Type == MemberChangeType_RemoveMember:
		ccType = raftpb.ConfChangeRemoveNode
	case m.Learner:
		ccType = raftpb.ConfChangeAddLearnerNode
	}
	cc := raftpb.ConfChange{Type: ccType, NodeID: m.NodeID, Context: ccCtx}
	data, err := cc.Marshal()
	if err != nil {
		return err
	}

	nt := newNotify()
	n.addNotify(notifyID, nt)
	defer n.notifies.Delete(notifyID)

	if err := n.proposals.Push(ctx, proposalRequest{
		entryType: raftpb.EntryConfChange,
		data:      data,
		notifyID:  notifyID,
	}); err != nil {
		return err
	}

	ret, err := nt.Wait(ctx)
	if err != nil {
		return err
	}
	return ret.err
}

// Campaign forces an immediate election. Used by a single node cluster at
// startup and by tests; normal elections are timeout driven.
func (n *Node) Campaign(ctx context.Context) error {
	err := n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Campaign()
	})
	n.signalReady()
	return err
}

func (n *Node) Truncate(ctx context.Context, index uint64) error {
	return n.storage.Truncate(ctx, index)
}

// HandleMessage steps one peer consensus message into the raft state
// machine. Messages from stale terms are absorbed by raft itself: they
// produce a term-update response, never an error.
func (n *Node) HandleMessage(ctx context.Context, msg raftpb.Message) error {
	select {
	case <-n.stopc:
		return ErrStopped
	default:
	}
	err := n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Step(msg)
	})
	n.signalReady()
	return err
}

// HandleSnapshot installs a streamed snapshot: state machine content is
// replaced, the local log is reset to the snapshot point, then the MsgSnap
// is stepped so raft catches up. Stale snapshots are rejected before any
// state is touched.
func (n *Node) HandleSnapshot(ctx context.Context, inc *IncomingSnapshot) error {
	n.installMu.Lock()
	defer n.installMu.Unlock()
	defer inc.Close()

	meta := inc.Message.Snapshot.Metadata
	if meta.Index <= n.storage.AppliedIndex() {
		return ErrStaleSnapshot
	}

	if err := n.cfg.SM.ApplySnapshot(ctx, inc); err != nil {
		return err
	}
	if err := n.storage.ApplySnapshot(meta, inc.Members); err != nil {
		return err
	}

	if err := n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Step(inc.Message)
	}); err != nil {
		return err
	}
	n.signalReady()

	n.lg.Infow("installed snapshot", "id", inc.ID, "index", meta.Index, "term", meta.Term)
	return nil
}

// ReportUnreachable records a peer the transport failed to reach; the
// reports are folded into the next tick like the unreachable remotes of a
// coalesced heartbeat.
func (n *Node) ReportUnreachable(nodeID uint64) {
	n.unreachableMu.Lock()
	n.unreachableMu.remotes[nodeID] = struct{}{}
	n.unreachableMu.Unlock()
}

func (n *Node) run() {
	defer close(n.donec)

	ticker := time.NewTicker(time.Duration(n.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopc:
			return
		case <-ticker.C:
			n.tick()
		case <-n.readyc:
		case pr := <-n.proposals:
			n.handleProposal(pr)
			n.proposals.Iter(func(m proposalRequest) bool {
				n.handleProposal(m)
				return true
			})
		}
		n.processReady()
	}
}

func (n *Node) tick() {
	n.unreachableMu.Lock()
	remotes := n.unreachableMu.remotes
	n.unreachableMu.remotes = make(map[uint64]struct{})
	n.unreachableMu.Unlock()

	n.withRawNode(func(rn *raft.RawNode) error {
		for remote := range remotes {
			rn.ReportUnreachable(remote)
		}
		rn.Tick()
		return nil
	})
}

func (n *Node) handleProposal(pr proposalRequest) {
	err := n.withRawNode(func(rn *raft.RawNode) error {
		if pr.entryType == raftpb.EntryConfChange {
			cc := raftpb.ConfChange{}
			if err := cc.Unmarshal(pr.data); err != nil {
				return err
			}
			return rn.ProposeConfChange(cc)
		}
		return rn.Propose(pr.data)
	})
	if err != nil {
		n.doNotify(pr.notifyID, proposalResult{err: mapProposeError(err)})
	}
}

func (n *Node) processReady() {
	n.rawNodeMu.Lock()
	defer n.rawNodeMu.Unlock()
	rn := n.rawNodeMu.rawNode

	for rn.HasReady() {
		rd := rn.Ready()

		if rd.SoftState != nil {
			prev := n.leader.Swap(rd.SoftState.Lead)
			if prev != rd.SoftState.Lead {
				n.lg.Infow("leader changed", "leader", rd.SoftState.Lead, "term", rd.HardState.Term)
				if err := n.cfg.SM.LeaderChange(rd.SoftState.Lead); err != nil {
					n.lg.Errorw("state machine leader change failed", "err", err)
				}
			}
		}

		// The durable {term, vote, commit} record and new entries must be
		// fsynced before any message from this Ready is sent.
		if err := n.storage.SaveHardStateAndEntries(rd.HardState, rd.Entries); err != nil {
			n.lg.Fatalw("persist hard state and entries failed", "err", err)
		}

		if !raft.IsEmptySnap(rd.Snapshot) {
			// Snapshot content was installed by HandleSnapshot before the
			// MsgSnap was stepped; only sanity check it here.
			if rd.Snapshot.Metadata.Index > n.storage.AppliedIndex() {
				n.lg.Fatalw("ready snapshot beyond installed state",
					"snapshot_index", rd.Snapshot.Metadata.Index, "applied", n.storage.AppliedIndex())
			}
		}

		n.sendMessages(rn, rd.Messages)

		for _, rs := range rd.ReadStates {
			n.doNotify(bytesToNotifyID(rs.RequestCtx), proposalResult{index: rs.Index})
		}

		if err := n.applyCommittedEntries(rn, rd.CommittedEntries); err != nil {
			n.lg.Fatalw("apply committed entries failed", "err", err)
		}

		rn.Advance(rd)
	}
}

func (n *Node) sendMessages(rn *raft.RawNode, msgs []raftpb.Message) {
	if len(msgs) == 0 {
		return
	}
	out := msgs[:0]
	for i := range msgs {
		msg := msgs[i]
		if msg.Type != raftpb.MsgSnap {
			out = append(out, msg)
			continue
		}

		id := string(msg.Snapshot.Data)
		snap := n.storage.GetSnapshot(id)
		if snap == nil {
			n.lg.Warnw("outgoing snapshot not found", "id", id, "to", msg.To)
			rn.ReportSnapshot(msg.To, raft.SnapshotFailure)
			continue
		}
		snap.Message = msg
		go n.sendSnapshot(snap)
	}
	if len(out) > 0 {
		n.cfg.Transport.SendMessages(context.Background(), out)
	}
}

func (n *Node) sendSnapshot(snap *OutgoingSnapshot) {
	defer n.storage.DeleteSnapshot(snap.ID)

	err := n.cfg.Transport.SendSnapshot(context.Background(), snap)
	status := raft.SnapshotFinish
	if err != nil {
		n.lg.Warnw("send snapshot failed", "id", snap.ID, "to", snap.Message.To, "err", err)
		status = raft.SnapshotFailure
	}
	n.withRawNode(func(rn *raft.RawNode) error {
		rn.ReportSnapshot(snap.Message.To, status)
		return nil
	})
	n.signalReady()
}

func (n *Node) applyCommittedEntries(rn *raft.RawNode, entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx := context.Background()

	var pds []ProposalData
	flush := func(upto uint64) error {
		if len(pds) == 0 {
			return nil
		}
		rets, err := n.cfg.SM.Apply(ctx, pds, upto)
		if err != nil {
			return err
		}
		first := upto - uint64(len(pds)) + 1
		for i := range rets {
			n.doNotify(pds[i].NotifyID, proposalResult{index: first + uint64(i), reply: rets[i]})
		}
		pds = pds[:0]
		return nil
	}

	for i := range entries {
		entry := &entries[i]
		switch entry.Type {
		case raftpb.EntryConfChange:
			if err := flush(entry.Index - 1); err != nil {
				return err
			}
			if err := n.applyConfChange(rn, entry); err != nil {
				return err
			}
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				// raft appends an empty entry when a leader takes over
				if err := flush(entry.Index - 1); err != nil {
					return err
				}
				continue
			}
			pd := ProposalData{}
			if err := pd.Unmarshal(entry.Data); err != nil {
				return err
			}
			pds = append(pds, pd)
		}
	}

	last := entries[len(entries)-1].Index
	if err := flush(last); err != nil {
		return err
	}
	n.storage.SetAppliedIndex(last)
	return nil
}

func (n *Node) applyConfChange(rn *raft.RawNode, entry *raftpb.Entry) error {
	cc := raftpb.ConfChange{}
	if err := cc.Unmarshal(entry.Data); err != nil {
		return err
	}
	rn.ApplyConfChange(cc)

	ccCtx := ccContext{}
	if err := proto.Unmarshal(cc.Context, &ccCtx); err != nil {
		return err
	}
	member := ccCtx.Member
	if cc.Type == raftpb.ConfChangeRemoveNode {
		member.Type = MemberChangeType_RemoveMember
	}

	if err := n.cfg.SM.ApplyMemberChange(&member, entry.Index); err != nil {
		return err
	}
	if err := n.storage.MemberChange(&member); err != nil {
		return err
	}
	n.storage.SetAppliedIndex(entry.Index)
	n.doNotify(ccCtx.NotifyID, proposalResult{index: entry.Index})
	return nil
}

func (n *Node) withRawNode(f func(rn *raft.RawNode) error) error {
	n.rawNodeMu.Lock()
	defer n.rawNodeMu.Unlock()
	return f(n.rawNodeMu.rawNode)
}

func (n *Node) signalReady() {
	select {
	case n.readyc <- struct{}{}:
	default:
	}
}

func (n *Node) addNotify(notifyID uint64, nt notify) {
	n.notifies.Store(notifyID, nt)
}

func (n *Node) doNotify(notifyID uint64, ret proposalResult) {
	v, ok := n.notifies.LoadAndDelete(notifyID)
	if !ok {
		return
	}
	v.(notify).Notify(ret)
}

func mapProposeError(err error) error {
	if err == raft.ErrProposalDropped {
		return proto.ErrUnavailable
	}
	return err
}

func initialDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func notifyIDToBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func bytesToNotifyID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
