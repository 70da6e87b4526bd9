package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raftfs/raftfs/metrics"
	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

type connectionClass int8

const (
	// defaultConnectionClass carries log replication traffic.
	defaultConnectionClass connectionClass = iota
	// systemConnectionClass carries votes and heartbeats so that bulk
	// replication bursts cannot starve liveness traffic.
	systemConnectionClass
	numConnectionClasses
)

const (
	peerSendBufferSize = 1024

	defaultConnectTimeoutMs    = 1000
	defaultWriteTimeoutMs      = 5000
	defaultBackoffBaseDelayMs  = 200
	defaultBackoffMaxDelayMs   = 5000
	defaultSnapshotRateMBps    = 64
	defaultSnapshotAckTimeoutS = 60
)

// UnreachableReporter receives delivery failures so raft can back off its
// retransmissions to the peer.
type UnreachableReporter interface {
	ReportUnreachable(nodeID uint64)
}

type PeerConfig struct {
	ConnectTimeoutMs    uint32 `json:"connect_timeout_ms"`
	WriteTimeoutMs      uint32 `json:"write_timeout_ms"`
	BackoffBaseDelayMs  uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs   uint32 `json:"backoff_max_delay_ms"`
	SnapshotRateMBps    int    `json:"snapshot_rate_mbps"`
	SnapshotAckTimeoutS int    `json:"snapshot_ack_timeout_s"`

	Resolver raft.AddressResolver `json:"-"`
	Logger   *zap.Logger          `json:"-"`
}

// PeerTransport implements raft.Transport over the framed wire protocol. One
// outbound queue and worker exists per (address, class); the worker owns the
// connection, redials with exponential backoff, and exits when its queue
// idles out. Messages queued while a peer is down are dropped: raft
// retransmits, the transport never buffers unboundedly.
type PeerTransport struct {
	cfg      *PeerConfig
	queues   [numConnectionClasses]sync.Map
	reporter UnreachableReporter
	snapRate *rate.Limiter

	done chan struct{}
	once sync.Once
	lg   *zap.SugaredLogger
}

func NewPeerTransport(cfg *PeerConfig) *PeerTransport {
	initialDefault(&cfg.ConnectTimeoutMs, defaultConnectTimeoutMs)
	initialDefault(&cfg.WriteTimeoutMs, defaultWriteTimeoutMs)
	initialDefault(&cfg.BackoffBaseDelayMs, defaultBackoffBaseDelayMs)
	initialDefault(&cfg.BackoffMaxDelayMs, defaultBackoffMaxDelayMs)
	if cfg.SnapshotRateMBps <= 0 {
		cfg.SnapshotRateMBps = defaultSnapshotRateMBps
	}
	if cfg.SnapshotAckTimeoutS <= 0 {
		cfg.SnapshotAckTimeoutS = defaultSnapshotAckTimeoutS
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	bytesPerSec := cfg.SnapshotRateMBps << 20
	return &PeerTransport{
		cfg:      cfg,
		snapRate: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
		done:     make(chan struct{}),
		lg:       cfg.Logger.Sugar().Named("transport"),
	}
}

// SetReporter must be called before the first SendMessages; the raft node
// cannot be constructed before its transport, so the reporter is wired late.
func (t *PeerTransport) SetReporter(r UnreachableReporter) {
	t.reporter = r
}

func (t *PeerTransport) SendMessages(ctx context.Context, msgs []raftpb.Message) {
	for i := range msgs {
		msg := msgs[i]
		if msg.To == 0 {
			continue
		}
		addr, err := t.cfg.Resolver.Resolve(msg.To)
		if err != nil {
			t.lg.Warnw("resolve peer failed", "node", msg.To, "err", err)
			t.dropMessage(msg.To)
			continue
		}

		class := classOf(msg.Type)
		ch, existing := t.getQueue(addr, class)
		if !existing {
			// the worker deletes the queue when it exits
			go t.startProcessNewQueue(addr, class)
		}
		select {
		case ch <- msg:
		default:
			t.dropMessage(msg.To)
		}
	}
}

// SendSnapshot streams one snapshot over a dedicated connection: a header
// frame, rate limited chunk frames, a final frame, then it blocks for the
// receiver's ack. The shared queues never see snapshot traffic.
func (t *PeerTransport) SendSnapshot(ctx context.Context, snap *raft.OutgoingSnapshot) error {
	addr, err := t.cfg.Resolver.Resolve(snap.Message.To)
	if err != nil {
		return fmt.Errorf("resolve node[%d]: %w", snap.Message.To, err)
	}
	conn, err := t.dial(addr)
	if err != nil {
		metrics.SnapshotSent.WithLabelValues("dial_error").Inc()
		return err
	}
	defer conn.Close()

	err = t.streamSnapshot(ctx, conn, snap)
	if err != nil {
		metrics.SnapshotSent.WithLabelValues("error").Inc()
		return err
	}
	metrics.SnapshotSent.WithLabelValues("ok").Inc()
	return nil
}

func (t *PeerTransport) streamSnapshot(ctx context.Context, conn net.Conn, snap *raft.OutgoingSnapshot) error {
	header, err := snap.Message.Marshal()
	if err != nil {
		return err
	}
	frame := snapshotFrame{ID: snap.ID, Header: header, Members: snap.Members}
	if err := t.writeSnapshotFrame(conn, &frame); err != nil {
		return err
	}

	seq := uint32(1)
	for {
		chunk, err := snap.ReadChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if n := len(chunk); n <= t.snapRate.Burst() {
			if err := t.snapRate.WaitN(ctx, n); err != nil {
				return err
			}
		}
		frame = snapshotFrame{ID: snap.ID, Seq: seq, Chunk: chunk}
		if err := t.writeSnapshotFrame(conn, &frame); err != nil {
			return err
		}
		seq++
	}

	frame = snapshotFrame{ID: snap.ID, Seq: seq, Final: true}
	if err := t.writeSnapshotFrame(conn, &frame); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(time.Duration(t.cfg.SnapshotAckTimeoutS) * time.Second))
	kind, payload, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read snapshot ack: %w", err)
	}
	if kind != proto.KindInstallSnapshotResponse {
		return fmt.Errorf("unexpected ack kind %s", kind)
	}
	ack := snapshotAck{}
	if err := proto.Unmarshal(payload, &ack); err != nil {
		return err
	}
	if ack.Code != proto.CodeOK {
		return fmt.Errorf("snapshot[%s] rejected: %s", snap.ID, ack.Msg)
	}
	return nil
}

func (t *PeerTransport) writeSnapshotFrame(conn net.Conn, frame *snapshotFrame) error {
	payload, err := proto.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(time.Duration(t.cfg.WriteTimeoutMs) * time.Millisecond))
	return WriteFrame(conn, proto.KindInstallSnapshot, payload)
}

func (t *PeerTransport) Close() {
	t.once.Do(func() {
		close(t.done)
	})
}

func (t *PeerTransport) dropMessage(nodeID uint64) {
	metrics.PeerMessageDropped.Inc()
	if t.reporter != nil {
		t.reporter.ReportUnreachable(nodeID)
	}
}

func (t *PeerTransport) getQueue(addr string, class connectionClass) (chan raftpb.Message, bool) {
	queuesMap := &t.queues[class]
	value, ok := queuesMap.Load(addr)
	if !ok {
		ch := make(chan raftpb.Message, peerSendBufferSize)
		value, ok = queuesMap.LoadOrStore(addr, ch)
	}
	return value.(chan raftpb.Message), ok
}

// startProcessNewQueue drains the queue for addr until the connection fails
// or the queue idles out. It owns queue deletion, so the next message to the
// peer spawns a fresh worker.
func (t *PeerTransport) startProcessNewQueue(addr string, class connectionClass) {
	ch, existing := t.getQueue(addr, class)
	if !existing {
		t.lg.Panicw("queue does not exist", "addr", addr, "class", class)
	}
	defer t.queues[class].Delete(addr)

	conn, err := t.dialBackoff(addr)
	if err != nil {
		t.lg.Warnw("connect peer failed", "addr", addr, "err", err)
		return
	}
	defer conn.Close()

	if err := t.processQueue(ch, conn); err != nil {
		t.lg.Warnw("peer queue worker exited", "addr", addr, "err", err)
	}
}

// processQueue writes queued messages to the connection, exiting on the
// first write error or after an idle period. Messages left in the queue at
// that point are lost; raft retransmits them.
func (t *PeerTransport) processQueue(ch chan raftpb.Message, conn net.Conn) error {
	idle := time.NewTimer(time.Minute)
	defer idle.Stop()

	for {
		select {
		case <-t.done:
			return nil
		case <-idle.C:
			return nil
		case msg := <-ch:
			payload, err := msg.Marshal()
			if err != nil {
				return err
			}
			kind := peerKindOf(msg.Type)
			conn.SetWriteDeadline(time.Now().Add(time.Duration(t.cfg.WriteTimeoutMs) * time.Millisecond))
			if err := WriteFrame(conn, kind, payload); err != nil {
				t.dropMessage(msg.To)
				return err
			}
			metrics.PeerMessageSent.WithLabelValues(kind.String()).Inc()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(time.Minute)
		}
	}
}

func (t *PeerTransport) dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, time.Duration(t.cfg.ConnectTimeoutMs)*time.Millisecond)
}

func (t *PeerTransport) dialBackoff(addr string) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(t.cfg.BackoffBaseDelayMs) * time.Millisecond
	bo.MaxInterval = time.Duration(t.cfg.BackoffMaxDelayMs) * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second

	var conn net.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = t.dial(addr)
		return dialErr
	}, bo)
	return conn, err
}

func classOf(t raftpb.MessageType) connectionClass {
	switch t {
	case raftpb.MsgVote, raftpb.MsgVoteResp,
		raftpb.MsgPreVote, raftpb.MsgPreVoteResp,
		raftpb.MsgHeartbeat, raftpb.MsgHeartbeatResp:
		return systemConnectionClass
	default:
		return defaultConnectionClass
	}
}

func initialDefault(v *uint32, def uint32) {
	if *v == 0 {
		*v = def
	}
}
