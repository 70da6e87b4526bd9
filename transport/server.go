package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/raft"
)

const defaultWorkerPoolSize = 256

type (
	// RaftHandler consumes inbound consensus traffic. Peer messages are
	// stepped on the connection's reader goroutine so per-peer ordering is
	// preserved; snapshot installs run on their own goroutine and are fed
	// chunk by chunk.
	RaftHandler interface {
		HandleMessage(ctx context.Context, msg raftpb.Message) error
		HandleSnapshot(ctx context.Context, inc *raft.IncomingSnapshot) error
	}

	// ClientHandler serves propose and read frames. Handlers never return an
	// error: failures travel inside the response as a wire code.
	ClientHandler interface {
		HandlePropose(ctx context.Context, req *proto.ProposeRequest) *proto.ProposeResponse
		HandleRead(ctx context.Context, req *proto.ReadRequest) *proto.ReadResponse
	}

	ServerConfig struct {
		Addr           string `json:"addr"`
		WorkerPoolSize int    `json:"worker_pool_size"`

		RaftHandler   RaftHandler   `json:"-"`
		ClientHandler ClientHandler `json:"-"`
		Logger        *zap.Logger   `json:"-"`
	}
)

// Server accepts the shared peer/client listener. Each connection gets one
// reader goroutine; client requests are answered through a worker pool so a
// slow apply cannot stall the reader, while consensus frames stay inline.
type Server struct {
	cfg  *ServerConfig
	ln   net.Listener
	pool *ants.Pool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lg     *zap.SugaredLogger
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultWorkerPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		pool.Release()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		ln:     ln,
		pool:   pool,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
		lg:     cfg.Logger.Sugar().Named("transport"),
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
				default:
					s.lg.Errorw("accept failed", "err", err)
				}
				return
			}
			s.trackConn(conn, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
}

func (s *Server) Close() {
	s.cancel()
	s.ln.Close()
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	s.pool.Release()
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connsMu.Lock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()
}

type connState struct {
	conn    net.Conn
	writeMu sync.Mutex

	snapshot *raft.IncomingSnapshot
	snapDone chan error
}

func (c *connState) writeFrame(kind proto.MessageKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, kind, payload)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.trackConn(conn, false)
		conn.Close()
	}()

	c := &connState{conn: conn}
	defer func() {
		if c.snapshot != nil {
			c.snapshot.Close()
		}
	}()

	for {
		kind, payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.ctx.Done():
				default:
					s.lg.Debugw("connection read failed", "remote", conn.RemoteAddr(), "err", err)
				}
			}
			return
		}

		switch kind {
		case proto.KindVoteRequest, proto.KindVoteResponse,
			proto.KindAppendEntries, proto.KindAppendEntriesResponse:
			if err := s.handleRaftFrame(payload); err != nil {
				s.lg.Warnw("step raft message failed", "err", err)
			}
		case proto.KindInstallSnapshot:
			if err := s.handleSnapshotFrame(c, payload); err != nil {
				s.lg.Warnw("snapshot stream failed", "remote", conn.RemoteAddr(), "err", err)
				return
			}
		case proto.KindClientPropose:
			if err := s.handleProposeFrame(c, payload); err != nil {
				return
			}
		case proto.KindClientRead:
			if err := s.handleReadFrame(c, payload); err != nil {
				return
			}
		default:
			s.lg.Warnw("unexpected frame kind", "kind", kind.String(), "remote", conn.RemoteAddr())
			return
		}
	}
}

func (s *Server) handleRaftFrame(payload []byte) error {
	msg := raftpb.Message{}
	if err := msg.Unmarshal(payload); err != nil {
		return err
	}
	return s.cfg.RaftHandler.HandleMessage(s.ctx, msg)
}

// handleSnapshotFrame advances one connection's snapshot stream. The first
// frame opens the install on its own goroutine, later frames feed chunks,
// and the final frame waits for the install result and acks it. A failed
// install tears the connection down so the sender sees the abort.
func (s *Server) handleSnapshotFrame(c *connState, payload []byte) error {
	frame := snapshotFrame{}
	if err := proto.Unmarshal(payload, &frame); err != nil {
		return err
	}

	if c.snapshot == nil {
		if len(frame.Header) == 0 {
			return ErrBadFrame
		}
		msg := raftpb.Message{}
		if err := msg.Unmarshal(frame.Header); err != nil {
			return err
		}
		inc := raft.NewIncomingSnapshot(frame.ID, msg, frame.Members)
		c.snapshot = inc
		c.snapDone = make(chan error, 1)
		go func() {
			c.snapDone <- s.cfg.RaftHandler.HandleSnapshot(s.ctx, inc)
		}()
		if !frame.Final {
			return nil
		}
	}
	if frame.ID != c.snapshot.ID {
		return ErrBadFrame
	}

	if len(frame.Chunk) > 0 || frame.Final {
		if !c.snapshot.Feed(frame.Chunk, frame.Final, nil) {
			// install aborted under us
			err := <-c.snapDone
			c.snapshot = nil
			s.ackSnapshot(c, frame.ID, err)
			return err
		}
	}
	if !frame.Final {
		return nil
	}

	err := <-c.snapDone
	c.snapshot = nil
	s.ackSnapshot(c, frame.ID, err)
	return err
}

func (s *Server) ackSnapshot(c *connState, id string, result error) {
	ack := snapshotAck{ID: id, Code: proto.CodeOK}
	if result != nil {
		ack.Code = proto.CodeOf(result)
		ack.Msg = result.Error()
	}
	payload, err := proto.Marshal(ack)
	if err != nil {
		return
	}
	if err := c.writeFrame(proto.KindInstallSnapshotResponse, payload); err != nil {
		s.lg.Warnw("write snapshot ack failed", "id", id, "err", err)
	}
}

func (s *Server) handleProposeFrame(c *connState, payload []byte) error {
	req := &proto.ProposeRequest{}
	if err := proto.Unmarshal(payload, req); err != nil {
		return err
	}
	task := func() {
		resp := s.cfg.ClientHandler.HandlePropose(s.ctx, req)
		s.writeResponse(c, proto.KindClientProposeResponse, resp)
	}
	if err := s.pool.Submit(task); err != nil {
		s.writeResponse(c, proto.KindClientProposeResponse, &proto.ProposeResponse{
			Code: proto.CodeUnavailable, Msg: "server overloaded",
		})
	}
	return nil
}

func (s *Server) handleReadFrame(c *connState, payload []byte) error {
	req := &proto.ReadRequest{}
	if err := proto.Unmarshal(payload, req); err != nil {
		return err
	}
	task := func() {
		resp := s.cfg.ClientHandler.HandleRead(s.ctx, req)
		if req.Query == proto.QueryReadBlock && resp.Code == proto.CodeOK {
			s.writeBlockTransfer(c, req, resp)
			return
		}
		s.writeResponse(c, proto.KindClientReadResponse, resp)
	}
	if err := s.pool.Submit(task); err != nil {
		s.writeResponse(c, proto.KindClientReadResponse, &proto.ReadResponse{
			Code: proto.CodeUnavailable, Msg: "server overloaded",
		})
	}
	return nil
}

// writeBlockTransfer answers a successful ReadBlock with raw bytes behind a
// small header instead of re-encoding the block through msgpack.
func (s *Server) writeBlockTransfer(c *connState, req *proto.ReadRequest, resp *proto.ReadResponse) {
	blockReq := proto.ReadBlockRequest{}
	if err := proto.Unmarshal(req.Data, &blockReq); err != nil {
		s.writeResponse(c, proto.KindClientReadResponse, &proto.ReadResponse{
			Code: proto.CodeInvalid, Msg: err.Error(),
		})
		return
	}
	payload, err := EncodeBlockTransfer(BlockTransferHeader{
		Code:   proto.CodeOK,
		Digest: blockReq.Digest,
		Offset: blockReq.Offset,
		Length: uint32(len(resp.Data)),
	}, resp.Data)
	if err != nil {
		s.writeResponse(c, proto.KindClientReadResponse, &proto.ReadResponse{
			Code: proto.CodeUnavailable, Msg: err.Error(),
		})
		return
	}
	if err := c.writeFrame(proto.KindBlockTransfer, payload); err != nil {
		s.lg.Debugw("write block transfer failed", "err", err)
	}
}

func (s *Server) writeResponse(c *connState, kind proto.MessageKind, resp interface{}) {
	payload, err := proto.Marshal(resp)
	if err != nil {
		s.lg.Errorw("marshal response failed", "err", err)
		return
	}
	if err := c.writeFrame(kind, payload); err != nil {
		s.lg.Debugw("write response failed", "err", err)
	}
}
