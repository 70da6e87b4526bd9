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

// Package server wires one node together: the kvstore, the catalog state
// machine, the raft node and the framed TCP endpoint, plus the background
// truncation and compaction jobs.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raftfs/raftfs/catalog"
	"github.com/raftfs/raftfs/common/kvstore"
	"github.com/raftfs/raftfs/raft"
	"github.com/raftfs/raftfs/transport"
)

// CFRaft holds the raft log, hard state and membership records; it shares
// the store with the catalog tables.
const CFRaft kvstore.CF = "raft"

const (
	defaultTruncateIntervalS   = 60
	defaultTruncateKeepNum     = 10000
	defaultCompactionIntervalS = 120
	defaultProposeTimeoutS     = 10
	defaultReadWaitTimeoutS    = 3
)

type Config struct {
	NodeID    uint64        `json:"node_id"`
	Addr      string        `json:"addr"`
	StorePath string        `json:"store_path"`
	Members   []raft.Member `json:"members"`

	TruncateIntervalS   int    `json:"truncate_interval_s"`
	TruncateKeepNum     uint64 `json:"truncate_keep_num"`
	CompactionIntervalS int    `json:"compaction_interval_s"`
	ProposeTimeoutS     int    `json:"propose_timeout_s"`
	ReadWaitTimeoutS    int    `json:"read_wait_timeout_s"`
	WorkerPoolSize      int    `json:"worker_pool_size"`

	KVOption      kvstore.Option       `json:"kv_option"`
	RaftConfig    raft.Config          `json:"raft_config"`
	CatalogConfig catalog.Config       `json:"catalog_config"`
	PeerConfig    transport.PeerConfig `json:"peer_config"`

	Logger *zap.Logger `json:"-"`
}

type Server struct {
	cfg *Config

	kv      kvstore.Store
	catalog *catalog.Catalog
	node    *raft.Node
	peers   *transport.PeerTransport
	tcp     *transport.Server

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	lg   *zap.SugaredLogger
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger, _ = zap.NewProduction()
	}
	initialDefault(&cfg.TruncateIntervalS, defaultTruncateIntervalS)
	initialDefault(&cfg.CompactionIntervalS, defaultCompactionIntervalS)
	initialDefault(&cfg.ProposeTimeoutS, defaultProposeTimeoutS)
	initialDefault(&cfg.ReadWaitTimeoutS, defaultReadWaitTimeoutS)
	if cfg.TruncateKeepNum == 0 {
		cfg.TruncateKeepNum = defaultTruncateKeepNum
	}

	s := &Server{
		cfg:  cfg,
		done: make(chan struct{}),
		lg:   cfg.Logger.Sugar().Named("server"),
	}

	cfg.KVOption.ColumnFamilies = append(catalog.ColumnFamilies(), CFRaft)
	kv, err := kvstore.NewStore(context.Background(), cfg.StorePath, &cfg.KVOption)
	if err != nil {
		return nil, fmt.Errorf("open kvstore: %w", err)
	}
	s.kv = kv

	cfg.CatalogConfig.KV = kv
	cfg.CatalogConfig.Logger = cfg.Logger
	cat, err := catalog.NewCatalog(&cfg.CatalogConfig)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	s.catalog = cat

	cfg.PeerConfig.Resolver = &memberResolver{s: s}
	cfg.PeerConfig.Logger = cfg.Logger
	s.peers = transport.NewPeerTransport(&cfg.PeerConfig)

	cfg.RaftConfig.NodeID = cfg.NodeID
	cfg.RaftConfig.Members = cfg.Members
	cfg.RaftConfig.Applied = cat.AppliedIndex()
	cfg.RaftConfig.KV = kv
	cfg.RaftConfig.CF = CFRaft
	cfg.RaftConfig.SM = cat.SM()
	cfg.RaftConfig.Transport = s.peers
	cfg.RaftConfig.Logger = cfg.Logger
	node, err := raft.NewNode(&cfg.RaftConfig)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}
	s.node = node
	s.peers.SetReporter(node)

	tcp, err := transport.NewServer(&transport.ServerConfig{
		Addr:           cfg.Addr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		RaftHandler:    node,
		ClientHandler:  s,
		Logger:         cfg.Logger,
	})
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s.tcp = tcp

	return s, nil
}

// Start launches the raft node, the listener and the background jobs. For a
// single node cluster it also forces an immediate election.
func (s *Server) Start() {
	s.node.Start()
	s.tcp.Serve()

	if len(s.node.Members()) == 1 {
		if err := s.node.Campaign(context.Background()); err != nil {
			s.lg.Warnw("campaign failed", "err", err)
		}
	}

	s.wg.Add(2)
	go s.truncateJob()
	go s.compactionJob()
}

// WaitForLeader blocks until the group has an elected leader that answered a
// read-index round, or ctx expires.
func (s *Server) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := s.node.ReadIndex(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) Addr() string { return s.tcp.Addr() }

func (s *Server) IsLeader() bool { return s.node.IsLeader() }

func (s *Server) AppliedIndex() uint64 { return s.catalog.AppliedIndex() }

func (s *Server) Stat() raft.Stat { return s.node.Stat() }

// AddMember proposes a membership change adding or promoting the node.
func (s *Server) AddMember(ctx context.Context, m raft.Member) error {
	m.Type = raft.MemberChangeType_AddMember
	return s.node.MemberChange(ctx, &m)
}

func (s *Server) RemoveMember(ctx context.Context, nodeID uint64) error {
	return s.node.MemberChange(ctx, &raft.Member{
		NodeID: nodeID,
		Type:   raft.MemberChangeType_RemoveMember,
	})
}

func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		s.tcp.Close()
		s.wg.Wait()
		s.node.Stop()
		s.peers.Close()
		s.kv.Close()
	})
}

// truncateJob trims the local raft log behind the applied index, keeping a
// tail so slow followers catch up from the log instead of a snapshot.
func (s *Server) truncateJob() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.TruncateIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			applied := s.catalog.AppliedIndex()
			if applied <= s.cfg.TruncateKeepNum {
				continue
			}
			target := applied - s.cfg.TruncateKeepNum
			if err := s.node.Truncate(context.Background(), target); err != nil {
				s.lg.Warnw("truncate raft log failed", "target", target, "err", err)
			}
		}
	}
}

func (s *Server) compactionJob() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.CompactionIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.catalog.RunCompaction(context.Background()); err != nil {
				s.lg.Warnw("compaction pass failed", "err", err)
			}
		}
	}
}

// memberResolver serves peer addresses from the replicated member table,
// falling back to the static seed list before the node has started.
type memberResolver struct {
	s *Server
}

func (r *memberResolver) Resolve(nodeID uint64) (string, error) {
	members := r.s.cfg.Members
	if r.s.node != nil {
		members = r.s.node.Members()
	}
	for _, m := range members {
		if m.NodeID == nodeID {
			return m.Addr, nil
		}
	}
	return "", fmt.Errorf("unknown node %d", nodeID)
}

func initialDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
