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

// Package client speaks the framed wire protocol: it follows leader
// redirects for proposals, retries with backoff through Unavailable spells,
// and tracks the highest applied index it has observed so reads never go
// backwards in time.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raftfs/raftfs/proto"
	"github.com/raftfs/raftfs/transport"
)

const (
	defaultDialTimeoutMs    = 2000
	defaultRequestTimeoutMs = 15000
	defaultMaxRetries       = 5
)

type Config struct {
	Addrs            []string `json:"addrs"`
	DialTimeoutMs    uint32   `json:"dial_timeout_ms"`
	RequestTimeoutMs uint32   `json:"request_timeout_ms"`
	MaxRetries       int      `json:"max_retries"`

	Logger *zap.Logger `json:"-"`
}

type Client struct {
	cfg *Config

	mu         sync.Mutex
	conn       net.Conn
	leaderAddr string
	nextAddr   int

	observed atomic.Uint64
	lg       *zap.SugaredLogger
}

func New(cfg *Config) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("client: no server addresses")
	}
	if cfg.DialTimeoutMs == 0 {
		cfg.DialTimeoutMs = defaultDialTimeoutMs
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = defaultRequestTimeoutMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		lg:  cfg.Logger.Sugar().Named("client"),
	}, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// ObservedIndex is the highest applied index any response has reported.
func (c *Client) ObservedIndex() uint64 {
	return c.observed.Load()
}

func (c *Client) observe(index uint64) {
	for {
		cur := c.observed.Load()
		if index <= cur || c.observed.CompareAndSwap(cur, index) {
			return
		}
	}
}

// Propose replicates one mutation. The request id is minted once and reused
// across every retry and redirect, so the applier's dedup table guarantees a
// single apply no matter how many times the frame is resent.
func (c *Client) Propose(ctx context.Context, op proto.OpType, payload interface{}) (*proto.ProposeResponse, error) {
	data, err := proto.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req := proto.ProposeRequest{ReqID: uuid.New().String(), Op: op, Data: data}
	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		kind, respPayload, err := c.roundTrip(ctx, proto.KindClientPropose, reqData)
		if err != nil {
			lastErr = err
			continue
		}
		if kind != proto.KindClientProposeResponse {
			lastErr = fmt.Errorf("unexpected response kind %s", kind)
			c.dropConn()
			continue
		}
		resp := &proto.ProposeResponse{}
		if err := proto.Unmarshal(respPayload, resp); err != nil {
			return nil, err
		}

		switch resp.Code {
		case proto.CodeNotLeader:
			c.redirect(resp.LeaderAddr)
			lastErr = proto.ErrNotLeader
			continue
		case proto.CodeUnavailable:
			lastErr = proto.ErrUnavailable
			continue
		}
		c.observe(resp.Index)
		if resp.Code != proto.CodeOK {
			return resp, resp.Code.Err()
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = proto.ErrUnavailable
	}
	return nil, fmt.Errorf("%w: %v", proto.ErrUnavailable, lastErr)
}

// read performs one query at the client's observed freshness; strict reads
// add a leader read-index barrier on the serving node.
func (c *Client) read(ctx context.Context, query proto.QueryType, payload interface{}, strict bool) (*proto.ReadResponse, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = proto.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	req := proto.ReadRequest{
		Query:    query,
		MinIndex: c.observed.Load(),
		Strict:   strict,
		Data:     data,
	}
	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		kind, respPayload, err := c.roundTrip(ctx, proto.KindClientRead, reqData)
		if err != nil {
			lastErr = err
			continue
		}

		switch kind {
		case proto.KindClientReadResponse:
			resp := &proto.ReadResponse{}
			if err := proto.Unmarshal(respPayload, resp); err != nil {
				return nil, err
			}
			if resp.Code == proto.CodeUnavailable || resp.Code == proto.CodeNotLeader {
				lastErr = resp.Code.Err()
				c.rotateAddr()
				continue
			}
			c.observe(resp.Index)
			if resp.Code != proto.CodeOK {
				return resp, resp.Code.Err()
			}
			return resp, nil
		case proto.KindBlockTransfer:
			hdr, raw, err := transport.DecodeBlockTransfer(respPayload)
			if err != nil {
				return nil, err
			}
			if hdr.Code != proto.CodeOK {
				return nil, hdr.Code.Err()
			}
			return &proto.ReadResponse{Code: proto.CodeOK, Data: raw}, nil
		default:
			lastErr = fmt.Errorf("unexpected response kind %s", kind)
			c.dropConn()
			continue
		}
	}
	if lastErr == nil {
		lastErr = proto.ErrUnavailable
	}
	return nil, fmt.Errorf("%w: %v", proto.ErrUnavailable, lastErr)
}

// roundTrip writes one request frame and reads one response frame. The
// connection carries one request at a time; any transport error tears it
// down so the next attempt redials.
func (c *Client) roundTrip(ctx context.Context, kind proto.MessageKind, payload []byte) (proto.MessageKind, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			return 0, nil, err
		}
	}

	deadline := time.Now().Add(time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if err := transport.WriteFrame(c.conn, kind, payload); err != nil {
		c.dropConnLocked()
		return 0, nil, err
	}
	respKind, respPayload, err := transport.ReadFrame(c.conn)
	if err != nil {
		c.dropConnLocked()
		return 0, nil, err
	}
	return respKind, respPayload, nil
}

func (c *Client) dialLocked() error {
	target := c.leaderAddr
	if target == "" {
		target = c.cfg.Addrs[c.nextAddr%len(c.cfg.Addrs)]
		c.nextAddr++
	}
	conn, err := net.DialTimeout("tcp", target, time.Duration(c.cfg.DialTimeoutMs)*time.Millisecond)
	if err != nil {
		// a dead leader hint must not pin us forever
		c.leaderAddr = ""
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) redirect(leaderAddr string) {
	c.mu.Lock()
	c.leaderAddr = leaderAddr
	c.dropConnLocked()
	c.mu.Unlock()
}

func (c *Client) rotateAddr() {
	c.mu.Lock()
	c.leaderAddr = ""
	c.dropConnLocked()
	c.mu.Unlock()
}

func (c *Client) dropConn() {
	c.mu.Lock()
	c.dropConnLocked()
	c.mu.Unlock()
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
