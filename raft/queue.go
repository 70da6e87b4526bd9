package raft

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

func newProposalQueue(bufferSize int) proposalQueue {
	return make(chan proposalRequest, bufferSize)
}

type proposalQueue chan proposalRequest

func (q proposalQueue) Push(ctx context.Context, m proposalRequest) error {
	select {
	case q <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q proposalQueue) Iter(f func(m proposalRequest) bool) {
ITER:
	for {
		select {
		case m := <-q:
			if !f(m) {
				break ITER
			}
		default:
			break ITER
		}
	}
}

func newNotify() notify {
	return make(chan proposalResult, 1)
}

type notify chan proposalResult

func (n notify) Notify(ret proposalResult) {
	select {
	case n <- ret:
	default:
	}
}

func (n notify) Wait(ctx context.Context) (ret proposalResult, err error) {
	select {
	case <-ctx.Done():
		return ret, ctx.Err()
	case ret = <-n:
		return ret, nil
	}
}

func newIDGenerator(nodeID uint64, now time.Time) *idGenerator {
	prefix := nodeID << 48
	unixMilli := uint64(now.UnixNano()) / uint64(time.Millisecond/time.Nanosecond)
	suffix := lowBit(unixMilli, 40) << 8
	return &idGenerator{
		prefix: prefix,
		suffix: suffix,
	}
}

// idGenerator generates unique notify ids for propose requests.
// | prefix   | suffix              |
// | 2 bytes  | 5 bytes   | 1 byte  |
// | nodeID   | timestamp | cnt     |
type idGenerator struct {
	prefix uint64
	suffix uint64
}

func (g *idGenerator) Next() uint64 {
	suffix := atomic.AddUint64(&g.suffix, 1)
	return g.prefix | lowBit(suffix, 48)
}

func lowBit(x uint64, n uint) uint64 {
	return x & (math.MaxUint64 >> (64 - n))
}
