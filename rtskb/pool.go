/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rtskb

import (
	"sync/atomic"

	rtnet "github.com/rtnetgo/rtnet"
)

// Role identifies why a pool exists, matching the three roles a pool can
// play in the data model.
type Role uint8

// Pool roles.
const (
	RoleGlobal Role = iota
	RoleDevice
	RoleProtocol
)

// Checked toggles the leak-balance counters and bounds assertions that a
// debug build would compile in. It is off by default to mirror a
// production (CONFIG_RTNET_CHECKED=n) build; rtnetd.Daemon.Run sets it
// from the config file's checked key.
var Checked = false

// Global pool/buffer accounting, the Go analogue of the proc counters
// rtskb_pools / rtskb_pools_max / rtskb_amount / rtskb_amount_max.
var (
	poolsCurrent   atomic.Int64
	poolsMax       atomic.Int64
	buffersCurrent atomic.Int64
	buffersMax     atomic.Int64
)

// PoolStats snapshots the package-wide counters, exposed via rtstats.
type PoolStats struct {
	Pools      int64
	PoolsMax   int64
	Buffers    int64
	BuffersMax int64
}

// GlobalStats returns a snapshot of the package-wide buffer accounting.
func GlobalStats() PoolStats {
	return PoolStats{
		Pools:      poolsCurrent.Load(),
		PoolsMax:   poolsMax.Load(),
		Buffers:    buffersCurrent.Load(),
		BuffersMax: buffersMax.Load(),
	}
}

// Pool is a fixed-capacity free list of Buffers of uniform per-buffer
// capacity, with an optional leak-balance counter in checked builds.
type Pool struct {
	Queue

	Name    string
	Role    Role
	bufCap  int
	balance atomic.Int64
}

// NewPool creates an empty pool; call Extend to populate it. bufCap is the
// maximum payload capacity (RTSKB_SIZE equivalent) of every buffer drawn
// from this pool.
func NewPool(name string, role Role, bufCap int) *Pool {
	p := &Pool{Name: name, Role: role, bufCap: bufCap}
	poolsCurrent.Add(1)
	incMax(&poolsCurrent, &poolsMax)
	return p
}

func incMax(cur, max *atomic.Int64) {
	v := cur.Load()
	for {
		m := max.Load()
		if v <= m || max.CompareAndSwap(m, v) {
			return
		}
	}
}

// Extend grows the pool by n freshly carved buffers, outside the
// real-time path. It returns the number added, which is always n.
func (p *Pool) Extend(n int) int {
	added := 0
	for i := 0; i < n; i++ {
		b := &Buffer{
			arena: make([]byte, p.bufCap),
			end:   p.bufCap,
		}
		b.chainEnd = b
		b.Pool = p
		p.QueueTail(b)
		added++
		buffersCurrent.Add(1)
		incMax(&buffersCurrent, &buffersMax)
	}
	return added
}

// Shrink removes up to n buffers from the pool's free list, outside the
// real-time path. It returns the number actually removed.
func (p *Pool) Shrink(n int) int {
	removed := 0
	for i := 0; i < n; i++ {
		if p.Dequeue() == nil {
			break
		}
		removed++
		buffersCurrent.Add(-1)
	}
	return removed
}

// Release returns every buffer in the pool to the slab and removes the
// pool from the global accounting. Call only outside the real-time path,
// at teardown.
func (p *Pool) Release() {
	for p.Dequeue() != nil {
		buffersCurrent.Add(-1)
	}
	poolsCurrent.Add(-1)
}

// Balance reports the leak-balance counter; only meaningful when Checked
// is set. At steady state it must read zero.
func (p *Pool) Balance() int64 { return p.balance.Load() }

// Alloc draws a buffer from the pool and resets its cursors, or returns
// ErrNoBufs if the pool is empty. size must not exceed the pool's
// per-buffer capacity.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size > p.bufCap {
		return nil, rtnet.ErrNoSpace
	}
	b := p.Dequeue()
	if b == nil {
		return nil, rtnet.ErrNoBufs
	}
	if Checked {
		p.balance.Add(-1)
		b.chainLen = 1
	}
	b.data = b.bufStart
	b.tail = b.bufStart
	b.end = b.bufStart + size
	b.chainEnd = b
	b.PktType = PacketHost
	b.XmitStamp = nil
	b.CapFlags = 0
	b.next = nil
	return b, nil
}

// Free returns a buffer to its currently recorded pool, per Buffer.Pool —
// not necessarily the pool it was allocated from, see Acquire. If the
// buffer heads a chain, every member is freed individually to its own
// recorded pool. If a capture hook has claimed the buffer (CapFlags &
// CapShared), the capture tee runs instead of a normal free.
func Free(b *Buffer) {
	if b == nil || b.Pool == nil {
		return
	}
	next := b
	chainEnd := b.chainEnd
	for {
		cur := next
		next = cur.next
		cur.next = nil

		if cur.CapFlags&CapShared != 0 {
			freeCaptured(cur)
		} else {
			cur.chainEnd = cur
			cur.Pool.QueueTail(cur)
			if Checked {
				cur.Pool.balance.Add(1)
			}
		}

		if cur == chainEnd || next == nil {
			break
		}
	}
}

// freeCaptured implements the capture tee: it swaps the buffer's pool
// pointer with a companion buffer drawn from the recorded companion pool,
// and enqueues the companion to the buffer's original pool as an
// immediate refill, so the capture consumer may hold the payload past the
// normal free point without exhausting the source pool.
func freeCaptured(b *Buffer) {
	comp := b.CapCompanion
	if comp == nil {
		b.CapFlags &^= CapShared
		b.chainEnd = b
		b.Pool.QueueTail(b)
		if Checked {
			b.Pool.balance.Add(1)
		}
		return
	}
	b.CapFlags &^= CapShared
	origPool := b.Pool
	b.Pool, comp.Pool = comp.Pool, origPool
	origPool.QueueTail(comp)
	if Checked {
		origPool.balance.Add(1)
	}
}

// Acquire swaps buf's pool reference with a fresh buffer dequeued from
// compPool: the caller retains buf (now charged against compPool), while
// the companion is enqueued into buf's original pool as an immediate
// refill. It fails with ErrNoBufs if compPool is empty. Only the first
// buffer of a chain is acquired.
func Acquire(buf *Buffer, compPool *Pool) error {
	comp := compPool.Dequeue()
	if comp == nil {
		return rtnet.ErrNoBufs
	}
	if Checked {
		compPool.balance.Add(-1)
	}
	comp.chainEnd = comp
	releasePool := buf.Pool
	comp.Pool = releasePool
	if Checked {
		comp.chainLen = 1
	}
	releasePool.QueueTail(comp)
	if Checked {
		releasePool.balance.Add(1)
	}
	buf.Pool = compPool
	return nil
}
