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

// Package rtskb implements the preallocated, pool-backed packet buffer used
// on every real-time transmit and receive path. Only NewPool and Extend,
// which run outside the real-time path, call into the general allocator:
// buffers are carved out at pool-extend time and only ever move between
// pools afterwards.
package rtskb

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// PktType classifies a received buffer the way the link layer classifies
// an Ethernet frame against the local address.
type PktType uint8

// Packet classes, set by the link driver on receive.
const (
	PacketHost PktType = iota
	PacketBroadcast
	PacketOtherHost
)

// Checksum state of a buffer's payload.
type ChecksumState uint8

// Checksum states.
const (
	ChecksumNone ChecksumState = iota
	ChecksumUnnecessary
	ChecksumPartial
)

// DevRef is the minimal identity a buffer needs to remember about its
// owning device without importing the rtdev package (which in turn depends
// on rtskb for its rx/tx rings) — the two packages are kept acyclic by
// having rtdev.Device satisfy this interface.
type DevRef interface {
	Ifindex() int
	Name() string
}

// Buffer is a fixed-capacity byte arena with four cursors, exactly as
// described for pbuf/rtskb: bufStart <= data <= tail <= end.
type Buffer struct {
	arena []byte

	bufStart int
	data     int
	tail     int
	end      int

	// Pool is the pool this buffer is currently charged against. Free
	// returns the buffer here, which is not necessarily the pool it was
	// originally allocated from (see Acquire).
	Pool *Pool

	Dev      DevRef
	Protocol uint16
	PktType  PktType
	Priority uint8

	RxTimestamp time.Time
	Checksum    ChecksumState
	CsumOffset  int

	// Header offsets into arena, set by upper layers as they parse/build
	// a frame; 0 means "unset".
	MAC int
	NH  int
	H   int

	// XmitStamp, if non-nil, is invoked with the hardware transmit
	// completion time once the driver acknowledges the send.
	XmitStamp func(time.Time)

	// Chain linkage: a buffer may head a chain of buffers, each freed
	// individually to its own recorded pool.
	next     *Buffer
	chainEnd *Buffer
	chainLen int

	// Capture tee state.
	CapFlags     uint8
	CapCompanion *Buffer

	// qnext links a buffer into whatever Queue currently holds it
	// (a pool's free list, a device ring, a TDMA slot queue, ...). A
	// buffer is a member of exactly one queue at a time.
	qnext *Buffer
}

// Capture flags.
const (
	CapShared uint8 = 1 << iota
)

// Cap returns the arena capacity available to this buffer (end - bufStart).
func (b *Buffer) Cap() int { return b.end - b.bufStart }

// Len returns tail - data, the current payload length.
func (b *Buffer) Len() int { return b.tail - b.data }

// Data returns the live payload slice [data:tail).
func (b *Buffer) Data() []byte { return b.arena[b.data:b.tail] }

// Head returns the full writable region [bufStart:end), for diagnostics.
func (b *Buffer) Head() []byte { return b.arena[b.bufStart:b.end] }

// Reserve advances data and tail together without writing anything,
// carving out headroom that Push will later fill from the back.
func (b *Buffer) Reserve(n int) {
	if b.data+n > b.end {
		panicOverrun(b, n, "reserve")
	}
	b.data += n
	b.tail += n
}

// Put appends n bytes at the tail and returns the slice to fill them in,
// advancing tail. It is a programmer fault to put past end.
func (b *Buffer) Put(n int) []byte {
	if b.tail+n > b.end {
		panicOverrun(b, n, "put")
		return nil
	}
	start := b.tail
	b.tail += n
	return b.arena[start:b.tail]
}

// Push prepends n bytes before data and returns the slice to fill them in,
// moving data backward. It is a programmer fault to push past bufStart.
func (b *Buffer) Push(n int) []byte {
	if b.data-n < b.bufStart {
		panicUnderrun(b, n, "push")
		return nil
	}
	b.data -= n
	return b.arena[b.data : b.data+n]
}

// Pull removes n bytes from the front of the payload, advancing data.
func (b *Buffer) Pull(n int) []byte {
	if n > b.Len() {
		panicUnderrun(b, n, "pull")
		return nil
	}
	start := b.data
	b.data += n
	return b.arena[start:b.data]
}

// Trim shortens the payload to n bytes by moving tail backward.
func (b *Buffer) Trim(n int) {
	if n > b.Len() {
		return
	}
	b.tail = b.data + n
}

func panicOverrun(b *Buffer, sz int, op string) {
	log.Errorf("rtskb: %s over: len=%d cap=%d put=%d dev=%s", op, b.Len(), b.Cap(), sz, devName(b))
	panic(fmt.Sprintf("rtskb: %s would overrun buffer bounds", op))
}

func panicUnderrun(b *Buffer, sz int, op string) {
	log.Errorf("rtskb: %s under: len=%d cap=%d pull=%d dev=%s", op, b.Len(), b.Cap(), sz, devName(b))
	panic(fmt.Sprintf("rtskb: %s would underrun buffer bounds", op))
}

func devName(b *Buffer) string {
	if b.Dev == nil {
		return "<nil>"
	}
	return b.Dev.Name()
}

// Chain appends next onto the buffer chain headed by b, updating chainEnd
// and chainLen on the head.
func (b *Buffer) Chain(next *Buffer) {
	head := b.chainEnd
	if head == nil {
		head = b
	}
	head.next = next
	b.chainEnd = next
	b.chainLen++
	next.chainEnd = next
}

// Clone copies header cursors and the mac..tail payload into a fresh
// buffer drawn from pool. Transmit-stamp and capture back-pointers are not
// propagated.
func (b *Buffer) Clone(pool *Pool) (*Buffer, error) {
	clone, err := pool.Alloc(b.Cap())
	if err != nil {
		return nil, err
	}
	clone.Priority = b.Priority
	clone.Dev = b.Dev
	clone.RxTimestamp = b.RxTimestamp
	clone.Protocol = b.Protocol
	clone.PktType = b.PktType
	clone.Checksum = b.Checksum
	clone.CsumOffset = b.CsumOffset

	macStart := b.MAC
	if macStart == 0 {
		macStart = b.data
	}
	n := copy(clone.arena[clone.bufStart:], b.arena[macStart:b.tail])
	clone.data = clone.bufStart + (b.data - macStart)
	clone.tail = clone.data + b.Len()
	clone.MAC = clone.bufStart
	clone.NH = clone.bufStart + (b.NH - macStart)
	clone.H = clone.bufStart + (b.H - macStart)
	_ = n
	return clone, nil
}
