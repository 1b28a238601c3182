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

// Package vnic implements the RTmac virtual NIC: a tunnel that lets
// best-effort traffic (SSH, diagnostics, ordinary IP) share the wire with
// a TDMA-disciplined device without disrupting slot timing. Transmit
// wraps each frame in an RTmac tunnel header and hands it to the attached
// discipline's non-real-time transmit hook; receive is fed frames the
// discipline's rtmac.Rx dispatch already identified as tunneled and
// peeled of their RTmac header.
package vnic

import (
	"context"
	"io"
	"sync"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtmac"
	"github.com/rtnetgo/rtnet/rtskb"
)

// rxQueueDepth bounds how many received tunnel frames may wait for the
// upper stack to consume them before Deliver starts dropping, mirroring
// every other bounded rtskb queue in this stack.
const rxQueueDepth = 64

// nrtTransmitter is the capability a discipline must expose to back a
// Tunnel's transmit side; tdma.Station satisfies it.
type nrtTransmitter interface {
	NRTPacketTx(b *rtskb.Buffer, innerType uint16) error
}

// Tunnel is one VNIC instance bound to a device and its attached
// discipline.
type Tunnel struct {
	dev *rtdev.Device
	tx  nrtTransmitter

	mu     sync.Mutex
	closed bool
	rx     chan *rtskb.Buffer
}

// Attach creates a Tunnel for dev, backed by disc's non-real-time
// transmit hook; AttachDiscipline wraps it to satisfy rtmac.VNICAttacher.
// Returns ErrUnknownDisc if disc does not expose an NRTPacketTx hook.
func Attach(dev *rtdev.Device, disc rtmac.Discipline) (*Tunnel, error) {
	tx, ok := disc.(nrtTransmitter)
	if !ok {
		return nil, rtnet.ErrUnknownDisc
	}
	return &Tunnel{
		dev: dev,
		tx:  tx,
		rx:  make(chan *rtskb.Buffer, rxQueueDepth),
	}, nil
}

// AttachDiscipline matches the rtmac.VNICAttacher signature exactly, so
// cmd/rtnetd can pass it directly as rtmac.Attach's vnic argument.
func AttachDiscipline(dev *rtdev.Device, disc rtmac.Discipline) (io.Closer, error) {
	return Attach(dev, disc)
}

// wrapRoom is the headroom the discipline's NRT hook needs below the
// inner frame for the outer Ethernet and RTmac tunnel headers.
const wrapRoom = rtmac.EtherHdrLen + rtmac.HeaderLen

// Transmit copies the inner frame into a buffer drawn from pool, leaving
// headroom for the tunnel wrap, and hands it to the discipline's
// non-real-time transmit path.
func (t *Tunnel) Transmit(pool *rtskb.Pool, innerType uint16, payload []byte) error {
	b, err := pool.Alloc(len(payload) + wrapRoom)
	if err != nil {
		return err
	}
	b.Reserve(wrapRoom)
	copy(b.Put(len(payload)), payload)
	return t.tx.NRTPacketTx(b, innerType)
}

// Deliver is the tunnelRx callback rtmac.Rx invokes for frames whose
// RTmac header carries the tunnel flag; it queues the already
// header-stripped buffer for the upper stack to read. Frames arriving
// after Close, or once the queue is full, are dropped.
func (t *Tunnel) Deliver(b *rtskb.Buffer, innerType uint16) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		rtskb.Free(b)
		return nil
	}
	b.Protocol = innerType
	select {
	case t.rx <- b:
	default:
		rtskb.Free(b)
	}
	return nil
}

// Read blocks until a tunneled frame is available or ctx is done.
func (t *Tunnel) Read(ctx context.Context) (*rtskb.Buffer, error) {
	select {
	case b, ok := <-t.rx:
		if !ok {
			return nil, rtnet.ErrNetDown
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new received frames and drains any already
// queued, freeing them back to their pools.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.rx)
	t.mu.Unlock()

	for b := range t.rx {
		rtskb.Free(b)
	}
	return nil
}
