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

package rtdev

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtevent"
	"github.com/rtnetgo/rtnet/rtskb"
)

// Handler processes one received buffer. It must return the buffer to a
// pool (via rtskb.Free) or hand it further downstream; it must not block.
type Handler func(b *rtskb.Buffer, dev *Device)

type packType struct {
	ethertype uint16
	handler   Handler
	inflight  atomic.Int32
}

// Dispatcher is the receive-side classifier: an ISR-equivalent callback
// deposits buffers on its queue, a single stack-manager goroutine drains
// the queue and routes each buffer by EtherType to a registered handler.
type Dispatcher struct {
	mu    sync.RWMutex
	types map[uint16]*packType

	queue rtskb.Queue
	wake  *rtevent.Event

	// OnDrop, if set, is invoked once per buffer dropped for lack of a
	// registered handler; the daemon points it at the per-device
	// protocol-violation counter. Set before any traffic flows.
	OnDrop func(dev *Device)

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewDispatcher creates a dispatcher and starts its stack-manager
// goroutine, draining deliveries until ctx is done.
func NewDispatcher(ctx context.Context) *Dispatcher {
	d := &Dispatcher{
		types: make(map[uint16]*packType),
		wake:  rtevent.New(),
	}
	go d.run(ctx)
	return d
}

// AddPack registers a handler for ethertype. Registering the same
// ethertype twice replaces the previous handler.
func (d *Dispatcher) AddPack(ethertype uint16, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.types[ethertype] = &packType{ethertype: ethertype, handler: h}
}

// RemovePack unregisters the handler for ethertype. It returns ErrBusy if
// a delivery to that handler may currently be in flight; callers should
// poll with a coarse back-off, mirroring rtdev_remove_pack's retry loop
// around outstanding handler references.
func (d *Dispatcher) RemovePack(ethertype uint16) error {
	d.mu.Lock()
	pt, ok := d.types[ethertype]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	if pt.inflight.Load() > 0 {
		d.mu.Unlock()
		return rtnet.ErrBusy
	}
	delete(d.types, ethertype)
	d.mu.Unlock()
	return nil
}

// NetifRx is the ISR-side entry point: it enqueues a received buffer and
// signals the stack-manager event. It never blocks and never allocates.
func (d *Dispatcher) NetifRx(b *rtskb.Buffer, dev *Device) {
	b.Dev = dev
	d.queue.QueueTail(b)
	d.wake.Signal()
}

// run is the stack-manager task: it drains the receive queue and routes
// each buffer to its registered handler by EtherType, dropping buffers
// with no registered handler.
func (d *Dispatcher) run(ctx context.Context) {
	for {
		if err := d.wake.Wait(ctx); err != nil {
			return
		}
		for {
			b := d.queue.Dequeue()
			if b == nil {
				break
			}
			d.deliver(b)
		}
	}
}

func (d *Dispatcher) deliver(b *rtskb.Buffer) {
	d.mu.RLock()
	pt, ok := d.types[b.Protocol]
	if ok {
		pt.inflight.Add(1)
	}
	d.mu.RUnlock()

	dev, _ := b.Dev.(*Device)
	if !ok {
		log.WithField("ethertype", b.Protocol).Debug("rtdev: no handler for ethertype, dropping")
		if d.OnDrop != nil {
			d.OnDrop(dev)
		}
		rtskb.Free(b)
		return
	}
	pt.handler(b, dev)
	pt.inflight.Add(-1)
}
