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

// Package rtrpc is the control transport between a non-real-time caller
// (an rtioctl handler) and the real-time side: it posts blocking
// requests onto a queue a Dispatcher drains on its own worker goroutine,
// waits for completion or timeout, and always runs a cleanup callback
// afterwards unless the handler disarmed it to retain ownership of
// attached buffers. The caller never runs the handler itself, so a slow
// or blocked caller can never stall the real-time worker.
package rtrpc

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
)

// Handler performs the real-time-side work for one Call's command and
// returns a result (or an error) to be delivered back to the caller. It
// receives the Call itself so it can Disarm the cleanup callback when it
// takes ownership of attached buffers.
type Handler func(c *Call) (result any, err error)

// Call is one posted control request: a command buffer, an optional
// result-copy callback invoked with the handler's result, and an
// optional cleanup callback invoked afterwards regardless of outcome
// unless the handler disarms it.
type Call struct {
	Cmd any

	// OnResult is invoked with the handler's result once it completes
	// within the deadline. Nil if the caller only needs success/failure.
	OnResult func(result any)

	// OnCleanup runs after OnResult (or instead of it, on timeout),
	// unless Disarm was called from within the handler. Typically frees
	// any rtskb.Buffer the command attached.
	OnCleanup func()

	done    chan struct{}
	result  any
	err     error
	cleanup func()
	mu      sync.Mutex
	armed   bool
}

// newCall wraps cmd into a ready-to-dispatch Call.
func newCall(cmd any, onResult func(any), onCleanup func()) *Call {
	return &Call{
		Cmd:       cmd,
		OnResult:  onResult,
		OnCleanup: onCleanup,
		done:      make(chan struct{}),
		armed:     true,
	}
}

// Disarm prevents OnCleanup from running for this call. A Handler calls
// this when it has transferred ownership of an attached buffer elsewhere
// (e.g. queued it for later transmission) and must not have it freed out
// from under it.
func (c *Call) Disarm() {
	c.mu.Lock()
	c.armed = false
	c.mu.Unlock()
}

func (c *Call) complete(result any, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Dispatcher serializes Calls onto a single real-time handler running on
// its own worker goroutine.
type Dispatcher struct {
	handler Handler
	calls   chan *Call
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher starts a worker goroutine that drains calls one at a time
// and runs them through handler. queueDepth bounds how many calls may be
// pending before Call blocks waiting for a free slot.
func NewDispatcher(handler Handler, queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	d := &Dispatcher{
		handler: handler,
		calls:   make(chan *Call, queueDepth),
		stop:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case c := <-d.calls:
			result, err := d.handler(c)
			c.complete(result, err)
		case <-d.stop:
			for {
				select {
				case c := <-d.calls:
					result, err := d.handler(c)
					c.complete(result, err)
				default:
					return
				}
			}
		}
	}
}

// Call posts cmd and blocks until the handler completes or ctx is done.
// On success OnResult (if set) is invoked with the handler's result; in
// every case except a disarmed handler, OnCleanup (if set) runs before
// Call returns. A timeout surfaces as rtnet.ErrRestartSys via ctx.Err()
// and leaves the handler free to complete into what becomes a discarded
// result — cleanup still runs once the handler eventually finishes,
// via a background goroutine, so a late completion never leaks.
func (d *Dispatcher) Call(ctx context.Context, cmd any, onResult func(any), onCleanup func()) error {
	c := newCall(cmd, onResult, onCleanup)

	select {
	case d.calls <- c:
	case <-ctx.Done():
		d.runCleanup(c)
		return rtnet.ErrRestartSys
	}

	select {
	case <-c.done:
		return d.finish(c)
	case <-ctx.Done():
		go func() {
			<-c.done
			d.runCleanup(c)
		}()
		log.WithField("cmd", c.Cmd).Debug("rtrpc: call timed out, cleanup deferred to completion")
		return rtnet.ErrRestartSys
	}
}

func (d *Dispatcher) finish(c *Call) error {
	if c.err == nil && c.OnResult != nil {
		c.OnResult(c.result)
	}
	d.runCleanup(c)
	return c.err
}

func (d *Dispatcher) runCleanup(c *Call) {
	c.mu.Lock()
	armed := c.armed
	c.mu.Unlock()
	if armed && c.OnCleanup != nil {
		c.OnCleanup()
	}
}

// Close stops the worker goroutine; outstanding Calls already queued are
// still processed before it exits.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}
