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

// Package rtevent gives the real-time paths (TDMA worker, stack-manager
// dispatcher, RPC completion) a small binary-semaphore Event instead of
// bare channels: a real-time task suspends only on an explicit event,
// never on a mutex or allocator.
package rtevent

import "context"

// Event is a binary semaphore: Signal is idempotent between waits (a
// signal delivered with no waiter pending is remembered for the next
// Wait), which is enough to cover one-shot wakeups without a pending
// counter.
type Event struct {
	ch chan struct{}
}

// New creates a ready-to-use Event.
func New() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal wakes one waiter, or leaves the signal pending for the next Wait
// if nobody is currently waiting.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal is called or ctx is done. It returns
// ctx.Err() on cancellation/timeout, leaving the caller to distinguish
// the two the same way it would any other context error.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait returns true and consumes a pending signal without blocking.
func (e *Event) TryWait() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
