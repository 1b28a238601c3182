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
	"net"
	"sync"

	rtnet "github.com/rtnetgo/rtnet"
)

// Registry owns every registered Device uniquely and hands out
// reference-counted handles. A device cannot be torn down while any
// reference is held.
type Registry struct {
	mu      sync.Mutex
	byIndex [MaxDevices + 1]*Device
	byName  map[string]*Device
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Device)}
}

// Register assigns the next free ifindex (1..MaxDevices), stores the
// record and charges an initial reference for the caller.
func (r *Registry) Register(name string, hwAddr net.HardwareAddr, mtu int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, rtnet.ErrBusy
	}
	idx := 0
	for i := 1; i <= MaxDevices; i++ {
		if r.byIndex[i] == nil {
			idx = i
			break
		}
	}
	if idx == 0 {
		return nil, rtnet.ErrNoMem
	}
	d := &Device{ifindex: idx, name: name, hwAddr: hwAddr, mtu: mtu}
	d.refs.Store(1)
	r.byIndex[idx] = d
	r.byName[name] = d
	return d, nil
}

// Deregister removes a device from the registry; it is the caller's
// responsibility to have already dropped every reference but the initial
// registration one and to ifdown the device first.
func (r *Registry) Deregister(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIndex[d.ifindex] == d {
		r.byIndex[d.ifindex] = nil
	}
	delete(r.byName, d.name)
}

// GetByIndex returns a referenced handle to the device at ifindex, or nil
// if none is registered there. Callers must call Dereference when done.
func (r *Registry) GetByIndex(ifindex int) *Device {
	if ifindex < 1 || ifindex > MaxDevices {
		return nil
	}
	r.mu.Lock()
	d := r.byIndex[ifindex]
	r.mu.Unlock()
	if d == nil {
		return nil
	}
	d.refs.Add(1)
	return d
}

// GetByName returns a referenced handle to the named device, or nil.
func (r *Registry) GetByName(name string) *Device {
	r.mu.Lock()
	d := r.byName[name]
	r.mu.Unlock()
	if d == nil {
		return nil
	}
	d.refs.Add(1)
	return d
}

// Dereference drops a reference taken by GetByIndex/GetByName/Register.
func Dereference(d *Device) {
	if d == nil {
		return
	}
	d.refs.Add(-1)
}

// RefCount reports the current reference count, for teardown waits.
func (d *Device) RefCount() int32 { return d.refs.Load() }

// All returns every currently registered device, each with one reference
// charged to the caller (the caller must Dereference each one). Used by
// status/proc-equivalent reporting.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Device
	for _, d := range r.byIndex {
		if d != nil {
			d.refs.Add(1)
			out = append(out, d)
		}
	}
	return out
}
