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

// Package rtdev is the real-time device registry and receive dispatcher:
// a table of devices indexed by ifindex, reference-counted handles, and an
// EtherType-keyed packet dispatcher that routes received buffers from the
// ISR-equivalent callback to the registered handler.
package rtdev

import (
	"net"
	"sync"
	"sync/atomic"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtskb"
)

// Flags on a Device.
const (
	FlagUp uint32 = 1 << iota
	FlagBroadcast
	FlagLoopback
	FlagPromisc
)

// MaxDevices bounds the ifindex space, mirroring MAX_RT_DEVICES.
const MaxDevices = 64

// TxFunc is the shape of both a driver's original transmit entry point and
// a discipline's intercepted replacement.
type TxFunc func(b *rtskb.Buffer) error

// LinkDriver abstracts the concrete NIC driver. It supplies an
// interrupt-equivalent callback (wired by the caller of
// Registry.Register, see Dispatcher.NetifRx) and consumes Xmit for frames the
// stack hands down. rtdev/linkdriver_pcap.go provides one concrete
// implementation over gopacket/pcap.
type LinkDriver interface {
	Open() error
	Close() error
	// Xmit sends one frame and returns once the driver has accepted it
	// (not once the wire transmission completes — completion is
	// reported asynchronously via the buffer's XmitStamp hook).
	Xmit(b *rtskb.Buffer) error
}

// Device is the administrative and transmit-path record for one real-time
// network interface.
type Device struct {
	ifindex int
	name    string
	hwAddr  net.HardwareAddr
	mtu     int
	flags   atomic.Uint32

	LocalIP     net.IP
	BroadcastIP net.IP

	Driver LinkDriver

	adminMu sync.Mutex // non-real-time mutex: administrative operations
	txMu    sync.Mutex // real-time spinlock stand-in: transmit path

	refs atomic.Int32

	// origTx is the driver's own transmit entry point; tx is whatever is
	// currently installed (the driver's, or a discipline's intercept).
	origTx TxFunc
	tx     atomic.Value // TxFunc

	Discipline DisciplineHandle
}

// DisciplineHandle lets rtdev hold an opaque attached-discipline pointer
// without importing rtmac (which imports rtdev for Device); set and
// cleared by rtmac.Attach/Detach.
type DisciplineHandle interface {
	Name() string
}

// Ifindex satisfies rtskb.DevRef.
func (d *Device) Ifindex() int { return d.ifindex }

// Name satisfies rtskb.DevRef.
func (d *Device) Name() string { return d.name }

// MTU returns the device's maximum transmission unit.
func (d *Device) MTU() int { return d.mtu }

// HardwareAddr returns the device's link-layer address.
func (d *Device) HardwareAddr() net.HardwareAddr { return d.hwAddr }

// Flags returns the current flag bitmask.
func (d *Device) Flags() uint32 { return d.flags.Load() }

// IsUp reports whether FlagUp is set.
func (d *Device) IsUp() bool { return d.Flags()&FlagUp != 0 }

// SetFlag atomically sets bits in the flag word.
func (d *Device) SetFlag(f uint32) { d.flags.Or(f) }

// ClearFlag atomically clears bits in the flag word.
func (d *Device) ClearFlag(f uint32) { d.flags.And(^f) }

// Xmit hands b to whichever transmit entry point is currently installed
// (the driver's own, or a discipline's intercept installed by
// rtmac.Attach). It never blocks.
func (d *Device) Xmit(b *rtskb.Buffer) error {
	if !d.IsUp() {
		return rtnet.ErrNetDown
	}
	fn, _ := d.tx.Load().(TxFunc)
	if fn == nil {
		return rtnet.ErrNetDown
	}
	return fn(b)
}

// AttachDriver records drv as the device's link driver and installs its
// transmit entry point as both the original and the currently active
// one. Called once at device bring-up, before any discipline attach.
func (d *Device) AttachDriver(drv LinkDriver) {
	d.Driver = drv
	d.origTx = drv.Xmit
	d.tx.Store(TxFunc(drv.Xmit))
}

// RestoreTx reinstates the driver's original transmit entry point,
// undoing any InterceptTx. Called on discipline detach with the admin
// mutex held.
func (d *Device) RestoreTx() {
	if d.origTx != nil {
		d.tx.Store(d.origTx)
	}
}

// OriginalXmit hands b directly to the driver's transmit entry point,
// bypassing any attached discipline. Used by the discipline itself once it
// has done its own slot/queueing bookkeeping.
func (d *Device) OriginalXmit(b *rtskb.Buffer) error {
	if d.origTx == nil {
		return rtnet.ErrNetDown
	}
	return d.origTx(b)
}

// InterceptTx installs a new transmit entry point (used by rtmac.Attach),
// returning the previously installed one so the caller can restore it on
// detach. Must be called with the admin mutex held.
func (d *Device) InterceptTx(fn TxFunc) TxFunc {
	prev, _ := d.tx.Load().(TxFunc)
	d.tx.Store(fn)
	return prev
}

// AdminLock/AdminUnlock expose the non-real-time administrative mutex to
// callers (rtmac.Attach, ioctl handlers) that must serialize against
// concurrent attach/detach and ifup/ifdown.
func (d *Device) AdminLock()   { d.adminMu.Lock() }
func (d *Device) AdminUnlock() { d.adminMu.Unlock() }

// TxLock/TxUnlock expose the real-time transmit spinlock stand-in.
func (d *Device) TxLock()   { d.txMu.Lock() }
func (d *Device) TxUnlock() { d.txMu.Unlock() }
