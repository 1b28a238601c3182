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

package rtmac

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtskb"
)

// Discipline is the capability interface a media-access policy (tdma.Station
// is the only non-test implementation in this tree) must satisfy to be attached to
// a device. Attach/Detach are called with the device's admin mutex held.
type Discipline interface {
	// Name identifies the discipline in the global registry.
	Name() string
	// DiscType is the 16-bit RTmac header type tag this discipline
	// claims on the wire.
	DiscType() uint16
	// Attach wires the discipline's own real-time transmit entry point
	// onto dev (via dev.InterceptTx) and starts any worker goroutines.
	Attach(dev *rtdev.Device) error
	// Detach undoes Attach: stops workers. rtmac.Detach restores dev's
	// original transmit entry point once it returns.
	Detach(dev *rtdev.Device) error
	// PacketRx handles a received frame whose RTmac header names this
	// discipline's type and was not a tunnel frame. It takes ownership
	// of the buffer, freeing it on every error path.
	PacketRx(b *rtskb.Buffer) error
}

// VNICAttacher is supplied by the caller of Attach (rtnetd wires it to
// rtmac/vnic.AttachDiscipline) so this package does not need to import rtmac/vnic,
// which in turn imports rtmac for the Discipline and Header types.
type VNICAttacher func(dev *rtdev.Device, disc Discipline) (io.Closer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Discipline{}

	// statsHook receives one notification per frame Rx drops for a
	// protocol violation, keyed by device name. Installed once by the
	// daemon before any traffic flows; nil means "don't count".
	statsHook func(device string)
)

// SetStatsHook installs the per-device protocol-violation counter sink
// (rtstats.Exporter.ProtocolViolation in production). Call before
// bringing devices up.
func SetStatsHook(fn func(device string)) { statsHook = fn }

func violation(dev *rtdev.Device) {
	if statsHook != nil {
		statsHook(devName(dev))
	}
}

// Register adds disc to the global discipline registry under disc.Name().
// Registering a name twice returns ErrBusy, mirroring
// rtmac_disc_register's duplicate-name rejection.
func Register(disc Discipline) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[disc.Name()]; ok {
		return rtnet.ErrBusy
	}
	registry[disc.Name()] = disc
	return nil
}

// Deregister removes disc from the global registry.
func Deregister(disc Discipline) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, disc.Name())
}

// ByName looks up a registered discipline, for administrative surfaces
// that attach a discipline by configured name.
func ByName(name string) (Discipline, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// Attach binds disc to dev: dev must not be a loopback device and must
// not already carry a discipline. It calls disc.Attach (which installs
// the discipline's transmit entry point via dev.InterceptTx), records the
// discipline handle on dev, and — if vnic is non-nil — creates a VNIC
// tunnel for best-effort traffic. It takes no device reference. If
// disc.Attach fails, dev is left untouched; if VNIC creation fails, the
// error is logged and the discipline stays attached with a nil tunnel.
func Attach(dev *rtdev.Device, disc Discipline, vnic VNICAttacher) (io.Closer, error) {
	dev.AdminLock()
	defer dev.AdminUnlock()

	if dev.Discipline != nil {
		return nil, rtnet.ErrBusy
	}
	if dev.Flags()&rtdev.FlagLoopback != 0 {
		return nil, rtnet.ErrBadState
	}

	if err := disc.Attach(dev); err != nil {
		return nil, err
	}

	dev.Discipline = disc

	var tunnel io.Closer
	if vnic != nil {
		t, err := vnic(dev, disc)
		if err != nil {
			log.WithError(err).WithField("dev", dev.Name()).Warn("rtmac: VNIC creation failed")
		} else {
			tunnel = t
		}
	}
	return tunnel, nil
}

// Detach unwinds Attach: it calls disc.Detach and clears dev.Discipline.
// The caller is responsible for closing any VNIC tunnel Attach returned.
func Detach(dev *rtdev.Device) error {
	dev.AdminLock()
	defer dev.AdminUnlock()

	disc, ok := dev.Discipline.(Discipline)
	if !ok || disc == nil {
		return rtnet.ErrNoDev
	}
	if err := disc.Detach(dev); err != nil {
		return err
	}
	dev.RestoreTx()
	dev.Discipline = nil
	return nil
}

// Rx is the RTmac receive entry point, registered with rtdev.Dispatcher
// under the RTmac EtherType. The caller has already stripped the
// Ethernet header; Rx strips the RTmac header and routes the remaining
// payload to the VNIC tunnel (if the tunnel flag is set) or to the
// attached discipline's PacketRx (if the header's type matches),
// dropping the buffer with a diagnostic otherwise.
func Rx(b *rtskb.Buffer, dev *rtdev.Device, tunnelRx func(b *rtskb.Buffer, innerType uint16) error) {
	hdr, ok := DecodeHeader(b.Data())
	if !ok {
		log.WithField("dev", devName(dev)).Debug("rtmac: short frame, dropping")
		violation(dev)
		rtskb.Free(b)
		return
	}
	b.Pull(HeaderLen)

	if hdr.Version != Version {
		log.WithField("dev", devName(dev)).Warn("rtmac: unsupported protocol version, dropping")
		violation(dev)
		rtskb.Free(b)
		return
	}

	if hdr.Tunneled() {
		if tunnelRx == nil {
			violation(dev)
			rtskb.Free(b)
			return
		}
		if err := tunnelRx(b, hdr.Type); err != nil {
			log.WithError(err).Debug("rtmac: VNIC receive failed")
			violation(dev)
			rtskb.Free(b)
		}
		return
	}

	disc, _ := dev.Discipline.(Discipline)
	if disc == nil || disc.DiscType() != hdr.Type {
		log.WithField("dev", devName(dev)).Debug("rtmac: no matching discipline for frame type, dropping")
		violation(dev)
		rtskb.Free(b)
		return
	}
	// PacketRx owns the buffer from here on and frees it on its own
	// error paths.
	if err := disc.PacketRx(b); err != nil {
		log.WithError(err).Debug("rtmac: discipline packet_rx failed")
		violation(dev)
	}
}

func devName(dev *rtdev.Device) string {
	if dev == nil {
		return "<nil>"
	}
	return dev.Name()
}
