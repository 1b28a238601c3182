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

package rtnetd

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtcfg"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtioctl"
	"github.com/rtnetgo/rtnet/rtmac/tdma"
	"github.com/rtnetgo/rtnet/rtrpc"
)

// controlCmd tags each command posted onto the rtrpc.Dispatcher so a
// single Handler function can type-switch on it, the Go analogue of the
// ioctl dispatcher routing on request code before the real-time side ever
// sees the argument.
type controlCmd struct {
	kind ioctlKind
	dev  *rtdev.Device
	body []byte
}

type ioctlKind uint8

const (
	kindIfUp ioctlKind = iota
	kindIfDown
	kindIfInfo
	kindRTcfgServer
	kindRTcfgAddStation
	kindRTcfgClient
	kindRTcfgReady
	kindTDMASlots
	kindTDMAAddSlot
)

// controlHandler is the rtrpc.Handler every posted Call runs through,
// executing on the dispatcher's single worker goroutine so administrative
// state changes never race the real-time transmit/receive paths.
func (d *Daemon) controlHandler(call *rtrpc.Call) (any, error) {
	c, ok := call.Cmd.(*controlCmd)
	if !ok {
		return nil, rtnet.ErrFault
	}
	switch c.kind {
	case kindIfUp:
		c.dev.SetFlag(rtdev.FlagUp)
		return nil, nil
	case kindIfDown:
		c.dev.ClearFlag(rtdev.FlagUp)
		return nil, nil
	case kindIfInfo:
		return d.ifInfo(c.dev), nil
	case kindRTcfgServer:
		return nil, d.enableRTcfgServer(c.dev, c.body)
	case kindRTcfgAddStation:
		return nil, d.addStation(c.dev, c.body)
	case kindRTcfgClient:
		return nil, d.startClient(c.dev)
	case kindRTcfgReady:
		return nil, d.clientReady(c.dev)
	case kindTDMASlots:
		return d.tdmaSlots(c.dev)
	case kindTDMAAddSlot:
		return nil, d.tdmaAddSlot(c.dev, c.body)
	default:
		return nil, rtnet.ErrNoDev
	}
}

// tdmaAddSlot decodes the ADD_SLOT payload (id, offset ns, phasing,
// period, mtu, joint slot id, all big-endian) and installs the slot on
// the device's attached station.
func (d *Daemon) tdmaAddSlot(dev *rtdev.Device, body []byte) error {
	station, ok := d.stations[dev.Name()]
	if !ok {
		return rtnet.ErrNoDev
	}
	if len(body) < 2+8+2+2+2+2 {
		return rtnet.ErrFault
	}
	sl := tdma.Slot{
		ID:        binary.BigEndian.Uint16(body[0:2]),
		Offset:    time.Duration(binary.BigEndian.Uint64(body[2:10])),
		Phasing:   int(binary.BigEndian.Uint16(body[10:12])),
		Period:    int(binary.BigEndian.Uint16(body[12:14])),
		MTU:       int(binary.BigEndian.Uint16(body[14:16])),
		JointWith: binary.BigEndian.Uint16(body[16:18]),
	}
	if sl.MTU <= 0 || sl.MTU > dev.MTU() {
		return rtnet.ErrFault
	}
	station.AddSlot(sl)
	return nil
}

func (d *Daemon) tdmaSlots(dev *rtdev.Device) ([]byte, error) {
	station, ok := d.stations[dev.Name()]
	if !ok {
		return nil, rtnet.ErrNoDev
	}
	return []byte(station.SlotSummary()), nil
}

func (d *Daemon) ifInfo(dev *rtdev.Device) []byte {
	out := make([]byte, 0, 32)
	out = binary.BigEndian.AppendUint32(out, uint32(dev.Flags()))
	out = binary.BigEndian.AppendUint32(out, uint32(dev.MTU()))
	out = append(out, []byte(dev.HardwareAddr())...)
	return out
}

func (d *Daemon) enableRTcfgServer(dev *rtdev.Device, body []byte) error {
	if len(body) < 2 {
		return rtnet.ErrFault
	}
	_ = time.Duration(binary.BigEndian.Uint16(body)) * time.Millisecond
	// Server role is created at config-load time in startRTcfg.
	// Dynamically adding a server role to a bare device is deliberately
	// unsupported here — every server this daemon runs is declared up
	// front in rtconfig.
	if _, ok := d.servers[dev.Name()]; ok {
		return nil
	}
	return rtnet.ErrBadState
}

func (d *Daemon) addStation(dev *rtdev.Device, body []byte) error {
	srv, ok := d.servers[dev.Name()]
	if !ok {
		return rtnet.ErrNoDev
	}
	if len(body) < 6+1+4+1+2 {
		return rtnet.ErrFault
	}
	mac := net.HardwareAddr(append([]byte(nil), body[:6]...))
	hasIP := body[6] != 0
	var ip net.IP
	if hasIP {
		ip = net.IP(append([]byte(nil), body[7:11]...))
	}
	burstrate := body[11]
	stage1Len := binary.BigEndian.Uint16(body[12:14])
	if len(body) < 14+int(stage1Len) {
		return rtnet.ErrFault
	}
	stage1 := append([]byte(nil), body[14:14+stage1Len]...)
	if len(stage1) > dev.MTU()-rtcfgFrameOverhead {
		return rtnet.ErrStage1Size
	}
	srv.AddStation(ip, mac, stage1, nil, burstrate)
	return nil
}

func (d *Daemon) startClient(dev *rtdev.Device) error {
	cli, ok := d.clients[dev.Name()]
	if !ok {
		return rtnet.ErrNoDev
	}
	cli.Start()
	return nil
}

func (d *Daemon) clientReady(dev *rtdev.Device) error {
	cli, ok := d.clients[dev.Name()]
	if !ok {
		return rtnet.ErrNoDev
	}
	return cli.SendReady()
}

// serveControl starts the rtioctl Unix-domain-socket server and blocks
// until ctx is done.
func (d *Daemon) serveControl(ctx context.Context) error {
	d.ioctl = rtioctl.NewServer()
	if err := d.ioctl.Listen(d.cfg.ControlSocket); err != nil {
		return err
	}

	d.ioctl.Register(rtioctl.ReqIfUp, d.handle(kindIfUp))
	d.ioctl.Register(rtioctl.ReqIfDown, d.handle(kindIfDown))
	d.ioctl.Register(rtioctl.ReqIfInfo, d.handle(kindIfInfo))
	d.ioctl.Register(rtioctl.ReqRTcfgServer, d.handle(kindRTcfgServer))
	d.ioctl.Register(rtioctl.ReqRTcfgAddIP, d.handle(kindRTcfgAddStation))
	d.ioctl.Register(rtioctl.ReqRTcfgAddMAC, d.handle(kindRTcfgAddStation))
	d.ioctl.Register(rtioctl.ReqRTcfgAddIPMAC, d.handle(kindRTcfgAddStation))
	d.ioctl.Register(rtioctl.ReqRTcfgClient, d.handle(kindRTcfgClient))
	d.ioctl.Register(rtioctl.ReqRTcfgReady, d.handle(kindRTcfgReady))
	d.ioctl.Register(rtioctl.ReqRTcfgWait, d.handleWait(ctx))
	d.ioctl.Register(rtioctl.ReqRTcfgAnnounce, d.handleAnnounce(ctx))
	d.ioctl.Register(rtioctl.ReqTDMASlots, d.handle(kindTDMASlots))
	d.ioctl.Register(rtioctl.ReqTDMAAddSlot, d.handle(kindTDMAAddSlot))

	go func() {
		<-ctx.Done()
		_ = d.ioctl.Close()
	}()

	return d.ioctl.Serve()
}

// waitPollInterval paces the blocking WAIT/ANNOUNCE requests; these run
// on the control connection's own goroutine, never on the rpc worker, so
// a slow caller cannot stall administrative commands.
const waitPollInterval = 50 * time.Millisecond

// waitTimeout reads an optional big-endian timeout (milliseconds) off a
// request body, defaulting when absent or zero.
func waitTimeout(body []byte) time.Duration {
	if len(body) >= 4 {
		if ms := binary.BigEndian.Uint32(body); ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 10 * time.Second
}

// handleWait blocks until every registered connection on the named
// server has acknowledged its full stage-2 payload, then returns the
// acked/total counts. Expiry surfaces as a restart-the-call error.
func (d *Daemon) handleWait(ctx context.Context) rtioctl.Handler {
	return func(hdr rtioctl.Header, body []byte) ([]byte, error) {
		srv, ok := d.servers[hdr.Name()]
		if !ok {
			return nil, rtnet.ErrNoDev
		}
		deadline := time.Now().Add(waitTimeout(body))
		for {
			acked, total := srv.Progress()
			if total > 0 && acked == total {
				out := binary.BigEndian.AppendUint32(nil, uint32(acked))
				return binary.BigEndian.AppendUint32(out, uint32(total)), nil
			}
			if time.Now().After(deadline) || ctx.Err() != nil {
				return nil, rtnet.ErrRestartSys
			}
			time.Sleep(waitPollInterval)
		}
	}
}

// handleAnnounce blocks until the named client has received its stage-1
// payload and announced itself, then returns the stage-1 bytes.
func (d *Daemon) handleAnnounce(ctx context.Context) rtioctl.Handler {
	return func(hdr rtioctl.Header, body []byte) ([]byte, error) {
		cli, ok := d.clients[hdr.Name()]
		if !ok {
			return nil, rtnet.ErrNoDev
		}
		deadline := time.Now().Add(waitTimeout(body))
		for {
			st := cli.State()
			if st != rtcfg.ClientIdle && st != rtcfg.ClientWaitingStage1 {
				return cli.Stage1Payload(), nil
			}
			if time.Now().After(deadline) || ctx.Err() != nil {
				return nil, rtnet.ErrRestartSys
			}
			time.Sleep(waitPollInterval)
		}
	}
}

// handle adapts one ioctlKind into an rtioctl.Handler: it resolves the
// named device, posts a controlCmd onto the rtrpc.Dispatcher with a
// bounded timeout, and translates the result back to the ioctl response
// shape.
func (d *Daemon) handle(kind ioctlKind) rtioctl.Handler {
	return func(hdr rtioctl.Header, body []byte) ([]byte, error) {
		dev := d.registry.GetByName(hdr.Name())
		if dev == nil {
			return nil, rtnet.ErrNoDev
		}
		defer rtdev.Dereference(dev)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		var resp []byte
		err := d.rpc.Call(ctx, &controlCmd{kind: kind, dev: dev, body: body},
			func(result any) {
				if b, ok := result.([]byte); ok {
					resp = b
				}
			}, nil)
		return resp, err
	}
}
