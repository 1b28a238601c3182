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

// Package rtnetd wires every component (rtskb, rtdev, rtmac/tdma, rtcfg,
// rtrpc, rtioctl, rtstats) into one running process: it constructs each
// piece from rtconfig, then runs them together under an errgroup so any
// one component's failure brings the rest down cleanly.
package rtnetd

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtcfg"
	"github.com/rtnetgo/rtnet/rtconfig"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtioctl"
	"github.com/rtnetgo/rtnet/rtmac"
	"github.com/rtnetgo/rtnet/rtmac/tdma"
	"github.com/rtnetgo/rtnet/rtmac/vnic"
	"github.com/rtnetgo/rtnet/rtrpc"
	"github.com/rtnetgo/rtnet/rtskb"
	"github.com/rtnetgo/rtnet/rtstats"
)

const deviceRxPoolSize = 512
const deviceRxBufCap = 1600

// Daemon owns every live subsystem instance for one rtnetd process.
type Daemon struct {
	cfg *rtconfig.Config

	registry   *rtdev.Registry
	dispatcher *rtdev.Dispatcher
	stats      *rtstats.Exporter
	ioctl      *rtioctl.Server
	rpc        *rtrpc.Dispatcher

	drivers  []*rtdev.PcapDriver
	stations map[string]*tdma.Station
	servers  map[string]*rtcfg.Server
	clients  map[string]*rtcfg.Client
	tunnels  []*vnic.Tunnel
}

// New constructs a Daemon from cfg. It performs no I/O; call Run to bring
// devices up and start serving.
func New(cfg *rtconfig.Config) *Daemon {
	return &Daemon{
		cfg:      cfg,
		stations: make(map[string]*tdma.Station),
		servers:  make(map[string]*rtcfg.Server),
		clients:  make(map[string]*rtcfg.Client),
	}
}

// Run brings up every configured device and subsystem and blocks until
// ctx is cancelled, then tears everything down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	rtskb.Checked = d.cfg.Checked

	d.registry = rtdev.NewRegistry()
	d.dispatcher = rtdev.NewDispatcher(ctx)
	d.stats = rtstats.New(d.registry)
	d.rpc = rtrpc.NewDispatcher(d.controlHandler, 64)

	// Point every protocol layer's drop/event counters at the exporter
	// before any traffic can flow.
	d.dispatcher.OnDrop = func(dev *rtdev.Device) {
		d.stats.ProtocolViolation(devLabel(dev))
	}
	rtmac.SetStatsHook(d.stats.ProtocolViolation)

	if err := d.bringUpDevices(); err != nil {
		return err
	}
	if err := d.attachTDMA(); err != nil {
		return err
	}
	if err := d.startRTcfg(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	for _, drv := range d.drivers {
		drv := drv
		eg.Go(func() error {
			drv.Run(ctx)
			return nil
		})
	}

	eg.Go(func() error {
		d.stats.Run(ctx, d.cfg.MetricsPeriod)
		return nil
	})
	if d.cfg.MetricsAddr != "" {
		eg.Go(func() error {
			return d.stats.Serve(d.cfg.MetricsAddr)
		})
	}

	eg.Go(func() error {
		return d.serveControl(ctx)
	})

	eg.Go(func() error {
		return d.runRTcfgCycles(ctx)
	})

	<-ctx.Done()
	d.shutdown()
	_ = eg.Wait()
	return ctx.Err()
}

func (d *Daemon) bringUpDevices() error {
	for _, dc := range d.cfg.Devices {
		var hwAddr net.HardwareAddr
		mtu := dc.MTU
		if dc.HWAddr == "" {
			// Seed the record from the kernel's view of the link.
			linkAddr, linkMTU, _, err := rtdev.QueryLinkState(dc.Name)
			if err != nil {
				return fmt.Errorf("rtnetd: device %s: %w", dc.Name, err)
			}
			hwAddr = linkAddr
			if mtu == 0 {
				mtu = linkMTU
			}
		} else {
			parsed, err := net.ParseMAC(dc.HWAddr)
			if err != nil {
				return fmt.Errorf("rtnetd: device %s: bad hwaddr: %w", dc.Name, err)
			}
			hwAddr = parsed
		}
		if mtu == 0 {
			mtu = 1500
		}
		dev, err := d.registry.Register(dc.Name, hwAddr, mtu)
		if err != nil {
			return fmt.Errorf("rtnetd: registering %s: %w", dc.Name, err)
		}
		if dc.LocalIP != "" {
			dev.LocalIP = net.ParseIP(dc.LocalIP)
		}
		if dc.BroadcastIP != "" {
			dev.BroadcastIP = net.ParseIP(dc.BroadcastIP)
		}

		pool := rtskb.NewPool(dc.Name+"-rx", rtskb.RoleDevice, deviceRxBufCap)
		pool.Extend(deviceRxPoolSize)

		drv := &rtdev.PcapDriver{Iface: dc.Name, Pool: pool, Dev: dev, Dispatcher: d.dispatcher}
		if err := drv.Open(); err != nil {
			return fmt.Errorf("rtnetd: opening %s: %w", dc.Name, err)
		}
		dev.AttachDriver(drv)
		dev.SetFlag(rtdev.FlagUp)
		d.drivers = append(d.drivers, drv)

		log.WithField("device", dc.Name).Info("rtnetd: device up")
	}

	d.dispatcher.AddPack(rtnet.EtherRTMAC, d.rtmacRx)
	return nil
}

// devLabel names a device in exported counters, tolerating the nil
// device of a frame dropped before classification.
func devLabel(dev *rtdev.Device) string {
	if dev == nil {
		return "unknown"
	}
	return dev.Name()
}

func (d *Daemon) rtmacRx(b *rtskb.Buffer, dev *rtdev.Device) {
	if b.Len() < rtmac.EtherHdrLen {
		rtskb.Free(b)
		return
	}
	b.Pull(rtmac.EtherHdrLen)
	rtmac.Rx(b, dev, func(inner *rtskb.Buffer, innerType uint16) error {
		for _, t := range d.tunnels {
			return t.Deliver(inner, innerType)
		}
		return rtnet.ErrUnknownDisc
	})
}

func (d *Daemon) attachTDMA() error {
	for _, tc := range d.cfg.TDMA {
		dev := d.registry.GetByName(tc.Interface)
		if dev == nil {
			return fmt.Errorf("rtnetd: tdma: no such device %s", tc.Interface)
		}
		defer rtdev.Dereference(dev)

		slots := make([]tdma.Slot, 0, len(tc.Slots))
		for _, sc := range tc.Slots {
			slots = append(slots, tdma.Slot{
				ID: sc.ID, Offset: sc.Offset, Phasing: sc.Phasing,
				Period: sc.Period, MTU: sc.MTU, JointWith: sc.JointWith,
			})
		}
		station := tdma.New(tdma.Config{
			Name: tc.Interface + "-tdma", CyclePeriod: tc.CyclePeriod,
			Slots: slots, Master: tc.Master, BackupMaster: tc.BackupMaster,
			BackupSyncInc: tc.BackupSyncInc,
		})
		station.Stats = d.stats

		if err := rtmac.Register(station); err != nil && err != rtnet.ErrBusy {
			return err
		}
		tunnel, err := rtmac.Attach(dev, station, vnic.AttachDiscipline)
		if err != nil {
			return fmt.Errorf("rtnetd: attaching tdma to %s: %w", tc.Interface, err)
		}
		if t, ok := tunnel.(*vnic.Tunnel); ok && t != nil {
			d.tunnels = append(d.tunnels, t)
		}
		rxDev := dev
		station.SetDeliver(func(b *rtskb.Buffer) {
			d.dispatcher.NetifRx(b, rxDev)
		})
		d.stations[tc.Interface] = station
		log.WithField("device", tc.Interface).Info("rtnetd: tdma discipline attached")
	}
	return nil
}

func (d *Daemon) startRTcfg() error {
	for _, rc := range d.cfg.RTcfg {
		dev := d.registry.GetByName(rc.Interface)
		if dev == nil {
			return fmt.Errorf("rtnetd: rtcfg: no such device %s", rc.Interface)
		}
		defer rtdev.Dereference(dev)

		pool := rtskb.NewPool(rc.Interface+"-rtcfg", rtskb.RoleProtocol, deviceRxBufCap)
		pool.Extend(64)
		tx := &rtcfg.DevTransport{Dev: dev, Pool: pool}

		if rc.Server {
			srv := rtcfg.NewServer(rc.Interface, tx, dev.MTU()-rtcfgFrameOverhead, rc.HeartbeatPeriod)
			srv.Stats = d.stats
			for _, st := range rc.Stations {
				mac, err := net.ParseMAC(st.MAC)
				if err != nil {
					return fmt.Errorf("rtnetd: rtcfg station %s: bad mac: %w", st.MAC, err)
				}
				var ip net.IP
				if st.IP != "" {
					ip = net.ParseIP(st.IP)
				}
				stage1, err := hex.DecodeString(st.Stage1Hex)
				if err != nil {
					return fmt.Errorf("rtnetd: rtcfg station %s: bad stage-1 hex: %w", st.MAC, err)
				}
				if len(stage1) > dev.MTU()-rtcfgFrameOverhead {
					return rtnet.ErrStage1Size
				}
				var stage2 []byte
				if st.Stage2File != "" {
					stage2, err = os.ReadFile(st.Stage2File)
					if err != nil {
						return fmt.Errorf("rtnetd: rtcfg stage-2 file %s: %w", st.Stage2File, err)
					}
				}
				srv.AddStation(ip, mac, stage1, stage2, st.Burstrate)
			}
			d.servers[rc.Interface] = srv
			d.dispatcher.AddPack(rtnet.EtherRTCfg, rtcfgAdapter(srv.HandleFrame))
		} else {
			cli := rtcfg.NewClient(rc.Interface, dev.HardwareAddr(), tx)
			cli.Stats = d.stats
			cli.Start()
			d.clients[rc.Interface] = cli
			d.dispatcher.AddPack(rtnet.EtherRTCfg, rtcfgAdapter(cli.HandleFrame))
		}
	}
	return nil
}

// rtcfgFrameOverhead approximates the Ethernet-plus-RTcfg-head bytes
// subtracted from MTU when computing stage-2 fragment size.
const rtcfgFrameOverhead = 20

func rtcfgAdapter(dispatch func(src net.HardwareAddr, raw []byte) error) rtdev.Handler {
	return rtcfg.ReceiveHandler(dispatch)
}

func (d *Daemon) runRTcfgCycles(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	lastHeartbeat := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for name, srv := range d.servers {
				if err := srv.Cycle(); err != nil {
					log.WithError(err).WithField("server", name).Debug("rtnetd: rtcfg cycle failed")
				}
			}
			for name, cli := range d.clients {
				period := cli.HeartbeatPeriod()
				if cli.State() != rtcfg.ClientComplete || period <= 0 {
					continue
				}
				if time.Since(lastHeartbeat[name]) < period {
					continue
				}
				lastHeartbeat[name] = time.Now()
				if err := cli.SendHeartbeat(); err != nil {
					log.WithError(err).WithField("client", name).Debug("rtnetd: heartbeat send failed")
				}
			}
		}
	}
}

func (d *Daemon) shutdown() {
	for _, t := range d.tunnels {
		_ = t.Close()
	}
	for iface, station := range d.stations {
		dev := d.registry.GetByName(iface)
		if dev == nil {
			continue
		}
		_ = rtmac.Detach(dev)
		rtmac.Deregister(station)
		rtdev.Dereference(dev)
	}
	for _, drv := range d.drivers {
		_ = drv.Close()
	}
	if d.ioctl != nil {
		_ = d.ioctl.Close()
	}
	if d.rpc != nil {
		d.rpc.Close()
	}
}
