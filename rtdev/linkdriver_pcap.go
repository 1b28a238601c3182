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
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"

	"github.com/rtnetgo/rtnet/rtskb"
)

// PcapDriver is a LinkDriver backed by a libpcap handle: it gives a
// non-specialized test or development box a real way to send and receive
// the RTmac/RTcfg Ethernet frames this stack builds. Production
// deployments on real deterministic hardware are expected to supply their
// own LinkDriver with a tighter latency bound.
type PcapDriver struct {
	Iface      string
	Pool       *rtskb.Pool
	Dev        *Device
	Dispatcher *Dispatcher

	handle *pcap.Handle
}

// Open starts packet capture on Iface in promiscuous mode with a short
// read timeout so the capture loop can notice context cancellation
// promptly.
func (p *PcapDriver) Open() error {
	handle, err := pcap.OpenLive(p.Iface, 65536, true, 10*time.Millisecond)
	if err != nil {
		return err
	}
	p.handle = handle
	return nil
}

// Close releases the pcap handle.
func (p *PcapDriver) Close() error {
	if p.handle != nil {
		p.handle.Close()
	}
	return nil
}

// Xmit writes the buffer's live payload as a raw Ethernet frame. The
// buffer's data cursor must already sit at a fully built Ethernet
// header; the MAC offset is not consulted.
func (p *PcapDriver) Xmit(b *rtskb.Buffer) error {
	if err := p.handle.WritePacketData(b.Data()); err != nil {
		return err
	}
	if b.XmitStamp != nil {
		b.XmitStamp(time.Now())
	}
	rtskb.Free(b)
	return nil
}

// Run captures frames until ctx is done, allocating each received frame
// from Pool, classifying it by destination address against Dev's hardware
// and broadcast addresses, and delivering it to Dispatcher.NetifRx — the
// Go analogue of the driver ISR handing a buffer to netif_rx.
func (p *PcapDriver) Run(ctx context.Context) {
	src := gopacket.NewPacketSource(p.handle, layers.LayerTypeEthernet)
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			p.deliver(pkt)
		}
	}
}

func (p *PcapDriver) deliver(pkt gopacket.Packet) {
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return
	}
	frame := pkt.Data()
	b, err := p.Pool.Alloc(len(frame))
	if err != nil {
		log.WithError(err).Debug("rtdev: pcap driver dropped frame, pool exhausted")
		return
	}
	copy(b.Put(len(frame)), frame)
	b.MAC = 0
	b.Protocol = uint16(eth.EthernetType)
	b.RxTimestamp = time.Now()
	switch {
	case eth.DstMAC.String() == p.Dev.HardwareAddr().String():
		b.PktType = rtskb.PacketHost
	case eth.DstMAC[0]&1 == 1:
		b.PktType = rtskb.PacketBroadcast
	default:
		b.PktType = rtskb.PacketOtherHost
	}
	p.Dispatcher.NetifRx(b, p.Dev)
}
