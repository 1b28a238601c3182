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

package rtcfg

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtmac"
	"github.com/rtnetgo/rtnet/rtskb"
)

// DevTransport is the concrete Transport a Server/Client uses in
// production: it wraps each RTcfg frame in a plain Ethernet header tagged
// rtnet.EtherRTCfg and hands it to the device's transmit entry point. If
// a discipline has intercepted that entry point, the frame rides a slot
// wrapped as an RTmac data frame and is restored before the receiving
// dispatcher routes it here by EtherType; headroom for that wrap is
// reserved below the Ethernet header.
type DevTransport struct {
	Dev  *rtdev.Device
	Pool *rtskb.Pool
}

// Send builds an Ethernet frame addressed to dst carrying payload and
// hands it to the device's transmit entry point.
func (t *DevTransport) Send(dst net.HardwareAddr, payload []byte) error {
	return t.send(dst, payload)
}

// Broadcast sends payload to the Ethernet broadcast address.
func (t *DevTransport) Broadcast(payload []byte) error {
	return t.send(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, payload)
}

func (t *DevTransport) send(dst net.HardwareAddr, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       t.Dev.HardwareAddr(),
		DstMAC:       dst,
		EthernetType: layers.EthernetType(rtnet.EtherRTCfg),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return err
	}
	raw := buf.Bytes()

	b, err := t.Pool.Alloc(len(raw) + rtmac.TxHeadroom)
	if err != nil {
		return err
	}
	b.Reserve(rtmac.TxHeadroom)
	copy(b.Put(len(raw)), raw)
	b.Protocol = rtnet.EtherRTCfg

	return t.Dev.Xmit(b)
}

// ReceiveHandler adapts a Server.HandleFrame or Client.HandleFrame method
// into an rtdev.Handler: it parses the Ethernet header off the received
// buffer to recover the sender's MAC, hands the remaining payload to
// dispatch, and always frees the buffer afterwards, mirroring
// rtcfg_packet_rx's frame handoff into the server/client state machine.
func ReceiveHandler(dispatch func(src net.HardwareAddr, raw []byte) error) rtdev.Handler {
	return func(b *rtskb.Buffer, dev *rtdev.Device) {
		defer rtskb.Free(b)

		pkt := gopacket.NewPacket(b.Data(), layers.LayerTypeEthernet, gopacket.NoCopy)
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			return
		}
		_ = dispatch(eth.SrcMAC, eth.Payload)
	}
}
