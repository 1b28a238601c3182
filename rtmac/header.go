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

// Package rtmac attaches a pluggable media-access discipline to a device's
// transmit path: it redirects the device's transmit entry point through
// the discipline, strips/builds the RTmac header on every frame, and
// routes received frames to either the attached discipline or a VNIC
// tunnel.
package rtmac

import "encoding/binary"

// Version is the only RTmac wire version this stack speaks.
const Version uint8 = 1

// HeaderLen is the size in bytes of the RTmac header that follows the
// Ethernet header on every ETH_RTMAC frame.
const HeaderLen = 4

// EtherHdrLen is the length of the plain Ethernet header every frame on
// the wire starts with (dst, src, EtherType; no VLAN tags on a
// deterministic segment).
const EtherHdrLen = 14

// TxHeadroom is the headroom a transmit-side frame builder reserves
// below its Ethernet header so an attached discipline can wrap the
// frame in place without copying it into a fresh buffer.
const TxHeadroom = EtherHdrLen + HeaderLen

// Header flag bits.
const (
	FlagTunnel uint8 = 1 << iota
)

// Header is the {version, flags, type} prefix rtmac_proto_rx strips from
// every received ETH_RTMAC frame before routing it. Type names the
// attached discipline for native frames, or carries the inner EtherType
// for tunneled frames.
type Header struct {
	Version uint8
	Flags   uint8
	Type    uint16
}

// Encode writes the header into dst (must be at least HeaderLen bytes
// wide) and returns the number of bytes written.
func (h Header) Encode(dst []byte) int {
	dst[0] = h.Version
	dst[1] = h.Flags
	binary.BigEndian.PutUint16(dst[2:4], h.Type)
	return HeaderLen
}

// DecodeHeader parses a header from the front of src. It does not
// consume src; callers pull HeaderLen bytes off the buffer separately.
func DecodeHeader(src []byte) (Header, bool) {
	if len(src) < HeaderLen {
		return Header{}, false
	}
	return Header{
		Version: src[0],
		Flags:   src[1],
		Type:    binary.BigEndian.Uint16(src[2:4]),
	}, true
}

// Tunneled reports whether h marks its payload as a VNIC tunnel frame
// carrying an inner EtherType rather than a discipline-native frame.
func (h Header) Tunneled() bool { return h.Flags&FlagTunnel != 0 }
