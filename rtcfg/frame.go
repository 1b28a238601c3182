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

// Package rtcfg implements the real-time configuration distribution
// protocol: a server owning one connection record per expected client
// drives each client through a two-stage payload handoff (a small
// stage-1 blob, then a larger stage-2 file, fragmented to the device
// MTU), tracked with heartbeats and dead-station detection.
package rtcfg

import (
	"encoding/binary"
	"net"

	rtnet "github.com/rtnetgo/rtnet"
)

// Ident names an RTcfg frame type, carried in every frame's 2-byte head.
type Ident uint8

// Frame identifiers.
const (
	IDStage1Cfg Ident = iota
	IDStage2Cfg
	IDStage2CfgFrag
	IDAnnounceNew
	IDAnnounceReply
	IDAckCfg
	IDReady
	IDHeartbeat
	IDDeadStation
)

// Version is the only frame version this implementation speaks.
const Version uint8 = 0

// HeadLen is the size in bytes of the {id, version} head every frame
// carries.
const HeadLen = 2

// Head is the common frame prefix.
type Head struct {
	ID      Ident
	Version uint8
}

func (h Head) encode(dst []byte) {
	dst[0] = byte(h.ID)
	dst[1] = h.Version
}

func decodeHead(src []byte) (Head, error) {
	if len(src) < HeadLen {
		return Head{}, rtnet.ErrMalformed
	}
	h := Head{ID: Ident(src[0]), Version: src[1]}
	if h.Version != Version {
		return Head{}, rtnet.ErrMalformed
	}
	return h, nil
}

// AddrType selects whether a frame's station address is carried as a raw
// MAC-only identity or an additional IPv4 address, mirroring
// RTCFG_ADDR_MASK's MAC/IP distinction.
type AddrType uint8

// Address types.
const (
	AddrMAC AddrType = iota
	AddrIP
)

const ipAddrSize = 4

// Stage1Cfg is the STAGE_1_CFG frame: the small configuration blob the
// server sends a client before it has announced itself.
type Stage1Cfg struct {
	Head
	AddrType   AddrType
	ClientAddr net.IP // 4 bytes, only meaningful when AddrType == AddrIP
	ServerAddr net.IP
	Burstrate  uint8
	Payload    []byte
}

// MarshalBinary encodes the frame, mirroring rtcfg_send_stage_1's field
// order exactly.
func (f *Stage1Cfg) MarshalBinary() ([]byte, error) {
	size := HeadLen + 1 + 1 + 2 + len(f.Payload)
	if f.AddrType == AddrIP {
		size += 2 * ipAddrSize
	}
	buf := make([]byte, size)
	f.Head.ID = IDStage1Cfg
	f.Head.Version = Version
	f.Head.encode(buf)
	off := HeadLen
	buf[off] = byte(f.AddrType)
	off++
	if f.AddrType == AddrIP {
		copy(buf[off:], f.ClientAddr.To4())
		off += ipAddrSize
		copy(buf[off:], f.ServerAddr.To4())
		off += ipAddrSize
	}
	buf[off] = f.Burstrate
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(f.Payload)))
	off += 2
	copy(buf[off:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a STAGE_1_CFG frame, validating that cfg_len
// matches the bytes actually present (rtnet.ErrStage1Size otherwise).
func (f *Stage1Cfg) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	off := HeadLen
	if len(data) < off+2 {
		return rtnet.ErrMalformed
	}
	addrType := AddrType(data[off])
	off++
	if addrType == AddrIP {
		if len(data) < off+2*ipAddrSize+3 {
			return rtnet.ErrMalformed
		}
		f.ClientAddr = net.IP(append([]byte(nil), data[off:off+ipAddrSize]...))
		off += ipAddrSize
		f.ServerAddr = net.IP(append([]byte(nil), data[off:off+ipAddrSize]...))
		off += ipAddrSize
	}
	if len(data) < off+3 {
		return rtnet.ErrMalformed
	}
	burstrate := data[off]
	off++
	cfgLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data)-off != cfgLen {
		return rtnet.ErrStage1Size
	}
	f.Head = head
	f.AddrType = addrType
	f.Burstrate = burstrate
	f.Payload = append([]byte(nil), data[off:]...)
	return nil
}

// Stage2Cfg is the STAGE_2_CFG frame: the header of the larger stage-2
// payload plus its first fragment.
type Stage2Cfg struct {
	Head
	Flags           uint8
	Stations        uint32
	HeartbeatPeriod uint16
	CfgLen          uint32
	Payload         []byte
}

// MarshalBinary encodes the frame, mirroring rtcfg_send_stage_2.
func (f *Stage2Cfg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeadLen+1+4+2+4+len(f.Payload))
	f.Head.ID = IDStage2Cfg
	f.Head.Version = Version
	f.Head.encode(buf)
	off := HeadLen
	buf[off] = f.Flags
	off++
	binary.BigEndian.PutUint32(buf[off:], f.Stations)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], f.HeartbeatPeriod)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], f.CfgLen)
	off += 4
	copy(buf[off:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a STAGE_2_CFG frame.
func (f *Stage2Cfg) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	off := HeadLen
	if len(data) < off+11 {
		return rtnet.ErrMalformed
	}
	f.Head = head
	f.Flags = data[off]
	off++
	f.Stations = binary.BigEndian.Uint32(data[off:])
	off += 4
	f.HeartbeatPeriod = binary.BigEndian.Uint16(data[off:])
	off += 2
	f.CfgLen = binary.BigEndian.Uint32(data[off:])
	off += 4
	f.Payload = append([]byte(nil), data[off:]...)
	return nil
}

// Stage2CfgFrag is a STAGE_2_CFG_FRAG continuation fragment.
type Stage2CfgFrag struct {
	Head
	FragOffs uint32
	Payload  []byte
}

// MarshalBinary encodes the frame, mirroring rtcfg_send_stage_2_frag.
func (f *Stage2CfgFrag) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeadLen+4+len(f.Payload))
	f.Head.ID = IDStage2CfgFrag
	f.Head.Version = Version
	f.Head.encode(buf)
	binary.BigEndian.PutUint32(buf[HeadLen:], f.FragOffs)
	copy(buf[HeadLen+4:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a STAGE_2_CFG_FRAG frame.
func (f *Stage2CfgFrag) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	if len(data) < HeadLen+4 {
		return rtnet.ErrMalformed
	}
	f.Head = head
	f.FragOffs = binary.BigEndian.Uint32(data[HeadLen:])
	f.Payload = append([]byte(nil), data[HeadLen+4:]...)
	return nil
}

// Announce is ANNOUNCE_NEW (broadcast, client -> segment) or
// ANNOUNCE_REPLY (unicast, an already-announced station -> the
// newcomer); both share one wire shape.
type Announce struct {
	Head
	AddrType  AddrType
	Addr      net.IP
	Flags     uint8
	Burstrate uint8
}

// marshal encodes the frame with the given id (IDAnnounceNew or
// IDAnnounceReply); MarshalBinary and MarshalReply wrap it.
func (f *Announce) marshal(id Ident) ([]byte, error) {
	size := HeadLen + 1 + 1 + 1
	if f.AddrType == AddrIP {
		size += ipAddrSize
	}
	buf := make([]byte, size)
	f.Head.ID = id
	f.Head.Version = Version
	f.Head.encode(buf)
	off := HeadLen
	buf[off] = byte(f.AddrType)
	off++
	if f.AddrType == AddrIP {
		copy(buf[off:], f.Addr.To4())
		off += ipAddrSize
	}
	buf[off] = f.Flags
	off++
	buf[off] = f.Burstrate
	return buf, nil
}

// MarshalBinary encodes the frame as ANNOUNCE_NEW.
func (f *Announce) MarshalBinary() ([]byte, error) { return f.marshal(IDAnnounceNew) }

// MarshalReply encodes the frame as ANNOUNCE_REPLY.
func (f *Announce) MarshalReply() ([]byte, error) { return f.marshal(IDAnnounceReply) }

// UnmarshalBinary decodes either an ANNOUNCE_NEW or ANNOUNCE_REPLY frame;
// callers distinguish the two via Head.ID.
func (f *Announce) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	if head.ID != IDAnnounceNew && head.ID != IDAnnounceReply {
		return rtnet.ErrMalformed
	}
	off := HeadLen
	if len(data) < off+1 {
		return rtnet.ErrMalformed
	}
	addrType := AddrType(data[off])
	off++
	var addr net.IP
	if addrType == AddrIP {
		if len(data) < off+ipAddrSize+2 {
			return rtnet.ErrMalformed
		}
		addr = net.IP(append([]byte(nil), data[off:off+ipAddrSize]...))
		off += ipAddrSize
	}
	if len(data) < off+2 {
		return rtnet.ErrMalformed
	}
	f.Head = head
	f.AddrType = addrType
	f.Addr = addr
	f.Flags = data[off]
	f.Burstrate = data[off+1]
	return nil
}

// AckCfg is the ACK_CFG frame: how many bytes of stage-2 the client has
// consumed so far.
type AckCfg struct {
	Head
	AckLen uint32
}

// MarshalBinary encodes the frame.
func (f *AckCfg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeadLen+4)
	f.Head.ID = IDAckCfg
	f.Head.Version = Version
	f.Head.encode(buf)
	binary.BigEndian.PutUint32(buf[HeadLen:], f.AckLen)
	return buf, nil
}

// UnmarshalBinary decodes the frame.
func (f *AckCfg) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	if len(data) < HeadLen+4 {
		return rtnet.ErrMalformed
	}
	f.Head = head
	f.AckLen = binary.BigEndian.Uint32(data[HeadLen:])
	return nil
}

// Simple is the shared shape of READY and HEARTBEAT: a bare head.
type Simple struct {
	Head
}

// marshal encodes the frame with the given id (IDReady or
// IDHeartbeat).
func (f *Simple) marshal(id Ident) ([]byte, error) {
	buf := make([]byte, HeadLen)
	f.Head.ID = id
	f.Head.Version = Version
	f.Head.encode(buf)
	return buf, nil
}

// MarshalReady encodes a READY frame.
func (f *Simple) MarshalReady() ([]byte, error) { return f.marshal(IDReady) }

// MarshalHeartbeat encodes a HEARTBEAT frame.
func (f *Simple) MarshalHeartbeat() ([]byte, error) { return f.marshal(IDHeartbeat) }

// UnmarshalBinary decodes the frame.
func (f *Simple) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	f.Head = head
	return nil
}

// DeadStation is the DEAD_STATION frame, broadcast when the server's
// heartbeat timer expires on a READY connection.
type DeadStation struct {
	Head
	AddrType     AddrType
	LogicalAddr  net.IP
	PhysicalAddr net.HardwareAddr
}

// MarshalBinary encodes the frame, mirroring rtcfg_send_dead_station.
func (f *DeadStation) MarshalBinary() ([]byte, error) {
	size := HeadLen + 1 + 6
	if f.AddrType == AddrIP {
		size += ipAddrSize
	}
	buf := make([]byte, size)
	f.Head.ID = IDDeadStation
	f.Head.Version = Version
	f.Head.encode(buf)
	off := HeadLen
	buf[off] = byte(f.AddrType)
	off++
	if f.AddrType == AddrIP {
		copy(buf[off:], f.LogicalAddr.To4())
		off += ipAddrSize
	}
	copy(buf[off:off+6], f.PhysicalAddr)
	return buf, nil
}

// UnmarshalBinary decodes the frame.
func (f *DeadStation) UnmarshalBinary(data []byte) error {
	head, err := decodeHead(data)
	if err != nil {
		return err
	}
	off := HeadLen
	if len(data) < off+1 {
		return rtnet.ErrMalformed
	}
	addrType := AddrType(data[off])
	off++
	var logical net.IP
	if addrType == AddrIP {
		if len(data) < off+ipAddrSize+6 {
			return rtnet.ErrMalformed
		}
		logical = net.IP(append([]byte(nil), data[off:off+ipAddrSize]...))
		off += ipAddrSize
	}
	if len(data) < off+6 {
		return rtnet.ErrMalformed
	}
	f.Head = head
	f.AddrType = addrType
	f.LogicalAddr = logical
	f.PhysicalAddr = net.HardwareAddr(append([]byte(nil), data[off:off+6]...))
	return nil
}
