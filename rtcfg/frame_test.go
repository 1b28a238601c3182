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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtnet "github.com/rtnetgo/rtnet"
)

func TestStage1CfgRoundTripMAC(t *testing.T) {
	f := &Stage1Cfg{Burstrate: 4, Payload: []byte("hello-stage1")}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Stage1Cfg
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, IDStage1Cfg, got.Head.ID)
	assert.Equal(t, AddrMAC, got.AddrType)
	assert.Equal(t, uint8(4), got.Burstrate)
	assert.Equal(t, []byte("hello-stage1"), got.Payload)
}

func TestStage1CfgRoundTripIP(t *testing.T) {
	f := &Stage1Cfg{
		AddrType:   AddrIP,
		ClientAddr: net.IPv4(10, 0, 0, 2),
		ServerAddr: net.IPv4(10, 0, 0, 1),
		Burstrate:  1,
		Payload:    []byte("x"),
	}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Stage1Cfg
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, AddrIP, got.AddrType)
	assert.True(t, got.ClientAddr.Equal(net.IPv4(10, 0, 0, 2)))
	assert.True(t, got.ServerAddr.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestStage1CfgRejectsLengthMismatch(t *testing.T) {
	f := &Stage1Cfg{Payload: []byte("abc")}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)
	raw = raw[:len(raw)-1] // truncate payload without fixing cfg_len

	var got Stage1Cfg
	err = got.UnmarshalBinary(raw)
	assert.ErrorIs(t, err, rtnet.ErrStage1Size)
}

func TestStage2CfgRoundTrip(t *testing.T) {
	f := &Stage2Cfg{Flags: 1, Stations: 3, HeartbeatPeriod: 500, CfgLen: 11, Payload: []byte("first-frag!")}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Stage2Cfg
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, IDStage2Cfg, got.Head.ID)
	assert.EqualValues(t, 3, got.Stations)
	assert.EqualValues(t, 500, got.HeartbeatPeriod)
	assert.Equal(t, []byte("first-frag!"), got.Payload)
}

func TestStage2CfgFragRoundTrip(t *testing.T) {
	f := &Stage2CfgFrag{FragOffs: 1024, Payload: []byte("more-data")}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Stage2CfgFrag
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.EqualValues(t, 1024, got.FragOffs)
	assert.Equal(t, []byte("more-data"), got.Payload)
}

func TestAnnounceRoundTrip(t *testing.T) {
	f := &Announce{AddrType: AddrIP, Addr: net.IPv4(192, 168, 1, 5), Flags: 2, Burstrate: 3}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, byte(IDAnnounceNew), raw[0])

	replyRaw, err := f.MarshalReply()
	require.NoError(t, err)
	assert.Equal(t, byte(IDAnnounceReply), replyRaw[0])

	var got Announce
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, IDAnnounceNew, got.Head.ID)
	assert.True(t, got.Addr.Equal(net.IPv4(192, 168, 1, 5)))
	assert.Equal(t, uint8(2), got.Flags)
}

func TestAckCfgRoundTrip(t *testing.T) {
	f := &AckCfg{AckLen: 4096}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got AckCfg
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.EqualValues(t, 4096, got.AckLen)
}

func TestSimpleReadyAndHeartbeat(t *testing.T) {
	var f Simple
	ready, err := f.MarshalReady()
	require.NoError(t, err)
	assert.Equal(t, byte(IDReady), ready[0])

	heartbeat, err := f.MarshalHeartbeat()
	require.NoError(t, err)
	assert.Equal(t, byte(IDHeartbeat), heartbeat[0])

	var got Simple
	require.NoError(t, got.UnmarshalBinary(ready))
	assert.Equal(t, IDReady, got.Head.ID)
}

func TestDeadStationRoundTrip(t *testing.T) {
	f := &DeadStation{
		AddrType:     AddrIP,
		LogicalAddr:  net.IPv4(10, 1, 1, 1),
		PhysicalAddr: net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
	}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	var got DeadStation
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.True(t, got.LogicalAddr.Equal(net.IPv4(10, 1, 1, 1)))
	assert.Equal(t, f.PhysicalAddr, got.PhysicalAddr)
}

func TestDecodeHeadRejectsWrongVersion(t *testing.T) {
	raw := []byte{byte(IDReady), 7}
	_, err := decodeHead(raw)
	assert.ErrorIs(t, err, rtnet.ErrMalformed)
}

func TestDecodeHeadRejectsShortBuffer(t *testing.T) {
	_, err := decodeHead([]byte{0})
	assert.ErrorIs(t, err, rtnet.ErrMalformed)
}
