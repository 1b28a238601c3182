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
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	dst net.HardwareAddr
	raw []byte
}

// fakeWire records every frame a Server or Client sends, standing in for
// DevTransport in state-machine tests.
type fakeWire struct {
	mu         sync.Mutex
	sent       []sentFrame
	broadcasts [][]byte
}

func (w *fakeWire) Send(dst net.HardwareAddr, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, sentFrame{dst: dst, raw: append([]byte(nil), frame...)})
	return nil
}

func (w *fakeWire) Broadcast(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcasts = append(w.broadcasts, append([]byte(nil), frame...))
	return nil
}

func (w *fakeWire) lastSent(t *testing.T) sentFrame {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.sent)
	return w.sent[len(w.sent)-1]
}

var testMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02}

// fakeStats counts protocol events per call, standing in for
// rtstats.Exporter.
type fakeStats struct {
	violations int
	stage1     int
	dead       int
}

func (f *fakeStats) ProtocolViolation(string) { f.violations++ }
func (f *fakeStats) Stage1Sent(string)        { f.stage1++ }
func (f *fakeStats) DeadStation(string)       { f.dead++ }

func TestServerBringUpSendsStage1(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 100*time.Millisecond)
	srv.AddStation(net.IPv4(10, 0, 0, 2), testMAC, []byte{0x01, 0x02, 0x03, 0x04}, nil, 1)

	require.NoError(t, srv.Cycle())

	got := wire.lastSent(t)
	assert.Equal(t, testMAC, got.dst)
	var f Stage1Cfg
	require.NoError(t, f.UnmarshalBinary(got.raw))
	assert.Equal(t, AddrIP, f.AddrType)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, f.Payload)
	assert.Equal(t, StateStage1Sent, srv.Connections()[0].State)
}

func TestServerRejectsOversizeStage1(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 8, 0)
	srv.AddStation(nil, testMAC, bytes.Repeat([]byte{0xab}, 9), nil, 1)
	assert.Error(t, srv.Cycle())
}

func TestServerStage1AtExactFragmentSizeSucceeds(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 8, 0)
	srv.AddStation(nil, testMAC, bytes.Repeat([]byte{0xab}, 8), nil, 1)
	assert.NoError(t, srv.Cycle())
}

// announceFrom drives a connection out of STAGE_1_SENT the way a live
// client would.
func announceFrom(t *testing.T, srv *Server, mac net.HardwareAddr) {
	t.Helper()
	a := &Announce{Burstrate: 1}
	raw, err := a.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(mac, raw))
}

func ackFrom(t *testing.T, srv *Server, mac net.HardwareAddr, ackLen uint32) {
	t.Helper()
	ack := &AckCfg{AckLen: ackLen}
	raw, err := ack.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(mac, raw))
}

func TestServerFragmentsStage2File(t *testing.T) {
	wire := &fakeWire{}
	// File 3000 bytes, MTU 1500, frame overhead 20: fragments of
	// 1480, 1480 and 40 bytes.
	srv := NewServer("rteth0", wire, 1480, 100*time.Millisecond)
	stage2 := bytes.Repeat([]byte{0x5a}, 3000)
	srv.AddStation(net.IPv4(10, 0, 0, 2), testMAC, nil, stage2, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)

	var first Stage2Cfg
	require.NoError(t, first.UnmarshalBinary(wire.lastSent(t).raw))
	assert.EqualValues(t, 3000, first.CfgLen)
	assert.Len(t, first.Payload, 1480)

	ackFrom(t, srv, testMAC, 1480)
	var frag Stage2CfgFrag
	require.NoError(t, frag.UnmarshalBinary(wire.lastSent(t).raw))
	assert.EqualValues(t, 1480, frag.FragOffs)
	assert.Len(t, frag.Payload, 1480)

	ackFrom(t, srv, testMAC, 2960)
	require.NoError(t, frag.UnmarshalBinary(wire.lastSent(t).raw))
	assert.EqualValues(t, 2960, frag.FragOffs)
	assert.Len(t, frag.Payload, 40)

	ackFrom(t, srv, testMAC, 3000)
	assert.Equal(t, StateAcked, srv.Connections()[0].State)
}

func TestServerZeroByteStage2CompletesInOneFrame(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 0)
	srv.AddStation(nil, testMAC, nil, nil, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)

	var f Stage2Cfg
	require.NoError(t, f.UnmarshalBinary(wire.lastSent(t).raw))
	assert.EqualValues(t, 0, f.CfgLen)
	assert.Empty(t, f.Payload)

	ackFrom(t, srv, testMAC, 0)
	assert.Equal(t, StateAcked, srv.Connections()[0].State)
}

func TestServerReadyThenMissedHeartbeatsBroadcastsDeadStation(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 100*time.Millisecond)
	srv.AddStation(net.IPv4(10, 0, 0, 5), testMAC, nil, nil, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)
	ackFrom(t, srv, testMAC, 0)

	readyRaw, err := (&Simple{}).MarshalReady()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(testMAC, readyRaw))
	c := srv.Connections()[0]
	assert.Equal(t, StateReady, c.State)

	// Three missed heartbeat periods.
	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-400 * time.Millisecond)
	c.mu.Unlock()
	require.NoError(t, srv.Cycle())

	assert.Equal(t, StateDead, c.State)
	wire.mu.Lock()
	defer wire.mu.Unlock()
	require.NotEmpty(t, wire.broadcasts)
	var dead DeadStation
	require.NoError(t, dead.UnmarshalBinary(wire.broadcasts[len(wire.broadcasts)-1]))
	assert.True(t, dead.LogicalAddr.Equal(net.IPv4(10, 0, 0, 5)))
	assert.Equal(t, testMAC, dead.PhysicalAddr)
}

func TestServerHeartbeatKeepsConnectionAlive(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 100*time.Millisecond)
	srv.AddStation(nil, testMAC, nil, nil, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)
	ackFrom(t, srv, testMAC, 0)
	readyRaw, err := (&Simple{}).MarshalReady()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(testMAC, readyRaw))

	hbRaw, err := (&Simple{}).MarshalHeartbeat()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(testMAC, hbRaw))
	require.NoError(t, srv.Cycle())
	assert.Equal(t, StateReady, srv.Connections()[0].State)
}

func TestDuplicateAnnounceRestartsWithoutLosingStage2(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 10, 0)
	stage2 := bytes.Repeat([]byte{0x77}, 25)
	srv.AddStation(nil, testMAC, nil, stage2, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)
	ackFrom(t, srv, testMAC, 10)

	// The client rebooted mid-transfer and announces again: the server
	// restarts the transfer from offset zero with the same payload.
	announceFrom(t, srv, testMAC)
	var f Stage2Cfg
	require.NoError(t, f.UnmarshalBinary(wire.lastSent(t).raw))
	assert.EqualValues(t, 25, f.CfgLen)
	assert.Equal(t, stage2[:10], f.Payload)
}

func TestServerProgressCountsAckedStations(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 0)
	srv.AddStation(nil, testMAC, nil, nil, 1)
	other := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x03}
	srv.AddStation(nil, other, nil, nil, 1)

	require.NoError(t, srv.Cycle())
	announceFrom(t, srv, testMAC)
	ackFrom(t, srv, testMAC, 0)

	acked, total := srv.Progress()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 2, total)
}

func TestServerCountsProtocolEvents(t *testing.T) {
	wire := &fakeWire{}
	fs := &fakeStats{}
	srv := NewServer("rteth0", wire, 1480, 100*time.Millisecond)
	srv.Stats = fs
	srv.AddStation(net.IPv4(10, 0, 0, 5), testMAC, nil, nil, 1)

	require.NoError(t, srv.Cycle())
	assert.Equal(t, 1, fs.stage1)

	// Wrong frame version counts as a protocol violation.
	require.NoError(t, srv.HandleFrame(testMAC, []byte{byte(IDAnnounceNew), 7}))
	assert.Equal(t, 1, fs.violations)

	announceFrom(t, srv, testMAC)
	ackFrom(t, srv, testMAC, 0)
	readyRaw, err := (&Simple{}).MarshalReady()
	require.NoError(t, err)
	require.NoError(t, srv.HandleFrame(testMAC, readyRaw))

	c := srv.Connections()[0]
	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-time.Second)
	c.mu.Unlock()
	require.NoError(t, srv.Cycle())
	assert.Equal(t, 1, fs.dead)
}

func TestServerIgnoresUnknownStation(t *testing.T) {
	wire := &fakeWire{}
	srv := NewServer("rteth0", wire, 1480, 0)
	announceFrom(t, srv, testMAC)
	wire.mu.Lock()
	defer wire.mu.Unlock()
	assert.Empty(t, wire.sent)
}
