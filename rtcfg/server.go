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
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
)

// ConnState is a server-side per-connection state: it advances a client
// through announcement, the two config stages, and acknowledgment
// before settling into READY, or drops to DEAD on timeout.
type ConnState int

// Connection states.
const (
	StateNew ConnState = iota
	StateStage1Sent
	StateAnnounced
	StateStage2Sent
	StateAcked
	StateReady
	StateDead
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStage1Sent:
		return "STAGE_1_SENT"
	case StateAnnounced:
		return "ANNOUNCED"
	case StateStage2Sent:
		return "STAGE_2_SENT"
	case StateAcked:
		return "ACKED"
	case StateReady:
		return "READY"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Connection is one expected client's configuration-distribution record.
type Connection struct {
	mu sync.Mutex

	LogicalAddr  net.IP
	PhysicalAddr net.HardwareAddr
	Burstrate    uint8

	State ConnState

	stage1     []byte
	stage2     []byte
	stage2Hash uint64

	sentOffset    uint32
	lastHeartbeat time.Time
}

// connKey identifies a connection by its physical (MAC) address, the one
// identity duplicate ANNOUNCE_NEW frames restart state on.
func connKey(mac net.HardwareAddr) string { return mac.String() }

// Transport is the send side a Server needs: unicast to one station's MAC
// and broadcast to the segment. cmd/rtnetd wires this to a device's
// transmit path; tests can inject an in-memory fake.
type Transport interface {
	Send(dst net.HardwareAddr, frame []byte) error
	Broadcast(frame []byte) error
}

// Stats is the per-device counter surface a Server or Client reports
// protocol events into; rtstats.Exporter satisfies it. Nil means "don't
// count".
type Stats interface {
	ProtocolViolation(device string)
	Stage1Sent(device string)
	DeadStation(device string)
}

// Server owns one segment's worth of client connections and drives each
// through STAGE_1 -> ANNOUNCED -> STAGE_2 -> ACKED -> READY.
type Server struct {
	Name string

	FragmentSize    int
	HeartbeatPeriod time.Duration
	MissedLimit     int // heartbeats missed before DEAD, default 3

	// Stats receives per-device protocol counters; set by the daemon.
	Stats Stats

	tx Transport

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewServer creates a Server bound to tx. fragmentSize is the maximum
// payload bytes per STAGE_2_CFG/STAGE_2_CFG_FRAG frame (mtu minus frame
// overhead, computed by the caller).
func NewServer(name string, tx Transport, fragmentSize int, heartbeatPeriod time.Duration) *Server {
	return &Server{
		Name:            name,
		FragmentSize:    fragmentSize,
		HeartbeatPeriod: heartbeatPeriod,
		MissedLimit:     3,
		tx:              tx,
		conns:           make(map[string]*Connection),
	}
}

// AddStation registers an expected client in state NEW. logical may be nil
// for a MAC-only connection. stage2 is the already-loaded file payload (nil
// if this client has none).
func (s *Server) AddStation(logical net.IP, mac net.HardwareAddr, stage1, stage2 []byte, burstrate uint8) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connKey(mac)
	if c, ok := s.conns[key]; ok {
		c.mu.Lock()
		c.LogicalAddr = logical
		c.stage1 = stage1
		c.setStage2(stage2)
		c.Burstrate = burstrate
		c.mu.Unlock()
		return c
	}
	c := &Connection{
		LogicalAddr:  logical,
		PhysicalAddr: mac,
		Burstrate:    burstrate,
		State:        StateNew,
		stage1:       stage1,
	}
	c.setStage2(stage2)
	s.conns[key] = c
	return c
}

func (c *Connection) setStage2(payload []byte) {
	h := xxhash.Sum64(payload)
	if h == c.stage2Hash && c.stage2 != nil {
		return
	}
	c.stage2 = payload
	c.stage2Hash = h
}

// Connections returns a snapshot of every registered connection.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Progress reports how many connections have acknowledged their full
// stage-2 payload (state ACKED or READY; DEAD connections are not
// counted), against the total registered.
// The WAIT control request polls this until acked == total.
func (s *Server) Progress() (acked, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.mu.Lock()
		if c.State >= StateAcked && c.State != StateDead {
			acked++
		}
		c.mu.Unlock()
		total++
	}
	return acked, total
}

// Cycle advances every connection's timer-driven transitions: sending
// STAGE_1_CFG to NEW stations and declaring READY stations with stale
// heartbeats DEAD.
func (s *Server) Cycle() error {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		c.mu.Lock()
		switch c.State {
		case StateNew:
			if err := s.sendStage1(c); err != nil {
				c.mu.Unlock()
				return err
			}
			c.State = StateStage1Sent
		case StateReady:
			if s.HeartbeatPeriod > 0 && !c.lastHeartbeat.IsZero() {
				deadline := time.Duration(s.missedLimit()) * s.HeartbeatPeriod
				if now.Sub(c.lastHeartbeat) > deadline {
					c.State = StateDead
					logrus.WithFields(logrus.Fields{
						"server": s.Name, "station": c.PhysicalAddr,
					}).Warn("rtcfg: station missed heartbeat deadline, declaring dead")
					c.mu.Unlock()
					_ = s.broadcastDeadStation(c)
					continue
				}
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func (s *Server) missedLimit() int {
	if s.MissedLimit <= 0 {
		return 3
	}
	return s.MissedLimit
}

func (s *Server) sendStage1(c *Connection) error {
	f := &Stage1Cfg{Burstrate: c.Burstrate, Payload: c.stage1}
	if c.LogicalAddr != nil {
		f.AddrType = AddrIP
		f.ClientAddr = c.LogicalAddr
		f.ServerAddr = c.LogicalAddr // server-side logical address is out of scope here
	}
	if len(c.stage1) > s.FragmentSize {
		return rtnet.ErrStage1Size
	}
	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.tx.Send(c.PhysicalAddr, raw); err != nil {
		return err
	}
	if s.Stats != nil {
		s.Stats.Stage1Sent(s.Name)
	}
	return nil
}

func (s *Server) broadcastDeadStation(c *Connection) error {
	f := &DeadStation{PhysicalAddr: c.PhysicalAddr}
	if c.LogicalAddr != nil {
		f.AddrType = AddrIP
		f.LogicalAddr = c.LogicalAddr
	}
	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.tx.Broadcast(raw); err != nil {
		return err
	}
	if s.Stats != nil {
		s.Stats.DeadStation(s.Name)
	}
	return nil
}

// HandleFrame dispatches a received RTcfg frame from src to the matching
// connection. Parse errors and frames from unknown stations are dropped
// silently rather than torn down, since a malformed frame on the wire is
// not grounds for abandoning an otherwise-healthy connection.
func (s *Server) HandleFrame(src net.HardwareAddr, raw []byte) error {
	head, err := decodeHead(raw)
	if err != nil {
		s.violation(src)
		return nil
	}
	switch head.ID {
	case IDAnnounceNew:
		return s.handleAnnounce(src, raw)
	case IDAckCfg:
		return s.handleAck(src, raw)
	case IDReady:
		return s.handleReady(src)
	case IDHeartbeat:
		return s.handleHeartbeat(src)
	default:
		logrus.WithField("id", head.ID).Debug("rtcfg: server ignoring frame type")
		return nil
	}
}

// violation counts one malformed or state-inconsistent frame against
// this server's device and leaves a debug trace.
func (s *Server) violation(src net.HardwareAddr) {
	logrus.WithFields(logrus.Fields{
		"server": s.Name, "src": src,
	}).Debug("rtcfg: dropping malformed frame")
	if s.Stats != nil {
		s.Stats.ProtocolViolation(s.Name)
	}
}

func (s *Server) lookup(mac net.HardwareAddr) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[connKey(mac)]
}

func (s *Server) handleAnnounce(src net.HardwareAddr, raw []byte) error {
	var f Announce
	if err := f.UnmarshalBinary(raw); err != nil {
		s.violation(src)
		return nil
	}
	c := s.lookup(src)
	if c == nil {
		return nil
	}

	// Duplicate ANNOUNCE_NEW restarts per-connection state without
	// destroying the already-loaded stage-2 payload.
	c.mu.Lock()
	c.State = StateAnnounced
	c.sentOffset = 0
	c.mu.Unlock()

	return s.sendStage2First(c)
}

func (s *Server) sendStage2First(c *Connection) error {
	s.mu.RLock()
	stations := len(s.conns)
	s.mu.RUnlock()

	c.mu.Lock()
	payload := c.stage2
	n := len(payload)
	frag := payload
	if n > s.FragmentSize {
		frag = payload[:s.FragmentSize]
	}
	f := &Stage2Cfg{
		Stations:        uint32(stations),
		HeartbeatPeriod: uint16(s.HeartbeatPeriod.Milliseconds()),
		CfgLen:          uint32(n),
		Payload:         frag,
	}
	c.State = StateStage2Sent
	c.sentOffset = uint32(len(frag))
	mac := c.PhysicalAddr
	c.mu.Unlock()

	raw, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return s.tx.Send(mac, raw)
}

func (s *Server) handleAck(src net.HardwareAddr, raw []byte) error {
	var f AckCfg
	if err := f.UnmarshalBinary(raw); err != nil {
		s.violation(src)
		return nil
	}
	c := s.lookup(src)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if c.State != StateStage2Sent {
		c.mu.Unlock()
		return nil
	}
	cfgLen := uint32(len(c.stage2))
	if f.AckLen >= cfgLen {
		c.State = StateAcked
		c.mu.Unlock()
		return nil
	}

	remaining := c.stage2[f.AckLen:]
	n := len(remaining)
	fragSize := s.FragmentSize
	if n > fragSize {
		n = fragSize
	}
	frag := &Stage2CfgFrag{FragOffs: f.AckLen, Payload: remaining[:n]}
	c.sentOffset = f.AckLen + uint32(n)
	mac := c.PhysicalAddr
	c.mu.Unlock()

	raw2, err := frag.MarshalBinary()
	if err != nil {
		return err
	}
	return s.tx.Send(mac, raw2)
}

func (s *Server) handleReady(src net.HardwareAddr) error {
	c := s.lookup(src)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.State == StateAcked {
		c.State = StateReady
		c.lastHeartbeat = time.Now()
	}
	c.mu.Unlock()
	return nil
}

func (s *Server) handleHeartbeat(src net.HardwareAddr) error {
	c := s.lookup(src)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.State == StateReady {
		c.lastHeartbeat = time.Now()
	}
	c.mu.Unlock()
	return nil
}
