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

	"github.com/sirupsen/logrus"
)

// ClientState is the client side of the configuration-distribution
// state machine: it advances from IDLE through the two config stages to
// COMPLETE, or loops through WAIT_MORE while fragments are still
// arriving.
type ClientState int

// Client states.
const (
	ClientIdle ClientState = iota
	ClientWaitingStage1
	ClientWaitingStage2
	ClientWaitMore
	ClientComplete
)

func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "IDLE"
	case ClientWaitingStage1:
		return "WAITING_STAGE_1"
	case ClientWaitingStage2:
		return "WAITING_STAGE_2"
	case ClientWaitMore:
		return "WAIT_MORE"
	case ClientComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Client drives one station through stage-1/stage-2 configuration receipt
// against a single server.
type Client struct {
	Name string

	AnnounceAddr net.HardwareAddr
	LogicalAddr  net.IP

	// Stats receives per-device protocol counters; set by the daemon.
	Stats Stats

	tx Transport

	mu              sync.Mutex
	state           ClientState
	serverAddr      net.HardwareAddr
	stage1          []byte
	stage2          []byte
	cfgLen          uint32
	heartbeatPeriod time.Duration

	// stations records every other station heard announcing on the
	// segment, keyed by MAC.
	stations map[string]struct{}
}

// NewClient creates a Client in state IDLE, bound to tx for its replies.
func NewClient(name string, announceAddr net.HardwareAddr, tx Transport) *Client {
	return &Client{
		Name:         name,
		AnnounceAddr: announceAddr,
		tx:           tx,
		state:        ClientIdle,
		stations:     make(map[string]struct{}),
	}
}

// Start transitions IDLE -> WAITING_STAGE_1, mirroring IOC_CLIENT.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ClientWaitingStage1
}

// State reports the client's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stage1Payload returns the bytes copied out of the last STAGE_1_CFG
// frame, mirroring the bytes an IOC_CLIENT caller would read back.
func (c *Client) Stage1Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage1
}

// Stage2Payload returns the accumulated stage-2 file content, valid once
// State() reports ClientComplete.
func (c *Client) Stage2Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage2
}

// HandleFrame dispatches a received RTcfg frame from src to the client's
// state machine. Parse errors and frames that don't match the current
// state are dropped silently.
func (c *Client) HandleFrame(src net.HardwareAddr, raw []byte) error {
	head, err := decodeHead(raw)
	if err != nil {
		c.violation(src)
		return nil
	}
	switch head.ID {
	case IDStage1Cfg:
		return c.handleStage1(src, raw)
	case IDStage2Cfg:
		return c.handleStage2(raw)
	case IDStage2CfgFrag:
		return c.handleStage2Frag(raw)
	case IDAnnounceNew:
		return c.handleAnnounceNew(src, raw)
	case IDAnnounceReply:
		return c.handleAnnounceReply(src, raw)
	default:
		logrus.WithField("id", head.ID).Debug("rtcfg: client ignoring frame type")
		return nil
	}
}

// violation counts one malformed frame against this client's device and
// leaves a debug trace.
func (c *Client) violation(src net.HardwareAddr) {
	logrus.WithFields(logrus.Fields{
		"client": c.Name, "src": src,
	}).Debug("rtcfg: dropping malformed frame")
	if c.Stats != nil {
		c.Stats.ProtocolViolation(c.Name)
	}
}

func (c *Client) handleStage1(src net.HardwareAddr, raw []byte) error {
	var f Stage1Cfg
	if err := f.UnmarshalBinary(raw); err != nil {
		c.violation(src)
		return nil
	}

	c.mu.Lock()
	if c.state != ClientWaitingStage1 {
		c.mu.Unlock()
		return nil
	}
	c.stage1 = append([]byte(nil), f.Payload...)
	c.serverAddr = src
	c.state = ClientWaitingStage2
	c.mu.Unlock()

	announce := &Announce{Flags: 0, Burstrate: f.Burstrate}
	if c.LogicalAddr != nil {
		announce.AddrType = AddrIP
		announce.Addr = c.LogicalAddr
	}
	raw2, err := announce.MarshalBinary()
	if err != nil {
		return err
	}
	return c.tx.Broadcast(raw2)
}

func (c *Client) handleStage2(raw []byte) error {
	var f Stage2Cfg
	if err := f.UnmarshalBinary(raw); err != nil {
		c.violation(nil)
		return nil
	}

	c.mu.Lock()
	if c.state != ClientWaitingStage2 {
		c.mu.Unlock()
		return nil
	}
	c.heartbeatPeriod = time.Duration(f.HeartbeatPeriod) * time.Millisecond
	c.cfgLen = f.CfgLen
	c.stage2 = append([]byte(nil), f.Payload...)
	done := uint32(len(c.stage2)) >= c.cfgLen
	if done {
		c.state = ClientComplete
	} else {
		c.state = ClientWaitMore
	}
	ackLen := uint32(len(c.stage2))
	c.mu.Unlock()

	return c.sendAck(ackLen)
}

func (c *Client) handleStage2Frag(raw []byte) error {
	var f Stage2CfgFrag
	if err := f.UnmarshalBinary(raw); err != nil {
		c.violation(nil)
		return nil
	}

	c.mu.Lock()
	if c.state != ClientWaitMore {
		c.mu.Unlock()
		return nil
	}
	if f.FragOffs != uint32(len(c.stage2)) {
		// Out-of-order or duplicate fragment; drop.
		c.mu.Unlock()
		return nil
	}
	c.stage2 = append(c.stage2, f.Payload...)
	done := uint32(len(c.stage2)) >= c.cfgLen
	if done {
		c.state = ClientComplete
	}
	ackLen := uint32(len(c.stage2))
	c.mu.Unlock()

	return c.sendAck(ackLen)
}

func (c *Client) sendAck(ackLen uint32) error {
	ack := &AckCfg{AckLen: ackLen}
	raw, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	c.mu.Lock()
	server := c.serverAddr
	c.mu.Unlock()
	return c.tx.Send(server, raw)
}

// SendReady emits the READY frame once stage-2 receipt is COMPLETE,
// mirroring IOC_READY.
func (c *Client) SendReady() error {
	c.mu.Lock()
	complete := c.state == ClientComplete
	server := c.serverAddr
	c.mu.Unlock()
	if !complete {
		return nil
	}
	var s Simple
	raw, err := s.MarshalReady()
	if err != nil {
		return err
	}
	return c.tx.Send(server, raw)
}

// handleAnnounceNew records a newly announcing peer station and answers
// it with an ANNOUNCE_REPLY so the newcomer learns this station exists.
// A station that has not itself announced yet stays quiet.
func (c *Client) handleAnnounceNew(src net.HardwareAddr, raw []byte) error {
	var f Announce
	if err := f.UnmarshalBinary(raw); err != nil {
		c.violation(src)
		return nil
	}
	if src.String() == c.AnnounceAddr.String() {
		return nil
	}

	c.mu.Lock()
	announced := c.state != ClientIdle && c.state != ClientWaitingStage1
	c.stations[src.String()] = struct{}{}
	c.mu.Unlock()
	if !announced {
		return nil
	}

	reply := &Announce{Burstrate: f.Burstrate}
	if c.LogicalAddr != nil {
		reply.AddrType = AddrIP
		reply.Addr = c.LogicalAddr
	}
	raw2, err := reply.MarshalReply()
	if err != nil {
		return err
	}
	return c.tx.Send(src, raw2)
}

// handleAnnounceReply records a peer answering this station's own
// ANNOUNCE_NEW broadcast.
func (c *Client) handleAnnounceReply(src net.HardwareAddr, raw []byte) error {
	var f Announce
	if err := f.UnmarshalBinary(raw); err != nil {
		c.violation(src)
		return nil
	}
	c.mu.Lock()
	c.stations[src.String()] = struct{}{}
	c.mu.Unlock()
	return nil
}

// OtherStations reports how many distinct peer stations this client has
// heard announcing on the segment.
func (c *Client) OtherStations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stations)
}

// HeartbeatPeriod reports the keep-alive interval the server announced
// in its STAGE_2_CFG frame; zero until stage-2 arrives, or when the
// server runs without liveness tracking.
func (c *Client) HeartbeatPeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatPeriod
}

// SendHeartbeat emits a HEARTBEAT frame, called periodically once READY.
func (c *Client) SendHeartbeat() error {
	c.mu.Lock()
	server := c.serverAddr
	c.mu.Unlock()
	var s Simple
	raw, err := s.MarshalHeartbeat()
	if err != nil {
		return err
	}
	return c.tx.Send(server, raw)
}
