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

package tdma

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/time/servo"

	"github.com/rtnetgo/rtnet/rtskb"
)

// msgType identifies a TDMA control frame's body, carried as the first
// byte after the RTmac header rtmac.Rx has already stripped.
type msgType uint8

const (
	msgSync msgType = iota + 1
	msgReqCal
	msgReplyCal
	// msgData marks an in-slot data frame; the two bytes after the kind
	// carry the frame's original EtherType, restored by handleData.
	msgData
)

type syncMsg struct {
	Epoch int64
	Cycle uint32
}

const syncMsgLen = 1 + 8 + 4

type reqCalMsg struct {
	Nonce  uint32
	SentAt int64
}

const reqCalMsgLen = 1 + 4 + 8

type replyCalMsg struct {
	Nonce        uint32
	EchoedSentAt int64
	ReflectedAt  int64
}

const replyCalMsgLen = 1 + 4 + 8 + 8

func encodeSyncMsg(b *rtskb.Buffer, m syncMsg) {
	body := b.Put(syncMsgLen)
	body[0] = byte(msgSync)
	binary.BigEndian.PutUint64(body[1:9], uint64(m.Epoch))
	binary.BigEndian.PutUint32(body[9:13], m.Cycle)
}

func decodeSyncMsg(body []byte) syncMsg {
	return syncMsg{
		Epoch: int64(binary.BigEndian.Uint64(body[0:8])),
		Cycle: binary.BigEndian.Uint32(body[8:12]),
	}
}

func encodeReqCalMsg(b *rtskb.Buffer, m reqCalMsg) {
	body := b.Put(reqCalMsgLen)
	body[0] = byte(msgReqCal)
	binary.BigEndian.PutUint32(body[1:5], m.Nonce)
	binary.BigEndian.PutUint64(body[5:13], uint64(m.SentAt))
}

func decodeReqCalMsg(body []byte) reqCalMsg {
	return reqCalMsg{
		Nonce:  binary.BigEndian.Uint32(body[0:4]),
		SentAt: int64(binary.BigEndian.Uint64(body[4:12])),
	}
}

func encodeReplyCalMsg(b *rtskb.Buffer, m replyCalMsg) {
	body := b.Put(replyCalMsgLen)
	body[0] = byte(msgReplyCal)
	binary.BigEndian.PutUint32(body[1:5], m.Nonce)
	binary.BigEndian.PutUint64(body[5:13], uint64(m.EchoedSentAt))
	binary.BigEndian.PutUint64(body[13:21], uint64(m.ReflectedAt))
}

func decodeReplyCalMsg(body []byte) replyCalMsg {
	return replyCalMsg{
		Nonce:        binary.BigEndian.Uint32(body[0:4]),
		EchoedSentAt: int64(binary.BigEndian.Uint64(body[4:12])),
		ReflectedAt:  int64(binary.BigEndian.Uint64(body[12:20])),
	}
}

// handleSync processes a received SYNC beacon: a seeking slave moves to
// CAL_PENDING so it starts sending REQ_CAL probes on the next pass of
// calibrationLoop.
func (s *Station) handleSync(b *rtskb.Buffer) error {
	defer rtskb.Free(b)
	_ = decodeSyncMsg(b.Data())

	s.mu.Lock()
	s.lastSyncAt = time.Now()
	if s.phase == PhaseSeeking {
		s.phase = PhaseCalPending
	}
	s.mu.Unlock()
	return nil
}

// handleReqCal answers a slave's calibration probe with a REPLY_CAL
// frame carrying both timestamps the slave needs to compute round-trip
// delay.
func (s *Station) handleReqCal(b *rtskb.Buffer) error {
	defer rtskb.Free(b)
	req := decodeReqCalMsg(b.Data())

	if s.calPool == nil {
		return nil
	}
	reply, err := s.calPool.Alloc(ctrlFrameRoom)
	if err != nil {
		log.WithError(err).WithField("station", s.name).Debug("tdma: reply-cal allocation failed")
		return nil
	}
	s.startControlFrame(reply)
	encodeReplyCalMsg(reply, replyCalMsg{
		Nonce:        req.Nonce,
		EchoedSentAt: req.SentAt,
		ReflectedAt:  time.Now().UnixNano(),
	})
	s.doJob(Job{Kind: JobReplyCal, Reply: reply})
	return nil
}

// handleReplyCal completes a calibration round on the slave side: it
// measures round-trip delay, feeds it to the calibrator, marks the
// station calibrated, and wakes calibrationLoop's wait on syncEvent.
func (s *Station) handleReplyCal(b *rtskb.Buffer) error {
	defer rtskb.Free(b)
	reply := decodeReplyCalMsg(b.Data())

	now := time.Now().UnixNano()
	rtt := time.Duration(now - reply.EchoedSentAt)
	s.cal.Update(rtt)

	s.mu.Lock()
	if s.phase == PhaseCalPending {
		s.phase = PhaseCalibrated
	}
	s.mu.Unlock()
	s.flags.Or(FlagCalibrated)
	if s.Stats != nil {
		s.Stats.Calibration(s.statsLabel())
	}

	s.syncEvent.Signal()
	return nil
}

// txReqCal sends a calibration probe directly, bypassing the slot
// queue, so it is not delayed behind data traffic waiting for its turn.
func (s *Station) txReqCal() {
	pool := s.calPool
	if pool == nil {
		return
	}
	b, err := pool.Alloc(ctrlFrameRoom)
	if err != nil {
		return
	}
	s.startControlFrame(b)
	encodeReqCalMsg(b, reqCalMsg{Nonce: uint32(time.Now().UnixNano()), SentAt: time.Now().UnixNano()})
	s.xmitDirect(b)
}

// calibrationLoop drives a non-master station's repeated REQ_CAL probes
// until it becomes calibrated, each round waiting on syncEvent with a
// timeout that gives up on that cycle and retries on the next one. No
// probe is sent until a SYNC beacon has moved the station to CAL_PENDING.
func (s *Station) calibrationLoop(ctx context.Context) {
	// A non-master station calibrates against the master's cal pool,
	// which it does not own; it uses its own small pool for probes.
	s.mu.Lock()
	if s.calPool == nil {
		s.calPool = rtskb.NewPool(s.name+"-cal-probe", rtskb.RoleProtocol, 256)
		s.calPool.Extend(4)
	}
	s.mu.Unlock()

	period := s.cyclePeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	for {
		if s.IsCalibrated() || s.flags.Load()&FlagShutdown != 0 {
			return
		}
		if s.Phase() == PhaseCalPending {
			s.txReqCal()
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, period)
		err := s.syncEvent.Wait(timeoutCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return
		}
		// timeout or success: loop re-checks IsCalibrated above.
	}
}

// calibrator turns a sequence of measured round-trip delays into a
// filtered slot-offset correction. It wraps a servo.PiServo, the same
// proportional-integral clock servo used elsewhere to discipline a
// clock frequency from offset samples: here the "clock" being
// disciplined is the slot-offset estimate itself rather than a local
// oscillator, and each calibration round's half-round-trip delay is
// fed in as one offset sample.
type calibrator struct {
	mu     sync.Mutex
	servo  *servo.PiServo
	offset time.Duration
}

func newCalibrator() *calibrator {
	s := servo.NewPiServo(servo.DefaultServoConfig(), servo.DefaultPiServoCfg(), 0)
	s.SyncInterval(1)
	return &calibrator{servo: s}
}

// Update feeds one measured round-trip delay into the servo and returns
// the updated slot-offset correction. The half round trip is sampled as
// the offset; the servo's filtered ppb frequency estimate is applied
// back onto that same measurement to damp noisy probes.
func (c *calibrator) Update(rtt time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	measured := int64(rtt) / 2
	ppb, state := c.servo.Sample(measured, uint64(time.Now().UnixNano()))
	corrected := float64(measured) * (1 - ppb/1e9)
	c.offset = time.Duration(corrected)
	log.WithFields(log.Fields{"rtt": rtt, "ppb": ppb, "state": state}).Trace("tdma: calibration sample")
	return c.offset
}

// Offset returns the current filtered slot-offset correction.
func (c *calibrator) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
