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
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtmac"
	"github.com/rtnetgo/rtnet/rtskb"
)

var _ rtmac.Discipline = (*Station)(nil)

// etherBroadcast is the destination of every TDMA control beacon.
var etherBroadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// dataSubHdrLen is the TDMA sub-header on in-slot data frames: the kind
// byte plus the frame's original EtherType, restored on receive.
const dataSubHdrLen = 3

// wrapRoom is the headroom a buffer needs below its payload for
// RTPacketTx's in-place wrap. Transmit-side builders reserve it.
const wrapRoom = rtmac.HeaderLen + dataSubHdrLen

// scheduler fires the worker wakeup event at each job's offset within the
// cycle, waiting for the worker to finish the previous job before arming
// the next timer — jobs never overlap.
func (s *Station) scheduler(ctx context.Context) {
	defer close(s.done)
	if s.cyclePeriod <= 0 {
		<-ctx.Done()
		return
	}
	for {
		s.mu.Lock()
		jobs := s.jobs
		s.mu.Unlock()
		if len(jobs) == 0 {
			if !s.sleepUntil(ctx, time.Now().Add(s.cyclePeriod)) {
				return
			}
			continue
		}
		cycleStart := time.Now()
		for i := range jobs {
			job := jobs[i]
			if !s.sleepUntil(ctx, cycleStart.Add(job.Due)) {
				return
			}
			s.mu.Lock()
			s.pendingJob = job
			s.mu.Unlock()
			s.wakeup.Signal()
			select {
			case <-s.jobDone:
			case <-ctx.Done():
				return
			}
		}
		if !s.sleepUntil(ctx, cycleStart.Add(s.cyclePeriod)) {
			return
		}
		if s.flags.Load()&FlagShutdown != 0 {
			return
		}
	}
}

func (s *Station) sleepUntil(ctx context.Context, target time.Time) bool {
	d := time.Until(target)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// worker drains wakeup events one at a time, executing exactly one job
// per wakeup, mirroring tdma_worker's single in-flight job invariant.
func (s *Station) worker(ctx context.Context) {
	for {
		if err := s.wakeup.Wait(ctx); err != nil {
			return
		}
		s.mu.Lock()
		job := s.pendingJob
		s.mu.Unlock()

		s.doJob(job)

		select {
		case s.jobDone <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Station) doJob(job Job) {
	switch job.Kind {
	case JobSlot:
		s.txSlot(job.SlotID)
	case JobSync:
		s.txSync()
	case JobReplyCal:
		if job.Reply != nil {
			s.xmitDirect(job.Reply)
		}
	case JobXmitReqCal:
		s.txReqCal()
	}
}

// xmitDirect hands b straight to the device's original transmit entry
// point, serialized against the slot worker by the device tx lock. Used
// for frames a job handler builds itself, outside of any rtskb queue.
func (s *Station) xmitDirect(b *rtskb.Buffer) {
	s.dev.TxLock()
	defer s.dev.TxUnlock()
	if err := s.dev.OriginalXmit(b); err != nil {
		log.WithError(err).WithField("station", s.name).Debug("tdma: direct transmit failed")
		rtskb.Free(b)
	}
}

// txSlot dequeues one frame from the named slot's queue (or its joint
// owner's queue) and hands it to the driver, mirroring the SLOT job.
func (s *Station) txSlot(id uint16) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	b := sl.queue.Dequeue()
	if b == nil {
		return
	}
	s.xmitDirect(b)
}

// startControlFrame writes the Ethernet and RTmac headers of a broadcast
// TDMA control frame (SYNC, REQ_CAL, REPLY_CAL) into b.
func (s *Station) startControlFrame(b *rtskb.Buffer) {
	hdr := b.Put(rtmac.EtherHdrLen + rtmac.HeaderLen)
	copy(hdr[0:6], etherBroadcast[:])
	copy(hdr[6:12], s.dev.HardwareAddr())
	binary.BigEndian.PutUint16(hdr[12:14], rtnet.EtherRTMAC)
	rtmac.Header{Version: rtmac.Version, Type: DiscType}.Encode(hdr[rtmac.EtherHdrLen:])
	b.Protocol = rtnet.EtherRTMAC
}

// ctrlFrameRoom bounds the allocation of any control frame: headers plus
// the largest message body.
const ctrlFrameRoom = rtmac.EtherHdrLen + rtmac.HeaderLen + replyCalMsgLen

// txSync builds and sends the master's SYNC beacon, mirroring the SYNC
// job of a master-active station.
func (s *Station) txSync() {
	if s.calPool == nil {
		return
	}
	b, err := s.calPool.Alloc(ctrlFrameRoom)
	if err != nil {
		log.WithError(err).WithField("station", s.name).Debug("tdma: sync frame allocation failed")
		return
	}
	s.startControlFrame(b)
	encodeSyncMsg(b, syncMsg{Epoch: time.Now().UnixNano(), Cycle: s.nextCycleNumber()})
	s.xmitDirect(b)
}

var cycleCounter atomic.Uint32

func (s *Station) nextCycleNumber() uint32 {
	return cycleCounter.Add(1)
}

// RTPacketTx is the real-time transmit hook installed on the device by
// Attach. The buffer carries a complete Ethernet frame; RTPacketTx maps
// its priority band to a slot id, validates the frame fits the slot's
// MTU, rewrites it in place as an RTmac frame (EtherType ETH_RTMAC, the
// RTmac header, and a data sub-header recording the original EtherType
// for the receiver to restore), and enqueues onto the slot's queue. It
// never blocks and never allocates.
func (s *Station) RTPacketTx(b *rtskb.Buffer) error {
	slotID := s.priorityToSlot(b.Priority)

	s.mu.Lock()
	sl, ok := s.slots[slotID]
	s.mu.Unlock()
	if !ok {
		rtskb.Free(b)
		return rtnet.ErrNoDev
	}
	if b.Len() > sl.MTU {
		rtskb.Free(b)
		return rtnet.ErrMsgTooLong
	}
	if b.Len() < rtmac.EtherHdrLen {
		rtskb.Free(b)
		return rtnet.ErrMalformed
	}
	s.wrapDataFrame(b)
	sl.queue.QueueTail(b)
	return nil
}

// wrapDataFrame shifts the frame's Ethernet header back by wrapRoom bytes
// and inserts the RTmac header plus the data sub-header between it and
// the payload, rewriting the outer EtherType to ETH_RTMAC. The sender
// must have reserved wrapRoom bytes of headroom.
func (s *Station) wrapDataFrame(b *rtskb.Buffer) {
	var eth [rtmac.EtherHdrLen]byte
	copy(eth[:], b.Data()[:rtmac.EtherHdrLen])
	inner := binary.BigEndian.Uint16(eth[12:14])

	b.Push(wrapRoom)
	d := b.Data()
	copy(d[:rtmac.EtherHdrLen], eth[:])
	binary.BigEndian.PutUint16(d[12:14], rtnet.EtherRTMAC)
	rtmac.Header{Version: rtmac.Version, Type: DiscType}.Encode(d[rtmac.EtherHdrLen:])
	d[rtmac.EtherHdrLen+rtmac.HeaderLen] = byte(msgData)
	binary.BigEndian.PutUint16(d[rtmac.EtherHdrLen+rtmac.HeaderLen+1:], inner)
	b.Protocol = rtnet.EtherRTMAC
}

// handleData restores an in-slot data frame to its pre-wrap shape and
// hands it back to the stack for EtherType dispatch. On entry the
// Ethernet header, RTmac header and sub-header kind byte have been
// pulled; the inner EtherType is next.
func (s *Station) handleData(b *rtskb.Buffer) error {
	if b.Len() < 2 {
		s.violation()
		rtskb.Free(b)
		return rtnet.ErrMalformed
	}
	inner := binary.BigEndian.Uint16(b.Pull(2))
	if inner == rtnet.EtherRTMAC {
		s.violation()
		rtskb.Free(b)
		return rtnet.ErrMalformed
	}

	// The original Ethernet header still sits in the pulled region;
	// move it up against the payload and restore its EtherType.
	region := b.Push(rtmac.EtherHdrLen + wrapRoom)
	var eth [rtmac.EtherHdrLen]byte
	copy(eth[:], region[:rtmac.EtherHdrLen])
	binary.BigEndian.PutUint16(eth[12:14], inner)
	b.Pull(wrapRoom)
	copy(b.Data()[:rtmac.EtherHdrLen], eth[:])
	b.Protocol = inner

	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver == nil {
		rtskb.Free(b)
		return nil
	}
	deliver(b)
	return nil
}

// NRTPacketTx is the non-real-time transmit hook used by the VNIC tunnel:
// the buffer carries the inner frame, which is wrapped in an Ethernet
// header plus an RTmac header with the tunnel flag and the inner
// EtherType, then enqueued onto the designated NRT slot, falling back to
// the default slot if none is configured. Behavior is drop-tail if the
// NRT queue would exceed nrtQueueLimit. The sender must have reserved
// EtherHdrLen+HeaderLen bytes of headroom.
func (s *Station) NRTPacketTx(b *rtskb.Buffer, innerType uint16) error {
	s.mu.Lock()
	sl, ok := s.slots[DefaultNRTSlot]
	if !ok {
		sl, ok = s.slots[DefaultSlot]
	}
	s.mu.Unlock()
	if !ok {
		rtskb.Free(b)
		return rtnet.ErrNoDev
	}
	if sl.queue.Len() >= nrtQueueLimit {
		rtskb.Free(b)
		return rtnet.ErrNoBufs
	}

	b.Push(rtmac.EtherHdrLen + rtmac.HeaderLen)
	d := b.Data()
	// The inner frame's own destination keeps tunneled unicast unicast.
	dst := etherBroadcast[:]
	const innerOff = rtmac.EtherHdrLen + rtmac.HeaderLen
	if len(d) >= innerOff+6 {
		dst = d[innerOff : innerOff+6]
	}
	copy(d[0:6], dst)
	copy(d[6:12], s.dev.HardwareAddr())
	binary.BigEndian.PutUint16(d[12:14], rtnet.EtherRTMAC)
	rtmac.Header{Version: rtmac.Version, Flags: rtmac.FlagTunnel, Type: innerType}.Encode(d[rtmac.EtherHdrLen:])
	b.Protocol = rtnet.EtherRTMAC
	sl.queue.QueueTail(b)
	return nil
}

// nrtQueueLimit bounds the NRT slot queue depth before NRTPacketTx starts
// dropping, mirroring the bounded rtskb pool backing every real queue.
const nrtQueueLimit = 64

// priorityToSlot maps a buffer's priority band onto a slot id. Bands
// with no configured slot of the same id fall back to DefaultSlot.
func (s *Station) priorityToSlot(priority uint8) uint16 {
	id := uint16(priority)
	s.mu.Lock()
	_, ok := s.slots[id]
	s.mu.Unlock()
	if !ok {
		return DefaultSlot
	}
	return id
}
