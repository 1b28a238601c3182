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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	rtnet "github.com/rtnetgo/rtnet"
	"github.com/rtnetgo/rtnet/rtdev"
	"github.com/rtnetgo/rtnet/rtevent"
	"github.com/rtnetgo/rtnet/rtskb"
)

// Stats is the per-device counter surface a Station reports calibration
// completions and malformed-frame drops into; rtstats.Exporter satisfies
// it. Nil means "don't count".
type Stats interface {
	Calibration(device string)
	ProtocolViolation(device string)
}

// Station is the per-device TDMA discipline instance: one is created per
// attached device and implements rtmac.Discipline.
type Station struct {
	name string
	dev  *rtdev.Device

	// Stats receives per-device protocol counters; set by the daemon
	// before Attach.
	Stats Stats

	mu    sync.Mutex
	phase Phase
	flags atomic.Uint32

	cyclePeriod   time.Duration
	backupSyncInc time.Duration

	slots   map[uint16]*Slot
	maxSlot uint16
	jobs    []Job

	// deliver re-injects an unwrapped in-slot data frame into the
	// stack's EtherType dispatch; set by the daemon via SetDeliver.
	deliver func(b *rtskb.Buffer)

	wakeup    *rtevent.Event
	syncEvent *rtevent.Event
	xmitEvent *rtevent.Event

	// calPool supplies frames for calibration probes/echoes, mirroring
	// cal_rtskb_pool: Attach creates it on a master, calibrationLoop on
	// a slave for its probes, NoticeSyncLost on a taking-over backup.
	calPool *rtskb.Pool

	cal *calibrator

	cancel context.CancelFunc
	done   chan struct{}

	pendingJob Job
	jobDone    chan struct{}

	// lastReplySent, lastReplyEcho and lastReplyAt are not read or
	// written: handleReplyCal feeds each measurement straight into cal.
	lastReplySent time.Time
	lastReplyEcho time.Time
	lastReplyAt   time.Time

	// lastSyncAt is the time the last SYNC beacon was received, checked
	// by syncWatchdog to detect a master that has stopped beaconing.
	lastSyncAt time.Time
}

// Config seeds a Station's schedule at construction time. Slot ids
// matching an entry's JointWith share a transmit queue.
type Config struct {
	Name          string
	CyclePeriod   time.Duration
	Slots         []Slot
	Master        bool
	BackupMaster  bool
	BackupSyncInc time.Duration
}

// New builds a Station from cfg. It does not attach to any device; call
// rtmac.Attach(dev, station, vnic) to do that.
func New(cfg Config) *Station {
	s := &Station{
		name:          cfg.Name,
		cyclePeriod:   cfg.CyclePeriod,
		backupSyncInc: cfg.BackupSyncInc,
		slots:         make(map[uint16]*Slot, len(cfg.Slots)),
		wakeup:        rtevent.New(),
		syncEvent:     rtevent.New(),
		xmitEvent:     rtevent.New(),
		cal:           newCalibrator(),
	}
	if s.name == "" {
		s.name = "TDMA"
	}
	for i := range cfg.Slots {
		sl := cfg.Slots[i]
		sl.queue = &rtskb.Queue{}
		s.slots[sl.ID] = &sl
		if sl.ID > s.maxSlot {
			s.maxSlot = sl.ID
		}
	}
	// Resolve joint slots onto a single shared queue, mirroring the
	// original's slot->queue aliasing across tdma->slot_table entries.
	for id, sl := range s.slots {
		if sl.IsJoint() {
			if owner, ok := s.slots[sl.JointWith]; ok {
				s.slots[id].queue = owner.queue
			}
		}
	}
	if cfg.Master {
		s.flags.Or(FlagMaster)
	}
	if cfg.BackupMaster {
		s.flags.Or(FlagBackupMaster)
	}
	s.jobs = s.buildJobRing()
	return s
}

// Name satisfies rtmac.Discipline.
func (s *Station) Name() string { return s.name }

// DiscType satisfies rtmac.Discipline.
func (s *Station) DiscType() uint16 { return DiscType }

// SetDeliver installs the callback handleData uses to hand an unwrapped
// in-slot data frame back to the stack for EtherType dispatch.
func (s *Station) SetDeliver(fn func(b *rtskb.Buffer)) {
	s.mu.Lock()
	s.deliver = fn
	s.mu.Unlock()
}

// Attach starts the scheduler and worker goroutines and installs
// RTPacketTx as dev's transmit entry point, mirroring tdma_attach.
func (s *Station) Attach(dev *rtdev.Device) error {
	s.mu.Lock()
	s.dev = dev
	if s.flags.Load()&FlagMaster != 0 {
		s.calPool = rtskb.NewPool(s.name+"-cal", rtskb.RoleProtocol, 256)
		s.calPool.Extend(8)
	}
	s.mu.Unlock()

	dev.InterceptTx(s.RTPacketTx)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.jobDone = make(chan struct{})

	s.setPhase(PhaseSeeking)
	if s.flags.Load()&FlagMaster != 0 {
		s.setPhase(PhaseMasterActive)
	}

	s.mu.Lock()
	s.lastSyncAt = time.Now()
	s.mu.Unlock()

	go s.scheduler(ctx)
	go s.worker(ctx)
	if s.flags.Load()&FlagMaster == 0 {
		go s.calibrationLoop(ctx)
		if s.flags.Load()&FlagBackupMaster != 0 {
			registerBackupCandidate(s)
			go s.syncWatchdog(ctx)
		}
	}
	return nil
}

// Detach sets the shutdown flag, stops the scheduler/worker goroutines,
// and releases any calibration pool, mirroring tdma_detach.
func (s *Station) Detach(dev *rtdev.Device) error {
	s.flags.Or(FlagShutdown)
	if s.cancel != nil {
		s.cancel()
	}
	if s.calPool != nil {
		s.calPool.Release()
	}
	unregisterBackupCandidate(s)
	s.setPhase(PhaseTerminal)
	return nil
}

// PacketRx dispatches a received TDMA control frame (its own sub-header,
// distinct from the RTmac header rtmac.Rx already stripped) to the
// matching handler, mirroring tdma_packet_rx.
func (s *Station) PacketRx(b *rtskb.Buffer) error {
	if b.Len() < 1 {
		s.violation()
		rtskb.Free(b)
		return rtnet.ErrMalformed
	}
	kind := b.Pull(1)[0]
	switch msgType(kind) {
	case msgSync:
		return s.handleSync(b)
	case msgReqCal:
		return s.handleReqCal(b)
	case msgReplyCal:
		return s.handleReplyCal(b)
	case msgData:
		return s.handleData(b)
	default:
		s.violation()
		rtskb.Free(b)
		return rtnet.ErrUnknownDisc
	}
}

// statsLabel names this station's device in exported counters, falling
// back to the station name before a device is attached.
func (s *Station) statsLabel() string {
	if s.dev != nil {
		return s.dev.Name()
	}
	return s.name
}

func (s *Station) violation() {
	if s.Stats != nil {
		s.Stats.ProtocolViolation(s.statsLabel())
	}
}

// AddSlot inserts (or replaces) a schedule slot and rebuilds the job
// ring, mirroring the ADD_SLOT ioctl. Never called on a real-time path;
// the scheduler picks the new ring up at its next cycle boundary.
func (s *Station) AddSlot(sl Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.queue = &rtskb.Queue{}
	if sl.IsJoint() {
		if owner, ok := s.slots[sl.JointWith]; ok {
			sl.queue = owner.queue
		}
	}
	s.slots[sl.ID] = &sl
	if sl.ID > s.maxSlot {
		s.maxSlot = sl.ID
	}
	s.jobs = s.buildJobRing()
}

func (s *Station) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the station's current state-machine position.
func (s *Station) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsMaster reports whether FlagMaster is set.
func (s *Station) IsMaster() bool { return s.flags.Load()&FlagMaster != 0 }

// IsCalibrated reports whether FlagCalibrated is set.
func (s *Station) IsCalibrated() bool { return s.flags.Load()&FlagCalibrated != 0 }

// NoticeSyncLost moves a backup-capable, non-master station into
// BACKUP_ACTIVE: it takes the master role, rebuilds its job ring with a
// SYNC job at cycle start, and begins beaconing in place of the master
// that went quiet. Called by syncWatchdog once it has both detected the
// lost beacon and confirmed this station is the elected candidate.
func (s *Station) NoticeSyncLost() {
	if s.flags.Load()&FlagBackupMaster == 0 {
		return
	}
	s.flags.Or(FlagBackupActive | FlagMaster)
	s.mu.Lock()
	if s.calPool == nil {
		s.calPool = rtskb.NewPool(s.name+"-cal", rtskb.RoleProtocol, 256)
		s.calPool.Extend(8)
	}
	s.jobs = s.buildJobRing()
	s.mu.Unlock()
	s.setPhase(PhaseBackupActive)
	log.WithField("station", s.name).Warn("tdma: sync lost, backup master taking over")
}

// backupCandidates holds every attached, backup-master-capable station
// that is not itself the active master, keyed by device ifindex, so a
// sync-loss detector can tell whether this station is the one that
// should take over.
var (
	backupMu         sync.Mutex
	backupCandidates = map[int]*Station{}
)

func registerBackupCandidate(s *Station) {
	if s.dev == nil {
		return
	}
	backupMu.Lock()
	backupCandidates[s.dev.Ifindex()] = s
	backupMu.Unlock()
}

func unregisterBackupCandidate(s *Station) {
	if s.dev == nil {
		return
	}
	backupMu.Lock()
	delete(backupCandidates, s.dev.Ifindex())
	backupMu.Unlock()
}

// isElectedBackupMaster reports whether s holds the lowest ifindex
// among all currently registered backup-master candidates: the one
// station that takes over when the active master's beacon goes quiet.
func (s *Station) isElectedBackupMaster() bool {
	if s.dev == nil {
		return false
	}
	own := s.dev.Ifindex()
	backupMu.Lock()
	defer backupMu.Unlock()
	for ifindex := range backupCandidates {
		if ifindex < own {
			return false
		}
	}
	return true
}

// syncLossCycles is the number of missed cycle periods without a SYNC
// beacon that a backup candidate treats as proof the master is gone.
const syncLossCycles = 4

// syncWatchdog runs on a backup-master-capable, non-master station. It
// polls the time since the last received SYNC beacon and, once that
// exceeds syncLossCycles worth of the configured cycle period, calls
// NoticeSyncLost provided this station is the elected candidate.
func (s *Station) syncWatchdog(ctx context.Context) {
	period := s.cyclePeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	timeout := period * syncLossCycles

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastSyncAt
			phase := s.phase
			s.mu.Unlock()
			if phase == PhaseBackupActive || phase == PhaseTerminal {
				return
			}
			if time.Since(last) < timeout {
				continue
			}
			if s.isElectedBackupMaster() {
				s.NoticeSyncLost()
			}
		}
	}
}

func (s *Station) buildJobRing() []Job {
	jobs := make([]Job, 0, len(s.slots)+1)
	if s.flags.Load()&FlagMaster != 0 {
		jobs = append(jobs, Job{Kind: JobSync, Due: 0})
	}
	ids := make([]uint16, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.slots[ids[i]].Offset < s.slots[ids[j]].Offset })
	for _, id := range ids {
		sl := s.slots[id]
		jobs = append(jobs, Job{Kind: JobSlot, Due: sl.Offset, SlotID: id})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Due < jobs[j].Due })
	return jobs
}
