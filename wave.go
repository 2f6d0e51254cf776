// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package wavectl

import (
	"context"

	"github.com/go-logr/logr"
)

// Wave is the central entity of this package. Fields are held flat
// and directly rather than through an interface/embedding hierarchy;
// back-references to collaborators are non-owning.
type Wave struct {
	ID   WaveID
	arch *Architecture

	// Back-references, non-owning.
	Dispatch DispatchID
	Agent    Agent
	process  Process
	queue    Queue

	LaneCount int

	State      WaveState
	Visibility Visibility
	StopReason StopReason

	// StopRequested is true once a stop has been asked for but the
	// hardware has not yet acknowledged it.
	StopRequested bool

	cwsr          CWSRRecord
	GroupLeader   *Wave
	registerCache *RegisterCache

	IsParked bool
	ParkedPC uint64

	groupIDsValid bool
	GroupIDs      [3]uint32
	WaveInGroup   uint32

	LastStoppedPC uint64
	lastStopEvent *Event

	displaced      *DisplacedSteppingBuffer
	displacedArena *DisplacedSteppingArena

	initialized bool
	log         logr.Logger

	// ttmpsSetupEnabled mirrors the process-wide flag referenced in
	// construction time; false means every TTMP must be zeroed on
	// the wave's very first update.
	ttmpsSetupEnabled bool
}

// WaveConfig supplies a wave's fixed construction-time collaborators.
type WaveConfig struct {
	Dispatch          DispatchID
	Architecture      *Architecture
	Process           Process
	Queue             Queue
	Agent             Agent
	DisplacedArena    *DisplacedSteppingArena
	LaneCount         int
	TTMPsSetupEnabled bool
	Log               logr.Logger
}

// NewWave constructs a wave. It is not yet usable for register/memory
// access until Update is called for the first time.
func NewWave(cfg WaveConfig) *Wave {
	assertf(cfg.LaneCount == 32 || cfg.LaneCount == 64, "lane count must be 32 or 64, got %d", cfg.LaneCount)
	return &Wave{
		ID:                NewWaveID(),
		arch:              cfg.Architecture,
		Dispatch:          cfg.Dispatch,
		Agent:             cfg.Agent,
		process:           cfg.Process,
		queue:             cfg.Queue,
		LaneCount:         cfg.LaneCount,
		displacedArena:    cfg.DisplacedArena,
		log:               cfg.Log,
		ttmpsSetupEnabled: cfg.TTMPsSetupEnabled,
	}
}

func (w *Wave) Initialized() bool { return w.initialized }

// QueueID returns the owning queue's handle.
func (w *Wave) QueueID() QueueID { return w.queue.ID() }

// ProcessID returns the owning process's handle.
func (w *Wave) ProcessID() ProcessID { return w.process.ID() }

// Update is the queue-refresh path's first true initialization and
// every subsequent re-synchronization whenever the owning queue is
// suspended. prevState is the wave's state immediately before this
// call.
func (w *Wave) Update(ctx context.Context, groupLeader *Wave, cwsr CWSRRecord) error {
	assertf(w.queue.IsSuspended(), "Update requires the owning queue to be suspended")

	prevState := w.State
	firstUpdate := !w.initialized

	if firstUpdate {
		w.GroupLeader = groupLeader
		w.cwsr = cwsr
		base := cwsr.FirstHWRegAddr()
		end := cwsr.LastTTMPAddr() + uint64(cwsr.LastTTMPSize())
		w.registerCache = NewRegisterCache(w.process, w.queue, base, end-base)
		w.initialized = true
	} else {
		w.cwsr = cwsr
	}

	if prevState != StateStop {
		// Wave was running since the last update: cache contents are
		// stale.
		base := cwsr.FirstHWRegAddr()
		end := cwsr.LastTTMPAddr() + uint64(cwsr.LastTTMPSize())
		w.registerCache.Reset(base, end-base)

		if !w.ttmpsSetupEnabled && firstUpdate {
			if err := w.zeroTTMPs(ctx); err != nil {
				return err
			}
		}

		state, reason, err := w.arch.WaveGetState(w)
		if err != nil {
			return err
		}
		w.State = state
		w.StopReason = reason
	} else {
		// Wave was already stopped: contents were authoritative, only
		// the addressing needs to move with the new CWSR record.
		w.registerCache.Relocate(cwsr.FirstHWRegAddr())
	}

	transitionedToStop := prevState != StateStop && w.State == StateStop
	if transitionedToStop {
		if w.arch.ParkStoppedWaves != nil && w.arch.ParkStoppedWaves() {
			if err := w.park(); err != nil {
				return err
			}
		}
		if w.Visibility == VisibilityVisible && w.StopReason != StopReasonNone {
			w.raiseEvent(EventWaveStop)
		}
	}

	if firstUpdate {
		if err := w.writeWaveIDRegister(ctx); err != nil {
			return err
		}
		if err := w.readGroupMetadata(ctx); err != nil {
			return err
		}
	}

	return nil
}

// zeroTTMPs writes zero to every TTMP register on the wave's first
// update when the process-wide ttmps_setup_enabled flag is false.
func (w *Wave) zeroTTMPs(ctx context.Context) error {
	zero := make([]byte, 8)
	for reg := ttmpFirstRegister; reg <= ttmpLastRegister; reg++ {
		size := w.arch.RegisterSize(reg)
		if size > len(zero) {
			zero = make([]byte, size)
		}
		if err := w.writeRegisterDirect(ctx, reg, 0, size, zero[:size]); err != nil {
			return err
		}
	}
	return nil
}

// writeWaveIDRegister and readGroupMetadata are first-update-only
// steps; they are implemented in terms of the
// same register I/O path as any client access.
func (w *Wave) writeWaveIDRegister(ctx context.Context) error {
	raw := [16]byte(w.ID)
	return w.writeRegisterDirect(ctx, regWaveID, 0, 8, raw[:8])
}

func (w *Wave) readGroupMetadata(ctx context.Context) error {
	buf := make([]byte, 4)
	for i := 0; i < 3; i++ {
		if err := w.readRegisterDirect(ctx, regGroupID0+i, 0, 4, buf); err != nil {
			return err
		}
		w.GroupIDs[i] = beUint32(buf)
	}
	if err := w.readRegisterDirect(ctx, regWaveInGroup, 0, 4, buf); err != nil {
		return err
	}
	w.WaveInGroup = beUint32(buf)
	w.groupIDsValid = true
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// register numbers reserved by this package for TTMP scanning
// and group metadata; real deployments obtain these from the
// architecture's register map. Negative numbers are reserved for
// architecture pseudo-registers (capability.go: isPseudoRegister).
const (
	ttmpFirstRegister = 100
	ttmpLastRegister  = 111
	regWaveID         = 112
	regGroupID0       = 113
	regWaveInGroup    = 116
	regPC             = 200
	regExecMask       = 201
)

// Close releases any outstanding displaced stepping. If one is still
// present the owning queue must be invalid (process-exit path); it is
// otherwise the caller's responsibility to cancel it first.
func (w *Wave) Close() {
	if w.displaced != nil {
		assertf(w.queue.Invalid(), "wave %v destroyed with outstanding displaced stepping on a live queue", w.ID)
		w.displacedArena.release(w.displaced)
		w.displaced = nil
	}
}
