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

// Core is the public entry point of this package. It
// holds no state of its own beyond its collaborators: every field is a
// constructor-injected collaborator, never a package-level global.
type Core struct {
	registry WaveRegistry
	log      logr.Logger
}

// Config supplies Core's collaborators.
type Config struct {
	Registry WaveRegistry
	Log      logr.Logger
}

// NewCore constructs the wave control core.
func NewCore(cfg Config) *Core {
	assertf(cfg.Registry != nil, "NewCore requires a non-nil WaveRegistry")
	return &Core{registry: cfg.Registry, log: cfg.Log}
}

// suspendQueue is the scoped acquire-on-entry/release-on-all-exit-paths
// pattern this package relies on throughout: the queue is suspended
// for the duration of the closure and always resumed, even on error,
// unless it was already suspended when entered.
func (c *Core) suspendQueue(ctx context.Context, q Queue, fn func() error) error {
	if q.IsSuspended() {
		return fn()
	}
	if err := q.Suspend(ctx); err != nil {
		return err
	}
	defer q.Resume(ctx)
	if err := fn(); err != nil {
		return err
	}
	return q.FlushDirtyCaches(ctx)
}

// Stop requests that the wave stop at its next opportunity.
func (c *Core) Stop(ctx context.Context, id WaveID) error {
	w, ok := c.registry.Lookup(id)
	if !ok {
		return newErr(ErrInvalidWaveID, "wave %v not found", id)
	}
	assertf(w.Initialized(), "Stop called on an uninitialized wave")

	if w.ClientVisibleState() == StateStop {
		return newErr(ErrWaveStopped, "wave %v is already stopped", id)
	}
	if w.StopRequested {
		return newErr(ErrWaveOutstandingStop, "wave %v already has a stop pending", id)
	}

	return c.suspendQueue(ctx, w.queue, func() error {
		w, ok = c.registry.Lookup(id)
		if !ok {
			return newErr(ErrInvalidWaveID, "wave %v exited before its stop could be applied", id)
		}
		if c.log.GetSink() != nil {
			c.log.V(1).Info("stopping wave", "wave", id)
		}
		return w.setState(ctx, StateStop, ExceptionNone)
	})
}

// Resume resumes a stopped wave in the given mode with the given
// exceptions to re-raise on resume.
func (c *Core) Resume(ctx context.Context, id WaveID, mode ResumeMode, exceptions ExceptionBits) error {
	if mode != ResumeNormal && mode != ResumeSingleStep {
		return newErr(ErrInvalidArgument, "resume: unrecognized mode %d", mode)
	}
	if exceptions&^validExceptionBits != 0 {
		return newErr(ErrInvalidArgument, "resume: unrecognized exception bits 0x%x", uint32(exceptions))
	}

	w, ok := c.registry.Lookup(id)
	if !ok {
		return newErr(ErrInvalidWaveID, "wave %v not found", id)
	}
	assertf(w.Initialized(), "Resume called on an uninitialized wave")

	if w.ClientVisibleState() != StateStop {
		return newErr(ErrWaveNotStopped, "wave %v is not stopped", id)
	}
	if ev := w.lastStopEvent; ev != nil && ev.State() != EventProcessed {
		return newErr(ErrWaveNotResumable, "wave %v's last stop event has not been processed", id)
	}
	if w.displaced != nil && mode != ResumeSingleStep {
		return newErr(ErrResumeDisplacedStepping, "wave %v has an outstanding displaced stepping and must resume SINGLE_STEP", id)
	}

	newState := StateRun
	if mode == ResumeSingleStep {
		newState = StateSingleStep
	}

	return c.suspendQueue(ctx, w.queue, func() error {
		w, ok = c.registry.Lookup(id)
		if !ok {
			return newErr(ErrInvalidWaveID, "wave %v exited before it could be resumed", id)
		}
		if c.log.GetSink() != nil {
			c.log.V(1).Info("resuming wave", "wave", id, "mode", mode)
		}
		return w.setState(ctx, newState, exceptions)
	})
}

// GetInfo answers one client info query about a wave.
// The returned value's concrete type depends on query; callers type-
// assert the field they asked for.
func (c *Core) GetInfo(ctx context.Context, id WaveID, query WaveInfoQuery) (any, error) {
	w, ok := c.registry.Lookup(id)
	if !ok {
		return nil, newErr(ErrInvalidWaveID, "wave %v not found", id)
	}
	assertf(w.Initialized(), "GetInfo called on an uninitialized wave")

	if infoRequiresStop[query] && w.ClientVisibleState() != StateStop {
		return nil, newErr(ErrWaveNotStopped, "query %d requires the wave to be stopped", query)
	}

	switch query {
	case InfoState:
		return w.ClientVisibleState(), nil
	case InfoStopReason:
		return w.StopReason, nil
	case InfoDispatch:
		return w.Dispatch, nil
	case InfoQueue:
		return w.QueueID(), nil
	case InfoAgent:
		return w.Agent.ID(), nil
	case InfoProcess:
		return w.ProcessID(), nil
	case InfoArchitecture:
		return w.arch.Name, nil
	case InfoPC:
		pc, err := w.pc(ctx)
		return pc, err
	case InfoExecMask:
		return w.execMask(ctx)
	case InfoWorkGroupCoord:
		if !w.groupIDsValid {
			return nil, newErr(ErrNotAvailable, "work group coordinates not available")
		}
		return w.GroupIDs, nil
	case InfoWaveNumberInWorkGroup:
		if !w.groupIDsValid {
			return nil, newErr(ErrNotAvailable, "wave number in work group not available")
		}
		return w.WaveInGroup, nil
	case InfoWatchpoints:
		if w.arch.TriggeredWatchpoints == nil {
			return []WatchpointID{}, nil
		}
		return w.arch.TriggeredWatchpoints(w), nil
	case InfoLaneCount:
		return w.LaneCount, nil
	default:
		return nil, newErr(ErrInvalidArgument, "unrecognized info query %d", query)
	}
}

// ListWaves enumerates waves whose state has changed since they were
// last reported. A nil target means every known process. The core is
// single-threaded and cooperative: it never spawns its own goroutines,
// so processes and their queues are walked one at a time, in order.
func (c *Core) ListWaves(ctx context.Context, target *ProcessID) (map[WaveID]bool, error) {
	var procs []ProcessID
	if target != nil {
		procs = []ProcessID{*target}
	} else {
		var err error
		procs, err = c.registry.AllProcesses(ctx)
		if err != nil {
			return nil, err
		}
	}

	changed := make(map[WaveID]bool)
	for _, proc := range procs {
		if err := c.listProcessWaves(ctx, proc, changed); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (c *Core) listProcessWaves(ctx context.Context, proc ProcessID, changed map[WaveID]bool) error {
	queues, err := c.registry.ProcessQueues(ctx, proc)
	if err != nil {
		return err
	}

	for _, q := range queues {
		alreadySuspended := q.IsSuspended()
		if !alreadySuspended {
			if err := q.Suspend(ctx); err != nil {
				return err
			}
		}

		ids, err := c.registry.RefreshQueue(ctx, q)
		if err != nil {
			return err
		}

		for _, id := range ids {
			changed[id] = true
		}

		if q.ForwardProgressNeeded() {
			if err := q.Resume(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
