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

import "context"

// setState is the wave lifecycle's central transition.
// The owning queue must already be suspended; callers (Stop, Resume)
// are responsible for the suspend/resume bracket.
func (w *Wave) setState(ctx context.Context, newState WaveState, exceptions ExceptionBits) error {
	assertf(w.queue.IsSuspended(), "setState requires the owning queue to be suspended")
	assertf(exceptions == ExceptionNone || newState != StateStop, "exceptions may only be requested when leaving STOP, never alongside it")
	if w.displaced != nil {
		assertf(newState == StateStop || newState == StateSingleStep,
			"wave %v has an outstanding displaced stepping and must resume only to STOP or SINGLE_STEP", w.ID)
	}

	prevState := w.State
	if newState == prevState && exceptions == ExceptionNone {
		return nil
	}

	w.StopRequested = newState == StateStop

	var instr []byte
	if newState == StateSingleStep && exceptions == ExceptionNone {
		var err error
		instr, err = w.fetchInstructionToExecute(ctx)
		if err != nil {
			instr = nil // absent instruction is tolerated
		}
	}

	if newState == StateSingleStep && exceptions == ExceptionNone && instr != nil && w.arch.IsTerminatingInstruction != nil && w.arch.IsTerminatingInstruction(instr) {
		if err := w.terminate(ctx); err != nil {
			return err
		}
		w.raiseEvent(EventWaveCommandTerminated)
		return nil
	}

	if err := w.arch.WaveSetState(w, newState, exceptions); err != nil {
		return err
	}
	w.State = newState

	parkPolicy := w.arch.ParkStoppedWaves != nil && w.arch.ParkStoppedWaves()
	enteringStop := prevState != StateStop && newState == StateStop
	leavingStop := prevState == StateStop && newState != StateStop

	if enteringStop && parkPolicy {
		if err := w.park(); err != nil {
			return err
		}
	}
	if leavingStop && w.IsParked {
		if err := w.unpark(ctx); err != nil {
			return err
		}
	}

	if leavingStop {
		pc, err := w.pc(ctx)
		if err != nil {
			return err
		}
		w.LastStoppedPC = pc
		w.StopReason = StopReasonNone
	}

	if enteringStop {
		if prevState == StateSingleStep {
			w.raiseEvent(EventWaveCommandTerminated)
		} else {
			w.raiseEvent(EventWaveStop)
		}
	}

	if newState == StateSingleStep && exceptions == ExceptionNone && instr != nil && w.arch.CanSimulate(w, instr) {
		ok, err := w.arch.Simulate(w, instr)
		if err != nil {
			return err
		}
		if ok {
			state, reason, err := w.arch.WaveGetState(w)
			if err != nil {
				return err
			}
			w.State = state
			w.StopReason = reason
			if parkPolicy {
				if err := w.park(); err != nil {
					return err
				}
			}
			w.raiseEvent(EventWaveStop)
		}
	}

	if err := w.process.SendExceptions(exceptionsToOSMask(exceptions), w.queue); err != nil {
		return err
	}

	if leavingStop && w.Agent.DeviceMemoryViolation() && !w.Agent.OtherWaveStoppedWithMemoryViolation(w.ID) {
		w.Agent.ClearDeviceMemoryViolation()
	}

	return nil
}

// fetchInstructionToExecute reads the bytes of the instruction that
// would execute next: the displaced original if one is outstanding at
// the current pc, otherwise whatever is at pc in memory.
func (w *Wave) fetchInstructionToExecute(ctx context.Context) ([]byte, error) {
	if w.displaced != nil {
		return w.displaced.OriginalInstruction(), nil
	}
	pc, err := w.pc(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w.arch.LargestInstructionSize)
	n, err := w.process.ReadGlobalMemory(ctx, pc, buf)
	if err != nil || n != len(buf) {
		return nil, newErr(ErrMemoryAccess, "fetch instruction at pc 0x%x: %v", pc, err)
	}
	return buf, nil
}

// osExceptionBit maps a single client exception bit to its driver
// wire-format bit. Resume already rejects any bit outside
// validExceptionBits, so every key this table is probed with is
// present; an architecture whose wire layout diverges from the
// client's only needs to change this table.
var osExceptionBit = map[ExceptionBits]uint32{
	ExceptionAbort:              1 << 0,
	ExceptionTrap:               1 << 1,
	ExceptionMathError:          1 << 2,
	ExceptionIllegalInstruction: 1 << 3,
	ExceptionMemoryViolation:    1 << 4,
	ExceptionApertureViolation:  1 << 5,
}

// exceptionsToOSMask translates the client exception bitset to the
// wire format process.SendExceptions expects, peeling one bit at a
// time (e ^ (e & (e-1)) isolates the lowest set bit) and mapping each
// through osExceptionBit, so every recognized bit is consumed through
// an explicit mapping rather than an identity cast.
func exceptionsToOSMask(e ExceptionBits) uint32 {
	var mask uint32
	for e != 0 {
		rest := e & (e - 1)
		bit := e ^ rest
		mask |= osExceptionBit[bit]
		e = rest
	}
	return mask
}
