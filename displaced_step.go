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

// DisplacedSteppingStart reconstructs the
// instruction that would be at pc had the breakpoint not been
// present, from the client-supplied first N bytes plus the remainder
// read from memory at pc+N, then either mark it simulated or allocate
// a scratch buffer to execute a copy of it elsewhere.
func (w *Wave) DisplacedSteppingStart(ctx context.Context, breakpointBytes []byte, allocator ScratchAllocator) error {
	assertf(w.State == StateStop, "displaced stepping start requires state STOP, got %s", w.State)
	if w.displaced != nil {
		return newErr(ErrInvalidArgument, "wave %v already has an outstanding displaced stepping", w.ID)
	}

	from, err := w.pc(ctx)
	if err != nil {
		return err
	}

	n := len(breakpointBytes)
	instrLen := w.arch.LargestInstructionSize
	rest := make([]byte, instrLen-n)
	if len(rest) > 0 {
		read, err := w.process.ReadGlobalMemory(ctx, from+uint64(n), rest)
		if err != nil || read != len(rest) {
			return newErr(ErrMemoryAccess, "read remainder of original instruction at 0x%x: %v", from+uint64(n), err)
		}
	}
	original := append(append([]byte{}, breakpointBytes...), rest...)

	queueID := w.QueueID()
	existing := w.displacedArena.find(queueID, from)
	if existing != nil {
		w.displaced = w.displacedArena.retainOrInsert(queueID, from, nil)
		return w.applyDisplaced(ctx)
	}

	if w.arch.CanSimulate(w, original) {
		b := w.displacedArena.retainOrInsert(queueID, from, func() *DisplacedSteppingBuffer {
			return &DisplacedSteppingBuffer{queue: queueID, from: from, originalInstruction: original, IsSimulated: true}
		})
		w.displaced = b
		return nil
	}

	if !w.arch.CanExecuteDisplaced(w, original) {
		return newErr(ErrIllegalInstruction, "wave %v: pc 0x%x cannot be displaced-stepped or simulated", w.ID, from)
	}

	if allocator == nil {
		fatalf("displaced stepping requires a non-simulated scratch allocation but no allocator was supplied")
	}
	scratchAddr, free, err := allocator.AllocateInstructionBuffer(queueID, instrLen)
	if err != nil {
		return newErr(ErrClientCallback, "allocate instruction buffer: %v", err)
	}
	if _, err := w.process.WriteGlobalMemory(ctx, scratchAddr, original); err != nil {
		free()
		return newErr(ErrClientCallback, "write scratch instruction buffer: %v", err)
	}

	b := w.displacedArena.retainOrInsert(queueID, from, func() *DisplacedSteppingBuffer {
		return &DisplacedSteppingBuffer{
			queue:               queueID,
			from:                from,
			to:                  scratchAddr,
			originalInstruction: original,
			freeScratch:         free,
		}
	})
	w.displaced = b
	return w.applyDisplaced(ctx)
}

// applyDisplaced points pc at the shared buffer's scratch address, both
// for the wave that allocated the buffer and for waves that join it; a
// simulated buffer leaves pc unchanged.
func (w *Wave) applyDisplaced(ctx context.Context) error {
	if w.displaced.IsSimulated {
		return nil
	}
	return w.setPC(ctx, w.displaced.to)
}

// DisplacedSteppingComplete finishes a displaced stepping sequence,
// restoring the wave's pc and releasing the shared buffer.
func (w *Wave) DisplacedSteppingComplete(ctx context.Context) error {
	assertf(w.State == StateStop, "displaced stepping complete requires state STOP, got %s", w.State)
	if w.displaced == nil {
		return newErr(ErrInvalidArgument, "wave %v has no outstanding displaced stepping", w.ID)
	}
	b := w.displaced

	if b.IsSimulated {
		w.displacedArena.release(b)
		w.displaced = nil
		return nil
	}

	current, err := w.pc(ctx)
	if err != nil {
		return err
	}

	aborted := current == b.to
	restored := current + (b.from - b.to)
	if err := w.setPC(ctx, restored); err != nil {
		return err
	}
	if w.log.GetSink() != nil {
		if aborted {
			w.log.V(1).Info("displaced step aborted", "wave", w.ID, "from", b.from, "to", b.to)
		} else {
			w.log.V(1).Info("displaced step completed", "wave", w.ID, "restoredPC", restored)
		}
	}

	w.displacedArena.release(b)
	w.displaced = nil
	return nil
}

// HasOutstandingDisplacedStepping reports whether this wave currently
// has a displaced-stepping buffer in progress.
func (w *Wave) HasOutstandingDisplacedStepping() bool { return w.displaced != nil }
