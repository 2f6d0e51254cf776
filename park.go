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

// park relocates a stopped wave's pc to an immutable trap instruction
// so client register/memory access doesn't perturb the real pc on
// architectures that cannot reliably halt at certain instructions.
func (w *Wave) park() error {
	assertf(w.State == StateStop, "park requires state STOP, got %s", w.State)
	assertf(!w.IsParked, "park called on an already-parked wave")

	ctx := context.Background()
	pc, err := w.pc(ctx)
	if err != nil {
		return err
	}
	w.ParkedPC = pc
	if err := w.setPC(ctx, w.arch.ParkInstructionAddress()); err != nil {
		return err
	}
	w.IsParked = true
	if w.log.GetSink() != nil {
		w.log.V(1).Info("parked wave", "wave", w.ID, "realPC", pc)
	}
	return nil
}

// unpark restores the CWSR's pc field from parked_pc and clears
// is_parked. Called on transitions leaving STOP.
func (w *Wave) unpark(ctx context.Context) error {
	assertf(w.State != StateStop, "unpark requires state != STOP, got %s", w.State)
	assertf(w.IsParked, "unpark called on a wave that is not parked")

	pc := w.ParkedPC
	w.IsParked = false
	if err := w.setPC(ctx, pc); err != nil {
		return err
	}
	if w.log.GetSink() != nil {
		w.log.V(1).Info("unparked wave", "wave", w.ID, "restoredPC", pc)
	}
	return nil
}
