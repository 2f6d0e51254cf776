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

// terminate releases any displaced stepping, redirects pc to the
// architecture's terminating-instruction address, and marks the wave
// hidden so it never again appears to the client.
// The hardware terminates the wave on its own after this; it is never
// reported again.
func (w *Wave) terminate(ctx context.Context) error {
	if w.displaced != nil {
		w.displacedArena.release(w.displaced)
		w.displaced = nil
	}

	if err := w.setPC(ctx, w.arch.TerminatingInstructionAddress()); err != nil {
		return err
	}
	w.Visibility = VisibilityHiddenAtTerminatingInstruction
	w.State = StateRun

	if w.log.GetSink() != nil {
		w.log.Info("wave terminating", "wave", w.ID)
	}
	return nil
}
