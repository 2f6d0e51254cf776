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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFirstUpdateWritesWaveIDAndReadsGroupMetadata(t *testing.T) {
	w, proc, _, _, cwsr := newTestWave(t, testArch())

	require.True(t, w.Initialized())

	raw := [16]byte(w.ID)
	addr, ok := cwsr.RegisterAddr(regWaveID)
	require.True(t, ok)
	got := make([]byte, 8)
	_, err := proc.ReadGlobalMemory(context.Background(), addr, got)
	require.NoError(t, err)
	require.Equal(t, raw[:8], got)

	require.True(t, w.groupIDsValid)
}

func TestBreakpointStopThenResume(t *testing.T) {
	w, _, q, _, _ := newTestWave(t, testArch())
	registry := newFakeRegistry()
	registry.add(ProcessID(uuid.New()), q, w)
	core := NewCore(Config{Registry: registry})
	ctx := context.Background()

	// Before the client has observed the event, client_visible_state
	// infers the pre-stop state from stop_reason, not STOP (invariant 1).
	require.Equal(t, StateRun, w.ClientVisibleState())
	_, err := core.GetInfo(ctx, w.ID, InfoPC)
	require.Error(t, err, "PC query before the stop event is reported must require STOP")

	w.lastStopEvent.MarkReported()
	require.Equal(t, StateStop, w.ClientVisibleState())

	pc, err := core.GetInfo(ctx, w.ID, InfoPC)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pc) // fresh fake memory, no pc written yet

	stopReason, err := core.GetInfo(ctx, w.ID, InfoStopReason)
	require.NoError(t, err)
	require.Equal(t, StopReasonBreakpoint, stopReason)

	w.lastStopEvent.MarkProcessed()
	require.NoError(t, core.Resume(ctx, w.ID, ResumeNormal, ExceptionNone))

	require.Equal(t, StateRun, w.ClientVisibleState())
	require.Equal(t, StopReasonNone, w.StopReason)
}

func TestResumeRejectsUnrecognizedExceptionBits(t *testing.T) {
	w, _, q, _, _ := newTestWave(t, testArch())
	registry := newFakeRegistry()
	registry.add(ProcessID(uuid.New()), q, w)
	core := NewCore(Config{Registry: registry})

	w.lastStopEvent.MarkProcessed()
	err := core.Resume(context.Background(), w.ID, ResumeNormal, ExceptionBits(1<<30))
	require.Error(t, err)
	var wErr *Error
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, ErrInvalidArgument, wErr.Kind)
}

func TestSingleStepOfTerminatingInstructionTerminatesWave(t *testing.T) {
	arch := testArch()
	w, proc, q, _, _ := newTestWave(t, arch)
	registry := newFakeRegistry()
	registry.add(ProcessID(uuid.New()), q, w)
	core := NewCore(Config{Registry: registry})
	ctx := context.Background()

	// Place a terminating instruction (all 0xEE bytes) at pc 0, where
	// pc currently sits after initialization.
	_, err := proc.WriteGlobalMemory(ctx, 0, []byte{0xEE, 0xEE, 0xEE, 0xEE})
	require.NoError(t, err)

	w.lastStopEvent.MarkProcessed()
	require.NoError(t, core.Resume(ctx, w.ID, ResumeSingleStep, ExceptionNone))

	require.Equal(t, VisibilityHiddenAtTerminatingInstruction, w.Visibility)
	require.Equal(t, StateRun, w.State)

	pc, err := w.pc(ctx)
	require.NoError(t, err)
	require.Equal(t, arch.TerminatingInstructionAddress(), pc)
}

func TestParkedPCCoherence(t *testing.T) {
	arch := testArch()
	arch.ParkStoppedWaves = func() bool { return true }
	w, _, q, _, _ := newTestWave(t, arch)
	ctx := context.Background()

	require.True(t, w.IsParked)

	pc, err := w.pc(ctx)
	require.NoError(t, err)
	require.Equal(t, w.ParkedPC, pc)

	require.NoError(t, w.setPC(ctx, 0x3100))
	pc, err = w.pc(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3100), pc)

	// Leaving STOP (e.g. via resume) unparks and commits parked_pc back
	// to the CWSR's real pc field.
	q.suspended = true
	require.NoError(t, w.setState(ctx, StateRun, ExceptionNone))
	require.False(t, w.IsParked)

	gotPC, err := w.pc(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3100), gotPC)
}

func TestRegisterReadWriteRoundTrip(t *testing.T) {
	w, _, _, _, _ := newTestWave(t, testArch())
	ctx := context.Background()

	src := []byte{1, 2, 3, 4}
	require.NoError(t, w.WriteRegister(ctx, 5, 0, 4, src))

	got := make([]byte, 4)
	require.NoError(t, w.ReadRegister(ctx, 5, 0, 4, got))
	require.Equal(t, src, got)
}

func TestCloseRequiresInvalidQueueWithOutstandingDisplacedStepping(t *testing.T) {
	w, _, q, _, _ := newTestWave(t, testArch())
	w.displaced = &DisplacedSteppingBuffer{refcount: 1}

	require.Panics(t, func() { w.Close() })

	q.invalid = true
	require.NotPanics(t, func() { w.Close() })
}
