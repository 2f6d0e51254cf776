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

// Process is the external process/agent/queue/dispatch object model
// collaborator. This package never implements it; it is supplied by
// the embedding debugger library.
type Process interface {
	ID() ProcessID
	ReadGlobalMemory(ctx context.Context, addr uint64, dst []byte) (int, error)
	WriteGlobalMemory(ctx context.Context, addr uint64, src []byte) (int, error)
	EnqueueEvent(ev *Event)
	SendExceptions(osMask uint32, q Queue) error
}

// Queue is the owning queue of a wave. Suspension is the serialization
// primitive this package depends on without owning.
type Queue interface {
	ID() QueueID
	IsSuspended() bool
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	ForwardProgressNeeded() bool
	RegisterDirtyCache(c *RegisterCache)
	FlushDirtyCaches(ctx context.Context) error
	// Invalid reports whether the driver has torn down this queue
	// (e.g. the owning process has exited). Waves whose queue is
	// invalid may be destroyed with an outstanding displaced stepping.
	Invalid() bool
}

// Agent is the GPU agent (device) owning a queue.
type Agent interface {
	ID() AgentID
	Exceptions() ExceptionBits
	ClearExceptions(bits ExceptionBits)
	DeviceMemoryViolation() bool
	ClearDeviceMemoryViolation()
	// OtherWaveStoppedWithMemoryViolation reports whether some wave on
	// this agent, other than excluding, is currently stopped with
	// StopReasonMemoryViolation set.
	OtherWaveStoppedWithMemoryViolation(excluding WaveID) bool
}

// ScratchAllocator allocates a scratch instruction buffer for
// non-simulated displaced stepping.
type ScratchAllocator interface {
	AllocateInstructionBuffer(q QueueID, size int) (addr uint64, free func(), err error)
}

// WaveRegistry is the process/queue/wave object-model collaborator
// list_waves needs: it knows which queues
// belong to which processes, holds the live *Wave objects, and can
// re-synchronize a queue's waves against their current CWSR records.
type WaveRegistry interface {
	// AllProcesses lists every known process, for list_waves(nil).
	AllProcesses(ctx context.Context) ([]ProcessID, error)
	// ProcessQueues lists the queues owned by one process.
	ProcessQueues(ctx context.Context, proc ProcessID) ([]Queue, error)
	// RefreshQueue re-synchronizes every wave of q against its current
	// CWSR records (calling Wave.Update per wave, creating or
	// retiring Wave objects as waves launch or exit) and reports
	// which wave IDs changed client-visible state in this cycle.
	// q must already be suspended.
	RefreshQueue(ctx context.Context, q Queue) (changed []WaveID, err error)
	// Lookup resolves a wave handle to its live object, or false if it
	// has exited or was never known.
	Lookup(id WaveID) (*Wave, bool)
}
