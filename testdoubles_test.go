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
	"sync"

	"github.com/google/uuid"
)

// fakeProcess is a flat in-memory stand-in for the out-of-scope
// process collaborator: tests run against direct in-memory state
// rather than a mocking framework.
type fakeProcess struct {
	mu     sync.Mutex
	id     ProcessID
	mem    map[uint64]byte
	events []*Event
	sent   []sentException
}

type sentException struct {
	mask uint32
	q    QueueID
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{id: ProcessID(uuid.New()), mem: make(map[uint64]byte)}
}

func (p *fakeProcess) ID() ProcessID { return p.id }

func (p *fakeProcess) ReadGlobalMemory(ctx context.Context, addr uint64, dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range dst {
		dst[i] = p.mem[addr+uint64(i)]
	}
	return len(dst), nil
}

func (p *fakeProcess) WriteGlobalMemory(ctx context.Context, addr uint64, src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range src {
		p.mem[addr+uint64(i)] = b
	}
	return len(src), nil
}

func (p *fakeProcess) EnqueueEvent(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakeProcess) SendExceptions(osMask uint32, q Queue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentException{mask: osMask, q: q.ID()})
	return nil
}

// fakeQueue is the owning queue collaborator.
type fakeQueue struct {
	id                    QueueID
	suspended             bool
	forwardProgressNeeded bool
	invalid               bool
	dirty                 map[uint64]*RegisterCache
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{id: QueueID(uuid.New()), dirty: make(map[uint64]*RegisterCache)}
}

func (q *fakeQueue) ID() QueueID       { return q.id }
func (q *fakeQueue) IsSuspended() bool { return q.suspended }
func (q *fakeQueue) Suspend(ctx context.Context) error {
	q.suspended = true
	return nil
}
func (q *fakeQueue) Resume(ctx context.Context) error {
	q.suspended = false
	return nil
}
func (q *fakeQueue) ForwardProgressNeeded() bool { return q.forwardProgressNeeded }
func (q *fakeQueue) RegisterDirtyCache(c *RegisterCache) {
	q.dirty[c.ID()] = c
}
func (q *fakeQueue) FlushDirtyCaches(ctx context.Context) error {
	for id, c := range q.dirty {
		if err := c.Flush(ctx); err != nil {
			return err
		}
		delete(q.dirty, id)
	}
	return nil
}
func (q *fakeQueue) Invalid() bool { return q.invalid }

// fakeAgent is the owning agent collaborator.
type fakeAgent struct {
	id                 AgentID
	deviceMemViolation bool
	otherStopped       bool
	exceptions         ExceptionBits
}

func newFakeAgent() *fakeAgent { return &fakeAgent{id: AgentID(uuid.New())} }

func (a *fakeAgent) ID() AgentID                        { return a.id }
func (a *fakeAgent) Exceptions() ExceptionBits           { return a.exceptions }
func (a *fakeAgent) ClearExceptions(bits ExceptionBits)  { a.exceptions &^= bits }
func (a *fakeAgent) DeviceMemoryViolation() bool         { return a.deviceMemViolation }
func (a *fakeAgent) ClearDeviceMemoryViolation()         { a.deviceMemViolation = false }
func (a *fakeAgent) OtherWaveStoppedWithMemoryViolation(excluding WaveID) bool {
	return a.otherStopped
}

// fakeCWSR maps every register number to a flat offset within a single
// process-memory arena, base+regnum*8, wide enough for any test
// register including the package's reserved ones (up to regLDS0).
type fakeCWSR struct {
	base        uint64
	priv        bool
	ldsSize     uint64
	scratchSize uint64
	scratchBase uint64
}

func newFakeCWSR(base uint64) *fakeCWSR {
	return &fakeCWSR{base: base, priv: true, ldsSize: 4096, scratchSize: 4096, scratchBase: 0x900000}
}

func (c *fakeCWSR) FirstHWRegAddr() uint64 { return c.base }
func (c *fakeCWSR) LastTTMPAddr() uint64   { return c.base + uint64(ttmpLastRegister)*8 }
func (c *fakeCWSR) LastTTMPSize() int      { return 8 }
func (c *fakeCWSR) RegisterAddr(regnum int) (uint64, bool) {
	if regnum < 0 {
		return 0, false
	}
	return c.base + uint64(regnum)*8, true
}
func (c *fakeCWSR) IsPriv() bool        { return c.priv }
func (c *fakeCWSR) LDSSize() uint64     { return c.ldsSize }
func (c *fakeCWSR) ScratchSize() uint64 { return c.scratchSize }
func (c *fakeCWSR) ScratchBase() uint64 { return c.scratchBase }

// fakeAllocator hands out incrementing scratch addresses for displaced
// stepping and records which ones were freed.
type fakeAllocator struct {
	next  uint64
	freed []uint64
}

func newFakeAllocator(base uint64) *fakeAllocator { return &fakeAllocator{next: base} }

func (a *fakeAllocator) AllocateInstructionBuffer(q QueueID, size int) (uint64, func(), error) {
	addr := a.next
	a.next += uint64(size) + 16
	return addr, func() { a.freed = append(a.freed, addr) }, nil
}

// testSGPROutOfRange and testVGPROutOfRange are register numbers
// testArch reports as SGPR/VGPR with RegisterSize 0, so tests can
// exercise the out-of-range aliasing rule without needing a real
// architecture's register count.
const (
	testSGPROutOfRange = 40
	testVGPROutOfRange = 41
)

// testArch returns a minimal Architecture capability table suitable
// for most wave lifecycle tests; individual tests override the fields
// they care about.
func testArch() *Architecture {
	return &Architecture{
		Name: "testgfx",
		WaveGetState: func(w *Wave) (WaveState, StopReason, error) {
			return StateStop, StopReasonBreakpoint, nil
		},
		WaveSetState: func(w *Wave, newState WaveState, exceptions ExceptionBits) error {
			return nil
		},
		Simulate:            func(w *Wave, instr []byte) (bool, error) { return false, nil },
		CanSimulate:         func(w *Wave, instr []byte) bool { return false },
		CanExecuteDisplaced: func(w *Wave, instr []byte) bool { return true },
		IsTerminatingInstruction: func(instr []byte) bool {
			for _, b := range instr {
				if b != 0xEE {
					return false
				}
			}
			return len(instr) > 0
		},
		RegisterSize: func(regnum int) int {
			if regnum == testSGPROutOfRange || regnum == testVGPROutOfRange {
				return 0
			}
			return 8
		},
		ClassifyRegister: func(regnum int) RegisterKind {
			switch {
			case regnum == regPC:
				return RegisterKindPC
			case regnum >= ttmpFirstRegister && regnum <= ttmpLastRegister:
				return RegisterKindTTMP
			case regnum == testSGPROutOfRange:
				return RegisterKindSGPR
			case regnum == testVGPROutOfRange:
				return RegisterKindVGPR
			default:
				return RegisterKindOther
			}
		},
		LargestInstructionSize:        4,
		ParkStoppedWaves:              func() bool { return false },
		ParkInstructionAddress:        func() uint64 { return 0xFFFF0000 },
		TerminatingInstructionAddress: func() uint64 { return 0xFFFF1000 },
	}
}

// newTestWave builds a fully wired, already-initialized wave backed by
// the fakes above. The state it starts in is whatever arch.WaveGetState
// reports on the initializing Update call.
func newTestWave(t testingT, arch *Architecture) (*Wave, *fakeProcess, *fakeQueue, *fakeAgent, *fakeCWSR) {
	t.Helper()

	proc := newFakeProcess()
	q := newFakeQueue()
	agent := newFakeAgent()
	cwsr := newFakeCWSR(0x1000)
	arena := NewDisplacedSteppingArena()

	w := NewWave(WaveConfig{
		Dispatch:       DispatchID(uuid.New()),
		Architecture:   arch,
		Process:        proc,
		Queue:          q,
		Agent:          agent,
		DisplacedArena: arena,
		LaneCount:      64,
	})

	q.suspended = true
	if err := w.Update(context.Background(), nil, cwsr); err != nil {
		t.Fatalf("initializing Update failed: %v", err)
	}
	return w, proc, q, agent, cwsr
}

// testingT is the subset of *testing.T used by newTestWave, so it can
// be shared by any _test.go file in the package without an import
// cycle concern.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// fakeRegistry is the process/queue/wave object model collaborator
// Core needs. Tests populate waves directly rather than modeling real
// CWSR-driven discovery.
type fakeRegistry struct {
	mu      sync.Mutex
	waves   map[WaveID]*Wave
	queues  map[ProcessID][]Queue
	changed map[QueueID][]WaveID
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		waves:   make(map[WaveID]*Wave),
		queues:  make(map[ProcessID][]Queue),
		changed: make(map[QueueID][]WaveID),
	}
}

func (r *fakeRegistry) add(proc ProcessID, q Queue, w *Wave) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waves[w.ID] = w
	r.queues[proc] = append(r.queues[proc], q)
}

func (r *fakeRegistry) AllProcesses(ctx context.Context) ([]ProcessID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := make([]ProcessID, 0, len(r.queues))
	for p := range r.queues {
		procs = append(procs, p)
	}
	return procs, nil
}

func (r *fakeRegistry) ProcessQueues(ctx context.Context, proc ProcessID) ([]Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[proc], nil
}

func (r *fakeRegistry) RefreshQueue(ctx context.Context, q Queue) ([]WaveID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed[q.ID()], nil
}

func (r *fakeRegistry) Lookup(id WaveID) (*Wave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waves[id]
	return w, ok
}

func (r *fakeRegistry) forget(id WaveID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waves, id)
}
