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
	"sync/atomic"
)

// CachePolicy names the register cache's write behavior. Waves always
// use write_back: writes are buffered and flushed by the owning queue
// on resume rather than committed immediately.
type CachePolicy int

const (
	CachePolicyUncached CachePolicy = iota
	CachePolicyWriteBack
)

var regCacheIDCounter atomic.Uint64

// RegisterCache is a write-back cache over a contiguous window of a
// wave's CWSR record, covering [first_hwreg .. last_ttmp]. Modeled as
// a load/store gate over a dirty byte range, but
// generalized from a fixed special-register bank to an arbitrary
// byte window located by the owning CWSR record.
type RegisterCache struct {
	id     uint64
	policy CachePolicy

	base uint64
	len  uint64
	buf  []byte
	// valid marks whether buf currently holds live data (false
	// immediately after reset, until the first read fetches it).
	valid bool
	dirty bool

	proc  Process
	queue Queue
}

// NewRegisterCache constructs a write-back cache for a wave; base/len
// bound its initial window.
func NewRegisterCache(proc Process, queue Queue, base, length uint64) *RegisterCache {
	return &RegisterCache{
		id:     regCacheIDCounter.Add(1),
		policy: CachePolicyWriteBack,
		base:   base,
		len:    length,
		buf:    make([]byte, length),
		proc:   proc,
		queue:  queue,
	}
}

func (c *RegisterCache) ID() uint64           { return c.id }
func (c *RegisterCache) Policy() CachePolicy  { return c.policy }
func (c *RegisterCache) Dirty() bool          { return c.dirty }
func (c *RegisterCache) Base() uint64         { return c.base }
func (c *RegisterCache) Len() uint64          { return c.len }

// Contains reports whether [addr, addr+length) lies entirely within
// the cache's current window.
func (c *RegisterCache) Contains(addr uint64, length int) bool {
	if length < 0 {
		return false
	}
	end := addr + uint64(length)
	return addr >= c.base && end <= c.base+c.len && end >= addr
}

// ensureFetched lazily loads the window's contents from global memory
// on first access after construction or Reset.
func (c *RegisterCache) ensureFetched(ctx context.Context) {
	if c.valid {
		return
	}
	n, err := c.proc.ReadGlobalMemory(ctx, c.base, c.buf)
	if err != nil || n != len(c.buf) {
		fatalf("register cache %d: fetch of window [0x%x,+%d) failed: %v", c.id, c.base, c.len, err)
	}
	c.valid = true
}

// Read services a cache-window byte range; failure (a short read from
// global memory) is fatal: it signals driver corruption, not a
// recoverable client error.
func (c *RegisterCache) Read(ctx context.Context, addr uint64, dst []byte) {
	assertf(c.Contains(addr, len(dst)), "register cache %d: read [0x%x,+%d) outside window [0x%x,+%d)", c.id, addr, len(dst), c.base, c.len)
	c.ensureFetched(ctx)
	off := addr - c.base
	copy(dst, c.buf[off:off+uint64(len(dst))])
}

// Write services a cache-window byte range write: it marks the cache
// dirty and registers it with the owning queue so a subsequent resume
// flushes it.
func (c *RegisterCache) Write(ctx context.Context, addr uint64, src []byte) {
	assertf(c.Contains(addr, len(src)), "register cache %d: write [0x%x,+%d) outside window [0x%x,+%d)", c.id, addr, len(src), c.base, c.len)
	c.ensureFetched(ctx)
	off := addr - c.base
	copy(c.buf[off:off+uint64(len(src))], src)
	c.dirty = true
	if c.queue != nil {
		c.queue.RegisterDirtyCache(c)
	}
}

// Reset discards contents and adopts a new window; contents are
// re-fetched lazily on next read. Used when the wave was running
// since the last update.
func (c *RegisterCache) Reset(newBase, newLen uint64) {
	c.base = newBase
	c.len = newLen
	c.buf = make([]byte, newLen)
	c.valid = false
	c.dirty = false
}

// Relocate shifts the window without invalidating contents. Used when
// a stopped wave's CWSR record moved but its contents are still
// authoritative.
func (c *RegisterCache) Relocate(newBase uint64) {
	c.base = newBase
}

// Flush writes dirty bytes back to global memory at their original
// addresses and clears the dirty bit on success. Driver failure during
// flush is fatal.
func (c *RegisterCache) Flush(ctx context.Context) error {
	if !c.dirty {
		return nil
	}
	n, err := c.proc.WriteGlobalMemory(ctx, c.base, c.buf)
	if err != nil || n != len(c.buf) {
		fatalf("register cache %d: flush of window [0x%x,+%d) failed: %v", c.id, c.base, c.len, err)
	}
	c.dirty = false
	return nil
}
