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

// regLDS0 is the reserved register holding a group leader's LDS base
// address.
const regLDS0 = 202

// ReadMemory dispatches a read across the four address spaces.
// laneID is ignored outside AddressSpacePrivateSwizzled. It returns
// the number of bytes actually transferred, which may be less than
// len(dst) for a bounds-truncated local/private transfer.
func (w *Wave) ReadMemory(ctx context.Context, space AddressSpace, segmentAddress uint64, laneID int, dst []byte) (int, error) {
	addr := zeroExtend(segmentAddress, space)
	switch space {
	case AddressSpaceGlobal:
		return w.readGlobal(ctx, addr, dst)
	case AddressSpaceLocal:
		return w.readLocal(ctx, addr, dst)
	case AddressSpacePrivateSwizzled:
		return w.readPrivateSwizzled(ctx, addr, laneID, dst)
	case AddressSpacePrivateUnswizzled:
		return w.readPrivateUnswizzled(ctx, addr, dst)
	default:
		return 0, newErr(ErrInvalidArgument, "unrecognized address space %d", space)
	}
}

// WriteMemory is the write-side counterpart of ReadMemory.
func (w *Wave) WriteMemory(ctx context.Context, space AddressSpace, segmentAddress uint64, laneID int, src []byte) (int, error) {
	addr := zeroExtend(segmentAddress, space)
	switch space {
	case AddressSpaceGlobal:
		return w.writeGlobal(ctx, addr, src)
	case AddressSpaceLocal:
		return w.writeLocal(ctx, addr, src)
	case AddressSpacePrivateSwizzled:
		return w.writePrivateSwizzled(ctx, addr, laneID, src)
	case AddressSpacePrivateUnswizzled:
		return w.writePrivateUnswizzled(ctx, addr, src)
	default:
		return 0, newErr(ErrInvalidArgument, "unrecognized address space %d", space)
	}
}

func (w *Wave) readGlobal(ctx context.Context, addr uint64, dst []byte) (int, error) {
	n, err := w.process.ReadGlobalMemory(ctx, addr, dst)
	if err != nil {
		return n, newErr(ErrMemoryAccess, "global memory read at 0x%x: %v", addr, err)
	}
	return n, nil
}

func (w *Wave) writeGlobal(ctx context.Context, addr uint64, src []byte) (int, error) {
	n, err := w.process.WriteGlobalMemory(ctx, addr, src)
	if err != nil {
		return n, newErr(ErrMemoryAccess, "global memory write at 0x%x: %v", addr, err)
	}
	return n, nil
}

// ldsBase reads the group leader's lds_0 register (the wave itself, if
// it is its own group leader).
func (w *Wave) ldsBase(ctx context.Context) (uint64, error) {
	leader := w.GroupLeader
	if leader == nil {
		leader = w
	}
	buf := make([]byte, 8)
	if err := leader.readRegisterDirect(ctx, regLDS0, 0, 8, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << uint(i*8)
	}
	return v, nil
}

func (w *Wave) readLocal(ctx context.Context, addr uint64, dst []byte) (int, error) {
	assertf(w.queue.IsSuspended(), "local memory transfer requires the queue to be suspended")
	base, err := w.ldsBase(ctx)
	if err != nil {
		return 0, err
	}
	n := truncateToBound(addr, len(dst), w.cwsr.LDSSize())
	if n == 0 && len(dst) > 0 {
		return 0, newErr(ErrMemoryAccess, "local memory read at 0x%x is entirely out of bounds (lds_size=%d)", addr, w.cwsr.LDSSize())
	}
	read, err := w.process.ReadGlobalMemory(ctx, base+addr, dst[:n])
	if err != nil {
		return read, newErr(ErrMemoryAccess, "local memory read at 0x%x: %v", addr, err)
	}
	return read, nil
}

func (w *Wave) writeLocal(ctx context.Context, addr uint64, src []byte) (int, error) {
	assertf(w.queue.IsSuspended(), "local memory transfer requires the queue to be suspended")
	base, err := w.ldsBase(ctx)
	if err != nil {
		return 0, err
	}
	n := truncateToBound(addr, len(src), w.cwsr.LDSSize())
	if n == 0 && len(src) > 0 {
		return 0, newErr(ErrMemoryAccess, "local memory write at 0x%x is entirely out of bounds (lds_size=%d)", addr, w.cwsr.LDSSize())
	}
	written, err := w.process.WriteGlobalMemory(ctx, base+addr, src[:n])
	if err != nil {
		return written, newErr(ErrMemoryAccess, "local memory write at 0x%x: %v", addr, err)
	}
	return written, nil
}

func (w *Wave) readPrivateSwizzled(ctx context.Context, addr uint64, laneID int, dst []byte) (int, error) {
	if laneID < 0 || laneID >= w.LaneCount {
		return 0, newErr(ErrInvalidLaneID, "lane_id %d invalid for lane_count %d", laneID, w.LaneCount)
	}
	return w.transferSwizzled(addr, laneID, dst, func(phys uint64, chunk []byte) (int, error) {
		return w.process.ReadGlobalMemory(ctx, phys, chunk)
	})
}

func (w *Wave) writePrivateSwizzled(ctx context.Context, addr uint64, laneID int, src []byte) (int, error) {
	if laneID < 0 || laneID >= w.LaneCount {
		return 0, newErr(ErrInvalidLaneID, "lane_id %d invalid for lane_count %d", laneID, w.LaneCount)
	}
	return w.transferSwizzled(addr, laneID, src, func(phys uint64, chunk []byte) (int, error) {
		return w.process.WriteGlobalMemory(ctx, phys, chunk)
	})
}

// transferSwizzled performs the dword-aligned chunked
// swizzled transfer: first an alignment chunk, then 4-byte chunks,
// then a final possibly-short chunk, each independently bounds-checked
// against scratch_size. buf is read from (write) or filled into
// (read), sliced per chunk; op performs the actual global-memory I/O
// for one chunk at its computed physical address.
func (w *Wave) transferSwizzled(addr uint64, laneID int, buf []byte, op func(phys uint64, chunk []byte) (int, error)) (int, error) {
	scratchBase := w.cwsr.ScratchBase()
	scratchSize := w.cwsr.ScratchSize()

	total := len(buf)
	transferred := 0
	cur := addr
	for transferred < total {
		remaining := total - transferred
		chunkLen := 4 - int(cur%4)
		if chunkLen > remaining {
			chunkLen = remaining
		}

		dwordIndex := cur / 4
		offset := dwordIndex*uint64(w.LaneCount)*4 + uint64(laneID)*4 + cur%4
		if offset+uint64(chunkLen) > scratchSize {
			break
		}

		n, err := op(scratchBase+offset, buf[transferred:transferred+chunkLen])
		transferred += n
		if err != nil || n < chunkLen {
			break
		}
		cur += uint64(chunkLen)
	}

	if transferred == 0 && total > 0 {
		return 0, newErr(ErrMemoryAccess, "private swizzled transfer at addr=0x%x lane=%d is entirely out of bounds", addr, laneID)
	}
	return transferred, nil
}

func (w *Wave) readPrivateUnswizzled(ctx context.Context, addr uint64, dst []byte) (int, error) {
	scratchSize := w.cwsr.ScratchSize()
	n := truncateToBound(addr, len(dst), scratchSize)
	if n == 0 && len(dst) > 0 {
		return 0, newErr(ErrMemoryAccess, "private unswizzled read at 0x%x out of bounds (scratch_size=%d)", addr, scratchSize)
	}
	read, err := w.process.ReadGlobalMemory(ctx, w.cwsr.ScratchBase()+addr, dst[:n])
	if err != nil {
		return read, newErr(ErrMemoryAccess, "private unswizzled read at 0x%x: %v", addr, err)
	}
	return read, nil
}

func (w *Wave) writePrivateUnswizzled(ctx context.Context, addr uint64, src []byte) (int, error) {
	scratchSize := w.cwsr.ScratchSize()
	n := truncateToBound(addr, len(src), scratchSize)
	if n == 0 && len(src) > 0 {
		return 0, newErr(ErrMemoryAccess, "private unswizzled write at 0x%x out of bounds (scratch_size=%d)", addr, scratchSize)
	}
	written, err := w.process.WriteGlobalMemory(ctx, w.cwsr.ScratchBase()+addr, src[:n])
	if err != nil {
		return written, newErr(ErrMemoryAccess, "private unswizzled write at 0x%x: %v", addr, err)
	}
	return written, nil
}

// truncateToBound caps requested at the number of bytes available
// starting at addr before limit, returning 0 if addr is already past
// the bound.
func truncateToBound(addr uint64, requested int, limit uint64) int {
	if addr >= limit {
		return 0
	}
	avail := limit - addr
	if uint64(requested) > avail {
		return int(avail)
	}
	return requested
}
