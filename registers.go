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

// register kinds used to decide the out-of-range aliasing rule.
type RegisterKind int

const (
	RegisterKindOther RegisterKind = iota
	RegisterKindSGPR
	RegisterKindVGPR
	RegisterKindTTMP
	RegisterKindPC
)

// classify is supplied by the embedding architecture in a full build;
// here it covers the reserved register numbers this package itself
// defines (regPC, TTMP range) and otherwise treats a register as
// "other" — neither SGPR nor VGPR aliasing applies to it.
func (w *Wave) classify(regnum int) RegisterKind {
	if w.arch.ClassifyRegister != nil {
		return w.arch.ClassifyRegister(regnum)
	}
	switch {
	case regnum == regPC:
		return RegisterKindPC
	case regnum >= ttmpFirstRegister && regnum <= ttmpLastRegister:
		return RegisterKindTTMP
	default:
		return RegisterKindOther
	}
}

// ReadRegister reads size bytes at offset within regnum into dst,
// honoring parked-pc redirection, TTMP privilege gating, and
// out-of-range aliasing. Out-of-range SGPR/VGPR numbers are resolved
// to their alias target before the size bound is checked, since an
// out-of-range regnum's own RegisterSize is 0.
func (w *Wave) ReadRegister(ctx context.Context, regnum, offset, size int, dst []byte) error {
	if isPseudoRegister(regnum) {
		if w.arch.IsPseudoRegisterAvailable != nil && !w.arch.IsPseudoRegisterAvailable(regnum) {
			return newErr(ErrNotAvailable, "pseudo register %d not available", regnum)
		}
		return w.arch.ReadPseudoRegister(w, regnum, offset, size, dst)
	}

	kind := w.classify(regnum)
	target := regnum
	if kind == RegisterKindSGPR || kind == RegisterKindVGPR {
		resolved, ok := w.aliasOutOfRange(regnum, kind, true)
		if !ok {
			return nil // aliasing resolved to a silent no-op (shouldn't happen on read)
		}
		target = resolved
	}

	regSize := w.arch.RegisterSize(target)
	if size == 0 || offset+size > regSize {
		return newErr(ErrInvalidArgumentCompatibility, "register %d: offset=%d size=%d exceeds register size %d", regnum, offset, size, regSize)
	}

	if kind == RegisterKindPC && w.IsParked {
		return w.readParkedPC(dst, offset, size)
	}

	if kind == RegisterKindTTMP && !w.cwsr.IsPriv() {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}

	return w.readRegisterDirect(ctx, target, offset, size, dst)
}

// WriteRegister writes size bytes at offset within regnum from src,
// mirroring ReadRegister except for the silent-drop rules on
// out-of-range and unprivileged writes.
func (w *Wave) WriteRegister(ctx context.Context, regnum, offset, size int, src []byte) error {
	if isPseudoRegister(regnum) {
		if w.arch.IsPseudoRegisterAvailable != nil && !w.arch.IsPseudoRegisterAvailable(regnum) {
			return newErr(ErrNotAvailable, "pseudo register %d not available", regnum)
		}
		return w.arch.WritePseudoRegister(w, regnum, offset, size, src)
	}

	kind := w.classify(regnum)
	target := regnum
	if kind == RegisterKindSGPR || kind == RegisterKindVGPR {
		resolved, ok := w.aliasOutOfRange(regnum, kind, false)
		if !ok {
			return nil // silently dropped out-of-range write
		}
		target = resolved
	}

	regSize := w.arch.RegisterSize(target)
	if size == 0 || offset+size > regSize {
		return newErr(ErrInvalidArgumentCompatibility, "register %d: offset=%d size=%d exceeds register size %d", regnum, offset, size, regSize)
	}

	if kind == RegisterKindPC && w.IsParked {
		w.ParkedPC = patchUint(w.ParkedPC, offset, size, src)
		return nil
	}

	if kind == RegisterKindTTMP && !w.cwsr.IsPriv() {
		return nil // silently dropped
	}

	return w.writeRegisterDirect(ctx, target, offset, size, src)
}

// aliasOutOfRange implements the asymmetric out-of-range rule: reads
// alias to s0/v0, writes are silently dropped.
func (w *Wave) aliasOutOfRange(regnum int, kind RegisterKind, isRead bool) (int, bool) {
	switch kind {
	case RegisterKindSGPR:
		if w.arch.RegisterSize(regnum) == 0 {
			if isRead {
				return sgprZero, true
			}
			return 0, false
		}
	case RegisterKindVGPR:
		if w.arch.RegisterSize(regnum) == 0 {
			if isRead {
				if w.LaneCount == 64 {
					return vgprZero64, true
				}
				return vgprZero32, true
			}
			return 0, false
		}
	}
	return regnum, true
}

const (
	sgprZero   = 0
	vgprZero32 = 1000
	vgprZero64 = 1001
)

// readRegisterDirect/writeRegisterDirect dispatch to the register
// cache when the address falls in its window, or directly to global
// memory otherwise — which requires the queue to be suspended.
func (w *Wave) readRegisterDirect(ctx context.Context, regnum, offset, size int, dst []byte) error {
	addr, ok := w.cwsr.RegisterAddr(regnum)
	assertf(ok, "register %d has no CWSR address", regnum)
	addr += uint64(offset)

	if w.registerCache != nil && w.registerCache.Contains(addr, size) {
		w.registerCache.Read(ctx, addr, dst)
		return nil
	}

	assertf(w.queue.IsSuspended(), "direct register read of %d requires the queue to be suspended", regnum)
	n, err := w.process.ReadGlobalMemory(ctx, addr, dst)
	if err != nil || n != size {
		return newErr(ErrMemoryAccess, "read register %d at 0x%x: %v", regnum, addr, err)
	}
	return nil
}

func (w *Wave) writeRegisterDirect(ctx context.Context, regnum, offset, size int, src []byte) error {
	addr, ok := w.cwsr.RegisterAddr(regnum)
	assertf(ok, "register %d has no CWSR address", regnum)
	addr += uint64(offset)

	if w.registerCache != nil && w.registerCache.Contains(addr, size) {
		w.registerCache.Write(ctx, addr, src)
		return nil
	}

	assertf(w.queue.IsSuspended(), "direct register write of %d requires the queue to be suspended", regnum)
	n, err := w.process.WriteGlobalMemory(ctx, addr, src)
	if err != nil || n != size {
		return newErr(ErrMemoryAccess, "write register %d at 0x%x: %v", regnum, addr, err)
	}
	return nil
}

// readParkedPC/pc reads and writes are served from parked_pc while the
// wave is parked.
func (w *Wave) readParkedPC(dst []byte, offset, size int) error {
	v := w.ParkedPC
	for i := 0; i < size; i++ {
		shift := uint((offset + i) * 8)
		dst[i] = byte(v >> shift)
	}
	return nil
}

func patchUint(v uint64, offset, size int, src []byte) uint64 {
	for i := 0; i < size; i++ {
		shift := uint((offset + i) * 8)
		mask := uint64(0xFF) << shift
		v = (v &^ mask) | (uint64(src[i]) << shift)
	}
	return v
}

// pc reads the wave's current program counter through the same path a
// client read_register(PC) would use.
func (w *Wave) pc(ctx context.Context) (uint64, error) {
	buf := make([]byte, 8)
	if err := w.ReadRegister(ctx, regPC, 0, 8, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << uint(i*8)
	}
	return v, nil
}

func (w *Wave) setPC(ctx context.Context, pc uint64) error {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(pc >> uint(i*8))
	}
	return w.WriteRegister(ctx, regPC, 0, 8, buf)
}

// execMask reads the per-lane execution mask register for get_info's
// EXEC_MASK query.
func (w *Wave) execMask(ctx context.Context) (uint64, error) {
	buf := make([]byte, 8)
	if err := w.ReadRegister(ctx, regExecMask, 0, 8, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << uint(i*8)
	}
	return v, nil
}
