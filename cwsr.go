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

// CWSRRecord is the opaque per-wave Context Wave State Restore
// snapshot. It locates the architected
// registers, LDS, scratch, and privilege bit for one wave at one
// point in time; a new record replaces the old one every time a
// running wave is re-suspended.
type CWSRRecord interface {
	// FirstHWRegAddr/LastTTMPAddr bound the register-cache window:
	// [FirstHWRegAddr() .. LastTTMPAddr()+LastTTMPSize()).
	FirstHWRegAddr() uint64
	LastTTMPAddr() uint64
	LastTTMPSize() int

	// RegisterAddr returns the global-memory address of regnum, or
	// false if regnum is not addressable in this record (e.g. a
	// pseudo-register).
	RegisterAddr(regnum int) (addr uint64, ok bool)

	// IsPriv reports the wave's privilege bit: TTMPs read as zero and
	// silently drop writes when this is false.
	IsPriv() bool

	// LDSSize is the bound for local-memory transfer.
	LDSSize() uint64

	// ScratchSize is the bound for private-memory transfer.
	ScratchSize() uint64
	// ScratchBase is the flat (unswizzled) base address of this
	// wave's private scratch.
	ScratchBase() uint64
}
