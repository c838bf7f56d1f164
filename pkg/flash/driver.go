// Package flash defines the byte-addressable, word-aligned flash contract
// the storage core is built on, plus an in-memory stand-in used by tests and
// the bundled benchmark tool. A real NOR driver belongs outside this
// module; nothing in here talks to hardware.
package flash

import (
	"errors"
)

// ErrFlashOpFail wraps any failure a Driver implementation reports.
// Callers should treat it as opaque and surface it verbatim.
var ErrFlashOpFail = errors.New("flash operation failed")

// Driver is the interface the storage core consumes. addr is a byte offset
// from the start of the region the driver was configured with; callers are
// responsible for translating sector indices to addresses.
type Driver interface {
	// Read copies len(buf) bytes starting at addr into buf. addr and
	// len(buf) must be multiples of 4.
	Read(addr uint32, buf []byte) error

	// Write clears bits in the region [addr, addr+len(data)) to match data.
	// It may only change bits 1→0; writing a 1 where flash already holds a
	// 0 is a driver-level contract violation. addr and len(data) must be
	// multiples of 4.
	Write(addr uint32, data []byte) error

	// EraseSector sets every bit in the given sector to 1.
	EraseSector(sectorIndex uint32) error

	// SectorSize returns the erase granularity in bytes.
	SectorSize() uint32
}
