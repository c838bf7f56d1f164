package flash

import "fmt"

// Emulator is an in-memory Driver used by tests and the bundled benchmark
// tool. It is not a production flash driver — it exists for the same
// reason a storage engine's own tests build disposable temp-dir fixtures
// instead of touching a real disk: to exercise the core logic without a
// real device underneath it. It enforces the word-alignment and
// write-once (1→0) contract that a real NOR part would enforce in
// hardware, so tests that misuse the Driver interface fail loudly instead
// of silently succeeding.
type Emulator struct {
	data       []byte
	sectorSize uint32
}

// NewEmulator allocates an emulated flash region of sectorCount sectors,
// each sectorSize bytes, initialized to the erased state (all bits 1).
func NewEmulator(sectorCount, sectorSize uint32) *Emulator {
	e := &Emulator{
		data:       make([]byte, sectorCount*sectorSize),
		sectorSize: sectorSize,
	}
	for i := range e.data {
		e.data[i] = 0xFF
	}
	return e
}

func (e *Emulator) SectorSize() uint32 {
	return e.sectorSize
}

func (e *Emulator) Read(addr uint32, buf []byte) error {
	if addr%4 != 0 || len(buf)%4 != 0 {
		return fmt.Errorf("flash: read at 0x%x len %d: %w: unaligned access", addr, len(buf), ErrFlashOpFail)
	}
	if int(addr)+len(buf) > len(e.data) {
		return fmt.Errorf("flash: read at 0x%x len %d: %w: out of range", addr, len(buf), ErrFlashOpFail)
	}
	copy(buf, e.data[addr:int(addr)+len(buf)])
	return nil
}

func (e *Emulator) Write(addr uint32, data []byte) error {
	if addr%4 != 0 || len(data)%4 != 0 {
		return fmt.Errorf("flash: write at 0x%x len %d: %w: unaligned access", addr, len(data), ErrFlashOpFail)
	}
	if int(addr)+len(data) > len(e.data) {
		return fmt.Errorf("flash: write at 0x%x len %d: %w: out of range", addr, len(data), ErrFlashOpFail)
	}
	for i, b := range data {
		cur := e.data[int(addr)+i]
		// A 1 bit may only go to 0; flipping 0→1 needs an erase.
		if cur&b != b {
			return fmt.Errorf("flash: write at 0x%x: %w: attempted 0→1 transition at byte offset %d", addr, ErrFlashOpFail, i)
		}
		e.data[int(addr)+i] = cur & b
	}
	return nil
}

func (e *Emulator) EraseSector(sectorIndex uint32) error {
	start := sectorIndex * e.sectorSize
	if int(start)+int(e.sectorSize) > len(e.data) {
		return fmt.Errorf("flash: erase sector %d: %w: out of range", sectorIndex, ErrFlashOpFail)
	}
	for i := start; i < start+e.sectorSize; i++ {
		e.data[i] = 0xFF
	}
	return nil
}
