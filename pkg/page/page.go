// Package page implements one flash sector's worth of the on-flash
// key-value log: the entry-state bitmap, the CRC-protected item slots, and
// the recovery rules that make a half-finished write indistinguishable
// from one that never started.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"

	"github.com/nvsdb/nvs/pkg/common/log"
	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/item"
	"github.com/nvsdb/nvs/pkg/stats"
)

// Fixed on-flash geometry. These must be honored bit-exactly: any change
// breaks compatibility with sectors written by a prior build.
const (
	HeaderSize  = 32
	BitmapSize  = 32
	EntryCount  = 126
	EntrySize   = item.HeaderSize // 32
	SectorSize  = HeaderSize + BitmapSize + EntryCount*EntrySize
)

var (
	// ErrNotFound is returned when no WRITTEN entry matches the requested key.
	ErrNotFound = errors.New("item not found")

	// ErrTypeMismatch is returned when a found entry's type differs from
	// the one requested.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidLength is returned when a payload does not fit in the
	// page, or a caller buffer is too small for a stored value.
	ErrInvalidLength = errors.New("invalid length")

	// ErrPageFull is returned when a page has no room for the requested
	// span. It is exported only so pagemgr/storage can detect it with
	// errors.Is; it never reaches the public facade, which translates it
	// into either a new-page request or ErrNotEnoughSpace.
	ErrPageFull = errors.New("page full")
)

// entryRef records where a key's live entry lives on the page and what
// type it was stored as, so the index can serve both lookups and the
// not-found/type-mismatch distinction without rescanning the page.
type entryRef struct {
	idx int
	typ item.DataType
}

// Page manages one flash sector: its header, entry-state bitmap, and the
// CRC-protected item slots packed into the remainder of the sector.
type Page struct {
	sectorIndex uint32
	baseAddr    uint32
	driver      flash.Driver

	state State
	seq   uint32

	bitmap [BitmapSize]byte

	usedCount   int
	erasedCount int

	// index maps an xxhash digest of (namespace, key) to the entry index
	// and stored type of its WRITTEN header slot, accelerating repeat
	// lookups the way a block-cache accelerator would. The type is kept
	// alongside the index, not folded into the digest, so a lookup under
	// the wrong type resolves to ErrTypeMismatch rather than ErrNotFound.
	index map[uint64]entryRef

	log   log.Logger
	stats stats.Collector
}

// Option configures a Page at construction time.
type Option func(*Page)

// WithLogger injects a logger; components default to log.Default() when
// none is given.
func WithLogger(l log.Logger) Option {
	return func(p *Page) { p.log = l }
}

// WithStats injects a stats collector.
func WithStats(c stats.Collector) Option {
	return func(p *Page) { p.stats = c }
}

// New constructs a Page bound to sectorIndex on driver, in the
// UNINITIALIZED state. Call Load to populate it from existing flash
// contents, or SetSeqNumber to start writing a brand-new page.
func New(sectorIndex uint32, driver flash.Driver, opts ...Option) *Page {
	p := &Page{
		sectorIndex: sectorIndex,
		baseAddr:    sectorIndex * driver.SectorSize(),
		driver:      driver,
		state:       StateUninitialized,
		index:       make(map[uint64]entryRef),
		log:         log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.bitmap {
		p.bitmap[i] = 0xFF
	}
	return p
}

// SectorIndex returns the sector this page manages.
func (p *Page) SectorIndex() uint32 { return p.sectorIndex }

// State returns the page's current lifecycle state.
func (p *Page) State() State { return p.state }

// SeqNumber returns the page's sequence number.
func (p *Page) SeqNumber() uint32 { return p.seq }

// UsedCount returns the number of live items; an item spanning several
// entries counts once.
func (p *Page) UsedCount() int { return p.usedCount }

// ErasedCount returns the number of ERASED entries.
func (p *Page) ErasedCount() int { return p.erasedCount }

// FreeCount returns the number of EMPTY entries.
func (p *Page) FreeCount() int {
	free := 0
	for i := 0; i < EntryCount; i++ {
		if p.entryState(i) == EntryEmpty {
			free++
		}
	}
	return free
}

// SetSeqNumber assigns the page's sequence number. Legal only while the
// page is UNINITIALIZED; it is permanent until the next Erase.
func (p *Page) SetSeqNumber(seq uint32) error {
	if p.state != StateUninitialized {
		return fmt.Errorf("page %d: SetSeqNumber: %w: page is %s", p.sectorIndex, ErrInvalidState, p.state)
	}

	var header [HeaderSize]byte
	for i := range header {
		header[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(header[0:4], stateWordUninitialized)
	binary.LittleEndian.PutUint32(header[4:8], seq)
	header[8] = 1 // version

	crc := crc32.ChecksumIEEE(header[4:28])
	binary.LittleEndian.PutUint32(header[28:32], crc)

	if err := p.driver.Write(p.baseAddr, header[:]); err != nil {
		return fmt.Errorf("page %d: SetSeqNumber: %w", p.sectorIndex, err)
	}

	p.seq = seq
	p.log.Debug("page %d: assigned sequence number %d", p.sectorIndex, seq)
	return nil
}

// ErrInvalidState is returned when a page/header cannot be parsed or an
// operation is attempted in a state that forbids it.
var ErrInvalidState = errors.New("invalid page state")

// Load reads the sector's header, bitmap, and entries off flash,
// classifies the page state, repairs any entries left inconsistent by a
// prior power loss, and rebuilds the in-memory key-hash index.
func (p *Page) Load() error {
	header := make([]byte, HeaderSize)
	if err := p.driver.Read(p.baseAddr, header); err != nil {
		return fmt.Errorf("page %d: Load: %w", p.sectorIndex, err)
	}

	stateWord := binary.LittleEndian.Uint32(header[0:4])
	seq := binary.LittleEndian.Uint32(header[4:8])
	storedCRC := binary.LittleEndian.Uint32(header[28:32])

	st := stateFromWord(stateWord)
	if st == StateUninitialized {
		p.state = StateUninitialized
		p.seq = 0
		for i := range p.bitmap {
			p.bitmap[i] = 0xFF
		}
		p.usedCount, p.erasedCount = 0, 0
		p.index = make(map[uint64]entryRef)
		return nil
	}

	computedCRC := crc32.ChecksumIEEE(header[4:28])
	if computedCRC != storedCRC || st == StateInvalid {
		p.log.Warn("page %d: header CRC mismatch or invalid state word, marking CORRUPT", p.sectorIndex)
		p.state = StateCorrupt
		p.seq = seq
		return nil
	}

	p.state = st
	p.seq = seq

	bitmap := make([]byte, BitmapSize)
	if err := p.driver.Read(p.baseAddr+HeaderSize, bitmap); err != nil {
		return fmt.Errorf("page %d: Load: %w", p.sectorIndex, err)
	}
	copy(p.bitmap[:], bitmap)

	p.usedCount, p.erasedCount = 0, 0
	p.index = make(map[uint64]entryRef)

	recovered := 0
	corrupted := 0

	for i := 0; i < EntryCount; {
		es := p.entryState(i)
		if !es.valid() {
			p.log.Warn("page %d: entry %d has invalid state bits, treating as erased", p.sectorIndex, i)
			p.setEntryState(i, EntryErased)
			p.erasedCount++
			i++
			continue
		}
		if es == EntryErased {
			p.erasedCount++
		}
		if es != EntryWritten {
			i++
			continue
		}

		buf := make([]byte, EntrySize)
		if err := p.driver.Read(p.entryAddr(i), buf); err != nil {
			return fmt.Errorf("page %d: Load: %w", p.sectorIndex, err)
		}
		h, err := item.Decode(buf)
		span := int(h.Span)
		if span < 1 || i+span > EntryCount {
			span = 1
		}

		spanOK := err == nil
		if spanOK {
			for j := i + 1; j < i+span; j++ {
				if p.entryState(j) != EntryWritten {
					spanOK = false
					break
				}
			}
		}

		if !spanOK {
			p.log.Warn("page %d: entry %d failed recovery validation, erasing span", p.sectorIndex, i)
			for j := i; j < i+span; j++ {
				p.setEntryState(j, EntryErased)
			}
			p.erasedCount += span
			corrupted++
			i += span
			continue
		}

		p.index[keyDigest(h.Namespace, h.Key)] = entryRef{idx: i, typ: h.Type}
		p.usedCount++
		recovered++
		i += span
	}

	if p.stats != nil && corrupted > 0 {
		p.stats.TrackError("item_crc_corrupt")
	}
	p.log.Debug("page %d: loaded state=%s seq=%d used=%d erased=%d recovered=%d corrupted=%d",
		p.sectorIndex, p.state, p.seq, p.usedCount, p.erasedCount, recovered, corrupted)

	return nil
}

// WriteItem appends a new record for (ns, typ, key). payload is the 8-byte
// inline slot of the header (a primitive's value, or a variable-length
// item's size/CRC metadata); data holds a variable-length item's raw bytes
// and is ignored when span is 1. span must be precomputed
// by the caller via item.SpanForPayload for variable-length types, or 1
// for primitives.
func (p *Page) WriteItem(ns uint8, typ item.DataType, key string, payload [8]byte, data []byte, span uint8) error {
	if p.state != StateUninitialized && p.state != StateActive {
		return fmt.Errorf("page %d: WriteItem: %w: page is %s", p.sectorIndex, ErrInvalidState, p.state)
	}
	if int(span) > EntryCount {
		return fmt.Errorf("page %d: WriteItem: %w: span %d exceeds page capacity", p.sectorIndex, ErrInvalidLength, span)
	}

	start, ok := p.findFreeSpan(int(span))
	if !ok {
		return fmt.Errorf("page %d: WriteItem: %w", p.sectorIndex, ErrPageFull)
	}

	h := item.Header{Namespace: ns, Type: typ, Span: span, Key: key, Payload: payload}
	encoded := item.Encode(h)

	if err := p.driver.Write(p.entryAddr(start), encoded[:]); err != nil {
		return fmt.Errorf("page %d: WriteItem: %w", p.sectorIndex, err)
	}

	if span > 1 {
		padded := item.EncodeData(data)
		if err := p.driver.Write(p.entryAddr(start+1), padded); err != nil {
			return fmt.Errorf("page %d: WriteItem: %w", p.sectorIndex, err)
		}
	}

	for i := start; i < start+int(span); i++ {
		p.setEntryState(i, EntryWritten)
	}
	if err := p.flushBitmap(); err != nil {
		return fmt.Errorf("page %d: WriteItem: %w", p.sectorIndex, err)
	}

	p.index[keyDigest(ns, key)] = entryRef{idx: start, typ: typ}
	p.usedCount++

	if p.state == StateUninitialized {
		if err := p.transitionState(StateActive); err != nil {
			return fmt.Errorf("page %d: WriteItem: %w", p.sectorIndex, err)
		}
	}

	if p.stats != nil {
		p.stats.TrackOperation(stats.OpSet)
		p.stats.TrackBytes(true, uint64(int(span)*EntrySize))
	}
	p.log.Debug("page %d: wrote ns=%d type=%s key=%q span=%d at entry %d", p.sectorIndex, ns, typ, key, span, start)

	return nil
}

// ReadItem finds the live entry matching (ns, typ, key) and returns its
// decoded header plus any trailing data bytes (for variable-length types).
func (p *Page) ReadItem(ns uint8, typ item.DataType, key string) (item.Header, []byte, error) {
	idx, err := p.FindItem(ns, typ, key)
	if err != nil {
		return item.Header{}, nil, err
	}

	buf := make([]byte, EntrySize)
	if err := p.driver.Read(p.entryAddr(idx), buf); err != nil {
		return item.Header{}, nil, fmt.Errorf("page %d: ReadItem: %w", p.sectorIndex, err)
	}
	h, err := item.Decode(buf)
	if err != nil {
		return item.Header{}, nil, fmt.Errorf("page %d: ReadItem key %q: %w", p.sectorIndex, key, err)
	}

	if !typ.IsVariableLength() {
		return h, nil, nil
	}

	size, dataCRC := item.DecodeVarLenMeta(h.Payload)
	dataLen := int(h.Span-1) * EntrySize
	raw := make([]byte, dataLen)
	if dataLen > 0 {
		if err := p.driver.Read(p.entryAddr(idx+1), raw); err != nil {
			return item.Header{}, nil, fmt.Errorf("page %d: ReadItem: %w", p.sectorIndex, err)
		}
	}
	if int(size) > dataLen {
		return item.Header{}, nil, fmt.Errorf("page %d: ReadItem key %q: %w: declared size exceeds span", p.sectorIndex, key, item.ErrCorrupt)
	}
	data := raw[:size]
	if crc32.ChecksumIEEE(data) != dataCRC {
		return item.Header{}, nil, fmt.Errorf("page %d: ReadItem key %q: %w: data crc mismatch", p.sectorIndex, key, item.ErrCorrupt)
	}

	if p.stats != nil {
		p.stats.TrackBytes(false, uint64(len(data)))
	}

	return h, data, nil
}

// EraseItem flips the WRITTEN span belonging to (ns, typ, key) to ERASED.
func (p *Page) EraseItem(ns uint8, typ item.DataType, key string) error {
	idx, err := p.FindItem(ns, typ, key)
	if err != nil {
		return err
	}
	return p.eraseAt(idx, ns, typ, key)
}

// EraseAt erases the entry span starting at idx, without first resolving
// (ns, typ, key) through the live-entry index. This is the only safe way
// to remove a specific stale copy of a key that has since been
// overwritten by a newer entry on the very same page, where a lookup by
// key would resolve to the newer entry instead. It still requires the
// page to be ACTIVE or FULL: a page whose index was captured before it
// was reclaimed by compaction and reset to UNINITIALIZED is rejected
// rather than having its freshly-erased bitmap corrupted.
func (p *Page) EraseAt(idx int, ns uint8, typ item.DataType, key string) error {
	return p.eraseAt(idx, ns, typ, key)
}

func (p *Page) eraseAt(idx int, ns uint8, typ item.DataType, key string) error {
	if p.state != StateActive && p.state != StateFull {
		return fmt.Errorf("page %d: EraseItem: %w: page is %s, entry %d no longer belongs to it",
			p.sectorIndex, ErrInvalidState, p.state, idx)
	}

	buf := make([]byte, EntrySize)
	if err := p.driver.Read(p.entryAddr(idx), buf); err != nil {
		return fmt.Errorf("page %d: EraseItem: %w", p.sectorIndex, err)
	}
	h, err := item.Decode(buf)
	span := 1
	if err == nil && int(h.Span) >= 1 {
		span = int(h.Span)
	}

	for i := idx; i < idx+span && i < EntryCount; i++ {
		p.setEntryState(i, EntryErased)
	}
	if err := p.flushBitmap(); err != nil {
		return fmt.Errorf("page %d: EraseItem: %w", p.sectorIndex, err)
	}

	// Only drop the index entry if it still points at the span we just
	// erased; a newer write to the same key on this page would have
	// already overwritten it to point elsewhere.
	digest := keyDigest(ns, key)
	if cur, ok := p.index[digest]; ok && cur.idx == idx {
		delete(p.index, digest)
	}
	p.usedCount--
	p.erasedCount += span

	if p.stats != nil {
		p.stats.TrackOperation(stats.OpErase)
	}
	p.log.Debug("page %d: erased ns=%d type=%s key=%q at entry %d", p.sectorIndex, ns, typ, key, idx)

	return nil
}

// FindItem returns the entry index of the live (ns, key) if it was
// written as type typ. A live entry under a different type yields
// ErrTypeMismatch rather than ErrNotFound.
func (p *Page) FindItem(ns uint8, typ item.DataType, key string) (int, error) {
	ref, ok := p.index[keyDigest(ns, key)]
	if !ok {
		return 0, fmt.Errorf("page %d: %w: ns=%d key=%q", p.sectorIndex, ErrNotFound, ns, key)
	}
	if ref.typ != typ {
		return 0, fmt.Errorf("page %d: %w: ns=%d key=%q stored as %s, requested %s",
			p.sectorIndex, ErrTypeMismatch, ns, key, ref.typ, typ)
	}
	return ref.idx, nil
}

// FindAny resolves a key's live entry regardless of its stored type, for
// callers (such as an erase-by-key path) that do not know in advance what
// type a key was written as.
func (p *Page) FindAny(ns uint8, key string) (idx int, typ item.DataType, err error) {
	ref, ok := p.index[keyDigest(ns, key)]
	if !ok {
		return 0, 0, fmt.Errorf("page %d: %w: ns=%d key=%q", p.sectorIndex, ErrNotFound, ns, key)
	}
	return ref.idx, ref.typ, nil
}

// EraseItemAny erases key's live entry regardless of its stored type.
func (p *Page) EraseItemAny(ns uint8, key string) error {
	idx, typ, err := p.FindAny(ns, key)
	if err != nil {
		return err
	}
	return p.eraseAt(idx, ns, typ, key)
}

// MarkFull transitions the page from ACTIVE to FULL.
func (p *Page) MarkFull() error {
	if p.state != StateActive {
		return fmt.Errorf("page %d: MarkFull: %w: page is %s", p.sectorIndex, ErrInvalidState, p.state)
	}
	return p.transitionState(StateFull)
}

// MarkFreeing transitions the page from FULL to FREEING, the state it
// holds while compaction is copying its live entries elsewhere.
func (p *Page) MarkFreeing() error {
	if p.state != StateFull {
		return fmt.Errorf("page %d: MarkFreeing: %w: page is %s", p.sectorIndex, ErrInvalidState, p.state)
	}
	return p.transitionState(StateFreeing)
}

// Erase issues a sector erase and resets the page to UNINITIALIZED.
func (p *Page) Erase() error {
	if err := p.driver.EraseSector(p.sectorIndex); err != nil {
		return fmt.Errorf("page %d: Erase: %w", p.sectorIndex, err)
	}
	p.state = StateUninitialized
	p.seq = 0
	for i := range p.bitmap {
		p.bitmap[i] = 0xFF
	}
	p.usedCount, p.erasedCount = 0, 0
	p.index = make(map[uint64]entryRef)
	p.log.Info("page %d: erased", p.sectorIndex)
	return nil
}

// AllItems returns the live entries on the page as decoded headers, used
// by compaction to copy a page's contents elsewhere.
func (p *Page) AllItems() ([]item.Header, error) {
	headers := make([]item.Header, 0, len(p.index))
	for i := 0; i < EntryCount; i++ {
		if p.entryState(i) != EntryWritten {
			continue
		}
		buf := make([]byte, EntrySize)
		if err := p.driver.Read(p.entryAddr(i), buf); err != nil {
			return nil, fmt.Errorf("page %d: AllItems: %w", p.sectorIndex, err)
		}
		h, err := item.Decode(buf)
		if err != nil {
			continue
		}
		// Only the header slot of a span is indexed; skip interior data
		// slots that happen to satisfy entryState == WRITTEN.
		if ref, ok := p.index[keyDigest(h.Namespace, h.Key)]; !ok || ref.idx != i {
			continue
		}
		headers = append(headers, h)
		i += int(h.Span) - 1
	}
	return headers, nil
}

// ReadRaw returns the raw trailing data bytes for a variable-length item
// already known to live at entry index idx with the given span.
func (p *Page) ReadRaw(idx int, span uint8, size uint16) ([]byte, error) {
	if span < 2 {
		return nil, nil
	}
	raw := make([]byte, int(span-1)*EntrySize)
	if err := p.driver.Read(p.entryAddr(idx+1), raw); err != nil {
		return nil, fmt.Errorf("page %d: ReadRaw: %w", p.sectorIndex, err)
	}
	if int(size) > len(raw) {
		return nil, fmt.Errorf("page %d: ReadRaw: %w: declared size exceeds span", p.sectorIndex, item.ErrCorrupt)
	}
	return raw[:size], nil
}

func (p *Page) transitionState(next State) error {
	word := wordFromState(next)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, word)
	if err := p.driver.Write(p.baseAddr, buf); err != nil {
		return err
	}
	p.log.Debug("page %d: state %s -> %s", p.sectorIndex, p.state, next)
	p.state = next
	return nil
}

// findFreeSpan returns the free pointer, the index just past the highest
// WRITTEN or ERASED entry, if span entries still fit from there.
func (p *Page) findFreeSpan(span int) (int, bool) {
	start := 0
	for i := EntryCount - 1; i >= 0; i-- {
		if p.entryState(i) != EntryEmpty {
			start = i + 1
			break
		}
	}
	if start+span > EntryCount {
		return 0, false
	}
	return start, true
}

func (p *Page) entryAddr(idx int) uint32 {
	return p.baseAddr + HeaderSize + BitmapSize + uint32(idx*EntrySize)
}

func (p *Page) entryState(idx int) EntryState {
	byteIdx := (idx * 2) / 8
	bitOff := uint((idx * 2) % 8)
	return EntryState((p.bitmap[byteIdx] >> bitOff) & 0b11)
}

func (p *Page) setEntryState(idx int, s EntryState) {
	byteIdx := (idx * 2) / 8
	bitOff := uint((idx * 2) % 8)
	mask := byte(0b11) << bitOff
	p.bitmap[byteIdx] = (p.bitmap[byteIdx] &^ mask) | (byte(s) << bitOff)
}

func (p *Page) flushBitmap() error {
	return p.driver.Write(p.baseAddr+HeaderSize, p.bitmap[:])
}

// keyDigest hashes (namespace, key) only, deliberately excluding the data
// type: the index must resolve to the same slot regardless of the type a
// caller asks for, so FindItem can distinguish a genuine miss from a
// type mismatch on an existing key.
func keyDigest(ns uint8, key string) uint64 {
	var buf [17]byte
	buf[0] = ns
	n := copy(buf[1:], key)
	return xxhash.Sum64(buf[:1+n])
}
