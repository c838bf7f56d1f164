// Package storage dispatches items across namespaces and pages: it is the
// only component that knows how to find the single live copy of a key
// among possibly several pages, and how to keep the namespace registry in
// memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nvsdb/nvs/pkg/common/log"
	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/item"
	"github.com/nvsdb/nvs/pkg/page"
	"github.com/nvsdb/nvs/pkg/pagemgr"
	"github.com/nvsdb/nvs/pkg/stats"
	"github.com/nvsdb/nvs/pkg/telemetry"
)

// registryNamespace is the reserved namespace index holding the name→index
// registry itself.
const registryNamespace = 0

// minUserNamespace/maxUserNamespace bound the indexes Storage hands out to
// CreateOrOpenNamespace.
const (
	minUserNamespace = 1
	maxUserNamespace = 254
)

var (
	// ErrNotFound is returned when a namespace or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for an empty or overlong namespace/key name.
	ErrInvalidName = errors.New("invalid name")

	// ErrNotEnoughSpace is returned when compaction cannot free capacity
	// for a write.
	ErrNotEnoughSpace = pagemgr.ErrNotEnoughSpace

	// ErrRemoveFailed is returned when a new value was written
	// successfully but erasing the prior copy failed; the new value is
	// nonetheless live.
	ErrRemoveFailed = errors.New("failed to remove prior copy")
)

// lookupKey identifies one (namespace, type, key) triple in the cross-page
// lookup cache.
type lookupKey = uint64

// Storage owns the full page collection for a region, the namespace
// registry, and an xxhash-keyed cache mapping (ns,type,key) to the page
// currently holding its live copy.
type Storage struct {
	mgr *pagemgr.Manager

	namesByIdx map[uint8]string
	idxByName  map[string]uint8

	// cache maps a key digest to the page holding the live copy. A write
	// refreshes its entry and an erase drops it; compaction does not touch
	// it, so every hit is re-checked against the page and dropped when the
	// key is no longer live there.
	cache map[lookupKey]*page.Page

	log   log.Logger
	stats stats.Collector
	tel   telemetry.Telemetry
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithLogger injects a logger.
func WithLogger(l log.Logger) Option {
	return func(s *Storage) { s.log = l }
}

// WithStats injects a stats collector.
func WithStats(c stats.Collector) Option {
	return func(s *Storage) { s.stats = c }
}

// WithTelemetry injects a telemetry sink.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(s *Storage) { s.tel = t }
}

// New constructs a Storage over the given flash region. Call Init before
// any other method.
func New(driver flash.Driver, startSector, sectorCount uint32, opts ...Option) *Storage {
	s := &Storage{
		namesByIdx: make(map[uint8]string),
		idxByName:  make(map[string]uint8),
		cache:      make(map[lookupKey]*page.Page),
		log:        log.Default(),
		tel:        telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var mgrOpts []pagemgr.Option
	mgrOpts = append(mgrOpts, pagemgr.WithLogger(s.log))
	if s.stats != nil {
		mgrOpts = append(mgrOpts, pagemgr.WithStats(s.stats))
	}
	mgrOpts = append(mgrOpts, pagemgr.WithTelemetry(s.tel))

	s.mgr = pagemgr.New(driver, startSector, sectorCount, mgrOpts...)
	return s
}

// Init loads every page, deduplicates stale copies left by an interrupted
// write, and rebuilds the namespace registry in memory.
func (s *Storage) Init(ctx context.Context) error {
	start := time.Now()
	if s.stats != nil {
		start = s.stats.StartRecovery()
	}

	if err := s.mgr.Load(); err != nil {
		return fmt.Errorf("storage: Init: %w", err)
	}

	type seen struct {
		p    *page.Page
		h    item.Header
		seq  uint32
	}
	latest := make(map[lookupKey]seen)

	var pagesScanned, itemsScanned, duplicatesErased uint64

	for _, p := range s.mgr.Pages() {
		if p.State() != page.StateActive && p.State() != page.StateFull {
			continue
		}
		pagesScanned++

		headers, err := p.AllItems()
		if err != nil {
			return fmt.Errorf("storage: Init: scanning sector %d: %w", p.SectorIndex(), err)
		}
		for _, h := range headers {
			itemsScanned++
			key := digest(h.Namespace, h.Type, h.Key)
			if prior, ok := latest[key]; ok {
				// Resolve the duplicate now: the lower-sequence copy is
				// stale and gets erased in place.
				var stale, fresh seen
				if p.SeqNumber() > prior.seq {
					stale, fresh = prior, seen{p, h, p.SeqNumber()}
				} else {
					stale, fresh = seen{p, h, p.SeqNumber()}, prior
				}
				if err := stale.p.EraseItem(stale.h.Namespace, stale.h.Type, stale.h.Key); err != nil {
					return fmt.Errorf("storage: Init: deduping key %q: %w", stale.h.Key, err)
				}
				duplicatesErased++
				latest[key] = fresh
				continue
			}
			latest[key] = seen{p, h, p.SeqNumber()}
		}
	}

	for key, sv := range latest {
		s.cache[key] = sv.p
		if sv.h.Namespace == registryNamespace {
			idx := uint8(item.DecodePrimitive(sv.h.Type, sv.h.Payload))
			s.namesByIdx[idx] = sv.h.Key
			s.idxByName[sv.h.Key] = idx
		}
	}

	if s.stats != nil {
		s.stats.FinishRecovery(start, pagesScanned, itemsScanned, duplicatesErased)
		s.stats.TrackOperation(stats.OpInit)
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.init.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage))

	s.log.Info("storage: initialized, pages=%d items=%d duplicates_resolved=%d namespaces=%d",
		pagesScanned, itemsScanned, duplicatesErased, len(s.namesByIdx))

	return nil
}

// CreateOrOpenNamespace resolves name to its registry index, allocating a
// fresh one if create is true and the name is not yet registered.
func (s *Storage) CreateOrOpenNamespace(ctx context.Context, name string, create bool) (uint8, error) {
	if err := item.ValidateKey(name); err != nil {
		return 0, fmt.Errorf("storage: CreateOrOpenNamespace: %w", ErrInvalidName)
	}

	if idx, ok := s.idxByName[name]; ok {
		if s.stats != nil {
			s.stats.TrackOperation(stats.OpOpenNamespace)
		}
		return idx, nil
	}
	if !create {
		return 0, fmt.Errorf("storage: CreateOrOpenNamespace %q: %w", name, ErrNotFound)
	}

	idx, ok := s.nextFreeNamespaceIndex()
	if !ok {
		return 0, fmt.Errorf("storage: CreateOrOpenNamespace %q: %w", name, ErrNotEnoughSpace)
	}

	payload := item.EncodePrimitive(item.TypeU8, uint64(idx))
	if _, _, err := s.writeItem(ctx, registryNamespace, item.TypeU8, name, payload, nil, 1); err != nil {
		return 0, fmt.Errorf("storage: CreateOrOpenNamespace %q: %w", name, err)
	}

	s.namesByIdx[idx] = name
	s.idxByName[name] = idx

	s.log.Info("storage: registered namespace %q as index %d", name, idx)
	return idx, nil
}

func (s *Storage) nextFreeNamespaceIndex() (uint8, bool) {
	used := make(map[uint8]bool, len(s.namesByIdx))
	for idx := range s.namesByIdx {
		used[idx] = true
	}
	for idx := minUserNamespace; idx <= maxUserNamespace; idx++ {
		if !used[uint8(idx)] {
			return uint8(idx), true
		}
	}
	return 0, false
}

// WriteItem stores payload/data under (ns, typ, key), writing the new
// value before erasing any prior copy so an interrupted write leaves at
// most one stale duplicate for the next Init to resolve.
//
// The prior copy is located by a fresh scan *after* the new value is
// written, not by a page/index resolved beforehand: requesting the active
// page (inside s.writeItem) can itself trigger a proactive compaction, and
// if the page compaction picks as its victim happens to be the one
// holding the prior copy, compaction both relocates that copy onto
// another page and resets the victim to UNINITIALIZED. An index captured
// before the call would then point at a page that no longer holds that
// entry at all, and blindly erasing it there would corrupt a page flash
// has already wiped. A prior copy on the page that receives the new value
// is the one exception: s.writeItem resolves it after the active page is
// settled and erases it by index once the new entry is written.
func (s *Storage) WriteItem(ctx context.Context, ns uint8, typ item.DataType, key string, payload [8]byte, data []byte, span uint8) error {
	start := time.Now()
	if err := item.ValidateKey(key); err != nil {
		return fmt.Errorf("storage: WriteItem: %w", ErrInvalidName)
	}

	newPage, newIdx, err := s.writeItem(ctx, ns, typ, key, payload, data, span)
	if err != nil {
		return fmt.Errorf("storage: WriteItem ns=%d key=%q: %w", ns, key, err)
	}

	if err := s.eraseOtherCopies(ns, typ, key, newPage, newIdx); err != nil {
		s.log.Warn("storage: failed to erase a prior copy of ns=%d key=%q: %v", ns, key, err)
		return fmt.Errorf("storage: WriteItem ns=%d key=%q: %w", ns, key, ErrRemoveFailed)
	}

	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpSet, uint64(time.Since(start).Nanoseconds()))
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.write.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSet))

	return nil
}

// writeItem performs the low-level write onto the active page, marking it
// FULL and requesting a new one on page.ErrPageFull, and refreshes the
// lookup cache on success. A prior copy of the key on that same page is
// erased by index right after the write, since a lookup by key resolves to
// the new entry from then on. It returns the page and entry index the new
// value landed at, so the caller can tell that entry apart from any other
// live copy of the same key still waiting to be erased.
func (s *Storage) writeItem(ctx context.Context, ns uint8, typ item.DataType, key string, payload [8]byte, data []byte, span uint8) (*page.Page, int, error) {
	for {
		active, err := s.mgr.ActivePage()
		if err != nil {
			return nil, 0, err
		}

		prevIdx, prevErr := active.FindItem(ns, typ, key)
		err = active.WriteItem(ns, typ, key, payload, data, span)
		if err == nil {
			s.cache[digest(ns, typ, key)] = active
			if s.stats != nil {
				s.stats.TrackPageUsage(uint64(active.UsedCount()))
			}
			idx, err := active.FindItem(ns, typ, key)
			if err != nil {
				return nil, 0, err
			}
			if prevErr == nil {
				if err := active.EraseAt(prevIdx, ns, typ, key); err != nil {
					return nil, 0, fmt.Errorf("%w: %v", ErrRemoveFailed, err)
				}
			}
			return active, idx, nil
		}
		if errors.Is(err, page.ErrPageFull) {
			if markErr := s.mgr.MarkActiveFull(); markErr != nil {
				return nil, 0, markErr
			}
			continue
		}
		return nil, 0, err
	}
}

// eraseOtherCopies erases every live (ns, typ, key) entry except the one
// at (keep, keepIdx), the entry WriteItem just wrote. A proactive
// compaction triggered by the write can relocate a prior copy to a page
// other than the one it lived on when the call started, so this scans
// every page fresh rather than trusting a page/index resolved earlier.
// On keep itself FindItem resolves to the new entry, so a prior copy there
// is not found here; writeItem has already erased it.
func (s *Storage) eraseOtherCopies(ns uint8, typ item.DataType, key string, keep *page.Page, keepIdx int) error {
	for _, p := range s.mgr.Pages() {
		if p.State() != page.StateActive && p.State() != page.StateFull {
			continue
		}
		idx, err := p.FindItem(ns, typ, key)
		if err != nil {
			continue
		}
		if p == keep && idx == keepIdx {
			continue
		}
		if err := p.EraseAt(idx, ns, typ, key); err != nil {
			return err
		}
		delete(s.cache, digest(ns, typ, key))
	}
	return nil
}

// ReadItem finds the single live copy of (ns, typ, key) and returns its
// header plus any trailing variable-length data.
func (s *Storage) ReadItem(ctx context.Context, ns uint8, typ item.DataType, key string) (item.Header, []byte, error) {
	start := time.Now()

	p, err := s.findPage(ns, typ, key)
	if err != nil {
		return item.Header{}, nil, fmt.Errorf("storage: ReadItem ns=%d key=%q: %w", ns, key, err)
	}

	h, data, err := p.ReadItem(ns, typ, key)
	if err != nil {
		return item.Header{}, nil, fmt.Errorf("storage: ReadItem ns=%d key=%q: %w", ns, key, err)
	}

	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.read.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet))

	return h, data, nil
}

// EraseItem erases the single live copy of (ns, typ, key).
func (s *Storage) EraseItem(ctx context.Context, ns uint8, typ item.DataType, key string) error {
	start := time.Now()

	p, err := s.findPage(ns, typ, key)
	if err != nil {
		return fmt.Errorf("storage: EraseItem ns=%d key=%q: %w", ns, key, err)
	}
	if err := p.EraseItem(ns, typ, key); err != nil {
		return fmt.Errorf("storage: EraseItem ns=%d key=%q: %w", ns, key, err)
	}
	delete(s.cache, digest(ns, typ, key))

	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpErase, uint64(time.Since(start).Nanoseconds()))
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.erase.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeErase))

	return nil
}

// EraseKey erases key's live entry in namespace ns regardless of its
// stored type, for callers that identify a value by name alone (the
// Handle API does not require a type to erase).
func (s *Storage) EraseKey(ctx context.Context, ns uint8, key string) error {
	start := time.Now()

	p, typ, err := s.findPageAny(ns, key)
	if err != nil {
		return fmt.Errorf("storage: EraseKey ns=%d key=%q: %w", ns, key, err)
	}
	if err := p.EraseItemAny(ns, key); err != nil {
		return fmt.Errorf("storage: EraseKey ns=%d key=%q: %w", ns, key, err)
	}
	delete(s.cache, digest(ns, typ, key))

	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpErase, uint64(time.Since(start).Nanoseconds()))
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.erase.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeErase))

	return nil
}

// findPageAny resolves (ns, key) to the page holding its live copy and the
// type it was stored as, without requiring the caller to know that type
// up front. It does not consult the lookup cache, since the cache is keyed
// by type and this path is only used by the comparatively rare erase-by-
// name-alone call.
func (s *Storage) findPageAny(ns uint8, key string) (*page.Page, item.DataType, error) {
	for _, p := range s.mgr.Pages() {
		if p.State() != page.StateActive && p.State() != page.StateFull {
			continue
		}
		if _, typ, err := p.FindAny(ns, key); err == nil {
			return p, typ, nil
		}
	}
	return nil, 0, ErrNotFound
}

// EraseNamespace erases every item carrying namespace index ns across all
// pages. The registry entry itself is kept so the index is never reused.
func (s *Storage) EraseNamespace(ctx context.Context, ns uint8) error {
	start := time.Now()

	for _, p := range s.mgr.Pages() {
		if p.State() != page.StateActive && p.State() != page.StateFull {
			continue
		}
		headers, err := p.AllItems()
		if err != nil {
			return fmt.Errorf("storage: EraseNamespace %d: %w", ns, err)
		}
		for _, h := range headers {
			if h.Namespace != ns {
				continue
			}
			if err := p.EraseItem(h.Namespace, h.Type, h.Key); err != nil {
				return fmt.Errorf("storage: EraseNamespace %d: erasing key %q: %w", ns, h.Key, err)
			}
			delete(s.cache, digest(h.Namespace, h.Type, h.Key))
		}
	}

	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpEraseNamespace, uint64(time.Since(start).Nanoseconds()))
	}
	s.tel.RecordHistogram(ctx, "nvs.storage.erase_namespace.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeEraseNamespace))

	return nil
}

// GetItemDataSize returns the declared size of a variable-length item.
func (s *Storage) GetItemDataSize(ctx context.Context, ns uint8, typ item.DataType, key string) (uint16, error) {
	h, _, err := s.ReadItem(ctx, ns, typ, key)
	if err != nil {
		return 0, err
	}
	if !typ.IsVariableLength() {
		return uint16(typ.FixedSize()), nil
	}
	size, _ := item.DecodeVarLenMeta(h.Payload)
	return size, nil
}

// findPage resolves (ns, typ, key) to the page holding its live copy,
// consulting the cache first and falling back to a full scan (refreshing
// the cache) on a miss.
func (s *Storage) findPage(ns uint8, typ item.DataType, key string) (*page.Page, error) {
	p, _, err := s.findPageAndIndex(ns, typ, key)
	return p, err
}

// findPageAndIndex is findPage plus the live entry's index on that page,
// needed whenever a caller must erase that exact span later even if a
// newer write has since remapped the key to a different entry.
func (s *Storage) findPageAndIndex(ns uint8, typ item.DataType, key string) (*page.Page, int, error) {
	k := digest(ns, typ, key)
	if p, ok := s.cache[k]; ok {
		if idx, err := p.FindItem(ns, typ, key); err == nil {
			return p, idx, nil
		}
		delete(s.cache, k)
	}

	var mismatch error
	for _, p := range s.mgr.Pages() {
		if p.State() != page.StateActive && p.State() != page.StateFull {
			continue
		}
		idx, err := p.FindItem(ns, typ, key)
		if err == nil {
			s.cache[k] = p
			return p, idx, nil
		}
		if errors.Is(err, page.ErrTypeMismatch) {
			mismatch = err
		}
	}
	if mismatch != nil {
		return nil, 0, mismatch
	}

	return nil, 0, ErrNotFound
}

func digest(ns uint8, typ item.DataType, key string) lookupKey {
	var buf [18]byte
	buf[0] = ns
	buf[1] = byte(typ)
	n := copy(buf[2:], key)
	return xxhash.Sum64(buf[:2+n])
}
