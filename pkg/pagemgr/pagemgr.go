// Package pagemgr owns the ordered collection of pages backing a store,
// allocates fresh pages on demand, and runs the garbage-collecting
// compaction that reclaims sectors full of erased entries.
package pagemgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nvsdb/nvs/pkg/common/log"
	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/item"
	"github.com/nvsdb/nvs/pkg/page"
	"github.com/nvsdb/nvs/pkg/stats"
	"github.com/nvsdb/nvs/pkg/telemetry"
)

// ErrNotEnoughSpace is returned when no page can be freed by compaction.
var ErrNotEnoughSpace = errors.New("not enough space")

// Manager owns every page in the configured sector range, in ascending
// sequence-number order, and is the only component that allocates pages
// or runs compaction.
type Manager struct {
	driver      flash.Driver
	startSector uint32
	sectorCount uint32

	pages  []*page.Page // indexed by (sectorIndex - startSector)
	nextSeq uint32

	activeIdx int // index into pages of the current ACTIVE page, or -1

	log   log.Logger
	stats stats.Collector
	tel   telemetry.Telemetry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger injects a logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStats injects a stats collector.
func WithStats(c stats.Collector) Option {
	return func(m *Manager) { m.stats = c }
}

// WithTelemetry injects a telemetry sink.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(m *Manager) { m.tel = t }
}

// New constructs a Manager over sectorCount sectors starting at
// startSector. Call Load before any other method.
func New(driver flash.Driver, startSector, sectorCount uint32, opts ...Option) *Manager {
	m := &Manager{
		driver:      driver,
		startSector: startSector,
		sectorCount: sectorCount,
		activeIdx:   -1,
		log:         log.Default(),
		tel:         telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads every page in the configured range, reconciles duplicate
// ACTIVE pages left by a prior crash, and completes any compaction that
// was interrupted mid-copy.
func (m *Manager) Load() error {
	m.pages = make([]*page.Page, m.sectorCount)

	var pageOpts []page.Option
	if m.log != nil {
		pageOpts = append(pageOpts, page.WithLogger(m.log))
	}
	if m.stats != nil {
		pageOpts = append(pageOpts, page.WithStats(m.stats))
	}

	var maxSeq uint32
	haveSeq := false
	activeIndices := []int{}

	for i := uint32(0); i < m.sectorCount; i++ {
		p := page.New(m.startSector+i, m.driver, pageOpts...)
		if err := p.Load(); err != nil {
			return fmt.Errorf("pagemgr: Load: %w", err)
		}
		m.pages[i] = p

		if p.State() == page.StateActive {
			activeIndices = append(activeIndices, int(i))
		}
		if p.State() != page.StateUninitialized && p.State() != page.StateCorrupt {
			if !haveSeq || p.SeqNumber() >= maxSeq {
				maxSeq = p.SeqNumber()
				haveSeq = true
			}
		}
	}

	// At most one page should be ACTIVE; a crash during MarkFull can
	// leave two. Keep the one with the highest sequence number and
	// demote the rest to FULL.
	if len(activeIndices) > 1 {
		sort.Slice(activeIndices, func(a, b int) bool {
			return m.pages[activeIndices[a]].SeqNumber() > m.pages[activeIndices[b]].SeqNumber()
		})
		for _, idx := range activeIndices[1:] {
			if err := m.pages[idx].MarkFull(); err != nil {
				return fmt.Errorf("pagemgr: Load: demoting stale active page: %w", err)
			}
		}
		activeIndices = activeIndices[:1]
	}

	m.activeIdx = -1
	if len(activeIndices) == 1 {
		m.activeIdx = activeIndices[0]
	}

	if err := m.completeInterruptedCompaction(); err != nil {
		return fmt.Errorf("pagemgr: Load: %w", err)
	}

	m.nextSeq = maxSeq + 1
	if !haveSeq {
		m.nextSeq = 1
	}

	m.log.Debug("pagemgr: loaded %d pages, nextSeq=%d, active=%d", m.sectorCount, m.nextSeq, m.activeIdx)
	return nil
}

// completeInterruptedCompaction finishes any compaction left half-done by
// a crash: a FREEING source page whose live entries already exist on a
// newer page is safe to erase outright.
func (m *Manager) completeInterruptedCompaction() error {
	for _, p := range m.pages {
		if p.State() != page.StateFreeing {
			continue
		}
		m.log.Warn("pagemgr: sector %d left FREEING, completing interrupted compaction", p.SectorIndex())
		if err := p.Erase(); err != nil {
			return fmt.Errorf("completing interrupted compaction on sector %d: %w", p.SectorIndex(), err)
		}
	}
	return nil
}

// ActivePage returns the current ACTIVE page, allocating one via
// RequestNewPage if none exists.
func (m *Manager) ActivePage() (*page.Page, error) {
	if m.activeIdx >= 0 {
		return m.pages[m.activeIdx], nil
	}
	return m.RequestNewPage()
}

// RequestNewPage picks a free (UNINITIALIZED) page, assigns it the next
// sequence number, and makes it the ACTIVE page. Compaction is triggered
// proactively once only one free page remains: that last page becomes
// compaction's destination rather than a plain new page, so the pool is
// never allowed to bottom out with no page to copy into. If nothing can
// be reclaimed (no FULL page carries erased entries), it falls back to
// allocating the last free page directly, or fails with
// ErrNotEnoughSpace.
func (m *Manager) RequestNewPage() (*page.Page, error) {
	if m.freeCount() <= 1 {
		if _, ok := m.selectCompactionVictim(); ok {
			if err := m.compact(context.Background()); err != nil {
				return nil, fmt.Errorf("pagemgr: RequestNewPage: %w", err)
			}
			return m.pages[m.activeIdx], nil
		}
	}

	idx, ok := m.freePageIndex()
	if !ok {
		return nil, fmt.Errorf("pagemgr: RequestNewPage: %w", ErrNotEnoughSpace)
	}

	p := m.pages[idx]
	if err := p.SetSeqNumber(m.nextSeq); err != nil {
		return nil, fmt.Errorf("pagemgr: RequestNewPage: %w", err)
	}
	m.nextSeq++
	m.activeIdx = idx

	if m.stats != nil {
		m.stats.TrackOperation(stats.OpPageAlloc)
	}
	m.log.Debug("pagemgr: allocated sector %d as active, seq=%d", p.SectorIndex(), p.SeqNumber())
	return p, nil
}

func (m *Manager) freePageIndex() (int, bool) {
	for i, p := range m.pages {
		if p.State() == page.StateUninitialized {
			return i, true
		}
	}
	return 0, false
}

func (m *Manager) freeCount() int {
	n := 0
	for _, p := range m.pages {
		if p.State() == page.StateUninitialized {
			n++
		}
	}
	return n
}

// Pages returns every page in ascending sequence-number order; pages that
// are UNINITIALIZED or CORRUPT sort after all live pages.
func (m *Manager) Pages() []*page.Page {
	ordered := make([]*page.Page, len(m.pages))
	copy(ordered, m.pages)
	sort.Slice(ordered, func(a, b int) bool {
		return pageSortKey(ordered[a]) < pageSortKey(ordered[b])
	})
	return ordered
}

func pageSortKey(p *page.Page) uint64 {
	if p.State() == page.StateUninitialized || p.State() == page.StateCorrupt {
		return 1<<63 + uint64(p.SectorIndex())
	}
	return uint64(p.SeqNumber())
}

// compact selects the FULL page with the worst erased-to-used ratio,
// copies its live entries to a fresh page, and erases it. It runs
// synchronously on the caller's goroutine: there is no background
// compaction worker.
func (m *Manager) compact(ctx context.Context) error {
	start := time.Now()

	victimIdx, ok := m.selectCompactionVictim()
	if !ok {
		return ErrNotEnoughSpace
	}
	victim := m.pages[victimIdx]

	if err := victim.MarkFreeing(); err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	items, err := victim.AllItems()
	if err != nil {
		return fmt.Errorf("compact: reading victim sector %d: %w", victim.SectorIndex(), err)
	}

	dest, err := m.allocateCompactionTarget()
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	copied := 0
	var bytesCopied uint64
	for _, h := range items {
		var data []byte
		if h.Type.IsVariableLength() {
			size, _ := item.DecodeVarLenMeta(h.Payload)
			idx, findErr := victim.FindItem(h.Namespace, h.Type, h.Key)
			if findErr != nil {
				continue
			}
			data, err = victim.ReadRaw(idx, h.Span, size)
			if err != nil {
				return fmt.Errorf("compact: reading data for key %q: %w", h.Key, err)
			}
		}
		if err := dest.WriteItem(h.Namespace, h.Type, h.Key, h.Payload, data, h.Span); err != nil {
			return fmt.Errorf("compact: copying key %q to sector %d: %w", h.Key, dest.SectorIndex(), err)
		}
		copied++
		bytesCopied += uint64(int(h.Span) * page.EntrySize)
	}

	if err := victim.Erase(); err != nil {
		return fmt.Errorf("compact: erasing victim sector %d: %w", victim.SectorIndex(), err)
	}

	if m.stats != nil {
		m.stats.TrackCompaction()
	}
	m.tel.RecordHistogram(ctx, "nvs.pagemanager.compaction.duration", time.Since(start).Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPageMgr))
	m.tel.RecordCounter(ctx, "nvs.pagemanager.compaction.entries_copied", int64(copied),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPageMgr))

	m.log.Info("pagemgr: compacted sector %d into sector %d, copied %d entries (%d bytes)",
		victim.SectorIndex(), dest.SectorIndex(), copied, bytesCopied)

	return nil
}

// allocateCompactionTarget picks a free page and activates it as the
// compaction destination, bypassing RequestNewPage's own compaction
// trigger (which would recurse).
func (m *Manager) allocateCompactionTarget() (*page.Page, error) {
	idx, ok := m.freePageIndex()
	if !ok {
		return nil, ErrNotEnoughSpace
	}
	p := m.pages[idx]
	if err := p.SetSeqNumber(m.nextSeq); err != nil {
		return nil, err
	}
	m.nextSeq++
	m.activeIdx = idx
	return p, nil
}

// selectCompactionVictim ranks FULL pages carrying at least one erased
// entry by erased-to-used ratio, highest first, tie-broken by lowest
// sequence number so the oldest heavily-used page is reclaimed first
// (wear-leveling). A FULL page with nothing erased has no garbage to
// reclaim and is never selected.
func (m *Manager) selectCompactionVictim() (int, bool) {
	candidates := make([]int, 0, len(m.pages))
	for i, p := range m.pages {
		if p.State() == page.StateFull && p.ErasedCount() > 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	sort.Slice(candidates, func(a, b int) bool {
		pa, pb := m.pages[candidates[a]], m.pages[candidates[b]]
		ra, rb := erasedRatio(pa), erasedRatio(pb)
		if ra != rb {
			return ra > rb
		}
		return pa.SeqNumber() < pb.SeqNumber()
	})

	return candidates[0], true
}

func erasedRatio(p *page.Page) float64 {
	used := p.UsedCount()
	erased := p.ErasedCount()
	if used+erased == 0 {
		return 0
	}
	return float64(erased) / float64(used+erased)
}

// MarkActiveFull transitions the active page to FULL, typically because
// a write on it returned page.ErrPageFull. The caller should request a
// new page next.
func (m *Manager) MarkActiveFull() error {
	if m.activeIdx < 0 {
		return nil
	}
	p := m.pages[m.activeIdx]
	if err := p.MarkFull(); err != nil {
		return fmt.Errorf("pagemgr: MarkActiveFull: %w", err)
	}
	m.activeIdx = -1
	return nil
}
