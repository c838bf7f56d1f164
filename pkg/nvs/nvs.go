// Package nvs is the caller-facing facade: a process-wide key-value store
// over a fixed flash region, opened as named namespaces bound to typed
// handles. It wraps pkg/storage the way the teacher's pkg/engine.EngineFacade
// wraps its storage/compaction/stats components — every public call is a
// thin, logged, stats-counted delegation guarded by a single coarse mutex.
package nvs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nvsdb/nvs/pkg/common/log"
	"github.com/nvsdb/nvs/pkg/config"
	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/item"
	"github.com/nvsdb/nvs/pkg/page"
	"github.com/nvsdb/nvs/pkg/stats"
	"github.com/nvsdb/nvs/pkg/storage"
	"github.com/nvsdb/nvs/pkg/telemetry"
)

// Mode controls whether a Handle may write to its namespace.
type Mode int

const (
	// ReadOnly permits Get* lookups only; every mutating call (Set*,
	// EraseKey, EraseNamespace) fails with ErrReadOnly.
	ReadOnly Mode = iota
	// ReadWrite permits every operation.
	ReadWrite
)

var (
	// ErrNotInitialized is returned by every package-level and Handle
	// method called before a successful InitCustom.
	ErrNotInitialized = errors.New("nvs: not initialized")

	// ErrNotFound is returned when a namespace, key, or both are absent.
	ErrNotFound = storage.ErrNotFound

	// ErrTypeMismatch is returned when the requested type differs from
	// the type a key was stored under.
	ErrTypeMismatch = page.ErrTypeMismatch

	// ErrReadOnly is returned when a write or erase is attempted through
	// a Handle opened with Mode ReadOnly.
	ErrReadOnly = errors.New("nvs: handle is read-only")

	// ErrInvalidName is returned when a namespace or key fails length or
	// character validation.
	ErrInvalidName = storage.ErrInvalidName

	// ErrInvalidLength is returned when a caller-supplied buffer is too
	// small to hold a variable-length value; the required length is
	// still returned to the caller.
	ErrInvalidLength = errors.New("nvs: buffer too small")

	// ErrNotEnoughSpace is returned when compaction could not free
	// capacity for a write.
	ErrNotEnoughSpace = storage.ErrNotEnoughSpace

	// ErrInvalidState is returned when a page or header could not be
	// parsed; recoverable instances are fixed internally during Init and
	// never reach the caller under this sentinel.
	ErrInvalidState = page.ErrInvalidState

	// ErrRemoveFailed is returned when a new value was written
	// successfully but erasing its prior copy failed. The new value is
	// nonetheless live under the key.
	ErrRemoveFailed = storage.ErrRemoveFailed

	// ErrFlashOpFail is returned verbatim from the underlying driver.
	ErrFlashOpFail = flash.ErrFlashOpFail
)

// store is the process-wide singleton created by InitCustom and torn down
// by Deinit. Every Handle method takes storeMu for its entire duration,
// mirroring the teacher's own reliance on a coarse mutex per component
// rather than lock-free structures for anything touching durable state.
var (
	storeMu sync.Mutex
	store   *storage.Storage
	cfg     *config.Config
	sLog    log.Logger
	sStats  stats.Collector
	sTel    telemetry.Telemetry
)

// InitCustom creates the process-wide store over [startSector,
// startSector+sectorCount) of driver and must precede any Open. Calling it
// again before Deinit replaces the existing store.
func InitCustom(ctx context.Context, driver flash.Driver, startSector, sectorCount uint32) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	c := config.NewDefaultConfig(startSector, sectorCount)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("nvs: InitCustom: %w", err)
	}

	l := log.Default()
	sc := stats.NewAtomicCollector()
	tel := telemetry.NewNoop()

	s := storage.New(driver, startSector, sectorCount,
		storage.WithLogger(l),
		storage.WithStats(sc),
		storage.WithTelemetry(tel),
	)
	if err := s.Init(ctx); err != nil {
		return fmt.Errorf("nvs: InitCustom: %w", err)
	}

	cfg, sLog, sStats, sTel, store = c, l, sc, tel, s
	sLog.Info("nvs: initialized start_sector=%d sector_count=%d", startSector, sectorCount)
	return nil
}

// Deinit tears down the process-wide store. Open Handles become unusable;
// calling InitCustom again creates a fresh store.
func Deinit() {
	storeMu.Lock()
	defer storeMu.Unlock()
	if sTel != nil {
		_ = sTel.Shutdown(context.Background())
	}
	store, cfg, sLog, sStats, sTel = nil, nil, nil, nil, nil
}

// Handle binds a namespace name and access mode to the process-wide store.
// Multiple Handles opened on the same namespace share the same underlying
// state: they all delegate to the same Storage instance.
type Handle struct {
	ns   uint8
	name string
	mode Mode
}

// Open resolves or creates namespace and returns a Handle bound to it.
// ReadOnly handles never create a missing namespace.
func Open(ctx context.Context, namespace string, mode Mode) (*Handle, error) {
	storeMu.Lock()
	defer storeMu.Unlock()
	if store == nil {
		return nil, ErrNotInitialized
	}

	ns, err := store.CreateOrOpenNamespace(ctx, namespace, mode == ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("nvs: Open %q: %w", namespace, err)
	}

	if sStats != nil {
		sStats.TrackOperation(stats.OpOpenNamespace)
	}
	return &Handle{ns: ns, name: namespace, mode: mode}, nil
}

// Close releases the Handle. The underlying namespace and its data are
// unaffected; Close exists so Handle satisfies the same open/close
// lifecycle shape as the rest of the ambient stack.
func (h *Handle) Close() error {
	return nil
}

// Namespace returns the name this Handle was opened against.
func (h *Handle) Namespace() string {
	return h.name
}

func (h *Handle) checkWritable() error {
	if h.mode != ReadWrite {
		return ErrReadOnly
	}
	return nil
}

func setItem(ctx context.Context, h *Handle, typ item.DataType, key string, payload [8]byte, data []byte, span uint8) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	if err := item.ValidateKey(key); err != nil {
		return fmt.Errorf("nvs: Set %s/%q: %w", h.name, key, ErrInvalidName)
	}

	storeMu.Lock()
	defer storeMu.Unlock()
	if store == nil {
		return ErrNotInitialized
	}

	start := time.Now()
	err := store.WriteItem(ctx, h.ns, typ, key, payload, data, span)
	if sStats != nil {
		sStats.TrackOperationWithLatency(stats.OpSet, uint64(time.Since(start).Nanoseconds()))
	}
	if err != nil {
		return fmt.Errorf("nvs: Set %s/%q: %w", h.name, key, err)
	}
	return nil
}

func getItem(ctx context.Context, h *Handle, typ item.DataType, key string) (item.Header, []byte, error) {
	storeMu.Lock()
	defer storeMu.Unlock()
	if store == nil {
		return item.Header{}, nil, ErrNotInitialized
	}

	start := time.Now()
	hdr, data, err := store.ReadItem(ctx, h.ns, typ, key)
	if sStats != nil {
		sStats.TrackOperationWithLatency(stats.OpGet, uint64(time.Since(start).Nanoseconds()))
	}
	if err != nil {
		return item.Header{}, nil, fmt.Errorf("nvs: Get %s/%q: %w", h.name, key, err)
	}
	return hdr, data, nil
}

// EraseKey removes key from the Handle's namespace, regardless of the type
// it was stored as. Erasing an absent key returns ErrNotFound, including on
// a second call following a successful erase.
func (h *Handle) EraseKey(ctx context.Context, key string) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	storeMu.Lock()
	defer storeMu.Unlock()
	if store == nil {
		return ErrNotInitialized
	}
	if err := store.EraseKey(ctx, h.ns, key); err != nil {
		return fmt.Errorf("nvs: EraseKey %s/%q: %w", h.name, key, err)
	}
	return nil
}

// EraseNamespace erases every key in the Handle's namespace. The namespace
// registry entry itself is kept so namespace indexes stay stable.
func (h *Handle) EraseNamespace(ctx context.Context) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	storeMu.Lock()
	defer storeMu.Unlock()
	if store == nil {
		return ErrNotInitialized
	}
	if err := store.EraseNamespace(ctx, h.ns); err != nil {
		return fmt.Errorf("nvs: EraseNamespace %s: %w", h.name, err)
	}
	return nil
}
