package nvs

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/page"
)

func newTestStore(t *testing.T, sectors uint32) {
	t.Helper()
	e := flash.NewEmulator(sectors, page.SectorSize)
	if err := InitCustom(context.Background(), e, 0, sectors); err != nil {
		t.Fatalf("InitCustom: %v", err)
	}
	t.Cleanup(Deinit)
}

func TestOpenBeforeInitFails(t *testing.T) {
	Deinit()
	if _, err := Open(context.Background(), "cfg", ReadWrite); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSetGetU32RoundTrip(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.SetU32(ctx, "boot_count", 42); err != nil {
		t.Fatalf("SetU32: %v", err)
	}
	got, err := h.GetU32(ctx, "boot_count")
	if err != nil {
		t.Fatalf("GetU32: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestGetWrongTypeReturnsTypeMismatch(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.SetU32(ctx, "boot_count", 42); err != nil {
		t.Fatalf("SetU32: %v", err)
	}
	if _, err := h.GetU8(ctx, "boot_count"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.GetU32(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadOnlyHandleRejectsWrites(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	// Namespace must already exist, since a read-only handle never creates
	// one.
	rw, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open rw: %v", err)
	}
	if err := rw.SetU8(ctx, "seed", 1); err != nil {
		t.Fatalf("SetU8: %v", err)
	}

	ro, err := Open(ctx, "cfg", ReadOnly)
	if err != nil {
		t.Fatalf("Open ro: %v", err)
	}
	if err := ro.SetU8(ctx, "seed", 2); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	got, err := ro.GetU8(ctx, "seed")
	if err != nil {
		t.Fatalf("GetU8 via read-only handle: %v", err)
	}
	if got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestStringRoundTripAndUndersizedBuffer(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const want = "the quick brown fox"
	const wantStoredLen = len(want) + 1 // trailing NUL included, per the SZ encoding
	if err := h.SetString(ctx, "name", want); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	small := make([]byte, 3)
	n, err := h.GetString(ctx, "name", small)
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if n != wantStoredLen {
		t.Errorf("got required length %d, want %d", n, wantStoredLen)
	}

	buf := make([]byte, wantStoredLen)
	n, err = h.GetString(ctx, "name", buf)
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if n != wantStoredLen {
		t.Errorf("got length %d, want %d", n, wantStoredLen)
	}
	if string(buf[:n-1]) != want || buf[n-1] != 0 {
		t.Errorf("got %q (last byte %#x), want %q followed by a NUL", buf[:n-1], buf[n-1], want)
	}
}

func TestBlobTooLargeForSinglePageRejected(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	oversized := strings.Repeat("x", MaxBlobSize+1)
	if err := h.SetBlob(ctx, "huge", []byte(oversized)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestEraseKeyIsIdempotentlyNotFound(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.SetU16(ctx, "flag", 1); err != nil {
		t.Fatalf("SetU16: %v", err)
	}
	if err := h.EraseKey(ctx, "flag"); err != nil {
		t.Fatalf("EraseKey: %v", err)
	}
	if err := h.EraseKey(ctx, "flag"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second erase, got %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	a, err := Open(ctx, "ns-a", ReadWrite)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := Open(ctx, "ns-b", ReadWrite)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	if err := a.SetU8(ctx, "k", 1); err != nil {
		t.Fatalf("SetU8 a: %v", err)
	}
	if err := b.SetU8(ctx, "k", 2); err != nil {
		t.Fatalf("SetU8 b: %v", err)
	}

	av, err := a.GetU8(ctx, "k")
	if err != nil {
		t.Fatalf("GetU8 a: %v", err)
	}
	bv, err := b.GetU8(ctx, "k")
	if err != nil {
		t.Fatalf("GetU8 b: %v", err)
	}
	if av != 1 || bv != 2 {
		t.Errorf("got a=%d b=%d, want a=1 b=2", av, bv)
	}
}

func TestEraseNamespaceKeepsRegistryEntry(t *testing.T) {
	newTestStore(t, 3)
	ctx := context.Background()

	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.SetU8(ctx, "a", 1); err != nil {
		t.Fatalf("SetU8: %v", err)
	}
	if err := h.SetU8(ctx, "b", 2); err != nil {
		t.Fatalf("SetU8: %v", err)
	}
	if err := h.EraseNamespace(ctx); err != nil {
		t.Fatalf("EraseNamespace: %v", err)
	}
	if _, err := h.GetU8(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after EraseNamespace, got %v", err)
	}

	// Reopening the same namespace name must resolve to the same index
	// rather than allocating a fresh one, since the registry entry itself
	// is never erased.
	h2, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("reopen cfg: %v", err)
	}
	if h2.ns != h.ns {
		t.Errorf("expected reopened namespace index to match, got %d want %d", h2.ns, h.ns)
	}
}

func TestInitRecoversAcrossReopen(t *testing.T) {
	e := flash.NewEmulator(3, page.SectorSize)
	ctx := context.Background()

	if err := InitCustom(ctx, e, 0, 3); err != nil {
		t.Fatalf("InitCustom: %v", err)
	}
	h, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.SetU32(ctx, "boot_count", 7); err != nil {
		t.Fatalf("SetU32: %v", err)
	}
	Deinit()

	if err := InitCustom(ctx, e, 0, 3); err != nil {
		t.Fatalf("re-InitCustom: %v", err)
	}
	t.Cleanup(Deinit)
	h2, err := Open(ctx, "cfg", ReadWrite)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	got, err := h2.GetU32(ctx, "boot_count")
	if err != nil {
		t.Fatalf("GetU32 after reopen: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

// budgetDriver wraps a flash.Driver and fails every Write/EraseSector past
// a fixed count of physical operations, simulating a power loss that cuts
// the flash op log off mid-stream at an arbitrary point.
type budgetDriver struct {
	flash.Driver
	remaining int
}

func (d *budgetDriver) Write(addr uint32, data []byte) error {
	if d.remaining <= 0 {
		return flash.ErrFlashOpFail
	}
	d.remaining--
	return d.Driver.Write(addr, data)
}

func (d *budgetDriver) EraseSector(sectorIndex uint32) error {
	if d.remaining <= 0 {
		return flash.ErrFlashOpFail
	}
	d.remaining--
	return d.Driver.EraseSector(sectorIndex)
}

// fuzzOp is one step of the seeded read/write/erase mix driven against the
// store in TestPowerLossMonkeyRecoversCompletedOperations.
type fuzzOp struct {
	key   string
	erase bool
	value uint32
}

func buildFuzzOps(seed int64, n int) []fuzzOp {
	r := rand.New(rand.NewSource(seed))
	keys := []string{"k0", "k1", "k2", "k3"}
	ops := make([]fuzzOp, n)
	for i := range ops {
		ops[i] = fuzzOp{
			key:   keys[r.Intn(len(keys))],
			erase: r.Intn(4) == 0,
			value: r.Uint32(),
		}
	}
	return ops
}

// TestPowerLossMonkeyRecoversCompletedOperations drives a seeded mix of
// Set/EraseKey calls against a budget-limited driver that aborts after N
// physical flash operations, for every N up to a point well past where the
// whole sequence fits, then re-inits over the same underlying flash and
// confirms every value observed via a completed Set is still reachable (or
// was replaced by a later completed Set), exactly as required of recovery
// from a mid-operation power loss.
func TestPowerLossMonkeyRecoversCompletedOperations(t *testing.T) {
	const numOps = 24
	const maxBudget = 400 // comfortably past what numOps ever needs, budget included
	ops := buildFuzzOps(7, numOps)

	for budget := 1; budget <= maxBudget; budget++ {
		e := flash.NewEmulator(3, page.SectorSize)
		bd := &budgetDriver{Driver: e, remaining: budget}

		committed := make(map[string]uint32)
		erased := make(map[string]bool)

		func() {
			ctx := context.Background()
			if err := InitCustom(ctx, bd, 0, 3); err != nil {
				return // aborted before the store could even attach
			}
			defer Deinit()

			h, err := Open(ctx, "fuzz", ReadWrite)
			if err != nil {
				return // aborted before the namespace could be created
			}

			for _, op := range ops {
				if op.erase {
					if err := h.EraseKey(ctx, op.key); err != nil {
						return
					}
					erased[op.key] = true
					delete(committed, op.key)
					continue
				}
				if err := h.SetU32(ctx, op.key, op.value); err != nil {
					return
				}
				committed[op.key] = op.value
				delete(erased, op.key)
			}
		}()

		// Recover over the same backing flash with no budget limit, the
		// way a real device reboots into an unconstrained driver after a
		// power-loss reset.
		ctx := context.Background()
		if err := InitCustom(ctx, e, 0, 3); err != nil {
			t.Fatalf("budget=%d: re-InitCustom after simulated power loss: %v", budget, err)
		}
		h, err := Open(ctx, "fuzz", ReadWrite)
		if err != nil {
			Deinit()
			t.Fatalf("budget=%d: re-Open after simulated power loss: %v", budget, err)
		}

		for key, want := range committed {
			got, err := h.GetU32(ctx, key)
			if err != nil {
				t.Errorf("budget=%d: key %q: expected committed value %d to survive recovery, got error %v",
					budget, key, want, err)
				continue
			}
			if got != want {
				t.Errorf("budget=%d: key %q: got %d, want %d", budget, key, got, want)
			}
		}
		for key := range erased {
			if _, err := h.GetU32(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Errorf("budget=%d: key %q: expected ErrNotFound for a completed erase, got %v", budget, key, err)
			}
		}

		Deinit()
	}
}
