package registry_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
	"github.com/stocklot/upl-registry/internal/registry"
	"github.com/stocklot/upl-registry/internal/store"
	"github.com/stocklot/upl-registry/internal/uplid"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return registry.New(store.NewMemoryStore(), log)
}

// seedUpl inserts one UPL; divisible SKUs get 1000 subunits, net 1000,
// procurement 600.
func seedUpl(t *testing.T, reg *registry.Registry, id string, sku, pieces uint32, divisible bool) *model.Upl {
	t.Helper()
	in := model.NewUplInput{
		ID:                     id,
		ProductID:              1,
		ProductUnit:            "db",
		Sku:                    sku,
		Piece:                  pieces,
		SkuNetPrice:            100,
		VAT:                    model.VAT27,
		ProcurementID:          1,
		ProcurementNetPriceSku: 60,
		Location:               model.StockLocation("1"),
		CreatedBy:              1,
	}
	if divisible {
		in.SkuDivisible = true
		in.SkuDivisibleAmount = 1000
		in.SkuNetPrice = 1000
		in.ProcurementNetPriceSku = 600
	}
	u, err := model.NewUpl(in)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(context.Background(), u))
	return u
}

func TestInsertAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	seedUpl(t, reg, "119", 42, 1, false)

	u, err := reg.Get("119")
	require.NoError(t, err)
	require.Equal(t, "119", u.ID)
	require.Equal(t, model.KindSku, u.Kind.Tag)

	// Returned copy does not leak registry state.
	u.ProductUnit = "kg"
	again, err := reg.Get("119")
	require.NoError(t, err)
	require.Equal(t, "db", again.ProductUnit)

	_, err = reg.Get("228")
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	dup, err := model.NewUpl(model.NewUplInput{
		ID: "119", Sku: 42, Piece: 1, SkuNetPrice: 100, VAT: model.VAT27,
		Location: model.StockLocation("1"),
	})
	require.NoError(t, err)
	require.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(reg.Insert(ctx, dup)))
}

func TestUpdateReturnsPostState(t *testing.T) {
	reg := newTestRegistry(t)
	seedUpl(t, reg, "119", 42, 1, false)

	u, err := reg.Update(context.Background(), "119", func(u *model.Upl) error {
		return u.SetLock(model.CartLock("c1"), 1)
	})
	require.NoError(t, err)
	require.Equal(t, model.CartLock("c1"), u.Lock)

	// A failed transition leaves the stored state untouched.
	_, err = reg.Update(context.Background(), "119", func(u *model.Upl) error {
		return u.SetLock(model.CartLock("c2"), 1)
	})
	require.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))

	cur, err := reg.Get("119")
	require.NoError(t, err)
	require.Equal(t, model.CartLock("c1"), cur.Lock)
}

func TestSplitInsertsChild(t *testing.T) {
	reg := newTestRegistry(t)
	seedUpl(t, reg, "119", 42, 5, false)

	parent, child, err := reg.Split(context.Background(), "119", "228", 2, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(3), parent.Kind.Pieces)
	require.Equal(t, model.KindBulkSku, child.Kind.Tag)
	require.Equal(t, uint32(2), child.Kind.Pieces)

	got, err := reg.Get("228")
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Kind.Pieces)

	// Colliding child id fails and the parent keeps its pieces.
	_, _, err = reg.Split(context.Background(), "119", "228", 1, 1)
	require.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
	cur, err := reg.Get("119")
	require.NoError(t, err)
	require.Equal(t, uint32(3), cur.Kind.Pieces)
}

func TestSplitBulk(t *testing.T) {
	reg := newTestRegistry(t)
	seedUpl(t, reg, "119", 42, 5, false)

	parent, children, err := reg.SplitBulk(context.Background(), "119", []string{"228", "337"}, 1)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, uint32(3), parent.Kind.Pieces)
	for _, ch := range children {
		_, err := reg.Get(ch.ID)
		require.NoError(t, err)
	}
}

func TestDivideAndMergeBack(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "317587", 7, 1, true)

	_, err := reg.Update(ctx, "317587", func(u *model.Upl) error { return u.Open() })
	require.NoError(t, err)

	parent, child, err := reg.Divide(ctx, "317587", "446", 250, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(750), parent.Kind.Remaining)
	require.Equal(t, uint32(250), child.Kind.Amount)
	require.Equal(t, "317587", child.Kind.ParentUPL)

	merged, err := reg.MergeBack(ctx, "446", 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1000), merged.Kind.Remaining)
	require.Empty(t, merged.Kind.Successors)

	_, err = reg.Get("446")
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	// Merging a non-derived UPL is rejected.
	_, err = reg.MergeBack(ctx, "317587", 1)
	require.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))
}

func TestCloseCart(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a := seedUpl(t, reg, "119", 42, 1, false)
	b := seedUpl(t, reg, "228", 42, 1, false)
	seedUpl(t, reg, "337", 42, 1, false) // untouched bystander

	for _, id := range []string{a.ID, b.ID} {
		_, err := reg.Update(ctx, id, func(u *model.Upl) error {
			return u.SetLock(model.CartLock("c1"), 1)
		})
		require.NoError(t, err)
	}

	closed, err := reg.CloseCart(ctx, "c1", 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"119", "228"}, closed)

	for _, id := range []string{"119", "228"} {
		_, err := reg.Get(id)
		require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err), "upl %s still active", id)

		arch, err := reg.GetArchived(id)
		require.NoError(t, err)
		require.Equal(t, model.CartLocation("c1"), arch.Location)
		require.True(t, arch.Lock.IsNone())
	}

	// Bystander untouched, collections disjoint.
	_, err = reg.Get("337")
	require.NoError(t, err)
	_, err = reg.GetArchived("337")
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	active, archived := reg.Counts()
	require.Equal(t, 1, active)
	require.Equal(t, 2, archived)
}

func TestCloseInventory(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)
	seedUpl(t, reg, "228", 42, 1, false)

	_, err := reg.Update(ctx, "119", func(u *model.Upl) error {
		return u.SetLock(model.InventoryLock("i1"), 1)
	})
	require.NoError(t, err)

	unlocked, err := reg.CloseInventory(ctx, "i1", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"119"}, unlocked)

	u, err := reg.Get("119")
	require.NoError(t, err)
	require.True(t, u.Lock.IsNone())
	require.Equal(t, model.StockLocation("1"), u.Location)
}

func TestCloseInventoryWaitsForInFlightUpdate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)

	_, err := reg.Update(ctx, "119", func(u *model.Upl) error {
		return u.SetLock(model.InventoryLock("i1"), 1)
	})
	require.NoError(t, err)

	// Kick off the close from inside an in-flight update on the same id:
	// the close must wait for the update's per-id guard, not commit in the
	// window between its clone and its publish, where the republished
	// clone would silently undo the forced unlock.
	type closeResult struct {
		ids []string
		err error
	}
	done := make(chan closeResult, 1)
	_, err = reg.Update(ctx, "119", func(u *model.Upl) error {
		go func() {
			ids, err := reg.CloseInventory(ctx, "i1", 2)
			done <- closeResult{ids: ids, err: err}
		}()
		time.Sleep(50 * time.Millisecond)
		u.SetProductUnit("kg", 1)
		return nil
	})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []string{"119"}, res.ids)

	u, err := reg.Get("119")
	require.NoError(t, err)
	require.True(t, u.Lock.IsNone(), "forced unlock lost to a stale republish")
	require.Equal(t, "kg", u.ProductUnit, "in-flight update lost to the close")
}

func TestCloseCartWaitsForInFlightUpdate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)

	_, err := reg.Update(ctx, "119", func(u *model.Upl) error {
		return u.SetLock(model.CartLock("c1"), 1)
	})
	require.NoError(t, err)

	type closeResult struct {
		ids []string
		err error
	}
	done := make(chan closeResult, 1)
	_, err = reg.Update(ctx, "119", func(u *model.Upl) error {
		go func() {
			ids, err := reg.CloseCart(ctx, "c1", 2)
			done <- closeResult{ids: ids, err: err}
		}()
		time.Sleep(50 * time.Millisecond)
		u.SetProductUnit("kg", 1)
		return nil
	})
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []string{"119"}, res.ids)

	// The close ran after the update committed: nothing of 119 survives in
	// active, and the archived snapshot holds the update's change.
	_, err = reg.Get("119")
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	arch, err := reg.GetArchived("119")
	require.NoError(t, err)
	require.Equal(t, model.CartLocation("c1"), arch.Location)
	require.True(t, arch.Lock.IsNone())
	require.Equal(t, "kg", arch.ProductUnit)
}

func TestRestore(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)

	_, err := reg.Update(ctx, "119", func(u *model.Upl) error {
		return u.SetLock(model.CartLock("c1"), 1)
	})
	require.NoError(t, err)
	_, err = reg.CloseCart(ctx, "c1", 1)
	require.NoError(t, err)

	// Returned goods come back under a fresh inventory lock.
	u, err := reg.Restore(ctx, "119", model.InventoryLock("i9"), 2)
	require.NoError(t, err)
	require.Equal(t, model.InventoryLock("i9"), u.Lock)

	_, err = reg.GetArchived("119")
	require.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	cur, err := reg.Get("119")
	require.NoError(t, err)
	require.Equal(t, model.InventoryLock("i9"), cur.Lock)

	// Restoring without a usable lock kind is rejected.
	_, err = reg.Restore(ctx, "119", model.NoLock(), 2)
	require.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))
}

func TestSetSkuPrice(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)
	seedUpl(t, reg, "228", 42, 3, false)
	seedUpl(t, reg, "337", 99, 1, false)

	updated, err := reg.SetSkuPrice(ctx, 42, 200, model.VAT18, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"119", "228"}, updated)

	for _, id := range []string{"119", "228"} {
		u, err := reg.Get(id)
		require.NoError(t, err)
		require.Equal(t, uint32(200), u.PriceNet)
		require.Equal(t, uint32(236), u.PriceGross)
	}
	other, err := reg.Get("337")
	require.NoError(t, err)
	require.Equal(t, uint32(100), other.PriceNet)
}

func TestSetSkuDivisible(t *testing.T) {
	reg := newTestRegistry(t)
	seedUpl(t, reg, "119", 42, 1, false)

	updated, err := reg.SetSkuDivisible(context.Background(), 42, true)
	require.NoError(t, err)
	require.Equal(t, []string{"119"}, updated)

	u, err := reg.Get("119")
	require.NoError(t, err)
	require.True(t, u.SkuDivisible)
}

func TestScans(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "119", 42, 1, false)
	seedUpl(t, reg, "228", 42, 1, false)
	seedUpl(t, reg, "337", 7, 1, false)

	_, err := reg.Update(ctx, "228", func(u *model.Upl) error {
		return u.MoveUpl(model.DeliveryLocation("d1"), 1)
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"119", "228"}, reg.IDsBySku(42))
	require.ElementsMatch(t, []string{"119"}, reg.IDsBySkuAndLocation(42, model.StockLocation("1")))
	require.ElementsMatch(t, []string{"228"}, reg.IDsByLocation(model.DeliveryLocation("d1")))
	require.Empty(t, reg.IDsBySku(1000))
}

func TestLocationInfo(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedUpl(t, reg, "119", 42, 5, false) // bulk of 5 at stock 1
	seedUpl(t, reg, "228", 42, 1, false)
	seedUpl(t, reg, "337", 42, 1, false)

	// 337 is locked, so it counts towards total but not healthy.
	_, err := reg.Update(ctx, "337", func(u *model.Upl) error {
		return u.SetLock(model.CartLock("c1"), 1)
	})
	require.NoError(t, err)

	info := reg.LocationInfo(42, now)
	require.Len(t, info, 1)
	require.Equal(t, uint32(7), info["1"].Total)
	require.Equal(t, uint32(6), info["1"].Healthy)

	bulk := reg.LocationInfoBulk([]uint32{42, 99}, now)
	require.Equal(t, uint32(7), bulk[42]["1"].Total)
	require.Empty(t, bulk[99])
}

func TestConcurrentDivide(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seedUpl(t, reg, "317587", 7, 1, true)
	_, err := reg.Update(ctx, "317587", func(u *model.Upl) error { return u.Open() })
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			_, _, err := reg.Divide(ctx, "317587", uplid.NewFromUint(n), 10, 1)
			errs <- err
		}(uint64(1000 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	u, err := reg.Get("317587")
	require.NoError(t, err)
	require.Equal(t, uint32(1000-workers*10), u.Kind.Remaining)
	require.Len(t, u.Kind.Successors, workers)

	active, _ := reg.Counts()
	require.Equal(t, 1+workers, active)
}

func TestLoadFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := registry.New(st, log)
	require.NoError(t, first.Load(context.Background()))
	u, err := model.NewUpl(model.NewUplInput{
		ID: "119", Sku: 42, Piece: 1, SkuNetPrice: 100, VAT: model.VAT27,
		Location: model.StockLocation("1"),
	})
	require.NoError(t, err)
	require.NoError(t, first.Insert(context.Background(), u))

	// A second registry over the same store sees the flushed state.
	second := registry.New(st, log)
	require.NoError(t, second.Load(context.Background()))
	got, err := second.Get("119")
	require.NoError(t, err)
	require.Equal(t, uint32(42), got.GetSku())
}
