// Package registry holds the process-wide UPL collections — active and
// archive — and enforces the concurrency contract around them: per-id
// exclusive writers, deterministic lock ordering for multi-id transitions,
// and shared-lock full scans. Every committed mutation is flushed to the
// document store before the operation returns; a store failure rolls the
// in-memory entry back.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
	"github.com/stocklot/upl-registry/internal/store"
)

// StockInfo aggregates stock counts for one stock location.
type StockInfo struct {
	Total   uint32 `json:"total"`
	Healthy uint32 `json:"healthy"`
}

// Registry is the authoritative in-memory view over both collections.
//
// Locking protocol: writers — single-id and bulk alike — first take the
// keyed guard of every id they mutate (total order, see keyedMutex), read
// the current entries under mu.RLock, apply the transition on private
// clones, then take mu.Lock to flush to the store and republish the
// pointers. Readers and scans only take mu.RLock. Holding the keyed guard
// over the whole clone-to-publish span is what keeps one writer from
// republishing a stale clone over another's commit; the membership
// re-checks under mu.Lock enforce active/archive disjointness on top.
type Registry struct {
	log *slog.Logger
	st  store.Store

	keyed keyedMutex

	mu      sync.RWMutex
	active  map[string]*model.Upl
	archive map[string]*model.Upl
}

// New creates an empty registry backed by st.
func New(st store.Store, log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		st:      st,
		active:  make(map[string]*model.Upl),
		archive: make(map[string]*model.Upl),
	}
}

// Load populates both collections from the store. Called once at startup;
// the caller treats an error as fatal.
func (r *Registry) Load(ctx context.Context) error {
	active, err := r.st.LoadAll(ctx, store.CollectionActive)
	if err != nil {
		return err
	}
	archived, err := r.st.LoadAll(ctx, store.CollectionArchive)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range active {
		r.active[u.ID] = u
	}
	for _, u := range archived {
		r.archive[u.ID] = u
	}
	return nil
}

// Counts returns the current collection sizes.
func (r *Registry) Counts() (active, archived int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), len(r.archive)
}

// Get returns a copy of an active UPL.
func (r *Registry) Get(id string) (*model.Upl, error) {
	r.mu.RLock()
	u, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("UPL %s not found", id)
	}
	return u.Clone(), nil
}

// GetArchived returns a copy of an archived UPL.
func (r *Registry) GetArchived(id string) (*model.Upl, error) {
	r.mu.RLock()
	u, ok := r.archive[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("UPL %s not found in archive", id)
	}
	return u.Clone(), nil
}

// Insert adds a freshly created UPL to the active collection. The id must
// not be present in either collection.
func (r *Registry) Insert(ctx context.Context, u *model.Upl) error {
	unlock := r.keyed.lock(u.ID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[u.ID]; ok {
		return apperr.AlreadyExists("UPL %s already exists", u.ID)
	}
	if _, ok := r.archive[u.ID]; ok {
		return apperr.AlreadyExists("UPL %s already exists in archive", u.ID)
	}
	if err := r.st.Insert(ctx, store.CollectionActive, u); err != nil {
		return err
	}
	r.active[u.ID] = u
	return nil
}

// Update applies fn to a private clone of the active UPL id and, when fn
// succeeds, flushes and republishes it. The returned UPL is the post-state
// taken from inside the critical section.
func (r *Registry) Update(ctx context.Context, id string, fn func(*model.Upl) error) (*model.Upl, error) {
	unlock := r.keyed.lock(id)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("UPL %s not found", id)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		return nil, apperr.NotFound("UPL %s not found", id)
	}
	if err := r.st.Update(ctx, store.CollectionActive, next); err != nil {
		return nil, err
	}
	r.active[id] = next
	return next.Clone(), nil
}

// Split carves piece units out of bulk id into a new UPL newID and inserts
// the child. Returns the post-state of the parent and the child.
func (r *Registry) Split(ctx context.Context, id, newID string, piece, by uint32) (parent, child *model.Upl, err error) {
	unlock := r.keyed.lockAll(id, newID)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, apperr.NotFound("UPL %s not found", id)
	}

	next := cur.Clone()
	ch, err := next.Split(newID, piece, by)
	if err != nil {
		return nil, nil, err
	}
	if err := r.publishChild(ctx, id, next, ch); err != nil {
		return nil, nil, err
	}
	return next.Clone(), ch.Clone(), nil
}

// SplitBulk splits one single-unit child per new id out of bulk id.
func (r *Registry) SplitBulk(ctx context.Context, id string, newIDs []string, by uint32) (parent *model.Upl, children []*model.Upl, err error) {
	ids := append([]string{id}, newIDs...)
	unlock := r.keyed.lockAll(ids...)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, apperr.NotFound("UPL %s not found", id)
	}

	next := cur.Clone()
	chs, err := next.SplitBulk(newIDs, by)
	if err != nil {
		return nil, nil, err
	}
	if err := r.publishChild(ctx, id, next, chs...); err != nil {
		return nil, nil, err
	}
	out := make([]*model.Upl, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.Clone())
	}
	return next.Clone(), out, nil
}

// Divide portions amount subunits out of opened UPL id into the new derived
// UPL newID and inserts the child.
func (r *Registry) Divide(ctx context.Context, id, newID string, amount, by uint32) (parent, child *model.Upl, err error) {
	unlock := r.keyed.lockAll(id, newID)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, apperr.NotFound("UPL %s not found", id)
	}

	next := cur.Clone()
	ch, err := next.Divide(newID, amount, by)
	if err != nil {
		return nil, nil, err
	}
	if err := r.publishChild(ctx, id, next, ch); err != nil {
		return nil, nil, err
	}
	return next.Clone(), ch.Clone(), nil
}

// publishChild commits a parent update together with newly created children.
// Caller holds the keyed guards of every involved id.
func (r *Registry) publishChild(ctx context.Context, parentID string, parent *model.Upl, children ...*model.Upl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[parentID]; !ok {
		return apperr.NotFound("UPL %s not found", parentID)
	}
	for _, ch := range children {
		if _, ok := r.active[ch.ID]; ok {
			return apperr.AlreadyExists("UPL %s already exists", ch.ID)
		}
		if _, ok := r.archive[ch.ID]; ok {
			return apperr.AlreadyExists("UPL %s already exists in archive", ch.ID)
		}
	}

	inserted := make([]string, 0, len(children))
	rollback := func() {
		for _, cid := range inserted {
			if err := r.st.Remove(ctx, store.CollectionActive, cid); err != nil {
				r.log.Error("rollback: removing child document", "upl", cid, "error", err)
			}
		}
	}
	for _, ch := range children {
		if err := r.st.Insert(ctx, store.CollectionActive, ch); err != nil {
			rollback()
			return err
		}
		inserted = append(inserted, ch.ID)
	}
	if err := r.st.Update(ctx, store.CollectionActive, parent); err != nil {
		rollback()
		return err
	}

	r.active[parentID] = parent
	for _, ch := range children {
		r.active[ch.ID] = ch
	}
	return nil
}

// MergeBack merges derived UPL childID back into its opened parent and
// destroys the child. Returns the post-state of the parent.
func (r *Registry) MergeBack(ctx context.Context, childID string, by uint32) (*model.Upl, error) {
	r.mu.RLock()
	childCur, ok := r.active[childID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("UPL %s not found", childID)
	}
	if childCur.Kind.Tag != model.KindDerivedProduct {
		return nil, apperr.BadRequest("UPL %s is not a derived product, cannot merge back", childID)
	}
	parentID := childCur.Kind.ParentUPL

	unlock := r.keyed.lockAll(childID, parentID)
	defer unlock()

	// Re-read both under the guards.
	r.mu.RLock()
	child, childOK := r.active[childID]
	parentCur, parentOK := r.active[parentID]
	r.mu.RUnlock()
	if !childOK {
		return nil, apperr.NotFound("UPL %s not found", childID)
	}
	if !parentOK {
		return nil, apperr.NotFound("parent UPL %s not found", parentID)
	}

	parent := parentCur.Clone()
	if err := parent.Merge(child, by); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[childID]; !ok {
		return nil, apperr.NotFound("UPL %s not found", childID)
	}
	if _, ok := r.active[parentID]; !ok {
		return nil, apperr.NotFound("parent UPL %s not found", parentID)
	}
	if err := r.st.Update(ctx, store.CollectionActive, parent); err != nil {
		return nil, err
	}
	if err := r.st.Remove(ctx, store.CollectionActive, childID); err != nil {
		r.log.Error("removing merged child document", "upl", childID, "error", err)
	}
	r.active[parentID] = parent
	delete(r.active, childID)
	return parent.Clone(), nil
}

// CloseCart closes out a cart: every UPL locked to the cart moves into the
// cart location (consuming the lock), then everything at that location is
// moved from active to archive. The matching ids are collected first and
// their keyed guards acquired, so an in-flight single-id writer finishes
// (or waits) before the close touches its entry; both passes then run under
// the exclusive collection lock, atomic with respect to every other
// registry operation. Returns the archived ids.
func (r *Registry) CloseCart(ctx context.Context, cartID string, by uint32) ([]string, error) {
	target := model.CartLocation(cartID)
	cartLock := model.CartLock(cartID)

	ids := r.scanIDs(func(u *model.Upl) bool {
		return u.Lock == cartLock || u.Location == target
	})
	unlock := r.keyed.lockAll(ids...)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		u, ok := r.active[id]
		if !ok || u.Lock != cartLock {
			continue
		}
		next := u.Clone()
		if err := next.MoveUpl(target, by); err != nil {
			r.log.Error("close-cart: moving locked UPL", "upl", id, "cart", cartID, "error", err)
			continue
		}
		if err := r.st.Update(ctx, store.CollectionActive, next); err != nil {
			r.log.Error("close-cart: flushing moved UPL", "upl", id, "cart", cartID, "error", err)
			continue
		}
		r.active[id] = next
	}

	var closed []string
	for _, id := range ids {
		u, ok := r.active[id]
		if !ok || u.Location != target {
			continue
		}
		if err := r.st.Insert(ctx, store.CollectionArchive, u); err != nil {
			if apperr.CodeOf(err) != apperr.CodeAlreadyExists {
				r.log.Error("close-cart: archiving UPL", "upl", id, "cart", cartID, "error", err)
				continue
			}
		}
		if err := r.st.Remove(ctx, store.CollectionActive, id); err != nil {
			r.log.Error("close-cart: removing active document", "upl", id, "cart", cartID, "error", err)
		}
		r.archive[id] = u
		delete(r.active, id)
		closed = append(closed, id)
	}
	return closed, nil
}

// CloseInventory releases every Inventory(inventoryID) lock. Like
// CloseCart, it holds the keyed guards of every id it touches across the
// commit. Returns the ids that were unlocked.
func (r *Registry) CloseInventory(ctx context.Context, inventoryID string, by uint32) ([]string, error) {
	invLock := model.InventoryLock(inventoryID)

	ids := r.scanIDs(func(u *model.Upl) bool { return u.Lock == invLock })
	unlock := r.keyed.lockAll(ids...)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var unlocked []string
	for _, id := range ids {
		u, ok := r.active[id]
		if !ok || u.Lock != invLock {
			continue
		}
		next := u.Clone()
		next.UnlockForced(by)
		if err := r.st.Update(ctx, store.CollectionActive, next); err != nil {
			r.log.Error("close-inventory: flushing UPL", "upl", id, "inventory", inventoryID, "error", err)
			continue
		}
		r.active[id] = next
		unlocked = append(unlocked, id)
	}
	return unlocked, nil
}

// SetSkuPrice reprices every active UPL of the SKU. Per-id failures are
// logged and skipped; the returned ids are the successfully repriced ones.
func (r *Registry) SetSkuPrice(ctx context.Context, sku, net uint32, vat model.VAT, by uint32) ([]string, error) {
	ids := r.IDsBySku(sku)
	updated := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := r.Update(ctx, id, func(u *model.Upl) error {
			if u.GetSku() != sku {
				return apperr.BadRequest("UPL %s no longer belongs to SKU %d", id, sku)
			}
			u.SetPrice(net, vat, by)
			return nil
		}); err != nil {
			r.log.Error("set-sku-price: updating UPL", "upl", id, "sku", sku, "error", err)
			continue
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// SetSkuDivisible flips the divisibility flag on every active UPL of the SKU.
func (r *Registry) SetSkuDivisible(ctx context.Context, sku uint32, divisible bool) ([]string, error) {
	ids := r.IDsBySku(sku)
	updated := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := r.Update(ctx, id, func(u *model.Upl) error {
			if u.GetSku() != sku {
				return apperr.BadRequest("UPL %s no longer belongs to SKU %d", id, sku)
			}
			u.SetDivisible(divisible)
			return nil
		}); err != nil {
			r.log.Error("set-sku-divisible: updating UPL", "upl", id, "sku", sku, "error", err)
			continue
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// Restore moves an archived UPL back to the active collection under a fresh
// Cart or Inventory lock.
func (r *Registry) Restore(ctx context.Context, id string, lock model.Lock, by uint32) (*model.Upl, error) {
	if lock.Kind != model.LockCart && lock.Kind != model.LockInventory {
		return nil, apperr.BadRequest("a restored UPL must be locked to a cart or an inventory")
	}

	unlock := r.keyed.lock(id)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.archive[id]
	if !ok {
		return nil, apperr.NotFound("UPL %s not found in archive", id)
	}
	if _, ok := r.active[id]; ok {
		return nil, apperr.AlreadyExists("UPL %s already active", id)
	}

	// Archived snapshots carry no lock (close-cart consumes it); a residual
	// lock is an anomaly and SetLock rejects it rather than papering over.
	next := cur.Clone()
	if err := next.SetLock(lock, by); err != nil {
		return nil, err
	}
	if err := r.st.Insert(ctx, store.CollectionActive, next); err != nil {
		return nil, err
	}
	if err := r.st.Remove(ctx, store.CollectionArchive, id); err != nil {
		r.log.Error("restore: removing archive document", "upl", id, "error", err)
	}
	r.active[id] = next
	delete(r.archive, id)
	return next.Clone(), nil
}

// IDsBySku returns the ids of every active UPL belonging to the SKU.
func (r *Registry) IDsBySku(sku uint32) []string {
	return r.scanIDs(func(u *model.Upl) bool { return u.GetSku() == sku })
}

// IDsBySkuAndLocation returns the active ids of a SKU at one location.
func (r *Registry) IDsBySkuAndLocation(sku uint32, loc model.Location) []string {
	return r.scanIDs(func(u *model.Upl) bool { return u.GetSku() == sku && u.Location == loc })
}

// IDsByLocation returns the active ids at one location.
func (r *Registry) IDsByLocation(loc model.Location) []string {
	return r.scanIDs(func(u *model.Upl) bool { return u.Location == loc })
}

func (r *Registry) scanIDs(pred func(*model.Upl) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, u := range r.active {
		if pred(u) {
			ids = append(ids, id)
		}
	}
	return ids
}

// LocationInfo aggregates, per stock location, the total and healthy piece
// counts of one SKU across the active collection.
func (r *Registry) LocationInfo(sku uint32, now time.Time) map[string]*StockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locationInfoLocked(sku, now)
}

// LocationInfoBulk aggregates location info for several SKUs in one scan.
func (r *Registry) LocationInfoBulk(skus []uint32, now time.Time) map[uint32]map[string]*StockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]map[string]*StockInfo, len(skus))
	for _, sku := range skus {
		if _, ok := out[sku]; ok {
			continue
		}
		out[sku] = r.locationInfoLocked(sku, now)
	}
	return out
}

func (r *Registry) locationInfoLocked(sku uint32, now time.Time) map[string]*StockInfo {
	info := make(map[string]*StockInfo)
	for _, u := range r.active {
		if u.GetSku() != sku || u.Location.Kind != model.LocationStock {
			continue
		}
		s, ok := info[u.Location.ID]
		if !ok {
			s = &StockInfo{}
			info[u.Location.ID] = s
		}
		piece := u.GetUplPiece()
		s.Total += piece
		if u.IsAvailableHealthy(now) {
			s.Healthy += piece
		}
	}
	return info
}
