package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/uplid"
)

// NewUplInput is the payload for constructing a UPL at procurement.
type NewUplInput struct {
	ID                     string
	ProductID              uint32
	ProductUnit            string
	Sku                    uint32
	Piece                  uint32
	SkuDivisibleAmount     uint32
	SkuDivisible           bool
	SkuNetPrice            uint32
	VAT                    VAT
	ProcurementID          uint32
	ProcurementNetPriceSku uint32
	Location               Location
	BestBefore             *time.Time
	IsOpened               bool
	CreatedBy              uint32
}

// NewUpl constructs a UPL. The kind is derived from (IsOpened, Piece):
// opened → OpenedSku with Remaining = Piece; Piece > 1 → BulkSku; else Sku.
func NewUpl(in NewUplInput) (*Upl, error) {
	if !uplid.Validate(in.ID) {
		return nil, apperr.BadRequest("invalid UPL id: %q", in.ID)
	}
	if in.Piece < 1 {
		return nil, apperr.BadRequest("piece must be at least 1")
	}
	divAmount := in.SkuDivisibleAmount
	if divAmount < 1 {
		divAmount = 1
	}

	var kind Kind
	switch {
	case in.IsOpened:
		if !in.SkuDivisible || divAmount <= 1 {
			return nil, apperr.BadRequest("an opened UPL requires a divisible SKU")
		}
		if in.Piece > divAmount {
			return nil, apperr.BadRequest("opened remaining %d exceeds divisible amount %d", in.Piece, divAmount)
		}
		kind = OpenedSkuKind(in.Sku, in.Piece)
	case in.Piece > 1:
		kind = BulkSkuKind(in.Sku, in.Piece)
	default:
		kind = SkuKind(in.Sku)
	}

	u := &Upl{
		ID:                     in.ID,
		ProductID:              in.ProductID,
		ProductUnit:            in.ProductUnit,
		Kind:                   kind,
		SkuDivisibleAmount:     divAmount,
		SkuDivisible:           in.SkuDivisible,
		ProcurementID:          in.ProcurementID,
		ProcurementNetPriceSku: in.ProcurementNetPriceSku,
		SkuPriceNet:            in.SkuNetPrice,
		VAT:                    in.VAT,
		Location:               in.Location,
		Lock:                   NoLock(),
		BestBefore:             in.BestBefore,
		CreatedAt:              time.Now().UTC(),
		CreatedBy:              in.CreatedBy,
	}
	u.recalcPrices()
	u.appendHistory("created", "", in.CreatedBy)
	return u, nil
}

// Clone returns a deep copy; mutating the copy never touches the original.
func (u *Upl) Clone() *Upl {
	c := *u
	if u.Kind.Successors != nil {
		c.Kind.Successors = append([]string(nil), u.Kind.Successors...)
	}
	if u.Depreciation != nil {
		dep := *u.Depreciation
		if u.Depreciation.SpecialNetPrice != nil {
			p := *u.Depreciation.SpecialNetPrice
			dep.SpecialNetPrice = &p
		}
		if u.Depreciation.SpecialMarginNet != nil {
			m := *u.Depreciation.SpecialMarginNet
			dep.SpecialMarginNet = &m
		}
		c.Depreciation = &dep
	}
	if u.BestBefore != nil {
		t := *u.BestBefore
		c.BestBefore = &t
	}
	c.History = append([]HistoryEvent(nil), u.History...)
	return &c
}

// GetSku returns the SKU the UPL belongs to; for a derived product this is
// the SKU of the opened parent it was portioned out of.
func (u *Upl) GetSku() uint32 {
	if u.Kind.Tag == KindDerivedProduct {
		return u.Kind.ParentSku
	}
	return u.Kind.Sku
}

// GetUplPiece returns how many retail units the UPL stands for:
// Pieces for a bulk, 1 for everything else.
func (u *Upl) GetUplPiece() uint32 {
	if u.Kind.Tag == KindBulkSku {
		return u.Kind.Pieces
	}
	return 1
}

// IsDivisible reports whether the UPL can currently be divided.
// A bulk must be split first; a derived product never subdivides.
func (u *Upl) IsDivisible() bool {
	switch u.Kind.Tag {
	case KindSku, KindOpenedSku:
		return u.SkuDivisible && u.SkuDivisibleAmount > 1
	default:
		return false
	}
}

// GetDivisibleAmount returns the quantity the UPL carries in the SKU's
// divisible subunits: the full amount for an un-opened SKU, the remainder
// for an opened one, the portion for a derived product, 0 for a bulk.
func (u *Upl) GetDivisibleAmount() uint32 {
	switch u.Kind.Tag {
	case KindSku:
		if u.SkuDivisible {
			return u.SkuDivisibleAmount
		}
		return 0
	case KindOpenedSku:
		return u.Kind.Remaining
	case KindDerivedProduct:
		return u.Kind.Amount
	default:
		return 0
	}
}

// CanMove implements the lock/location transition table. Moving under a
// Cart or Delivery lock is only allowed into the owning cart/delivery;
// an Inventory lock only permits moving to Discard; without a lock any
// location except Discard is reachable.
func (u *Upl) CanMove(to Location) bool {
	switch u.Lock.Kind {
	case LockNone:
		return to.Kind != LocationDiscard
	case LockCart:
		return to.Kind == LocationCart && to.ID == u.Lock.ID
	case LockDelivery:
		return to.Kind == LocationDelivery && to.ID == u.Lock.ID
	case LockInventory:
		return to.Kind == LocationDiscard
	}
	return false
}

// MoveUpl moves the UPL to a new location. A successful move consumes the
// lock.
func (u *Upl) MoveUpl(to Location, by uint32) error {
	if !u.CanMove(to) {
		return apperr.BadRequest("UPL %s cannot move to %s(%s) under %s lock", u.ID, to.Kind, to.ID, u.Lock.Kind)
	}
	u.Location = to
	u.Lock = NoLock()
	u.appendHistory("moved", fmt.Sprintf("to %s(%s)", to.Kind, to.ID), by)
	return nil
}

// SetLock places a lock on an unlocked UPL.
func (u *Upl) SetLock(l Lock, by uint32) error {
	if l.IsNone() {
		return apperr.BadRequest("cannot lock UPL %s to the none lock", u.ID)
	}
	if !u.Lock.IsNone() {
		return apperr.BadRequest("UPL %s is already locked to %s(%s)", u.ID, u.Lock.Kind, u.Lock.ID)
	}
	u.Lock = l
	u.appendHistory("locked", fmt.Sprintf("%s(%s)", l.Kind, l.ID), by)
	return nil
}

// Unlock releases the lock; only the current lock holder may release.
func (u *Upl) Unlock(l Lock, by uint32) error {
	if u.Lock != l {
		return apperr.BadRequest("UPL %s is not locked to %s(%s)", u.ID, l.Kind, l.ID)
	}
	u.Lock = NoLock()
	u.appendHistory("unlocked", fmt.Sprintf("%s(%s)", l.Kind, l.ID), by)
	return nil
}

// UnlockForced clears the lock unconditionally. Internal use only
// (move, close-cart, close-inventory).
func (u *Upl) UnlockForced(by uint32) {
	if u.Lock.IsNone() {
		return
	}
	detail := fmt.Sprintf("%s(%s)", u.Lock.Kind, u.Lock.ID)
	u.Lock = NoLock()
	u.appendHistory("unlocked_forced", detail, by)
}

// SetBestBefore sets or clears (nil) the best-before instant.
func (u *Upl) SetBestBefore(t *time.Time, by uint32) {
	u.BestBefore = t
	if t == nil {
		u.appendHistory("best_before_cleared", "", by)
		return
	}
	u.appendHistory("best_before_set", t.Format(time.RFC3339), by)
}

// SetProductUnit sets the display unit.
func (u *Upl) SetProductUnit(unit string, by uint32) {
	u.ProductUnit = unit
	u.appendHistory("product_unit_set", unit, by)
}

// SetDivisible sets the SKU divisibility flag.
func (u *Upl) SetDivisible(divisible bool) {
	u.SkuDivisible = divisible
	u.appendHistory("divisible_set", fmt.Sprintf("%t", divisible), 0)
}

// SetPrice sets the SKU retail net price and VAT class, then recomputes
// the derived prices.
func (u *Upl) SetPrice(skuNet uint32, vat VAT, by uint32) {
	u.SkuPriceNet = skuNet
	u.VAT = vat
	u.recalcPrices()
	u.appendHistory("priced", fmt.Sprintf("net %d, vat %s", skuNet, vat), by)
}

// SetDepreciation places (or replaces) the mark-down record. Any previous
// special price is discarded with the replaced record.
func (u *Upl) SetDepreciation(depreciationID uint32, comment string, by uint32) {
	u.Depreciation = &Depreciation{DepreciationID: depreciationID, Comment: comment}
	u.appendHistory("depreciated", fmt.Sprintf("depreciation %d: %s", depreciationID, comment), by)
}

// RemoveDepreciation clears the mark-down record.
func (u *Upl) RemoveDepreciation(by uint32) error {
	if u.Depreciation == nil {
		return apperr.BadRequest("UPL %s is not depreciated", u.ID)
	}
	u.Depreciation = nil
	u.appendHistory("depreciation_removed", "", by)
	return nil
}

// SetDepreciationPrice sets (or clears, when nil) the special retail net
// price on an existing mark-down record. The special margin follows as
// special net − procurement net price.
func (u *Upl) SetDepreciationPrice(net *uint32, by uint32) error {
	if u.Depreciation == nil {
		return apperr.BadRequest("UPL %s is not depreciated", u.ID)
	}
	if net == nil {
		u.Depreciation.SpecialNetPrice = nil
		u.Depreciation.SpecialMarginNet = nil
		u.appendHistory("depreciation_price_removed", "", by)
		return nil
	}
	margin := int64(*net) - int64(u.ProcurementNetPrice)
	u.Depreciation.SpecialNetPrice = net
	u.Depreciation.SpecialMarginNet = &margin
	u.appendHistory("depreciation_priced", fmt.Sprintf("special net %d", *net), by)
	return nil
}

// RetailPriceNet returns the price the till should charge: the special
// depreciation price when present, the base price otherwise.
func (u *Upl) RetailPriceNet() uint32 {
	if u.Depreciation != nil && u.Depreciation.SpecialNetPrice != nil {
		return *u.Depreciation.SpecialNetPrice
	}
	return u.PriceNet
}

// RetailPriceGross applies the VAT class to the retail net price.
func (u *Upl) RetailPriceGross() uint32 {
	return u.VAT.ApplyTo(u.RetailPriceNet())
}

// Split carves piece units out of a bulk into a new UPL. The parent keeps
// the remainder; the returned child is the caller's to insert.
func (u *Upl) Split(newID string, piece, by uint32) (*Upl, error) {
	if u.Kind.Tag != KindBulkSku {
		return nil, apperr.BadRequest("UPL %s is not a bulk, cannot split", u.ID)
	}
	if !u.Lock.IsNone() {
		return nil, apperr.BadRequest("UPL %s is locked, cannot split", u.ID)
	}
	if !uplid.Validate(newID) {
		return nil, apperr.BadRequest("invalid UPL id: %q", newID)
	}
	if piece < 1 || u.Kind.Pieces <= piece {
		return nil, apperr.BadRequest("bulk %s holds %d pieces, cannot split off %d", u.ID, u.Kind.Pieces, piece)
	}

	child := u.Clone()
	child.ID = newID
	if piece == 1 {
		child.Kind = SkuKind(u.Kind.Sku)
	} else {
		child.Kind = BulkSkuKind(u.Kind.Sku, piece)
	}
	child.CreatedAt = time.Now().UTC()
	child.CreatedBy = by
	child.History = nil
	child.recalcPrices()
	child.appendHistory("created", fmt.Sprintf("split from %s", u.ID), by)

	u.Kind.Pieces -= piece
	u.recalcPrices()
	u.appendHistory("split", fmt.Sprintf("%d piece(s) to %s", piece, newID), by)
	return child, nil
}

// SplitBulk splits one single-unit child per new id. All ids are validated
// up front; the bulk must be able to supply every child and still keep at
// least one piece.
func (u *Upl) SplitBulk(newIDs []string, by uint32) ([]*Upl, error) {
	if u.Kind.Tag != KindBulkSku {
		return nil, apperr.BadRequest("UPL %s is not a bulk, cannot split", u.ID)
	}
	for _, id := range newIDs {
		if !uplid.Validate(id) {
			return nil, apperr.BadRequest("invalid UPL id: %q", id)
		}
	}
	if uint32(len(newIDs)) >= u.Kind.Pieces {
		return nil, apperr.BadRequest("bulk %s holds %d pieces, cannot split off %d", u.ID, u.Kind.Pieces, len(newIDs))
	}
	children := make([]*Upl, 0, len(newIDs))
	for _, id := range newIDs {
		child, err := u.Split(id, 1, by)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// Open breaks the original package of a divisible SKU so subunits can be
// portioned out.
func (u *Upl) Open() error {
	if u.Kind.Tag != KindSku {
		return apperr.BadRequest("UPL %s is not a single un-opened SKU, cannot open", u.ID)
	}
	if !u.SkuDivisible || u.SkuDivisibleAmount <= 1 {
		return apperr.BadRequest("SKU %d is not divisible, cannot open UPL %s", u.Kind.Sku, u.ID)
	}
	if !u.Lock.IsNone() {
		return apperr.BadRequest("UPL %s is locked, cannot open", u.ID)
	}
	u.Kind = OpenedSkuKind(u.Kind.Sku, u.SkuDivisibleAmount)
	u.recalcPrices()
	u.appendHistory("opened", "", 0)
	return nil
}

// Close reverts an untouched opened SKU back to an un-opened one.
func (u *Upl) Close() error {
	if u.Kind.Tag != KindOpenedSku {
		return apperr.BadRequest("UPL %s is not opened, cannot close", u.ID)
	}
	if u.Kind.Remaining != u.SkuDivisibleAmount {
		return apperr.BadRequest("UPL %s has portions taken out, cannot close", u.ID)
	}
	if !u.Lock.IsNone() {
		return apperr.BadRequest("UPL %s is locked, cannot close", u.ID)
	}
	u.Kind = SkuKind(u.Kind.Sku)
	u.recalcPrices()
	u.appendHistory("closed", "", 0)
	return nil
}

// Divide portions amount subunits out of an opened SKU into a new derived
// UPL. The child is the caller's to insert; both sides reprice.
func (u *Upl) Divide(newID string, amount, by uint32) (*Upl, error) {
	if u.Kind.Tag != KindOpenedSku {
		return nil, apperr.BadRequest("UPL %s is not opened, cannot divide", u.ID)
	}
	if !u.Lock.IsNone() {
		return nil, apperr.BadRequest("UPL %s is locked, cannot divide", u.ID)
	}
	if !uplid.Validate(newID) {
		return nil, apperr.BadRequest("invalid UPL id: %q", newID)
	}
	if amount < 1 || u.Kind.Remaining <= amount {
		return nil, apperr.BadRequest("UPL %s has %d remaining, cannot divide out %d", u.ID, u.Kind.Remaining, amount)
	}

	child := u.Clone()
	child.ID = newID
	child.Kind = DerivedProductKind(u.ID, u.Kind.Sku, amount)
	child.Depreciation = nil
	child.CreatedAt = time.Now().UTC()
	child.CreatedBy = by
	child.History = nil
	child.recalcPrices()
	child.appendHistory("created", fmt.Sprintf("divided from %s", u.ID), by)

	u.Kind.Remaining -= amount
	u.Kind.Successors = append(u.Kind.Successors, newID)
	u.recalcPrices()
	u.appendHistory("divided", fmt.Sprintf("%d to %s", amount, newID), by)
	return child, nil
}

// Merge puts a derived child back into its opened parent. The caller is
// responsible for removing the child from the registry afterwards.
func (u *Upl) Merge(child *Upl, by uint32) error {
	if u.Kind.Tag != KindOpenedSku {
		return apperr.BadRequest("UPL %s is not opened, cannot merge into it", u.ID)
	}
	if child.Kind.Tag != KindDerivedProduct || child.Kind.ParentUPL != u.ID {
		return apperr.BadRequest("UPL %s is not a portion of %s", child.ID, u.ID)
	}
	if u.Depreciation != nil || child.Depreciation != nil {
		return apperr.BadRequest("depreciated UPLs cannot be merged")
	}
	if !u.Lock.IsNone() || !child.Lock.IsNone() {
		return apperr.BadRequest("locked UPLs cannot be merged")
	}

	u.Kind.Remaining += child.Kind.Amount
	successors := u.Kind.Successors[:0]
	for _, id := range u.Kind.Successors {
		if id != child.ID {
			successors = append(successors, id)
		}
	}
	u.Kind.Successors = successors
	u.recalcPrices()
	u.appendHistory("merged", fmt.Sprintf("%d back from %s", child.Kind.Amount, child.ID), by)
	return nil
}

// IsAvailableHealthy reports whether the UPL is freely sellable at full
// value: unlocked, not depreciated, un-opened, and not past best-before.
func (u *Upl) IsAvailableHealthy(now time.Time) bool {
	if !u.Lock.IsNone() || u.Depreciation != nil {
		return false
	}
	if u.Kind.Tag != KindSku && u.Kind.Tag != KindBulkSku {
		return false
	}
	if u.BestBefore != nil && u.BestBefore.Before(now.Truncate(24*time.Hour)) {
		return false
	}
	return true
}

// recalcPrices re-derives the dependent price fields from the SKU-level
// prices and the current kind. For opened/derived kinds the procurement
// value and retail price amortize proportionally over the carried quantity.
func (u *Upl) recalcPrices() {
	switch u.Kind.Tag {
	case KindSku, KindBulkSku:
		u.PriceNet = u.SkuPriceNet
		u.ProcurementNetPrice = u.ProcurementNetPriceSku
	case KindOpenedSku:
		u.PriceNet = prorate(u.Kind.Remaining, u.SkuPriceNet, u.SkuDivisibleAmount)
		u.ProcurementNetPrice = prorate(u.Kind.Remaining, u.ProcurementNetPriceSku, u.SkuDivisibleAmount)
	case KindDerivedProduct:
		u.PriceNet = prorate(u.Kind.Amount, u.SkuPriceNet, u.SkuDivisibleAmount)
		u.ProcurementNetPrice = prorate(u.Kind.Amount, u.ProcurementNetPriceSku, u.SkuDivisibleAmount)
	}
	u.PriceGross = u.VAT.ApplyTo(u.PriceNet)
	u.MarginNet = int64(u.PriceNet) - int64(u.ProcurementNetPrice)
	if u.Depreciation != nil && u.Depreciation.SpecialNetPrice != nil {
		margin := int64(*u.Depreciation.SpecialNetPrice) - int64(u.ProcurementNetPrice)
		u.Depreciation.SpecialMarginNet = &margin
	}
}

// prorate computes round(qty * total / div) in minor units.
func prorate(qty, total, div uint32) uint32 {
	if div == 0 {
		div = 1
	}
	res := decimal.NewFromInt(int64(qty)).
		Mul(decimal.NewFromInt(int64(total))).
		Div(decimal.NewFromInt(int64(div))).
		Round(0)
	return uint32(res.IntPart())
}

func (u *Upl) appendHistory(event, detail string, by uint32) {
	u.History = append(u.History, HistoryEvent{
		ID:     uuid.New().String(),
		Event:  event,
		Detail: detail,
		At:     time.Now().UTC(),
		By:     by,
	})
}
