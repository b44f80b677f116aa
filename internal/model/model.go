// Package model defines the core domain types of the UPL registry: the Upl
// entity, its tagged variants (Kind, Lock, Location, VAT), and the state
// machine that governs every transition on a single UPL.
// All price arithmetic goes through shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocklot/upl-registry/internal/apperr"
)

// VAT is the value-added tax class of a SKU. Stored as its tag string.
type VAT string

// VAT classes. AAM, FAD and TAM are 0% classes (personal exemption,
// reverse charge, subject exemption); the numeric classes are percentages.
const (
	VATAAM VAT = "AAM"
	VATFAD VAT = "FAD"
	VATTAM VAT = "TAM"
	VAT5   VAT = "5"
	VAT18  VAT = "18"
	VAT27  VAT = "27"
)

// VATFromString parses a VAT tag.
func VATFromString(s string) (VAT, error) {
	switch VAT(s) {
	case VATAAM, VATFAD, VATTAM, VAT5, VAT18, VAT27:
		return VAT(s), nil
	}
	return "", apperr.BadRequest("unknown VAT class: %q", s)
}

// Multiplier returns the gross/net multiplier of the VAT class.
func (v VAT) Multiplier() decimal.Decimal {
	switch v {
	case VAT5:
		return decimal.New(105, -2)
	case VAT18:
		return decimal.New(118, -2)
	case VAT27:
		return decimal.New(127, -2)
	default:
		return decimal.New(1, 0)
	}
}

// ApplyTo computes the gross price for a net price in minor units,
// rounded half away from zero.
func (v VAT) ApplyTo(net uint32) uint32 {
	gross := decimal.NewFromInt(int64(net)).Mul(v.Multiplier()).Round(0)
	return uint32(gross.IntPart())
}

// LocationKind tags a Location variant.
type LocationKind string

// Location variants.
const (
	LocationStock    LocationKind = "stock"
	LocationDelivery LocationKind = "delivery"
	LocationCart     LocationKind = "cart"
	LocationDiscard  LocationKind = "discard"
)

// Location is where a UPL physically is. Comparable; equality means the
// same variant with the same id.
type Location struct {
	Kind LocationKind `json:"kind"`
	ID   string       `json:"id"`
}

func StockLocation(id string) Location    { return Location{Kind: LocationStock, ID: id} }
func DeliveryLocation(id string) Location { return Location{Kind: LocationDelivery, ID: id} }
func CartLocation(id string) Location     { return Location{Kind: LocationCart, ID: id} }
func DiscardLocation(id string) Location  { return Location{Kind: LocationDiscard, ID: id} }

// LockKind tags a Lock variant.
type LockKind string

// Lock variants. A non-none lock is an exclusive reservation that inhibits
// specific transitions until released by its owner.
const (
	LockNone      LockKind = "none"
	LockCart      LockKind = "cart"
	LockDelivery  LockKind = "delivery"
	LockInventory LockKind = "inventory"
)

// Lock is the current reservation on a UPL.
type Lock struct {
	Kind LockKind `json:"kind"`
	ID   string   `json:"id,omitempty"`
}

func NoLock() Lock                 { return Lock{Kind: LockNone} }
func CartLock(id string) Lock      { return Lock{Kind: LockCart, ID: id} }
func DeliveryLock(id string) Lock  { return Lock{Kind: LockDelivery, ID: id} }
func InventoryLock(id string) Lock { return Lock{Kind: LockInventory, ID: id} }

// IsNone reports whether the lock is the None variant — and only that one.
func (l Lock) IsNone() bool { return l.Kind == LockNone }

// KindTag tags a Kind variant.
type KindTag string

// Kind variants.
const (
	// KindSku is one un-opened retail unit.
	KindSku KindTag = "sku"
	// KindBulkSku is a pallet/box of identical un-opened units.
	KindBulkSku KindTag = "bulk_sku"
	// KindOpenedSku is a unit whose original package has been broken;
	// Remaining counts the SKU's divisible subunits still inside.
	KindOpenedSku KindTag = "opened_sku"
	// KindDerivedProduct is a portion taken out of an OpenedSku.
	// It cannot be further subdivided.
	KindDerivedProduct KindTag = "derived_product"
)

// Kind is the physical appearance of a UPL: tag plus per-variant payload.
// Only the fields of the active variant are meaningful.
type Kind struct {
	Tag KindTag `json:"tag"`

	// sku, bulk_sku, opened_sku
	Sku uint32 `json:"sku,omitempty"`
	// bulk_sku
	Pieces uint32 `json:"pieces,omitempty"`
	// opened_sku
	Remaining  uint32   `json:"remaining,omitempty"`
	Successors []string `json:"successors,omitempty"`
	// derived_product
	ParentUPL string `json:"parent_upl,omitempty"`
	ParentSku uint32 `json:"parent_sku,omitempty"`
	Amount    uint32 `json:"amount,omitempty"`
}

func SkuKind(sku uint32) Kind { return Kind{Tag: KindSku, Sku: sku} }

func BulkSkuKind(sku, pieces uint32) Kind {
	return Kind{Tag: KindBulkSku, Sku: sku, Pieces: pieces}
}

func OpenedSkuKind(sku, remaining uint32) Kind {
	return Kind{Tag: KindOpenedSku, Sku: sku, Remaining: remaining}
}

func DerivedProductKind(parentUPL string, parentSku, amount uint32) Kind {
	return Kind{Tag: KindDerivedProduct, ParentUPL: parentUPL, ParentSku: parentSku, Amount: amount}
}

// HistoryEvent is one entry of a UPL's append-only log. Never rewritten,
// never used as a source of truth.
type HistoryEvent struct {
	ID     string    `json:"id"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
	By     uint32    `json:"by"`
}

// Depreciation is a mark-down record. A special net price, when present,
// replaces the retail price exposed to callers; the base prices are kept.
type Depreciation struct {
	DepreciationID   uint32  `json:"depreciation_id"`
	Comment          string  `json:"comment"`
	SpecialNetPrice  *uint32 `json:"special_net_price,omitempty"`
	SpecialMarginNet *int64  `json:"special_margin_net,omitempty"`
}

// Upl is one physical occurrence of a SKU in inventory.
type Upl struct {
	ID          string `json:"id"`
	ProductID   uint32 `json:"product_id"`
	ProductUnit string `json:"product_unit"`

	Kind               Kind   `json:"kind"`
	SkuDivisibleAmount uint32 `json:"sku_divisible_amount"`
	SkuDivisible       bool   `json:"sku_divisible"`

	ProcurementID          uint32 `json:"procurement_id"`
	ProcurementNetPriceSku uint32 `json:"procurement_net_price_sku"`
	ProcurementNetPrice    uint32 `json:"procurement_net_price"`

	SkuPriceNet uint32 `json:"sku_price_net"`
	VAT         VAT    `json:"vat"`
	PriceNet    uint32 `json:"price_net"`
	PriceGross  uint32 `json:"price_gross"`
	MarginNet   int64  `json:"margin_net"`

	Location     Location      `json:"location"`
	Lock         Lock          `json:"lock"`
	Depreciation *Depreciation `json:"depreciation,omitempty"`
	BestBefore   *time.Time    `json:"best_before,omitempty"`

	History   []HistoryEvent `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy uint32         `json:"created_by"`
}
