package model_test

import (
	"testing"
	"time"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
)

// seedBulk creates a bulk UPL of sku 42 at Stock(1).
func seedBulk(t *testing.T, id string, pieces uint32) *model.Upl {
	t.Helper()
	u, err := model.NewUpl(model.NewUplInput{
		ID:                     id,
		ProductID:              1,
		ProductUnit:            "db",
		Sku:                    42,
		Piece:                  pieces,
		SkuNetPrice:            100,
		VAT:                    model.VAT27,
		ProcurementID:          1,
		ProcurementNetPriceSku: 60,
		Location:               model.StockLocation("1"),
		CreatedBy:              1,
	})
	if err != nil {
		t.Fatalf("failed to seed bulk: %v", err)
	}
	return u
}

// seedDivisible creates a divisible single-unit UPL of sku 7 (1000 subunits,
// net 1000, procurement 600, VAT 27) at Stock(1).
func seedDivisible(t *testing.T, id string) *model.Upl {
	t.Helper()
	u, err := model.NewUpl(model.NewUplInput{
		ID:                     id,
		ProductID:              2,
		ProductUnit:            "ml",
		Sku:                    7,
		Piece:                  1,
		SkuDivisibleAmount:     1000,
		SkuDivisible:           true,
		SkuNetPrice:            1000,
		VAT:                    model.VAT27,
		ProcurementID:          2,
		ProcurementNetPriceSku: 600,
		Location:               model.StockLocation("1"),
		CreatedBy:              1,
	})
	if err != nil {
		t.Fatalf("failed to seed divisible upl: %v", err)
	}
	return u
}

// checkPriceInvariant asserts price_gross = price_net · vat and
// margin_net = price_net − procurement_net_price.
func checkPriceInvariant(t *testing.T, u *model.Upl) {
	t.Helper()
	if want := u.VAT.ApplyTo(u.PriceNet); u.PriceGross != want {
		t.Errorf("price_gross = %d, want %d (net %d, vat %s)", u.PriceGross, want, u.PriceNet, u.VAT)
	}
	if want := int64(u.PriceNet) - int64(u.ProcurementNetPrice); u.MarginNet != want {
		t.Errorf("margin_net = %d, want %d", u.MarginNet, want)
	}
}

func TestVATApplyTo(t *testing.T) {
	cases := []struct {
		vat  model.VAT
		net  uint32
		want uint32
	}{
		{model.VAT27, 100, 127},
		{model.VAT27, 1000, 1270},
		{model.VAT27, 250, 318}, // 317.5 rounds half away from zero
		{model.VAT5, 101, 106},  // 106.05 rounds down
		{model.VAT18, 100, 118},
		{model.VATAAM, 100, 100},
		{model.VATFAD, 999, 999},
		{model.VATTAM, 0, 0},
	}
	for _, c := range cases {
		if got := c.vat.ApplyTo(c.net); got != c.want {
			t.Errorf("VAT %s on %d = %d, want %d", c.vat, c.net, got, c.want)
		}
	}
}

func TestVATFromString(t *testing.T) {
	if _, err := model.VATFromString("27"); err != nil {
		t.Fatalf("VATFromString(27): %v", err)
	}
	if _, err := model.VATFromString("12"); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("VATFromString(12) = %v, want bad request", err)
	}
}

func TestNewUplKinds(t *testing.T) {
	single := seedDivisible(t, "317587")
	if single.Kind.Tag != model.KindSku {
		t.Fatalf("piece=1 kind = %s, want sku", single.Kind.Tag)
	}

	bulk := seedBulk(t, "119", 5)
	if bulk.Kind.Tag != model.KindBulkSku || bulk.Kind.Pieces != 5 {
		t.Fatalf("piece=5 kind = %+v, want bulk of 5", bulk.Kind)
	}
	if bulk.GetUplPiece() != 5 {
		t.Fatalf("GetUplPiece = %d, want 5", bulk.GetUplPiece())
	}

	// Opened at creation: remaining carries the piece count in subunits.
	opened, err := model.NewUpl(model.NewUplInput{
		ID: "228", Sku: 7, Piece: 400,
		SkuDivisible: true, SkuDivisibleAmount: 1000,
		SkuNetPrice: 1000, VAT: model.VAT27,
		Location: model.StockLocation("1"), IsOpened: true,
	})
	if err != nil {
		t.Fatalf("opened creation failed: %v", err)
	}
	if opened.Kind.Tag != model.KindOpenedSku || opened.Kind.Remaining != 400 {
		t.Fatalf("opened kind = %+v, want opened with remaining 400", opened.Kind)
	}
	checkPriceInvariant(t, opened)
	if opened.PriceNet != 400 {
		t.Fatalf("opened price_net = %d, want 400", opened.PriceNet)
	}

	// Opened without a divisible SKU is rejected.
	_, err = model.NewUpl(model.NewUplInput{
		ID: "446", Sku: 7, Piece: 1,
		SkuNetPrice: 1000, VAT: model.VAT27,
		Location: model.StockLocation("1"), IsOpened: true,
	})
	if apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("opened non-divisible = %v, want bad request", err)
	}

	// Invalid id is rejected.
	_, err = model.NewUpl(model.NewUplInput{
		ID: "118", Sku: 7, Piece: 1,
		SkuNetPrice: 100, VAT: model.VAT27,
		Location: model.StockLocation("1"),
	})
	if apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("invalid id = %v, want bad request", err)
	}
}

func TestBulkSplit(t *testing.T) {
	parent := seedBulk(t, "119", 5)

	child, err := parent.Split("228", 1, 1)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if parent.Kind.Pieces != 4 {
		t.Fatalf("parent pieces = %d, want 4", parent.Kind.Pieces)
	}
	if child.ID != "228" || child.Kind.Tag != model.KindSku || child.Kind.Sku != 42 {
		t.Fatalf("child = %s %+v, want single sku 42", child.ID, child.Kind)
	}
	for _, u := range []*model.Upl{parent, child} {
		if u.PriceNet != 100 || u.PriceGross != 127 {
			t.Errorf("upl %s prices = %d/%d, want 100/127", u.ID, u.PriceNet, u.PriceGross)
		}
		checkPriceInvariant(t, u)
	}

	// Splitting off everything (or more) is rejected.
	if _, err := parent.Split("337", 4, 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("split all = %v, want bad request", err)
	}
}

func TestSplitBulk(t *testing.T) {
	parent := seedBulk(t, "119", 5)

	children, err := parent.SplitBulk([]string{"228", "337"}, 1)
	if err != nil {
		t.Fatalf("split bulk failed: %v", err)
	}
	if len(children) != 2 || parent.Kind.Pieces != 3 {
		t.Fatalf("got %d children, parent pieces %d; want 2 and 3", len(children), parent.Kind.Pieces)
	}
	for _, ch := range children {
		if ch.Kind.Tag != model.KindSku {
			t.Errorf("child %s kind = %s, want sku", ch.ID, ch.Kind.Tag)
		}
	}

	// One invalid id fails the whole batch before anything changes.
	fresh := seedBulk(t, "337", 5)
	if _, err := fresh.SplitBulk([]string{"446", "999"}, 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("split bulk with bad id = %v, want bad request", err)
	}
	if fresh.Kind.Pieces != 5 {
		t.Fatalf("failed split mutated parent: pieces = %d", fresh.Kind.Pieces)
	}
}

func TestOpenDivideMerge(t *testing.T) {
	u := seedDivisible(t, "317587")

	if err := u.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if u.Kind.Tag != model.KindOpenedSku || u.Kind.Remaining != 1000 {
		t.Fatalf("after open kind = %+v, want opened remaining 1000", u.Kind)
	}

	child, err := u.Divide("446", 250, 1)
	if err != nil {
		t.Fatalf("divide failed: %v", err)
	}
	if u.Kind.Remaining != 750 || u.PriceNet != 750 || u.ProcurementNetPrice != 450 {
		t.Fatalf("parent = remaining %d, net %d, procurement %d; want 750/750/450",
			u.Kind.Remaining, u.PriceNet, u.ProcurementNetPrice)
	}
	if child.Kind.Amount != 250 || child.PriceNet != 250 || child.ProcurementNetPrice != 150 {
		t.Fatalf("child = amount %d, net %d, procurement %d; want 250/250/150",
			child.Kind.Amount, child.PriceNet, child.ProcurementNetPrice)
	}
	if child.Kind.ParentUPL != "317587" || child.Kind.ParentSku != 7 {
		t.Fatalf("child parent ref = %+v", child.Kind)
	}
	if len(u.Kind.Successors) != 1 || u.Kind.Successors[0] != "446" {
		t.Fatalf("parent successors = %v, want [446]", u.Kind.Successors)
	}
	checkPriceInvariant(t, u)
	checkPriceInvariant(t, child)

	// A partially used opened UPL cannot be closed back.
	if err := u.Close(); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("close with portions out = %v, want bad request", err)
	}

	if err := u.Merge(child, 1); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if u.Kind.Remaining != 1000 || u.PriceNet != 1000 {
		t.Fatalf("after merge remaining %d, net %d; want 1000/1000", u.Kind.Remaining, u.PriceNet)
	}
	if len(u.Kind.Successors) != 0 {
		t.Fatalf("after merge successors = %v, want none", u.Kind.Successors)
	}
	checkPriceInvariant(t, u)

	// Untouched again, so closing is allowed now.
	if err := u.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if u.Kind.Tag != model.KindSku {
		t.Fatalf("after close kind = %s, want sku", u.Kind.Tag)
	}
}

func TestMergeRejectsForeignChild(t *testing.T) {
	a := seedDivisible(t, "317587")
	b := seedDivisible(t, "119")
	if err := a.Open(); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(); err != nil {
		t.Fatal(err)
	}
	child, err := b.Divide("446", 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Merge(child, 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("merging foreign child = %v, want bad request", err)
	}
}

func TestIllegalMoveUnderCartLock(t *testing.T) {
	u := seedBulk(t, "119", 2)
	if err := u.SetLock(model.CartLock("c1"), 1); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	err := u.MoveUpl(model.StockLocation("2"), 1)
	if apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("move under cart lock = %v, want bad request", err)
	}
	if u.Location != model.StockLocation("1") || u.Lock != model.CartLock("c1") {
		t.Fatalf("failed move mutated state: %+v %+v", u.Location, u.Lock)
	}

	// Moving into the owning cart is allowed and consumes the lock.
	if err := u.MoveUpl(model.CartLocation("c1"), 1); err != nil {
		t.Fatalf("move into owning cart failed: %v", err)
	}
	if !u.Lock.IsNone() {
		t.Fatalf("move did not consume lock: %+v", u.Lock)
	}
}

func TestLockDiscipline(t *testing.T) {
	u := seedBulk(t, "119", 2)

	if err := u.SetLock(model.CartLock("c1"), 1); err != nil {
		t.Fatal(err)
	}
	if err := u.SetLock(model.InventoryLock("i1"), 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("double lock = %v, want bad request", err)
	}
	if err := u.Unlock(model.CartLock("c2"), 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("unlock by wrong owner = %v, want bad request", err)
	}
	if err := u.Unlock(model.CartLock("c1"), 1); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if !u.Lock.IsNone() {
		t.Fatalf("lock not cleared: %+v", u.Lock)
	}

	// Delivery lock only permits moving into the owning delivery.
	if err := u.SetLock(model.DeliveryLock("d1"), 1); err != nil {
		t.Fatal(err)
	}
	if u.CanMove(model.DeliveryLocation("d2")) {
		t.Fatal("delivery lock must not permit moving to another delivery")
	}
	if u.CanMove(model.StockLocation("1")) || u.CanMove(model.CartLocation("c1")) {
		t.Fatal("delivery lock must not permit moving to stock or cart")
	}
	if err := u.MoveUpl(model.DeliveryLocation("d1"), 1); err != nil {
		t.Fatalf("move into owning delivery failed: %v", err)
	}
	if !u.Lock.IsNone() {
		t.Fatalf("move did not consume delivery lock: %+v", u.Lock)
	}

	// Inventory lock only permits moving to discard.
	if err := u.SetLock(model.InventoryLock("i1"), 1); err != nil {
		t.Fatal(err)
	}
	if u.CanMove(model.StockLocation("1")) {
		t.Fatal("inventory lock must not permit moving to stock")
	}
	if !u.CanMove(model.DiscardLocation("")) {
		t.Fatal("inventory lock must permit moving to discard")
	}

	// Without a lock, discard is unreachable.
	u.UnlockForced(1)
	if u.CanMove(model.DiscardLocation("")) {
		t.Fatal("unlocked UPL must not move to discard")
	}
}

func TestDepreciation(t *testing.T) {
	u := seedBulk(t, "119", 2)

	if err := u.RemoveDepreciation(1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("remove without record = %v, want bad request", err)
	}
	if err := u.SetDepreciationPrice(nil, 1); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("price without record = %v, want bad request", err)
	}

	u.SetDepreciation(9, "dented box", 1)
	special := uint32(80)
	if err := u.SetDepreciationPrice(&special, 1); err != nil {
		t.Fatalf("set depreciation price failed: %v", err)
	}
	if u.RetailPriceNet() != 80 {
		t.Fatalf("retail net = %d, want special 80", u.RetailPriceNet())
	}
	if got := u.RetailPriceGross(); got != u.VAT.ApplyTo(80) {
		t.Fatalf("retail gross = %d, want %d", got, u.VAT.ApplyTo(80))
	}
	if u.Depreciation.SpecialMarginNet == nil || *u.Depreciation.SpecialMarginNet != 80-60 {
		t.Fatalf("special margin = %v, want 20", u.Depreciation.SpecialMarginNet)
	}

	// Replacing the record discards the special price with it.
	u.SetDepreciation(10, "expiring", 1)
	if u.RetailPriceNet() != u.PriceNet {
		t.Fatalf("retail net = %d, want base %d after record replace", u.RetailPriceNet(), u.PriceNet)
	}

	if err := u.RemoveDepreciation(1); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if u.Depreciation != nil {
		t.Fatal("depreciation not cleared")
	}
}

func TestIsAvailableHealthy(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	u := seedBulk(t, "119", 2)
	if !u.IsAvailableHealthy(now) {
		t.Fatal("fresh bulk should be healthy")
	}

	past := now.AddDate(0, 0, -2)
	u.SetBestBefore(&past, 1)
	if u.IsAvailableHealthy(now) {
		t.Fatal("expired UPL should not be healthy")
	}
	future := now.AddDate(0, 0, 2)
	u.SetBestBefore(&future, 1)
	if !u.IsAvailableHealthy(now) {
		t.Fatal("future best-before should be healthy")
	}

	if err := u.SetLock(model.CartLock("c1"), 1); err != nil {
		t.Fatal(err)
	}
	if u.IsAvailableHealthy(now) {
		t.Fatal("locked UPL should not be healthy")
	}
	u.UnlockForced(1)

	u.SetDepreciation(1, "x", 1)
	if u.IsAvailableHealthy(now) {
		t.Fatal("depreciated UPL should not be healthy")
	}

	opened := seedDivisible(t, "317587")
	if err := opened.Open(); err != nil {
		t.Fatal(err)
	}
	if opened.IsAvailableHealthy(now) {
		t.Fatal("opened UPL should not be healthy")
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	u := seedDivisible(t, "317587")
	if len(u.History) != 1 || u.History[0].Event != "created" {
		t.Fatalf("history after creation = %+v", u.History)
	}
	if err := u.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Divide("446", 100, 1); err != nil {
		t.Fatal(err)
	}
	if len(u.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(u.History))
	}
	for _, ev := range u.History {
		if ev.ID == "" || ev.At.IsZero() {
			t.Fatalf("history event missing id or timestamp: %+v", ev)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	u := seedDivisible(t, "317587")
	if err := u.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Divide("446", 100, 1); err != nil {
		t.Fatal(err)
	}
	u.SetDepreciation(1, "x", 1)
	special := uint32(500)
	if err := u.SetDepreciationPrice(&special, 1); err != nil {
		t.Fatal(err)
	}

	c := u.Clone()
	c.Kind.Successors[0] = "999"
	*c.Depreciation.SpecialNetPrice = 1
	c.History[0].Event = "tampered"

	if u.Kind.Successors[0] != "446" {
		t.Fatal("clone shares successors slice")
	}
	if *u.Depreciation.SpecialNetPrice != 500 {
		t.Fatal("clone shares depreciation pointer")
	}
	if u.History[0].Event != "created" {
		t.Fatal("clone shares history slice")
	}
}
