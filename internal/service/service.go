// Package service exposes the registry as an HTTP/JSON surface: one
// handler per registry operation, NDJSON streams for the bulk entry
// points, and a WebSocket feed for change events.
package service

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/metrics"
	"github.com/stocklot/upl-registry/internal/model"
	"github.com/stocklot/upl-registry/internal/registry"
)

// Service handles UPL registry requests.
type Service struct {
	log *slog.Logger
	reg *registry.Registry
	hub *WSHub
	sf  singleflight.Group
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(reg *registry.Registry, hub *WSHub, log *slog.Logger) *Service {
	return &Service{log: log, reg: reg, hub: hub}
}

// Routes mounts every operation under the given router (normally /api/v1).
func (s *Service) Routes(r chi.Router) {
	r.Post("/upl", s.CreateNew)
	r.Post("/upl/bulk", s.CreateNewBulk)
	r.Post("/upl/get-bulk", s.GetBulk)
	r.Get("/upl/archive/{uplID}", s.GetByIDArchive)
	r.Get("/upl/by-sku/{sku}", s.GetBySku)
	r.Post("/upl/by-sku-location", s.GetBySkuAndLocation)
	r.Post("/upl/by-location", s.GetByLocation)
	r.Post("/upl/merge-back", s.MergeBack)
	r.Get("/upl/{uplID}", s.GetByID)
	r.Post("/upl/{uplID}/best-before", s.SetBestBefore)
	r.Post("/upl/{uplID}/split", s.Split)
	r.Post("/upl/{uplID}/divide", s.Divide)
	r.Post("/upl/{uplID}/open", s.OpenUpl)
	r.Post("/upl/{uplID}/close", s.CloseUpl)
	r.Post("/upl/{uplID}/depreciation", s.SetDepreciation)
	r.Delete("/upl/{uplID}/depreciation", s.RemoveDepreciation)
	r.Post("/upl/{uplID}/depreciation-price", s.SetDepreciationPrice)
	r.Delete("/upl/{uplID}/depreciation-price", s.RemoveDepreciationPrice)
	r.Post("/upl/{uplID}/lock/cart", s.LockToCart)
	r.Post("/upl/{uplID}/unlock/cart", s.ReleaseLockFromCart)
	r.Post("/upl/{uplID}/lock/inventory", s.LockToInventory)
	r.Post("/upl/{uplID}/unlock/inventory", s.ReleaseLockFromInventory)
	r.Post("/upl/{uplID}/restore", s.Restore)
	r.Post("/cart/{cartID}/close", s.CloseCart)
	r.Post("/inventory/{inventoryID}/close", s.CloseInventory)
	r.Post("/sku/price", s.SetSkuPrice)
	r.Post("/sku/divisible", s.SetSkuDivisible)
	r.Get("/location-info/{sku}", s.GetLocationInfo)
	r.Post("/location-info/bulk", s.GetLocationInfoBulk)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// CreateUplRequest is the UPL-new payload.
type CreateUplRequest struct {
	UplID                  string `json:"upl_id"`
	ProductID              uint32 `json:"product_id"`
	ProductUnit            string `json:"product_unit"`
	Sku                    uint32 `json:"sku"`
	Piece                  uint32 `json:"piece"`
	SkuDivisibleAmount     uint32 `json:"sku_divisible_amount"`
	SkuDivisible           bool   `json:"sku_divisible"`
	SkuNetPrice            uint32 `json:"sku_net_price"`
	SkuVat                 string `json:"sku_vat"`
	ProcurementID          uint32 `json:"procurement_id"`
	ProcurementNetPriceSku uint32 `json:"procurement_net_price_sku"`
	StockID                string `json:"stock_id"`
	BestBefore             string `json:"best_before"` // rfc3339 or empty
	IsOpened               bool   `json:"is_opened"`
	CreatedBy              uint32 `json:"created_by"`
}

// LocationPayload names a location variant in requests.
type LocationPayload struct {
	Kind string `json:"kind"` // stock, delivery, cart, discard
	ID   string `json:"id"`
}

// UplObj is the external view of a UPL.
type UplObj struct {
	*model.Upl
	IsArchived bool `json:"is_archived"`
}

// IDList is the response of the scan endpoints.
type IDList struct {
	UplIDs []string `json:"upl_ids"`
}

// --- Handlers ---

// CreateNew handles POST /api/v1/upl.
func (s *Service) CreateNew(w http.ResponseWriter, r *http.Request) {
	var req CreateUplRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "create_new", apperr.BadRequest("invalid request body"))
		return
	}

	u, err := s.buildUpl(req)
	if err != nil {
		s.fail(w, "create_new", err)
		return
	}
	if err := s.reg.Insert(r.Context(), u); err != nil {
		s.fail(w, "create_new", err)
		return
	}

	s.log.Info("upl created", "upl", u.ID, "sku", u.GetSku(), "kind", u.Kind.Tag)
	s.committed("create_new", WSEvent{Type: "created", UplID: u.ID, Sku: u.GetSku()})
	writeJSON(w, http.StatusCreated, UplObj{Upl: u})
}

// CreateNewBulk handles POST /api/v1/upl/bulk: an NDJSON stream of UPL-new
// payloads answered with an NDJSON stream of accepted ids. Best-effort —
// per-item failures are logged and skipped.
func (s *Service) CreateNewBulk(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	dec := json.NewDecoder(r.Body)
	for {
		var req CreateUplRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("bulk create: decoding item", "error", err)
			}
			break
		}

		u, err := s.buildUpl(req)
		if err == nil {
			err = s.reg.Insert(r.Context(), u)
		}
		if err != nil {
			s.log.Error("bulk create: skipping UPL", "upl", req.UplID, "error", err)
			metrics.Record("create_new_bulk", apperr.CodeOf(err).String())
			continue
		}

		s.committed("create_new_bulk", WSEvent{Type: "created", UplID: u.ID, Sku: u.GetSku()})
		enc.Encode(map[string]string{"upl_id": u.ID})
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// GetBulk handles POST /api/v1/upl/get-bulk: {upl_ids} in, an NDJSON
// stream of UplObj out. Unknown ids are skipped.
func (s *Service) GetBulk(w http.ResponseWriter, r *http.Request) {
	var req IDList
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "get_bulk", apperr.BadRequest("invalid request body"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, id := range req.UplIDs {
		u, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		enc.Encode(UplObj{Upl: u})
		if flusher != nil {
			flusher.Flush()
		}
	}
	metrics.Record("get_bulk", "ok")
}

// GetByID handles GET /api/v1/upl/{uplID}.
func (s *Service) GetByID(w http.ResponseWriter, r *http.Request) {
	u, err := s.reg.Get(chi.URLParam(r, "uplID"))
	if err != nil {
		s.fail(w, "get_by_id", err)
		return
	}
	metrics.Record("get_by_id", "ok")
	writeJSON(w, http.StatusOK, UplObj{Upl: u})
}

// GetByIDArchive handles GET /api/v1/upl/archive/{uplID}.
func (s *Service) GetByIDArchive(w http.ResponseWriter, r *http.Request) {
	u, err := s.reg.GetArchived(chi.URLParam(r, "uplID"))
	if err != nil {
		s.fail(w, "get_by_id_archive", err)
		return
	}
	metrics.Record("get_by_id_archive", "ok")
	writeJSON(w, http.StatusOK, UplObj{Upl: u, IsArchived: true})
}

// GetBySku handles GET /api/v1/upl/by-sku/{sku}.
func (s *Service) GetBySku(w http.ResponseWriter, r *http.Request) {
	sku, err := parseSku(chi.URLParam(r, "sku"))
	if err != nil {
		s.fail(w, "get_by_sku", err)
		return
	}
	metrics.Record("get_by_sku", "ok")
	writeJSON(w, http.StatusOK, IDList{UplIDs: s.reg.IDsBySku(sku)})
}

// GetBySkuAndLocation handles POST /api/v1/upl/by-sku-location.
func (s *Service) GetBySkuAndLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sku      uint32          `json:"sku"`
		Location LocationPayload `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "get_by_sku_location", apperr.BadRequest("invalid request body"))
		return
	}
	loc, err := req.Location.toLocation()
	if err != nil {
		s.fail(w, "get_by_sku_location", err)
		return
	}
	metrics.Record("get_by_sku_location", "ok")
	writeJSON(w, http.StatusOK, IDList{UplIDs: s.reg.IDsBySkuAndLocation(req.Sku, loc)})
}

// GetByLocation handles POST /api/v1/upl/by-location.
func (s *Service) GetByLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Location LocationPayload `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "get_by_location", apperr.BadRequest("invalid request body"))
		return
	}
	loc, err := req.Location.toLocation()
	if err != nil {
		s.fail(w, "get_by_location", err)
		return
	}
	metrics.Record("get_by_location", "ok")
	writeJSON(w, http.StatusOK, IDList{UplIDs: s.reg.IDsByLocation(loc)})
}

// SetBestBefore handles POST /api/v1/upl/{uplID}/best-before. An empty
// best_before clears the date.
func (s *Service) SetBestBefore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BestBefore string `json:"best_before"`
		CreatedBy  uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "set_best_before", apperr.BadRequest("invalid request body"))
		return
	}
	bb, err := parseBestBefore(req.BestBefore)
	if err != nil {
		s.fail(w, "set_best_before", err)
		return
	}

	s.mutate(w, r, "set_best_before", func(u *model.Upl) error {
		u.SetBestBefore(bb, req.CreatedBy)
		return nil
	})
}

// Split handles POST /api/v1/upl/{uplID}/split. Responds with the parent;
// the split-off child is inserted into the registry.
func (s *Service) Split(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewUpl    string `json:"new_upl"`
		Piece     uint32 `json:"piece"`
		CreatedBy uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "split", apperr.BadRequest("invalid request body"))
		return
	}

	id := chi.URLParam(r, "uplID")
	parent, child, err := s.reg.Split(r.Context(), id, req.NewUpl, req.Piece, req.CreatedBy)
	if err != nil {
		s.fail(w, "split", err)
		return
	}

	s.log.Info("upl split", "upl", id, "new_upl", child.ID, "piece", req.Piece)
	s.committed("split", WSEvent{Type: "created", UplID: child.ID, Sku: child.GetSku(), Event: "split"})
	writeJSON(w, http.StatusOK, UplObj{Upl: parent})
}

// Divide handles POST /api/v1/upl/{uplID}/divide. Responds with the opened
// parent; the derived child is inserted into the registry.
func (s *Service) Divide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewUpl          string `json:"new_upl"`
		RequestedAmount uint32 `json:"requested_amount"`
		CreatedBy       uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "divide", apperr.BadRequest("invalid request body"))
		return
	}

	id := chi.URLParam(r, "uplID")
	parent, child, err := s.reg.Divide(r.Context(), id, req.NewUpl, req.RequestedAmount, req.CreatedBy)
	if err != nil {
		s.fail(w, "divide", err)
		return
	}

	s.log.Info("upl divided", "upl", id, "new_upl", child.ID, "amount", req.RequestedAmount)
	s.committed("divide", WSEvent{Type: "created", UplID: child.ID, Sku: child.GetSku(), Event: "divide"})
	writeJSON(w, http.StatusOK, UplObj{Upl: parent})
}

// OpenUpl handles POST /api/v1/upl/{uplID}/open.
func (s *Service) OpenUpl(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "open_upl", func(u *model.Upl) error { return u.Open() })
}

// CloseUpl handles POST /api/v1/upl/{uplID}/close.
func (s *Service) CloseUpl(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "close_upl", func(u *model.Upl) error { return u.Close() })
}

// SetDepreciation handles POST /api/v1/upl/{uplID}/depreciation.
func (s *Service) SetDepreciation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepreciationID uint32 `json:"depreciation_id"`
		Comment        string `json:"comment"`
		CreatedBy      uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "set_depreciation", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "set_depreciation", func(u *model.Upl) error {
		u.SetDepreciation(req.DepreciationID, req.Comment, req.CreatedBy)
		return nil
	})
}

// RemoveDepreciation handles DELETE /api/v1/upl/{uplID}/depreciation.
func (s *Service) RemoveDepreciation(w http.ResponseWriter, r *http.Request) {
	by := decodeBy(r)
	s.mutate(w, r, "remove_depreciation", func(u *model.Upl) error {
		return u.RemoveDepreciation(by)
	})
}

// SetDepreciationPrice handles POST /api/v1/upl/{uplID}/depreciation-price.
func (s *Service) SetDepreciationPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepreciationNetPrice uint32 `json:"depreciation_net_price"`
		CreatedBy            uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "set_depreciation_price", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "set_depreciation_price", func(u *model.Upl) error {
		return u.SetDepreciationPrice(&req.DepreciationNetPrice, req.CreatedBy)
	})
}

// RemoveDepreciationPrice handles DELETE /api/v1/upl/{uplID}/depreciation-price.
func (s *Service) RemoveDepreciationPrice(w http.ResponseWriter, r *http.Request) {
	by := decodeBy(r)
	s.mutate(w, r, "remove_depreciation_price", func(u *model.Upl) error {
		return u.SetDepreciationPrice(nil, by)
	})
}

// LockToCart handles POST /api/v1/upl/{uplID}/lock/cart.
func (s *Service) LockToCart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CartID    string `json:"cart_id"`
		CreatedBy uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "lock_to_cart", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "lock_to_cart", func(u *model.Upl) error {
		return u.SetLock(model.CartLock(req.CartID), req.CreatedBy)
	})
}

// ReleaseLockFromCart handles POST /api/v1/upl/{uplID}/unlock/cart.
func (s *Service) ReleaseLockFromCart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CartID    string `json:"cart_id"`
		CreatedBy uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "release_lock_from_cart", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "release_lock_from_cart", func(u *model.Upl) error {
		return u.Unlock(model.CartLock(req.CartID), req.CreatedBy)
	})
}

// LockToInventory handles POST /api/v1/upl/{uplID}/lock/inventory.
func (s *Service) LockToInventory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InventoryID string `json:"inventory_id"`
		CreatedBy   uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "lock_to_inventory", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "lock_to_inventory", func(u *model.Upl) error {
		return u.SetLock(model.InventoryLock(req.InventoryID), req.CreatedBy)
	})
}

// ReleaseLockFromInventory handles POST /api/v1/upl/{uplID}/unlock/inventory.
func (s *Service) ReleaseLockFromInventory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InventoryID string `json:"inventory_id"`
		CreatedBy   uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "release_lock_from_inventory", apperr.BadRequest("invalid request body"))
		return
	}
	s.mutate(w, r, "release_lock_from_inventory", func(u *model.Upl) error {
		return u.Unlock(model.InventoryLock(req.InventoryID), req.CreatedBy)
	})
}

// Restore handles POST /api/v1/upl/{uplID}/restore: bring an archived UPL
// back into the active collection under a fresh cart or inventory lock.
func (s *Service) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LockKind  string `json:"lock_kind"` // cart or inventory
		LockID    string `json:"lock_id"`
		CreatedBy uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "restore", apperr.BadRequest("invalid request body"))
		return
	}

	var lock model.Lock
	switch req.LockKind {
	case "cart":
		lock = model.CartLock(req.LockID)
	case "inventory":
		lock = model.InventoryLock(req.LockID)
	default:
		s.fail(w, "restore", apperr.BadRequest("lock_kind must be cart or inventory"))
		return
	}

	id := chi.URLParam(r, "uplID")
	u, err := s.reg.Restore(r.Context(), id, lock, req.CreatedBy)
	if err != nil {
		s.fail(w, "restore", err)
		return
	}

	s.log.Info("upl restored", "upl", id, "lock_kind", req.LockKind, "lock_id", req.LockID)
	s.committed("restore", WSEvent{Type: "restored", UplID: id, Sku: u.GetSku()})
	writeJSON(w, http.StatusOK, UplObj{Upl: u})
}

// CloseCart handles POST /api/v1/cart/{cartID}/close.
func (s *Service) CloseCart(w http.ResponseWriter, r *http.Request) {
	by := decodeBy(r)
	cartID := chi.URLParam(r, "cartID")
	closed, err := s.reg.CloseCart(r.Context(), cartID, by)
	if err != nil {
		s.fail(w, "close_cart", err)
		return
	}

	s.log.Info("cart closed", "cart", cartID, "archived", len(closed))
	for _, id := range closed {
		s.hub.Broadcast(WSEvent{Type: "archived", UplID: id, CartID: cartID})
	}
	s.committed("close_cart", WSEvent{})
	writeJSON(w, http.StatusOK, map[string]any{"closed_upl_ids": closed})
}

// CloseInventory handles POST /api/v1/inventory/{inventoryID}/close.
func (s *Service) CloseInventory(w http.ResponseWriter, r *http.Request) {
	by := decodeBy(r)
	inventoryID := chi.URLParam(r, "inventoryID")
	unlocked, err := s.reg.CloseInventory(r.Context(), inventoryID, by)
	if err != nil {
		s.fail(w, "close_inventory", err)
		return
	}

	s.log.Info("inventory closed", "inventory", inventoryID, "unlocked", len(unlocked))
	for _, id := range unlocked {
		s.hub.Broadcast(WSEvent{Type: "updated", UplID: id, InvID: inventoryID, Event: "unlocked_forced"})
	}
	s.committed("close_inventory", WSEvent{})
	writeJSON(w, http.StatusOK, map[string]any{"unlocked_upl_ids": unlocked})
}

// SetSkuPrice handles POST /api/v1/sku/price. The caller supplies both net
// and gross; a gross that does not equal round(net · vat) is rejected so a
// price typo can never reach the shelves.
func (s *Service) SetSkuPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sku        uint32 `json:"sku"`
		PriceNet   uint32 `json:"price_net"`
		Vat        string `json:"vat"`
		PriceGross uint32 `json:"price_gross"`
		CreatedBy  uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "set_sku_price", apperr.BadRequest("invalid request body"))
		return
	}
	vat, err := model.VATFromString(req.Vat)
	if err != nil {
		s.fail(w, "set_sku_price", err)
		return
	}
	if vat.ApplyTo(req.PriceNet) != req.PriceGross {
		s.fail(w, "set_sku_price", apperr.BadRequest(
			"gross %d does not match net %d under VAT %s", req.PriceGross, req.PriceNet, vat))
		return
	}

	updated, err := s.reg.SetSkuPrice(r.Context(), req.Sku, req.PriceNet, vat, req.CreatedBy)
	if err != nil {
		s.fail(w, "set_sku_price", err)
		return
	}

	s.log.Info("sku repriced", "sku", req.Sku, "net", req.PriceNet, "vat", req.Vat, "upls", len(updated))
	s.committed("set_sku_price", WSEvent{})
	writeJSON(w, http.StatusOK, map[string]any{"updated_upl_ids": updated})
}

// SetSkuDivisible handles POST /api/v1/sku/divisible.
func (s *Service) SetSkuDivisible(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sku       uint32 `json:"sku"`
		Divisible bool   `json:"divisible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "set_sku_divisible", apperr.BadRequest("invalid request body"))
		return
	}

	updated, err := s.reg.SetSkuDivisible(r.Context(), req.Sku, req.Divisible)
	if err != nil {
		s.fail(w, "set_sku_divisible", err)
		return
	}

	s.log.Info("sku divisibility set", "sku", req.Sku, "divisible", req.Divisible, "upls", len(updated))
	s.committed("set_sku_divisible", WSEvent{})
	writeJSON(w, http.StatusOK, map[string]any{"updated_upl_ids": updated})
}

// MergeBack handles POST /api/v1/upl/merge-back. Responds with the parent
// the child was folded back into.
func (s *Service) MergeBack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UplToMergeBack string `json:"upl_to_merge_back"`
		CreatedBy      uint32 `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "merge_back", apperr.BadRequest("invalid request body"))
		return
	}

	parent, err := s.reg.MergeBack(r.Context(), req.UplToMergeBack, req.CreatedBy)
	if err != nil {
		s.fail(w, "merge_back", err)
		return
	}

	s.log.Info("upl merged back", "upl", req.UplToMergeBack, "parent", parent.ID)
	s.committed("merge_back", WSEvent{Type: "removed", UplID: req.UplToMergeBack, Sku: parent.GetSku()})
	writeJSON(w, http.StatusOK, UplObj{Upl: parent})
}

// GetLocationInfo handles GET /api/v1/location-info/{sku}. Concurrent
// requests for the same SKU share one scan through singleflight.
func (s *Service) GetLocationInfo(w http.ResponseWriter, r *http.Request) {
	sku, err := parseSku(chi.URLParam(r, "sku"))
	if err != nil {
		s.fail(w, "get_location_info", err)
		return
	}

	info, _, _ := s.sf.Do(strconv.FormatUint(uint64(sku), 10), func() (any, error) {
		return s.reg.LocationInfo(sku, time.Now().UTC()), nil
	})

	metrics.Record("get_location_info", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"sku": sku, "info": info})
}

// GetLocationInfoBulk handles POST /api/v1/location-info/bulk: {skus} in,
// one NDJSON line per SKU out.
func (s *Service) GetLocationInfoBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Skus []uint32 `json:"skus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "get_location_info_bulk", apperr.BadRequest("invalid request body"))
		return
	}

	now := time.Now().UTC()
	bulk := s.reg.LocationInfoBulk(req.Skus, now)

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, sku := range req.Skus {
		info, ok := bulk[sku]
		if !ok {
			continue
		}
		enc.Encode(map[string]any{"sku": sku, "info": info})
		if flusher != nil {
			flusher.Flush()
		}
	}
	metrics.Record("get_location_info_bulk", "ok")
}

// --- helpers ---

// mutate runs a single-UPL transition through the registry and writes the
// post-state back.
func (s *Service) mutate(w http.ResponseWriter, r *http.Request, op string, fn func(*model.Upl) error) {
	id := chi.URLParam(r, "uplID")
	u, err := s.reg.Update(r.Context(), id, fn)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	s.committed(op, WSEvent{Type: "updated", UplID: id, Sku: u.GetSku(), Event: op})
	writeJSON(w, http.StatusOK, UplObj{Upl: u})
}

func (s *Service) buildUpl(req CreateUplRequest) (*model.Upl, error) {
	vat, err := model.VATFromString(req.SkuVat)
	if err != nil {
		return nil, err
	}
	bb, err := parseBestBefore(req.BestBefore)
	if err != nil {
		return nil, err
	}
	return model.NewUpl(model.NewUplInput{
		ID:                     req.UplID,
		ProductID:              req.ProductID,
		ProductUnit:            req.ProductUnit,
		Sku:                    req.Sku,
		Piece:                  req.Piece,
		SkuDivisibleAmount:     req.SkuDivisibleAmount,
		SkuDivisible:           req.SkuDivisible,
		SkuNetPrice:            req.SkuNetPrice,
		VAT:                    vat,
		ProcurementID:          req.ProcurementID,
		ProcurementNetPriceSku: req.ProcurementNetPriceSku,
		Location:               model.StockLocation(req.StockID),
		BestBefore:             bb,
		IsOpened:               req.IsOpened,
		CreatedBy:              req.CreatedBy,
	})
}

// committed records a successful mutation: operation counter, collection
// gauges, and (when the event names a UPL) the WebSocket feed.
func (s *Service) committed(op string, ev WSEvent) {
	metrics.Record(op, "ok")
	metrics.SetCollectionSizes(s.reg.Counts())
	if ev.UplID != "" {
		s.hub.Broadcast(ev)
	}
}

func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		s.log.Error("operation failed", "op", op, "error", err)
	}
	metrics.Record(op, code.String())
	writeError(w, err.Error(), apperr.Status(err))
}

func (p LocationPayload) toLocation() (model.Location, error) {
	switch model.LocationKind(p.Kind) {
	case model.LocationStock, model.LocationDelivery, model.LocationCart, model.LocationDiscard:
		return model.Location{Kind: model.LocationKind(p.Kind), ID: p.ID}, nil
	}
	return model.Location{}, apperr.BadRequest("unknown location kind: %q", p.Kind)
}

func parseSku(raw string) (uint32, error) {
	sku, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperr.BadRequest("invalid sku: %q", raw)
	}
	return uint32(sku), nil
}

func parseBestBefore(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.BadRequest("best_before must be RFC 3339: %q", raw)
	}
	t = t.UTC()
	return &t, nil
}

// decodeBy pulls created_by out of an optional request body.
func decodeBy(r *http.Request) uint32 {
	var req struct {
		CreatedBy uint32 `json:"created_by"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	return req.CreatedBy
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
