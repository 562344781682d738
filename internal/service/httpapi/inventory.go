package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// InventoryAPI — складские операции, доступные по HTTP.
type InventoryAPI interface {
	AddStock(ctx context.Context, productID string, qty int) (domain.InventoryRecord, error)
	ReduceStock(ctx context.Context, productID string, qty int) (domain.InventoryRecord, error)
	GetStock(ctx context.Context, productID string) (domain.InventoryRecord, error)
	ListLowStock(ctx context.Context) ([]domain.InventoryRecord, error)
}

type stockRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type inventoryHandler struct {
	svc    InventoryAPI
	logger *log.Entry
}

func (h *inventoryHandler) routes(r chi.Router, authn, admin func(http.Handler) http.Handler) {
	r.Route("/inventory", func(r chi.Router) {
		r.With(authn, admin).Post("/add-stock", h.add)
		r.With(authn, admin).Post("/reduce-stock", h.reduce)
		r.Get("/get-stock/{productId}", h.get)
		r.With(authn, admin).Get("/low-stock", h.lowStock)
	})
}

func (h *inventoryHandler) add(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid stock request", err)
		return
	}
	rec, err := h.svc.AddStock(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, "Failed to add stock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Stock added successfully", "inventory": rec})
}

func (h *inventoryHandler) reduce(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid stock request", err)
		return
	}
	rec, err := h.svc.ReduceStock(r.Context(), req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, "Failed to reduce stock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Stock reduced successfully", "inventory": rec})
}

func (h *inventoryHandler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStock(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, r, h.logger, "Product not found in inventory", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": rec})
}

func (h *inventoryHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListLowStock(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "Failed to fetch low stock products", err)
		return
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"message": "No products are low on stock", "lowStockItems": items})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lowStockItems": items})
}
