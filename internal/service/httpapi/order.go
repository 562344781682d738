package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
)

// OrderAPI — операции участника «Заказ», доступные по HTTP.
type OrderAPI interface {
	CreateOrder(ctx context.Context, in order.CreateOrderInput) (domain.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	AutoCancelOrder(ctx context.Context, orderID string) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (domain.Order, error)
	GetOrderDetails(ctx context.Context, userID, orderID string) (order.Details, error)
	ListUserOrders(ctx context.Context, userID string) ([]domain.Order, error)
	ListAllOrders(ctx context.Context) ([]domain.Order, error)
}

type orderItemRequest struct {
	Product  string          `json:"product"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type createOrderRequest struct {
	OrderData struct {
		Products        []orderItemRequest     `json:"products"`
		ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
		Phone           string                 `json:"phone"`
	} `json:"orderData"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type orderHandler struct {
	svc    OrderAPI
	logger *log.Entry
}

func (h *orderHandler) routes(r chi.Router, authn, admin func(http.Handler) http.Handler) {
	r.Route("/order", func(r chi.Router) {
		r.With(authn).Post("/", h.create)
		r.With(authn).Get("/", h.listUser)
		r.With(authn, admin).Get("/all", h.listAll)
		r.With(authn, admin).Patch("/{orderId}/status", h.updateStatus)
		r.With(authn).Patch("/{orderId}/cancel", h.cancel)
		r.With(authn, admin).Patch("/{orderId}/auto-cancel", h.autoCancel)
		r.With(authn).Get("/{orderId}/details", h.details)
	})
}

func subjectID(r *http.Request) string {
	s, _ := auth.SubjectFrom(r.Context())
	return s.ID
}

func (h *orderHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid order data", err)
		return
	}
	items := lo.Map(req.OrderData.Products, func(p orderItemRequest, _ int) domain.LineItem {
		return domain.LineItem{ProductID: p.Product, Name: p.Name, UnitPrice: p.Price, Quantity: p.Quantity}
	})
	created, err := h.svc.CreateOrder(r.Context(), order.CreateOrderInput{
		UserID:          subjectID(r),
		Items:           items,
		ShippingAddress: req.OrderData.ShippingAddress,
		Phone:           req.OrderData.Phone,
	})
	if err != nil {
		writeError(w, r, h.logger, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":   created,
		"message": "Order created successfully",
		"code":    CodeSuccess,
	})
}

func (h *orderHandler) listUser(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListUserOrders(r.Context(), subjectID(r))
	if err != nil {
		writeError(w, r, h.logger, "Failed to fetch orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *orderHandler) listAll(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListAllOrders(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "Failed to fetch orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *orderHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid status", err)
		return
	}
	updated, err := h.svc.UpdateOrderStatus(r.Context(), chi.URLParam(r, "orderId"), req.Status)
	if err != nil {
		writeError(w, r, h.logger, "Failed to update order status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Order status updated successfully",
		"updatedOrder": updated,
		"code":         CodeSuccess,
	})
}

func (h *orderHandler) cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.svc.CancelOrder(r.Context(), subjectID(r), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, h.logger, "Failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order cancelled successfully",
		"order":   cancelled,
		"code":    CodeSuccess,
	})
}

func (h *orderHandler) autoCancel(w http.ResponseWriter, r *http.Request) {
	expired, err := h.svc.AutoCancelOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, h.logger, "Failed to auto-cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order auto-cancelled successfully",
		"order":   expired,
		"code":    CodeSuccess,
	})
}

func (h *orderHandler) details(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetOrderDetails(r.Context(), subjectID(r), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, h.logger, "Order not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order details fetched successfully",
		"order":   d,
		"code":    CodeSuccess,
	})
}
