package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

// PaymentAPI — операции участника «Оплата», доступные по HTTP.
type PaymentAPI interface {
	CreatePayment(ctx context.Context, in payment.CreatePaymentInput) (domain.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID, status string, payerID *string) (domain.Payment, error)
	CancelPayment(ctx context.Context, orderID string) (domain.Payment, error)
	ListUserPayments(ctx context.Context, userID string) ([]domain.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (domain.Payment, error)
	GetPaymentByUserAndOrder(ctx context.Context, userID, orderID string) (domain.Payment, error)
}

type createPaymentRequest struct {
	Data struct {
		OrderID string          `json:"orderId"`
		Amount  decimal.Decimal `json:"amount"`
	} `json:"data"`
}

type paymentStatusRequest struct {
	Status  string  `json:"status"`
	PayerID *string `json:"payerId"`
}

type paymentHandler struct {
	svc    PaymentAPI
	logger *log.Entry
}

func (h *paymentHandler) routes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/payment", func(r chi.Router) {
		r.Use(authn)
		r.Post("/", h.create)
		r.Get("/", h.listUser)
		r.Get("/user/{userId}/order/{orderId}", h.byUserAndOrder)
		r.Get("/{paymentId}", h.get)
		r.Patch("/{paymentId}/status", h.updateStatus)
		r.Patch("/{orderId}/cancel", h.cancel)
	})
}

func (h *paymentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid payment data", err)
		return
	}
	p, err := h.svc.CreatePayment(r.Context(), payment.CreatePaymentInput{
		UserID:  subjectID(r),
		OrderID: req.Data.OrderID,
		Amount:  req.Data.Amount,
	})
	if err != nil {
		writeError(w, r, h.logger, "Server error while creating payment.", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":      "Payment created successfully.",
		"approval_url": p.ApprovalURL,
		"payment":      p,
	})
}

func (h *paymentHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req paymentStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, "Invalid payment status", err)
		return
	}
	p, err := h.svc.UpdatePaymentStatus(r.Context(), chi.URLParam(r, "paymentId"), req.Status, req.PayerID)
	if err != nil {
		writeError(w, r, h.logger, "Failed to update payment status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Payment status updated successfully.",
		"payment": p,
		"code":    CodeSuccess,
	})
}

func (h *paymentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CancelPayment(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, h.logger, "Failed to cancel payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Payment cancelled successfully.",
		"payment": p,
		"code":    CodeSuccess,
	})
}

func (h *paymentHandler) listUser(w http.ResponseWriter, r *http.Request) {
	payments, err := h.svc.ListUserPayments(r.Context(), subjectID(r))
	if err != nil {
		writeError(w, r, h.logger, "Failed to fetch payments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *paymentHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPayment(r.Context(), chi.URLParam(r, "paymentId"))
	if err != nil {
		writeError(w, r, h.logger, "Payment not found.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": p})
}

func (h *paymentHandler) byUserAndOrder(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if s, _ := auth.SubjectFrom(r.Context()); s.ID != userID && !s.IsAdmin() {
		writeError(w, r, h.logger, "Access denied", domain.ErrOrderForbidden)
		return
	}
	p, err := h.svc.GetPaymentByUserAndOrder(r.Context(), userID, chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, h.logger, "No payment info found for this user's order.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": p})
}
