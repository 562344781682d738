package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
)

// Config собирает зависимости роутера. Незаданные участники не монтируются.
type Config struct {
	Orders    OrderAPI
	Payments  PaymentAPI
	Inventory InventoryAPI

	Verifier auth.Verifier
	Metrics  *Metrics
	Logger   *log.Entry
}

// NewRouter строит chi-роутер с маршрутами /api/{order,payment,inventory}.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Instrument)
	}
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)

	authn := auth.Middleware(cfg.Verifier, logger.WithField("component", "auth"))
	admin := auth.RequireRole(auth.RoleAdmin)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "route not found", Code: "NOT_FOUND"})
	})

	r.Route("/api", func(r chi.Router) {
		if cfg.Orders != nil {
			(&orderHandler{svc: cfg.Orders, logger: logger}).routes(r, authn, admin)
		}
		if cfg.Payments != nil {
			(&paymentHandler{svc: cfg.Payments, logger: logger}).routes(r, authn)
		}
		if cfg.Inventory != nil {
			(&inventoryHandler{svc: cfg.Inventory, logger: logger}).routes(r, authn, admin)
		}
	})
	return r
}
