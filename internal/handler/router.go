package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/finledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса finledger.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authLimiter.Middleware)

			r.Post("/auth/challenge", h.Challenge)
			r.Post("/auth/login", h.Login)
		})

		r.Get("/roles/{address}", h.GetRole)
		r.Get("/loans/{address}", h.GetLoan)
		r.Get("/balance/{address}", h.GetBalanceOf)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/managers", h.AddManager)
			r.Get("/managers", h.ListManagers)
			r.Delete("/managers/{address}", h.RemoveManager)

			r.Post("/users", h.AddRegularUser)
			r.Get("/users", h.ListRegularUsers)
			r.Delete("/users/{address}", h.RemoveRegularUser)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance/deposit", h.Deposit)
			r.Post("/balance/withdraw", h.Withdraw)

			r.Post("/loans", h.RequestLoan)
			r.Post("/loans/{address}/approve", h.ApproveLoan)

			r.Get("/events", h.GetEvents)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
