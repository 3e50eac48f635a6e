package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/orders", func(r chi.Router) {
		r.With(RequirePrincipal).Post("/", h.PlaceOrder)
		r.Get("/{id}", h.GetOrder)
		r.With(RequirePrincipal).Post("/{id}/cancel", h.CancelOrder)
	})
	r.Route("/sales", func(r chi.Router) {
		r.Get("/", h.ListSales)
		r.Get("/{orderID}", h.SaleByOrder)
	})
	r.Get("/stock/{productID}/{locationID}", h.GetStock)

	return r
}

func NewServer(addr string, mux *chi.Mux) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
