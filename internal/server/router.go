// Package server assembles the HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/diewo77/go-settle/auth"
	"github.com/diewo77/go-settle/httpx"
	"github.com/diewo77/go-settle/internal/handlers"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Tenants  *tenant.Manager
	Payments *handlers.PaymentHandler
	Auth     *handlers.AuthHandler
	Log      *slog.Logger
	// APIKey guards the staff routes; empty closes them.
	APIKey string
}

// New constructs the root http.Handler with all routes and middlewares applied.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	// A session only counts while its contact exists in the selected tenant.
	auth.SetContactVerifier(func(ctx context.Context, contactID uint) bool {
		db, err := tenant.DB(ctx)
		if err != nil {
			return false
		}
		var count int64
		if err := db.Model(&models.ClientContact{}).Where("id = ?", contactID).Limit(1).Count(&count).Error; err != nil {
			return false
		}
		return count > 0
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context(), d.Tenants); err != nil {
			d.Log.Warn("health check failed", "err", err)
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := http.NewServeMux()
	ah := d.Auth
	api.HandleFunc("POST /api/v1/session", ah.Login)
	api.HandleFunc("DELETE /api/v1/session", ah.Logout)

	// portal routes act for the signed-in contact's client
	portal := func(h http.HandlerFunc) http.Handler { return auth.RequireContact(h) }
	staff := func(h http.HandlerFunc) http.Handler { return auth.RequireAPIKey(d.APIKey, h) }

	ph := d.Payments
	api.Handle("POST /api/v1/payments/begin", portal(ph.Begin))
	api.Handle("POST /api/v1/payments/process", portal(ph.Process))
	api.Handle("POST /api/v1/payments/token", portal(ph.Token))
	api.Handle("POST /api/v1/payments/cancel", portal(ph.Cancel))
	api.Handle("GET /api/v1/payment_methods", portal(ph.Methods))
	api.Handle("POST /api/v1/payment_methods", portal(ph.Authorize))
	api.Handle("GET /api/v1/payments/{id}", staff(ph.Show))
	api.Handle("POST /api/v1/payments/{id}/refund", staff(ph.Refund))

	mux.Handle("/api/", d.Tenants.Middleware(auth.Middleware(api)))

	return withRecover(d.Log, withLogging(d.Log, mux))
}

// ping checks the default tenant's database with SELECT 1.
func ping(ctx context.Context, tenants tenant.Selector) error {
	ctx, err := tenants.Select(ctx, "")
	if err != nil {
		return err
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return err
	}
	return db.Exec("SELECT 1").Error
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"tenant", r.Header.Get(tenant.Header),
			"duration", time.Since(start),
		)
	})
}

func withRecover(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
