package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admin is the operator surface exposed next to /metrics.
type Admin interface {
	// ResetHalt clears a halt and reports the reason that was cleared, if any.
	ResetHalt() (wasHalted bool, reason string)
	// ClearUnhedged acknowledges that unhedged inventory for asset was closed by hand.
	ClearUnhedged(asset string)
	State() any
}

// Handler serves /healthz, /metrics and the admin endpoints. admin may be nil.
func Handler(reg *prometheus.Registry, admin Admin, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var h http.Handler
	if reg != nil {
		h = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		})
	} else {
		h = promhttp.Handler()
	}
	mux.Handle("/metrics", h)

	if admin != nil {
		mux.HandleFunc("POST /admin/reset", func(w http.ResponseWriter, _ *http.Request) {
			was, reason := admin.ResetHalt()
			writeJSON(w, map[string]any{"was_halted": was, "reason": reason})
		})
		mux.HandleFunc("POST /admin/unhedged/{asset}/clear", func(w http.ResponseWriter, r *http.Request) {
			asset := strings.ToUpper(r.PathValue("asset"))
			admin.ClearUnhedged(asset)
			logger.Warn("Admin: unhedged inventory acknowledged", "asset", asset)
			writeJSON(w, map[string]any{"asset": asset, "cleared": true})
		})
		mux.HandleFunc("GET /admin/state", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, admin.State())
		})
	}
	return mux
}

// Serve runs the metrics and admin HTTP server until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, admin Admin, logger *slog.Logger) {
	if addr == "" {
		logger.Info("Metrics disabled: empty addr")
		return
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(reg, admin, logger),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", "error", err)
		} else {
			logger.Info("Metrics server stopped")
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
