// Package api serves the read-only HTTP view of a worker session.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/roadside/api/jobs"
	"github.com/kilianp07/roadside/api/state"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/logger"
	"github.com/kilianp07/roadside/core/monitoring"
)

// Config of the state API. An empty Addr disables it.
type Config struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

// NewRouter wires the state, history and metrics endpoints. When token is
// non-empty every request must carry "Authorization: Bearer <token>".
func NewRouter(token string, views *state.Handler, history journal.Store, gatherer prometheus.Gatherer, log logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverMiddleware)
	router.Use(logMiddleware(log))
	if token != "" {
		router.Use(bearerMiddleware(token))
	}
	views.RegisterRoutes(router)
	if history == nil {
		history = journal.NopStore{}
	}
	router.Handle("/api/jobs/history", jobs.NewHistoryHandler(history)).Methods(http.MethodGet)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func bearerMiddleware(token string) mux.MiddlewareFunc {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		defer monitoring.Contain("api", &err)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logMiddleware(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			log.Debugw("http_request", map[string]any{
				"method":      r.Method,
				"route":       route,
				"status":      sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("api server shutdown: %v", err)
		}
		cancel()
	}()
	log.Infof("state api listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
