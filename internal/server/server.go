package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sw33tLie/motscan/internal/utils"
	"github.com/sw33tLie/motscan/pkg/scanner"
	"github.com/sw33tLie/motscan/pkg/storage"
)

// Controller is the scan job surface exposed over HTTP. *scanner.Scanner
// implements it.
type Controller interface {
	Start(ctx context.Context, opts scanner.Options) (scanner.Snapshot, error)
	Stop() error
	Status() scanner.Snapshot
	Stats(ctx context.Context) (scanner.Stats, error)
}

// VehicleStore looks up single vehicles.
type VehicleStore interface {
	GetVehicle(ctx context.Context, registration string) (storage.Vehicle, error)
}

type Server struct {
	Scanner  Controller
	DB       VehicleStore
	Gatherer prometheus.Gatherer // nil disables /metrics
	// Defaults are the scan options used when a start request omits them.
	Defaults      scanner.Options
	DueSoonWindow time.Duration
	Username      string
	Password      string

	now func() time.Time
}

func New(ctrl Controller, db VehicleStore, gatherer prometheus.Gatherer, user, pass string) *Server {
	return &Server{
		Scanner:       ctrl,
		DB:            db,
		Gatherer:      gatherer,
		Defaults:      scanner.DefaultOptions(),
		DueSoonWindow: 30 * 24 * time.Hour,
		Username:      user,
		Password:      pass,
		now:           time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.basicAuth)
	api.HandleFunc("/scan/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/scan/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/scan/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{registration}", s.handleVehicle).Methods(http.MethodGet)

	if s.Gatherer != nil {
		r.Handle("/metrics", s.basicAuth(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Log.Infof("Starting server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !equal(user, s.Username) || !equal(pass, s.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
