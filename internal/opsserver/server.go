package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/debug"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/middleware"
)

// Server is the ambient health/metrics/admin HTTP surface spec.md §10
// describes: health, readiness, liveness, Prometheus /metrics, an
// introspection endpoint for cache/handle stats, and an admin endpoint to
// trigger a snapshot restore. It is adapted from the donor's gorilla/mux
// routing plus internal/metrics health handlers; the donor's per-request S3
// handlers (internal/api) have no equivalent here since this engine exposes
// no public file-transfer HTTP API.
type Server struct {
	cfg *config.Config
	log *logrus.Entry
	eng *engine.Engine
	m   *metrics.Metrics
	srv *http.Server
}

// New builds a Server bound to eng, ready to ListenAndServe on cfg.Ops.ListenAddr.
func New(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{cfg: cfg, log: log, eng: eng, m: m}
	eng.SetMetrics(m)

	router := mux.NewRouter()
	router.Handle("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)
	router.Handle("/readyz", metrics.ReadinessHandler(s.poolHealthCheck)).Methods(http.MethodGet)
	router.Handle("/livez", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/introspect", s.handleIntrospect).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/snapshot/{name}/restore", s.handleRestoreSnapshot).Methods(http.MethodPost)
	admin.HandleFunc("/account/{id}/rebuild", s.handleRebuildAccount).Methods(http.MethodPost)
	admin.HandleFunc("/account/{id}/scrub", s.handleScrubAccount).Methods(http.MethodPost)
	admin.Use(newAdminAuth(cfg.Ops.AdminToken).wrap)

	handler := middleware.RecoveryMiddleware(logrus.StandardLogger())(router)
	handler = middleware.LoggingMiddleware(logrus.StandardLogger())(handler)

	s.srv = &http.Server{
		Addr:         cfg.Ops.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe runs the ops server until ctx is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("ops server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// poolHealthCheck fails readiness when fewer than K accounts are currently healthy.
func (s *Server) poolHealthCheck(ctx context.Context) error {
	health := s.eng.Pool().Health()
	available := health.AvailableAccounts(s.eng.Pool().AccountIDs())
	if len(available) < s.cfg.Raid.K {
		return fmt.Errorf("only %d/%d accounts healthy, need %d", len(available), len(s.eng.Pool().AccountIDs()), s.cfg.Raid.K)
	}
	return nil
}

type introspectResponse struct {
	CacheEntries   int   `json:"cache_entries"`
	CacheBytes     int64 `json:"cache_bytes"`
	OpenHandles    int   `json:"open_handles"`
	HealthyAccount []int `json:"healthy_accounts"`
	DebugEnabled   bool  `json:"debug_enabled"`
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	resp := introspectResponse{
		CacheEntries:   s.eng.Cache().Len(),
		CacheBytes:     s.eng.Cache().Size(),
		OpenHandles:    s.eng.Handles().Count(),
		HealthyAccount: s.eng.Pool().Health().AvailableAccounts(s.eng.Pool().AccountIDs()),
		DebugEnabled:   debug.Enabled(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.eng.Store().RestoreSnapshot(name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRebuildAccount triggers an immediate, synchronous rebuild of every
// stripe placing a block on the given account id, reconstructing missing
// blocks from the surviving K-of-N shares of each.
func (s *Server) handleRebuildAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	stripes, err := s.eng.StripeRefsForAccount(accountID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.eng.Rebuild().RebuildAccount(r.Context(), accountID, stripes, nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScrubAccount verifies every stripe placing a block on the given
// account id can still be reconstructed, without repairing anything.
func (s *Server) handleScrubAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	stripes, err := s.eng.StripeRefsForAccount(accountID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	results := s.eng.Rebuild().Scrub(r.Context(), stripes, nil)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}
