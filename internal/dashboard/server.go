// Package dashboard exposes a read-only JSON view of the running bot:
// pool totals, per-pair snapshots, and equity history. It never mutates
// trading state.
package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// SnapshotSource provides the current state of the pool and every pair.
// engine.Manager satisfies this.
type SnapshotSource interface {
	Snapshots() (types.PoolSnapshot, []types.PairSnapshot)
}

// HistorySource provides persisted equity observations, newest first.
type HistorySource interface {
	EquityHistory(limit int) ([]types.PoolSnapshot, error)
}

// Server is the HTTP side of the dashboard.
type Server struct {
	source     SnapshotSource
	history    HistorySource
	httpServer *http.Server
	listener   net.Listener
	log        *logger.Logger
}

// NewServer builds a dashboard over the given snapshot source. history may
// be nil when persistence is disabled.
func NewServer(source SnapshotSource, history HistorySource, log *logger.Logger) *Server {
	return &Server{
		source:  source,
		history: history,
		log:     log,
	}
}

// Start begins serving on address. Empty address picks a random port.
func (s *Server) Start(address string) error {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDashboardFailed, err, "failed to listen on %s", address)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			s.log.Error("dashboard server error", zap.Error(err))
		}
	}()

	s.log.Info("dashboard listening", zap.String("address", s.Address()))

	return nil
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/v1/pairs", s.handlePairs).Methods("GET")
	// Symbols contain a slash (BTC/USDT), so the pattern spans segments.
	router.HandleFunc("/api/v1/pairs/{symbol:.+}", s.handlePair).Methods("GET")
	router.HandleFunc("/api/v1/equity", s.handleEquity).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return router
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Address returns the bound address, empty before Start.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

type statusResponse struct {
	Pool  types.PoolSnapshot   `json:"pool"`
	Pairs []types.PairSnapshot `json:"pairs"`
	Time  time.Time            `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pool, pairs := s.source.Snapshots()
	writeJSON(w, http.StatusOK, statusResponse{
		Pool:  pool,
		Pairs: pairs,
		Time:  time.Now().UTC(),
	})
}

func (s *Server) handlePairs(w http.ResponseWriter, _ *http.Request) {
	_, pairs := s.source.Snapshots()
	writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	_, pairs := s.source.Snapshots()
	for _, pair := range pairs {
		if pair.Symbol == symbol {
			writeJSON(w, http.StatusOK, pair)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pair: " + symbol})
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "persistence disabled"})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 10000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit: " + raw})
			return
		}

		limit = parsed
	}

	history, err := s.history.EquityHistory(limit)
	if err != nil {
		s.log.Error("failed to read equity history", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read equity history"})

		return
	}

	if history == nil {
		history = []types.PoolSnapshot{}
	}

	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}
