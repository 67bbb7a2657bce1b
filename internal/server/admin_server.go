package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/cnindex"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

// ChangelogReader gives access to the change number index while the
// indexer runs
type ChangelogReader interface {
	GetCNIndexReader() (*cnindex.ChangeNumberIndexLog, error)
}

// HealthReporter reports node health
type HealthReporter interface {
	GetStatus() model.HealthStatus
	IsReady() bool
}

// AdminServer serves metrics, health probes and read-only external
// changelog endpoints over HTTP
type AdminServer struct {
	httpServer *http.Server
	router     *mux.Router
	reader     ChangelogReader
	health     HealthReporter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port        int
	MetricsPath string
}

// ChangeRecord is the JSON form of an index record
type ChangeRecord struct {
	ChangeNumber   uint64 `json:"change_number"`
	Domain         string `json:"domain"`
	CSN            string `json:"csn"`
	PreviousCookie string `json:"previous_cookie"`
}

func toChangeRecord(rec *model.ChangeNumberIndexRecord) ChangeRecord {
	return ChangeRecord{
		ChangeNumber:   rec.ChangeNumber,
		Domain:         rec.Domain,
		CSN:            rec.CSN.String(),
		PreviousCookie: rec.PreviousCookie,
	}
}

// NewAdminServer creates a new admin server
func NewAdminServer(cfg *AdminServerConfig, reader ChangelogReader, hr HealthReporter, m *metrics.Metrics, logger *zap.Logger) *AdminServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	router := mux.NewRouter()

	s := &AdminServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:  router,
		reader:  reader,
		health:  hr,
		metrics: m,
		logger:  logger,
	}

	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)

	changelog := router.PathPrefix("/changelog").Subrouter()
	changelog.HandleFunc("/oldest", s.withIndex(s.oldestHandler)).Methods(http.MethodGet)
	changelog.HandleFunc("/newest", s.withIndex(s.newestHandler)).Methods(http.MethodGet)
	changelog.HandleFunc("/count", s.withIndex(s.countHandler)).Methods(http.MethodGet)
	changelog.HandleFunc("/changes", s.withIndex(s.changesHandler)).Methods(http.MethodGet)

	return s
}

// Handler returns the HTTP handler of the server
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts the admin server
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop() error {
	s.logger.Info("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, clerrors.HTTPStatus(err), map[string]interface{}{
		"error": err.Error(),
		"code":  clerrors.GetCode(err),
	})
}

// healthHandler handles health check requests
func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.health.GetStatus()
	code := http.StatusOK
	if status.Status == model.NodeStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// readyHandler reports whether the external changelog can be served
func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.reader.GetCNIndexReader(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": err.Error(),
		})
		return
	}
	if !s.health.IsReady() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"checks": s.health.GetStatus().Checks,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type indexHandler func(w http.ResponseWriter, r *http.Request, index *cnindex.ChangeNumberIndexLog)

// withIndex refuses external changelog reads once the indexer stopped
func (s *AdminServer) withIndex(h indexHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := s.reader.GetCNIndexReader()
		if err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r, index)
	}
}

func (s *AdminServer) oldestHandler(w http.ResponseWriter, r *http.Request, index *cnindex.ChangeNumberIndexLog) {
	rec := index.OldestRecord()
	if rec == nil {
		s.writeError(w, clerrors.NotFound("external changelog is empty"))
		return
	}
	s.writeJSON(w, http.StatusOK, toChangeRecord(rec))
}

func (s *AdminServer) newestHandler(w http.ResponseWriter, r *http.Request, index *cnindex.ChangeNumberIndexLog) {
	rec := index.NewestRecord()
	if rec == nil {
		s.writeError(w, clerrors.NotFound("external changelog is empty"))
		return
	}
	s.writeJSON(w, http.StatusOK, toChangeRecord(rec))
}

func (s *AdminServer) countHandler(w http.ResponseWriter, r *http.Request, index *cnindex.ChangeNumberIndexLog) {
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": index.Count()})
}

func parseUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, clerrors.InvalidArgument(fmt.Sprintf("invalid %s parameter %q", name, v), err)
	}
	return n, nil
}

// changesHandler returns up to limit records starting at change number from
func (s *AdminServer) changesHandler(w http.ResponseWriter, r *http.Request, index *cnindex.ChangeNumberIndexLog) {
	from, err := parseUint(r, "from", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := parseUint(r, "limit", defaultChangesLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit == 0 || limit > maxChangesLimit {
		limit = maxChangesLimit
	}

	cursor, err := index.CursorFrom(from)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cursor.Close()

	changes := make([]ChangeRecord, 0)
	for uint64(len(changes)) < limit {
		ok, err := cursor.Next()
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			break
		}
		changes = append(changes, toChangeRecord(cursor.Record().Value))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}
