package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/detection"
	"github.com/ipsix/tailwatch/internal/logging"
	"github.com/ipsix/tailwatch/internal/monitor"
	"github.com/ipsix/tailwatch/internal/scheduler"
	"github.com/ipsix/tailwatch/internal/state"
	"github.com/ipsix/tailwatch/internal/webui"
)

type StatusProvider interface {
	Status() monitor.Status
}

type AlertHistory interface {
	List(since time.Time, limit int) ([]alerting.Alert, error)
}

type JobLister interface {
	Jobs() []scheduler.JobStatus
}

type ChannelLister interface {
	Channels() []string
}

// Deps are the read-only views the API serves. History and Jobs may be nil.
type Deps struct {
	Monitor  StatusProvider
	Cache    *state.AlertCache
	History  AlertHistory
	Jobs     JobLister
	Channels ChannelLister
}

type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	deps    Deps
	handler http.Handler
}

func New(cfg config.APIConfig, logger *logging.Logger, deps Deps) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{cfg: cfg, logger: logger, deps: deps}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) String() string { return "api" }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api server starting", logging.F("addr", s.cfg.BindAddr))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	if s.cfg.Dashboard {
		board, err := webui.Handler("/ui")
		if err != nil {
			s.logger.Warn("dashboard unavailable", logging.F("error", err))
		} else {
			r.Get("/ui", func(w http.ResponseWriter, req *http.Request) {
				http.Redirect(w, req, "/ui/", http.StatusMovedPermanently)
			})
			r.Handle("/ui/*", board)
		}
	}

	routes := func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/alerts/devices", s.handleDevices)
		r.Get("/alerts/history", s.handleHistory)
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Use(s.withAuth)
		routes(r)
		r.Route("/api", routes)
	})
	return r
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", ww.Status()),
			logging.F("duration", time.Since(started)),
			logging.F("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	monitor.Status
	Channels    []string               `json:"channels"`
	AlertCounts map[detection.Tier]int `json:"alert_counts"`
	Jobs        []scheduler.JobStatus  `json:"jobs,omitempty"`
	Storage     bool                   `json:"storage"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Channels:    []string{},
		AlertCounts: map[detection.Tier]int{},
		Storage:     s.deps.History != nil,
	}
	if s.deps.Monitor != nil {
		resp.Status = s.deps.Monitor.Status()
	}
	if s.deps.Channels != nil {
		resp.Channels = s.deps.Channels.Channels()
	}
	if s.deps.Cache != nil {
		resp.AlertCounts = s.deps.Cache.Counts()
	}
	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAlerts serves the in-memory recent alerts, optionally ?tier=critical.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var tier detection.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		parsed, err := detection.ParseTier(strings.ToLower(raw))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		tier = parsed
	}
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, []alerting.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.History(tier))
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, []state.DeviceSummary{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Devices())
}

// handleHistory reads the persistent journal: ?since=<RFC3339>&limit=<n>.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert storage is disabled"})
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	alerts, err := s.deps.History.List(since, limit)
	if err != nil {
		s.logger.Error("alert history read failed", logging.F("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
