package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gammadesk/options-engine/internal/backtest"
	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/sched"
	"github.com/gammadesk/options-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host          string
	Port          int
	EnableMetrics bool
}

// Server exposes health, status, config administration, the alert webhook,
// backtest runs and the WebSocket stream.
type Server struct {
	logger     *zap.Logger
	config     ServerConfig
	router     *mux.Router
	httpServer *http.Server

	policy    *policy.Engine
	breaker   *policy.CircuitBreaker
	options   *engine.OptionsEngine
	scheduler *sched.Scheduler
	hub       *Hub
}

// NewServer wires the routes.
func NewServer(
	logger *zap.Logger,
	config ServerConfig,
	policyEngine *policy.Engine,
	breaker *policy.CircuitBreaker,
	optionsEngine *engine.OptionsEngine,
	scheduler *sched.Scheduler,
	hub *Hub,
) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		policy:    policyEngine,
		breaker:   breaker,
		options:   optionsEngine,
		scheduler: scheduler,
		hub:       hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleSetConfig).Methods(http.MethodPatch)
	api.HandleFunc("/killswitch", s.handleKillSwitch).Methods(http.MethodPost)
	api.HandleFunc("/breaker/reset", s.handleBreakerReset).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleAlert).Methods(http.MethodPost)
	api.HandleFunc("/backtest", s.handleBacktest).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.hub.HandleWS)
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start blocks serving HTTP until Stop.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"killSwitch":    s.policy.KillSwitchActive(),
		"breaker":       s.breaker.State(),
		"breakerPaused": s.breaker.IsPaused(),
		"activeTrades":  s.options.ActiveTrades(),
		"wsClients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.policy.GetConfig())
}

// handleSetConfig applies a {key: value} patch, key by key, rejecting the
// whole request on the first bad key.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	for key, value := range patch {
		if err := s.policy.SetKey(key, value); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", key, err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.policy.GetConfig())
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.policy.SetKillSwitch(body.Active)
	if body.Active {
		// The sweep cancels orders and liquidates; run it off the request.
		go s.options.KillSweep(context.Background())
		s.scheduler.Deliver(sched.Event{Kind: sched.EventCloseAll})
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"killSwitch": body.Active})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.breaker.Reset()
	s.writeJSON(w, http.StatusOK, s.breaker.State())
}

// handleAlert accepts the external alert payload and feeds the scheduler
// inbox; the options engine consumes it on its fast path.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var alert types.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid alert payload")
		return
	}
	if alert.Ticker == "" || alert.Action == "" {
		s.writeError(w, http.StatusBadRequest, "alert requires action and ticker")
		return
	}
	alert.ReceivedAt = time.Now()

	s.scheduler.Deliver(sched.Event{Kind: sched.EventAlert, Payload: alert})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleBacktest runs a synchronous backtest over a CSV bar file.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CSVPath string           `json:"csvPath"`
		Config  *backtest.Config `json:"config,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.CSVPath == "" {
		s.writeError(w, http.StatusBadRequest, "csvPath required")
		return
	}

	bars, err := backtest.LoadCSV(body.CSVPath)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := backtest.DefaultConfig()
	if body.Config != nil {
		cfg = *body.Config
	}
	result, err := backtest.New(s.logger, cfg).Run(bars)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
