// Package api_test provides tests for the admin API server.
package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gammadesk/options-engine/internal/ai"
	"github.com/gammadesk/options-engine/internal/api"
	"github.com/gammadesk/options-engine/internal/assessor"
	"github.com/gammadesk/options-engine/internal/engine"
	"github.com/gammadesk/options-engine/internal/gex"
	"github.com/gammadesk/options-engine/internal/macro"
	"github.com/gammadesk/options-engine/internal/market"
	"github.com/gammadesk/options-engine/internal/mtf"
	"github.com/gammadesk/options-engine/internal/policy"
	"github.com/gammadesk/options-engine/internal/sched"
	"github.com/gammadesk/options-engine/internal/store"
	"github.com/gammadesk/options-engine/pkg/types"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*api.Server, *sched.Scheduler) {
	t.Helper()
	logger := zap.NewNop()

	storage, err := store.NewStorage(logger, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	audit, err := store.NewAuditLog(logger, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	gateway := &market.StubGateway{}
	policyEngine := policy.NewEngine(logger, storage)
	breaker := policy.NewCircuitBreaker(logger, storage)
	scheduler := sched.New(logger)
	hub := api.NewHub(logger)

	optionsEngine := engine.NewOptionsEngine(
		logger, gateway, policyEngine, breaker,
		gex.NewEngine(logger, gex.DefaultConfig()),
		macro.NewService(logger, gateway),
		mtf.NewService(logger, gateway),
		assessor.New(logger),
		ai.New(logger, nil, time.Second),
		storage, audit, hub,
		engine.OptionsConfig{},
	)

	server := api.NewServer(logger, api.ServerConfig{Host: "localhost", Port: 0},
		policyEngine, breaker, optionsEngine, scheduler, hub)
	return server, scheduler
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if _, ok := body["breaker"]; !ok {
		t.Error("status missing breaker state")
	}
}

func TestConfigPatch(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/config",
		strings.NewReader(`{"options_min_conviction": 8}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var cfg policy.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.OptionsMinConviction != 8 {
		t.Errorf("conviction = %d, want 8", cfg.OptionsMinConviction)
	}
}

func TestConfigPatchRejectsUnknownKey(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/config",
		strings.NewReader(`{"mystery_knob": true}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAlertWebhookQueuesEvent(t *testing.T) {
	server, scheduler := newTestServer(t)
	defer scheduler.Stop()

	received := make(chan types.Alert, 1)
	scheduler.Subscribe("test", sched.EventAlert, func(ctx context.Context, event sched.Event) {
		if alert, ok := event.Payload.(types.Alert); ok {
			received <- alert
		}
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts",
		strings.NewReader(`{"action":"BUY","ticker":"SPY","confidence":"HIGH"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case alert := <-received:
		if alert.Ticker != "SPY" || alert.Confidence != types.AlertConfidenceHigh {
			t.Errorf("alert = %+v", alert)
		}
	case <-time.After(time.Second):
		t.Fatal("alert never reached the scheduler inbox")
	}
}

func TestAlertWebhookRejectsPartialPayload(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts",
		strings.NewReader(`{"action":"BUY"}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
