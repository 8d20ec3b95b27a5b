// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/services/aiops"
	"github.com/KodiakOps/KodiakStack/services/autonomic"
	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/devops"
	"github.com/KodiakOps/KodiakStack/services/gateway/routes"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

const infraYAML = `
environment: dev
providers:
  - name: google
    version: "5.0.0"
resources:
  - type: storage_bucket
    name: audit-archive
    attributes:
      location: US
services:
  - name: api-gateway
    image: kodiak/gateway:1.0
    replicas: 2
    port: 12400
`

type testStack struct {
	router *gin.Engine
	audit  *compliance.AuditLogger
	store  *autonomic.IncidentStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	auditDir := t.TempDir()
	auditCfg := compliance.DefaultLoggerConfig(auditDir, "gateway-test")
	auditCfg.Fsync = false
	auditCfg.DB = db
	audit, err := compliance.NewAuditLogger(auditCfg)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	health := monitor.NewHealthChecker(monitor.HealthCheckerConfig{ProbeTimeout: time.Second})
	health.Register(monitor.ProbeFunc{ProbeName: "badger", Fn: func(context.Context) error { return nil }})

	store, err := autonomic.NewIncidentStore(db)
	require.NoError(t, err)

	reg := autonomic.NewRegistry()
	require.NoError(t, reg.Register(autonomic.HealRule{
		ID:          "restart.api-gateway",
		Description: "Restart the gateway process.",
		Priority:    10,
		Cooldown:    30 * time.Second,
		MaxAttempts: 3,
		Condition:   func(monitor.ComponentHealth) bool { return true },
		Action:      func(context.Context, *autonomic.Incident) error { return nil },
	}))

	collector := aiops.NewCollector(aiops.CollectorConfig{})
	require.NoError(t, collector.Register(aiops.SourceFunc{
		Name: "kodiak_http_active_requests",
		Fn:   func(context.Context) (float64, error) { return 12, nil },
	}))
	scaler, err := aiops.NewAutoScaler(aiops.AutoScalerConfig{
		Policy: &aiops.ScalingPolicy{
			Metric:             "kodiak_http_active_requests",
			ScaleUpThreshold:   80,
			ScaleDownThreshold: 30,
			MinReplicas:        1,
			MaxReplicas:        10,
		},
		Collector: collector,
		Target:    aiops.NewLocalTarget("api-gateway", 2),
	})
	require.NoError(t, err)

	infraDir := t.TempDir()
	manager, err := devops.NewManager(devops.ManagerConfig{OutputDir: infraDir, DB: db, Audit: audit})
	require.NoError(t, err)

	infraConfig := filepath.Join(t.TempDir(), "infra.yaml")
	require.NoError(t, os.WriteFile(infraConfig, []byte(infraYAML), 0640))

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Auth:            &extensions.NopAuthProvider{},
		Health:          health,
		Incidents:       store,
		Rules:           reg,
		Scorer:          autonomic.NewDecisionScorer(),
		Scaler:          scaler,
		Audit:           audit,
		Reporter:        compliance.NewReporter(audit, auditDir, "gateway-test"),
		AuditDir:        auditDir,
		AuditService:    "gateway-test",
		Infra:           manager,
		InfraConfigPath: infraConfig,
		Bus:             autonomic.NewEventBus(16),
	})

	return &testStack{router: router, audit: audit, store: store}
}

func (s *testStack) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testStack) post(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestStack(t)
	w := s.get(t, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
}

func TestIncidentEndpoints(t *testing.T) {
	s := newTestStack(t)

	inc, _, err := s.store.Open("api-gateway", "connection refused", 2, time.Now())
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		w := s.get(t, "/api/v1/incidents")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(1), body["count"])
	})

	t.Run("get", func(t *testing.T) {
		w := s.get(t, "/api/v1/incidents/"+inc.ID)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "api-gateway", body["component"])
		assert.Equal(t, "detected", body["state"])
	})

	t.Run("get missing", func(t *testing.T) {
		w := s.get(t, "/api/v1/incidents/no-such-id")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := s.get(t, "/api/v1/incidents?limit=potato")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealRulesEndpoint(t *testing.T) {
	s := newTestStack(t)
	w := s.get(t, "/api/v1/heal/rules")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, float64(1), body["count"])
	rules := body["rules"].([]any)
	rule := rules[0].(map[string]any)
	assert.Equal(t, "restart.api-gateway", rule["id"])
	assert.Equal(t, "30s", rule["cooldown"])
	assert.Equal(t, 0.5, rule["success_rate"], "unobserved rules report the neutral prior")
}

func TestScalingEndpoints(t *testing.T) {
	s := newTestStack(t)

	t.Run("status", func(t *testing.T) {
		w := s.get(t, "/api/v1/scaling/status")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "api-gateway", body["target"])
		assert.Equal(t, float64(2), body["replicas"])
		assert.Equal(t, "kodiak_http_active_requests", body["metric"])
	})

	t.Run("decisions empty", func(t *testing.T) {
		w := s.get(t, "/api/v1/scaling/decisions")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(0), body["count"])
	})
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.audit.Append(ctx, compliance.Event{
			EventType: compliance.EventSystem,
			Actor:     "test",
			Action:    "startup",
			Outcome:   "success",
		})
		require.NoError(t, err)
	}

	t.Run("records", func(t *testing.T) {
		w := s.get(t, "/api/v1/audit/records?actor=test&limit=10")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(3), body["count"])
	})

	t.Run("records bad since", func(t *testing.T) {
		w := s.get(t, "/api/v1/audit/records?since=yesterday")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("verify", func(t *testing.T) {
		w := s.get(t, "/api/v1/audit/verify")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["valid"])
		assert.Equal(t, float64(3), body["records"])
	})

	t.Run("report", func(t *testing.T) {
		w := s.get(t, "/api/v1/audit/report")
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("report bad window", func(t *testing.T) {
		w := s.get(t, "/api/v1/audit/report?start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestInfraEndpoints(t *testing.T) {
	s := newTestStack(t)

	t.Run("plan", func(t *testing.T) {
		w := s.post(t, "/api/v1/infra/plan")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "dev", body["environment"])
		assert.Equal(t, false, body["empty"])
	})

	t.Run("apply then plan is empty", func(t *testing.T) {
		w := s.post(t, "/api/v1/infra/apply")
		require.Equal(t, http.StatusOK, w.Code)

		w = s.post(t, "/api/v1/infra/plan")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["empty"])
	})

	t.Run("dry run applies nothing", func(t *testing.T) {
		w := s.post(t, "/api/v1/infra/apply?dry_run=true")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["dry_run"])
	})
}

// rejectingAuth fails every validation, for the 401 path.
type rejectingAuth struct{}

func (rejectingAuth) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return nil, errors.New("token rejected")
}

func TestAuthRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := autonomic.NewIncidentStore(db)
	require.NoError(t, err)

	health := monitor.NewHealthChecker(monitor.HealthCheckerConfig{})

	auditDir := t.TempDir()
	auditCfg := compliance.DefaultLoggerConfig(auditDir, "auth-test")
	auditCfg.Fsync = false
	audit, err := compliance.NewAuditLogger(auditCfg)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Auth:         rejectingAuth{},
		Health:       health,
		Incidents:    store,
		Rules:        autonomic.NewRegistry(),
		Scorer:       autonomic.NewDecisionScorer(),
		Audit:        audit,
		Reporter:     compliance.NewReporter(audit, auditDir, "auth-test"),
		AuditDir:     auditDir,
		AuditService: "auth-test",
		Bus:          autonomic.NewEventBus(16),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// /health stays open for load balancers.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
