package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/runs"
	"campaign-dialer/internal/store"
	"campaign-dialer/pkg/logger"
)

func testRouter(t *testing.T, env string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		App:      config.AppConfig{Env: env, Port: 8080},
		Auth:     config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour},
		Provider: config.ProviderConfig{WebhookSecret: "hook"},
	}
	m, err := auth.NewManager(cfg.Auth)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	eng := &engine{store: st, runs: runs.NewService(runs.Deps{Store: st}, logger.Discard())}
	r := gin.New()
	registerRoutes(r, cfg, m, eng)
	return r
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes_Healthz(t *testing.T) {
	w := serve(testRouter(t, "local"), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_ProviderWebhookChecksSecret(t *testing.T) {
	r := testRouter(t, "local")
	body := `{"call_id":"prov-1","status":"completed","duration":12}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider/status", bytes.NewBufferString(body))
	req.Header.Set("X-Webhook-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	// An unknown call is acknowledged so the provider stops retrying.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/provider/status", bytes.NewBufferString(body))
	req.Header.Set("X-Webhook-Secret", "hook")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestRoutes_RunEndpointsNeedToken(t *testing.T) {
	r := testRouter(t, "local")
	w := serve(r, httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/start", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoutes_LoginOnlyOutsideProduction(t *testing.T) {
	login := func(env string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
			bytes.NewBufferString(`{"user_id":"u","org_id":"org-1","role":"owner"}`))
		req.Header.Set("Content-Type", "application/json")
		return serve(testRouter(t, env), req).Code
	}
	assert.Equal(t, http.StatusOK, login("dev"))
	assert.NotEqual(t, http.StatusOK, login("production"))
}
