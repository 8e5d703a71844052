package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_LevelFollowsEnv(t *testing.T) {
	var dev, prod bytes.Buffer
	NewWriter("dev", &dev).Debug("probe")
	NewWriter("production", &prod).Debug("probe")

	assert.Contains(t, dev.String(), `"msg":"probe"`)
	assert.Empty(t, prod.String())
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), From(context.Background()))

	l := Discard()
	assert.Same(t, l, From(With(context.Background(), l)))
}

func TestEnrich_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), NewWriter("local", &buf))
	ctx, l := Enrich(ctx, "run_id", "run-1")
	l.Info("first")
	From(ctx).Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "run-1", rec["run_id"])
	}
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWriter("local", &buf)))
	r.GET("/x", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))
	assert.Equal(t, 2, strings.Count(buf.String(), `"request_id":"req-42"`))
}

func TestMiddleware_TagsRunAndLevelsByStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWriter("local", &buf)))
	r.POST("/v1/runs/:run_id/start", func(c *gin.Context) {
		EnrichGin(c, "org_id", "org-1")
		c.Status(http.StatusConflict)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/runs/run-7/start", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "run-7", rec["run_id"])
	assert.Equal(t, "org-1", rec["org_id"])
	assert.Equal(t, "/v1/runs/:run_id/start", rec["route"])
}
