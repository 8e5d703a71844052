package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/runs"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RunService is the run surface the handlers need. *runs.Service satisfies it.
type RunService interface {
	Ingest(ctx context.Context, orgID, runID string, req runs.IngestRequest) (*ingest.Result, error)
	StartRun(ctx context.Context, runID, orgID string) error
	PauseRun(ctx context.Context, runID, orgID string) error
	ScheduleRun(ctx context.Context, runID string, at time.Time, orgID string) error
	Summary(ctx context.Context, runID, orgID string) (reporting.RunSummary, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	Runs RunService

	// MaxUploadBytes bounds an ingest request body. Zero means 32 MiB.
	MaxUploadBytes int64
}

const defaultMaxUpload = 32 << 20

// --- Errors ---

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	kind, ok := campaign.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case campaign.KindParse, campaign.KindValidation:
		return http.StatusBadRequest
	case campaign.KindNotFound:
		return http.StatusNotFound
	case campaign.KindConcurrencyConflict:
		return http.StatusConflict
	case campaign.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body. Server-side failures are logged and
// reported without detail.
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if kind, ok := campaign.KindOf(err); ok {
		body["kind"] = kind
	}
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		logger.FromGin(c).ErrorContext(c.Request.Context(), "request failed", "err", err)
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// --- Identity ---

// WithActor copies the caller identity into the audit actor for the request.
// Use it after auth.RequireAccessToken.
func WithActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id, ok := auth.IdentityFrom(ctx); ok {
			c.Request = c.Request.WithContext(audit.WithActor(ctx, audit.Actor{UserID: id.UserID, Role: id.Role}))
		}
		c.Next()
	}
}

// Me echoes the caller identity.
func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "org_id": id.OrgID, "role": id.Role})
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a development-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OrgID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, org_id, role required"})
		return
	}
	if rbac.IsSuperAdmin(req.Role) || rbac.IsHiddenRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot be self-issued"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.OrgID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Runs ---

// runScope returns the caller's org and the run id from the path.
func (h Handlers) runScope(c *gin.Context) (orgID, runID string, ok bool) {
	if h.Runs == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "runs not configured"})
		return "", "", false
	}
	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return "", "", false
	}
	runID = c.Param("run_id")
	if runID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "run_id required"})
		return "", "", false
	}
	return orgID, runID, true
}

// IngestRows accepts a multipart upload: "file" (csv/xlsx), optional
// "schema" (JSON or YAML) and "validate_only".
func (h Handlers) IngestRows(c *gin.Context) {
	orgID, runID, ok := h.runScope(c)
	if !ok {
		return
	}
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	req := runs.IngestRequest{Data: data, FileName: fh.Filename}
	if raw := c.PostForm("schema"); raw != "" {
		schema, err := ingest.ParseSchema([]byte(raw))
		if err != nil {
			abortWithError(c, err)
			return
		}
		req.Schema = schema
	}
	if v := c.PostForm("validate_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validate_only must be a boolean"})
			return
		}
		req.ValidateOnly = b
	}

	res, err := h.Runs.Ingest(c.Request.Context(), orgID, runID, req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if req.ValidateOnly {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h Handlers) StartRun(c *gin.Context) {
	orgID, runID, ok := h.runScope(c)
	if !ok {
		return
	}
	if err := h.Runs.StartRun(c.Request.Context(), runID, orgID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": campaign.RunStatusRunning})
}

func (h Handlers) PauseRun(c *gin.Context) {
	orgID, runID, ok := h.runScope(c)
	if !ok {
		return
	}
	if err := h.Runs.PauseRun(c.Request.Context(), runID, orgID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": campaign.RunStatusPaused})
}

type scheduleRequest struct {
	At time.Time `json:"at"`
}

func (h Handlers) ScheduleRun(c *gin.Context) {
	orgID, runID, ok := h.runScope(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.At.IsZero() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at (RFC3339) required"})
		return
	}
	if err := h.Runs.ScheduleRun(c.Request.Context(), runID, req.At, orgID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": campaign.RunStatusScheduled, "scheduled_at": req.At.UTC()})
}

func (h Handlers) RunSummary(c *gin.Context) {
	orgID, runID, ok := h.runScope(c)
	if !ok {
		return
	}
	sum, err := h.Runs.Summary(c.Request.Context(), runID, orgID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Convenience middleware bundles.

func RequireOrgAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrg(), rbac.RequireAnyRole(roles...)}
}
