package telephony

import (
	"context"
	"crypto/subtle"
	"net/http"

	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusApplier applies a status callback to calls and rows. It must be
// idempotent: providers retry and reorder callbacks.
type StatusApplier interface {
	ApplyCallStatus(ctx context.Context, u StatusUpdate) error
}

// StatusWebhookHandler converts provider callbacks to StatusUpdate and
// delegates to the applier.
//
// No business logic here.
type StatusWebhookHandler struct {
	Applier StatusApplier

	// TwilioAuthToken enables X-Twilio-Signature validation when set.
	TwilioAuthToken string
	// PublicBaseURL is the externally visible scheme://host used in signatures.
	PublicBaseURL string

	// AgentSecret, when set, must match the X-Webhook-Secret header.
	AgentSecret string
}

func (h StatusWebhookHandler) HandleTwilioStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Applier == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status applier not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if h.TwilioAuthToken != "" {
		fullURL := h.PublicBaseURL + c.Request.URL.RequestURI()
		if err := ValidateTwilioSignature(h.TwilioAuthToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")); err != nil {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	u, err := form.ToStatusUpdate()
	if err != nil {
		// Unknown statuses are acknowledged so Twilio stops retrying.
		log.Info("twilio status ignored", "call_sid", form.CallSid, "status", form.CallStatus)
		c.Status(http.StatusNoContent)
		return
	}
	h.apply(c, u)
}

func (h StatusWebhookHandler) HandleAgentStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Applier == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status applier not configured"})
		return
	}
	if h.AgentSecret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.AgentSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid secret"})
			return
		}
	}

	u, err := ParseAgentStatus(c.Request.Body)
	if err != nil {
		log.Warn("provider status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, u)
}

func (h StatusWebhookHandler) apply(c *gin.Context, u StatusUpdate) {
	log := logger.FromGin(c)
	if err := h.Applier.ApplyCallStatus(c.Request.Context(), u); err != nil {
		log.Error("status apply failed", "provider_call_id", u.ProviderCallID, "status", u.Status, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status apply failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
