package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioAPIBase = "https://api.twilio.com"

// TwilioProvider places outbound calls with the Twilio REST API. The call is
// answered with inline TwiML that streams audio to the voice agent.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	streamURL  string
	statusURL  string
	client     *http.Client
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// StreamURL is the voice agent's media stream endpoint (wss://...).
	StreamURL string
	// StatusCallbackURL receives call progress (POST /webhooks/twilio/status).
	StatusCallbackURL string

	Timeout time.Duration

	// BaseURL and Client override the API endpoint (tests).
	BaseURL string
	Client  *http.Client
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio account sid and auth token are required")
	}
	if cfg.StreamURL == "" {
		return nil, errors.New("telephony: twilio stream url is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = twilioAPIBase
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    base,
		streamURL:  cfg.StreamURL,
		statusURL:  cfg.StatusCallbackURL,
		client:     client,
	}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.accountURL(".json"), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: twilio health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: twilio health: status %d", resp.StatusCode)
	}
	return nil
}

type twilioCallResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *TwilioProvider) PlaceCall(ctx context.Context, in PlaceCallRequest) (PlaceCallResult, error) {
	if err := in.Validate(); err != nil {
		return PlaceCallResult{}, err
	}

	params := make(map[string]string, len(in.Variables)+4)
	for k, v := range in.Variables {
		params[k] = v
	}
	params["orgId"] = in.Metadata.OrgID
	params["runId"] = in.Metadata.RunID
	params["rowId"] = in.Metadata.RowID
	if in.AgentID != "" {
		params["agentId"] = in.AgentID
	}
	twiml, err := RenderStreamTwiML(p.streamURL, params)
	if err != nil {
		return PlaceCallResult{}, err
	}

	form := url.Values{}
	form.Set("To", in.To)
	form.Set("From", in.From)
	form.Set("Twiml", twiml)
	form.Set("MachineDetection", "Enable")
	if p.statusURL != "" {
		form.Set("StatusCallback", p.statusURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.accountURL("/Calls.json"), strings.NewReader(form.Encode()))
	if err != nil {
		return PlaceCallResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: twilio create call: %w", err)
	}
	defer resp.Body.Close()

	var out twilioCallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil && resp.StatusCode < 300 {
		return PlaceCallResult{}, fmt.Errorf("telephony: twilio decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := out.Message
		if out.Code != 0 {
			msg = fmt.Sprintf("%d %s", out.Code, msg)
		}
		return PlaceCallResult{}, &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out.SID == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio response missing sid")
	}
	return PlaceCallResult{ProviderCallID: out.SID}, nil
}

func (p *TwilioProvider) accountURL(suffix string) string {
	return p.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(p.accountSID) + suffix
}
