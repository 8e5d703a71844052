package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentProvider places calls through a voice-agent platform's REST API:
//
//	POST {BaseURL}/v1/calls  {"to","from","agent_id","variables","metadata"}
//	-> 2xx {"call_id": "..."}
//
// The platform later reports status to /webhooks/provider/status.
type AgentProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type AgentConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

func NewAgentProvider(cfg AgentConfig) (*AgentProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("telephony: agent base url is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &AgentProvider{baseURL: base, apiKey: cfg.APIKey, client: client}, nil
}

func (p *AgentProvider) Name() string { return "agent" }

func (p *AgentProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: agent health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: agent health: status %d", resp.StatusCode)
	}
	return nil
}

type agentCallResponse struct {
	CallID string `json:"call_id"`
	ID     string `json:"id"`
	Error  string `json:"error"`
}

func (p *AgentProvider) PlaceCall(ctx context.Context, in PlaceCallRequest) (PlaceCallResult, error) {
	if err := in.Validate(); err != nil {
		return PlaceCallResult{}, err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return PlaceCallResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: agent place call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: agent read response: %w", err)
	}
	var out agentCallResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return PlaceCallResult{}, &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	id := out.CallID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return PlaceCallResult{}, errors.New("telephony: agent response missing call id")
	}
	return PlaceCallResult{ProviderCallID: id}, nil
}

func (p *AgentProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// HTTPError is a non-2xx answer from a provider API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("telephony: provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("telephony: provider returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
