package telephony

import (
	"context"
	"errors"
)

// Provider places outbound calls on behalf of the dispatcher.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Requests are organization-scoped through Metadata.OrgID.
// - Results stay provider-agnostic; provider specifics end up in ProviderCallID.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// PlaceCallRequest is one outbound dial.
type PlaceCallRequest struct {
	// To and From are E.164 where possible.
	To   string `json:"to"`
	From string `json:"from"`

	// AgentID selects the voice agent / script at the provider.
	AgentID string `json:"agent_id,omitempty"`

	// Variables are substituted into the agent script. All values are strings.
	Variables map[string]string `json:"variables,omitempty"`

	// Metadata is echoed back by status callbacks so they can be correlated.
	Metadata CallMetadata `json:"metadata"`
}

// CallMetadata correlates an asynchronous provider callback with a row.
type CallMetadata struct {
	OrgID string `json:"org_id"`
	RunID string `json:"run_id"`
	RowID string `json:"row_id"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

var (
	ErrMissingDestination = errors.New("telephony: destination number is required")
	ErrMissingOrigin      = errors.New("telephony: origin number is required")
)

// Validate checks the fields every adapter needs.
func (r PlaceCallRequest) Validate() error {
	if r.To == "" {
		return ErrMissingDestination
	}
	if r.From == "" {
		return ErrMissingOrigin
	}
	if r.Metadata.OrgID == "" {
		return errors.New("telephony: org_id is required")
	}
	return nil
}
