package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// AttemptResult is one per-attempt outcome in the provider's response.
type AttemptResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ProviderResponse is the settlement provider's answer for one request.
type ProviderResponse struct {
	Results []AttemptResult `json:"results"`
}

// Succeeded reports settlement success: at least one successful attempt.
func (r *ProviderResponse) Succeeded() bool {
	for _, res := range r.Results {
		if res.Success {
			return true
		}
	}
	return false
}

// Transaction returns the first successful attempt's transaction hash.
func (r *ProviderResponse) Transaction() string {
	for _, res := range r.Results {
		if res.Success {
			return res.Transaction
		}
	}
	return ""
}

// Provider is the external settlement boundary. Implementations must honor
// idempotency keys so transport-level retries cannot double-settle; this
// pipeline itself never re-issues a settle call.
type Provider interface {
	Settle(ctx context.Context, payload, requirements json.RawMessage) (*ProviderResponse, error)
}

// ProviderConfig configures the HTTP settlement provider client.
type ProviderConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPProvider talks to a remote settlement provider over HTTP.
type HTTPProvider struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a settlement provider client.
func NewHTTPProvider(cfg ProviderConfig) *HTTPProvider {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{url: cfg.URL, apiKey: cfg.APIKey, httpClient: httpClient}
}

var _ Provider = (*HTTPProvider)(nil)

// Settle submits the signed payment authorization for settlement. Transport
// failures raised before the request reached the provider are network_error;
// anything after that is a provider error and must not be retried blindly.
func (p *HTTPProvider) Settle(ctx context.Context, payload, requirements json.RawMessage) (*ProviderResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.url+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetworkError, "settle request failed", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetworkError, "failed to read settle response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.KindProviderAPI, "provider settle failed (%d): %s", resp.StatusCode, string(responseBody)).
			WithDetails(map[string]interface{}{"status": resp.StatusCode})
	}

	var providerResponse ProviderResponse
	if err := json.Unmarshal(responseBody, &providerResponse); err != nil {
		return nil, errs.Wrap(errs.KindProviderAPI, "failed to decode settle response", err)
	}
	return &providerResponse, nil
}
