package dex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// AggregatorConfig configures the HTTP aggregator client.
type AggregatorConfig struct {
	// URL is the base URL of the aggregator API.
	URL string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// Router is the aggregator's spender contract.
	Router common.Address

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 15s).
	Timeout time.Duration
}

// HTTPAggregator talks to a remote swap aggregator over HTTP.
type HTTPAggregator struct {
	url        string
	apiKey     string
	router     common.Address
	httpClient *http.Client
}

// NewHTTPAggregator creates an aggregator client.
func NewHTTPAggregator(cfg AggregatorConfig) *HTTPAggregator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPAggregator{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		router:     cfg.Router,
		httpClient: httpClient,
	}
}

var _ Aggregator = (*HTTPAggregator)(nil)

func (a *HTTPAggregator) RouterAddress() common.Address {
	return a.router
}

type quoteResponse struct {
	ToAmount     string   `json:"toAmount"`
	ExchangeRate float64  `json:"exchangeRate"`
	EstimatedGas uint64   `json:"estimatedGas"`
	Route        []string `json:"route"`
}

// GetQuote prices a trade via the aggregator's quote endpoint.
func (a *HTTPAggregator) GetQuote(ctx context.Context, req QuoteRequest, wallet common.Address) (*Quote, error) {
	params := url.Values{}
	params.Set("fromToken", req.FromToken)
	params.Set("toToken", req.ToToken)
	params.Set("amount", req.Amount)
	params.Set("slippage", fmt.Sprintf("%.4f", req.Slippage))
	params.Set("wallet", wallet.Hex())

	body, err := a.doRequest(ctx, "GET", "/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, errs.Wrap(errs.KindProviderAPI, "failed to decode quote response", err)
	}
	if qr.ToAmount == "" || qr.ToAmount == "0" {
		return nil, errs.New(errs.KindLiquidityInsufficient, "aggregator returned no route for trade").
			WithSuggestion("reduce the trade size or try a different token pair")
	}

	return &Quote{
		FromToken:    req.FromToken,
		ToToken:      req.ToToken,
		FromAmount:   req.Amount,
		ToAmount:     qr.ToAmount,
		ExchangeRate: qr.ExchangeRate,
		EstimatedGas: qr.EstimatedGas,
		Route:        qr.Route,
	}, nil
}

type swapBuildResponse struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gasLimit"`
}

// BuildSwap asks the aggregator for a ready-to-sign swap transaction.
func (a *HTTPAggregator) BuildSwap(ctx context.Context, req SwapRequest, wallet common.Address) (*TxPayload, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"fromToken": req.FromToken,
		"toToken":   req.ToToken,
		"amount":    req.Amount,
		"slippage":  req.Slippage,
		"wallet":    wallet.Hex(),
		"recipient": req.Recipient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap request: %w", err)
	}

	body, err := a.doRequest(ctx, "POST", "/swap", reqBody)
	if err != nil {
		return nil, err
	}

	var sr swapBuildResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, errs.Wrap(errs.KindProviderAPI, "failed to decode swap build response", err)
	}

	if !common.IsHexAddress(sr.To) {
		return nil, errs.Newf(errs.KindProviderAPI, "aggregator returned invalid destination: %q", sr.To)
	}
	data, err := hexutil.Decode(sr.Data)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderAPI, "aggregator returned invalid calldata", err)
	}
	value := new(big.Int)
	if sr.Value != "" {
		if _, ok := value.SetString(sr.Value, 10); !ok {
			return nil, errs.Newf(errs.KindProviderAPI, "aggregator returned invalid value: %q", sr.Value)
		}
	}

	return &TxPayload{
		To:       common.HexToAddress(sr.To),
		Data:     data,
		Value:    value,
		GasLimit: sr.GasLimit,
	}, nil
}

// doRequest performs one HTTP round trip and classifies failures: transport
// errors are network_error (retryable), 5xx and 429 are transient
// provider_api, everything else non-200 is terminal provider_api.
func (a *HTTPAggregator) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.url+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetworkError, "aggregator request failed", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetworkError, "failed to read aggregator response", err)
	}

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, errs.Newf(errs.KindProviderAPI, "aggregator returned %d: %s", resp.StatusCode, string(responseBody)).
			WithDetails(map[string]interface{}{"status": resp.StatusCode, "transient": transient})
	}
	return responseBody, nil
}
