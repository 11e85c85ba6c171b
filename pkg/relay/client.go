// Package relay talks to the NEAR Intents solver relay: quoting, intent
// assembly, publishing and settlement tracking.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"near-swap-worker/pkg/nep413"
)

// DefaultURL is the public solver relay endpoint
const DefaultURL = "https://solver-relay-v2.chaindefuser.com/rpc"

// QuoteRequest is the single positional parameter of the quote method
type QuoteRequest struct {
	AssetIn       string `json:"defuse_asset_identifier_in"`
	AssetOut      string `json:"defuse_asset_identifier_out"`
	ExactAmountIn string `json:"exact_amount_in"`
}

// Quote is one solver offer
type Quote struct {
	AmountIn       string `json:"amount_in"`
	AmountOut      string `json:"amount_out"`
	ExpirationTime string `json:"expiration_time"`
	QuoteHash      string `json:"quote_hash"`
}

// Expiry parses the quote expiration time
func (q *Quote) Expiry() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, q.ExpirationTime)
}

// PublishRequest is the single positional parameter of publish_intent
type PublishRequest struct {
	QuoteHashes []string               `json:"quote_hashes"`
	SignedData  *nep413.SignedEnvelope `json:"signed_data"`
}

// PublishResult is the relay's answer to publish_intent
type PublishResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	IntentHash string `json:"intent_hash"`
}

// StatusResult is the relay's answer to get_status
type StatusResult struct {
	Status     string `json:"status"`
	IntentHash string `json:"intent_hash"`
	Reason     string `json:"reason,omitempty"`
	Data       *struct {
		Hash string `json:"hash"`
	} `json:"data,omitempty"`
}

type statusRequest struct {
	IntentHash string `json:"intent_hash"`
}

// Client is a JSON-RPC client for the solver relay
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the relay over HTTP(S); every call is bounded by timeout
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	c, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	return &Client{rpc: c}, nil
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.rpc.Close()
}

// Quote asks solvers for offers; a nil slice means nobody quoted
func (c *Client) Quote(ctx context.Context, req QuoteRequest) ([]Quote, error) {
	var quotes []Quote
	if err := c.rpc.CallContext(ctx, &quotes, "quote", req); err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return quotes, nil
}

// PublishIntent submits a signed intent bundle
func (c *Client) PublishIntent(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	var result PublishResult
	if err := c.rpc.CallContext(ctx, &result, "publish_intent", req); err != nil {
		return nil, fmt.Errorf("failed to publish intent: %w", err)
	}
	return &result, nil
}

// GetStatus returns the settlement status of a published intent
func (c *Client) GetStatus(ctx context.Context, intentHash string) (*StatusResult, error) {
	var result StatusResult
	if err := c.rpc.CallContext(ctx, &result, "get_status", statusRequest{IntentHash: intentHash}); err != nil {
		return nil, fmt.Errorf("failed to get intent status: %w", err)
	}
	return &result, nil
}
