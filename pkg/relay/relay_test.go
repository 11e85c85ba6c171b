package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/intents"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/types"
)

const usdc = "17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a1"

type rpcHandler func(params json.RawMessage) (interface{}, *jsonError)

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fakeRelay is a JSON-RPC 2.0 relay whose methods are scripted per test
type fakeRelay struct {
	t       *testing.T
	mu      sync.Mutex
	methods map[string]rpcHandler
	calls   map[string]int
}

func newFakeRelay(t *testing.T) (*fakeRelay, *Client) {
	relay := &fakeRelay{t: t, methods: map[string]rpcHandler{}, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(srv.Close)

	client, err := Dial(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return relay, client
}

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Method]++
	handler, ok := f.methods[req.Method]

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = jsonError{Code: -32601, Message: "method not found"}
	} else {
		var param json.RawMessage
		if len(req.Params) > 0 {
			param = req.Params[0]
		}
		result, rpcErr := handler(param)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(resp))
}

func (f *fakeRelay) on(method string, h rpcHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[method] = h
}

func (f *fakeRelay) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func TestGetQuotePicksBestOffer(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.on("quote", func(params json.RawMessage) (interface{}, *jsonError) {
		var req QuoteRequest
		require.NoError(t, json.Unmarshal(params, &req))
		require.Equal(t, "nep141:wrap.near", req.AssetIn)
		require.Equal(t, "nep141:"+usdc, req.AssetOut)
		require.Equal(t, "1000000", req.ExactAmountIn)
		return []Quote{
			{AmountIn: "1000000", AmountOut: "940000", QuoteHash: "q1"},
			{AmountIn: "1000000", AmountOut: "not-a-number", QuoteHash: "q2"},
			{AmountIn: "1000000", AmountOut: "950000", QuoteHash: "q3"},
		}, nil
	})

	quote, err := NewQuoteClient(client, 3, time.Millisecond).GetQuote(context.Background(), "wrap.near", "nep141:"+usdc, "1000000")
	require.NoError(t, err)
	require.Equal(t, "q3", quote.QuoteHash)
	require.Equal(t, "950000", quote.AmountOut)
}

func TestGetQuoteNoOffers(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.on("quote", func(json.RawMessage) (interface{}, *jsonError) {
		return nil, nil
	})

	_, err := NewQuoteClient(client, 3, time.Millisecond).GetQuote(context.Background(), "wrap.near", usdc, "1")
	require.Equal(t, failure.InsufficientLiquidity, failure.ReasonOf(err))
	require.False(t, failure.From(err).Retryable)
	require.Equal(t, 1, relay.count("quote"))
}

func TestGetQuoteRetriesThenGivesUp(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.on("quote", func(json.RawMessage) (interface{}, *jsonError) {
		return nil, &jsonError{Code: -32000, Message: "solvers busy"}
	})

	_, err := NewQuoteClient(client, 3, time.Millisecond).GetQuote(context.Background(), "wrap.near", usdc, "1")
	require.Equal(t, failure.InsufficientLiquidity, failure.ReasonOf(err))
	require.True(t, failure.From(err).Retryable)
	require.Equal(t, 3, relay.count("quote"))
}

func TestGetQuoteRecoversOnRetry(t *testing.T) {
	relay, client := newFakeRelay(t)
	attempts := 0
	relay.on("quote", func(json.RawMessage) (interface{}, *jsonError) {
		attempts++
		if attempts == 1 {
			return nil, &jsonError{Code: -32000, Message: "temporary"}
		}
		return []Quote{{AmountIn: "1", AmountOut: "2", QuoteHash: "q"}}, nil
	})

	quote, err := NewQuoteClient(client, 3, time.Millisecond).GetQuote(context.Background(), "wrap.near", usdc, "1")
	require.NoError(t, err)
	require.Equal(t, "q", quote.QuoteHash)
	require.Equal(t, 2, relay.count("quote"))
}

func swapRequest() types.SwapRequest {
	return types.SwapRequest{
		SenderID:     "user.testnet",
		TokenIn:      "nep141:wrap.near",
		TokenOut:     "nep141:" + usdc,
		AmountIn:     "1000000",
		MinAmountOut: "900000",
		Destination:  "swap.testnet",
	}
}

func TestAssembleIntents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	quote := &Quote{AmountIn: "1000000", AmountOut: "950000", QuoteHash: "q", ExpirationTime: "2025-03-01T12:01:00.5Z"}

	payload, err := AssembleIntents(quote, swapRequest(), AssembleOptions{
		SignerID: "swap.testnet",
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 1, 12, 1, 0, 500_000_000, time.UTC), payload.Deadline)
	require.Len(t, payload.Intents, 2)

	diff, ok := payload.Intents[0].(intents.DifferenceIntent)
	require.True(t, ok)
	require.Equal(t, map[string]string{
		"nep141:wrap.near": "-1000000",
		"nep141:" + usdc:   "950000",
	}, diff.Diff)

	withdrawals := payload.Withdrawals()
	require.Len(t, withdrawals, 1)
	require.Equal(t, usdc, withdrawals[0].Token)
	require.Equal(t, "swap.testnet", withdrawals[0].ReceiverID)
	require.Equal(t, "950000", withdrawals[0].Amount)
	require.Equal(t, "swap for user.testnet via swap.testnet", withdrawals[0].Memo)
}

func TestAssembleIntentsWithReferral(t *testing.T) {
	quote := &Quote{AmountIn: "1000000", AmountOut: "1000000", QuoteHash: "q"}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	payload, err := AssembleIntents(quote, swapRequest(), AssembleOptions{
		SignerID:         "swap.testnet",
		ReferralReceiver: "ref.testnet",
		ReferralFeeBps:   50,
		DeadlineGrace:    time.Minute,
		Now:              func() time.Time { return now },
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), payload.Deadline)
	require.Len(t, payload.Intents, 3)

	transfer, ok := payload.Intents[1].(intents.TransferIntent)
	require.True(t, ok)
	require.Equal(t, "ref.testnet", transfer.ReceiverID)
	require.Equal(t, map[string]string{"nep141:" + usdc: "5000"}, transfer.Tokens)
	require.Equal(t, "995000", payload.Withdrawals()[0].Amount)
	require.Len(t, payload.Settlement(), 2)
}

func TestAssembleIntentsBelowMinimum(t *testing.T) {
	quote := &Quote{AmountIn: "1000000", AmountOut: "850000", QuoteHash: "q"}
	_, err := AssembleIntents(quote, swapRequest(), AssembleOptions{SignerID: "swap.testnet"})
	require.Equal(t, failure.InsufficientLiquidity, failure.ReasonOf(err))

	quote.AmountOut = "900000"
	_, err = AssembleIntents(quote, swapRequest(), AssembleOptions{SignerID: "swap.testnet"})
	require.NoError(t, err)
}

func TestAssembleIntentsReferralCountsAgainstMinimum(t *testing.T) {
	opts := AssembleOptions{SignerID: "swap.testnet", ReferralReceiver: "ref.testnet", ReferralFeeBps: 50}

	// 904000 clears the 900000 minimum but leaves 899480 after the 4520 fee
	quote := &Quote{AmountIn: "1000000", AmountOut: "904000", QuoteHash: "q"}
	_, err := AssembleIntents(quote, swapRequest(), opts)
	require.Equal(t, failure.InsufficientLiquidity, failure.ReasonOf(err))
	require.ErrorContains(t, err, "899480")

	quote.AmountOut = "905000"
	payload, err := AssembleIntents(quote, swapRequest(), opts)
	require.NoError(t, err)
	require.Equal(t, "900475", payload.Withdrawals()[0].Amount)
	require.Equal(t, map[string]string{"nep141:" + usdc: "4525"}, payload.Intents[1].(intents.TransferIntent).Tokens)
}

func testEnvelope(t *testing.T) *nep413.SignedEnvelope {
	key, err := nep413.NewKeyPairFromSeed(make([]byte, 32))
	require.NoError(t, err)
	env, err := nep413.NewSigner().Sign(key, `{"intents":[]}`, "intents.near")
	require.NoError(t, err)
	return env
}

func TestPublish(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.on("publish_intent", func(params json.RawMessage) (interface{}, *jsonError) {
		var req struct {
			QuoteHashes []string        `json:"quote_hashes"`
			SignedData  json.RawMessage `json:"signed_data"`
		}
		require.NoError(t, json.Unmarshal(params, &req))
		require.Equal(t, []string{"q1"}, req.QuoteHashes)
		require.Contains(t, string(req.SignedData), `"standard":"nep413"`)
		return PublishResult{Status: "OK", IntentHash: "ih1"}, nil
	})

	hash, err := NewPublisher(client, time.Millisecond).Publish(context.Background(), []string{"q1"}, testEnvelope(t))
	require.NoError(t, err)
	require.Equal(t, "ih1", hash)
}

func TestPublishRejected(t *testing.T) {
	tests := []struct {
		name      string
		handler   rpcHandler
		retryable bool
	}{
		{
			name: "status not ok",
			handler: func(json.RawMessage) (interface{}, *jsonError) {
				return PublishResult{Status: "FAILED", Reason: "invalid signature"}, nil
			},
		},
		{
			name: "missing intent hash",
			handler: func(json.RawMessage) (interface{}, *jsonError) {
				return PublishResult{Status: "OK"}, nil
			},
		},
		{
			name: "rpc error",
			handler: func(json.RawMessage) (interface{}, *jsonError) {
				return nil, &jsonError{Code: -32602, Message: "quote expired"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, client := newFakeRelay(t)
			relay.on("publish_intent", tt.handler)

			_, err := NewPublisher(client, time.Millisecond).Publish(context.Background(), []string{"q"}, testEnvelope(t))
			require.Equal(t, failure.RelayRejected, failure.ReasonOf(err))
			require.Equal(t, tt.retryable, failure.From(err).Retryable)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status string
		reason string
		want   SettlementKind
	}{
		{"PENDING", "", Pending},
		{"TX_BROADCASTED", "", Pending},
		{"SOMETHING_NEW", "", Pending},
		{"SETTLED", "", Settled},
		{"NOT_FOUND_OR_NOT_VALID", "", Failed},
		{"NOT_FOUND_OR_NOT_VALID_ANYMORE", "", Failed},
		{"FAILED", "slippage", Failed},
		{"FAILED", "expired", TimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.status+"/"+tt.reason, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(&StatusResult{Status: tt.status, Reason: tt.reason}))
		})
	}
}

func TestAwaitSettlement(t *testing.T) {
	relay, client := newFakeRelay(t)
	polls := 0
	relay.on("get_status", func(params json.RawMessage) (interface{}, *jsonError) {
		var req statusRequest
		require.NoError(t, json.Unmarshal(params, &req))
		require.Equal(t, "ih1", req.IntentHash)

		polls++
		switch polls {
		case 1:
			return StatusResult{Status: "PENDING", IntentHash: "ih1"}, nil
		case 2:
			return nil, &jsonError{Code: -32000, Message: "hiccup"}
		case 3:
			return StatusResult{Status: "TX_BROADCASTED", IntentHash: "ih1"}, nil
		}
		res := StatusResult{Status: "SETTLED", IntentHash: "ih1"}
		res.Data = &struct {
			Hash string `json:"hash"`
		}{Hash: "NearTx"}
		return res, nil
	})

	settlement, err := NewPublisher(client, time.Millisecond).AwaitSettlement(context.Background(), "ih1", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, Settled, settlement.Kind)
	require.Equal(t, "NearTx", settlement.TxHash)
	require.Equal(t, 4, relay.count("get_status"))
}

func TestAwaitSettlementFailures(t *testing.T) {
	tests := []struct {
		name   string
		result StatusResult
		kind   SettlementKind
		reason failure.Reason
	}{
		{"not found", StatusResult{Status: "NOT_FOUND_OR_NOT_VALID"}, Failed, failure.RelayRejected},
		{"failed", StatusResult{Status: "FAILED", Reason: "slippage"}, Failed, failure.RelayRejected},
		{"expired", StatusResult{Status: "FAILED", Reason: "expired"}, TimedOut, failure.SettlementTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, client := newFakeRelay(t)
			relay.on("get_status", func(json.RawMessage) (interface{}, *jsonError) {
				return tt.result, nil
			})

			settlement, err := NewPublisher(client, time.Millisecond).AwaitSettlement(context.Background(), "ih", time.Second)
			require.Equal(t, tt.kind, settlement.Kind)
			require.Equal(t, tt.reason, failure.ReasonOf(err))
		})
	}
}

func TestAwaitSettlementTimesOut(t *testing.T) {
	relay, client := newFakeRelay(t)
	relay.on("get_status", func(json.RawMessage) (interface{}, *jsonError) {
		return StatusResult{Status: "PENDING"}, nil
	})

	settlement, err := NewPublisher(client, 5*time.Millisecond).AwaitSettlement(context.Background(), "ih", 30*time.Millisecond)
	require.Equal(t, TimedOut, settlement.Kind)
	require.Equal(t, "PENDING", settlement.Status)
	require.Equal(t, failure.SettlementTimeout, failure.ReasonOf(err))
	require.True(t, failure.From(err).Retryable)
	require.GreaterOrEqual(t, relay.count("get_status"), 2)
}
