package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Finality used for every query; view_access_key must see committed nonces
const Finality = "final"

// RPCClient talks to a NEAR JSON-RPC endpoint
type RPCClient struct {
	url             string
	client          *http.Client
	broadcastClient *http.Client
}

// NewRPCClient creates a client. broadcastTimeout bounds broadcast_tx_commit,
// which waits for the transaction to execute.
func NewRPCClient(url string, timeout, broadcastTimeout time.Duration) *RPCClient {
	return &RPCClient{
		url:             url,
		client:          &http.Client{Timeout: timeout},
		broadcastClient: &http.Client{Timeout: broadcastTimeout},
	}
}

// RPCRequest represents a JSON-RPC request to a NEAR node
type RPCRequest struct {
	JSONRpc string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// RPCResponse represents a JSON-RPC response from a NEAR node
type RPCResponse struct {
	JSONRpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents an error in the RPC response
type RPCError struct {
	Name    string          `json:"name"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Cause   *struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info,omitempty"`
	} `json:"cause,omitempty"`
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	if e.Cause != nil && e.Cause.Name != "" {
		msg += fmt.Sprintf(" (%s)", e.Cause.Name)
	}
	if len(e.Data) > 0 {
		msg += fmt.Sprintf(": %s", string(e.Data))
	}
	return msg
}

// AccessKeyView is the result of a view_access_key query
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	BlockHash   string          `json:"block_hash"`
	BlockHeight uint64          `json:"block_height"`
	Permission  json.RawMessage `json:"permission"`
}

type callFunctionResult struct {
	Result      []int    `json:"result"`
	Logs        []string `json:"logs"`
	BlockHash   string   `json:"block_hash"`
	BlockHeight uint64   `json:"block_height"`
	Error       string   `json:"error,omitempty"`
}

// ViewFunction calls a read-only contract method and returns its raw result
// bytes (usually JSON).
func (c *RPCClient) ViewFunction(ctx context.Context, contractID, method string, args interface{}) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal view args: %w", err)
	}

	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     Finality,
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}

	var result callFunctionResult
	if err := c.call(ctx, c.client, "query", params, &result); err != nil {
		return nil, fmt.Errorf("failed to view %s.%s: %w", contractID, method, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("view %s.%s failed: %s", contractID, method, result.Error)
	}

	out := make([]byte, len(result.Result))
	for i, b := range result.Result {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("view %s.%s returned invalid byte %d", contractID, method, b)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// ViewAccessKey fetches the nonce and a recent block hash for a key
func (c *RPCClient) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	params := map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     Finality,
		"account_id":   accountID,
		"public_key":   publicKey,
	}

	var view AccessKeyView
	if err := c.call(ctx, c.client, "query", params, &view); err != nil {
		return nil, fmt.Errorf("failed to view access key: %w", err)
	}
	if view.BlockHash == "" {
		return nil, fmt.Errorf("access key view has no block hash")
	}
	return &view, nil
}

// BroadcastTxCommit submits a Borsh-encoded signed transaction and waits for
// its final execution outcome, returned undecoded.
func (c *RPCClient) BroadcastTxCommit(ctx context.Context, signedTx []byte) (json.RawMessage, error) {
	params := []string{base64.StdEncoding.EncodeToString(signedTx)}

	var raw json.RawMessage
	if err := c.call(ctx, c.broadcastClient, "broadcast_tx_commit", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return raw, nil
}

// call executes a JSON-RPC method
func (c *RPCClient) call(ctx context.Context, client *http.Client, method string, params interface{}, out interface{}) error {
	reqBody := RPCRequest{
		JSONRpc: "2.0",
		ID:      "dontcare",
		Method:  method,
		Params:  params,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RPC returned status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("empty result for %s", method)
	}

	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], rpcResp.Result...)
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
