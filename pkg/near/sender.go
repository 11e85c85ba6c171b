package near

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/nep413"
	"near-swap-worker/pkg/outcome"
)

// Sender signs and submits function call transactions
type Sender interface {
	FunctionCall(ctx context.Context, creds nep413.Credentials, receiverID string, call FunctionCall) (*TxResult, error)
}

// TxResult is a submitted transaction with its decoded outcome
type TxResult struct {
	Hash    string
	Outcome *outcome.FinalExecutionOutcome
	Verdict outcome.Verdict
}

// TxSender builds transactions against live access-key state. Nonces handed
// out are remembered so back-to-back transactions never reuse one even when
// the final-finality view lags behind.
type TxSender struct {
	rpc *RPCClient

	mu        sync.Mutex
	lastNonce map[string]uint64
}

// NewTxSender creates a sender on top of an RPC client
func NewTxSender(rpc *RPCClient) *TxSender {
	return &TxSender{rpc: rpc, lastNonce: make(map[string]uint64)}
}

// FunctionCall signs a single function call and broadcasts it with
// broadcast_tx_commit. The returned verdict always comes from the Outcome
// Verifier; transport success alone is never reported as success.
func (s *TxSender) FunctionCall(ctx context.Context, creds nep413.Credentials, receiverID string, call FunctionCall) (*TxResult, error) {
	if creds.Key == nil || creds.AccountID == "" {
		return nil, failure.New(failure.SigningError, "missing signer credentials", nil)
	}
	publicKey := creds.Key.PublicKeyString()

	view, err := s.rpc.ViewAccessKey(ctx, creds.AccountID, publicKey)
	if err != nil {
		return nil, failure.New(failure.TransactionFailure, "could not load access key", err)
	}
	blockHash, err := DecodeBlockHash(view.BlockHash)
	if err != nil {
		return nil, failure.New(failure.TransactionFailure, "invalid block hash from access key view", err)
	}

	tx := &Transaction{
		SignerID:   creds.AccountID,
		PublicKey:  creds.Key.PublicKey(),
		Nonce:      s.nextNonce(creds.AccountID+"/"+publicKey, view.Nonce),
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions:    []FunctionCall{call},
	}

	signed, hash, err := tx.Sign(creds.Key)
	if err != nil {
		return nil, failure.New(failure.SigningError, "could not sign transaction", err)
	}

	entry := log.WithFields(log.Fields{
		"component": "near",
		"tx":        hash,
		"receiver":  receiverID,
		"method":    call.MethodName,
	})
	entry.Debug("broadcasting transaction")

	raw, err := s.rpc.BroadcastTxCommit(ctx, signed)
	if err != nil {
		return &TxResult{Hash: hash}, failure.New(failure.TransactionFailure, fmt.Sprintf("broadcast of %s failed", hash), err)
	}

	result := resultFromRaw(hash, raw)
	if !result.Verdict.Success {
		entry.WithField("reason", result.Verdict.Err()).Warn("transaction failed")
		return result, failure.New(failure.TransactionFailure, result.Verdict.Err().Error(), nil)
	}

	entry.Info("transaction succeeded")
	return result, nil
}

func (s *TxSender) nextNonce(key string, current uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := current + 1
	if last := s.lastNonce[key]; last >= next {
		next = last + 1
	}
	s.lastNonce[key] = next
	return next
}

func resultFromRaw(hash string, raw json.RawMessage) *TxResult {
	decoded, err := outcome.Decode(raw)
	if err != nil {
		return &TxResult{Hash: hash, Verdict: outcome.VerifyJSON(raw)}
	}
	verdict := outcome.Verify(decoded)
	if decoded.Transaction.Hash != "" {
		hash = decoded.Transaction.Hash
	}
	return &TxResult{Hash: hash, Outcome: decoded, Verdict: verdict}
}
