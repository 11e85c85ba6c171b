// Package outcome decodes NEAR transaction execution outcomes into closed
// variant types and reduces them to a single verdict.
package outcome

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FinalStatusKind enumerates FinalExecutionStatus variants
type FinalStatusKind int

const (
	FinalNotStarted FinalStatusKind = iota
	FinalStarted
	FinalFailure
	FinalSuccessValue
)

func (k FinalStatusKind) String() string {
	switch k {
	case FinalNotStarted:
		return "NotStarted"
	case FinalStarted:
		return "Started"
	case FinalFailure:
		return "Failure"
	case FinalSuccessValue:
		return "SuccessValue"
	default:
		return fmt.Sprintf("FinalStatusKind(%d)", int(k))
	}
}

// FinalExecutionStatus is the top-level status of a transaction
type FinalExecutionStatus struct {
	Kind         FinalStatusKind
	SuccessValue string
	Failure      *TxExecutionError
}

func (s *FinalExecutionStatus) UnmarshalJSON(data []byte) error {
	if name, ok, err := unitVariant(data); err != nil {
		return err
	} else if ok {
		switch name {
		case "NotStarted":
			*s = FinalExecutionStatus{Kind: FinalNotStarted}
		case "Started":
			*s = FinalExecutionStatus{Kind: FinalStarted}
		default:
			return fmt.Errorf("unknown final execution status %q", name)
		}
		return nil
	}

	name, body, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("final execution status: %w", err)
	}
	switch name {
	case "SuccessValue":
		var value string
		if err := json.Unmarshal(body, &value); err != nil {
			return fmt.Errorf("final execution status SuccessValue: %w", err)
		}
		*s = FinalExecutionStatus{Kind: FinalSuccessValue, SuccessValue: value}
	case "Failure":
		var txErr TxExecutionError
		if err := json.Unmarshal(body, &txErr); err != nil {
			return fmt.Errorf("final execution status Failure: %w", err)
		}
		*s = FinalExecutionStatus{Kind: FinalFailure, Failure: &txErr}
	default:
		return fmt.Errorf("unknown final execution status %q", name)
	}
	return nil
}

// StatusKind enumerates ExecutionStatusView variants
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusFailure
	StatusSuccessValue
	StatusSuccessReceiptID
)

func (k StatusKind) String() string {
	switch k {
	case StatusUnknown:
		return "Unknown"
	case StatusFailure:
		return "Failure"
	case StatusSuccessValue:
		return "SuccessValue"
	case StatusSuccessReceiptID:
		return "SuccessReceiptId"
	default:
		return fmt.Sprintf("StatusKind(%d)", int(k))
	}
}

// ExecutionStatus is the status of the initiating action or of one receipt
type ExecutionStatus struct {
	Kind         StatusKind
	SuccessValue string
	ReceiptID    string
	Failure      *TxExecutionError
}

func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	if name, ok, err := unitVariant(data); err != nil {
		return err
	} else if ok {
		if name != "Unknown" {
			return fmt.Errorf("unknown execution status %q", name)
		}
		*s = ExecutionStatus{Kind: StatusUnknown}
		return nil
	}

	name, body, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("execution status: %w", err)
	}
	switch name {
	case "SuccessValue":
		var value string
		if err := json.Unmarshal(body, &value); err != nil {
			return fmt.Errorf("execution status SuccessValue: %w", err)
		}
		*s = ExecutionStatus{Kind: StatusSuccessValue, SuccessValue: value}
	case "SuccessReceiptId":
		var id string
		if err := json.Unmarshal(body, &id); err != nil {
			return fmt.Errorf("execution status SuccessReceiptId: %w", err)
		}
		*s = ExecutionStatus{Kind: StatusSuccessReceiptID, ReceiptID: id}
	case "Failure":
		var txErr TxExecutionError
		if err := json.Unmarshal(body, &txErr); err != nil {
			return fmt.Errorf("execution status Failure: %w", err)
		}
		*s = ExecutionStatus{Kind: StatusFailure, Failure: &txErr}
	default:
		return fmt.Errorf("unknown execution status %q", name)
	}
	return nil
}

// TxErrorKind enumerates TxExecutionError variants
type TxErrorKind int

const (
	TxActionError TxErrorKind = iota
	TxInvalidTxError
)

// TxExecutionError explains why a transaction or receipt failed
type TxExecutionError struct {
	Kind      TxErrorKind
	Action    *ActionError
	InvalidTx json.RawMessage
}

func (e *TxExecutionError) UnmarshalJSON(data []byte) error {
	name, body, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("tx execution error: %w", err)
	}
	switch name {
	case "ActionError":
		var action ActionError
		if err := json.Unmarshal(body, &action); err != nil {
			return fmt.Errorf("action error: %w", err)
		}
		*e = TxExecutionError{Kind: TxActionError, Action: &action}
	case "InvalidTxError":
		*e = TxExecutionError{Kind: TxInvalidTxError, InvalidTx: append(json.RawMessage(nil), body...)}
	default:
		return fmt.Errorf("unknown tx execution error %q", name)
	}
	return nil
}

// Name returns the variant name
func (e *TxExecutionError) Name() string {
	if e.Kind == TxInvalidTxError {
		return "InvalidTxError"
	}
	return "ActionError"
}

// Message renders the error the way it is reported in diagnostics
func (e *TxExecutionError) Message() string {
	if e.Kind == TxInvalidTxError {
		return fmt.Sprintf("Invalid transaction: %s", compact(e.InvalidTx))
	}
	if e.Action == nil {
		return "Action error"
	}

	prefix := ""
	if e.Action.Index != nil {
		prefix = fmt.Sprintf("action %d: ", *e.Action.Index)
	}

	kind := e.Action.Kind
	if kind.FunctionCall != nil {
		if kind.FunctionCall.Name == "ExecutionError" {
			return prefix + "Smart contract panicked: " + kind.FunctionCall.ExecutionError
		}
		return prefix + "Function call error: " + kind.FunctionCall.Name + " " + compact(kind.FunctionCall.Raw)
	}
	return prefix + "Action error: " + kind.Name + " " + compact(kind.Raw)
}

// ActionError is a failure of one action inside a receipt
type ActionError struct {
	Index *uint64         `json:"index"`
	Kind  ActionErrorKind `json:"kind"`
}

// ActionErrorKind names the failing action kind. FunctionCall is set for
// FunctionCallError; everything else keeps its raw body.
type ActionErrorKind struct {
	Name         string
	FunctionCall *FunctionCallError
	Raw          json.RawMessage
}

func (k *ActionErrorKind) UnmarshalJSON(data []byte) error {
	if name, ok, err := unitVariant(data); err != nil {
		return err
	} else if ok {
		*k = ActionErrorKind{Name: name}
		return nil
	}

	name, body, err := singleKey(data)
	if err != nil {
		return fmt.Errorf("action error kind: %w", err)
	}
	*k = ActionErrorKind{Name: name, Raw: append(json.RawMessage(nil), body...)}
	if name == "FunctionCallError" {
		var fc FunctionCallError
		if err := json.Unmarshal(body, &fc); err != nil {
			return fmt.Errorf("function call error: %w", err)
		}
		k.FunctionCall = &fc
	}
	return nil
}

// FunctionCallError is the error raised by contract code execution
type FunctionCallError struct {
	Name           string
	ExecutionError string
	Raw            json.RawMessage
}

func (f *FunctionCallError) UnmarshalJSON(data []byte) error {
	if name, ok, err := unitVariant(data); err != nil {
		return err
	} else if ok {
		*f = FunctionCallError{Name: name}
		return nil
	}

	name, body, err := singleKey(data)
	if err != nil {
		return err
	}
	*f = FunctionCallError{Name: name, Raw: append(json.RawMessage(nil), body...)}
	if name == "ExecutionError" {
		if err := json.Unmarshal(body, &f.ExecutionError); err != nil {
			return fmt.Errorf("execution error message: %w", err)
		}
	}
	return nil
}

// ExecutionOutcome is the result of executing a transaction or receipt
type ExecutionOutcome struct {
	Logs        []string        `json:"logs"`
	ReceiptIDs  []string        `json:"receipt_ids"`
	GasBurnt    uint64          `json:"gas_burnt"`
	TokensBurnt string          `json:"tokens_burnt"`
	ExecutorID  string          `json:"executor_id"`
	Status      ExecutionStatus `json:"status"`
}

// ExecutionOutcomeWithID pairs an outcome with its transaction or receipt id
type ExecutionOutcomeWithID struct {
	ID        string           `json:"id"`
	BlockHash string           `json:"block_hash"`
	Outcome   ExecutionOutcome `json:"outcome"`
}

// TransactionView is the subset of the signed transaction echoed back by RPC
type TransactionView struct {
	Hash       string `json:"hash"`
	SignerID   string `json:"signer_id"`
	ReceiverID string `json:"receiver_id"`
	Nonce      uint64 `json:"nonce"`
}

// FinalExecutionOutcome is the result of broadcast_tx_commit or tx
type FinalExecutionOutcome struct {
	Status             FinalExecutionStatus     `json:"status"`
	Transaction        TransactionView          `json:"transaction"`
	TransactionOutcome ExecutionOutcomeWithID   `json:"transaction_outcome"`
	ReceiptsOutcome    []ExecutionOutcomeWithID `json:"receipts_outcome"`
}

// Decode parses a FinalExecutionOutcome. Unknown variants are decode errors.
func Decode(data []byte) (*FinalExecutionOutcome, error) {
	var out FinalExecutionOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode execution outcome: %w", err)
	}
	return &out, nil
}

func unitVariant(data []byte) (string, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false, nil
	}
	var name string
	if err := json.Unmarshal(trimmed, &name); err != nil {
		return "", false, err
	}
	return name, true, nil
}

func singleKey(data []byte) (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, err
	}
	if len(fields) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant key, got %d", len(fields))
	}
	for name, body := range fields {
		return name, body, nil
	}
	return "", nil, nil
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
