package outcome

import (
	"fmt"
)

// Stage locates where in the outcome tree a failure was found
type Stage string

const (
	StageDecode      Stage = "decode"
	StageFinal       Stage = "final_status"
	StageTransaction Stage = "transaction_outcome"
	StageReceipt     Stage = "receipt_outcome"
)

// FailureDetail describes the first failing status of an outcome
type FailureDetail struct {
	Stage        Stage
	ReceiptIndex int
	ID           string
	Kind         string
	Message      string
	Logs         []string
}

func (d *FailureDetail) Error() string {
	switch d.Stage {
	case StageReceipt:
		return fmt.Sprintf("receipt %d (%s) failed: %s", d.ReceiptIndex, d.ID, d.Message)
	case StageTransaction:
		return fmt.Sprintf("transaction outcome failed: %s", d.Message)
	case StageDecode:
		return fmt.Sprintf("undecodable outcome: %s", d.Message)
	default:
		return fmt.Sprintf("transaction failed: %s", d.Message)
	}
}

// Verdict is the reduced result of an execution outcome
type Verdict struct {
	Success bool
	TxHash  string
	Failure *FailureDetail
}

// Err returns the failure as an error, or nil on success
func (v Verdict) Err() error {
	if v.Success {
		return nil
	}
	if v.Failure == nil {
		return fmt.Errorf("transaction not confirmed")
	}
	return v.Failure
}

// Verify scans the top-level status, the transaction outcome and then every
// receipt outcome in order. The first failing or unfinished status decides the
// verdict; block inclusion alone is never a success.
func Verify(o *FinalExecutionOutcome) Verdict {
	if o == nil {
		return failed("", &FailureDetail{Stage: StageDecode, ReceiptIndex: -1, Kind: "Missing", Message: "no execution outcome"})
	}
	hash := o.Transaction.Hash

	switch o.Status.Kind {
	case FinalSuccessValue:
	case FinalFailure:
		return failed(hash, fromTxError(StageFinal, -1, hash, o.Status.Failure, nil))
	default:
		return failed(hash, &FailureDetail{
			Stage:        StageFinal,
			ReceiptIndex: -1,
			ID:           hash,
			Kind:         o.Status.Kind.String(),
			Message:      "transaction has not finished executing",
		})
	}

	tx := o.TransactionOutcome
	if detail := checkStatus(StageTransaction, -1, tx); detail != nil {
		return failed(hash, detail)
	}

	for i, receipt := range o.ReceiptsOutcome {
		if detail := checkStatus(StageReceipt, i, receipt); detail != nil {
			return failed(hash, detail)
		}
	}

	return Verdict{Success: true, TxHash: hash}
}

// VerifyJSON decodes raw RPC output and verifies it; decode errors fail closed
func VerifyJSON(data []byte) Verdict {
	o, err := Decode(data)
	if err != nil {
		return failed("", &FailureDetail{Stage: StageDecode, ReceiptIndex: -1, Kind: "Decode", Message: err.Error()})
	}
	return Verify(o)
}

func checkStatus(stage Stage, index int, o ExecutionOutcomeWithID) *FailureDetail {
	status := o.Outcome.Status
	switch status.Kind {
	case StatusSuccessValue, StatusSuccessReceiptID:
		return nil
	case StatusFailure:
		return fromTxError(stage, index, o.ID, status.Failure, o.Outcome.Logs)
	default:
		return &FailureDetail{
			Stage:        stage,
			ReceiptIndex: index,
			ID:           o.ID,
			Kind:         status.Kind.String(),
			Message:      "execution status unknown",
			Logs:         o.Outcome.Logs,
		}
	}
}

func fromTxError(stage Stage, index int, id string, txErr *TxExecutionError, logs []string) *FailureDetail {
	detail := &FailureDetail{Stage: stage, ReceiptIndex: index, ID: id, Logs: logs}
	if txErr == nil {
		detail.Kind = "Failure"
		detail.Message = "failure without error detail"
		return detail
	}
	detail.Kind = txErr.Name()
	detail.Message = txErr.Message()
	return detail
}

func failed(hash string, detail *FailureDetail) Verdict {
	return Verdict{Success: false, TxHash: hash, Failure: detail}
}
