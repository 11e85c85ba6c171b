package types

// SwapRequest is one swap the worker executes. Token ids are canonical
// (nep141-prefixed); amounts are decimal u128 strings.
type SwapRequest struct {
	SenderID     string
	TokenIn      string
	TokenOut     string
	AmountIn     string
	MinAmountOut string
	// Destination is the swap account. It must be the signing account, which
	// funds the intents deposit and receives the withdrawn output.
	Destination string
}

// SwapInput is the worker input record for a swap
type SwapInput struct {
	SenderID       string `json:"sender_id"`
	TokenIn        string `json:"token_in"`
	TokenOut       string `json:"token_out"`
	AmountIn       string `json:"amount_in"`
	MinAmountOut   string `json:"min_amount_out"`
	SwapContractID string `json:"swap_contract_id"`
}

// Request converts the input record into a swap request
func (in SwapInput) Request() SwapRequest {
	return SwapRequest{
		SenderID:     in.SenderID,
		TokenIn:      in.TokenIn,
		TokenOut:     in.TokenOut,
		AmountIn:     in.AmountIn,
		MinAmountOut: in.MinAmountOut,
		Destination:  in.SwapContractID,
	}
}

// StorageCheckInput asks the worker to make sure the swap account is
// registered on a token contract
type StorageCheckInput struct {
	Action        string `json:"action"`
	TokenContract string `json:"token_contract"`
}

// StorageCheckAction is the Action value of a storage check input
const StorageCheckAction = "test_storage"

// WorkerOutput is the terminal result of a swap, consumed by the ledger callback
type WorkerOutput struct {
	Success       bool   `json:"success"`
	AmountOut     string `json:"amount_out,omitempty"`
	IntentHash    string `json:"intent_hash,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	FailureDetail string `json:"failure_detail,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// StorageCheckOutput reports the result of a storage check
type StorageCheckOutput struct {
	Success           bool   `json:"success"`
	AlreadyRegistered bool   `json:"already_registered"`
	StorageBalance    string `json:"storage_balance,omitempty"`
	TxHash            string `json:"tx_hash,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// TokenConfig describes a whitelisted token
type TokenConfig struct {
	TokenID       string `json:"token_id"`
	Symbol        string `json:"symbol"`
	Decimals      uint8  `json:"decimals"`
	DefuseAssetID string `json:"defuse_asset_id"`
	MinSwapAmount string `json:"min_swap_amount"`
}

// WorkerInput is one worker input record; exactly one field is set
type WorkerInput struct {
	Swap         *SwapInput
	StorageCheck *StorageCheckInput
}
