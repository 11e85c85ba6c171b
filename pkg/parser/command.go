package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"near-swap-worker/pkg/failure"
	"near-swap-worker/pkg/near"
	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

// accountPattern matches NEAR account ids, named and implicit
var accountPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// commandPattern matches "<amount> <token> to <token>"
var commandPattern = regexp.MustCompile(`^(\d+)\s+(\S+)\s+TO\s+(\S+)$`)

// IsAccountID reports whether id is a valid NEAR account id
func IsAccountID(id string) bool {
	return len(id) >= 2 && len(id) <= 64 && accountPattern.MatchString(id)
}

// ParseWorkerInput decodes a worker input record. Records carrying an
// "action" field are storage checks; everything else is a swap.
func ParseWorkerInput(data []byte) (*types.WorkerInput, error) {
	var probe struct {
		Action *string `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, failure.New(failure.InvalidRequest, "input is not a JSON object", err)
	}

	if probe.Action != nil {
		var check types.StorageCheckInput
		if err := decodeStrict(data, &check); err != nil {
			return nil, failure.New(failure.InvalidRequest, "invalid storage check input", err)
		}
		if check.Action != types.StorageCheckAction {
			return nil, failure.Newf(failure.InvalidRequest, "unknown action %q", check.Action)
		}
		check.TokenContract = tokenid.ToBare(strings.TrimSpace(check.TokenContract))
		if !IsAccountID(check.TokenContract) {
			return nil, failure.Newf(failure.InvalidRequest, "invalid token contract %q", check.TokenContract)
		}
		return &types.WorkerInput{StorageCheck: &check}, nil
	}

	var in types.SwapInput
	if err := decodeStrict(data, &in); err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid swap input", err)
	}
	if err := ValidateSwapInput(&in); err != nil {
		return nil, err
	}
	return &types.WorkerInput{Swap: &in}, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ValidateSwapInput checks a swap input and normalizes its token ids to the
// canonical form
func ValidateSwapInput(in *types.SwapInput) error {
	for name, id := range map[string]string{
		"sender_id":        in.SenderID,
		"swap_contract_id": in.SwapContractID,
	} {
		if !IsAccountID(id) {
			return failure.Newf(failure.InvalidRequest, "%s %q is not a valid account id", name, id)
		}
	}

	in.TokenIn = tokenid.ToCanonical(strings.TrimSpace(in.TokenIn))
	in.TokenOut = tokenid.ToCanonical(strings.TrimSpace(in.TokenOut))
	for name, id := range map[string]string{"token_in": in.TokenIn, "token_out": in.TokenOut} {
		if !IsAccountID(tokenid.ToBare(id)) {
			return failure.Newf(failure.InvalidRequest, "%s %q is not a valid token id", name, id)
		}
	}
	if in.TokenIn == in.TokenOut {
		return failure.Newf(failure.InvalidRequest, "token_in and token_out are both %s", in.TokenIn)
	}

	amountIn, err := near.ParseAmount(in.AmountIn)
	if err != nil {
		return failure.New(failure.InvalidRequest, "invalid amount_in", err)
	}
	if amountIn.IsZero() {
		return failure.Newf(failure.InvalidRequest, "amount_in must be positive")
	}
	if in.MinAmountOut == "" {
		in.MinAmountOut = "0"
	}
	if _, err := near.ParseAmount(in.MinAmountOut); err != nil {
		return failure.New(failure.InvalidRequest, "invalid min_amount_out", err)
	}
	return nil
}

// SwapMessage is the ft_transfer_call msg that requests a swap
type SwapMessage struct {
	Swap *SwapParams `json:"Swap"`
}

type SwapParams struct {
	TokenOut     string `json:"token_out"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
}

// ParseTransferMessage decodes the msg of a deposit. A missing minimum
// output defaults to zero.
func ParseTransferMessage(msg string) (*SwapParams, error) {
	var m SwapMessage
	if err := json.Unmarshal([]byte(msg), &m); err != nil {
		return nil, failure.New(failure.InvalidRequest, "message is not a swap request", err)
	}
	if m.Swap == nil || strings.TrimSpace(m.Swap.TokenOut) == "" {
		return nil, failure.Newf(failure.InvalidRequest, "swap request has no token_out")
	}
	m.Swap.TokenOut = strings.TrimSpace(m.Swap.TokenOut)
	if m.Swap.MinAmountOut == "" {
		m.Swap.MinAmountOut = "0"
	}
	if _, err := near.ParseAmount(m.Swap.MinAmountOut); err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid min_amount_out", err)
	}
	return m.Swap, nil
}

// Command is a parsed swap command line
type Command struct {
	Amount   string
	TokenIn  string
	TokenOut string
}

// ParseSwapCommand parses a swap command in raw token units
// Examples:
//   - "swap 1000000 wrap.near to usdc.near"
//   - "5000 nep141:wrap.near to nep141:usdt.tether-token.near"
func ParseSwapCommand(command string) (*Command, error) {
	command = strings.Join(strings.Fields(command), " ")
	if len(command) >= 5 && strings.EqualFold(command[:5], "swap ") {
		command = command[5:]
	}

	// Only the keyword is case-insensitive; account ids are lowercase
	parts := strings.Split(command, " ")
	for i, p := range parts {
		if strings.EqualFold(p, "to") {
			parts[i] = "TO"
		}
	}

	matches := commandPattern.FindStringSubmatch(strings.Join(parts, " "))
	if matches == nil {
		return nil, fmt.Errorf("invalid swap command format. Expected: 'swap <amount> <token> to <token>' (e.g., 'swap 1000000 wrap.near to usdc.near')")
	}

	return &Command{
		Amount:   matches[1],
		TokenIn:  tokenid.ToCanonical(matches[2]),
		TokenOut: tokenid.ToCanonical(matches[3]),
	}, nil
}
