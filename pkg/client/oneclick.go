package client

import (
	"context"
	"fmt"
	"strings"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"

	"near-swap-worker/pkg/tokenid"
	"near-swap-worker/pkg/types"
)

// NearChain is the blockchain name 1Click uses for NEAR tokens
const NearChain = "near"

// TokenLister is the part of the 1Click API used for discovery
type TokenLister interface {
	GetSupportedTokens(ctx context.Context) ([]oneclick.TokenResponse, error)
}

// OneClickClient wraps the 1Click SDK for token discovery
type OneClickClient struct {
	client   *oneclick.APIClient
	jwtToken string
}

// NewOneClickClient creates a new 1Click API client. An empty baseURL keeps
// the SDK default.
func NewOneClickClient(baseURL, jwtToken string) *OneClickClient {
	config := oneclick.NewConfiguration()
	if baseURL != "" {
		config.Servers = oneclick.ServerConfigurations{{URL: baseURL}}
	}

	return &OneClickClient{
		client:   oneclick.NewAPIClient(config),
		jwtToken: jwtToken,
	}
}

func (c *OneClickClient) auth(ctx context.Context) context.Context {
	return context.WithValue(ctx, oneclick.ContextAccessToken, c.jwtToken)
}

// GetSupportedTokens retrieves all supported tokens
func (c *OneClickClient) GetSupportedTokens(ctx context.Context) ([]oneclick.TokenResponse, error) {
	resp, httpResp, err := c.client.OneClickAPI.GetTokens(c.auth(ctx)).Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != 200 {
		return nil, fmt.Errorf("API returned status code %d", httpResp.StatusCode)
	}

	return resp, nil
}

// FilterTokens keeps tokens on chain whose symbol contains symbol. Empty
// filters match everything.
func FilterTokens(tokens []oneclick.TokenResponse, chain, symbol string) []oneclick.TokenResponse {
	var filtered []oneclick.TokenResponse
	for _, token := range tokens {
		if chain != "" && !strings.EqualFold(token.GetBlockchain(), chain) {
			continue
		}
		if symbol != "" && !strings.Contains(strings.ToUpper(token.GetSymbol()), strings.ToUpper(symbol)) {
			continue
		}
		filtered = append(filtered, token)
	}
	return filtered
}

// NearTokens returns only the tokens that live on NEAR as NEP-141 contracts
func NearTokens(tokens []oneclick.TokenResponse) []oneclick.TokenResponse {
	var out []oneclick.TokenResponse
	for _, token := range FilterTokens(tokens, NearChain, "") {
		if tokenid.IsCanonical(token.GetAssetId()) {
			out = append(out, token)
		}
	}
	return out
}

// FindToken searches NEAR tokens by symbol, then by token account id
func FindToken(tokens []oneclick.TokenResponse, query string) (*oneclick.TokenResponse, error) {
	near := NearTokens(tokens)

	// Try exact symbol match first
	for i, token := range near {
		if strings.EqualFold(token.GetSymbol(), query) {
			return &near[i], nil
		}
	}

	bare := tokenid.ToBare(query)
	for i, token := range near {
		if tokenid.ToBare(token.GetAssetId()) == bare {
			return &near[i], nil
		}
	}

	return nil, fmt.Errorf("token '%s' not found on NEAR", query)
}

// TokenConfigFor converts a NEAR token listing into a whitelist entry
func TokenConfigFor(token oneclick.TokenResponse) (*types.TokenConfig, error) {
	assetID := token.GetAssetId()
	if !strings.EqualFold(token.GetBlockchain(), NearChain) || !tokenid.IsCanonical(assetID) {
		return nil, fmt.Errorf("token %s (%s) is not a NEP-141 token", token.GetSymbol(), assetID)
	}

	decimals := token.GetDecimals()
	if decimals < 0 || decimals > 255 {
		return nil, fmt.Errorf("token %s has invalid decimals %v", token.GetSymbol(), decimals)
	}

	return &types.TokenConfig{
		TokenID:       tokenid.ToBare(assetID),
		Symbol:        token.GetSymbol(),
		Decimals:      uint8(decimals),
		DefuseAssetID: assetID,
		MinSwapAmount: "0",
	}, nil
}

// FetchNearTokenConfigs lists every NEAR token as a whitelist entry
func FetchNearTokenConfigs(ctx context.Context, lister TokenLister) ([]*types.TokenConfig, error) {
	tokens, err := lister.GetSupportedTokens(ctx)
	if err != nil {
		return nil, err
	}

	var configs []*types.TokenConfig
	for _, token := range NearTokens(tokens) {
		cfg, err := TokenConfigFor(token)
		if err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
