package tokenid

import "strings"

// NEP141Prefix marks a fungible token account id inside the intents protocol
const NEP141Prefix = "nep141:"

// ToCanonical returns the prefixed asset identifier used for token_diff,
// transfer intents and quote requests. Already-prefixed input is returned as is.
func ToCanonical(tokenAccountID string) string {
	if IsCanonical(tokenAccountID) {
		return tokenAccountID
	}
	return NEP141Prefix + tokenAccountID
}

// ToBare strips the nep141 prefix, yielding the token contract account id
// expected by ft_withdraw and direct token contract calls.
func ToBare(identifier string) string {
	return strings.TrimPrefix(identifier, NEP141Prefix)
}

// IsCanonical reports whether identifier carries the nep141 prefix
func IsCanonical(identifier string) bool {
	return strings.HasPrefix(identifier, NEP141Prefix)
}
