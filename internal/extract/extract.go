// Package extract finds candidate contract addresses in free text.
package extract

import (
	"regexp"
	"strings"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// addressPattern matches a 0x-prefixed 40 hex char address or a base58-like
// run of 26 to 44 alphanumerics.
var addressPattern = regexp.MustCompile(`\b(?:0x[a-fA-F0-9]{40}|[a-zA-Z0-9]{26,44})\b`)

// Chain is the address family a candidate most likely belongs to.
type Chain string

const (
	ChainEVM     Chain = "evm"
	ChainSolana  Chain = "solana"
	ChainUnknown Chain = "unknown"
)

// Extract returns every candidate address in text, left to right, without
// deduplication. It never panics.
func Extract(text string) (addrs []string) {
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf("contract address extraction failed: %v", r)
			addrs = []string{}
		}
	}()

	matches := addressPattern.FindAllString(text, -1)
	addrs = make([]string, 0, len(matches))
	for _, m := range matches {
		logutil.Debugf("found potential contract address: %s", m)
		addrs = append(addrs, m)
	}
	return addrs
}

// Unique drops repeated addresses, keeping first occurrences.
func Unique(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Classify guesses the chain family of an extracted address.
func Classify(addr string) Chain {
	if strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr) {
		return ChainEVM
	}
	if raw, err := base58.Decode(addr); err == nil && len(raw) == 32 {
		return ChainSolana
	}
	return ChainUnknown
}
