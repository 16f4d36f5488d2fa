// Package network defines the typed set of supported value-transfer networks
// and the static compatibility table that decides when a bridge is required.
//
// Network names arrive as strings on the API boundary and are rejected there
// if unknown; business logic only ever sees the typed values below.
package network

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownNetwork is returned when a string does not name a supported network.
var ErrUnknownNetwork = errors.New("network: unknown network")

// Network identifies a supported value-transfer network.
type Network string

const (
	Ethereum Network = "ethereum"
	Polygon  Network = "polygon"
	Arbitrum Network = "arbitrum"
	Base     Network = "base"
	Optimism Network = "optimism"
	Solana   Network = "solana"
	Stellar  Network = "stellar"
)

// All lists every supported network, in a stable order.
var All = []Network{Ethereum, Polygon, Arbitrum, Base, Optimism, Solana, Stellar}

// evmCompatible is the static capability table. EVM-compatible pairs settle
// directly and never go through the bridge orchestrator.
var evmCompatible = map[Network]bool{
	Ethereum: true,
	Polygon:  true,
	Arbitrum: true,
	Base:     true,
	Optimism: true,
}

// Parse converts a string into a Network, case-insensitively.
func Parse(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
}

// IsValid reports whether s names a supported network.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// IsValid reports whether n is one of the supported networks. Useful as a
// guard on typed values built from raw input rather than via Parse.
func (n Network) IsValid() bool {
	return IsValid(string(n))
}

// IsEVM reports whether n is EVM-compatible.
func IsEVM(n Network) bool {
	return evmCompatible[n]
}

// Compatible reports whether value can move between a and b without a bridge:
// the same network, or two EVM-compatible networks.
func Compatible(a, b Network) bool {
	if a == b {
		return true
	}
	return evmCompatible[a] && evmCompatible[b]
}

// RequiresBridge reports whether a transfer from source to target needs the
// cross-chain orchestrator.
func RequiresBridge(source, target Network) bool {
	return !Compatible(source, target)
}
