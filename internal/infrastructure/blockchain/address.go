package blockchain

import (
	"strings"

	"crypto-live-feed/internal/domain/entity"
)

// NormalizeAddress returns the canonical form of an address on a network.
// Ethereum addresses are lower-cased; anything that is not a valid address
// for the network is returned as an empty string.
func NormalizeAddress(network entity.Network, address string) string {
	address = strings.TrimSpace(address)
	switch network {
	case entity.NetworkEthereum:
		address = strings.ToLower(address)
		if !isValidEthereumAddress(address) {
			return ""
		}
		return address
	case entity.NetworkBitcoin:
		if !isValidBitcoinAddress(address) {
			return ""
		}
		return address
	}
	return ""
}

// isValidEthereumAddress checks if the address format is valid
func isValidEthereumAddress(address string) bool {
	// Basic validation: starts with 0x and has 42 chars total
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}

	for _, char := range address[2:] {
		if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'f')) {
			return false
		}
	}
	return true
}

// isValidBitcoinAddress accepts base58 and bech32 looking strings
func isValidBitcoinAddress(address string) bool {
	if len(address) < 14 || len(address) > 90 {
		return false
	}
	for _, char := range address {
		if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z')) {
			return false
		}
	}
	return true
}
