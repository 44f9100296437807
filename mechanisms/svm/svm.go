// Package svm holds the Solana side of settlement: target action
// validation, instruction building, fee payer keys and RPC health.
package svm

import (
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

const (
	// MaxTransactionSize is the largest serialized transaction a validator
	// accepts (PACKET_DATA_SIZE)
	MaxTransactionSize = 1232

	// SignatureSize is the encoded size of one ed25519 signature
	SignatureSize = 64
)

// ParsePublicKey decodes a base58 address and reports failures as a
// validation error on field
func ParsePublicKey(field, address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		return solana.PublicKey{}, invalid(field, fmt.Sprintf("invalid Solana address %q: %v", address, err))
	}
	return pk, nil
}

// ParsePayer accepts either a base58 private key or a base58 public key and
// returns the fee payer address. A private key never leaves this function.
func ParsePayer(value string) (solana.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return solana.PublicKey{}, nil
	}
	if key, err := solana.PrivateKeyFromBase58(value); err == nil {
		return key.PublicKey(), nil
	}
	pk, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("fee payer is neither a private nor a public key: %w", err)
	}
	return pk, nil
}
