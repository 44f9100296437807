package zpay

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimal places between the destination
// ledger's smallest unit (lamports) and its display unit (SOL).
const NativeDecimals = 9

// LamportsToSOL converts an integer lamport amount to an exact SOL decimal string
func LamportsToSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -NativeDecimals).String()
}

// SOLToLamports converts a SOL amount back to lamports. Fractions below one
// lamport are rejected rather than rounded.
func SOLToLamports(sol decimal.Decimal) (uint64, bool) {
	if sol.IsNegative() {
		return 0, false
	}
	shifted := sol.Shift(NativeDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, false
	}
	n := shifted.BigInt()
	if !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}
