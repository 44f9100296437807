package svm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	zpay "github.com/zpay-labs/zpay"
)

// ErrNoInstruction is returned by BuildInstruction for actions without a
// ledger effect
var ErrNoInstruction = errors.New("action has no instruction")

// Validator checks target actions against Solana rules: addresses decode to
// 32-byte keys, amounts fit in a u64, instruction data is base64 and the
// resulting transaction fits in one packet.
type Validator struct {
	payer solana.PublicKey
}

var _ zpay.ActionValidator = (*Validator)(nil)

// NewValidator creates a validator. The payer funds transfers in the trial
// transaction; the zero key is used when none is configured.
func NewValidator(payer solana.PublicKey) *Validator {
	return &Validator{payer: payer}
}

// ValidateAction implements zpay.ActionValidator
func (v *Validator) ValidateAction(action zpay.Action) error {
	ix, err := v.BuildInstruction(action)
	if errors.Is(err, ErrNoInstruction) {
		return nil
	}
	if err != nil {
		return err
	}
	return v.checkSize(ix)
}

// BuildInstruction turns an action into the instruction the destination
// ledger would execute
func (v *Validator) BuildInstruction(action zpay.Action) (solana.Instruction, error) {
	switch a := action.Variant.(type) {
	case zpay.RecordOnly:
		return nil, ErrNoInstruction

	case zpay.TransferNative:
		dest, err := ParsePublicKey("targetAction.destination", a.Destination)
		if err != nil {
			return nil, err
		}
		ix, err := system.NewTransferInstruction(a.Amount, v.payer, dest).ValidateAndBuild()
		if err != nil {
			return nil, invalid("targetAction", err.Error())
		}
		return ix, nil

	case zpay.TransferToken:
		dest, err := ParsePublicKey("targetAction.destination", a.Destination)
		if err != nil {
			return nil, err
		}
		mint, err := ParsePublicKey("targetAction.tokenId", a.TokenID)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseUint(a.Amount, 10, 64)
		if err != nil || amount == 0 {
			return nil, invalid("targetAction.amount", "amount must be a positive integer in base units")
		}
		source, _, err := solana.FindAssociatedTokenAddress(v.payer, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(dest, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		ix, err := token.NewTransferCheckedInstruction(amount, a.Decimals, source, mint, destATA, v.payer, nil).ValidateAndBuild()
		if err != nil {
			return nil, invalid("targetAction", err.Error())
		}
		return ix, nil

	case zpay.ProgramInvoke:
		program, err := ParsePublicKey("targetAction.programId", a.ProgramID)
		if err != nil {
			return nil, err
		}
		accounts := make(solana.AccountMetaSlice, 0, len(a.Accounts))
		for i, meta := range a.Accounts {
			pk, err := ParsePublicKey(fmt.Sprintf("targetAction.accounts[%d].pubkey", i), meta.Pubkey)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, solana.NewAccountMeta(pk, meta.IsWritable, meta.IsSigner))
		}
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, invalid("targetAction.data", "instruction data must be base64")
		}
		return solana.NewInstruction(program, accounts, data), nil

	case nil:
		return nil, invalid("targetAction", "target action is required")
	default:
		return nil, &zpay.UnsupportedActionError{Type: action.Type()}
	}
}

// checkSize compiles a one-instruction transaction and rejects it when the
// signed wire form would exceed a packet
func (v *Validator) checkSize(ix solana.Instruction) error {
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(v.payer))
	if err != nil {
		return invalid("targetAction", fmt.Sprintf("cannot compile transaction: %v", err))
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return invalid("targetAction", fmt.Sprintf("cannot encode transaction: %v", err))
	}

	signers := int(tx.Message.Header.NumRequiredSignatures)
	size := len(message) + compactLen(signers) + signers*SignatureSize
	if size > MaxTransactionSize {
		return invalid("targetAction", fmt.Sprintf("transaction is %d bytes, limit is %d", size, MaxTransactionSize))
	}
	return nil
}

// compactLen is the encoded size of a compact-u16 length prefix
func compactLen(n int) int {
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	default:
		return 3
	}
}

func invalid(field, message string) error {
	return &zpay.ValidationError{Field: field, Message: message}
}
