package zpay

import (
	"encoding/json"
	"fmt"
)

// ActionType is the discriminator of a settlement action
type ActionType string

const (
	ActionRecordOnly     ActionType = "record_only"
	ActionTransferNative ActionType = "transfer_native"
	ActionTransferToken  ActionType = "transfer_token"
	ActionProgramInvoke  ActionType = "program_invoke"
)

// ActionVariant is implemented by the closed set of settlement actions below.
// The unexported marker keeps other packages from adding variants.
type ActionVariant interface {
	Type() ActionType
	isActionVariant()
}

// RecordOnly records the payment without any destination-ledger effect
type RecordOnly struct{}

// TransferNative moves the destination ledger's native asset.
// Amount is denominated in the smallest unit (lamports).
type TransferNative struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
}

// TransferToken moves a fungible token. Amount is an integer string in the
// token's smallest unit.
type TransferToken struct {
	Destination string `json:"destination"`
	TokenID     string `json:"tokenId"`
	Amount      string `json:"amount"`
	Decimals    uint8  `json:"decimals"`
}

// AccountMeta describes one account passed to a program invocation
type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// ProgramInvoke calls a program with base64 instruction data
type ProgramInvoke struct {
	ProgramID string        `json:"programId"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      string        `json:"data"`
}

func (RecordOnly) Type() ActionType     { return ActionRecordOnly }
func (TransferNative) Type() ActionType { return ActionTransferNative }
func (TransferToken) Type() ActionType  { return ActionTransferToken }
func (ProgramInvoke) Type() ActionType  { return ActionProgramInvoke }

func (RecordOnly) isActionVariant()     {}
func (TransferNative) isActionVariant() {}
func (TransferToken) isActionVariant()  {}
func (ProgramInvoke) isActionVariant()  {}

// Action is the tagged union stored on a session. Its JSON form is the
// variant's fields plus a "type" discriminator.
type Action struct {
	Variant ActionVariant
}

// NewAction wraps a variant
func NewAction(v ActionVariant) Action {
	return Action{Variant: v}
}

// Type returns the discriminator, or "" for an empty action
func (a Action) Type() ActionType {
	if a.Variant == nil {
		return ""
	}
	return a.Variant.Type()
}

// IsZero reports whether no variant is set
func (a Action) IsZero() bool {
	return a.Variant == nil
}

func (a Action) clone() Action {
	if p, ok := a.Variant.(ProgramInvoke); ok {
		accounts := make([]AccountMeta, len(p.Accounts))
		copy(accounts, p.Accounts)
		p.Accounts = accounts
		return Action{Variant: p}
	}
	return a
}

// MarshalJSON implements json.Marshaler
func (a Action) MarshalJSON() ([]byte, error) {
	switch v := a.Variant.(type) {
	case RecordOnly:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
		}{v.Type()})
	case TransferNative:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			TransferNative
		}{v.Type(), v})
	case TransferToken:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			TransferToken
		}{v.Type(), v})
	case ProgramInvoke:
		return json.Marshal(struct {
			Type ActionType `json:"type"`
			ProgramInvoke
		}{v.Type(), v})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown action variant %T", v)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Action) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		a.Variant = nil
		return nil
	}

	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode target action: %w", err)
	}

	switch head.Type {
	case ActionRecordOnly:
		a.Variant = RecordOnly{}
	case ActionTransferNative:
		var v TransferNative
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s action: %w", head.Type, err)
		}
		a.Variant = v
	case ActionTransferToken:
		var v TransferToken
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s action: %w", head.Type, err)
		}
		a.Variant = v
	case ActionProgramInvoke:
		var v ProgramInvoke
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s action: %w", head.Type, err)
		}
		a.Variant = v
	default:
		return &ValidationError{Field: "targetAction.type", Message: fmt.Sprintf("unknown action type %q", head.Type)}
	}
	return nil
}

// Validate checks the structural requirements of the action that do not
// depend on the destination ledger's address format.
func (a Action) Validate() error {
	switch v := a.Variant.(type) {
	case nil:
		return &ValidationError{Field: "targetAction", Message: "target action is required"}
	case RecordOnly:
		return nil
	case TransferNative:
		if v.Destination == "" {
			return &ValidationError{Field: "targetAction.destination", Message: "destination address is required"}
		}
		if v.Amount == 0 {
			return &ValidationError{Field: "targetAction.amount", Message: "amount must be positive"}
		}
		return nil
	case TransferToken:
		if v.Destination == "" {
			return &ValidationError{Field: "targetAction.destination", Message: "destination address is required"}
		}
		if v.TokenID == "" {
			return &ValidationError{Field: "targetAction.tokenId", Message: "token id is required"}
		}
		if v.Amount == "" {
			return &ValidationError{Field: "targetAction.amount", Message: "amount is required"}
		}
		return nil
	case ProgramInvoke:
		if v.ProgramID == "" {
			return &ValidationError{Field: "targetAction.programId", Message: "program id is required"}
		}
		if len(v.Accounts) == 0 {
			return &ValidationError{Field: "targetAction.accounts", Message: "at least one account is required"}
		}
		for i, acc := range v.Accounts {
			if acc.Pubkey == "" {
				return &ValidationError{Field: fmt.Sprintf("targetAction.accounts[%d].pubkey", i), Message: "pubkey is required"}
			}
		}
		if v.Data == "" {
			return &ValidationError{Field: "targetAction.data", Message: "instruction data must be base64 encoded"}
		}
		return nil
	default:
		return &ValidationError{Field: "targetAction.type", Message: fmt.Sprintf("unknown action variant %T", v)}
	}
}
