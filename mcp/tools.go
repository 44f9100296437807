package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

// Tool names
const (
	ToolCreatePayment    = "create_payment"
	ToolGetPaymentStatus = "get_payment_status"
	ToolListPayments     = "list_payments"
)

var createPaymentSchema = json.RawMessage(`{
  "type": "object",
  "required": ["amountRequested", "targetAction"],
  "properties": {
    "amountRequested": {"type": "string", "description": "Amount in ZEC as a decimal string, e.g. \"0.25\""},
    "targetAction": {
      "type": "object",
      "description": "What to do on Solana once the deposit confirms",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["record_only", "transfer_native", "transfer_token", "program_invoke"]},
        "destination": {"type": "string"},
        "amount": {"type": ["integer", "string"]},
        "tokenId": {"type": "string"},
        "decimals": {"type": "integer"},
        "programId": {"type": "string"},
        "accounts": {"type": "array"},
        "data": {"type": "string"}
      }
    },
    "merchantId": {"type": "string"},
    "metadata": {"type": "object"},
    "expiresInSeconds": {"type": "integer", "minimum": 1}
  }
}`)

var getPaymentSchema = json.RawMessage(`{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "description": "Payment session id"}
  }
}`)

var listPaymentsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "cursor": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100}
  }
}`)

type tools struct {
	payments Payments
	log      *zap.Logger
}

type getPaymentArgs struct {
	ID string `json:"id"`
}

type listPaymentsArgs struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

func (t *tools) createPayment(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in zpay.CreateRequest
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}

	session, err := t.payments.Create(ctx, in)
	if err != nil {
		if zpay.IsValidationError(err) {
			return errorResult(err.Error()), nil
		}
		t.log.Error("create_payment failed", zap.Error(err))
		return errorResult("failed to create payment session"), nil
	}
	t.log.Info("payment session created over mcp", zap.String("session_id", session.ID))
	return jsonResult(session)
}

func (t *tools) getPaymentStatus(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in getPaymentArgs
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	if in.ID == "" {
		return errorResult("id is required"), nil
	}

	session, err := t.payments.Refresh(ctx, in.ID)
	if err != nil {
		if errors.Is(err, zpay.ErrSessionNotFound) {
			return errorResult(fmt.Sprintf("payment session %s not found", in.ID)), nil
		}
		t.log.Error("get_payment_status failed", zap.String("session_id", in.ID), zap.Error(err))
		return errorResult("failed to refresh payment session"), nil
	}
	return jsonResult(session)
}

func (t *tools) listPayments(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var in listPaymentsArgs
	if err := decodeArguments(req, &in); err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := t.payments.List(ctx, in.Cursor, in.Limit)
	if err != nil {
		t.log.Error("list_payments failed", zap.Error(err))
		return errorResult("failed to list payment sessions"), nil
	}
	return jsonResult(result)
}

// decodeArguments unmarshals the raw tool arguments into v. Missing
// arguments decode as an empty object.
func decodeArguments(req *mcpsdk.CallToolRequest, v interface{}) error {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
	}, nil
}

func errorResult(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: message}},
	}
}
