package zcash

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

// ReceivedNote is one entry of z_listreceivedbyaddress
type ReceivedNote struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
	BlockHeight   int64           `json:"blockheight,omitempty"`
	OutIndex      int             `json:"outindex"`
	Change        bool            `json:"change,omitempty"`
}

// Detect lists every note received at the deposit address, confirmed or
// not, and reports the deepest single note that covers the requested
// amount. Confirmation depth is left for the engine to judge.
func (c *Client) Detect(ctx context.Context, query zpay.DepositQuery) (*zpay.DepositResult, error) {
	var notes []ReceivedNote
	if err := c.rpc.CallContext(ctx, &notes, "z_listreceivedbyaddress", query.Address, 0); err != nil {
		derr := classify(err)
		c.log.Debug("z_listreceivedbyaddress failed",
			zap.String("session_id", query.SessionID),
			zap.Bool("transient", derr.Transient),
			zap.Error(err))
		return nil, derr
	}

	best := selectNote(notes, query.Amount)
	if best == nil {
		return &zpay.DepositResult{Found: false}, nil
	}
	return &zpay.DepositResult{
		Found:         true,
		TxID:          best.TxID,
		Amount:        best.Amount,
		Confirmations: best.Confirmations,
	}, nil
}

// selectNote returns the deepest non-change note of at least amount
func selectNote(notes []ReceivedNote, amount decimal.Decimal) *ReceivedNote {
	var best *ReceivedNote
	for i := range notes {
		n := &notes[i]
		if n.Change || n.TxID == "" || n.Amount.LessThan(amount) {
			continue
		}
		if best == nil || n.Confirmations > best.Confirmations {
			best = n
		}
	}
	return best
}

// classify sorts RPC failures into transient ones, which say nothing about
// the deposit, and permanent ones the node reported about this query
func classify(err error) *zpay.DetectionError {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		// zcashd answers RPC errors with HTTP 500 and a JSON-RPC error body
		if hasRPCError(httpErr.Body) {
			return &zpay.DetectionError{Err: err}
		}
		return &zpay.DetectionError{Transient: true, Err: err}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &zpay.DetectionError{Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return &zpay.DetectionError{Transient: true, Err: err}
	}

	// Anything else is a response we could not make sense of
	return &zpay.DetectionError{Err: err}
}

func hasRPCError(body []byte) bool {
	var envelope struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	return envelope.Error != nil
}
