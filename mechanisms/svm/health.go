package svm

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go/rpc"
)

// HealthChecker asks a Solana RPC node whether it is caught up
type HealthChecker struct {
	client *rpc.Client
}

func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{client: rpc.New(endpoint)}
}

// Ping returns nil when the node reports "ok"
func (h *HealthChecker) Ping(ctx context.Context) error {
	status, err := h.client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("solana getHealth failed: %w", err)
	}
	if status != rpc.HealthOk {
		return fmt.Errorf("solana node unhealthy: %s", status)
	}
	return nil
}

func (h *HealthChecker) Close() error {
	return h.client.Close()
}
