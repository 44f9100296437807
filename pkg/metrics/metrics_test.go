package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	zpay "github.com/zpay-labs/zpay"
	"github.com/zpay-labs/zpay/test/mocks/ledger"
)

func TestRecorder_EngineHooks(t *testing.T) {
	recorder := New()
	store := ledger.NewMemoryStore()
	detector := ledger.NewDetector()
	dispatcher := ledger.NewDispatcher(&zpay.SettlementResult{ProviderOrderID: "X", ProviderDepositAddress: "Y"})

	opts := append([]zpay.Option{zpay.WithLogger(zaptest.NewLogger(t))}, recorder.EngineOptions()...)
	engine, err := zpay.NewEngine(store, detector, dispatcher, &ledger.Allocator{}, opts...)
	require.NoError(t, err)

	ctx := context.Background()
	session, err := engine.Create(ctx, zpay.CreateRequest{
		AmountRequested: decimal.RequireFromString("1"),
		TargetAction:    zpay.NewAction(zpay.TransferNative{Destination: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Amount: 1}),
	})
	require.NoError(t, err)

	detector.Respond(session.DepositAddress, &zpay.DepositResult{
		Found:         true,
		TxID:          "zec-tx",
		Amount:        decimal.RequireFromString("1"),
		Confirmations: 5,
	}, nil)

	_, err = engine.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.transitions.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.transitions.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.transitions.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.detections.WithLabelValues(DetectionFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.dispatches.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.sweepVisited))
	assert.Equal(t, 0.0, testutil.ToFloat64(recorder.sweepErrors))
}

func TestDetectionOutcome(t *testing.T) {
	tests := []struct {
		name string
		dc   zpay.DetectionContext
		want string
	}{
		{name: "nothing yet", dc: zpay.DetectionContext{Result: &zpay.DepositResult{}}, want: DetectionNotFound},
		{name: "found", dc: zpay.DetectionContext{Result: &zpay.DepositResult{Found: true}}, want: DetectionFound},
		{name: "transient", dc: zpay.DetectionContext{Error: &zpay.DetectionError{Transient: true, Err: errors.New("503")}}, want: DetectionTransient},
		{name: "permanent", dc: zpay.DetectionContext{Error: errors.New("bad address")}, want: DetectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectionOutcome(tt.dc))
		})
	}
}

func TestHandler(t *testing.T) {
	recorder := New()
	recorder.sweepDuration.Observe((250 * time.Millisecond).Seconds())

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "zpay_sweep_duration_seconds_count 1"), "exposition:\n%s", body)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
