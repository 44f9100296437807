package mcp

import (
	"context"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

const (
	ServerName    = "zpay"
	ServerVersion = "1.0.0"
)

// Payments is the part of the engine the tools call
type Payments interface {
	Create(ctx context.Context, req zpay.CreateRequest) (*zpay.PaymentSession, error)
	Refresh(ctx context.Context, id string) (*zpay.PaymentSession, error)
	List(ctx context.Context, cursor string, limit int) (*zpay.ListResult, error)
}

var _ Payments = (*zpay.Engine)(nil)

type serverConfig struct {
	log     *zap.Logger
	version string
}

// Option configures NewServer
type Option func(*serverConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(c *serverConfig) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithVersion overrides the implementation version reported on initialize
func WithVersion(version string) Option {
	return func(c *serverConfig) {
		if version != "" {
			c.version = version
		}
	}
}

// NewServer creates an MCP server with the payment tools registered
func NewServer(payments Payments, opts ...Option) *mcpsdk.Server {
	cfg := serverConfig{log: zap.NewNop(), version: ServerVersion}
	for _, opt := range opts {
		opt(&cfg)
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    ServerName,
		Version: cfg.version,
	}, nil)

	t := &tools{payments: payments, log: cfg.log.Named("mcp")}
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolCreatePayment,
		Description: "Open a payment session. Returns the session with the shielded deposit address the payer must fund.",
		InputSchema: createPaymentSchema,
	}, t.createPayment)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolGetPaymentStatus,
		Description: "Reconcile one payment session against the chain and the swap provider and return it.",
		InputSchema: getPaymentSchema,
	}, t.getPaymentStatus)
	server.AddTool(&mcpsdk.Tool{
		Name:        ToolListPayments,
		Description: "List payment sessions, newest first. Pass nextCursor from a previous page to continue.",
		InputSchema: listPaymentsSchema,
	}, t.listPayments)

	return server
}

// Handler serves server over the streamable HTTP transport
func Handler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}
