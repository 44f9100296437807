// Package mcp exposes payment sessions as Model Context Protocol tools.
//
// Agents connected over MCP can open a payment session, check its status and
// page through recent sessions. The tools call the same engine operations as
// the HTTP API.
//
// # Usage
//
//	import (
//	    zpaymcp "github.com/zpay-labs/zpay/mcp"
//	)
//
//	server := zpaymcp.NewServer(engine, zpaymcp.WithLogger(logger))
//	http.Handle("/mcp", zpaymcp.Handler(server))
//
// # Tools
//
//   - create_payment: open a session and return its deposit address
//   - get_payment_status: reconcile a session and return it
//   - list_payments: one page of sessions, newest first
//
// Tool failures are returned as error results so the calling model can see
// them; only protocol problems surface as JSON-RPC errors.
package mcp
