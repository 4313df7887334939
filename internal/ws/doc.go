// Package ws provides the HTTP and WebSocket server for farmhub.
//
// Every WebSocket connection is routed through an ordered set of
// registered factories: plain connections by their "action" query
// parameter, multiplexed channels by their four-character capability
// code. The first factory to claim a connection owns it; a connection
// nothing claims is closed immediately.
//
// The server follows the same lifecycle pattern as the other
// components:
//
//	server, err := ws.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package ws
