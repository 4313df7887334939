// Package auth issues and validates short-lived WebSocket tickets.
//
// Browsers cannot attach Authorization headers to WebSocket handshakes,
// so clients first obtain a signed single-purpose ticket over HTTPS and
// present it as a query parameter when connecting. Tickets are HS256
// JWTs: validation is a signature check with no server-side state.
package auth
