// Package protocol defines the JSON wire format spoken between the dashboard
// and its backend over a single WebSocket.
//
// Four frame types exist: request (client to server, carries a requestId),
// response and error (server to client, echo the requestId) and update
// (server push, no correlation). Payloads travel as raw JSON so the
// transport layer never interprets business data.
package protocol
