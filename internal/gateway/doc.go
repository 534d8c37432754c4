// Package gateway runs the coven-chat servers.
//
// # Overview
//
// The Gateway owns every long-lived component: the store, the conversation
// service, the admission gate, the stream broker, metrics, and the HTTP and
// gRPC servers. New builds them from configuration; NewWithDeps accepts
// prebuilt collaborators and is what tests use.
//
// # HTTP API
//
//   - POST /api/chat - start or continue a turn (SSE response, X-Stream-Id header)
//   - DELETE /api/chat?id= - delete a chat the caller owns
//   - GET /api/chat/{id}/stream - resume the chat's newest stream (Last-Event-ID or ?after=)
//   - GET /api/history?limit= - the caller's chats, newest first
//   - GET /health - liveness
//   - GET /health/ready - readiness (store reachable)
//   - GET /metrics - Prometheus metrics, when enabled
//
// Every /api/ route runs behind auth.SessionMiddleware. Failures are written
// by chaterr as {"code", "message", "cause"} documents.
//
// # Event stream
//
// Each frame is written as
//
//	id: <seq>
//	event: <type>
//	data: <json>
//
// A client that loses the connection resumes with the last id it saw. When
// resumable streams are disabled the resume endpoint answers 204.
//
// # Listeners
//
// Without Tailscale the HTTP server listens on server.http_addr and the gRPC
// health service on server.grpc_addr (omitted when empty). With Tailscale
// enabled both listen on the tailnet node instead: HTTP on :80 (or :443 with
// tailnet certificates) and gRPC on :50051.
//
// # Shutdown
//
// Run blocks until its context is canceled, then stops accepting requests,
// waits for running turns to finish their completion writes, and closes the
// broker, the stream log and the store, in that order.
package gateway
