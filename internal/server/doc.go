// ABOUTME: Package server assembles and runs the gatekeeper process
// ABOUTME: See server.go for wiring order and api.go for the HTTP routes

// Package server builds every coordination component from configuration,
// connects them through the event bus and exposes them over HTTP and gRPC.
//
// Startup order:
//
//  1. Open the store and build handshake, gate, answers and dispatcher.
//  2. Build the coordinator on top of them and, when Matrix is enabled,
//     register the Matrix channel, delivery port and inbound bridge.
//  3. Build the escalator against the coordinator.
//  4. Register bus handlers, then restore sessions, gates, questions and
//     escalations in that order.
//  5. Run starts the listeners, the periodic sweeps and the Matrix bridge.
//
// HTTP routes:
//
//	GET  /health                         liveness
//	GET  /health/ready                   503 until state is restored
//	GET  /metrics                        Prometheus (metrics.enabled)
//	GET  /api/events?type=a,b            websocket event stream
//	GET  /api/agents                     sessions with gate status
//	POST /api/agents                     register (sends hello)
//	POST /api/agents/{id}/ack            complete handshake
//	POST /api/agents/{id}/heartbeat
//	POST /api/agents/{id}/disconnect
//	GET  /api/gate                       all gate states and global halt
//	POST /api/gate/halt|resume           global halt / resume
//	GET  /api/gate/{id}                  gate check
//	POST /api/gate/{id}/halt|resume|clear-error
//	GET  /api/issues                     unresolved issues
//	POST /api/issues                     submit a detected issue
//	GET  /api/issues/{id}
//	POST /api/issues/{id}/resolve
//	GET  /api/questions[?agent_id=]      pending questions
//	POST /api/questions                  ask (coordinator.AskQuestion)
//	POST /api/questions/{id}/answer      button answer
//	POST /api/questions/{id}/cancel
//	GET  /api/questions/{id}/answers     answer history
//	POST /api/questions/text             free-text answer for a chat
//	POST /api/notifications              dispatch
//	POST /api/notifications/flush        deliver due quiet-hours queue
//
// The gRPC listener serves only the standard health service, reporting
// SERVING once restore has completed.
package server
