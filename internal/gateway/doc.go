// ABOUTME: Package documentation for the gateway package
// ABOUTME: Describes the HTTP surface and component wiring

// Package gateway wires the solon-gateway server together: the SQLite store,
// the TTL session registry, and the stream bridge to the counsel engine, all
// exposed over a single HTTP server.
//
// The HTTP surface:
//
//	GET  /health                                    liveness
//	GET  /health/ready                              readiness (store reachable)
//	GET  /chat/session                              mint a chat session id
//	POST /chat/stream                               stream one prompt's answer
//	GET  /api/conversations                         list the user's conversations
//	POST /api/conversations                         create a conversation
//	GET  /api/conversations/{id}                    fetch one conversation
//	PATCH /api/conversations/{id}                   rename
//	DELETE /api/conversations/{id}                  delete (owner only, not protected)
//	GET  /api/conversations/{id}/messages           list messages in seq order
//	POST /api/conversations/{id}/messages           append a message
//	DELETE /api/conversations/{id}/messages/{mid}   delete one message
//
// The /api routes identify the caller by the X-Solon-User header, which the
// fronting proxy is expected to set after authenticating the user.
package gateway
