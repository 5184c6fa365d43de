// Package server exposes the completion pipeline and its state cache over
// HTTP for a host UI.
//
// The router is built on chi with request ids, zerolog request logging,
// panic recovery and optional CORS.
//
// # API Endpoints
//
//   - GET  /health: liveness and cache initialization status
//   - GET  /api/config, PUT /api/config: provider configuration; the Ollama
//     key is write-only and reported only as ollamaApiKeySet
//   - /api/state/{namespace}/*: raw access to the global, secrets and
//     workspace namespaces; POST .../reset clears a namespace
//   - POST /api/chat: streams one completion as SSE (session, text,
//     reasoning, usage, then done or error); closing the connection
//     cancels the request
//   - /api/chat/{sessionID}/*: session info, cancel and last usage
//   - GET  /api/models/lmstudio, GET /api/models/ollama: model discovery
//   - GET  /api/events: bus events as SSE, optionally filtered by
//     ?sessionID=
//
// # Error Handling
//
// Errors are returned as {"error": {"code": ..., "message": ...}} with one
// of the ErrCode constants.
package server
