// Package api implements the HTTP REST API and WebSocket server for the
// Gray Logic Mi Home bridge.
//
// This package provides:
//   - Read endpoints for gateways, gateway directories, devices and report history
//   - Bearer-JWT protected endpoints for device writes and discovery scans
//   - WebSocket hub relaying item updates, gateway status and scan results
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Optional mDNS advertisement of the API on the local network
//
// # Architecture
//
// The server reads directly from the running mihome.Bridge. Writes go through
// Bridge.Execute, the same path MQTT commands take, so a write issued over
// HTTP is encrypted with the gateway's current token exactly like one issued
// from Core. Bridge observer events are fanned out to WebSocket subscribers.
//
// # Security
//
// Tokens are minted offline with "graylogic-mihome token" and validated with
// the configured JWT secret. Roles map to permissions in package auth:
// viewers read, operators write, admins run discovery scans. WebSocket clients
// pass the token as the "token" query parameter or an Authorization header.
//
// # Graceful Degradation
//
// The server runs without a history repository; history endpoints then
// answer 503 while everything else keeps working.
package api
