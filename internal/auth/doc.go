// Package auth provides bearer-token authentication for the bridge's HTTP API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret and carry one of
// three roles:
//
//   - viewer: read gateways, devices and history
//   - operator: viewer plus device writes
//   - admin: operator plus discovery scans
//
// There is no user store; tokens are minted by the "token" CLI command
// for operators and integrations.
package auth
