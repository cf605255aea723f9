// Package server implements the Courier message router: a single-goroutine
// reactor that accepts TCP connections, binds usernames to sessions via the
// presence handshake, and relays point-to-point messages between them.
//
// The implementation is organized into specialized files for configuration,
// the router loop, sessions, the username registry, roster events, metrics,
// and the admin HTTP surface to keep the codebase maintainable and testable
// as the project grows.
package server
