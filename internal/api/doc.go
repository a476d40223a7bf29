// Package api holds the shared types and error taxonomy that the rest of
// toolgate communicates through.
//
// Keeping configuration records, event payloads, decisions and error kinds in
// one leaf package prevents import cycles between the connection manager,
// registry, executor and approval coordinator: every other internal package
// depends on api and never on each other's concrete types.
//
// # Errors
//
// Structured failures (ConfigError, ConnectionError, CapacityError,
// InvocationError) are typed structs with Is* helpers so callers can branch
// on kind without string matching. Conditions that carry no extra context are
// sentinel errors checked with errors.Is.
package api
