// Package toolserver manages connections to external MCP tool servers.
//
// Each tenant owns a set of tool server configurations; the Manager turns
// those configurations into live connections on demand and keeps exactly one
// Connection per (tenant, server) pair.
//
// # Transports
//
// Three transport types are supported, all built on the mcp-go client:
//
//   - stdio: runs the server as a local subprocess and speaks MCP over
//     stdin/stdout. Closing the connection terminates and reaps the child.
//   - sse: connects to a remote server over Server-Sent Events.
//   - streamable-http: connects to a remote server over streamable HTTP.
//
// # Lifecycle
//
// A Connection moves through Disconnected, Connecting, Connected and Error
// states. Connect failures are retried with exponential backoff up to the
// config's retry budget; once exhausted the connection stays in Error with
// the failure readable through Status. Tool invocation failures are returned
// to the caller and never retried by this package. Disabled servers are
// terminal until their config re-enables them.
//
// # Concurrency and capacity
//
// Concurrent EnsureConnected calls for the same (tenant, server) coalesce
// into one connect attempt through a single-flight group. Per-tenant and
// global connection caps are enforced by slot reservation before the attempt
// starts; a full tenant gets a CapacityError and no existing connection is
// evicted. Each tenant's connection set has its own critical section, so a
// misbehaving tenant cannot stall the others.
package toolserver
