// Package driving provides interfaces for application entrypoints
// (primary/inbound ports). CLI and MCP adapters depend on these.
package driving
