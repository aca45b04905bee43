// Package driven provides interfaces for infrastructure adapters
// (secondary/outbound ports). The core depends only on these interfaces;
// concrete implementations live under internal/adapters/driven.
package driven
