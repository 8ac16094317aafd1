// Package registry owns every live connection of this process.
//
// The Registry is an actor: one goroutine consumes a command channel and is the
// only code that touches the connection tables, so no two mutations interleave.
// It drives the broker's ref-counted subscriptions and gates every outbound
// message through the per-connection rate limiter.
package registry
