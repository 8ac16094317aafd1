// Package domain defines the core types and interfaces of the realtime relay.
//
// Concept-oriented files (event.go, channel.go, message.go, action.go, connection.go)
// hold shared types and the contracts between the registry, the broker and the transports.
// No implementation code beyond parsing and validation.
package domain
