// Package idgen mints short opaque identifiers for values that ATM itself
// originates and that are never persisted across processes in a
// spec-mandated format (contrast with message_id/agent_id, which must be
// UUIDv4 per spec.md and are minted with google/uuid instead).
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RequestID returns a 13-character id suitable for a proxy-originated
// JSON-RPC request id (e.g. the control_request sent to the child, or a
// pending-request correlation key).
func RequestID() string {
	return generate(13)
}

// SubscriberID returns a 24-character id for a daemon socket subscriber
// handle (internal/daemon/subscribe).
func SubscriberID() string {
	return generate(24)
}

func generate(n int) string {
	id, err := gonanoid.Generate(alphanumeric, n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
