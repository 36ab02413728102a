// Package transport connects chat platforms to the event bus: each transport
// ingests native events as message.incoming and subscribes to
// message.outgoing, applying the chunker before delivery.
package transport

import "context"

// Transport is one chat platform connection.
type Transport interface {
	Name() string
	// Start connects and begins publishing incoming messages.
	Start(ctx context.Context) error
	// Stop disconnects. Safe to call once after a successful Start.
	Stop(ctx context.Context) error
}
