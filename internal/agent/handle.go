// ABOUTME: Capability interfaces every agent handle implements
// ABOUTME: Receive messages, report status, and optionally emit outgoing messages

package agent

import (
	"context"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// Handle is the capability set the router depends on. The registrant owns
// the handle; the registry only keeps a reference.
type Handle interface {
	// ReceiveMessage delivers a routed message. Errors are logged by the
	// router and never reach the submitter.
	ReceiveMessage(ctx context.Context, msg *protocol.Message) error

	// Status reports the agent's own view of its health.
	Status(ctx context.Context) (*Status, error)
}

// Emitter is implemented by handles that produce messages of their own.
// The registry forwards everything read from Outbox into the router until
// the agent is unregistered or the channel is closed.
type Emitter interface {
	Outbox() <-chan *protocol.Message
}

// Status is what a handle reports about itself.
type Status struct {
	Healthy bool
	Detail  string
}
