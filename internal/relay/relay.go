// Package relay carries sealed events between API processes. A process sends
// an envelope to the node that holds subscribers for the target rooms; the
// receiving node delivers it to its local connections.
package relay

import (
	"context"
	"errors"

	"github.com/raasel/backend/internal/model/event"
)

// ErrUnreachable is returned when no listener exists for a node.
var ErrUnreachable = errors.New("relay: node unreachable")

// Handler receives envelopes addressed to the local node.
type Handler func(ctx context.Context, env event.Envelope) error

// Relay is the inter-process transport used by the fan-out hub.
type Relay interface {
	// Send delivers env to nodeID. It does not wait for local delivery on
	// the receiving side.
	Send(ctx context.Context, nodeID string, env event.Envelope) error
	// Listen feeds envelopes addressed to nodeID into h until ctx is done.
	Listen(ctx context.Context, nodeID string, h Handler) error
}
