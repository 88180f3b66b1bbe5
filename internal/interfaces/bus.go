package interfaces

import (
	"context"

	"github.com/colligohq/colligo/internal/models"
)

// BusEventType names connection lifecycle events on the message bus
type BusEventType string

const (
	BusEventConnected        BusEventType = "connected"
	BusEventDisconnected     BusEventType = "disconnected"
	BusEventHeartbeatTimeout BusEventType = "heartbeatTimeout"
	BusEventRegistered       BusEventType = "registered"
)

// BusEvent is published for connection state changes
type BusEvent struct {
	Type       BusEventType
	Connection models.ConnectionInfo
}

// BusEventHandler handles a connection lifecycle event
type BusEventHandler func(ctx context.Context, event BusEvent)

// EnvelopeHandler processes one inbound envelope. Errors are logged by the
// bus; they never tear down the connection.
type EnvelopeHandler func(ctx context.Context, env *models.Envelope) error

// EnvelopeSender sends envelopes to the peer. Send may buffer while
// disconnected and is loss-tolerant under pressure; SendPriority bypasses
// queue pruning and must be used for job-state and discovery messages.
type EnvelopeSender interface {
	Send(env *models.Envelope) error
	SendPriority(env *models.Envelope) error
}
