package models

import "time"

// ConnectionState tracks a bus connection's lifecycle
type ConnectionState string

const (
	ConnStateConnecting    ConnectionState = "connecting"
	ConnStateConnected     ConnectionState = "connected"
	ConnStateAuthenticated ConnectionState = "authenticated"
	ConnStateActive        ConnectionState = "active"
	ConnStateIdle          ConnectionState = "idle"
	ConnStateDisconnecting ConnectionState = "disconnecting"
	ConnStateError         ConnectionState = "error"
)

// ConnectionInfo is the ephemeral record the bus keeps per socket.
// Its lifetime never outlives the underlying connection.
type ConnectionInfo struct {
	ID             string          `json:"id"`
	RemoteIdentity string          `json:"remote_identity,omitempty"`
	RemoteType     string          `json:"remote_type,omitempty"`
	PID            int             `json:"pid,omitempty"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastActivity   time.Time       `json:"last_activity"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	State          ConnectionState `json:"state"`
}
