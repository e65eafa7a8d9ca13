package models

// ConnectionStatus is the state of the real-time channel
type ConnectionStatus string

const (
	ConnInitializing ConnectionStatus = "initializing"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnError        ConnectionStatus = "error"
	ConnServerDown   ConnectionStatus = "server-down"
	ConnUnauthorized ConnectionStatus = "unauthorized"
)

// ConnectionState is a snapshot of the channel for UI consumers
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastError         string           `json:"last_error,omitempty"`
}
