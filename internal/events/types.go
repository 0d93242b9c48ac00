// Package events defines event types and the publish-subscribe bus that
// connects Bastion's components.
package events

import "github.com/bastion-project/bastion/internal/protocol"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"

	// Backend connection events
	EventRconConnected    EventType = "rcon_connected"
	EventRconDisconnected EventType = "rcon_disconnected"
	EventCommandExecuted  EventType = "command_executed"

	// Monitoring events
	EventMonitorSnapshot EventType = "monitor_snapshot"
	EventReceiverError   EventType = "receiver_error"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	RemoteIP  string `json:"remote_ip"`
}

// RconPayload accompanies backend connection events.
type RconPayload struct {
	SessionID string `json:"session_id"`
	Addr      string `json:"addr"`
	Reason    string `json:"reason,omitempty"`
}

// CommandPayload accompanies command execution events.
type CommandPayload struct {
	SessionID string `json:"session_id"`
	Addr      string `json:"addr"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
}

// MonitorPayload accompanies monitor snapshot events.
type MonitorPayload struct {
	Addr      string               `json:"addr"`
	Reachable bool                 `json:"reachable"`
	Info      *protocol.ServerInfo `json:"info,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ReceiverErrorPayload accompanies log receiver error events.
type ReceiverErrorPayload struct {
	Error string `json:"error"`
}
