// Package gateway implements the per-browser session protocol: JSON
// messages over one WebSocket are translated into RCON and A2S calls
// against the operator's game server, and backend events are translated
// back into JSON.
package gateway

import (
	"github.com/bastion-project/bastion/internal/logparse"
)

// Client-to-server message types.
const (
	MsgConnect       = "connect"
	MsgCommand       = "command"
	MsgDisconnect    = "disconnect"
	MsgRequestStatus = "request_status"
	MsgEnableLogs    = "enable_logs"
	MsgDisableLogs   = "disable_logs"
)

// Server-to-client message types.
const (
	MsgConnected    = "connected"
	MsgDisconnected = "disconnected"
	MsgResponse     = "response"
	MsgError        = "error"
	MsgServerStatus = "server_status"
	MsgPlayerList   = "player_list"
	MsgLogEvent     = "log_event"
	MsgLogStreaming = "log_streaming"
)

// ClientMessage is one inbound JSON object from the browser.
type ClientMessage struct {
	Type     string `json:"type"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
	Command  string `json:"command,omitempty"`
}

// ServerMessage is one outbound JSON object to the browser. Fields not
// used by a message type are omitted.
type ServerMessage struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Command string          `json:"command,omitempty"`
	Body    string          `json:"body,omitempty"`
	Server  *ServerStatus   `json:"server,omitempty"`
	Players []Player        `json:"players,omitempty"`
	Event   *logparse.Event `json:"event,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// ServerStatus is the merged status snapshot sent to the browser.
// A2S fields win when the server is reachable over A2S; otherwise the
// fields are scraped from the RCON status text.
type ServerStatus struct {
	Name       string       `json:"name"`
	Map        string       `json:"map"`
	Game       string       `json:"game,omitempty"`
	Players    int          `json:"players"`
	MaxPlayers int          `json:"max_players"`
	Bots       int          `json:"bots"`
	Version    string       `json:"version,omitempty"`
	VAC        bool         `json:"vac"`
	Source     string       `json:"source"` // "a2s" or "rcon"
	Stats      *ServerStats `json:"stats,omitempty"`
}

// ServerStats carries the numeric row of the RCON stats command.
type ServerStats struct {
	CPU       float64 `json:"cpu"`
	NetIn     float64 `json:"net_in"`
	NetOut    float64 `json:"net_out"`
	UptimeMin int     `json:"uptime_min"`
	FPS       float64 `json:"fps"`
	Players   int     `json:"players"`
}

// Player is one row of the RCON status player table.
type Player struct {
	UserID    int    `json:"user_id"`
	Name      string `json:"name"`
	SteamID   string `json:"steam_id"`
	Connected string `json:"connected,omitempty"`
	Ping      int    `json:"ping"`
	Loss      int    `json:"loss"`
	State     string `json:"state,omitempty"`
	Address   string `json:"address,omitempty"`
}

func errorMessage(text string) ServerMessage {
	return ServerMessage{Type: MsgError, Message: text}
}

func logStreamingMessage(enabled bool, text string) ServerMessage {
	return ServerMessage{Type: MsgLogStreaming, Enabled: &enabled, Message: text}
}
