package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/logparse"
	"github.com/bastion-project/bastion/internal/protocol"
	"github.com/bastion-project/bastion/internal/query"
	"github.com/bastion-project/bastion/internal/rcon"
	"github.com/bastion-project/bastion/internal/util"
)

// outboundBuffer bounds the per-session send queue. The WebSocket write
// pump drains it; if the browser stops reading we drop rather than
// stall the backend.
const outboundBuffer = 256

// Session owns one browser connection's backend state: at most one RCON
// client and at most one log subscription. Messages for a session are
// handled sequentially by the WebSocket read pump, so handlers may block
// on the backend without further queueing.
type Session struct {
	id       string
	remoteIP string
	openedAt time.Time

	cfg      *config.Config
	bus      *events.EventBus
	receiver *logparse.Receiver

	mu     sync.Mutex
	client *rcon.Client
	sub    *logparse.Subscription
	host   string
	port   int
	logIPs []string
	closed bool

	out    chan ServerMessage
	done   chan struct{}
	logger zerolog.Logger
}

func newSession(id, remoteIP string, cfg *config.Config, bus *events.EventBus, receiver *logparse.Receiver) *Session {
	return &Session{
		id:       id,
		remoteIP: remoteIP,
		openedAt: time.Now(),
		cfg:      cfg,
		bus:      bus,
		receiver: receiver,
		out:      make(chan ServerMessage, outboundBuffer),
		done:     make(chan struct{}),
		logger:   util.ComponentLogger("session").With().Str("session", id).Logger(),
	}
}

// ID returns the registry-assigned session identifier.
func (s *Session) ID() string { return s.id }

// RemoteIP returns the browser's address.
func (s *Session) RemoteIP() string { return s.remoteIP }

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// BackendAddr returns the connected game server address, or "" when no
// connect has succeeded yet.
func (s *Session) BackendAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == "" {
		return ""
	}
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// State returns the RCON client state for display.
func (s *Session) State() string {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "idle"
	}
	return client.State().String()
}

// LogsEnabled reports whether the session holds a log subscription.
func (s *Session) LogsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// Outbound is the queue the WebSocket write pump drains.
func (s *Session) Outbound() <-chan ServerMessage { return s.out }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleMessage parses and dispatches one inbound frame. Malformed JSON
// and unknown types are reported to the browser, never fatal.
func (s *Session) HandleMessage(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(errorMessage("malformed message: " + err.Error()))
		return
	}

	switch msg.Type {
	case MsgConnect:
		s.handleConnect(ctx, msg)
	case MsgCommand:
		s.handleCommand(ctx, msg)
	case MsgDisconnect:
		s.handleDisconnect()
	case MsgRequestStatus:
		s.handleRequestStatus(ctx)
	case MsgEnableLogs:
		s.handleEnableLogs()
	case MsgDisableLogs:
		s.handleDisableLogs()
	default:
		s.send(errorMessage("unknown message type: " + msg.Type))
	}
}

func (s *Session) handleConnect(ctx context.Context, msg ClientMessage) {
	if msg.Host == "" || msg.Port < 1 || msg.Port > 65535 {
		s.send(errorMessage("connect requires a host and a port between 1 and 65535"))
		return
	}

	// A repeated connect replaces the previous backend.
	s.mu.Lock()
	prior := s.client
	s.client = nil
	s.mu.Unlock()
	if prior != nil {
		prior.SetDisconnectHandler(nil)
		prior.Disconnect()
	}

	gw := s.cfg.GetGateway()
	client := rcon.NewClient()
	client.SetCommandTimeout(secondsOrDefault(gw.CommandTimeoutSec, 10))
	client.SetDisconnectHandler(func(err error) {
		s.onBackendLost(err)
	})

	addr := net.JoinHostPort(msg.Host, fmt.Sprintf("%d", msg.Port))
	err := client.Connect(ctx, msg.Host, msg.Port, msg.Password, secondsOrDefault(gw.ConnectTimeoutSec, 10))
	if err != nil {
		s.logger.Warn().Str("addr", addr).Err(err).Msg("backend connect failed")
		s.send(errorMessage(connectErrorText(addr, err)))
		s.bus.Emit(context.Background(), events.Event{
			Type:    events.EventRconDisconnected,
			Source:  s.id,
			Payload: events.RconPayload{SessionID: s.id, Addr: addr, Reason: err.Error()},
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.SetDisconnectHandler(nil)
		client.Disconnect()
		return
	}
	s.client = client
	s.host = msg.Host
	s.port = msg.Port
	s.logIPs = resolveHostIPs(msg.Host)
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("backend connected")
	s.send(ServerMessage{Type: MsgConnected, Message: "Connected to " + addr})
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventRconConnected,
		Source:  s.id,
		Payload: events.RconPayload{SessionID: s.id, Addr: addr},
	})
}

func (s *Session) handleCommand(ctx context.Context, msg ClientMessage) {
	if msg.Command == "" {
		s.send(errorMessage("command is empty"))
		return
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		s.send(errorMessage("not connected to a game server"))
		return
	}

	body, err := client.Execute(ctx, msg.Command)
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventCommandExecuted,
		Source:  s.id,
		Payload: events.CommandPayload{SessionID: s.id, Addr: client.Addr(), Command: msg.Command, OK: err == nil},
	})
	if err != nil {
		s.send(errorMessage(commandErrorText(msg.Command, err)))
		return
	}
	s.send(ServerMessage{Type: MsgResponse, Command: msg.Command, Body: body})
}

func (s *Session) handleDisconnect() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.SetDisconnectHandler(nil)
		addr := client.Addr()
		client.Disconnect()
		s.logger.Info().Str("addr", addr).Msg("backend disconnected by request")
		s.bus.Emit(context.Background(), events.Event{
			Type:    events.EventRconDisconnected,
			Source:  s.id,
			Payload: events.RconPayload{SessionID: s.id, Addr: addr, Reason: "requested"},
		})
	}
	s.send(ServerMessage{Type: MsgDisconnected})
}

// handleRequestStatus queries the backend over A2S and RCON in parallel
// and merges the results, preferring A2S fields when present. Failure of
// one path is fine; failure of both is an error to the browser.
func (s *Session) handleRequestStatus(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	host := s.host
	port := s.port
	s.mu.Unlock()

	if host == "" {
		s.send(errorMessage("not connected to a game server"))
		return
	}

	gw := s.cfg.GetGateway()
	queryTimeout := secondsOrDefault(gw.QueryTimeoutSec, 5)

	var (
		wg         sync.WaitGroup
		info       *protocol.ServerInfo
		statusBody string
		statsBody  string
		statusErr  error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := query.Info(ctx, host, port, queryTimeout)
		if err != nil {
			s.logger.Debug().Err(err).Msg("a2s query failed")
			return
		}
		info = result
	}()

	if client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusBody, statusErr = client.Execute(ctx, "status")
			if statusErr != nil {
				s.logger.Debug().Err(statusErr).Msg("status command failed")
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := client.Execute(ctx, "stats")
			if err != nil {
				s.logger.Debug().Err(err).Msg("stats command failed")
				return
			}
			statsBody = body
		}()
	}
	wg.Wait()

	fields, players := parseStatusText(statusBody)
	stats := parseStatsText(statsBody)

	if info == nil && statusBody == "" {
		s.send(errorMessage("server is not responding to status queries"))
		return
	}

	status := mergeStatus(info, fields, stats)
	s.send(ServerMessage{Type: MsgServerStatus, Server: status})
	if statusBody != "" {
		if players == nil {
			players = []Player{}
		}
		s.send(ServerMessage{Type: MsgPlayerList, Players: players})
	}
}

func (s *Session) handleEnableLogs() {
	s.mu.Lock()
	if s.host == "" {
		s.mu.Unlock()
		s.send(errorMessage("connect to a game server before enabling logs"))
		return
	}

	// Re-enabling replaces the previous subscription.
	if s.sub != nil {
		s.sub.Cancel()
	}
	s.sub = s.receiver.Subscribe(s.id, func(n logparse.Notification) {
		s.mu.Lock()
		match := ipMatches(s.logIPs, n.SourceIP)
		s.mu.Unlock()
		if !match {
			return
		}
		event := n.Event
		s.send(ServerMessage{Type: MsgLogEvent, Event: &event})
	})
	s.mu.Unlock()

	port := s.receiver.Port()
	s.send(logStreamingMessage(true, fmt.Sprintf("Streaming logs, point the server's logaddress at UDP port %d", port)))
}

func (s *Session) handleDisableLogs() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.send(logStreamingMessage(false, "Log streaming stopped"))
}

// onBackendLost runs when the RCON connection drops underneath us.
func (s *Session) onBackendLost(err error) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	addr := ""
	if client != nil {
		addr = client.Addr()
	}
	s.logger.Warn().Str("addr", addr).Str("reason", reason).Msg("backend connection lost")
	s.send(ServerMessage{Type: MsgDisconnected, Message: reason})
	s.bus.Emit(context.Background(), events.Event{
		Type:    events.EventRconDisconnected,
		Source:  s.id,
		Payload: events.RconPayload{SessionID: s.id, Addr: addr, Reason: reason},
	})
}

// Close tears the session down: log subscription first so no further
// notifications race the shutdown, then the backend connection. Safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if client != nil {
		client.SetDisconnectHandler(nil)
		client.Disconnect()
	}
	close(s.done)
	s.logger.Info().Msg("session closed")
}

// send queues a message for the write pump, dropping when the browser
// is not keeping up.
func (s *Session) send(msg ServerMessage) {
	select {
	case <-s.done:
	case s.out <- msg:
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("outbound queue full, dropping message")
	}
}

func mergeStatus(info *protocol.ServerInfo, fields statusFields, stats *ServerStats) *ServerStatus {
	status := &ServerStatus{
		Name:       fields.Hostname,
		Map:        fields.Map,
		Players:    fields.Players,
		MaxPlayers: fields.MaxPlayers,
		Bots:       fields.Bots,
		Version:    fields.Version,
		Source:     "rcon",
		Stats:      stats,
	}
	if info != nil {
		status.Name = info.Name
		status.Map = info.Map
		status.Game = info.Game
		status.Players = int(info.Players)
		status.MaxPlayers = int(info.MaxPlayers)
		status.Bots = int(info.Bots)
		status.Version = info.Version
		status.VAC = info.VAC != 0
		status.Source = "a2s"
	}
	return status
}

func connectErrorText(addr string, err error) string {
	switch {
	case errors.Is(err, rcon.ErrAuthenticationFailed):
		return "Authentication failed, check the RCON password"
	case errors.Is(err, rcon.ErrConnectionTimeout):
		return "Connection to " + addr + " timed out"
	default:
		return "Could not connect to " + addr + ": " + err.Error()
	}
}

func commandErrorText(command string, err error) string {
	switch {
	case errors.Is(err, rcon.ErrCommandTimeout):
		return "Command timed out: " + command
	case errors.Is(err, rcon.ErrConnectionClosed):
		return "Connection closed while running: " + command
	case errors.Is(err, rcon.ErrNotAuthenticated):
		return "Not connected to a game server"
	default:
		return "Command failed: " + err.Error()
	}
}

// resolveHostIPs resolves the backend host once at connect time so log
// datagrams can be matched by source address.
func resolveHostIPs(host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return []string{host}
	}
	return addrs
}

func ipMatches(ips []string, source string) bool {
	for _, ip := range ips {
		if ip == source {
			return true
		}
	}
	return false
}

func secondsOrDefault(sec int, fallback int) time.Duration {
	if sec <= 0 {
		sec = fallback
	}
	return time.Duration(sec) * time.Second
}
