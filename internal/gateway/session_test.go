package gateway

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/logparse"
	"github.com/bastion-project/bastion/internal/protocol"
)

// fakeBackend is a minimal RCON server on a real TCP socket. It answers
// status and stats with canned text and echoes everything else.
type fakeBackend struct {
	ln       net.Listener
	password string
}

func newFakeBackend(t *testing.T, password string) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &fakeBackend{ln: ln, password: password}
	go b.serve()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBackend) addr() (string, int) {
	tcp := b.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcp.Port
}

func (b *fakeBackend) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		go b.handle(conn)
	}
}

func (b *fakeBackend) handle(conn net.Conn) {
	defer conn.Close()

	var buf []byte
	read := make([]byte, 4096)
	for {
		n, err := conn.Read(read)
		if err != nil {
			return
		}
		buf = append(buf, read[:n]...)

		for {
			pkt, consumed, derr := protocol.DecodeRconPacket(buf)
			if derr != nil {
				return
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]

			switch pkt.Type {
			case protocol.RconTypeAuth:
				if pkt.Body == b.password {
					empty, _ := protocol.EncodeRconPacket(pkt.ID, protocol.RconTypeResponseValue, "")
					ok, _ := protocol.EncodeRconPacket(pkt.ID, protocol.RconTypeAuthResponse, "")
					conn.Write(append(empty, ok...))
				} else {
					denied, _ := protocol.EncodeRconPacket(protocol.RconAuthFailedID, protocol.RconTypeAuthResponse, "")
					conn.Write(denied)
				}

			case protocol.RconTypeExecCommand:
				var body string
				switch pkt.Body {
				case "status":
					body = sampleStatus
				case "stats":
					body = sampleStats
				default:
					body = "ok:" + pkt.Body
				}
				resp, _ := protocol.EncodeRconPacket(pkt.ID, protocol.RconTypeResponseValue, body)
				conn.Write(resp)
			}
		}
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	gw := cfg.GetGateway()
	gw.QueryTimeoutSec = 1
	cfg.SetGateway(gw)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	recv := logparse.NewReceiver(0)
	if err := recv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { recv.Stop() })

	return NewRegistry(cfg, bus, recv)
}

func openSession(t *testing.T, r *Registry) *Session {
	t.Helper()
	s, err := r.Open("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close(s) })
	return s
}

func dispatch(t *testing.T, s *Session, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	s.HandleMessage(context.Background(), data)
}

// nextMessage waits for a message of the given type. An error message
// arriving while waiting for anything else fails the test.
func nextMessage(t *testing.T, s *Session, wantType string) ServerMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-s.Outbound():
			if msg.Type == wantType {
				return msg
			}
			if msg.Type == MsgError {
				t.Fatalf("unexpected error while waiting for %s: %s", wantType, msg.Message)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func connectSession(t *testing.T, s *Session, b *fakeBackend, password string) {
	t.Helper()
	host, port := b.addr()
	dispatch(t, s, ClientMessage{Type: MsgConnect, Host: host, Port: port, Password: password})
	nextMessage(t, s, MsgConnected)
}

func TestSessionConnectCommandDisconnect(t *testing.T) {
	backend := newFakeBackend(t, "letmein")
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	connectSession(t, session, backend, "letmein")
	if session.BackendAddr() == "" {
		t.Fatal("backend addr not recorded")
	}

	dispatch(t, session, ClientMessage{Type: MsgCommand, Command: "changelevel de_nuke"})
	resp := nextMessage(t, session, MsgResponse)
	if resp.Command != "changelevel de_nuke" || resp.Body != "ok:changelevel de_nuke" {
		t.Fatalf("response = %+v", resp)
	}

	dispatch(t, session, ClientMessage{Type: MsgDisconnect})
	nextMessage(t, session, MsgDisconnected)
	if session.State() != "idle" {
		t.Fatalf("state = %s", session.State())
	}
}

func TestSessionConnectAuthFailure(t *testing.T) {
	backend := newFakeBackend(t, "letmein")
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	host, port := backend.addr()
	dispatch(t, session, ClientMessage{Type: MsgConnect, Host: host, Port: port, Password: "wrong"})

	msg := nextMessage(t, session, MsgError)
	if !strings.Contains(msg.Message, "Authentication failed") {
		t.Fatalf("message = %q", msg.Message)
	}
	if session.BackendAddr() != "" {
		t.Fatal("failed connect must not record a backend")
	}
}

func TestSessionCommandWithoutConnect(t *testing.T) {
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	dispatch(t, session, ClientMessage{Type: MsgCommand, Command: "status"})
	msg := nextMessage(t, session, MsgError)
	if !strings.Contains(msg.Message, "not connected") {
		t.Fatalf("message = %q", msg.Message)
	}
}

func TestSessionRejectsUnknownAndMalformed(t *testing.T) {
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	dispatch(t, session, ClientMessage{Type: "reboot_universe"})
	msg := nextMessage(t, session, MsgError)
	if !strings.Contains(msg.Message, "unknown message type") {
		t.Fatalf("message = %q", msg.Message)
	}

	session.HandleMessage(context.Background(), []byte("{not json"))
	msg = nextMessage(t, session, MsgError)
	if !strings.Contains(msg.Message, "malformed") {
		t.Fatalf("message = %q", msg.Message)
	}
}

func TestSessionRequestStatus(t *testing.T) {
	backend := newFakeBackend(t, "letmein")
	registry := newTestRegistry(t)
	session := openSession(t, registry)
	connectSession(t, session, backend, "letmein")

	dispatch(t, session, ClientMessage{Type: MsgRequestStatus})

	status := nextMessage(t, session, MsgServerStatus)
	if status.Server == nil {
		t.Fatal("no server status")
	}
	// No A2S responder on the backend port, so the snapshot comes from
	// the status text.
	if status.Server.Source != "rcon" || status.Server.Name != "Bastion Test Server" {
		t.Fatalf("status = %+v", status.Server)
	}
	if status.Server.Stats == nil || status.Server.Stats.FPS != 127.9 {
		t.Fatalf("stats = %+v", status.Server.Stats)
	}

	list := nextMessage(t, session, MsgPlayerList)
	if len(list.Players) != 3 || list.Players[0].Name != "Alice" {
		t.Fatalf("players = %+v", list.Players)
	}
}

func TestSessionRequestStatusWithoutConnect(t *testing.T) {
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	dispatch(t, session, ClientMessage{Type: MsgRequestStatus})
	nextMessage(t, session, MsgError)
}

func TestSessionLogStreaming(t *testing.T) {
	backend := newFakeBackend(t, "letmein")
	registry := newTestRegistry(t)
	session := openSession(t, registry)
	connectSession(t, session, backend, "letmein")

	dispatch(t, session, ClientMessage{Type: MsgEnableLogs})
	enabled := nextMessage(t, session, MsgLogStreaming)
	if enabled.Enabled == nil || !*enabled.Enabled {
		t.Fatalf("log_streaming = %+v", enabled)
	}

	sendLogDatagram(t, registry.receiver.Port(), `L 08/26/2026 - 12:00:01: "Alice<3><STEAM_1:0:101><CT>" say "rush b"`)

	event := nextMessage(t, session, MsgLogEvent)
	if event.Event == nil || event.Event.Category != logparse.CategoryChat {
		t.Fatalf("event = %+v", event.Event)
	}

	dispatch(t, session, ClientMessage{Type: MsgDisableLogs})
	disabled := nextMessage(t, session, MsgLogStreaming)
	if disabled.Enabled == nil || *disabled.Enabled {
		t.Fatalf("log_streaming = %+v", disabled)
	}

	sendLogDatagram(t, registry.receiver.Port(), "L 08/26/2026 - 12:00:02: World triggered \"Round_Start\"")
	select {
	case msg := <-session.Outbound():
		if msg.Type == MsgLogEvent {
			t.Fatal("event delivered after disable")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionEnableLogsRequiresConnect(t *testing.T) {
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	dispatch(t, session, ClientMessage{Type: MsgEnableLogs})
	msg := nextMessage(t, session, MsgError)
	if !strings.Contains(msg.Message, "connect") {
		t.Fatalf("message = %q", msg.Message)
	}
}

func TestSessionReconnectReplacesBackend(t *testing.T) {
	first := newFakeBackend(t, "letmein")
	second := newFakeBackend(t, "letmein")
	registry := newTestRegistry(t)
	session := openSession(t, registry)

	connectSession(t, session, first, "letmein")
	firstAddr := session.BackendAddr()

	connectSession(t, session, second, "letmein")
	if session.BackendAddr() == firstAddr {
		t.Fatal("reconnect did not replace the backend")
	}

	dispatch(t, session, ClientMessage{Type: MsgCommand, Command: "echo"})
	resp := nextMessage(t, session, MsgResponse)
	if resp.Body != "ok:echo" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestRegistrySessionLimit(t *testing.T) {
	registry := newTestRegistry(t)
	gw := registry.cfg.GetGateway()
	gw.MaxSessions = 1
	registry.cfg.SetGateway(gw)

	openSession(t, registry)
	if _, err := registry.Open("127.0.0.1"); err != ErrTooManySessions {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	registry := newTestRegistry(t)
	a := openSession(t, registry)
	b := openSession(t, registry)

	registry.CloseAll()
	if registry.Count() != 0 {
		t.Fatalf("count = %d", registry.Count())
	}
	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatal("session not closed")
		}
	}
}

func sendLogDatagram(t *testing.T, port int, line string) {
	t.Helper()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'l', 'o', 'g', 0x00}, []byte(line+"\n")...)
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
}
