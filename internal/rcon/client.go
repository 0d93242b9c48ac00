// Package rcon implements the client side of the Source RCON protocol:
// one TCP connection per client, an authentication handshake, and
// id-correlated command execution with per-request deadlines.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/protocol"
)

// DefaultCommandTimeout bounds how long Execute waits for the matching
// response before failing the request.
const DefaultCommandTimeout = 10 * time.Second

var (
	ErrConnectionTimeout    = errors.New("rcon: connection timed out")
	ErrConnectionClosed     = errors.New("rcon: connection closed")
	ErrAuthenticationFailed = errors.New("rcon: authentication failed")
	ErrNotAuthenticated     = errors.New("rcon: not authenticated")
	ErrCommandTimeout       = errors.New("rcon: command timed out")
)

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

var stateStrings = map[State]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateReady:          "ready",
}

// String returns the lowercase name of the state.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "disconnected"
}

type result struct {
	body string
	err  error
}

// pendingRequest is one in-flight request awaiting its correlated
// response. Settlement is at-most-once: completion, timeout, and
// connection close race, and the first wins.
type pendingRequest struct {
	id       int32
	auth     bool
	issuedAt time.Time
	done     chan result
	timer    *time.Timer
}

// Client owns at most one live TCP connection to an RCON server.
// It is safe for concurrent use; all state transitions happen under mu.
type Client struct {
	mu sync.Mutex

	conn    net.Conn
	state   State
	addr    string
	nextID  int32
	gen     uint64 // connection generation, guards stale read loops
	pending map[int32]*pendingRequest

	commandTimeout time.Duration
	onDisconnect   func(err error)

	logger zerolog.Logger
}

// NewClient creates a disconnected client.
func NewClient() *Client {
	return &Client{
		pending:        make(map[int32]*pendingRequest),
		commandTimeout: DefaultCommandTimeout,
		logger:         log.With().Str("component", "rcon").Logger(),
	}
}

// SetCommandTimeout overrides the per-command response deadline.
func (c *Client) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.commandTimeout = d
	}
}

// SetDisconnectHandler registers a callback invoked once per connection
// when the socket closes for any reason other than a local Disconnect.
func (c *Client) SetDisconnectHandler(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the host:port of the current (or last) connection.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Connect dials the server, sends the auth packet, and waits for the auth
// response. On success the client is Ready. Calling Connect while already
// connected tears down the previous socket first; no two live sockets
// ever exist for one client.
func (c *Client) Connect(ctx context.Context, host string, port int, password string, timeout time.Duration) error {
	c.mu.Lock()
	if c.conn != nil {
		c.teardownLocked(ErrConnectionClosed, false)
	}
	c.state = StateConnecting
	c.addr = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	addr := c.addr
	c.mu.Unlock()

	c.logger.Info().Str("addr", addr).Msg("connecting")

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectionTimeout, addr)
		}
		return fmt.Errorf("rcon: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	c.state = StateAuthenticating
	gen := c.gen

	req, raw, err := c.registerLocked(protocol.RconTypeAuth, password, true)
	if err != nil {
		c.teardownLocked(err, false)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if err := c.write(conn, raw); err != nil {
		c.failAndClose(err)
		return err
	}

	select {
	case res := <-req.done:
		if res.err != nil {
			c.failAndClose(res.err)
			return res.err
		}
	case <-time.After(timeout):
		c.failAndClose(ErrConnectionTimeout)
		return fmt.Errorf("%w: auth response from %s", ErrConnectionTimeout, addr)
	case <-ctx.Done():
		c.failAndClose(ErrConnectionClosed)
		return ctx.Err()
	}

	c.mu.Lock()
	// The read loop may have torn the connection down between the auth
	// response settling and us reacquiring the lock. Only promote to
	// Ready if this generation's socket is still live.
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionClosed, addr)
	}
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info().Str("addr", addr).Msg("authenticated")
	return nil
}

// Execute sends a command and returns the body of the correlated
// response. It fails fast with ErrNotAuthenticated unless the client is
// Ready.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrNotAuthenticated, c.state)
	}
	conn := c.conn
	deadline := c.commandTimeout

	req, raw, err := c.registerLocked(protocol.RconTypeExecCommand, command, false)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	req.timer = time.AfterFunc(deadline, func() {
		c.settle(req.id, result{err: fmt.Errorf("%w: %q after %s", ErrCommandTimeout, command, deadline)})
	})

	if err := c.write(conn, raw); err != nil {
		c.settle(req.id, result{err: err})
	}

	select {
	case res := <-req.done:
		return res.body, res.err
	case <-ctx.Done():
		c.settle(req.id, result{err: ctx.Err()})
		res := <-req.done
		return res.body, res.err
	}
}

// Disconnect closes the connection and fails all pending requests. It is
// idempotent and safe to call from any state, including before any
// connection was ever made.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(ErrConnectionClosed, false)
}

// registerLocked allocates the next request id, encodes the packet, and
// inserts a pending entry. Caller holds mu. Ids are strictly increasing
// starting at 1 for the life of the client.
func (c *Client) registerLocked(packetType int32, body string, auth bool) (*pendingRequest, []byte, error) {
	c.nextID++
	id := c.nextID

	raw, err := protocol.EncodeRconPacket(id, packetType, body)
	if err != nil {
		c.nextID--
		return nil, nil, err
	}

	req := &pendingRequest{
		id:       id,
		auth:     auth,
		issuedAt: time.Now(),
		done:     make(chan result, 1),
	}
	c.pending[id] = req
	return req, raw, nil
}

func (c *Client) write(conn net.Conn, raw []byte) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
	}
	return nil
}

// readLoop owns all reads on one connection generation. Incoming bytes
// accumulate in a stream buffer that is decoded until incomplete; a
// single read may carry zero, one, or many logical packets, and one
// packet may span many reads.
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	var sbuf streamBuffer
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sbuf.Write(buf[:n])
			for {
				pkt, consumed, derr := protocol.DecodeRconPacket(sbuf.Bytes())
				if derr != nil {
					c.logger.Warn().Err(derr).Msg("corrupt stream, closing")
					c.closeGen(gen, derr)
					return
				}
				if consumed == 0 {
					break
				}
				sbuf.Consume(consumed)
				c.dispatch(pkt)
			}
		}
		if err != nil {
			c.closeGen(gen, err)
			return
		}
	}
}

// dispatch routes one decoded packet to its pending request.
//
// id is attacker-controlled input: it is matched against the pending
// table and otherwise ignored. An auth response carrying the -1 sentinel
// fails the oldest pending request, since the protocol reuses no
// reliable id on auth failure. While a request is flagged auth, only an
// auth-response type settles it; servers may emit an empty
// ResponseValue with the same id first.
func (c *Client) dispatch(pkt *protocol.RconPacket) {
	c.mu.Lock()

	if pkt.ID == protocol.RconAuthFailedID && pkt.Type == protocol.RconTypeAuthResponse {
		oldest := c.oldestPendingLocked()
		c.mu.Unlock()
		if oldest != nil {
			c.settle(oldest.id, result{err: ErrAuthenticationFailed})
		}
		return
	}

	req, ok := c.pending[pkt.ID]
	if ok && req.auth && pkt.Type != protocol.RconTypeAuthResponse {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Int32("id", pkt.ID).Int32("type", pkt.Type).Msg("unmatched packet")
		return
	}
	c.settle(pkt.ID, result{body: pkt.Body})
}

// oldestPendingLocked returns the pending request with the earliest
// issue time. Caller holds mu.
func (c *Client) oldestPendingLocked() *pendingRequest {
	var oldest *pendingRequest
	for _, req := range c.pending {
		if oldest == nil || req.issuedAt.Before(oldest.issuedAt) {
			oldest = req
		}
	}
	return oldest
}

// settle completes a pending request exactly once and removes it from
// the table.
func (c *Client) settle(id int32, res result) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.done <- res
}

// closeGen tears the client down if gen still names the live connection.
// A stale read loop from a replaced socket must not disturb its successor.
func (c *Client) closeGen(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(fmt.Errorf("%w: %v", ErrConnectionClosed, cause), true)
	c.mu.Unlock()
}

// failAndClose is used on the connect path when auth cannot complete.
func (c *Client) failAndClose(cause error) {
	c.mu.Lock()
	c.teardownLocked(cause, false)
	c.mu.Unlock()
}

// teardownLocked closes the socket, fails every pending request, and
// returns the client to Disconnected. Caller holds mu.
func (c *Client) teardownLocked(cause error, notify bool) {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	fail := make([]*pendingRequest, 0, len(c.pending))
	for id, req := range c.pending {
		fail = append(fail, req)
		delete(c.pending, id)
	}

	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	handler := c.onDisconnect

	// Settle outside any per-request lock concerns; done channels are
	// buffered so this never blocks.
	for _, req := range fail {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.done <- result{err: cause}
	}

	if wasConnected {
		c.logger.Info().Str("addr", c.addr).Msg("disconnected")
	}
	if notify && wasConnected && handler != nil {
		go handler(cause)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
