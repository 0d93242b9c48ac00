package logparse

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/network"
)

// Notification carries one classified log line together with the UDP
// source it arrived from. Filtering by source is the subscriber's
// responsibility, not the receiver's.
type Notification struct {
	SourceIP   string `json:"source_ip"`
	SourcePort int    `json:"source_port"`
	Event      Event  `json:"event"`
}

// SubscriberFunc handles one notification. It is invoked from the
// receiver's read goroutine and must not block.
type SubscriberFunc func(n Notification)

// Subscription is one registration on a Receiver. Holders must call
// Cancel on teardown to avoid leaking the registry entry.
type Subscription struct {
	id       uint64
	receiver *Receiver
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.receiver == nil {
		return
	}
	s.receiver.unsubscribe(s.id)
	s.receiver = nil
}

type subscriberEntry struct {
	name string
	fn   SubscriberFunc
}

// Receiver is the single process-wide UDP listener for the game server
// log feed. Datagrams are demultiplexed to every registered subscriber;
// registration and emission are safe under concurrent use from
// independent sessions.
type Receiver struct {
	mu sync.RWMutex

	port    int
	conn    *net.UDPConn
	started bool
	stopped bool

	subscribers map[uint64]subscriberEntry
	nextSubID   uint64

	onError func(err error)
	logger  zerolog.Logger
}

// NewReceiver creates a receiver that will bind the given UDP port.
// Port 0 binds an ephemeral port, reported by Port after Start.
func NewReceiver(port int) *Receiver {
	return &Receiver{
		port:        port,
		subscribers: make(map[uint64]subscriberEntry),
		logger:      log.With().Str("component", "log_receiver").Logger(),
	}
}

// SetErrorHandler registers the callback for socket-level errors. The
// receiver has no single caller to unwind to, so errors are reported
// here instead of being returned from a read path.
func (r *Receiver) SetErrorHandler(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Start binds the UDP socket and launches the read loop. Starting an
// already-started receiver is a no-op.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}

	lc := network.ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", r.port))
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("log receiver: bind port %d: %w", r.port, err)
	}

	r.conn = pc.(*net.UDPConn)
	r.started = true
	r.stopped = false
	r.port = r.conn.LocalAddr().(*net.UDPAddr).Port
	r.mu.Unlock()

	r.logger.Info().Int("port", r.port).Msg("log receiver started")

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	go r.readLoop()

	return nil
}

// Port returns the bound UDP port.
func (r *Receiver) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.port
}

// Stop closes the socket. Safe to call more than once.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return nil
	}
	r.stopped = true
	r.started = false
	return r.conn.Close()
}

// Subscribe registers a named callback for every notification. The name
// is for logging only; the returned handle is what cancels.
func (r *Receiver) Subscribe(name string, fn SubscriberFunc) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = subscriberEntry{name: name, fn: fn}

	r.logger.Debug().Str("subscriber", name).Uint64("id", id).Msg("log subscriber registered")
	return &Subscription{id: id, receiver: r}
}

// SubscriberCount reports the number of live registrations.
func (r *Receiver) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

func (r *Receiver) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		r.logger.Debug().Str("subscriber", entry.name).Uint64("id", id).Msg("log subscriber removed")
	}
}

func (r *Receiver) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.RLock()
			stopped := r.stopped
			handler := r.onError
			r.mu.RUnlock()

			if stopped {
				r.logger.Info().Msg("log receiver stopped")
				return
			}
			r.logger.Error().Err(err).Msg("log receiver read error")
			if handler != nil {
				handler(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		r.handleDatagram(buf[:n], remote)
	}
}

// handleDatagram strips the transport header, splits the text into
// lines, classifies each non-empty line, and emits one notification per
// line to every subscriber.
func (r *Receiver) handleDatagram(data []byte, remote *net.UDPAddr) {
	text := string(stripTransportHeader(data))

	// Snapshot the registry so emission is never blocked or corrupted by
	// concurrent subscribe/unsubscribe.
	r.mu.RLock()
	subs := make([]subscriberEntry, 0, len(r.subscribers))
	for _, entry := range r.subscribers {
		subs = append(subs, entry)
	}
	r.mu.RUnlock()

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r\x00")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		n := Notification{
			SourceIP:   remote.IP.String(),
			SourcePort: remote.Port,
			Event:      ParseLine(line),
		}
		for _, entry := range subs {
			entry.fn(n)
		}
	}
}

// stripTransportHeader removes the out-of-band marker Source engines
// prefix to log datagrams: FF FF FF FF followed by a "log" token or any
// run up to and including the next NUL. Datagrams without the marker
// are plain text and pass through whole.
func stripTransportHeader(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xFF || data[2] != 0xFF || data[3] != 0xFF {
		return data
	}
	rest := data[4:]

	if bytes.HasPrefix(rest, []byte("log")) {
		rest = rest[3:]
		if len(rest) > 0 && rest[0] == 0 {
			rest = rest[1:]
		}
		return rest
	}

	if idx := bytes.IndexByte(rest, 0); idx >= 0 {
		return rest[idx+1:]
	}
	return rest
}
