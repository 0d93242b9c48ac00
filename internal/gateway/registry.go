package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/logparse"
	"github.com/bastion-project/bastion/internal/util"
)

// ErrTooManySessions is returned by Open when the configured session
// cap is reached.
var ErrTooManySessions = fmt.Errorf("gateway: session limit reached")

// Registry tracks every live session and enforces the session cap.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextID   uint64

	cfg      *config.Config
	bus      *events.EventBus
	receiver *logparse.Receiver
	logger   zerolog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg *config.Config, bus *events.EventBus, receiver *logparse.Receiver) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		bus:      bus,
		receiver: receiver,
		logger:   util.ComponentLogger("gateway"),
	}
}

// Open creates and registers a session for one browser connection.
func (r *Registry) Open(remoteIP string) (*Session, error) {
	gw := r.cfg.GetGateway()

	r.mu.Lock()
	if gw.MaxSessions > 0 && len(r.sessions) >= gw.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.nextID++
	id := fmt.Sprintf("s%d", r.nextID)
	session := newSession(id, remoteIP, r.cfg, r.bus, r.receiver)
	r.sessions[id] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info().Str("session", id).Str("remote", remoteIP).Int("sessions", count).Msg("session opened")
	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventSessionOpened,
		Source:  "gateway",
		Payload: events.SessionPayload{SessionID: id, RemoteIP: remoteIP},
	})
	return session, nil
}

// Close tears down a session and removes it from the registry.
func (r *Registry) Close(session *Session) {
	r.mu.Lock()
	_, known := r.sessions[session.ID()]
	delete(r.sessions, session.ID())
	count := len(r.sessions)
	r.mu.Unlock()

	session.Close()
	if !known {
		return
	}

	r.logger.Info().Str("session", session.ID()).Int("sessions", count).Msg("session removed")
	r.bus.Emit(context.Background(), events.Event{
		Type:    events.EventSessionClosed,
		Source:  "gateway",
		Payload: events.SessionPayload{SessionID: session.ID(), RemoteIP: session.RemoteIP()},
	})
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by id for display.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].OpenedAt().Before(sessions[j].OpenedAt())
	})
	return sessions
}

// CloseAll tears down every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		r.logger.Info().Int("count", len(sessions)).Msg("all sessions closed")
	}
}
