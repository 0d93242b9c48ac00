// Package monitor polls the configured watch list of game servers over
// A2S and keeps the latest snapshot per server for the API and CLI.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/protocol"
	"github.com/bastion-project/bastion/internal/query"
)

// Snapshot is the last poll result for one watched server.
type Snapshot struct {
	Addr      string               `json:"addr"`
	Reachable bool                 `json:"reachable"`
	Info      *protocol.ServerInfo `json:"info,omitempty"`
	Error     string               `json:"error,omitempty"`
	PingMS    int64                `json:"ping_ms"`
	CheckedAt time.Time            `json:"checked_at"`
}

// Monitor owns the polling loop and the snapshot table.
type Monitor struct {
	cfg *config.Config
	bus *events.EventBus

	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// New creates a monitor; Start launches the loop.
func New(cfg *config.Config, bus *events.EventBus) *Monitor {
	return &Monitor{
		cfg:       cfg,
		bus:       bus,
		snapshots: make(map[string]Snapshot),
	}
}

// Start polls until the context is cancelled. It blocks, matching the
// task style of the other background components.
func (m *Monitor) Start(ctx context.Context) error {
	interval := m.cfg.ApplicationData.Timers.MonitorIntervalSec
	if interval <= 0 {
		interval = 60
	}

	targets := m.cfg.GetGateway().Monitor
	if len(targets) == 0 {
		log.Debug().Msg("monitor watch list is empty, monitor idle")
		<-ctx.Done()
		return nil
	}

	log.Info().Int("targets", len(targets)).Int("interval_sec", interval).Msg("server monitor started")

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	m.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("server monitor stopped")
			return nil
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

// pollAll queries every target concurrently and records the results.
func (m *Monitor) pollAll(ctx context.Context) {
	gw := m.cfg.GetGateway()
	timeout := time.Duration(gw.QueryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var wg sync.WaitGroup
	for _, target := range gw.Monitor {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.poll(ctx, target, timeout)
		}()
	}
	wg.Wait()
}

func (m *Monitor) poll(ctx context.Context, target config.MonitorTarget, timeout time.Duration) {
	started := time.Now()
	info, err := query.Info(ctx, target.Host, target.Port, timeout)

	snap := Snapshot{
		Addr:      target.Addr(),
		Reachable: err == nil,
		Info:      info,
		PingMS:    time.Since(started).Milliseconds(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		snap.Error = err.Error()
		snap.PingMS = 0
	}

	m.mu.Lock()
	prev, had := m.snapshots[snap.Addr]
	m.snapshots[snap.Addr] = snap
	m.mu.Unlock()

	if had && prev.Reachable != snap.Reachable {
		if snap.Reachable {
			log.Info().Str("addr", snap.Addr).Msg("watched server is back")
		} else {
			log.Warn().Str("addr", snap.Addr).Str("error", snap.Error).Msg("watched server went unreachable")
		}
	}

	m.bus.Emit(ctx, events.Event{
		Type:   events.EventMonitorSnapshot,
		Source: "monitor",
		Payload: events.MonitorPayload{
			Addr:      snap.Addr,
			Reachable: snap.Reachable,
			Info:      snap.Info,
			Error:     snap.Error,
		},
	})
}

// Snapshots returns the latest snapshots ordered by address.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	snaps := make([]Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		snaps = append(snaps, s)
	}
	m.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Addr < snaps[j].Addr })
	return snaps
}
