// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ConnectivityEvent is an online/offline transition.
type ConnectivityEvent int

const (
	BecameOffline ConnectivityEvent = iota
	BecameOnline
)

func (e ConnectivityEvent) String() string {
	if e == BecameOnline {
		return "became_online"
	}
	return "became_offline"
}

// ConnectivitySignal is an advisory reachability indicator. A successful or
// failed remote call always takes precedence over what it reports.
type ConnectivitySignal interface {
	IsOnline() bool
	Subscribe() (<-chan ConnectivityEvent, func())
}

// Monitor tracks reachability and emits events on transitions only.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan ConnectivityEvent
	nextID int
	logger *slog.Logger
}

// NewMonitor creates a monitor with the given initial state. No event is
// emitted for the initial state.
func NewMonitor(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online: online,
		subs:   make(map[int]chan ConnectivityEvent),
		logger: logger,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the current reachability and notifies subscribers if it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online

	ev := BecameOffline
	if online {
		ev = BecameOnline
	}
	m.logger.Info("Connectivity changed", "event", ev.String())

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; IsOnline still reports the truth
		}
	}
}

// Subscribe returns a channel of transitions and a function that cancels the subscription.
func (m *Monitor) Subscribe() (<-chan ConnectivityEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan ConnectivityEvent, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Prober checks whether the remote side is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber issues GET {BaseURL}/health and treats any 2xx as reachable.
type HTTPProber struct {
	BaseURL string
	HTTP    *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// RunProbe feeds periodic probe results into the monitor until ctx is done.
// The first probe runs immediately.
func (m *Monitor) RunProbe(ctx context.Context, prober Prober, interval, timeout time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := prober.Probe(pctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Debug("Reachability probe failed", "error", err)
		}
		m.SetOnline(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
