package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcphub/pkg/logger"
)

// Defaults for the reaper's timing rules.
const (
	// DefaultReapInterval is how often the reaper sweeps.
	DefaultReapInterval = 60 * time.Second

	// DefaultIdleTTL closes sessions with no client activity.
	DefaultIdleTTL = 300 * time.Second

	// DefaultInitDeadline closes sessions that never complete the
	// initialize exchange.
	DefaultInitDeadline = 30 * time.Second

	// DefaultBackendGrace is how long the fronted backend may stay out of
	// its verified state before every session is closed.
	DefaultBackendGrace = 30 * time.Second
)

// Config configures a per-proxy session manager. Zero durations and
// counts fall back to their defaults.
type Config struct {
	// Proxy is the name of the proxy the sessions belong to.
	Proxy string

	// MessagePath is the POST endpoint advertised in the discovery event,
	// e.g. "/search/messages".
	MessagePath string

	// MaxQueue bounds each session's outbound queue.
	MaxQueue int

	// Timing rules for the reaper.
	ReapInterval time.Duration
	IdleTTL      time.Duration
	InitDeadline time.Duration
	BackendGrace time.Duration

	// Limiter is the shared admission limiter. A nil limiter admits
	// everything.
	Limiter *Limiter

	// Healthy reports whether the fronted backend is verified. A nil
	// probe is treated as always healthy.
	Healthy func() bool
}

func (c Config) withDefaults() Config {
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.InitDeadline <= 0 {
		c.InitDeadline = DefaultInitDeadline
	}
	if c.BackendGrace <= 0 {
		c.BackendGrace = DefaultBackendGrace
	}
	return c
}

// Stats is a point-in-time summary of a manager's sessions. Opened and
// Closed count over the manager's whole lifetime; the rest describe the
// current moment.
type Stats struct {
	Sessions            int    `json:"sessions"`
	Initialized         int    `json:"initialized"`
	QueuedEvents        int    `json:"queued_events"`
	Opened              uint64 `json:"opened"`
	Closed              uint64 `json:"closed"`
	ReapedIdle          uint64 `json:"reaped_idle"`
	ReapedUninitialized uint64 `json:"reaped_uninitialized"`
	ReapedBackendDown   uint64 `json:"reaped_backend_down"`
}

// Manager holds the open sessions of one proxy and reaps the ones that
// go idle, never initialize, or outlive their backend's health.
type Manager struct {
	cfg Config

	mu          sync.RWMutex
	sessions    map[string]*Session
	stopped     bool
	backendDown time.Time

	opened              uint64
	closed              uint64
	reapedIdle          uint64
	reapedUninitialized uint64
	reapedBackendDown   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a session manager and starts its reaper.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Open admits clientAddr through the rate limiter and registers a new
// session whose queue is already primed with the endpoint discovery
// event. Rejections wrap ErrRateLimited.
func (m *Manager) Open(clientAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, fmt.Errorf("%w: proxy %s", ErrManagerStopped, m.cfg.Proxy)
	}
	if m.cfg.Limiter != nil {
		if err := m.cfg.Limiter.Admit(clientAddr, m.cfg.Proxy); err != nil {
			return nil, err
		}
	}
	id := uuid.NewString()
	s := newSession(id, m.cfg.Proxy, clientAddr, m.cfg.MaxQueue)
	s.queue <- NewEvent(EventEndpoint, m.cfg.MessagePath+"?sessionId="+id)
	m.sessions[id] = s
	m.opened++
	logger.Infof("Session %s opened on proxy %s for %s (%d active)",
		shortID(id), m.cfg.Proxy, clientAddr, len(m.sessions))
	return s, nil
}

// Get resolves a session by id and refreshes its activity clock.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Touch()
	return s, nil
}

// Post enqueues a JSON-RPC payload for delivery on the session's stream.
// Unknown sessions return ErrSessionNotFound; a slow-reading client whose
// queue is full gets its session force-closed and ErrQueueOverflow back.
func (m *Manager) Post(id string, payload []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := s.Enqueue(NewEvent(EventMessage, string(payload))); err != nil {
		if errors.Is(err, ErrQueueOverflow) {
			_ = m.Close(id, ReasonOverflow)
		}
		return err
	}
	return nil
}

// Close removes the session from the manager, terminates it with reason,
// and returns its admission slot. Unknown ids return ErrSessionNotFound,
// which lets racing teardown paths treat the loss as already handled.
func (m *Manager) Close(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.closed++
	remaining := len(m.sessions)
	m.mu.Unlock()

	s.Close(reason)
	if m.cfg.Limiter != nil {
		m.cfg.Limiter.Release(s.clientAddr, m.cfg.Proxy)
	}
	logger.Infof("Session %s closed on proxy %s: %s (%d remaining)",
		shortID(id), m.cfg.Proxy, s.CloseReason(), remaining)
	return nil
}

// Stats summarizes the manager's open sessions and reap counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Sessions:            len(m.sessions),
		Opened:              m.opened,
		Closed:              m.closed,
		ReapedIdle:          m.reapedIdle,
		ReapedUninitialized: m.reapedUninitialized,
		ReapedBackendDown:   m.reapedBackendDown,
	}
	for _, s := range m.sessions {
		if s.Initialized() {
			stats.Initialized++
		}
		stats.QueuedEvents += s.QueueDepth()
	}
	return stats
}

// Stop halts the reaper and closes every open session. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	m.stopped = true
	victims := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		delete(m.sessions, id)
		victims = append(victims, s)
	}
	m.closed += uint64(len(victims))
	m.mu.Unlock()

	for _, s := range victims {
		s.Close(ReasonShutdown)
		if m.cfg.Limiter != nil {
			m.cfg.Limiter.Release(s.clientAddr, m.cfg.Proxy)
		}
	}
	if len(victims) > 0 {
		logger.Infof("Session manager for proxy %s stopped, %d sessions closed", m.cfg.Proxy, len(victims))
	}
}

// reap applies the idle, initialization, and backend-health rules, plus
// retires sessions already closed elsewhere. Returns how many were
// removed.
func (m *Manager) reap(now time.Time) int {
	healthy := m.cfg.Healthy == nil || m.cfg.Healthy()

	type victim struct {
		s      *Session
		reason string
	}
	var victims []victim

	m.mu.Lock()
	if healthy {
		m.backendDown = time.Time{}
	} else if m.backendDown.IsZero() {
		m.backendDown = now
	}
	backendExpired := !m.backendDown.IsZero() && now.Sub(m.backendDown) > m.cfg.BackendGrace

	for id, s := range m.sessions {
		var reason string
		switch {
		case s.Closed():
			reason = s.CloseReason()
		case backendExpired:
			reason = ReasonBackendDown
			m.reapedBackendDown++
		case !s.Initialized() && now.Sub(s.createdAt) > m.cfg.InitDeadline:
			reason = ReasonUninitialized
			m.reapedUninitialized++
		case now.Sub(s.LastActivity()) > m.cfg.IdleTTL:
			reason = ReasonIdle
			m.reapedIdle++
		default:
			continue
		}
		delete(m.sessions, id)
		m.closed++
		victims = append(victims, victim{s: s, reason: reason})
	}
	m.mu.Unlock()

	for _, v := range victims {
		v.s.Close(v.reason)
		if m.cfg.Limiter != nil {
			m.cfg.Limiter.Release(v.s.clientAddr, m.cfg.Proxy)
		}
		switch v.reason {
		case ReasonUninitialized:
			logger.Warnf("Reaped session %s on proxy %s: never initialized within %s",
				shortID(v.s.id), m.cfg.Proxy, m.cfg.InitDeadline)
		case ReasonIdle, ReasonBackendDown:
			logger.Infof("Reaped session %s on proxy %s: %s", shortID(v.s.id), m.cfg.Proxy, v.reason)
		default:
			logger.Debugf("Retired session %s on proxy %s: %s", shortID(v.s.id), m.cfg.Proxy, v.reason)
		}
	}
	return len(victims)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
