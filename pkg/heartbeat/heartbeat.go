// Package heartbeat keeps SSE sessions alive and observable. A controller
// runs one goroutine per watched session, pushing notifications/ping
// events onto the session's stream at an adaptive interval: sustained
// delivery failures stretch the interval, consistently fast deliveries
// shrink it. Three consecutive failures mark the session unhealthy and
// hand it to the owning manager for reaping.
package heartbeat

import (
	"errors"
	"sync"
	"time"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/session"
)

const (
	// evalWindow is how many ticks pass between adaptation passes.
	evalWindow = 6

	// maxConsecutiveFailures marks a session unhealthy.
	maxConsecutiveFailures = 3

	// rttWindow is the size of the sliding delivery-time sample window.
	rttWindow = 64

	// stopTimeout bounds how long Stop waits for ping loops to exit.
	stopTimeout = 2 * time.Second

	growFactor    = 1.5
	shrinkFactor  = 0.8
	errorRateHigh = 0.20
	errorRateLow  = 0.02
	fastRTT       = 200 * time.Millisecond
)

// Config holds the controller's timing knobs. Zero values fall back to
// their defaults.
type Config struct {
	// Interval is the starting ping interval.
	Interval time.Duration

	// MinInterval and MaxInterval bound the adaptive interval.
	MinInterval time.Duration
	MaxInterval time.Duration

	// SendDeadline is how long a ping may wait for delivery before it
	// counts as failed.
	SendDeadline time.Duration
}

// DefaultConfig returns the stock heartbeat timing.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		MinInterval:  5 * time.Second,
		MaxInterval:  30 * time.Second,
		SendDeadline: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = def.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.SendDeadline <= 0 {
		c.SendDeadline = def.SendDeadline
	}
	return c
}

// Reaper retires sessions the controller marks unhealthy.
// *session.Manager satisfies it.
type Reaper interface {
	Close(id, reason string) error
}

// SessionStats describes one watched session's heartbeat health.
type SessionStats struct {
	SessionID           string        `json:"session_id"`
	Sent                uint64        `json:"sent"`
	Failed              uint64        `json:"failed"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRTT             time.Duration `json:"last_rtt"`
	MeanRTT             time.Duration `json:"mean_rtt"`
	Interval            time.Duration `json:"interval"`
}

// Stats aggregates heartbeat activity, counting sessions that have
// already gone away.
type Stats struct {
	Sessions int           `json:"sessions"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
	Degraded int           `json:"degraded"`
	MeanRTT  time.Duration `json:"mean_rtt"`
}

// Controller owns the ping loops of every watched session.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	monitors map[string]*monitor
	stopped  bool

	retiredSent   uint64
	retiredFailed uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewController creates a heartbeat controller.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		monitors: make(map[string]*monitor),
		stopCh:   make(chan struct{}),
	}
}

// Watch starts a ping loop for s. The loop runs until the session closes,
// the controller stops, or the session is marked unhealthy and handed to
// reaper. Watching an already watched session is a no-op.
func (c *Controller) Watch(s *session.Session, reaper Reaper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, ok := c.monitors[s.ID()]; ok {
		return
	}
	m := &monitor{
		id:       s.ID(),
		cfg:      c.cfg,
		sess:     s,
		reaper:   reaper,
		interval: c.cfg.Interval,
	}
	c.monitors[m.id] = m
	c.wg.Add(1)
	go c.run(m)
}

func (c *Controller) run(m *monitor) {
	defer c.wg.Done()
	defer c.retire(m)

	timer := time.NewTimer(m.currentInterval())
	defer timer.Stop()

	ticks := 0
	for {
		select {
		case <-m.sess.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C:
		}

		rtt, err := m.ping(c.stopCh)
		if errors.Is(err, errStopping) {
			return
		}
		m.record(rtt, err)
		ticks++
		if ticks%evalWindow == 0 {
			m.adapt()
		}
		if m.consecutiveFailures() >= maxConsecutiveFailures {
			logger.Warnf("Session %s unhealthy after %d missed heartbeats, requesting reap",
				m.id, maxConsecutiveFailures)
			if err := m.reaper.Close(m.id, session.ReasonUnhealthy); err != nil {
				logger.Debugf("Session %s already gone: %v", m.id, err)
			}
			return
		}
		timer.Reset(m.currentInterval())
	}
}

// retire folds a finished monitor's counters into the controller totals.
func (c *Controller) retire(m *monitor) {
	sent, failed := m.totals()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.monitors, m.id)
	c.retiredSent += sent
	c.retiredFailed += failed
}

// SessionStats returns the heartbeat stats of one watched session.
func (c *Controller) SessionStats(id string) (SessionStats, bool) {
	c.mu.Lock()
	m, ok := c.monitors[id]
	c.mu.Unlock()
	if !ok {
		return SessionStats{}, false
	}
	return m.stats(), true
}

// Stats aggregates across live and retired sessions.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Sessions: len(c.monitors),
		Sent:     c.retiredSent,
		Failed:   c.retiredFailed,
	}
	var rttSum time.Duration
	var rttCount int
	for _, m := range c.monitors {
		ms := m.stats()
		stats.Sent += ms.Sent
		stats.Failed += ms.Failed
		if ms.ConsecutiveFailures > 0 {
			stats.Degraded++
		}
		if ms.MeanRTT > 0 {
			rttSum += ms.MeanRTT
			rttCount++
		}
	}
	if rttCount > 0 {
		stats.MeanRTT = rttSum / time.Duration(rttCount)
	}
	return stats
}

// Stop halts every ping loop and waits for them to wind down.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warnf("Heartbeat loops still draining after %s", stopTimeout)
	}
}
