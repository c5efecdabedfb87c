package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/session"
)

var errStopping = errors.New("heartbeat controller stopping")

// monitor tracks one session's ping loop.
type monitor struct {
	id     string
	cfg    Config
	sess   *session.Session
	reaper Reaper

	mu           sync.Mutex
	interval     time.Duration
	sent         uint64
	failed       uint64
	windowSent   int
	windowFailed int
	consecutive  int
	lastRTT      time.Duration
	samples      []time.Duration
	cursor       int
}

type pingParams struct {
	Timestamp float64 `json:"timestamp"`
	SessionID string  `json:"sessionId"`
}

type pingNotification struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  pingParams `json:"params"`
}

func pingPayload(sessionID string, now time.Time) (string, error) {
	data, err := json.Marshal(pingNotification{
		JSONRPC: "2.0",
		Method:  "notifications/ping",
		Params: pingParams{
			Timestamp: float64(now.UnixNano()) / float64(time.Second),
			SessionID: sessionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal ping: %w", err)
	}
	return string(data), nil
}

// ping pushes one notifications/ping event and waits for the stream
// writer to deliver it. The returned duration is the enqueue-to-delivery
// round trip, zero on failure.
func (m *monitor) ping(stop <-chan struct{}) (time.Duration, error) {
	start := time.Now()
	payload, err := pingPayload(m.id, start)
	if err != nil {
		return 0, err
	}

	result := make(chan error, 1)
	ev := session.Event{Type: session.EventPing, Data: payload, Result: result}
	if err := m.sess.Enqueue(ev); err != nil {
		return 0, err
	}

	deadline := time.NewTimer(m.cfg.SendDeadline)
	defer deadline.Stop()
	select {
	case err := <-result:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	case <-deadline.C:
		return 0, fmt.Errorf("ping not delivered within %s", m.cfg.SendDeadline)
	case <-m.sess.Done():
		return 0, session.ErrSessionClosed
	case <-stop:
		return 0, errStopping
	}
}

// record books one ping outcome.
func (m *monitor) record(rtt time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent++
	m.windowSent++
	if err != nil {
		m.failed++
		m.windowFailed++
		m.consecutive++
		logger.Debugf("Heartbeat for session %s failed: %v", m.id, err)
		return
	}
	m.consecutive = 0
	m.lastRTT = rtt
	if len(m.samples) < rttWindow {
		m.samples = append(m.samples, rtt)
	} else {
		m.samples[m.cursor] = rtt
		m.cursor = (m.cursor + 1) % rttWindow
	}
}

// adapt retunes the ping interval from the last evaluation window: a high
// failure rate stretches it, a clean and fast window shrinks it.
func (m *monitor) adapt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowSent == 0 {
		return
	}
	rate := float64(m.windowFailed) / float64(m.windowSent)
	mean := m.meanRTTLocked()
	prev := m.interval
	switch {
	case rate > errorRateHigh:
		m.interval = min(time.Duration(float64(m.interval)*growFactor), m.cfg.MaxInterval)
	case rate < errorRateLow && mean > 0 && mean < fastRTT:
		m.interval = max(time.Duration(float64(m.interval)*shrinkFactor), m.cfg.MinInterval)
	}
	m.windowSent = 0
	m.windowFailed = 0
	if m.interval != prev {
		logger.Debugf("Session %s heartbeat interval %s -> %s (error rate %.0f%%, mean rtt %s)",
			m.id, prev, m.interval, rate*100, mean)
	}
}

func (m *monitor) meanRTTLocked() time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	return sum / time.Duration(len(m.samples))
}

func (m *monitor) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *monitor) consecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

func (m *monitor) totals() (sent, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.failed
}

func (m *monitor) stats() SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionStats{
		SessionID:           m.id,
		Sent:                m.sent,
		Failed:              m.failed,
		ConsecutiveFailures: m.consecutive,
		LastRTT:             m.lastRTT,
		MeanRTT:             m.meanRTTLocked(),
		Interval:            m.interval,
	}
}
