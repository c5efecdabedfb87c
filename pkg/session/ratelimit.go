package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/mcphub/pkg/logger"
)

const (
	// violationRetention is how long rejected-admission records are kept.
	violationRetention = time.Hour

	// maxViolations bounds the violation ring regardless of retention.
	maxViolations = 1024
)

// RateLimitConfig bounds session admission. A single config governs all
// proxies; it can be swapped at runtime through Limiter.SetConfig.
type RateLimitConfig struct {
	// MaxSessionsPerClient caps concurrently open sessions per client
	// address, gateway-wide.
	MaxSessionsPerClient int `json:"max_sessions_per_client"`

	// MaxSessionsPerProxy caps concurrently open sessions per proxy.
	MaxSessionsPerProxy int `json:"max_sessions_per_proxy"`

	// CreationWindow is the rolling window for the per-client creation
	// bound.
	CreationWindow time.Duration `json:"creation_window"`

	// BurstAllowance is how many creations past MaxSessionsPerClient a
	// client may make within the window before being rejected.
	BurstAllowance int `json:"burst_allowance"`
}

// DefaultRateLimitConfig returns the stock admission bounds.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxSessionsPerClient: 10,
		MaxSessionsPerProxy:  50,
		CreationWindow:       60 * time.Second,
		BurstAllowance:       3,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.MaxSessionsPerClient <= 0 {
		c.MaxSessionsPerClient = def.MaxSessionsPerClient
	}
	if c.MaxSessionsPerProxy <= 0 {
		c.MaxSessionsPerProxy = def.MaxSessionsPerProxy
	}
	if c.CreationWindow <= 0 {
		c.CreationWindow = def.CreationWindow
	}
	if c.BurstAllowance <= 0 {
		c.BurstAllowance = def.BurstAllowance
	}
	return c
}

// ViolationKind identifies which admission bound was exceeded.
type ViolationKind string

const (
	// KindClientLimit marks rejections of a single client, whether by
	// live session count or by creation rate.
	KindClientLimit ViolationKind = "client_limit"

	// KindProxyLimit marks rejections because the proxy as a whole is at
	// capacity.
	KindProxyLimit ViolationKind = "proxy_limit"
)

// Severity grades how far past its bound a rejected request was.
type Severity string

// Severity levels, mildest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor grades a rejection by the ratio of observed load to the
// bound that tripped. Client rejections start at low; proxy rejections
// affect every client of the endpoint and start at medium.
func severityFor(kind ViolationKind, observed, limit int) Severity {
	if limit <= 0 {
		return SeverityCritical
	}
	ratio := float64(observed) / float64(limit)
	if kind == KindProxyLimit {
		switch {
		case ratio > 1.5:
			return SeverityCritical
		case ratio > 1.2:
			return SeverityHigh
		default:
			return SeverityMedium
		}
	}
	switch {
	case ratio > 2:
		return SeverityCritical
	case ratio > 1.5:
		return SeverityHigh
	case ratio > 1.2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Violation records one rejected admission attempt.
type Violation struct {
	Timestamp  time.Time     `json:"timestamp"`
	ClientAddr string        `json:"client_addr"`
	Proxy      string        `json:"proxy"`
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Reason     string        `json:"reason"`
}

// RateLimitStats summarizes live admission state and recent violations.
type RateLimitStats struct {
	LiveSessions int                   `json:"live_sessions"`
	LiveClients  int                   `json:"live_clients"`
	Violations   int                   `json:"violations"`
	ByKind       map[ViolationKind]int `json:"by_kind"`
	BySeverity   map[Severity]int      `json:"by_severity"`
}

// Limiter enforces the session admission bounds. One limiter is shared by
// every session manager so the per-client cap holds across proxies while
// the per-proxy cap holds per endpoint.
type Limiter struct {
	mu         sync.Mutex
	cfg        RateLimitConfig
	liveClient map[string]int
	liveProxy  map[string]int
	history    map[string][]time.Time
	violations []Violation

	now func() time.Time
}

// NewLimiter creates a limiter. Non-positive config fields fall back to
// their defaults.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:        cfg.withDefaults(),
		liveClient: make(map[string]int),
		liveProxy:  make(map[string]int),
		history:    make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Config returns the active admission bounds.
func (l *Limiter) Config() RateLimitConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SetConfig swaps the admission bounds at runtime. Sessions admitted
// under the previous bounds stay open; only new admissions see the
// change.
func (l *Limiter) SetConfig(cfg RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg.withDefaults()
	logger.Infof("Rate limit config updated: %d/client, %d/proxy, %d+%d per %s",
		l.cfg.MaxSessionsPerClient, l.cfg.MaxSessionsPerProxy,
		l.cfg.MaxSessionsPerClient, l.cfg.BurstAllowance, l.cfg.CreationWindow)
}

// Admit checks whether clientAddr may open a session on proxy and, when
// allowed, reserves the slot. Callers must pair every successful Admit
// with exactly one Release. Rejections wrap ErrRateLimited and are
// recorded as violations.
func (l *Limiter) Admit(clientAddr, proxy string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	recent := l.pruneHistoryLocked(clientAddr, now)

	if live := l.liveClient[clientAddr]; live >= l.cfg.MaxSessionsPerClient {
		reason := fmt.Sprintf("client %s has %d open sessions (limit %d)",
			clientAddr, live, l.cfg.MaxSessionsPerClient)
		return l.rejectLocked(now, clientAddr, proxy, KindClientLimit, live, l.cfg.MaxSessionsPerClient, reason)
	}
	if live := l.liveProxy[proxy]; live >= l.cfg.MaxSessionsPerProxy {
		reason := fmt.Sprintf("proxy %s has %d open sessions (limit %d)",
			proxy, live, l.cfg.MaxSessionsPerProxy)
		return l.rejectLocked(now, clientAddr, proxy, KindProxyLimit, live, l.cfg.MaxSessionsPerProxy, reason)
	}
	if burst := l.cfg.MaxSessionsPerClient + l.cfg.BurstAllowance; len(recent) >= burst {
		reason := fmt.Sprintf("client %s opened %d sessions in the last %s (limit %d)",
			clientAddr, len(recent), l.cfg.CreationWindow, burst)
		return l.rejectLocked(now, clientAddr, proxy, KindClientLimit, len(recent), burst, reason)
	}

	l.history[clientAddr] = append(recent, now)
	l.liveClient[clientAddr]++
	l.liveProxy[proxy]++
	return nil
}

// Release returns a previously admitted session's slot.
func (l *Limiter) Release(clientAddr, proxy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.liveClient[clientAddr]; n <= 1 {
		delete(l.liveClient, clientAddr)
	} else {
		l.liveClient[clientAddr] = n - 1
	}
	if n := l.liveProxy[proxy]; n <= 1 {
		delete(l.liveProxy, proxy)
	} else {
		l.liveProxy[proxy] = n - 1
	}
}

// Violations returns the recorded violations no older than window,
// oldest first. A window of 0 or anything past the retention horizon
// returns everything retained.
func (l *Limiter) Violations(window time.Duration) []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if window <= 0 || window > violationRetention {
		window = violationRetention
	}
	cutoff := l.now().Add(-window)
	idx := 0
	for idx < len(l.violations) && !l.violations[idx].Timestamp.After(cutoff) {
		idx++
	}
	return slices.Clone(l.violations[idx:])
}

// Stats summarizes live admission state and the retained violations.
func (l *Limiter) Stats() RateLimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := RateLimitStats{
		LiveClients: len(l.liveClient),
		ByKind:      make(map[ViolationKind]int),
		BySeverity:  make(map[Severity]int),
	}
	for _, n := range l.liveProxy {
		stats.LiveSessions += n
	}
	cutoff := l.now().Add(-violationRetention)
	for _, v := range l.violations {
		if !v.Timestamp.After(cutoff) {
			continue
		}
		stats.Violations++
		stats.ByKind[v.Kind]++
		stats.BySeverity[v.Severity]++
	}
	return stats
}

// pruneHistoryLocked drops creation timestamps outside the rolling window
// and returns what remains.
func (l *Limiter) pruneHistoryLocked(clientAddr string, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.CreationWindow)
	recent := l.history[clientAddr]
	idx := 0
	for idx < len(recent) && !recent[idx].After(cutoff) {
		idx++
	}
	recent = recent[idx:]
	if len(recent) == 0 {
		delete(l.history, clientAddr)
		return nil
	}
	l.history[clientAddr] = recent
	return recent
}

func (l *Limiter) rejectLocked(now time.Time, clientAddr, proxy string, kind ViolationKind, observed, limit int, reason string) error {
	v := Violation{
		Timestamp:  now,
		ClientAddr: clientAddr,
		Proxy:      proxy,
		Kind:       kind,
		Severity:   severityFor(kind, observed, limit),
		Reason:     reason,
	}
	l.violations = append(l.violations, v)
	l.pruneViolationsLocked(now)
	logger.Warnf("Session admission rejected on proxy %s (%s, severity %s): %s", proxy, kind, v.Severity, reason)
	return fmt.Errorf("%w: %s", ErrRateLimited, reason)
}

func (l *Limiter) pruneViolationsLocked(now time.Time) {
	cutoff := now.Add(-violationRetention)
	idx := 0
	for idx < len(l.violations) && !l.violations[idx].Timestamp.After(cutoff) {
		idx++
	}
	if over := len(l.violations) - idx - maxViolations; over > 0 {
		idx += over
	}
	if idx > 0 {
		l.violations = slices.Clone(l.violations[idx:])
	}
}
