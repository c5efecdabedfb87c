package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Proxy == "" {
		cfg.Proxy = "search"
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = "/search/messages"
	}
	m := NewManager(cfg)
	t.Cleanup(m.Stop)
	return m
}

func drainDiscovery(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		require.Equal(t, EventEndpoint, ev.Type)
		return ev
	default:
		t.Fatal("expected a primed discovery event")
		return Event{}
	}
}

func TestManagerOpenPrimesDiscoveryEvent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	ev := drainDiscovery(t, s)
	assert.Equal(t, "/search/messages?sessionId="+s.ID(), ev.Data)

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManagerGetUnknownSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	_, err := m.Get("ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerPostDeliversInOrder(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	drainDiscovery(t, s)

	require.NoError(t, m.Post(s.ID(), []byte(`{"id":1}`)))
	require.NoError(t, m.Post(s.ID(), []byte(`{"id":2}`)))

	first := <-s.Events()
	second := <-s.Events()
	assert.Equal(t, EventMessage, first.Type)
	assert.Equal(t, `{"id":1}`, first.Data)
	assert.Equal(t, `{"id":2}`, second.Data)

	require.ErrorIs(t, m.Post("ghost", []byte(`{}`)), ErrSessionNotFound)
}

func TestManagerPostOverflowRetiresSession(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(RateLimitConfig{MaxSessionsPerClient: 1})
	m := newTestManager(t, Config{MaxQueue: 2, Limiter: limiter})

	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)

	// Discovery event occupies one slot; the second post overflows.
	require.NoError(t, m.Post(s.ID(), []byte(`{"id":1}`)))
	require.ErrorIs(t, m.Post(s.ID(), []byte(`{"id":2}`)), ErrQueueOverflow)

	assert.True(t, s.Closed())
	assert.Equal(t, ReasonOverflow, s.CloseReason())
	_, err = m.Get(s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The admission slot is back.
	_, err = m.Open("10.0.0.1")
	require.NoError(t, err)
}

func TestManagerCloseReleasesAdmission(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(RateLimitConfig{MaxSessionsPerClient: 1})
	m := newTestManager(t, Config{Limiter: limiter})

	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)

	_, err = m.Open("10.0.0.1")
	require.ErrorIs(t, err, ErrRateLimited)

	require.NoError(t, m.Close(s.ID(), ReasonClientGone))
	assert.True(t, s.Closed())
	assert.Equal(t, ReasonClientGone, s.CloseReason())
	require.ErrorIs(t, m.Close(s.ID(), ReasonClientGone), ErrSessionNotFound)

	_, err = m.Open("10.0.0.1")
	require.NoError(t, err)
}

func TestManagerReapIdleSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	s.MarkInitialized()

	assert.Equal(t, 0, m.reap(time.Now().Add(250*time.Second)))
	assert.Equal(t, 1, m.reap(time.Now().Add(301*time.Second)))

	assert.True(t, s.Closed())
	assert.Equal(t, ReasonIdle, s.CloseReason())
	assert.Equal(t, uint64(1), m.Stats().ReapedIdle)
	_, err = m.Get(s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerReapUninitializedSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)

	// Young and uninitialized is still fine.
	assert.Equal(t, 0, m.reap(time.Now().Add(20*time.Second)))
	// Past the initialization deadline it is reaped.
	assert.Equal(t, 1, m.reap(time.Now().Add(31*time.Second)))

	assert.Equal(t, ReasonUninitialized, s.CloseReason())
	assert.Equal(t, uint64(1), m.Stats().ReapedUninitialized)
}

func TestManagerReapBackendGrace(t *testing.T) {
	t.Parallel()

	healthy := true
	m := newTestManager(t, Config{Healthy: func() bool { return healthy }})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	s.MarkInitialized()

	base := time.Now()
	assert.Equal(t, 0, m.reap(base))

	// The grace clock starts on the first unhealthy sweep.
	healthy = false
	assert.Equal(t, 0, m.reap(base.Add(10*time.Second)))
	assert.Equal(t, 0, m.reap(base.Add(40*time.Second)))
	assert.Equal(t, 1, m.reap(base.Add(41*time.Second)))

	assert.Equal(t, ReasonBackendDown, s.CloseReason())
	assert.Equal(t, uint64(1), m.Stats().ReapedBackendDown)

	// Recovery resets the grace clock; a fresh outage starts from scratch.
	healthy = true
	assert.Equal(t, 0, m.reap(base.Add(45*time.Second)))
	s2, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	s2.MarkInitialized()
	healthy = false
	assert.Equal(t, 0, m.reap(base.Add(50*time.Second)))
	healthy = true
	assert.Equal(t, 0, m.reap(base.Add(70*time.Second)))
	healthy = false
	assert.Equal(t, 0, m.reap(base.Add(75*time.Second)))
	// Without the reset this sweep would be 55s into the outage.
	assert.Equal(t, 0, m.reap(base.Add(100*time.Second)))
	assert.False(t, s2.Closed())
}

func TestManagerReapRetiresExternallyClosed(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	s.Close(ReasonUnhealthy)

	assert.Equal(t, 1, m.reap(time.Now()))
	_, err = m.Get(s.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)

	stats := m.Stats()
	assert.Zero(t, stats.ReapedIdle)
	assert.Zero(t, stats.ReapedUninitialized)
	assert.Zero(t, stats.ReapedBackendDown)
}

func TestManagerStats(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	s1, err := m.Open("10.0.0.1")
	require.NoError(t, err)
	_, err = m.Open("10.0.0.2")
	require.NoError(t, err)
	s1.MarkInitialized()
	require.NoError(t, m.Post(s1.ID(), []byte(`{}`)))

	stats := m.Stats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Initialized)
	// Two primed discovery events plus one posted message.
	assert.Equal(t, 3, stats.QueuedEvents)
	assert.Equal(t, uint64(2), stats.Opened)
	assert.Zero(t, stats.Closed)

	require.NoError(t, m.Close(s1.ID(), ReasonClientGone))
	stats = m.Stats()
	assert.Equal(t, uint64(2), stats.Opened, "opened counts over the lifetime")
	assert.Equal(t, uint64(1), stats.Closed)
}

func TestManagerStopClosesEverything(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(RateLimitConfig{MaxSessionsPerClient: 1})
	m := NewManager(Config{Proxy: "search", MessagePath: "/search/messages", Limiter: limiter})

	s, err := m.Open("10.0.0.1")
	require.NoError(t, err)

	m.Stop()
	assert.True(t, s.Closed())
	assert.Equal(t, ReasonShutdown, s.CloseReason())

	_, err = m.Open("10.0.0.1")
	require.ErrorIs(t, err, ErrManagerStopped)

	// Stopping released the admission slot for other managers.
	require.NoError(t, limiter.Admit("10.0.0.1", "other"))

	// Stop is safe to repeat.
	m.Stop()
}
