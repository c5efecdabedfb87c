// Package session manages the event streams of SSE proxies: admission
// control, per-session bounded outbound queues, and background reaping of
// idle, stuck, or orphaned sessions.
//
// Each SSE proxy owns one Manager. Opening a stream admits the client
// through the shared rate limiter, allocates a Session whose queue is
// primed with the endpoint discovery event, and hands the session to the
// stream handler, which drains Events until Done closes. Anything the
// gateway wants to push to the client (dispatch responses, server
// notifications, heartbeats) is enqueued and delivered in FIFO order by
// that single writer.
package session

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxQueue bounds each session's outbound queue. A client that
// stops reading has this many events in flight before the session is
// force-closed.
const DefaultMaxQueue = 1024

// Close reasons recorded on sessions when they are torn down.
const (
	ReasonClientGone    = "client disconnected"
	ReasonIdle          = "idle timeout"
	ReasonUninitialized = "initialization deadline exceeded"
	ReasonBackendDown   = "backend left verified state"
	ReasonOverflow      = "outbound buffer overflow"
	ReasonUnhealthy     = "heartbeat failure"
	ReasonShutdown      = "manager shutdown"
)

// Session is one client's event stream on a proxy. The session owns a
// bounded outbound queue; a single writer drains Events in FIFO order and
// stops when Done is closed. All other methods are safe for concurrent
// use.
type Session struct {
	id         string
	proxy      string
	clientAddr string
	createdAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
	initialized  bool
	closed       bool
	closeReason  string

	queue chan Event
	done  chan struct{}
}

func newSession(id, proxy, clientAddr string, maxQueue int) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		proxy:        proxy,
		clientAddr:   clientAddr,
		createdAt:    now,
		lastActivity: now,
		queue:        make(chan Event, maxQueue),
		done:         make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Proxy returns the name of the proxy the session belongs to.
func (s *Session) Proxy() string { return s.proxy }

// ClientAddr returns the client address the session was opened for.
func (s *Session) ClientAddr() string { return s.clientAddr }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last client-driven activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch refreshes the session's activity clock. Only client-driven
// activity should touch; gateway-originated traffic such as heartbeats
// must not keep an abandoned session alive.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Initialized reports whether the client has completed the MCP
// initialize exchange on this session.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// MarkInitialized records that the initialize exchange completed and
// refreshes the activity clock.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.lastActivity = time.Now()
}

// Events returns the outbound queue. Exactly one writer should range
// over it, selecting against Done.
func (s *Session) Events() <-chan Event { return s.queue }

// Done returns a channel closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// QueueDepth returns the number of events waiting for delivery.
func (s *Session) QueueDepth() int { return len(s.queue) }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason returns the reason recorded by the call that closed the
// session, or "" while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Enqueue appends ev to the outbound queue without blocking. If the queue
// is full the session is force-closed and ErrQueueOverflow returned; a
// closed session returns ErrSessionClosed. On failure the event is
// settled with the returned error.
func (s *Session) Enqueue(ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		err := fmt.Errorf("%w: session %s", ErrSessionClosed, s.id)
		ev.Settle(err)
		return err
	}
	select {
	case s.queue <- ev:
		s.mu.Unlock()
		return nil
	default:
		s.closeLocked(ReasonOverflow)
		s.mu.Unlock()
		err := fmt.Errorf("%w: session %s closed with %d undelivered events", ErrQueueOverflow, s.id, cap(s.queue))
		ev.Settle(err)
		return err
	}
}

// Close terminates the session. The first call wins and records reason;
// later calls are no-ops. Returns true if this call closed the session.
func (s *Session) Close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closeLocked(reason)
	return true
}

// closeLocked marks the session closed, wakes the writer, and fails any
// queued events still waiting for an acknowledgement. Callers hold s.mu,
// which also means no concurrent Enqueue can race the drain.
func (s *Session) closeLocked(reason string) {
	s.closed = true
	s.closeReason = reason
	close(s.done)
	for {
		select {
		case ev := <-s.queue:
			ev.Settle(fmt.Errorf("%w: session %s", ErrSessionClosed, s.id))
		default:
			return
		}
	}
}
