package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcphub/pkg/compliance"
	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/proxy"
	"github.com/stacklok/mcphub/pkg/registry"
	"github.com/stacklok/mcphub/pkg/session"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// rateLimitBody is the final frame written to a rejected stream open.
const rateLimitBody = `{"error": "Rate limit exceeded", "code": 429}`

// handleStream opens an SSE session on an sse proxy: admission, session
// creation, the endpoint discovery frame, then queue-drained events
// until the client or the session goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "proxy")
	snap, err := s.cfg.Proxies.Snapshot(name)
	if err != nil {
		http.Error(w, "Could not find proxy", http.StatusNotFound)
		return
	}
	if snap.Transport != types.TransportTypeSSE || "/"+chi.URLParam(r, "*") != snap.Endpoint {
		http.NotFound(w, r)
		return
	}
	if !acceptsSSE(r) {
		http.Error(w, "Accept: text/event-stream required", http.StatusBadRequest)
		return
	}
	if !snap.Running {
		http.Error(w, "Proxy is not running", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	mgr := s.sessionManager(name)
	if mgr == nil {
		http.Error(w, "Gateway is shutting down", http.StatusServiceUnavailable)
		return
	}

	setSSEHeaders(w)
	sess, err := mgr.Open(clientIP(r))
	if err != nil {
		if errors.Is(err, session.ErrRateLimited) {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, session.NewEvent(session.EventError, rateLimitBody).SSE())
			flusher.Flush()
			return
		}
		http.Error(w, "Failed to create session", statusFor(err))
		return
	}
	defer func() { _ = mgr.Close(sess.ID(), session.ReasonClientGone) }()

	if s.cfg.Heartbeat != nil {
		s.cfg.Heartbeat.Watch(sess, mgr)
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev := <-sess.Events():
			if _, err := fmt.Fprint(w, ev.SSE()); err != nil {
				ev.Settle(err)
				return
			}
			flusher.Flush()
			ev.Settle(nil)
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// handleInline serves one streamable-http call synchronously.
func (s *Server) handleInline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "proxy")
	snap, err := s.cfg.Proxies.Snapshot(name)
	if err != nil {
		http.Error(w, "Could not find proxy", http.StatusNotFound)
		return
	}
	if snap.Transport != types.TransportTypeStreamableHTTP || "/"+chi.URLParam(r, "*") != snap.Endpoint {
		http.NotFound(w, r)
		return
	}
	if !snap.Running {
		http.Error(w, "Proxy is not running", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading request body: %v", err), http.StatusInternalServerError)
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeJSON(w, http.StatusBadRequest, compliance.ErrorEnvelope(nil, compliance.CodeParseError, "Parse error", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), inlineTimeout)
	defer cancel()
	start := time.Now()
	frame, err := s.cfg.Proxies.HandleMessage(ctx, name, body)
	s.observe(name, body, start, err)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if frame == nil {
		// Notifications have no reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// handleSessionPost accepts a client message for an open SSE session.
// The reply is delivered over the session's event stream, not this
// response.
func (s *Server) handleSessionPost(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "proxy")
	snap, err := s.cfg.Proxies.Snapshot(name)
	if err != nil {
		http.Error(w, "Could not find proxy", http.StatusNotFound)
		return
	}
	if snap.Transport != types.TransportTypeSSE {
		http.NotFound(w, r)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	mgr := s.sessionManager(name)
	if mgr == nil {
		http.Error(w, "Gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	sess, err := mgr.Get(sessionID)
	if err != nil {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading request body: %v", err), http.StatusInternalServerError)
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeJSON(w, http.StatusBadRequest, compliance.ErrorEnvelope(nil, compliance.CodeParseError, "Parse error", nil))
		return
	}
	if gjson.GetBytes(body, "method").String() == "initialize" {
		sess.MarkInitialized()
	}

	s.dispatches.Add(1)
	go s.dispatch(mgr, sessionID, name, body)

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

// dispatch runs one session request through the proxy engine and feeds
// the response frame back onto the session queue.
func (s *Server) dispatch(mgr *session.Manager, sessionID, proxyName string, body []byte) {
	defer s.dispatches.Done()

	ctx, cancel := context.WithTimeout(context.Background(), inlineTimeout)
	defer cancel()
	start := time.Now()
	frame, err := s.cfg.Proxies.HandleMessage(ctx, proxyName, body)
	s.observe(proxyName, body, start, err)
	if err != nil {
		var id json.RawMessage
		if idField := gjson.GetBytes(body, "id"); idField.Exists() {
			id = json.RawMessage(idField.Raw)
		}
		frame = compliance.ErrorEnvelope(id, compliance.CodeServerError, err.Error(), nil)
	}
	if frame == nil {
		// Notification: nothing to deliver.
		return
	}
	if err := mgr.Post(sessionID, frame); err != nil {
		logger.Debugf("Session %s went away before its response: %v", sessionID, err)
	}
}

// observe reports one proxied request to the configured observer.
func (s *Server) observe(proxyName string, body []byte, start time.Time, err error) {
	if s.cfg.Observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.cfg.Observer.RecordRequest(proxyName, gjson.GetBytes(body, "method").String(), outcome, time.Since(start))
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func acceptsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "*/*")
}

// clientIP keys rate limiting by client address, without the ephemeral
// port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, proxy.ErrProxyNotFound), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrProxyNotRunning),
		errors.Is(err, registry.ErrNotVerified),
		errors.Is(err, session.ErrManagerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}
