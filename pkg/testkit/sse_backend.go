package testkit

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// sseBackend serves the legacy two-endpoint shape. Each GET /sse gets
// its own session and reply channel; POST /messages?session_id=...
// routes requests to it.
type sseBackend struct {
	middlewares []func(http.Handler) http.Handler
	tools       map[string]tooldef

	mu       sync.Mutex
	sessions map[string]chan string
}

var _ Backend = (*sseBackend)(nil)

func (b *sseBackend) SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error {
	if len(b.middlewares) > 0 {
		return fmt.Errorf("middlewares already set")
	}
	b.middlewares = middlewares
	return nil
}

func (b *sseBackend) AddTool(tool tooldef) error {
	if _, ok := b.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already exists", tool.Name)
	}
	if b.tools == nil {
		b.tools = make(map[string]tooldef)
	}
	b.tools[tool.Name] = tool
	return nil
}

// NewSSEBackend creates an sse test backend, wraps it in an
// `httptest.Server`, and returns it. Streams end when their client
// hangs up, so close any open response bodies before the server.
func NewSSEBackend(options ...Option) (*httptest.Server, error) {
	backend := &sseBackend{
		sessions: make(map[string]chan string),
	}

	for _, option := range options {
		if err := option(backend); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	router := chi.NewRouter()
	router.Use(append(
		[]func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.Recoverer,
		},
		backend.middlewares...,
	)...)

	router.Get("/sse", backend.streamHandler)
	router.Post("/messages", backend.messageHandler)

	return httptest.NewServer(router), nil
}

func (b *sseBackend) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	id := uuid.NewString()
	replies := make(chan string, 16)
	b.mu.Lock()
	b.sessions[id] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, id)
		b.mu.Unlock()
	}()

	fmt.Fprintf(w, "event: endpoint\ndata: http://%s/messages?session_id=%s\n\n", r.Host, id)
	flusher.Flush()

	for {
		select {
		case reply := <-replies:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", reply)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (b *sseBackend) messageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	b.mu.Lock()
	replies, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	if reply, hasReply := answer(b.tools, body); hasReply {
		replies <- reply
	}

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("Accepted")); err != nil {
		http.Error(w, "Error writing response", http.StatusInternalServerError)
	}
}
