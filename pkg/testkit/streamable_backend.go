package testkit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
)

// streamableBackend answers each POST inline, the modern single
// endpoint shape.
type streamableBackend struct {
	middlewares []func(http.Handler) http.Handler
	tools       map[string]tooldef
}

var _ Backend = (*streamableBackend)(nil)

func (b *streamableBackend) SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error {
	if len(b.middlewares) > 0 {
		return fmt.Errorf("middlewares already set")
	}
	b.middlewares = middlewares
	return nil
}

func (b *streamableBackend) AddTool(tool tooldef) error {
	if _, ok := b.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already exists", tool.Name)
	}
	if b.tools == nil {
		b.tools = make(map[string]tooldef)
	}
	b.tools[tool.Name] = tool
	return nil
}

// NewStreamableBackend creates a streamable-http test backend, wraps it
// in an `httptest.Server`, and returns it.
func NewStreamableBackend(options ...Option) (*httptest.Server, error) {
	backend := &streamableBackend{}

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

	router.Post("/mcp", backend.callHandler)
	// Standalone notification streams are not supported; clients fall
	// back to plain request/response on 405.
	router.Get("/mcp", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	router.Delete("/mcp", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(router), nil
}

func (b *streamableBackend) callHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		http.Error(w, "Batch JSON-RPC requests are not supported", http.StatusBadRequest)
		return
	}
	if !gjson.ValidBytes(body) || gjson.GetBytes(body, "jsonrpc").String() != "2.0" {
		http.Error(w, "Invalid JSON-RPC 2.0 message", http.StatusBadRequest)
		return
	}

	reply, hasReply := answer(b.tools, body)
	if !hasReply {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(reply)); err != nil {
		http.Error(w, "Error writing response", http.StatusInternalServerError)
	}
}
