// Package config implements the persistent configuration for mcphub: two
// JSON documents, one holding backend server definitions and one holding
// proxy endpoint definitions. Documents written by older gateways may use
// camelCase field names; the import path normalizes those to the canonical
// snake_case spelling before validation.
package config

import (
	"fmt"
	"strings"

	"github.com/stacklok/mcphub/pkg/transport/types"
	"github.com/stacklok/mcphub/pkg/validation"
)

// Document keys of the two configuration files.
const (
	backendsDocKey = "mcpServers"
	proxiesDocKey  = "mcpProxies"
)

// DefaultProxyEndpoint is assigned to proxies imported without an
// explicit endpoint path.
const DefaultProxyEndpoint = "/mcp"

// BackendConfig is the persistent descriptor of one backend MCP server.
// The backend's name is the document map key and is never serialized.
type BackendConfig struct {
	Name string `json:"-"`

	// Transport selects how the gateway reaches the server: stdio, sse or
	// streamable-http.
	Transport types.TransportType `json:"transport"`

	// Command, Args, Env and Cwd describe the child process for stdio
	// backends.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// URL and Headers configure remote backends.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// AutoStart starts the backend when the gateway boots.
	AutoStart bool `json:"auto_start,omitempty"`

	// Instructions overrides the usage instructions the backend reports.
	Instructions string `json:"instructions,omitempty"`

	// DependsOn lists backends that must be started before this one.
	DependsOn []string `json:"depends_on,omitempty"`

	// LegacySSEProbe controls the compatibility probe that retries an SSE
	// handshake against url + "/mcp/sse". Unset means enabled.
	LegacySSEProbe *bool `json:"legacy_sse_probe,omitempty"`
}

// LegacySSEProbeEnabled reports whether the SSE endpoint probe applies to
// this backend. The probe defaults to on for compatibility with servers
// that only answer on the legacy path.
func (c *BackendConfig) LegacySSEProbeEnabled() bool {
	return c.LegacySSEProbe == nil || *c.LegacySSEProbe
}

// TransportConfig builds the transport-layer configuration for this
// backend.
func (c *BackendConfig) TransportConfig() types.Config {
	return types.Config{
		Backend:        c.Name,
		Type:           c.Transport,
		Command:        c.Command,
		Args:           c.Args,
		Env:            c.Env,
		Cwd:            c.Cwd,
		URL:            c.URL,
		Headers:        c.Headers,
		LegacySSEProbe: c.LegacySSEProbeEnabled(),
	}
}

// Validate checks a single backend definition. Cross-references to other
// backends are checked separately by ValidateReferences.
func (c *BackendConfig) Validate() error {
	var problems []string

	if c.Name == "" {
		problems = append(problems, "name is required")
	}
	if _, err := types.ParseTransportType(c.Transport.String()); err != nil {
		problems = append(problems, fmt.Sprintf("transport %q is not supported", c.Transport))
	}
	switch c.Transport {
	case types.TransportTypeStdio:
		if c.Command == "" {
			problems = append(problems, "command is required for stdio backends")
		}
	case types.TransportTypeSSE, types.TransportTypeStreamableHTTP:
		if c.URL == "" {
			problems = append(problems, fmt.Sprintf("url is required for %s backends", c.Transport))
		} else if err := validation.ValidateBackendURL(c.URL); err != nil {
			problems = append(problems, err.Error())
		}
	}
	for name, value := range c.Headers {
		if err := validation.ValidateHTTPHeaderName(name); err != nil {
			problems = append(problems, fmt.Sprintf("header %q: %v", name, err))
		} else if err := validation.ValidateHTTPHeaderValue(value); err != nil {
			problems = append(problems, fmt.Sprintf("header %q: %v", name, err))
		}
	}
	for _, dep := range c.DependsOn {
		if dep == "" {
			problems = append(problems, "depends_on entries must not be empty")
		}
		if dep == c.Name {
			problems = append(problems, "a backend cannot depend on itself")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: backend %s: %s", ErrInvalidConfig, c.Name, strings.Join(problems, "; "))
	}
	return nil
}

// ProxyConfig is the persistent descriptor of one exposed proxy endpoint.
// The proxy's name is the document map key and is never serialized.
type ProxyConfig struct {
	Name string `json:"-"`

	// BackendName names the backend this proxy fronts.
	BackendName string `json:"backend_name"`

	// Endpoint is the externally visible path, starting with "/".
	Endpoint string `json:"endpoint"`

	// Transport is the client-facing transport: sse or streamable-http.
	Transport types.TransportType `json:"transport"`

	// ExposedTools restricts which backend tools the proxy publishes.
	// Empty means all tools.
	ExposedTools []string `json:"exposed_tools,omitempty"`

	// Instructions overrides the instructions reported to clients,
	// taking precedence over whatever the backend negotiated.
	Instructions string `json:"instructions,omitempty"`

	// AutoStart starts the proxy when the gateway boots.
	AutoStart bool `json:"auto_start,omitempty"`
}

// Validate checks a single proxy definition.
func (c *ProxyConfig) Validate() error {
	var problems []string

	if c.Name == "" {
		problems = append(problems, "name is required")
	}
	if c.BackendName == "" {
		problems = append(problems, "backend_name is required")
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		problems = append(problems, fmt.Sprintf("endpoint %q must start with /", c.Endpoint))
	}
	switch c.Transport {
	case types.TransportTypeSSE, types.TransportTypeStreamableHTTP:
	default:
		problems = append(problems, fmt.Sprintf("transport %q is not supported for proxies", c.Transport))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: proxy %s: %s", ErrInvalidConfig, c.Name, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateReferences checks the cross-references between the two
// documents: proxies must front a defined backend and dependency lists
// must name defined backends. Dependency cycles are detected separately
// at start ordering time.
func ValidateReferences(backends map[string]BackendConfig, proxies map[string]ProxyConfig) error {
	var problems []string

	for name, b := range backends {
		for _, dep := range b.DependsOn {
			if _, ok := backends[dep]; !ok {
				problems = append(problems, fmt.Sprintf("backend %s depends on undefined backend %s", name, dep))
			}
		}
	}
	for name, p := range proxies {
		if _, ok := backends[p.BackendName]; !ok {
			problems = append(problems, fmt.Sprintf("proxy %s references undefined backend %s", name, p.BackendName))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, strings.Join(problems, "; "))
	}
	return nil
}
