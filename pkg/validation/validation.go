// Package validation provides functions for validating operator-supplied
// configuration values before they reach a transport.
package validation

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Size limits for configured header fields. Values beyond these would be
// rejected by most HTTP servers anyway.
const (
	maxHeaderNameLen  = 256
	maxHeaderValueLen = 8192
)

// ValidateHTTPHeaderName checks that a configured header name is a valid
// RFC 7230 token, guarding against CRLF injection through the backend
// headers map.
func ValidateHTTPHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}
	if len(name) > maxHeaderNameLen {
		return fmt.Errorf("header name exceeds maximum length of %d bytes", maxHeaderNameLen)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid HTTP header name: contains invalid characters")
	}
	return nil
}

// ValidateHTTPHeaderValue checks that a configured header value carries
// no control characters, per RFC 7230.
func ValidateHTTPHeaderValue(value string) error {
	if value == "" {
		return fmt.Errorf("header value cannot be empty")
	}
	if len(value) > maxHeaderValueLen {
		return fmt.Errorf("header value exceeds maximum length of %d bytes", maxHeaderValueLen)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid HTTP header value: contains control characters")
	}
	return nil
}

// ValidateBackendURL checks the URL of a remote backend. A usable
// backend URL must use the http or https scheme, name a host, and
// carry no fragment.
func ValidateBackendURL(backendURL string) error {
	if backendURL == "" {
		return fmt.Errorf("backend URL cannot be empty")
	}

	parsed, err := url.Parse(backendURL)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("backend URL must use http or https: %s", backendURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("backend URL must include a host: %s", backendURL)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("backend URL must not contain fragments (#): %s", backendURL)
	}
	return nil
}
