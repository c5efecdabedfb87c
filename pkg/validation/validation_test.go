package validation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/mcphub/pkg/validation"
)

func TestValidateHTTPHeaderName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		expectErr bool
	}{
		// ✅ Valid cases
		{"valid_simple_name", "Authorization", false},
		{"valid_custom_header", "X-Api-Key", false},
		{"valid_lowercase", "content-type", false},

		// ❌ Empty
		{"empty_string", "", true},

		// ❌ Injection attempts
		{"crlf_injection", "X-Api\r\nEvil", true},
		{"space_in_name", "X Api Key", true},
		{"colon_in_name", "X-Api:", true},

		// ❌ Oversized
		{"name_too_long", strings.Repeat("a", 257), true},

		// ✅ Borderline valid
		{"single_char", "x", false},
		{"max_length", strings.Repeat("a", 256), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validation.ValidateHTTPHeaderName(tc.input)
			if tc.expectErr {
				assert.Error(t, err, "Expected error for input: %q", tc.input)
			} else {
				assert.NoError(t, err, "Did not expect error for input: %q", tc.input)
			}
		})
	}
}

func TestValidateHTTPHeaderValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		expectErr bool
	}{
		// ✅ Valid cases
		{"valid_token", "Bearer abc123", false},
		{"valid_with_specials", "a=b; c=\"d\"", false},

		// ❌ Empty
		{"empty_string", "", true},

		// ❌ Control characters
		{"crlf_injection", "value\r\nSet-Cookie: evil", true},
		{"null_byte", "value\x00", true},

		// ❌ Oversized
		{"value_too_long", strings.Repeat("a", 8193), true},

		// ✅ Borderline valid
		{"max_length", strings.Repeat("a", 8192), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validation.ValidateHTTPHeaderValue(tc.input)
			if tc.expectErr {
				assert.Error(t, err, "Expected error for input: %q", tc.input)
			} else {
				assert.NoError(t, err, "Did not expect error for input: %q", tc.input)
			}
		})
	}
}

func TestValidateBackendURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		expectErr bool
	}{
		// ✅ Valid cases
		{"valid_http", "http://localhost:9000/sse", false},
		{"valid_https", "https://mcp.example.com/mcp", false},
		{"valid_with_query", "https://mcp.example.com/sse?team=a", false},

		// ❌ Empty
		{"empty_string", "", true},

		// ❌ Missing pieces
		{"no_scheme", "mcp.example.com/sse", true},
		{"no_host", "http:///sse", true},

		// ❌ Wrong scheme
		{"file_scheme", "file:///etc/passwd", true},
		{"ws_scheme", "ws://mcp.example.com", true},

		// ❌ Fragment
		{"with_fragment", "https://mcp.example.com/sse#frag", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validation.ValidateBackendURL(tc.input)
			if tc.expectErr {
				assert.Error(t, err, "Expected error for input: %q", tc.input)
			} else {
				assert.NoError(t, err, "Did not expect error for input: %q", tc.input)
			}
		})
	}
}
