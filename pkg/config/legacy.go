package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/stacklok/mcphub/pkg/logger"
	"github.com/stacklok/mcphub/pkg/transport/types"
)

// legacyField maps an alternate field spelling found in older
// configuration documents to its canonical snake_case name. Pairs are
// applied in order and the first value to land on a canonical name wins,
// so snake_case spellings take precedence over camelCase ones.
type legacyField struct {
	from, to string
}

var legacyBackendFields = []legacyField{
	{"transport_type", "transport"},
	{"transportType", "transport"},
	{"autoStart", "auto_start"},
	{"base_url", "url"},
	{"baseUrl", "url"},
	{"dependsOn", "depends_on"},
	{"legacySseProbe", "legacy_sse_probe"},
	{"description", "instructions"},
}

var legacyProxyFields = []legacyField{
	{"server_name", "backend_name"},
	{"serverName", "backend_name"},
	{"backendName", "backend_name"},
	{"transport_type", "transport"},
	{"transportType", "transport"},
	{"exposedTools", "exposed_tools"},
	{"autoStart", "auto_start"},
	{"description", "instructions"},
}

// normalizeBackendsDoc rewrites a backends document into canonical form:
// legacy field spellings are renamed, the legacy transport value
// "streamableHTTP" is respelled and a missing transport defaults to
// stdio, matching what older gateways assumed.
func normalizeBackendsDoc(raw []byte) ([]byte, error) {
	return normalizeDoc(raw, backendsDocKey, func(entry json.RawMessage) (json.RawMessage, error) {
		out, err := renameLegacyFields(entry, legacyBackendFields)
		if err != nil {
			return nil, err
		}
		return normalizeTransportField(out, types.TransportTypeStdio)
	})
}

// normalizeProxiesDoc rewrites a proxies document into canonical form.
// Proxies imported without an endpoint get the historical default path
// and a missing transport defaults to streamable-http.
func normalizeProxiesDoc(raw []byte) ([]byte, error) {
	return normalizeDoc(raw, proxiesDocKey, func(entry json.RawMessage) (json.RawMessage, error) {
		out, err := renameLegacyFields(entry, legacyProxyFields)
		if err != nil {
			return nil, err
		}
		if !gjson.GetBytes(out, "endpoint").Exists() {
			if out, err = sjson.SetBytes(out, "endpoint", DefaultProxyEndpoint); err != nil {
				return nil, fmt.Errorf("failed to default endpoint: %w", err)
			}
		}
		return normalizeTransportField(out, types.TransportTypeStreamableHTTP)
	})
}

// normalizeDoc applies the entry normalizer to every record under the
// document key. Unmarshaling entries individually sidesteps gjson path
// escaping for record names, which may contain dots.
func normalizeDoc(raw []byte, docKey string, normalizeEntry func(json.RawMessage) (json.RawMessage, error)) ([]byte, error) {
	if len(raw) == 0 {
		return []byte(fmt.Sprintf("{%q:{}}", docKey)), nil
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("%w: document is not a JSON object: %v", ErrInvalidConfig, err)
	}

	entriesRaw, ok := outer[docKey]
	if !ok {
		logger.Debugf("Configuration document has no %s key, treating as empty", docKey)
		entriesRaw = json.RawMessage("{}")
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(entriesRaw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object: %v", ErrInvalidConfig, docKey, err)
	}

	for name, entry := range entries {
		normalized, err := normalizeEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrInvalidConfig, name, err)
		}
		entries[name] = normalized
	}

	doc, err := json.Marshal(map[string]map[string]json.RawMessage{docKey: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to reassemble %s document: %w", docKey, err)
	}
	return doc, nil
}

// renameLegacyFields moves each legacy spelling onto its canonical name.
// Legacy keys are always removed; their value is kept only when the
// canonical key is not already present.
func renameLegacyFields(entry json.RawMessage, fields []legacyField) (json.RawMessage, error) {
	if !gjson.ParseBytes(entry).IsObject() {
		return nil, fmt.Errorf("record is not a JSON object")
	}

	out := []byte(entry)
	var err error
	for _, f := range fields {
		val := gjson.GetBytes(out, f.from)
		if !val.Exists() {
			continue
		}
		if !gjson.GetBytes(out, f.to).Exists() {
			if out, err = sjson.SetRawBytes(out, f.to, []byte(val.Raw)); err != nil {
				return nil, fmt.Errorf("failed to rename %s to %s: %w", f.from, f.to, err)
			}
		}
		if out, err = sjson.DeleteBytes(out, f.from); err != nil {
			return nil, fmt.Errorf("failed to drop legacy field %s: %w", f.from, err)
		}
	}
	return out, nil
}

// normalizeTransportField respells recognized transport values into
// their canonical form and fills in the historical default when the
// field is absent. Unrecognized values are left for schema validation
// to reject with a precise message.
func normalizeTransportField(entry json.RawMessage, fallback types.TransportType) (json.RawMessage, error) {
	val := gjson.GetBytes(entry, "transport")
	if !val.Exists() {
		out, err := sjson.SetBytes(entry, "transport", fallback.String())
		if err != nil {
			return nil, fmt.Errorf("failed to default transport: %w", err)
		}
		return out, nil
	}

	parsed, err := types.ParseTransportType(val.String())
	if err != nil || parsed.String() == val.String() {
		return entry, nil
	}
	out, err := sjson.SetBytes(entry, "transport", parsed.String())
	if err != nil {
		return nil, fmt.Errorf("failed to respell transport: %w", err)
	}
	return out, nil
}
