package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Version is the envelope version written to `_v`.
const Version = 2

// Envelope wraps every request body sent to the collection endpoints.
type Envelope struct {
	Data    string `json:"_d"`
	Version int    `json:"_v"`
}

// ErrEmptyPayload is returned when an envelope carries no data.
var ErrEmptyPayload = errors.New("empty payload")

// Encode serialises v to JSON, base64-encodes it and reverses the result.
// The transform only hides the payload from naive content inspection.
// When v cannot be marshaled as-is, unsupported values are stringified and
// the raw JSON is returned without obfuscation so delivery is never blocked.
func Encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, err = json.Marshal(sanitize(v))
		if err != nil {
			return "{}"
		}
		return string(raw)
	}
	return reverse(base64.StdEncoding.EncodeToString(raw))
}

// Decode is the inverse of Encode. It also accepts the raw-JSON fallback.
func Decode(data string, v any) error {
	data = strings.TrimSpace(data)
	if data == "" {
		return ErrEmptyPayload
	}
	if strings.HasPrefix(data, "{") || strings.HasPrefix(data, "[") {
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return fmt.Errorf("decode raw payload: %w", err)
		}
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(reverse(data))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload json: %w", err)
	}
	return nil
}

// Seal encodes v and wraps it in a versioned envelope ready to be posted.
func Seal(v any) ([]byte, error) {
	body, err := json.Marshal(Envelope{Data: Encode(v), Version: Version})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// Open parses an envelope body and decodes its payload into v.
func Open(body []byte, v any) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != Version {
		return fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	return Decode(env.Data, v)
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// sanitize rebuilds the payload with every property value that json cannot
// represent replaced by its fmt rendering.
func sanitize(v any) any {
	switch p := v.(type) {
	case BatchPayload:
		events := make([]Event, len(p.Events))
		for i, e := range p.Events {
			e.Properties = sanitizeMap(e.Properties)
			events[i] = e
		}
		return BatchPayload{Events: events}
	case *BatchPayload:
		return sanitize(*p)
	case []Event:
		return sanitize(BatchPayload{Events: p}).(BatchPayload).Events
	case map[string]any:
		return sanitizeMap(p)
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if nested, ok := val.(map[string]any); ok {
			out[k] = sanitizeMap(nested)
			continue
		}
		if _, err := json.Marshal(val); err != nil {
			out[k] = toValidString(fmt.Sprint(val))
			continue
		}
		out[k] = val
	}
	return out
}

func toValidString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
