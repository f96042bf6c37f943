package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParseFrame splits a device frame into field and value.
//
//	"temp:23.5"          -> ("temp", "23.5")
//	"device42:temp:23.5" -> ("temp", "23.5")
//
// The frame is split on ':' into at most three parts. With three parts the
// first is a redundant device id and is discarded; any further colons stay
// in the value. Parts are trimmed. A frame without a colon, or with an
// empty field, returns ErrParse.
func ParseFrame(text string) (field, value string, err error) {
	parts := strings.SplitN(text, ":", 3)
	switch len(parts) {
	case 2:
		field, value = parts[0], parts[1]
	case 3:
		field, value = parts[1], parts[2]
	default:
		return "", "", fmt.Errorf("%w: %q", ErrParse, text)
	}

	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if field == "" {
		return "", "", fmt.Errorf("%w: empty field in %q", ErrParse, text)
	}
	return field, value, nil
}

// RawMessageType marks broker payloads that were not valid JSON.
const RawMessageType = "text"

// DecodeBrokerPayload turns the bytes of a publish frame into a structured
// value. Invalid UTF-8 is replaced, control characters are stripped, and
// text that is not JSON is wrapped as
// {"raw_message": text, "message_type": "text"}. Integers beyond the
// exact float64 range decode as int64 or uint64; other numbers are float64.
func DecodeBrokerPayload(raw []byte) any {
	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	text = StripControl(text)

	if decoded, err := decodeJSON(text); err == nil {
		return SanitizeValue(decoded)
	}

	return map[string]any{
		"raw_message":  text,
		"message_type": RawMessageType,
	}
}

// maxExactInt is the largest integer magnitude float64 holds exactly.
const maxExactInt = 1 << 53

// decodeJSON decodes a single JSON document, keeping numbers as
// json.Number so large integers can be resolved by normalizeNumbers.
func decodeJSON(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return normalizeNumbers(decoded), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return resolveNumber(t)
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}

func resolveNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i > maxExactInt || i < -maxExactInt {
				return i
			}
			return float64(i)
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return f
}
