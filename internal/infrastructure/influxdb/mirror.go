package influxdb

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// PointWriter accepts numeric device fields. It is satisfied by *Client.
type PointWriter interface {
	WriteTelemetry(deviceID int64, transport string, fields map[string]float64, at time.Time)
}

// Mirror copies the numeric part of every unified event into InfluxDB.
// It implements telemetry.Publisher.
type Mirror struct {
	w PointWriter
}

// NewMirror creates a mirror writing through w.
func NewMirror(w PointWriter) *Mirror {
	return &Mirror{w: w}
}

// Publish writes the numeric fields of e. Events without any are skipped.
func (m *Mirror) Publish(e telemetry.Event) {
	fields := NumericFields(e.Payload)
	if len(fields) == 0 {
		return
	}
	m.w.WriteTelemetry(e.DeviceID, string(e.Transport), fields, e.ObservedAt)
}

// scalarField names the field of a payload that is a bare number.
const scalarField = "value"

// NumericFields extracts numeric values from an event payload. Numbers and
// numeric strings are kept, nested objects are flattened with "." between
// keys, and everything else is ignored.
func NumericFields(payload any) map[string]float64 {
	out := make(map[string]float64)
	if m, ok := payload.(map[string]any); ok {
		flatten(out, "", m)
		return out
	}
	if v, ok := numeric(payload); ok {
		out[scalarField] = v
	}
	return out
}

func flatten(out map[string]float64, prefix string, m map[string]any) {
	for k, raw := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := raw.(map[string]any); ok {
			flatten(out, key, nested)
			continue
		}
		if v, ok := numeric(raw); ok {
			out[key] = v
		}
	}
}

func numeric(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
