package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// TelemetryMeasurement is the measurement mirrored device fields are
// written to.
const TelemetryMeasurement = "device_telemetry"

// WriteTelemetry writes one point of numeric device fields, tagged with the
// device id and transport. The write is non-blocking; points are batched
// and sent asynchronously. Empty field sets are skipped.
func (c *Client) WriteTelemetry(deviceID int64, transport string, fields map[string]float64, at time.Time) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	point := write.NewPoint(
		TelemetryMeasurement,
		map[string]string{
			"device_id": strconv.FormatInt(deviceID, 10),
			"transport": transport,
		},
		values,
		at,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags, fields
// and timestamp.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
