// Package influxdb mirrors numeric device telemetry into InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The mirror is
// optional and write-only: the durable event history lives in the SQL event
// sink, and InfluxDB only receives the numeric view of each event for
// dashboards.
//
// # Data layout
//
//	measurement  device_telemetry
//	tags         device_id, transport (socket|broker)
//	fields       one per numeric payload key; numeric strings such as "88"
//	             are converted, nested objects are flattened as "a.b"
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	publishers = append(publishers, influxdb.NewMirror(client))
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Async write failures are reported through SetOnError.
package influxdb
