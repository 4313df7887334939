package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DeviceOnline records a device availability change.
//
// Each transition is written as a point in the device_availability
// measurement, tagged by udid, with a boolean online field. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - udid: Device serial (e.g., "emulator-5554")
//   - online: Whether the device is currently in the online state
func (c *Client) DeviceOnline(udid string, online bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_availability",
		map[string]string{
			"udid": udid,
		},
		map[string]interface{}{
			"online": online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// TrackerRestart records a device-tracker restart.
//
// A rising restart rate usually means the adb server is flapping, so this
// measurement is worth alerting on.
func (c *Client) TrackerRestart() {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"tracker_restarts",
		nil,
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("farm_stats",
//	    map[string]string{"host": "farm-01"},
//	    map[string]interface{}{"devices_online": 12, "devices_total": 16})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
