package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteSignalQuality records a device's WiFi signal quality.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - connectionID: The broker connection the device belongs to
//   - deviceID: Device identifier (the Tasmota topic)
//   - percent: Signal quality 0-100 as reported in Wifi.Signal/Wifi.RSSI
//
// Example:
//
//	client.WriteSignalQuality("local", "sonoff-garage", 72)
func (c *Client) WriteSignalQuality(connectionID, deviceID string, percent int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"signal_quality",
		map[string]string{
			"connection_id": connectionID,
			"device_id":     deviceID,
		},
		map[string]interface{}{
			"percent": percent,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteOnlineState records a device liveness transition.
//
// Used for availability history: every LWT Online/Offline and every
// session-start observation is a point.
//
// Parameters:
//   - connectionID: The broker connection the device belongs to
//   - deviceID: Device identifier
//   - online: true for Online, false for Offline
func (c *Client) WriteOnlineState(connectionID, deviceID string, online bool) {
	if !c.IsConnected() {
		return
	}

	state := 0
	if online {
		state = 1
	}

	point := write.NewPoint(
		"availability",
		map[string]string{
			"connection_id": connectionID,
			"device_id":     deviceID,
		},
		map[string]interface{}{
			"online": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteChannelState records a power channel transition.
//
// Parameters:
//   - connectionID: The broker connection the device belongs to
//   - deviceID: Device identifier
//   - channel: Relay number (1-based)
//   - on: The new channel state
func (c *Client) WriteChannelState(connectionID, deviceID string, channel int, on bool) {
	if !c.IsConnected() {
		return
	}

	state := 0
	if on {
		state = 1
	}

	point := write.NewPoint(
		"channel_state",
		map[string]string{
			"connection_id": connectionID,
			"device_id":     deviceID,
		},
		map[string]interface{}{
			"channel": channel,
			"on":      state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("engine_stats",
//	    map[string]string{"fleet": "fleet-001"},
//	    map[string]interface{}{"devices": 42, "dirty": 3})
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
