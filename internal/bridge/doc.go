// Package bridge routes Tasmota MQTT traffic into the device engine and
// engine commands back out to the brokers.
//
// # Architecture
//
//	MQTT brokers (one Client per connection)
//	        │ tele/# stat/# +/tele/# +/stat/#
//	        ▼
//	┌───────────────────────────────┐
//	│            Bridge             │
//	│  - topic classification       │
//	│  - payload decode             │
//	│  - LWT liveness handling      │
//	│  - signal telemetry recording │
//	└──────────────┬────────────────┘
//	               ▼
//	      device.Store (Ingest/SetOnline)
//
// The bridge also implements device.Commander: the store's bootstrap
// poller and operator actions call Send, which resolves the device's
// owning connection and publishes to its cmnd topic.
//
// One Bridge serves the whole fleet; connections are attached with
// Attach, one per configured broker.
package bridge
