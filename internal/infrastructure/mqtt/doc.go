// Package mqtt provides MQTT connectivity for TasFleet Core.
//
// This package wraps the Eclipse Paho MQTT client with fleet-specific
// functionality:
//
//   - Connection management with automatic reconnection
//   - Subscription tracking and restoration after reconnect
//   - Last Will and Testament (LWT) for service offline detection
//   - Panic recovery in message handlers
//   - Tasmota topic parsing and command topic construction
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   Bridge                      │
//	│  (routes Tasmota traffic into the engine)     │
//	└──────────────┬───────────────┬───────────────┘
//	               │ Subscribe     │ Publish
//	┌──────────────▼───────────────▼───────────────┐
//	│                   Client                      │
//	│  - subscription tracking                      │
//	│  - panic-recovering handler wrapper           │
//	│  - reconnect with exponential backoff         │
//	└──────────────────────┬───────────────────────┘
//	                       │
//	               MQTT Broker (per connection)
//
// # Tasmota Topics
//
// Tasmota devices publish under two configurable orderings:
//
//	tele/<topic>/STATE     (%prefix%/%topic%, the firmware default)
//	<topic>/tele/STATE     (%topic%/%prefix%)
//
// ParseTopic understands both. Commands always go to
// cmnd/<topic>/<Command>.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Connections[0])
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	for _, pattern := range mqtt.TasmotaSubscriptions() {
//	    client.Subscribe(pattern, 1, handleMessage)
//	}
package mqtt
