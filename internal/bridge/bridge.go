package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/tasfleet/internal/device"
	"github.com/nerrad567/tasfleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// Sentinel errors for bridge operations.
var (
	// ErrDuplicateConnection is returned when attaching a connection whose
	// id is already attached.
	ErrDuplicateConnection = errors.New("bridge: connection already attached")
)

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Telemetry receives best-effort time-series points derived from device
// traffic. Implemented by influxdb.Client; nil-safe via the noop default.
type Telemetry interface {
	WriteSignalQuality(connectionID, deviceID string, percent int)
	WriteOnlineState(connectionID, deviceID string, online bool)
	WriteChannelState(connectionID, deviceID string, channel int, on bool)
}

type noopTelemetry struct{}

func (noopTelemetry) WriteSignalQuality(string, string, int)      {}
func (noopTelemetry) WriteOnlineState(string, string, bool)       {}
func (noopTelemetry) WriteChannelState(string, string, int, bool) {}

// Bridge connects MQTT traffic to the device store.
//
// It subscribes to the Tasmota telemetry patterns on every attached
// connection, classifies and decodes each message, and feeds the result
// to the store. In the other direction it implements device.Commander,
// publishing commands on the device's owning connection.
//
// Thread Safety:
//   - Attach is safe to call concurrently with message delivery.
//   - Message handlers run on paho goroutines; the store serialises them.
type Bridge struct {
	store *device.Store

	mu      sync.RWMutex
	clients map[string]*mqtt.Client

	telemetry Telemetry
	logger    Logger
}

// New creates a bridge feeding the given store. Attach connections with
// Attach, then wire the bridge back with store.SetCommander(b).
func New(store *device.Store) *Bridge {
	return &Bridge{
		store:     store,
		clients:   make(map[string]*mqtt.Client),
		telemetry: noopTelemetry{},
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// SetTelemetry wires a time-series sink for signal and availability
// points. Optional; without it telemetry points are dropped.
func (b *Bridge) SetTelemetry(t Telemetry) {
	b.mu.Lock()
	b.telemetry = t
	b.mu.Unlock()
}

// Attach subscribes the Tasmota telemetry patterns on a connected client
// and starts routing its traffic into the store.
//
// The client's ConnectionID becomes the owning-connection id recorded on
// every device first seen through it.
func (b *Bridge) Attach(client *mqtt.Client, qos byte) error {
	id := client.ConnectionID()

	b.mu.Lock()
	if _, exists := b.clients[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateConnection, id)
	}
	b.clients[id] = client
	b.mu.Unlock()

	handler := func(topic string, payload []byte) error {
		return b.handleMessage(id, topic, payload)
	}

	for _, pattern := range mqtt.TasmotaSubscriptions() {
		if err := client.Subscribe(pattern, qos, handler); err != nil {
			return fmt.Errorf("subscribing %q on connection %q: %w", pattern, id, err)
		}
	}

	b.logger.Info("connection attached", "connection_id", id)
	return nil
}

// handleMessage classifies one raw MQTT message and routes it into the
// store. Non-Tasmota topics are ignored silently; they are expected on
// shared brokers.
func (b *Bridge) handleMessage(connectionID, topic string, payload []byte) error {
	parsed, err := mqtt.ParseTopic(topic)
	if err != nil {
		return nil
	}

	if parsed.IsLWT() {
		online := string(payload) == "Online"
		b.store.SetOnline(parsed.DeviceTopic, connectionID, online)
		b.getTelemetry().WriteOnlineState(connectionID, parsed.DeviceTopic, online)
		return nil
	}

	decoded := tasmota.DecodePayload(parsed.Type, payload)
	if decoded == nil {
		return nil
	}

	scope := tasmota.ScopeTele
	if parsed.Prefix == mqtt.PrefixStat {
		scope = tasmota.ScopeStat
	}

	b.store.Ingest(parsed.DeviceTopic, scope, parsed.Type, decoded, connectionID)

	telemetry := b.getTelemetry()

	// Signal quality rides on STATE and STATUS11 payloads.
	fields := tasmota.ExtractFields(tasmota.Classify(parsed.Type), decoded)
	if fields.Signal != nil {
		telemetry.WriteSignalQuality(connectionID, parsed.DeviceTopic, *fields.Signal)
	}

	// Relay transitions announced by this message become channel points.
	for channel, on := range tasmota.RelayStates(decoded) {
		telemetry.WriteChannelState(connectionID, parsed.DeviceTopic, channel, on)
	}

	return nil
}

// Send implements device.Commander. It resolves the device's owning
// connection and publishes the command to its cmnd topic.
//
// A false return means dispatch was not attempted or failed: unknown
// device, unattached connection, or a disconnected client.
func (b *Bridge) Send(deviceID, command, payload string) bool {
	connectionID, deviceTopic, ok := b.store.CommandTarget(deviceID)
	if !ok {
		return false
	}

	b.mu.RLock()
	client := b.clients[connectionID]
	b.mu.RUnlock()
	if client == nil {
		b.logger.Warn("command for unattached connection",
			"device_id", deviceID,
			"connection_id", connectionID,
		)
		return false
	}

	if err := client.PublishCommand(deviceTopic, command, payload); err != nil {
		b.logger.Warn("command dispatch failed",
			"device_id", deviceID,
			"command", command,
			"error", err,
		)
		return false
	}

	b.logger.Debug("command dispatched",
		"device_id", deviceID,
		"command", command,
	)
	return true
}

// getTelemetry returns the current telemetry sink.
func (b *Bridge) getTelemetry() Telemetry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.telemetry
}
