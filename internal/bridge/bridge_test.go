package bridge

import (
	"sync"
	"testing"

	"github.com/nerrad567/tasfleet/internal/device"
)

// mockRepo is an in-memory device.Repository.
type mockRepo struct {
	mu    sync.Mutex
	saved map[string]*device.Snapshot
}

func newMockRepo() *mockRepo {
	return &mockRepo{saved: make(map[string]*device.Snapshot)}
}

func (m *mockRepo) Upsert(key string, snap *device.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[key] = snap
	return nil
}

func (m *mockRepo) FetchAll() ([]device.Snapshot, error) { return nil, nil }
func (m *mockRepo) DeleteAll() error                     { return nil }
func (m *mockRepo) Close() error                         { return nil }

// mockTelemetry records telemetry points for assertions.
type mockTelemetry struct {
	mu       sync.Mutex
	signals  []int
	online   []bool
	channels map[int]bool
}

func (m *mockTelemetry) WriteSignalQuality(_, _ string, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, percent)
}

func (m *mockTelemetry) WriteOnlineState(_, _ string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, online)
}

func (m *mockTelemetry) WriteChannelState(_, _ string, channel int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels == nil {
		m.channels = make(map[int]bool)
	}
	m.channels[channel] = on
}

func newTestBridge(t *testing.T) (*Bridge, *device.Store, *mockTelemetry) {
	t.Helper()
	store := device.NewStore(newMockRepo(), device.Options{})
	b := New(store)
	tel := &mockTelemetry{}
	b.SetTelemetry(tel)
	return b, store, tel
}

func TestHandleMessageState(t *testing.T) {
	b, store, tel := newTestBridge(t)

	payload := []byte(`{"Uptime":"1T00:00:00","Wifi":{"RSSI":72},"POWER":"ON"}`)
	if err := b.handleMessage("local", "tele/sonoff-garage/STATE", payload); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	rec, ok := store.Device("sonoff-garage")
	if !ok {
		t.Fatal("device not created by STATE ingest")
	}
	if rec.Info.Uptime != "1T00:00:00" {
		t.Errorf("Uptime = %q, want %q", rec.Info.Uptime, "1T00:00:00")
	}
	if rec.Info.Signal == nil || *rec.Info.Signal != 72 {
		t.Errorf("Signal = %v, want 72", rec.Info.Signal)
	}
	if rec.Info.ConnectionID != "local" {
		t.Errorf("ConnectionID = %q, want %q", rec.Info.ConnectionID, "local")
	}
	if len(rec.Info.PowerChannels) != 1 {
		t.Fatalf("PowerChannels len = %d, want 1", len(rec.Info.PowerChannels))
	}
	if st := rec.Info.PowerChannels[0].State; st == nil || !*st {
		t.Error("channel 1 state = off, want on")
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	if len(tel.signals) != 1 || tel.signals[0] != 72 {
		t.Errorf("telemetry signals = %v, want [72]", tel.signals)
	}
	if on, ok := tel.channels[1]; !ok || !on {
		t.Errorf("telemetry channels = %v, want channel 1 on", tel.channels)
	}
}

func TestHandleMessageTopicFirstOrdering(t *testing.T) {
	b, store, tel := newTestBridge(t)

	payload := []byte(`{"POWER2":"OFF"}`)
	if err := b.handleMessage("local", "sonoff-garage/stat/RESULT", payload); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	rec, ok := store.Device("sonoff-garage")
	if !ok {
		t.Fatal("device not created by RESULT ingest")
	}
	found := false
	for _, ch := range rec.Info.PowerChannels {
		if ch.ID == 2 {
			found = true
			if ch.State == nil || *ch.State {
				t.Error("channel 2 state = on, want off")
			}
		}
	}
	if !found {
		t.Error("channel 2 not discovered from RESULT")
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	if on, ok := tel.channels[2]; !ok || on {
		t.Errorf("telemetry channels = %v, want channel 2 off", tel.channels)
	}
}

func TestHandleMessageBareScalarPower(t *testing.T) {
	b, store, _ := newTestBridge(t)

	if err := b.handleMessage("local", "stat/sonoff-garage/POWER", []byte("ON")); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	rec, ok := store.Device("sonoff-garage")
	if !ok {
		t.Fatal("device not created by POWER ingest")
	}
	if len(rec.Info.PowerChannels) != 1 || rec.Info.PowerChannels[0].ID != 1 {
		t.Fatalf("PowerChannels = %+v, want single channel 1", rec.Info.PowerChannels)
	}
	if st := rec.Info.PowerChannels[0].State; st == nil || !*st {
		t.Error("channel 1 state = off, want on")
	}
}

func TestHandleMessageLWT(t *testing.T) {
	b, store, tel := newTestBridge(t)

	if err := b.handleMessage("local", "tele/sonoff-garage/LWT", []byte("Online")); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	rec, ok := store.Device("sonoff-garage")
	if !ok {
		t.Fatal("device not created by LWT")
	}
	if !rec.Info.Online {
		t.Error("Online = false after LWT Online")
	}

	if err := b.handleMessage("local", "tele/sonoff-garage/LWT", []byte("Offline")); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	rec, _ = store.Device("sonoff-garage")
	if rec.Info.Online {
		t.Error("Online = true after LWT Offline")
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	if len(tel.online) != 2 || !tel.online[0] || tel.online[1] {
		t.Errorf("telemetry online = %v, want [true false]", tel.online)
	}
}

func TestHandleMessageIgnoresForeignTopics(t *testing.T) {
	b, store, _ := newTestBridge(t)

	topics := []string{
		"zigbee2mqtt/bridge/state",
		"tasmota/discovery/AABBCC/config",
		"cmnd/sonoff-garage/Power1",
	}
	for _, topic := range topics {
		if err := b.handleMessage("local", topic, []byte(`{"x":1}`)); err != nil {
			t.Errorf("handleMessage(%q) error = %v, want nil", topic, err)
		}
	}

	if devices := store.Devices(); len(devices) != 0 {
		t.Errorf("Devices() len = %d after foreign topics, want 0", len(devices))
	}
}

func TestHandleMessageEmptyPayload(t *testing.T) {
	b, store, _ := newTestBridge(t)

	if err := b.handleMessage("local", "stat/sonoff-garage/RESULT", nil); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	if _, ok := store.Device("sonoff-garage"); ok {
		t.Error("empty payload should not create a device")
	}
}

func TestSendUnknownDevice(t *testing.T) {
	b, _, _ := newTestBridge(t)

	if b.Send("ghost", "Power1", "ON") {
		t.Error("Send() = true for unknown device, want false")
	}
}

func TestSendUnattachedConnection(t *testing.T) {
	b, store, _ := newTestBridge(t)

	// Make the device known on a connection the bridge never attached.
	payload := []byte(`{"Uptime":"1T00:00:00"}`)
	if err := b.handleMessage("remote", "tele/sonoff-garage/STATE", payload); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}
	if _, ok := store.Device("sonoff-garage"); !ok {
		t.Fatal("device not created")
	}

	if b.Send("sonoff-garage", "Power1", "ON") {
		t.Error("Send() = true for unattached connection, want false")
	}
}
