package device

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// mockRepository is an in-memory Repository recording every upsert.
type mockRepository struct {
	mu      sync.Mutex
	upserts map[string]*Snapshot
	order   []string
	failErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{upserts: make(map[string]*Snapshot)}
}

func (r *mockRepository) Upsert(key string, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.upserts[key] = snap
	r.order = append(r.order, key)
	return nil
}

func (r *mockRepository) FetchAll() ([]Snapshot, error) { return nil, nil }
func (r *mockRepository) DeleteAll() error              { return nil }
func (r *mockRepository) Close() error                  { return nil }

func (r *mockRepository) setFailErr(err error) {
	r.mu.Lock()
	r.failErr = err
	r.mu.Unlock()
}

func (r *mockRepository) snapshot(key string) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.upserts[key]
	return snap, ok
}

func (r *mockRepository) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// mockCommander records dispatched commands.
type mockCommander struct {
	mu   sync.Mutex
	sent []sentCommand
}

type sentCommand struct {
	device, command, payload string
}

func (c *mockCommander) Send(deviceID, command, payload string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentCommand{deviceID, command, payload})
	return true
}

func (c *mockCommander) commands() []sentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentCommand, len(c.sent))
	copy(out, c.sent)
	return out
}

// newTestStore builds an inert store over a fresh mock repository.
// Timers are kept far away so tests drive flush and poll ticks directly.
func newTestStore(t *testing.T) (*Store, *mockRepository) {
	t.Helper()
	repo := newMockRepository()
	store := NewStore(repo, Options{
		FlushInterval: time.Hour,
		PollInterval:  time.Hour,
	})
	return store, repo
}

// drainDirty empties the dirty set, returning its snapshots.
func drainDirty(s *Store) []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectDirtyLocked()
}

func statePayload() map[string]any {
	return map[string]any{
		"Uptime": "0T01:02:03",
		"Wifi":   map[string]any{"RSSI": float64(72)},
		"POWER":  "ON",
	}
}

func TestIngestCreatesRecord(t *testing.T) {
	store, _ := newTestStore(t)

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	rec, ok := store.Device("sonoff-1")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if !rec.Info.Online {
		t.Error("expected record to be online after ingest")
	}
	if rec.Info.ConnectionID != "local" {
		t.Errorf("expected connection 'local', got %q", rec.Info.ConnectionID)
	}
	if rec.Info.Uptime != "0T01:02:03" {
		t.Errorf("expected uptime from payload, got %q", rec.Info.Uptime)
	}
	if rec.Info.Signal == nil || *rec.Info.Signal != 72 {
		t.Errorf("expected signal 72, got %v", rec.Info.Signal)
	}
	if rec.Info.LastSeen.IsZero() {
		t.Error("expected LastSeen to be set")
	}
	if len(rec.Info.PowerChannels) != 1 || rec.Info.PowerChannels[0].ID != 1 {
		t.Fatalf("expected one power channel (id 1), got %+v", rec.Info.PowerChannels)
	}
	if st := rec.Info.PowerChannels[0].State; st == nil || !*st {
		t.Errorf("expected channel 1 on, got %v", st)
	}
}

func TestIngestIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	if batch := drainDirty(store); len(batch) != 1 {
		t.Fatalf("expected one dirty snapshot after first ingest, got %d", len(batch))
	}

	// Identical payload again: LastSeen refreshes, nothing else changes,
	// so the record must not become a persistence candidate.
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	if stats := store.GetStats(); stats.Dirty != 0 {
		t.Errorf("expected clean store after duplicate ingest, got %d dirty", stats.Dirty)
	}
}

func TestIngestOrphanNeverDirty(t *testing.T) {
	store, _ := newTestStore(t)

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "")

	if _, ok := store.Device("sonoff-1"); !ok {
		t.Fatal("expected record to exist despite missing connection")
	}
	if stats := store.GetStats(); stats.Dirty != 0 {
		t.Errorf("record without a connection must not be dirty, got %d", stats.Dirty)
	}
}

func TestIngestIgnoresReservedAndEmptyIDs(t *testing.T) {
	store, _ := newTestStore(t)

	for _, id := range []string{"", "discovery", "tasmotas", "SONOFFS"} {
		store.Ingest(id, tasmota.ScopeTele, "STATE", statePayload(), "local")
	}
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", nil, "local")

	if stats := store.GetStats(); stats.Records != 0 {
		t.Errorf("expected no records, got %d", stats.Records)
	}
}

func TestIngestReorderDeterminism(t *testing.T) {
	stateMsg := statePayload()
	resultMsg := map[string]any{"Topic": "garage", "Module": "Sonoff Basic"}

	ingestState := func(s *Store) {
		s.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", stateMsg, "local")
	}
	ingestResult := func(s *Store) {
		s.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", resultMsg, "local")
	}

	// Disjoint messages must converge on the same projection in either
	// delivery order; only the wall-clock LastSeen may differ.
	run := func(first, second func(s *Store)) Info {
		store, _ := newTestStore(t)
		first(store)
		second(store)
		rec, _ := store.Device("sonoff-1")
		info := rec.Info
		info.LastSeen = time.Time{}
		return info
	}

	ab := run(ingestState, ingestResult)
	ba := run(ingestResult, ingestState)
	if !reflect.DeepEqual(ab, ba) {
		t.Errorf("ingest order changed the projection:\nstate-first:  %+v\nresult-first: %+v", ab, ba)
	}
}

func TestNameResolutionPrecedence(t *testing.T) {
	store, _ := newTestStore(t)
	id := "sonoff-1"

	ingest := func(payload map[string]any) {
		store.Ingest(id, tasmota.ScopeStat, "RESULT", payload, "local")
	}
	name := func() (string, bool) {
		rec, _ := store.Device(id)
		return rec.Info.Name, rec.Info.NameLocked
	}

	// Topic alias is the fallback for a nameless record.
	ingest(map[string]any{"Topic": "garage"})
	if n, locked := name(); n != "garage" || locked {
		t.Fatalf("expected unlocked topic fallback 'garage', got %q locked=%v", n, locked)
	}

	// A friendly name is advisory: accepted while the name equals the topic.
	ingest(map[string]any{"FriendlyName1": "Garage Door"})
	if n, _ := name(); n != "Garage Door" {
		t.Fatalf("expected friendly name accepted, got %q", n)
	}

	// A second friendly candidate is ignored once a meaningful name exists.
	ingest(map[string]any{"FriendlyName1": "Other"})
	if n, _ := name(); n != "Garage Door" {
		t.Fatalf("expected friendly candidate rejected, got %q", n)
	}

	// An explicit device-assigned name always wins and locks.
	ingest(map[string]any{"DeviceName": "Main Garage"})
	if n, locked := name(); n != "Main Garage" || !locked {
		t.Fatalf("expected locked explicit name, got %q locked=%v", n, locked)
	}

	// Nothing inferred moves a locked name.
	ingest(map[string]any{"FriendlyName1": "Nope"})
	ingest(map[string]any{"Topic": "other-topic"})
	if n, locked := name(); n != "Main Garage" || !locked {
		t.Fatalf("expected locked name to hold, got %q locked=%v", n, locked)
	}

	rec, _ := store.Device(id)
	if rec.Info.LockedName != "Main Garage" {
		t.Errorf("expected LockedName recorded, got %q", rec.Info.LockedName)
	}
}

func TestRenameLocksName(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	if err := store.Rename("sonoff-1", "Porch"); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}

	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT",
		map[string]any{"FriendlyName1": "Intruder"}, "local")

	rec, _ := store.Device("sonoff-1")
	if rec.Info.Name != "Porch" || !rec.Info.NameLocked {
		t.Errorf("expected operator rename to lock, got %q locked=%v",
			rec.Info.Name, rec.Info.NameLocked)
	}

	if err := store.Rename("ghost", "x"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestSetOnlineLifecycle(t *testing.T) {
	store, _ := newTestStore(t)

	store.SetOnline("sonoff-1", "local", true)
	rec, ok := store.Device("sonoff-1")
	if !ok || !rec.Info.Online {
		t.Fatalf("expected online record, got ok=%v rec=%+v", ok, rec)
	}
	if rec.Info.LastSeen.IsZero() {
		t.Error("expected LastSeen set on online transition")
	}

	store.SetOnline("sonoff-1", "local", false)
	rec, _ = store.Device("sonoff-1")
	if rec.Info.Online {
		t.Error("expected record offline after will message")
	}

	stats := store.GetStats()
	if stats.Records != 1 || stats.Online != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDeviceReturnsDeepCopy(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	rec, _ := store.Device("sonoff-1")
	rec.Info.Name = "tampered"
	rec.Raw["tele/STATE"]["Uptime"] = "tampered"
	if wifi, ok := rec.Raw["tele/STATE"]["Wifi"].(map[string]any); ok {
		wifi["RSSI"] = float64(0)
	}

	fresh, _ := store.Device("sonoff-1")
	if fresh.Info.Name == "tampered" {
		t.Error("copy mutation leaked into Info")
	}
	if fresh.Raw["tele/STATE"]["Uptime"] != "0T01:02:03" {
		t.Error("copy mutation leaked into archive")
	}
	wifi := fresh.Raw["tele/STATE"]["Wifi"].(map[string]any)
	if wifi["RSSI"] != float64(72) {
		t.Error("nested copy mutation leaked into archive")
	}
}

func TestDevicesSorted(t *testing.T) {
	store, _ := newTestStore(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		store.Ingest(id, tasmota.ScopeTele, "STATE", statePayload(), "local")
	}

	devices := store.Devices()
	if len(devices) != 3 {
		t.Fatalf("expected 3 records, got %d", len(devices))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if devices[i].Info.ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, devices[i].Info.ID)
		}
	}
}

func TestCommandTarget(t *testing.T) {
	store, _ := newTestStore(t)

	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT",
		map[string]any{"Topic": "garage"}, "local")
	store.Ingest("sonoff-2", tasmota.ScopeTele, "STATE", statePayload(), "remote")
	store.Ingest("orphan", tasmota.ScopeTele, "STATE", statePayload(), "")

	conn, topic, ok := store.CommandTarget("sonoff-1")
	if !ok || conn != "local" || topic != "garage" {
		t.Errorf("expected (local, garage), got (%q, %q, %v)", conn, topic, ok)
	}

	// A device without a topic alias is addressed by id.
	conn, topic, ok = store.CommandTarget("sonoff-2")
	if !ok || conn != "remote" || topic != "sonoff-2" {
		t.Errorf("expected id fallback, got (%q, %q, %v)", conn, topic, ok)
	}

	if _, _, ok := store.CommandTarget("orphan"); ok {
		t.Error("expected no target for a record without a connection")
	}
	if _, _, ok := store.CommandTarget("ghost"); ok {
		t.Error("expected no target for an unknown device")
	}
}

func TestSubscribeChanges(t *testing.T) {
	store, _ := newTestStore(t)

	var notified int
	sub := store.SubscribeChanges(func() { notified++ })

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	if notified != 1 {
		t.Fatalf("expected 1 notification, got %d", notified)
	}

	// Duplicate ingest changes nothing, so no notification.
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	if notified != 1 {
		t.Fatalf("expected no notification for no-op ingest, got %d", notified)
	}

	store.UnsubscribeChanges(sub)
	store.Ingest("sonoff-2", tasmota.ScopeTele, "STATE", statePayload(), "local")
	if notified != 1 {
		t.Errorf("expected no notification after unsubscribe, got %d", notified)
	}
}

func TestReset(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	var notified int
	store.SubscribeChanges(func() { notified++ })

	store.Reset()

	stats := store.GetStats()
	if stats.Records != 0 || stats.Dirty != 0 {
		t.Errorf("expected empty store after reset, got %+v", stats)
	}
	if notified != 1 {
		t.Errorf("expected reset notification, got %d", notified)
	}
}

func TestMutationsAfterStop(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.Stop()

	if err := store.Rename("sonoff-1", "x"); !errors.Is(err, ErrStoreStopped) {
		t.Errorf("expected ErrStoreStopped, got %v", err)
	}
}

func TestRecordBackup(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	before := time.Now().UTC()
	if err := store.RecordBackup("sonoff-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.Device("sonoff-1")
	if rec.Info.BackupCount != 1 {
		t.Errorf("expected backup count 1, got %d", rec.Info.BackupCount)
	}
	if rec.Info.LastBackup.Before(before) {
		t.Errorf("expected LastBackup refreshed, got %v", rec.Info.LastBackup)
	}
}

func TestSetBackupIntervalIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	drainDirty(store)

	if err := store.SetBackupInterval("sonoff-1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drainDirty(store)) != 1 {
		t.Fatal("expected interval change to dirty the record")
	}

	if err := store.SetBackupInterval("sonoff-1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats := store.GetStats(); stats.Dirty != 0 {
		t.Errorf("expected unchanged interval to stay clean, got %d dirty", stats.Dirty)
	}
}

func TestSetUIPrefsCopiesInput(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	prefs := map[string]any{"pinned": true, "order": float64(3)}
	if err := store.SetUIPrefs("sonoff-1", prefs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prefs["pinned"] = false

	rec, _ := store.Device("sonoff-1")
	if rec.Info.UIPrefs["pinned"] != true {
		t.Error("expected preferences decoupled from caller map")
	}
}

func TestSaveRuleDispatchesStrippedText(t *testing.T) {
	store, _ := newTestStore(t)
	commander := &mockCommander{}
	store.SetCommander(commander)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	annotated := "// turn on the pump\non Power1#state do Var1 %value% endon"
	stripped := tasmota.StripAnnotations(annotated)

	if err := store.SaveRule("sonoff-1", 1, annotated, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.Device("sonoff-1")
	rule := rec.Rules[1]
	if rule.Text != annotated || rule.OriginalText != annotated {
		t.Errorf("expected annotated text retained, got %+v", rule)
	}
	if rule.SentText != stripped {
		t.Errorf("expected sent text %q, got %q", stripped, rule.SentText)
	}
	if !rule.Enabled {
		t.Error("expected rule enabled")
	}

	sent := commander.commands()
	if len(sent) != 2 {
		t.Fatalf("expected rule text and flag commands, got %+v", sent)
	}
	if sent[0] != (sentCommand{"sonoff-1", "Rule1", stripped}) {
		t.Errorf("unexpected text command: %+v", sent[0])
	}
	if sent[1] != (sentCommand{"sonoff-1", "Rule1", "1"}) {
		t.Errorf("unexpected flag command: %+v", sent[1])
	}
}

func TestRuleEditSuppressesIncomingText(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", map[string]any{
		"Rule1": map[string]any{"State": "OFF", "Rules": "on Power1#state do Var1 1 endon"},
	}, "local")

	if err := store.BeginRuleEdit("sonoff-1", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mid-edit: incoming text must not clobber the operator's buffer,
	// but flag changes still land.
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", map[string]any{
		"Rule1": map[string]any{"State": "ON", "Rules": "on clobber do nothing endon"},
	}, "local")

	rec, _ := store.Device("sonoff-1")
	rule := rec.Rules[1]
	if rule.Text != "on Power1#state do Var1 1 endon" {
		t.Errorf("expected text suppressed during edit, got %q", rule.Text)
	}
	if !rule.Enabled {
		t.Error("expected flag update applied during edit")
	}

	if err := store.EndRuleEdit("sonoff-1", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", map[string]any{
		"Rule1": map[string]any{"State": "ON", "Rules": "on fresh do accept endon"},
	}, "local")

	rec, _ = store.Device("sonoff-1")
	if rec.Rules[1].Text != "on fresh do accept endon" {
		t.Errorf("expected text accepted after edit ended, got %q", rec.Rules[1].Text)
	}
}

func TestRuleAccessor(t *testing.T) {
	store, _ := newTestStore(t)
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", map[string]any{
		"Rule1": map[string]any{"State": "ON", "Rules": "on Power1#state do Var1 1 endon"},
	}, "local")

	rule, err := store.Rule("sonoff-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rule.Enabled || rule.Text != "on Power1#state do Var1 1 endon" {
		t.Errorf("unexpected rule: %+v", rule)
	}

	if _, err := store.Rule("sonoff-1", 9); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound for an empty slot, got %v", err)
	}
	if _, err := store.Rule("ghost", 1); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestRuleEchoRestoresAnnotations(t *testing.T) {
	store, _ := newTestStore(t)
	commander := &mockCommander{}
	store.SetCommander(commander)
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	annotated := "// pump control\non Power1#state do Var1 %value% endon"
	stripped := tasmota.StripAnnotations(annotated)
	if err := store.SaveRule("sonoff-1", 2, annotated, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The device echoes the stripped text back in its acknowledgement.
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT", map[string]any{
		"Rule2": map[string]any{"State": "ON", "Rules": stripped},
	}, "local")

	rec, _ := store.Device("sonoff-1")
	if rec.Rules[2].Text != annotated {
		t.Errorf("expected annotations restored on echo, got %q", rec.Rules[2].Text)
	}
}
