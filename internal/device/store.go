package device

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Commander dispatches a command toward a device. No delivery guarantee
// is assumed; a false return means dispatch was not even attempted
// (unknown device, disconnected transport).
type Commander interface {
	Send(deviceID, command, payload string) bool
}

// Options configures the store's periodic behaviour.
type Options struct {
	// FlushInterval is the dirty-set persistence cadence.
	FlushInterval time.Duration

	// PollInterval is the bootstrap-poll cadence per device.
	PollInterval time.Duration

	// PollMaxAttempts is the attempt ceiling before a device's bootstrap
	// poll gives up.
	PollMaxAttempts int
}

// Default cadences.
const (
	defaultFlushInterval   = 2 * time.Second
	defaultPollInterval    = 10 * time.Second
	defaultPollMaxAttempts = 5
)

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = defaultPollMaxAttempts
	}
	return o
}

// Store owns the authoritative device-record map and serialises every
// mutation path into it.
//
// All public methods are thread-safe. Mutations for a device happen
// synchronously under one mutex; only durable-storage writes run
// asynchronously, through a depth-1 per-device queue.
type Store struct {
	mu   sync.Mutex
	opts Options

	repo      Repository
	commander Commander
	logger    Logger

	records map[string]*Record

	// Persistence scheduling state (scheduler.go).
	dirty      map[string]struct{}
	flushTimer *time.Timer
	inflight   map[string]struct{}
	pending    map[string]*Snapshot
	writers    sync.WaitGroup

	// Change-notification fan-out.
	subs map[string]func()

	started bool
	stopped bool
}

// NewStore creates a store persisting through repo. The store is inert
// until Start(): records mutate but no timers are armed.
func NewStore(repo Repository, opts Options) *Store {
	return &Store{
		opts:     opts.withDefaults(),
		repo:     repo,
		logger:   noopLogger{},
		records:  make(map[string]*Record),
		dirty:    make(map[string]struct{}),
		inflight: make(map[string]struct{}),
		pending:  make(map[string]*Snapshot),
		subs:     make(map[string]func()),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetCommander wires the command-dispatch collaborator. Bootstrap
// polling stays dormant until one is set.
func (s *Store) SetCommander(c Commander) {
	s.mu.Lock()
	s.commander = c
	s.mu.Unlock()
}

// Start enables the store's periodic behaviour (flush and poll timers).
// Records dirtied while the store was inert arm the flush timer now.
func (s *Store) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	if len(s.dirty) > 0 && s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.opts.FlushInterval, s.flushTick)
	}
	s.mu.Unlock()
}

// Stop tears down all timers, flushes the remaining dirty set
// synchronously, and waits for in-flight writes to drain.
func (s *Store) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.started = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	for _, rec := range s.records {
		stopPoll(rec)
	}
	// The dirty set re-derives fresh snapshots. Parked pending slots
	// belong to devices a flush already drained from it, so they must
	// join the final batch unless the dirty set supersedes them.
	batch := s.collectDirtyLocked()
	covered := make(map[string]struct{}, len(batch))
	for _, snap := range batch {
		covered[snap.Key] = struct{}{}
	}
	for key, snap := range s.pending {
		if _, ok := covered[key]; !ok {
			batch = append(batch, snap)
		}
	}
	s.pending = make(map[string]*Snapshot)
	s.mu.Unlock()

	// In-flight writes land first so the final batch wins per key.
	s.writers.Wait()
	for _, snap := range batch {
		if err := s.repo.Upsert(snap.Key, snap); err != nil {
			s.logger.Warn("final snapshot write failed", "key", snap.Key, "error", err)
		}
	}
}

// Reset is the administrative "clear all" operation, used only for full
// reconfiguration. It tears down every poll timer and clears all
// records, queues, and sets atomically with the mutation path.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, rec := range s.records {
		stopPoll(rec)
	}
	s.records = make(map[string]*Record)
	s.dirty = make(map[string]struct{})
	s.pending = make(map[string]*Snapshot)
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.logger.Info("device store reset")
	for _, fn := range subs {
		fn()
	}
}

// Device retrieves a deep copy of one record.
func (s *Store) Device(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.DeepCopy(), true
}

// Devices retrieves deep copies of all records, sorted by id.
func (s *Store) Devices() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Rule retrieves one rule slot's state.
func (s *Store) Rule(id string, slot int) (tasmota.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return tasmota.Rule{}, ErrDeviceNotFound
	}
	rule, ok := rec.Rules[slot]
	if !ok {
		return tasmota.Rule{}, fmt.Errorf("%w: slot %d", ErrRuleNotFound, slot)
	}
	return rule, nil
}

// CommandTarget resolves the owning connection and topic alias used to
// address a device on the bus. Falls back to the device id when no alias
// is known.
func (s *Store) CommandTarget(id string) (connectionID, topic string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.records[id]
	if !found || rec.Info.ConnectionID == "" {
		return "", "", false
	}
	topic = rec.Info.Topic
	if topic == "" {
		topic = id
	}
	return rec.Info.ConnectionID, topic, true
}

// Stats summarises the store for monitoring and the shutdown log.
type Stats struct {
	Records int
	Online  int
	Dirty   int
}

// GetStats returns current store statistics.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Records: len(s.records), Dirty: len(s.dirty)}
	for _, rec := range s.records {
		if rec.Info.Online {
			stats.Online++
		}
	}
	return stats
}

// SubscribeChanges registers a coarse change callback and returns its
// subscription handle. Callbacks carry no payload; subscribers re-read
// the records they care about on demand.
func (s *Store) SubscribeChanges(fn func()) string {
	id := uuid.New().String()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()
	return id
}

// UnsubscribeChanges removes a change subscription.
func (s *Store) UnsubscribeChanges(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// subscribersLocked snapshots the callback list so notifications run
// outside the store mutex.
func (s *Store) subscribersLocked() []func() {
	if len(s.subs) == 0 {
		return nil
	}
	out := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// recordLocked returns the record for id, creating it on first reference.
func (s *Store) recordLocked(id string) (*Record, bool) {
	if rec, ok := s.records[id]; ok {
		return rec, false
	}
	rec := newRecord(id)
	s.records[id] = rec
	return rec, true
}

// mutate runs an operator edit against an existing record under the
// store mutex, then handles dirty marking and notification.
func (s *Store) mutate(id string, edit func(rec *Record) bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStoreStopped
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}

	var subs []func()
	if edit(rec) {
		s.markDirtyLocked(rec)
		subs = s.subscribersLocked()
	}
	s.updatePollLocked(rec)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return nil
}

// Rename assigns an operator-chosen display name. Behaves like a
// device-assigned name: it locks against inferred candidates.
func (s *Store) Rename(id, name string) error {
	return s.mutate(id, func(rec *Record) bool {
		if rec.Info.Name == name && rec.Info.NameLocked {
			return false
		}
		rec.Info.Name = name
		rec.Info.NameLocked = true
		rec.Info.LockedName = name
		return true
	})
}

// SetUIPrefs replaces the opaque presentation-layer preferences blob.
func (s *Store) SetUIPrefs(id string, prefs map[string]any) error {
	return s.mutate(id, func(rec *Record) bool {
		rec.Info.UIPrefs = deepCopyMap(prefs)
		return true
	})
}

// RecordBackup notes a completed device backup.
func (s *Store) RecordBackup(id string) error {
	return s.mutate(id, func(rec *Record) bool {
		rec.Info.BackupCount++
		rec.Info.LastBackup = time.Now().UTC()
		return true
	})
}

// SetBackupInterval sets the auto-backup interval in days; zero disables.
func (s *Store) SetBackupInterval(id string, days int) error {
	return s.mutate(id, func(rec *Record) bool {
		if rec.Info.BackupInterval == days {
			return false
		}
		rec.Info.BackupInterval = days
		return true
	})
}

// BeginRuleEdit flags a rule slot as having an open, unsaved operator
// edit. Incoming text updates are suppressed while the flag is set;
// flag updates still apply.
func (s *Store) BeginRuleEdit(id string, slot int) error {
	return s.mutate(id, func(rec *Record) bool {
		if rec.editing == nil {
			rec.editing = make(map[int]bool)
		}
		rec.editing[slot] = true
		return false
	})
}

// EndRuleEdit clears the open-edit flag without saving.
func (s *Store) EndRuleEdit(id string, slot int) error {
	return s.mutate(id, func(rec *Record) bool {
		delete(rec.editing, slot)
		return false
	})
}

// SaveRule stores operator-authored rule text and dispatches the
// stripped form to the device. The annotated original and the stripped
// sent text are retained so the device's echo of the stripped text can
// be recognised and the annotations restored.
func (s *Store) SaveRule(id string, slot int, text string, enabled bool) error {
	sent := tasmota.StripAnnotations(text)

	err := s.mutate(id, func(rec *Record) bool {
		rule := rec.Rules[slot]
		rule.Text = text
		rule.OriginalText = text
		rule.SentText = sent
		rule.Enabled = enabled
		rec.Rules[slot] = rule
		delete(rec.editing, slot)
		return true
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	commander := s.commander
	s.mu.Unlock()
	if commander != nil {
		command := "Rule" + strconv.Itoa(slot)
		commander.Send(id, command, sent)
		flag := "0"
		if enabled {
			flag = "1"
		}
		commander.Send(id, command, flag)
	}
	return nil
}
