package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// blockingRepository holds each Upsert on a gate channel so tests can
// fill the pending slot while a write is in flight.
type blockingRepository struct {
	gate chan struct{}

	mu    sync.Mutex
	snaps []*Snapshot
}

func (r *blockingRepository) Upsert(_ string, snap *Snapshot) error {
	<-r.gate
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	return nil
}

func (r *blockingRepository) FetchAll() ([]Snapshot, error) { return nil, nil }
func (r *blockingRepository) DeleteAll() error              { return nil }
func (r *blockingRepository) Close() error                  { return nil }

func (r *blockingRepository) written() []*Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func TestFlushWritesDirtySnapshots(t *testing.T) {
	store, repo := newTestStore(t)
	store.Start()
	defer store.Stop()

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")

	store.flushTick()
	store.writers.Wait()

	snap, ok := repo.snapshot("local_sonoff-1")
	if !ok {
		t.Fatal("expected snapshot written under connection-scoped key")
	}
	if snap.DeviceID != "sonoff-1" || snap.ConnectionID != "local" {
		t.Errorf("unexpected snapshot identity: %+v", snap)
	}
	if snap.Uptime != "0T01:02:03" {
		t.Errorf("expected projected uptime, got %q", snap.Uptime)
	}
	if snap.SavedAt.IsZero() {
		t.Error("expected SavedAt stamp")
	}
	if stats := store.GetStats(); stats.Dirty != 0 {
		t.Errorf("expected dirty set drained, got %d", stats.Dirty)
	}
}

func TestFlushTimerLifecycle(t *testing.T) {
	store, _ := newTestStore(t)

	// Inert store: dirt accumulates but no timer arms.
	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.mu.Lock()
	timer := store.flushTimer
	store.mu.Unlock()
	if timer != nil {
		t.Fatal("expected no flush timer before Start")
	}

	// Start picks up the dirt that accumulated while inert.
	store.Start()
	defer store.Stop()
	store.mu.Lock()
	timer = store.flushTimer
	store.mu.Unlock()
	if timer == nil {
		t.Fatal("expected Start to arm the flush timer for existing dirt")
	}
}

func TestFlushTimerArmsOnFirstDirty(t *testing.T) {
	store, _ := newTestStore(t)
	store.Start()
	defer store.Stop()

	store.mu.Lock()
	timer := store.flushTimer
	store.mu.Unlock()
	if timer != nil {
		t.Fatal("expected no flush timer while clean")
	}

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.mu.Lock()
	timer = store.flushTimer
	store.mu.Unlock()
	if timer == nil {
		t.Fatal("expected flush timer armed on first dirty record")
	}
}

func TestWriteQueueDepthOneNewestWins(t *testing.T) {
	repo := &blockingRepository{gate: make(chan struct{})}
	store := NewStore(repo, Options{FlushInterval: time.Hour, PollInterval: time.Hour})

	mk := func(name string) *Snapshot {
		return &Snapshot{Key: "local_sonoff-1", DeviceID: "sonoff-1", Name: name}
	}

	store.mu.Lock()
	store.enqueueLocked(mk("first"))  // starts the writer, blocks on gate
	store.enqueueLocked(mk("second")) // parks in the pending slot
	store.enqueueLocked(mk("third"))  // replaces "second"
	store.mu.Unlock()

	repo.gate <- struct{}{} // release "first"
	repo.gate <- struct{}{} // release the surviving pending snapshot
	store.writers.Wait()

	written := repo.written()
	if len(written) != 2 {
		t.Fatalf("expected exactly two writes, got %d", len(written))
	}
	if written[0].Name != "first" || written[1].Name != "third" {
		t.Errorf("expected [first third], got [%s %s]", written[0].Name, written[1].Name)
	}

	// The queue is idle again: a new snapshot starts a fresh writer.
	store.mu.Lock()
	store.enqueueLocked(mk("fourth"))
	store.mu.Unlock()
	repo.gate <- struct{}{}
	store.writers.Wait()

	if written = repo.written(); len(written) != 3 || written[2].Name != "fourth" {
		t.Errorf("expected fourth write after drain, got %+v", written)
	}
}

func TestWriteFailureDoesNotWedgeQueue(t *testing.T) {
	store, repo := newTestStore(t)
	store.Start()
	defer store.Stop()
	repo.setFailErr(errors.New("disk full"))

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.flushTick()
	store.writers.Wait()

	if repo.writeCount() != 0 {
		t.Fatal("expected failed write to record nothing")
	}

	// The next mutation re-dirties the record and the following cycle
	// sends a fresher snapshot.
	repo.setFailErr(nil)
	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT",
		map[string]any{"Topic": "garage"}, "local")
	store.flushTick()
	store.writers.Wait()

	snap, ok := repo.snapshot("local_sonoff-1")
	if !ok || snap.Topic != "garage" {
		t.Errorf("expected recovered write with fresh topic, got %+v ok=%v", snap, ok)
	}
}

func TestStopPersistsParkedSnapshot(t *testing.T) {
	repo := &blockingRepository{gate: make(chan struct{})}
	store := NewStore(repo, Options{FlushInterval: time.Hour, PollInterval: time.Hour})
	store.Start()

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.flushTick() // writer starts, blocks in the repository

	store.Ingest("sonoff-1", tasmota.ScopeStat, "RESULT",
		map[string]any{"Topic": "garage"}, "local")
	store.flushTick() // fresher snapshot parks in the pending slot

	// The parked snapshot's device is no longer dirty; losing the slot
	// at shutdown would lose its newest state.
	done := make(chan struct{})
	go func() {
		store.Stop()
		close(done)
	}()
	repo.gate <- struct{}{} // release the in-flight write
	repo.gate <- struct{}{} // release the final flush
	<-done

	written := repo.written()
	if len(written) != 2 {
		t.Fatalf("expected two writes, got %d", len(written))
	}
	if last := written[len(written)-1]; last.Topic != "garage" {
		t.Errorf("expected newest snapshot persisted last, got topic %q", last.Topic)
	}
}

func TestStopFlushesRemainingDirty(t *testing.T) {
	store, repo := newTestStore(t)
	store.Start()

	store.Ingest("sonoff-1", tasmota.ScopeTele, "STATE", statePayload(), "local")
	store.Stop()

	if _, ok := repo.snapshot("local_sonoff-1"); !ok {
		t.Error("expected Stop to flush the remaining dirty set")
	}
}
