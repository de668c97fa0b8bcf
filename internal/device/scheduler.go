package device

import "time"

// Dirty-set persistence scheduling.
//
// A record becomes a persistence candidate whenever any field outside
// its transient poll state changes — unless it has no owning connection
// yet (an orphan record is pointless to write). The flush timer arms
// when the first device becomes dirty and self-cancels when the dirty
// set empties. Each flush snapshots and clears the dirty set, then hands
// storage-ready projections to the per-device write queue: at most one
// write in flight per device, one pending slot, newest wins.

// markDirtyLocked records a persistence candidate and arms the flush
// timer if needed. Caller holds s.mu.
func (s *Store) markDirtyLocked(rec *Record) {
	if rec.Info.ConnectionID == "" {
		return
	}
	s.dirty[rec.Info.ID] = struct{}{}

	if s.flushTimer == nil && s.started && !s.stopped {
		s.flushTimer = time.AfterFunc(s.opts.FlushInterval, s.flushTick)
	}
}

// flushTick snapshots and clears the dirty set and enqueues one write
// per affected device. The timer re-arms only if the set refilled while
// snapshots were being enqueued; otherwise the next markDirty re-arms.
func (s *Store) flushTick() {
	s.mu.Lock()
	s.flushTimer = nil
	batch := s.collectDirtyLocked()
	for _, snap := range batch {
		s.enqueueLocked(snap)
	}
	if len(s.dirty) > 0 && s.started && !s.stopped {
		s.flushTimer = time.AfterFunc(s.opts.FlushInterval, s.flushTick)
	}
	s.mu.Unlock()
}

// collectDirtyLocked drains the dirty set into storage-ready snapshots.
// Caller holds s.mu.
func (s *Store) collectDirtyLocked() []*Snapshot {
	if len(s.dirty) == 0 {
		return nil
	}
	batch := make([]*Snapshot, 0, len(s.dirty))
	for id := range s.dirty {
		delete(s.dirty, id)
		rec, ok := s.records[id]
		if !ok || rec.Info.ConnectionID == "" {
			continue
		}
		batch = append(batch, buildSnapshot(rec))
	}
	return batch
}

// enqueueLocked applies the depth-1 write discipline: if a write for the
// device is still outstanding, the snapshot replaces any previously
// queued one; otherwise a writer goroutine starts. Caller holds s.mu.
func (s *Store) enqueueLocked(snap *Snapshot) {
	if _, busy := s.inflight[snap.Key]; busy {
		s.pending[snap.Key] = snap
		return
	}
	s.inflight[snap.Key] = struct{}{}
	s.writers.Add(1)
	go s.writeLoop(snap.Key, snap)
}

// writeLoop drives writes for one device key until its pending slot is
// empty. Failures are swallowed beyond a log line: the device re-marks
// itself dirty on its next mutation and the following cycle resends a
// fresher snapshot.
func (s *Store) writeLoop(key string, snap *Snapshot) {
	defer s.writers.Done()
	for {
		if err := s.repo.Upsert(key, snap); err != nil {
			s.mu.Lock()
			logger := s.logger
			s.mu.Unlock()
			logger.Warn("snapshot write failed", "key", key, "error", err)
		}

		s.mu.Lock()
		next, queued := s.pending[key]
		if !queued {
			delete(s.inflight, key)
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		snap = next
	}
}
