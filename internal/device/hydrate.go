package device

import (
	"reflect"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// Hydrate merges persisted snapshots into the store. Idempotent and
// callable at any time, not just startup: a record already populated by
// live traffic keeps its live values for transient fields and for raw
// archive entries observed this session, while persisted fields that
// live traffic cannot re-derive (backup history, UI preferences,
// auto-backup interval, rule text) merge in with persisted-wins-unless-
// absent semantics. Derived fields are recomputed through the same
// resolver path as live ingest, so a cold start converges on the state a
// warm process would have reached from the same raw history.
//
// Hydration never marks records dirty — writing back what was just read
// would be churn — but it does notify subscribers for changed records.
func (s *Store) Hydrate(snapshots []Snapshot) {
	notified := false

	s.mu.Lock()
	for i := range snapshots {
		snap := &snapshots[i]
		if snap.DeviceID == "" || isReservedID(snap.DeviceID) {
			continue
		}
		rec, created := s.recordLocked(snap.DeviceID)
		if s.hydrateRecordLocked(rec, snap, created) {
			notified = true
		}
		s.updatePollLocked(rec)
	}
	var subs []func()
	if notified {
		subs = s.subscribersLocked()
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// hydrateRecordLocked merges one snapshot into a record. Caller holds
// s.mu. Reports whether anything changed.
func (s *Store) hydrateRecordLocked(rec *Record, snap *Snapshot, created bool) bool {
	changed := created

	if rec.Info.ConnectionID == "" && snap.ConnectionID != "" {
		rec.Info.ConnectionID = snap.ConnectionID
		changed = true
	}

	// Identity-ish strings: live traffic wins; persisted fills gaps.
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&rec.Info.Topic, snap.Topic)
	fill(&rec.Info.Module, snap.Module)
	fill(&rec.Info.Firmware, snap.Firmware)
	fill(&rec.Info.IP, snap.IP)
	fill(&rec.Info.Uptime, snap.Uptime)

	if rec.Info.Name == "" && snap.Name != "" {
		rec.Info.Name = snap.Name
		rec.Info.NameLocked = snap.NameLocked
		if snap.NameLocked {
			rec.Info.LockedName = snap.Name
		}
		changed = true
	}

	// Persisted-wins-unless-absent: fields live traffic cannot re-derive.
	if snap.BackupCount > 0 && snap.BackupCount != rec.Info.BackupCount {
		rec.Info.BackupCount = snap.BackupCount
		changed = true
	}
	if !snap.LastBackup.IsZero() && !snap.LastBackup.Equal(rec.Info.LastBackup) {
		rec.Info.LastBackup = snap.LastBackup
		changed = true
	}
	if snap.BackupInterval > 0 && snap.BackupInterval != rec.Info.BackupInterval {
		rec.Info.BackupInterval = snap.BackupInterval
		changed = true
	}
	if snap.UIPrefs != nil && !reflect.DeepEqual(snap.UIPrefs, rec.Info.UIPrefs) {
		rec.Info.UIPrefs = deepCopyMap(snap.UIPrefs)
		changed = true
	}

	// Raw archive: only keys this session has not observed merge in, so
	// a stale snapshot cannot clobber fresher live payloads.
	for key, payload := range snap.Raw {
		if _, seen := rec.Raw[key]; seen {
			continue
		}
		rec.Raw[key] = deepCopyMap(payload)
		changed = true
	}

	for ch, label := range snap.WebButtonLabels {
		if _, seen := rec.WebButtonLabels[ch]; !seen {
			rec.WebButtonLabels[ch] = label
			changed = true
		}
	}

	// Rules: a slot live traffic populated keeps its live text (the echo
	// pair included); persisted rules fill the remaining slots.
	for slot, rule := range snap.Rules {
		existing, known := rec.Rules[slot]
		if !known || existing.Text == "" {
			if known {
				// Keep live flags when only text was missing.
				rule.Enabled = existing.Enabled
				rule.Once = existing.Once
				rule.StopOnError = existing.StopOnError
			}
			rec.Rules[slot] = rule
			changed = true
		}
	}

	// Re-derive channels and numbered properties from the merged archive
	// exactly as live ingest would.
	if recomputeChannels(rec) {
		changed = true
	}
	for _, payload := range rec.Raw {
		if mergeProperties(rec, tasmota.ExtractProperties(payload)) {
			changed = true
		}
	}

	return changed
}
