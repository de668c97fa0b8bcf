package device

import (
	"reflect"
	"strings"
	"time"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// reservedNamespaces are topic segments that look like device ids but
// carry discovery/broadcast traffic and must never create records.
var reservedNamespaces = map[string]struct{}{
	"discovery": {},
	"tasmotas":  {},
	"sonoffs":   {},
}

func isReservedID(id string) bool {
	_, reserved := reservedNamespaces[strings.ToLower(id)]
	return reserved
}

// Ingest folds one decoded message into the device's record.
//
// The payload is merged into the raw archive for scope/msgType (shallow,
// new keys win), channel labels and grouped numbered properties are
// extracted opportunistically, rule containers are reconciled, and the
// message-class-appropriate info fields refresh. Power channels are
// recomputed whenever the message is power-related or a full-state
// report. Unrecognised message types are archived but drive no field
// extraction — never an error.
//
// The record is marked dirty and subscribers notified only when
// something actually changed, so re-ingesting an identical message is a
// no-op for persistence.
func (s *Store) Ingest(deviceID string, scope tasmota.Scope, msgType string, payload map[string]any, connectionID string) {
	if deviceID == "" || isReservedID(deviceID) || len(payload) == 0 {
		return
	}

	s.mu.Lock()
	rec, created := s.recordLocked(deviceID)
	changed := created

	if connectionID != "" && rec.Info.ConnectionID != connectionID {
		rec.Info.ConnectionID = connectionID
		changed = true
	}
	// LastSeen refreshes on every message but never dirties a record on
	// its own; otherwise duplicate delivery would defeat idempotence.
	rec.Info.LastSeen = time.Now().UTC()
	if !rec.Info.Online {
		rec.Info.Online = true
		changed = true
	}

	if mergeArchive(rec, tasmota.ArchiveKey(scope, msgType), payload) {
		changed = true
	}
	if mergeLabels(rec, tasmota.ExtractLabels(payload)) {
		changed = true
	}
	if mergeProperties(rec, tasmota.ExtractProperties(payload)) {
		changed = true
	}
	if mergeRules(rec, tasmota.DecodeRuleUpdates(payload)) {
		changed = true
	}

	fields := tasmota.ExtractFields(tasmota.Classify(msgType), payload)
	if applyFields(rec, fields) {
		changed = true
	}
	if applyName(rec, fields) {
		changed = true
	}

	if powerRelated(msgType) && recomputeChannels(rec) {
		changed = true
	}

	var subs []func()
	if changed {
		s.markDirtyLocked(rec)
		subs = s.subscribersLocked()
	}
	s.updatePollLocked(rec)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// SetOnline applies a pre-classified liveness message (MQTT last will).
// The record is created on first reference like any other message.
func (s *Store) SetOnline(deviceID, connectionID string, online bool) {
	if deviceID == "" || isReservedID(deviceID) {
		return
	}

	s.mu.Lock()
	rec, created := s.recordLocked(deviceID)
	changed := created
	if connectionID != "" && rec.Info.ConnectionID != connectionID {
		rec.Info.ConnectionID = connectionID
		changed = true
	}
	if online {
		rec.Info.LastSeen = time.Now().UTC()
	}
	if rec.Info.Online != online {
		rec.Info.Online = online
		changed = true
	}

	var subs []func()
	if changed {
		s.markDirtyLocked(rec)
		subs = s.subscribersLocked()
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// mergeArchive shallow-merges a payload into the archive entry for key.
// New keys win; values are deep-copied so the archive never aliases
// caller memory.
func mergeArchive(rec *Record, key string, payload map[string]any) bool {
	entry, ok := rec.Raw[key]
	if !ok {
		entry = make(map[string]any, len(payload))
		rec.Raw[key] = entry
	}

	changed := false
	for k, v := range payload {
		if old, exists := entry[k]; !exists || !reflect.DeepEqual(old, v) {
			entry[k] = deepCopyValue(v)
			changed = true
		}
	}
	return changed
}

func mergeLabels(rec *Record, labels map[int]string) bool {
	changed := false
	for ch, label := range labels {
		if rec.WebButtonLabels[ch] != label {
			rec.WebButtonLabels[ch] = label
			changed = true
		}
	}
	return changed
}

func mergeProperties(rec *Record, groups map[string]map[int]any) bool {
	changed := false
	for group, slots := range groups {
		existing := rec.Properties[group]
		if existing == nil {
			existing = make(map[int]any, len(slots))
			rec.Properties[group] = existing
		}
		for slot, v := range slots {
			if old, ok := existing[slot]; !ok || !reflect.DeepEqual(old, v) {
				existing[slot] = deepCopyValue(v)
				changed = true
			}
		}
	}
	return changed
}

func mergeRules(rec *Record, updates map[int]tasmota.RuleUpdate) bool {
	changed := false
	for slot, update := range updates {
		existing := rec.Rules[slot]
		merged := tasmota.ReconcileRule(existing, update, rec.editing[slot])
		if merged != existing {
			rec.Rules[slot] = merged
			changed = true
		} else if _, known := rec.Rules[slot]; !known {
			rec.Rules[slot] = merged
			changed = true
		}
	}
	return changed
}

// applyFields copies the non-empty candidate values into the record.
func applyFields(rec *Record, f tasmota.Fields) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&rec.Info.IP, f.IP)
	set(&rec.Info.Uptime, f.Uptime)
	set(&rec.Info.Firmware, f.Firmware)
	set(&rec.Info.Module, f.Module)
	set(&rec.Info.Topic, f.Topic)

	if f.Signal != nil && (rec.Info.Signal == nil || *rec.Info.Signal != *f.Signal) {
		v := *f.Signal
		rec.Info.Signal = &v
		changed = true
	}
	return changed
}

// applyName applies the deterministic name-resolution precedence:
//
//  1. An explicit device-assigned name always wins and locks the name.
//  2. Once locked, no inferred candidate is accepted.
//  3. A friendly advisory name is accepted only while the record has no
//     meaningful name (empty, or equal to its topic alias).
//  4. The topic alias itself is the fallback, only for nameless records.
func applyName(rec *Record, f tasmota.Fields) bool {
	switch f.NameSource {
	case tasmota.NameSourceExplicit:
		if rec.Info.Name == f.Name && rec.Info.NameLocked {
			return false
		}
		rec.Info.Name = f.Name
		rec.Info.NameLocked = true
		rec.Info.LockedName = f.Name
		return true

	case tasmota.NameSourceFriendly:
		if rec.Info.NameLocked {
			return false
		}
		if rec.Info.Name == "" || rec.Info.Name == rec.Info.Topic {
			if rec.Info.Name != f.Name {
				rec.Info.Name = f.Name
				return true
			}
		}
		return false
	}

	// Topic-alias fallback for records that still have no name at all.
	if !rec.Info.NameLocked && rec.Info.Name == "" && rec.Info.Topic != "" {
		rec.Info.Name = rec.Info.Topic
		return true
	}
	return false
}

// powerRelated reports whether a message type can change relay
// knowledge: a relay-power message itself, or a full-state report that
// embeds relay keys.
func powerRelated(msgType string) bool {
	if tasmota.IsPowerType(msgType) {
		return true
	}
	switch strings.ToUpper(msgType) {
	case "RESULT", "STATE", "STATUS", "STATUS11":
		return true
	}
	return false
}

// recomputeChannels re-derives the channel list from the raw archive.
func recomputeChannels(rec *Record) bool {
	channels := tasmota.ResolveChannels(rec.Raw, rec.WebButtonLabels)
	if len(channels) == 0 && len(rec.Info.PowerChannels) == 0 {
		return false
	}
	if reflect.DeepEqual(rec.Info.PowerChannels, channels) {
		return false
	}
	rec.Info.PowerChannels = channels
	return true
}
