package tasmota

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Channel is one switchable relay output on a device.
type Channel struct {
	// ID is the 1-based relay number.
	ID int `json:"id"`

	// State is the last-known relay state; nil when no state-bearing
	// message has been seen for this channel yet.
	State *bool `json:"state,omitempty"`

	// Label is the human-readable channel label, if one is known.
	Label string `json:"label,omitempty"`
}

var (
	relayKeyRe     = regexp.MustCompile(`^POWER(\d*)$`)
	webButtonKeyRe = regexp.MustCompile(`^WebButton(\d+)$`)
)

// Archive keys whose relay states are authoritative, in ascending
// precedence order: a later entry's state overwrites an earlier one's.
// All other archive entries are secondary sources that only fill a
// channel whose state is still unknown.
var primaryStateKeys = []string{
	"stat/STATUS11",
	"tele/STATE",
	"stat/POWER",
	"stat/RESULT",
}

// isPrimaryStateKey reports whether an archive key is consumed by the
// primary-precedence pass, so the secondary pass must skip it. The
// stat/POWER prefix covers the numbered stat/POWER<n> entries.
func isPrimaryStateKey(key string) bool {
	if strings.HasPrefix(key, "stat/POWER") {
		return true
	}
	for _, primary := range primaryStateKeys {
		if key == primary {
			return true
		}
	}
	return false
}

// Nested payload keys whose sub-objects are also scanned for relay keys.
// StatusSTS appears un-unwrapped inside archived STATUS11 payloads.
var nestedRelayGroups = []string{"StatusSTS", "Status"}

// ResolveChannels derives the sorted distinct channel list from a
// device's raw-message archive.
//
// Channel existence uses the broadest possible scan — every archived
// payload, top level and known nested groupings — so a channel observed
// once is never forgotten when later messages omit it. Channel state uses
// a narrow precedence: primary state-bearing archive entries always win,
// secondary entries only fill channels whose state is still unknown
// (first writer wins among secondaries). Labels prefer the override map;
// WebButton values mined from the archive are the fallback.
func ResolveChannels(archive map[string]map[string]any, labelOverrides map[int]string) []Channel {
	states := make(map[int]*bool)
	minedLabels := make(map[int]string)
	exists := make(map[int]bool)

	// Existence and label pass: everything, broadest scan.
	for _, payload := range archive {
		scanRelayKeys(payload, exists, minedLabels)
	}

	// Secondary state pass: first writer per channel wins.
	for key, payload := range archive {
		if isPrimaryStateKey(key) {
			continue
		}
		applyStates(payload, states, false)
	}

	// Primary state pass: ascending precedence, later overwrites.
	for _, primary := range primaryStateKeys {
		if primary == "stat/POWER" {
			for key, payload := range archive {
				if strings.HasPrefix(key, "stat/POWER") {
					applyStates(payload, states, true)
				}
			}
			continue
		}
		if payload, ok := archive[primary]; ok {
			applyStates(payload, states, true)
		}
	}

	ids := make([]int, 0, len(exists))
	for id := range exists {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	channels := make([]Channel, 0, len(ids))
	for _, id := range ids {
		ch := Channel{ID: id, State: states[id]}
		if label, ok := labelOverrides[id]; ok && label != "" {
			ch.Label = label
		} else {
			ch.Label = minedLabels[id]
		}
		channels = append(channels, ch)
	}
	return channels
}

// RelayStates mines the relay transitions one payload announces: every
// top-level POWER / POWER<n> key with a parseable state. Used for
// telemetry on individual messages; the archive-wide view stays with
// ResolveChannels.
func RelayStates(payload map[string]any) map[int]bool {
	var states map[int]bool
	for k, v := range payload {
		id, ok := relayID(k)
		if !ok {
			continue
		}
		state, ok := parseRelayState(v)
		if !ok {
			continue
		}
		if states == nil {
			states = make(map[int]bool)
		}
		states[id] = state
	}
	return states
}

// scanRelayKeys records every relay id and WebButton label present in a
// payload, descending into the known nested groupings.
func scanRelayKeys(payload map[string]any, exists map[int]bool, labels map[int]string) {
	for k, v := range payload {
		if id, ok := relayID(k); ok {
			exists[id] = true
			continue
		}
		if m := webButtonKeyRe.FindStringSubmatch(k); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil && id > 0 {
				if label := stringValue(v); label != "" {
					labels[id] = label
				}
			}
			continue
		}
		for _, group := range nestedRelayGroups {
			if k == group {
				if inner, ok := v.(map[string]any); ok {
					scanRelayKeys(inner, exists, labels)
				}
			}
		}
	}
}

// applyStates resolves relay states from one payload. With overwrite set
// the payload is a primary source and replaces any previous conclusion;
// otherwise it only fills channels whose state is still unknown.
func applyStates(payload map[string]any, states map[int]*bool, overwrite bool) {
	for k, v := range payload {
		id, ok := relayID(k)
		if !ok {
			// Primary STATUS11 archives keep their StatusSTS nesting.
			for _, group := range nestedRelayGroups {
				if k == group {
					if inner, ok := v.(map[string]any); ok {
						applyStates(inner, states, overwrite)
					}
				}
			}
			continue
		}
		state, ok := parseRelayState(v)
		if !ok {
			continue
		}
		if overwrite || states[id] == nil {
			s := state
			states[id] = &s
		}
	}
}

// relayID maps a POWER / POWER<n> key to its channel id. Bare POWER is
// channel 1.
func relayID(key string) (int, bool) {
	m := relayKeyRe.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	if m[1] == "" {
		return 1, true
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// parseRelayState interprets the relay state spellings Tasmota uses.
func parseRelayState(v any) (bool, bool) {
	switch s := v.(type) {
	case string:
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "ON", "1", "TRUE":
			return true, true
		case "OFF", "0", "FALSE":
			return false, true
		}
	case float64:
		return s != 0, true
	case bool:
		return s, true
	}
	return false, false
}
