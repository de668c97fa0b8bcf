package device

import (
	"time"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// Info is the externally visible projection of a device record.
type Info struct {
	// ID is the stable device identifier; every map in the engine is
	// keyed by it exclusively.
	ID string `json:"id"`

	// Name is the display name. Once a device explicitly assigns its own
	// name the field is locked: inferred candidates are ignored until the
	// next explicit rename. LockedName records the locking value.
	Name       string `json:"name,omitempty"`
	NameLocked bool   `json:"name_locked,omitempty"`
	LockedName string `json:"locked_name,omitempty"`

	// Signal is the wifi signal quality percentage; nil when unknown.
	Signal *int `json:"signal,omitempty"`

	// PowerChannels is a strictly ascending, duplicate-free channel list.
	// It is recomputed from the raw archive, never incrementally patched.
	PowerChannels []tasmota.Channel `json:"power_channels,omitempty"`

	// ConnectionID is the owning message-bus connection. Records without
	// one are never persisted.
	ConnectionID string `json:"connection_id,omitempty"`

	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`

	// Topic is the device's topic alias on the bus.
	Topic string `json:"topic,omitempty"`

	Module   string `json:"module,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	IP       string `json:"ip,omitempty"`
	Uptime   string `json:"uptime,omitempty"`

	// Backup bookkeeping maintained by operator actions.
	BackupCount    int       `json:"backup_count,omitempty"`
	LastBackup     time.Time `json:"last_backup"`
	BackupInterval int       `json:"backup_interval,omitempty"`

	// UIPrefs is an opaque presentation-layer blob, round-tripped
	// verbatim through persistence.
	UIPrefs map[string]any `json:"ui_prefs,omitempty"`
}

// Record is one device's full engine state. Exclusively owned by the
// Store; external callers always receive deep copies.
type Record struct {
	Info Info `json:"info"`

	// Raw is the append-only-by-key archive mapping "scope/TYPE" to the
	// most recently merged payload for that key. It is the substrate the
	// power-channel resolver re-derives from, so it is never pruned
	// during a session.
	Raw map[string]map[string]any `json:"raw,omitempty"`

	// WebButtonLabels maps channel number to human label, kept outside
	// Raw because labels are low-churn and must survive independent of
	// archive growth.
	WebButtonLabels map[int]string `json:"web_button_labels,omitempty"`

	// Properties holds grouped numbered-entity values (Switch, Var, Mem,
	// T) keyed by group name then slot number.
	Properties map[string]map[int]any `json:"properties,omitempty"`

	// Rules maps rule slot number to rule state.
	Rules map[int]tasmota.Rule `json:"rules,omitempty"`

	// Transient bootstrap and edit-session state. Never persisted, never
	// hydrated, dropped from deep copies.
	poll    pollState
	editing map[int]bool
}

// newRecord creates an empty record for an id.
func newRecord(id string) *Record {
	return &Record{
		Info:            Info{ID: id},
		Raw:             make(map[string]map[string]any),
		WebButtonLabels: make(map[int]string),
		Properties:      make(map[string]map[int]any),
		Rules:           make(map[int]tasmota.Rule),
	}
}

// DeepCopy creates an independent copy of the record. Transient poll and
// edit-session state is not carried over.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}

	cpy := Record{Info: r.Info}
	cpy.Info.UIPrefs = deepCopyMap(r.Info.UIPrefs)

	if r.Info.PowerChannels != nil {
		cpy.Info.PowerChannels = make([]tasmota.Channel, len(r.Info.PowerChannels))
		copy(cpy.Info.PowerChannels, r.Info.PowerChannels)
	}
	if r.Info.Signal != nil {
		v := *r.Info.Signal
		cpy.Info.Signal = &v
	}

	cpy.Raw = deepCopyArchive(r.Raw)

	if r.WebButtonLabels != nil {
		cpy.WebButtonLabels = make(map[int]string, len(r.WebButtonLabels))
		for k, v := range r.WebButtonLabels {
			cpy.WebButtonLabels[k] = v
		}
	}

	if r.Properties != nil {
		cpy.Properties = make(map[string]map[int]any, len(r.Properties))
		for group, slots := range r.Properties {
			inner := make(map[int]any, len(slots))
			for slot, v := range slots {
				inner[slot] = deepCopyValue(v)
			}
			cpy.Properties[group] = inner
		}
	}

	if r.Rules != nil {
		cpy.Rules = make(map[int]tasmota.Rule, len(r.Rules))
		for slot, rule := range r.Rules {
			cpy.Rules[slot] = rule
		}
	}

	return &cpy
}

// deepCopyArchive clones a raw-message archive.
func deepCopyArchive(archive map[string]map[string]any) map[string]map[string]any {
	if archive == nil {
		return nil
	}
	cpy := make(map[string]map[string]any, len(archive))
	for key, payload := range archive {
		cpy[key] = deepCopyMap(payload)
	}
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives are safe to copy by value.
		return v
	}
}
