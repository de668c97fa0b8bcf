package device

import (
	"time"

	"github.com/nerrad567/tasfleet/internal/tasmota"
)

// DefaultConnectionID partitions snapshot keys for records whose owning
// connection was never recorded (older snapshots).
const DefaultConnectionID = "local"

// Snapshot is the canonical, storage-ready projection of a device record
// used for durable persistence and rehydration. Transient fields (online
// flag, poll state, edit sessions) are deliberately absent.
type Snapshot struct {
	// Key is the storage document key: <connection id>_<device id>.
	// Records from different fleets never collide.
	Key string `json:"_id"`

	DeviceID     string `json:"device_id"`
	ConnectionID string `json:"connection_id,omitempty"`

	Name       string `json:"name,omitempty"`
	NameLocked bool   `json:"name_locked,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Module     string `json:"module,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	IP         string `json:"ip,omitempty"`
	Uptime     string `json:"uptime,omitempty"`

	Raw             map[string]map[string]any `json:"raw,omitempty"`
	Rules           map[int]tasmota.Rule      `json:"rules,omitempty"`
	WebButtonLabels map[int]string            `json:"web_button_labels,omitempty"`

	BackupCount    int       `json:"backup_count,omitempty"`
	LastBackup     time.Time `json:"last_backup"`
	BackupInterval int       `json:"backup_interval,omitempty"`

	UIPrefs map[string]any `json:"ui_prefs,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// SnapshotKey builds the storage document key for a device.
func SnapshotKey(connectionID, deviceID string) string {
	if connectionID == "" {
		connectionID = DefaultConnectionID
	}
	return connectionID + "_" + deviceID
}

// buildSnapshot projects a record into its storage form. All reference
// fields are deep-copied so the snapshot stays consistent while the
// record keeps mutating during the asynchronous write.
func buildSnapshot(rec *Record) *Snapshot {
	snap := &Snapshot{
		Key:            SnapshotKey(rec.Info.ConnectionID, rec.Info.ID),
		DeviceID:       rec.Info.ID,
		ConnectionID:   rec.Info.ConnectionID,
		Name:           rec.Info.Name,
		NameLocked:     rec.Info.NameLocked,
		Topic:          rec.Info.Topic,
		Module:         rec.Info.Module,
		Firmware:       rec.Info.Firmware,
		IP:             rec.Info.IP,
		Uptime:         rec.Info.Uptime,
		Raw:            deepCopyArchive(rec.Raw),
		BackupCount:    rec.Info.BackupCount,
		LastBackup:     rec.Info.LastBackup,
		BackupInterval: rec.Info.BackupInterval,
		UIPrefs:        deepCopyMap(rec.Info.UIPrefs),
		SavedAt:        time.Now().UTC(),
	}

	if len(rec.Rules) > 0 {
		snap.Rules = make(map[int]tasmota.Rule, len(rec.Rules))
		for slot, rule := range rec.Rules {
			snap.Rules[slot] = rule
		}
	}
	if len(rec.WebButtonLabels) > 0 {
		snap.WebButtonLabels = make(map[int]string, len(rec.WebButtonLabels))
		for ch, label := range rec.WebButtonLabels {
			snap.WebButtonLabels[ch] = label
		}
	}

	return snap
}
