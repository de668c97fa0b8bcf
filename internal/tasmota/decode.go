package tasmota

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Scope classifies where in the Tasmota topic hierarchy a message
// originated. The transport layer derives it from the topic prefix.
type Scope string

// Scope constants.
const (
	// ScopeTele is periodic state telemetry (tele/... topics).
	ScopeTele Scope = "tele"

	// ScopeStat is command acknowledgements and results (stat/... topics).
	ScopeStat Scope = "stat"
)

// ArchiveKey returns the raw-archive key for a scope and message type,
// e.g. "tele/STATE" or "stat/RESULT".
func ArchiveKey(scope Scope, msgType string) string {
	return string(scope) + "/" + msgType
}

// Bare-scalar message types whose payload is a single value rather than a
// JSON object. The scalar is synthesised into a one-key object using the
// key spelling the same fact would have inside a JSON payload.
var (
	powerTypeRe     = regexp.MustCompile(`^POWER(\d*)$`)
	varTypeRe       = regexp.MustCompile(`^VAR(\d+)$`)
	memTypeRe       = regexp.MustCompile(`^MEM(\d+)$`)
	ruleTimerTypeRe = regexp.MustCompile(`^(?:T|RULETIMER)(\d+)$`)
)

// DecodePayload turns a raw message payload into a shallow key/value
// object.
//
// JSON object payloads decode as-is. Bare scalars for known single-value
// message types (relay power, numbered Var/Mem/RuleTimer) are synthesised
// into the object form the same value takes inside a structured payload,
// so the merge rules downstream never see two shapes for one fact.
// Unrecognised scalars are kept under the message type itself; they will
// be archived but drive no field extraction.
//
// Returns nil for payloads that decode to nothing useful (empty input,
// JSON null).
func DecodePayload(msgType string, raw []byte) map[string]any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err == nil {
			return m
		}
		// Malformed JSON degrades to a scalar archive entry.
	}

	return map[string]any{scalarKey(msgType): string(trimmed)}
}

// scalarKey maps a bare-scalar message type to the payload key the same
// value uses in structured payloads (POWER1, Var1, Mem1, T1).
func scalarKey(msgType string) string {
	upper := strings.ToUpper(msgType)

	if m := powerTypeRe.FindStringSubmatch(upper); m != nil {
		return "POWER" + m[1]
	}
	if m := varTypeRe.FindStringSubmatch(upper); m != nil {
		return "Var" + m[1]
	}
	if m := memTypeRe.FindStringSubmatch(upper); m != nil {
		return "Mem" + m[1]
	}
	if m := ruleTimerTypeRe.FindStringSubmatch(upper); m != nil {
		return "T" + m[1]
	}

	return msgType
}

// IsPowerType reports whether a message type is itself a relay-power
// message (POWER, POWER1..POWER8 and so on).
func IsPowerType(msgType string) bool {
	return powerTypeRe.MatchString(strings.ToUpper(msgType))
}
