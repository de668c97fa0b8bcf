package tasmota

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MessageClass groups message types by which fields they are allowed to
// refresh. Classification happens once at ingest; the normalisers below
// never inspect the message type themselves.
type MessageClass int

// Message classes.
const (
	// ClassOther drives no field extraction; the payload is archived only.
	ClassOther MessageClass = iota

	// ClassState is a periodic state report (STATE, SENSOR).
	// Refreshes ip, uptime, signal quality, and name.
	ClassState

	// ClassResult is a command acknowledgement or status response
	// (RESULT, STATUS..STATUS11). Refreshes topic alias, module,
	// firmware, ip, uptime, and name.
	ClassResult

	// ClassInfo is a boot announcement (INFO1..INFO3).
	// Refreshes module, firmware, ip, and name.
	ClassInfo
)

// Classify maps a message type token to its MessageClass.
func Classify(msgType string) MessageClass {
	upper := strings.ToUpper(msgType)
	switch {
	case upper == "STATE" || upper == "SENSOR":
		return ClassState
	case upper == "RESULT" || strings.HasPrefix(upper, "STATUS"):
		return ClassResult
	case strings.HasPrefix(upper, "INFO"):
		return ClassInfo
	default:
		return ClassOther
	}
}

// NameSource ranks how a name candidate was derived. Higher sources win;
// see the precedence rules on Fields.
type NameSource int

// Name candidate sources.
const (
	// NameSourceNone means the payload carried no name candidate.
	NameSourceNone NameSource = iota

	// NameSourceTopic is a fallback derived from the topic alias.
	// Accepted only when the record has no name at all.
	NameSourceTopic

	// NameSourceFriendly is an advisory FriendlyName. Accepted only when
	// the record has no meaningful name yet.
	NameSourceFriendly

	// NameSourceExplicit is a device-assigned DeviceName. Always wins and
	// locks the name permanently.
	NameSourceExplicit
)

// Fields holds the typed candidate values one payload contributes.
// Zero values mean "not present in this payload".
type Fields struct {
	IP       string
	Uptime   string
	Firmware string
	Module   string
	Topic    string

	// Signal is the wifi signal quality percentage; nil when absent.
	Signal *int

	Name       string
	NameSource NameSource
}

// statusWrapperRe matches the wrapper keys Tasmota nests status payload
// content under: Status, StatusFWR, StatusNET, StatusSTS, Info1, ...
var statusWrapperRe = regexp.MustCompile(`^(Status\w*|Info\d)$`)

// Unwrap flattens known status/info wrapper objects into the top level.
// Non-wrapper keys are preserved; wrapper content wins on collision with
// the (rare) duplicated top-level key.
func Unwrap(payload map[string]any) map[string]any {
	var wrapped map[string]any
	for k, v := range payload {
		inner, ok := v.(map[string]any)
		if !ok || !statusWrapperRe.MatchString(k) {
			continue
		}
		if wrapped == nil {
			wrapped = make(map[string]any, len(payload)+len(inner))
			for pk, pv := range payload {
				wrapped[pk] = pv
			}
		}
		for ik, iv := range inner {
			wrapped[ik] = iv
		}
	}
	if wrapped == nil {
		return payload
	}
	return wrapped
}

// ExtractFields mines the candidate field values a payload of the given
// class is allowed to contribute. The payload is unwrapped first, so
// STATUS5 {"StatusNET":{"IPAddress":...}} and INFO2 {"IPAddress":...}
// feed the same key lookups.
func ExtractFields(class MessageClass, payload map[string]any) Fields {
	if class == ClassOther || payload == nil {
		return Fields{}
	}

	p := Unwrap(payload)
	var f Fields

	switch class {
	case ClassState:
		f.IP = stringValue(p["IPAddress"])
		f.Uptime = uptimeValue(p)
		f.Signal = signalValue(p)
	case ClassResult:
		f.Topic = stringValue(p["Topic"])
		f.Module = moduleValue(p["Module"])
		f.Firmware = stringValue(p["Version"])
		f.IP = stringValue(p["IPAddress"])
		f.Uptime = uptimeValue(p)
		f.Signal = signalValue(p)
	case ClassInfo:
		f.Module = moduleValue(p["Module"])
		f.Firmware = stringValue(p["Version"])
		f.IP = stringValue(p["IPAddress"])
	}

	f.Name, f.NameSource = nameCandidate(p)
	return f
}

// nameCandidate picks the strongest name candidate present in a payload.
func nameCandidate(p map[string]any) (string, NameSource) {
	if v := stringValue(p["DeviceName"]); v != "" {
		return v, NameSourceExplicit
	}
	if v := friendlyName(p); v != "" {
		return v, NameSourceFriendly
	}
	return "", NameSourceNone
}

// friendlyName extracts the first friendly name. STATUS carries an array
// under FriendlyName; RESULT echoes carry FriendlyName1.
func friendlyName(p map[string]any) string {
	switch v := p["FriendlyName"].(type) {
	case []any:
		if len(v) > 0 {
			return stringValue(v[0])
		}
	case string:
		return strings.TrimSpace(v)
	}
	return stringValue(p["FriendlyName1"])
}

// uptimeValue handles both spellings ("Uptime" in STATE, "UpTime" in
// StatusSTS).
func uptimeValue(p map[string]any) string {
	if v := stringValue(p["Uptime"]); v != "" {
		return v
	}
	return stringValue(p["UpTime"])
}

// moduleValue handles the three shapes a Module answer takes: a plain
// string, a number, or the keyed form {"1":"Sonoff Basic"}.
func moduleValue(v any) string {
	switch m := v.(type) {
	case string:
		return strings.TrimSpace(m)
	case float64:
		return strconv.Itoa(int(m))
	case map[string]any:
		for _, inner := range m {
			if s := stringValue(inner); s != "" {
				return s
			}
		}
	}
	return ""
}

// signalValue extracts wifi signal quality from a Wifi sub-object.
// RSSI is the quality percentage; Signal (dBm) is the fallback.
func signalValue(p map[string]any) *int {
	wifi, ok := p["Wifi"].(map[string]any)
	if !ok {
		return nil
	}
	if v, ok := intValue(wifi["RSSI"]); ok {
		return &v
	}
	if v, ok := intValue(wifi["Signal"]); ok {
		return &v
	}
	return nil
}

// stringValue renders a payload value as a trimmed string. Numbers are
// formatted without a trailing ".0"; unsupported shapes yield "".
func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return fmt.Sprintf("%g", s)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

// intValue converts a payload value to an int where possible.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}
