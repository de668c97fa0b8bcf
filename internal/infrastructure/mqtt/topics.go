package mqtt

import (
	"fmt"
	"strings"
)

// Tasmota topic prefixes. The prefix names the message category:
// telemetry, command results, or commands.
const (
	// PrefixTele carries periodic telemetry (STATE, SENSOR, LWT, INFO1-3).
	PrefixTele = "tele"

	// PrefixStat carries command acknowledgements (RESULT, POWER, STATUS0-11).
	PrefixStat = "stat"

	// PrefixCmnd is the command prefix. The engine publishes here and never
	// subscribes to it.
	PrefixCmnd = "cmnd"
)

// SystemStatusPrefix is the base for the engine's own status topics,
// distinct from any Tasmota device namespace.
const SystemStatusPrefix = "tasfleet/system"

// discoveryNamespace is Tasmota's SetOption19 discovery tree. Discovery
// payloads have their own schema and are not device telemetry.
const discoveryNamespace = "tasmota/discovery"

// ParsedTopic is the result of classifying a Tasmota topic.
type ParsedTopic struct {
	// Prefix is PrefixTele or PrefixStat.
	Prefix string

	// DeviceTopic is the device's %topic% value. May contain slashes when
	// the device uses a multi-level topic.
	DeviceTopic string

	// Type is the final topic segment: STATE, SENSOR, RESULT, LWT,
	// STATUS..STATUS11, POWER, POWER2, and so on.
	Type string
}

// IsLWT reports whether the topic is a Last Will and Testament
// (liveness) message.
func (p ParsedTopic) IsLWT() bool {
	return p.Type == "LWT"
}

// ParseTopic classifies a raw MQTT topic against Tasmota's two topic
// orderings:
//
//	%prefix%/%topic%/TYPE   tele/sonoff-garage/STATE   (firmware default)
//	%topic%/%prefix%/TYPE   sonoff-garage/tele/STATE
//
// Multi-level device topics are supported in both orderings; the prefix
// and type segments anchor the parse and whatever remains is the device
// topic.
//
// Topics under the discovery namespace, cmnd topics, and topics that
// match neither ordering return ErrNotTasmota.
func ParseTopic(topic string) (ParsedTopic, error) {
	if strings.HasPrefix(topic, discoveryNamespace+"/") {
		return ParsedTopic{}, fmt.Errorf("%w: discovery topic %q", ErrNotTasmota, topic)
	}

	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return ParsedTopic{}, fmt.Errorf("%w: %q", ErrNotTasmota, topic)
	}

	msgType := segments[len(segments)-1]

	// %prefix%/%topic%/TYPE
	if isScopePrefix(segments[0]) {
		return ParsedTopic{
			Prefix:      segments[0],
			DeviceTopic: strings.Join(segments[1:len(segments)-1], "/"),
			Type:        msgType,
		}, nil
	}

	// %topic%/%prefix%/TYPE
	if penultimate := segments[len(segments)-2]; isScopePrefix(penultimate) {
		return ParsedTopic{
			Prefix:      penultimate,
			DeviceTopic: strings.Join(segments[:len(segments)-2], "/"),
			Type:        msgType,
		}, nil
	}

	return ParsedTopic{}, fmt.Errorf("%w: %q", ErrNotTasmota, topic)
}

// isScopePrefix reports whether a segment is a subscribable Tasmota prefix.
// cmnd is deliberately excluded: the engine issues commands, it does not
// ingest them.
func isScopePrefix(segment string) bool {
	return segment == PrefixTele || segment == PrefixStat
}

// CommandTopic builds the cmnd topic for a device command.
//
// Example: CommandTopic("sonoff-garage", "Power1") = "cmnd/sonoff-garage/Power1"
func CommandTopic(deviceTopic, command string) string {
	return fmt.Sprintf("%s/%s/%s", PrefixCmnd, deviceTopic, command)
}

// TasmotaSubscriptions returns the wildcard patterns covering both topic
// orderings for telemetry and command results.
//
// The %topic%/%prefix% patterns only match single-level device topics;
// multi-level topics in that ordering are rare enough that a broad
// subscription is not worth the traffic.
func TasmotaSubscriptions() []string {
	return []string{
		"tele/#",
		"stat/#",
		"+/tele/#",
		"+/stat/#",
	}
}

// SystemStatusTopic returns the engine's own status topic used for the
// service LWT and online/offline announcements.
//
// Example: tasfleet/system/status
func SystemStatusTopic() string {
	return fmt.Sprintf("%s/status", SystemStatusPrefix)
}
