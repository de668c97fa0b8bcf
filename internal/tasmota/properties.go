package tasmota

import (
	"regexp"
	"strconv"
)

// Numbered-entity key conventions. Group names match the key prefix
// Tasmota uses in payloads: Switch inputs, Var/Mem auxiliary slots, and
// T (rule timer) slots.
var propertyGroupRes = map[string]*regexp.Regexp{
	"Switch": regexp.MustCompile(`^Switch(\d+)$`),
	"Var":    regexp.MustCompile(`^Var(\d+)$`),
	"Mem":    regexp.MustCompile(`^Mem(\d+)$`),
	"T":      regexp.MustCompile(`^T(\d+)$`),
}

// ExtractProperties mines grouped numbered-entity values from a payload:
// group name -> slot number -> value. Returns nil when the payload
// carries none.
func ExtractProperties(payload map[string]any) map[string]map[int]any {
	var groups map[string]map[int]any
	p := Unwrap(payload)
	for k, v := range p {
		for group, re := range propertyGroupRes {
			m := re.FindStringSubmatch(k)
			if m == nil {
				continue
			}
			slot, err := strconv.Atoi(m[1])
			if err != nil || slot < 1 {
				continue
			}
			if groups == nil {
				groups = make(map[string]map[int]any)
			}
			if groups[group] == nil {
				groups[group] = make(map[int]any)
			}
			groups[group][slot] = v
			break
		}
	}
	return groups
}

// ExtractLabels mines WebButton channel labels from a payload.
// Returns nil when none are present.
func ExtractLabels(payload map[string]any) map[int]string {
	var labels map[int]string
	for k, v := range payload {
		m := webButtonKeyRe.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id < 1 {
			continue
		}
		label := stringValue(v)
		if label == "" {
			continue
		}
		if labels == nil {
			labels = make(map[int]string)
		}
		labels[id] = label
	}
	return labels
}
