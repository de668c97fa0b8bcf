package tasmota

import (
	"regexp"
	"strconv"
	"strings"
)

// Rule is the state of one on-device automation rule slot.
type Rule struct {
	// Text is the operator-authored rule body, potentially containing
	// annotations the device itself would reject.
	Text string `json:"text"`

	Enabled     bool `json:"enabled"`
	Once        bool `json:"once"`
	StopOnError bool `json:"stop_on_error"`

	// OriginalText/SentText are the echo-suppression pair: the annotated
	// text as authored and the stripped text actually sent to the device.
	// When the device echoes SentText back, Text is restored from
	// OriginalText instead of accepting the stripped echo.
	OriginalText string `json:"original_text,omitempty"`
	SentText     string `json:"sent_text,omitempty"`
}

// RuleUpdate is the normalised form of an incoming rule container.
// Nil fields were not present in the message.
type RuleUpdate struct {
	Text        *string
	Enabled     *bool
	Once        *bool
	StopOnError *bool
}

// ruleFlagWords are the scalar spellings of a rule enable flag. Any other
// scalar is rule text.
func ruleFlag(s string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "1", "TRUE":
		return true, true
	case "OFF", "0", "FALSE":
		return false, true
	}
	return false, false
}

// DecodeRuleContainer normalises the shapes a rule slot value arrives in:
// a bare enable flag, bare rule text, or a structured object with
// historical key spellings (State/Enabled, Once, StopOnError, Rules/Rule/
// Text).
func DecodeRuleContainer(v any) RuleUpdate {
	var u RuleUpdate
	switch c := v.(type) {
	case string:
		if flag, ok := ruleFlag(c); ok {
			u.Enabled = &flag
		} else if text := c; text != "" {
			u.Text = &text
		}
	case float64:
		flag := c != 0
		u.Enabled = &flag
	case bool:
		flag := c
		u.Enabled = &flag
	case map[string]any:
		u.Enabled = containerFlag(c, "State", "Enabled", "Enable")
		u.Once = containerFlag(c, "Once")
		u.StopOnError = containerFlag(c, "StopOnError", "Stop_On_Error")
		for _, key := range []string{"Rules", "Rule", "Text"} {
			if raw, ok := c[key]; ok {
				if text, ok := raw.(string); ok {
					u.Text = &text
					break
				}
			}
		}
	}
	return u
}

// containerFlag reads the first present key spelling as a flag value.
func containerFlag(c map[string]any, keys ...string) *bool {
	for _, key := range keys {
		raw, ok := c[key]
		if !ok {
			continue
		}
		switch f := raw.(type) {
		case string:
			if flag, ok := ruleFlag(f); ok {
				return &flag
			}
		case float64:
			flag := f != 0
			return &flag
		case bool:
			flag := f
			return &flag
		}
	}
	return nil
}

var ruleKeyRe = regexp.MustCompile(`^Rule(\d+)$`)

// DecodeRuleUpdates scans a payload for rule slot containers and
// normalises each. In the legacy flat form the container is a bare flag
// and its companions (Once, StopOnError, Rules) sit as top-level
// siblings; those are folded into the update here.
func DecodeRuleUpdates(payload map[string]any) map[int]RuleUpdate {
	var updates map[int]RuleUpdate
	for k, v := range payload {
		m := ruleKeyRe.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		slot, err := strconv.Atoi(m[1])
		if err != nil || slot < 1 {
			continue
		}
		u := DecodeRuleContainer(v)
		if _, structured := v.(map[string]any); !structured {
			if f := containerFlag(payload, "Once"); f != nil && u.Once == nil {
				u.Once = f
			}
			if f := containerFlag(payload, "StopOnError", "Stop_On_Error"); f != nil && u.StopOnError == nil {
				u.StopOnError = f
			}
			if text, ok := payload["Rules"].(string); ok && u.Text == nil {
				u.Text = &text
			}
		}
		if updates == nil {
			updates = make(map[int]RuleUpdate)
		}
		updates[slot] = u
	}
	return updates
}

// ReconcileRule merges an incoming rule update into the existing state.
//
// Flags always apply. Text applies unless the rule is mid-edit (an
// operator has an open, unsaved edit — their text box must not be
// clobbered), and is subject to echo suppression: an incoming text that
// matches the previously sent stripped text restores the annotated
// original instead.
//
// The echo comparison is trimmed string equality. A device legitimately
// re-sending exactly the stripped text unprompted is indistinguishable
// from an echo; that ambiguity is accepted.
func ReconcileRule(existing Rule, update RuleUpdate, editing bool) Rule {
	merged := existing

	if update.Enabled != nil {
		merged.Enabled = *update.Enabled
	}
	if update.Once != nil {
		merged.Once = *update.Once
	}
	if update.StopOnError != nil {
		merged.StopOnError = *update.StopOnError
	}

	if update.Text != nil && !editing {
		incoming := strings.TrimSpace(*update.Text)
		if existing.OriginalText != "" && existing.SentText != "" &&
			incoming == strings.TrimSpace(existing.SentText) {
			merged.Text = existing.OriginalText
		} else {
			merged.Text = *update.Text
		}
	}

	return merged
}

var (
	ruleCommentRe    = regexp.MustCompile(`//[^\n]*`)
	ruleWhitespaceRe = regexp.MustCompile(`\s+`)
)

// StripAnnotations converts operator-authored rule text into the form a
// device accepts: // comments removed, whitespace runs (including
// newlines) collapsed to single spaces, trimmed.
func StripAnnotations(text string) string {
	stripped := ruleCommentRe.ReplaceAllString(text, "")
	stripped = ruleWhitespaceRe.ReplaceAllString(stripped, " ")
	return strings.TrimSpace(stripped)
}
