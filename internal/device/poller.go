package device

import (
	"fmt"
	"time"
)

// Bootstrap polling.
//
// A newly observed device usually lacks baseline metadata (name, module,
// firmware, ip, uptime) until queried. The supervisor state machine per
// device is Idle -> Polling -> Satisfied | Exhausted: while Polling, a
// cadence timer issues a bounded battery of query commands for whichever
// baseline fields are still missing, plus a once-per-device staged pair
// of bulk-then-itemised queries for the numbered Var/Mem/RuleTimer
// slots. Polling stops the moment the baseline is complete, or after the
// attempt ceiling; either way no further automatic queries are issued
// without a new trigger.

// pollState is transient bootstrap-tracking state on a record.
type pollState struct {
	attempts     int
	timer        *time.Timer
	bulkSent     bool
	itemisedSent bool
	done         bool
}

// Slot query bounds matching Tasmota's slot counts.
const (
	pollVarSlots       = 16
	pollMemSlots       = 16
	pollRuleTimerSlots = 8
)

// stopPoll tears down a record's poll timer.
func stopPoll(rec *Record) {
	if rec.poll.timer != nil {
		rec.poll.timer.Stop()
		rec.poll.timer = nil
	}
}

// baselineComplete reports whether all queried-for metadata is present.
func baselineComplete(rec *Record) bool {
	return rec.Info.Name != "" &&
		rec.Info.Module != "" &&
		rec.Info.Firmware != "" &&
		rec.Info.IP != "" &&
		rec.Info.Uptime != ""
}

// updatePollLocked advances the supervisor after any ingest or edit
// touched the record. Caller holds s.mu.
func (s *Store) updatePollLocked(rec *Record) {
	if rec.poll.done {
		return
	}
	if baselineComplete(rec) {
		// Satisfied: tear the timer down immediately.
		stopPoll(rec)
		rec.poll.done = true
		return
	}
	if s.stopped || !s.started || s.commander == nil || rec.Info.ConnectionID == "" {
		return
	}
	if rec.poll.timer == nil {
		id := rec.Info.ID
		rec.poll.timer = time.AfterFunc(s.opts.PollInterval, func() { s.pollTick(id) })
	}
}

// pollTick runs one poll cadence for a device: checks for satisfaction
// or exhaustion, otherwise gathers the query battery and re-arms.
// Commands are dispatched outside the store mutex.
func (s *Store) pollTick(id string) {
	type query struct{ command, payload string }
	var queries []query

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || s.stopped || s.commander == nil {
		s.mu.Unlock()
		return
	}
	p := &rec.poll
	p.timer = nil

	if baselineComplete(rec) {
		p.done = true
		s.mu.Unlock()
		s.logger.Debug("bootstrap poll satisfied", "device", id)
		return
	}
	p.attempts++
	if p.attempts > s.opts.PollMaxAttempts {
		p.done = true
		s.mu.Unlock()
		s.logger.Debug("bootstrap poll exhausted", "device", id, "attempts", p.attempts-1)
		return
	}

	if rec.Info.Name == "" {
		queries = append(queries, query{"DeviceName", ""})
	}
	if rec.Info.Module == "" {
		queries = append(queries, query{"Module", ""})
	}
	if rec.Info.Firmware == "" {
		queries = append(queries, query{"Status", "2"})
	}
	if rec.Info.IP == "" {
		queries = append(queries, query{"Status", "5"})
	}
	if rec.Info.Uptime == "" {
		queries = append(queries, query{"Status", "11"})
	}

	// Staged slot discovery, issued once per device: bulk queries first,
	// itemised per-slot queries on the following tick for firmware
	// versions that ignore the bulk form.
	switch {
	case !p.bulkSent:
		p.bulkSent = true
		queries = append(queries,
			query{"Var0", ""},
			query{"Mem0", ""},
			query{"RuleTimer", ""},
		)
	case !p.itemisedSent:
		p.itemisedSent = true
		for i := 1; i <= pollVarSlots; i++ {
			queries = append(queries, query{fmt.Sprintf("Var%d", i), ""})
		}
		for i := 1; i <= pollMemSlots; i++ {
			queries = append(queries, query{fmt.Sprintf("Mem%d", i), ""})
		}
		for i := 1; i <= pollRuleTimerSlots; i++ {
			queries = append(queries, query{fmt.Sprintf("RuleTimer%d", i), ""})
		}
	}

	p.timer = time.AfterFunc(s.opts.PollInterval, func() { s.pollTick(id) })
	commander := s.commander
	s.mu.Unlock()

	for _, q := range queries {
		commander.Send(id, q.command, q.payload)
	}
}
