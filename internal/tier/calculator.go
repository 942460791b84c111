package tier

import (
	"strconv"

	"github.com/internhub/trustledger/internal/protocol"
)

type Result struct {
	Tier     int
	Progress map[string]protocol.RequirementProgress
}

type historyEntry struct {
	event  protocol.LedgerEvent
	fields protocol.Fields
}

// Compute walks the ladder from tier 0. Every requirement is evaluated against
// the full history, but the tier only advances while each successive
// transition is fully met. It reads nothing but its arguments.
func Compute(ladder Ladder, events []protocol.LedgerEvent) Result {
	history := make([]historyEntry, 0, len(events))
	for _, ev := range events {
		fields, err := protocol.DecodeFields(ev.Payload)
		if err != nil {
			fields = protocol.Fields{}
		}
		history = append(history, historyEntry{event: ev, fields: fields})
	}

	result := Result{Tier: protocol.MinTier, Progress: make(map[string]protocol.RequirementProgress)}
	climbing := true
	for _, tr := range ladder.Transitions {
		allMet := true
		for _, req := range tr.Requirements {
			p := evaluate(req, tr.Tier, history)
			result.Progress[req.Key] = p
			if !p.Met {
				allMet = false
			}
		}
		if climbing && allMet {
			result.Tier = tr.Tier
		} else {
			climbing = false
		}
	}
	return result
}

func evaluate(req Requirement, tier int, history []historyEntry) protocol.RequirementProgress {
	var current int
	var met bool
	switch req.Kind {
	case KindCount:
		current = countMatching(req, history)
		met = current >= req.Target
	case KindActiveLink:
		current = activeLinks(req, history)
		met = current >= req.Target
	case KindNoDisqualifyingIncident:
		current = openIncidents(req.MinSeverity, history)
		met = current == 0
	case KindNoActiveDemotion:
		if demotionCaps(tier, history) {
			current = 1
		}
		met = current == 0
	}
	return protocol.RequirementProgress{Tier: tier, Current: current, Target: req.Target, Met: met}
}

func matches(req Requirement, entry historyEntry) bool {
	if entry.event.EventType != req.EventType {
		return false
	}
	for field, want := range req.Match {
		got, ok := entry.fields.String(field)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func countMatching(req Requirement, history []historyEntry) int {
	if req.DistinctField == "" {
		n := 0
		for _, entry := range history {
			if matches(req, entry) {
				n++
			}
		}
		return n
	}
	seen := make(map[string]struct{})
	for _, entry := range history {
		if !matches(req, entry) {
			continue
		}
		if v, ok := entry.fields.String(req.DistinctField); ok {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

func activeLinks(req Requirement, history []historyEntry) int {
	active := make(map[string]bool)
	for _, entry := range history {
		key := ""
		if req.LinkField != "" {
			key, _ = entry.fields.String(req.LinkField)
		}
		switch {
		case matches(req, entry):
			active[key] = true
		case entry.event.EventType == req.RevokedBy:
			delete(active, key)
		}
	}
	return len(active)
}

// openIncidents counts incidents at or above threshold that are neither resolved nor
// forgiven by a later TRUST_LEVEL_INCREASED.
func openIncidents(threshold protocol.Severity, history []historyEntry) int {
	open := make(map[string]struct{})
	for _, entry := range history {
		switch entry.event.EventType {
		case protocol.EventTrustLevelIncreased:
			open = make(map[string]struct{})
		case protocol.EventIncidentReported:
			if incidentSeverity(entry).AtLeast(threshold) {
				open[incidentKey(entry)] = struct{}{}
			}
		case protocol.EventIncidentResolved:
			if id, ok := entry.fields.String("incident_id"); ok {
				delete(open, id)
			}
		}
	}
	return len(open)
}

// incidentSeverity fails closed: a missing or unknown severity counts as critical.
func incidentSeverity(entry historyEntry) protocol.Severity {
	raw, ok := entry.fields.String("severity")
	if !ok {
		return protocol.SeverityCritical
	}
	sev, ok := protocol.ParseSeverity(raw)
	if !ok {
		return protocol.SeverityCritical
	}
	return sev
}

func incidentKey(entry historyEntry) string {
	if id, ok := entry.fields.String("incident_id"); ok && id != "" {
		return id
	}
	return "seq:" + strconv.FormatInt(entry.event.Sequence, 10)
}

func demotionCaps(tier int, history []historyEntry) bool {
	capTier := -1
	for _, entry := range history {
		switch entry.event.EventType {
		case protocol.EventTrustLevelDecreased:
			to, ok := entry.fields.Int("to_tier")
			if !ok || to < protocol.MinTier {
				to = protocol.MinTier
			}
			capTier = to
		case protocol.EventTrustLevelIncreased:
			capTier = -1
		}
	}
	return capTier >= 0 && capTier < tier
}
