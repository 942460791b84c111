package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := severityRank[s]
	return s, ok
}

// AtLeast orders severities low < medium < high < critical.
func (s Severity) AtLeast(threshold Severity) bool {
	return severityRank[s] >= severityRank[threshold]
}

// Fields is a decoded event payload.
type Fields map[string]any

func DecodeFields(raw json.RawMessage) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out Fields
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// String resolves a dotted path to a scalar rendered as text.
func (f Fields) String(path string) (string, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func (f Fields) Int(path string) (int, bool) {
	raw, ok := f.String(path)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValidateEventPayload enforces the fields the tier rules depend on.
func ValidateEventPayload(eventType EventType, canonical json.RawMessage) error {
	fields, err := DecodeFields(canonical)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	switch eventType {
	case EventIncidentReported:
		raw, ok := fields.String("severity")
		if !ok {
			return fmt.Errorf("%s payload requires severity", eventType)
		}
		if _, ok := ParseSeverity(raw); !ok {
			return fmt.Errorf("%s severity %q must be one of low|medium|high|critical", eventType, raw)
		}
	case EventIncidentResolved:
		if id, ok := fields.String("incident_id"); !ok || strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s payload requires incident_id", eventType)
		}
	case EventTrustLevelDecreased:
		to, ok := fields.Int("to_tier")
		if !ok {
			return fmt.Errorf("%s payload requires integer to_tier", eventType)
		}
		if to < MinTier || to >= MaxTier {
			return fmt.Errorf("%s to_tier must be between %d and %d", eventType, MinTier, MaxTier-1)
		}
	}
	return nil
}
