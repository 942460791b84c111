package tier

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/internhub/trustledger/internal/protocol"
)

type Kind string

const (
	// KindCount counts matching events, optionally distinct on a payload field.
	KindCount Kind = "count"
	// KindActiveLink counts links not revoked by a later event on the same link field.
	KindActiveLink Kind = "active_link"
	// KindNoDisqualifyingIncident blocks while an unresolved incident at or above
	// MinSeverity exists since the latest TRUST_LEVEL_INCREASED.
	KindNoDisqualifyingIncident Kind = "no_disqualifying_incident"
	// KindNoActiveDemotion blocks tiers above the to_tier of the latest
	// TRUST_LEVEL_DECREASED until a TRUST_LEVEL_INCREASED supersedes it.
	KindNoActiveDemotion Kind = "no_active_demotion"
)

type Requirement struct {
	Key           string             `yaml:"key"`
	Kind          Kind               `yaml:"kind"`
	EventType     protocol.EventType `yaml:"event_type,omitempty"`
	Match         map[string]string  `yaml:"match,omitempty"`
	DistinctField string             `yaml:"distinct_field,omitempty"`
	RevokedBy     protocol.EventType `yaml:"revoked_by,omitempty"`
	LinkField     string             `yaml:"link_field,omitempty"`
	MinSeverity   protocol.Severity  `yaml:"min_severity,omitempty"`
	Target        int                `yaml:"target,omitempty"`
}

// Transition lists what must hold to move from Tier-1 to Tier.
type Transition struct {
	Tier         int           `yaml:"tier"`
	Requirements []Requirement `yaml:"requirements"`
}

type Ladder struct {
	SubjectType protocol.SubjectType
	Transitions []Transition
}

type Registry struct {
	ladders map[protocol.SubjectType]Ladder
}

type registryFile struct {
	Ladders map[string][]Transition `yaml:"ladders"`
}

func LoadRegistry(path string) (*Registry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirement registry: %w", err)
	}
	return ParseRegistry(buf)
}

func ParseRegistry(buf []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("parse requirement registry yaml: %w", err)
	}
	if len(file.Ladders) == 0 {
		return nil, errors.New("requirement registry has no ladders")
	}
	ladders := make([]Ladder, 0, len(file.Ladders))
	for rawType, transitions := range file.Ladders {
		subjectType, ok := protocol.ParseSubjectType(rawType)
		if !ok {
			return nil, fmt.Errorf("ladders.%s: unknown subject type", rawType)
		}
		ladders = append(ladders, Ladder{SubjectType: subjectType, Transitions: transitions})
	}
	return NewRegistry(ladders...)
}

func NewRegistry(ladders ...Ladder) (*Registry, error) {
	r := &Registry{ladders: make(map[protocol.SubjectType]Ladder, len(ladders))}
	for _, ladder := range ladders {
		if _, exists := r.ladders[ladder.SubjectType]; exists {
			return nil, fmt.Errorf("duplicate ladder for subject type %s", ladder.SubjectType)
		}
		normalized, err := normalizeLadder(ladder)
		if err != nil {
			return nil, err
		}
		r.ladders[ladder.SubjectType] = normalized
	}
	for _, subjectType := range protocol.SubjectTypes() {
		if _, ok := r.ladders[subjectType]; !ok {
			return nil, fmt.Errorf("missing ladder for subject type %s", subjectType)
		}
	}
	return r, nil
}

func (r *Registry) Ladder(subjectType protocol.SubjectType) (Ladder, bool) {
	if r == nil {
		return Ladder{}, false
	}
	l, ok := r.ladders[subjectType]
	return l, ok
}

// Compute evaluates the subject type's ladder over events ordered by sequence.
func (r *Registry) Compute(subjectType protocol.SubjectType, events []protocol.LedgerEvent) (Result, error) {
	ladder, ok := r.Ladder(subjectType)
	if !ok {
		return Result{}, fmt.Errorf("no ladder for subject type %q", subjectType)
	}
	return Compute(ladder, events), nil
}

func normalizeLadder(l Ladder) (Ladder, error) {
	if !l.SubjectType.Valid() {
		return Ladder{}, fmt.Errorf("unknown subject type %q", l.SubjectType)
	}
	if len(l.Transitions) != protocol.MaxTier {
		return Ladder{}, fmt.Errorf("%s: expected %d tier transitions, got %d", l.SubjectType, protocol.MaxTier, len(l.Transitions))
	}
	out := Ladder{SubjectType: l.SubjectType, Transitions: make([]Transition, protocol.MaxTier)}
	seenTier := make(map[int]struct{}, protocol.MaxTier)
	seenKey := make(map[string]struct{})
	for _, tr := range l.Transitions {
		if tr.Tier < 1 || tr.Tier > protocol.MaxTier {
			return Ladder{}, fmt.Errorf("%s: tier %d out of range 1..%d", l.SubjectType, tr.Tier, protocol.MaxTier)
		}
		if _, dup := seenTier[tr.Tier]; dup {
			return Ladder{}, fmt.Errorf("%s: duplicate tier %d", l.SubjectType, tr.Tier)
		}
		seenTier[tr.Tier] = struct{}{}
		if len(tr.Requirements) == 0 {
			return Ladder{}, fmt.Errorf("%s: tier %d has no requirements", l.SubjectType, tr.Tier)
		}
		reqs := make([]Requirement, 0, len(tr.Requirements))
		for i, req := range tr.Requirements {
			req.Key = strings.TrimSpace(req.Key)
			if req.Key == "" {
				return Ladder{}, fmt.Errorf("%s: tier %d requirement[%d] key is required", l.SubjectType, tr.Tier, i)
			}
			if _, dup := seenKey[req.Key]; dup {
				return Ladder{}, fmt.Errorf("%s: duplicate requirement key %s", l.SubjectType, req.Key)
			}
			seenKey[req.Key] = struct{}{}
			if err := validateRequirement(&req); err != nil {
				return Ladder{}, fmt.Errorf("%s: requirement %s: %w", l.SubjectType, req.Key, err)
			}
			reqs = append(reqs, req)
		}
		out.Transitions[tr.Tier-1] = Transition{Tier: tr.Tier, Requirements: reqs}
	}
	return out, nil
}

func validateRequirement(req *Requirement) error {
	switch req.Kind {
	case KindCount:
		if !req.EventType.Valid() {
			return fmt.Errorf("unknown event_type %q", req.EventType)
		}
		if req.Target <= 0 {
			return errors.New("target must be positive")
		}
	case KindActiveLink:
		if !req.EventType.Valid() {
			return fmt.Errorf("unknown event_type %q", req.EventType)
		}
		if !req.RevokedBy.Valid() {
			return fmt.Errorf("unknown revoked_by %q", req.RevokedBy)
		}
		if req.Target < 0 {
			return errors.New("target must not be negative")
		}
		if req.Target == 0 {
			req.Target = 1
		}
	case KindNoDisqualifyingIncident:
		if req.MinSeverity == "" {
			req.MinSeverity = protocol.SeverityHigh
		}
		sev, ok := protocol.ParseSeverity(string(req.MinSeverity))
		if !ok {
			return fmt.Errorf("unknown min_severity %q", req.MinSeverity)
		}
		req.MinSeverity = sev
		req.Target = 0
	case KindNoActiveDemotion:
		req.Target = 0
	default:
		return fmt.Errorf("unknown kind %q", req.Kind)
	}
	return nil
}
