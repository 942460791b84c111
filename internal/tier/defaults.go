package tier

import "github.com/internhub/trustledger/internal/protocol"

func clean(key string, threshold protocol.Severity) Requirement {
	return Requirement{Key: key, Kind: KindNoDisqualifyingIncident, MinSeverity: threshold}
}

func notDemoted(key string) Requirement {
	return Requirement{Key: key, Kind: KindNoActiveDemotion}
}

func count(key string, ev protocol.EventType, target int) Requirement {
	return Requirement{Key: key, Kind: KindCount, EventType: ev, Target: target}
}

// DefaultLadders is the built-in policy used when no registry file is configured.
// Serious (high+) incidents block tiers 2 and 3, medium+ blocks tier 4 and only
// critical incidents block tier 1.
func DefaultLadders() []Ladder {
	return []Ladder{
		{
			SubjectType: protocol.SubjectStudent,
			Transitions: []Transition{
				{Tier: 1, Requirements: []Requirement{
					count("identity_document_verified", protocol.EventDocumentVerified, 1),
					clean("tier1_no_critical_incident", protocol.SeverityCritical),
					notDemoted("tier1_not_demoted"),
				}},
				{Tier: 2, Requirements: []Requirement{
					{
						Key:       "institution_affiliation",
						Kind:      KindActiveLink,
						EventType: protocol.EventInstitutionLinked,
						Match:     map[string]string{"status": "approved"},
						RevokedBy: protocol.EventInstitutionUnlinked,
						LinkField: "institution_id",
						Target:    1,
					},
					clean("tier2_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier2_not_demoted"),
				}},
				{Tier: 3, Requirements: []Requirement{
					count("internship_completed", protocol.EventInternshipCompleted, 1),
					clean("tier3_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier3_not_demoted"),
				}},
				{Tier: 4, Requirements: []Requirement{
					{
						Key:           "distinct_internships_completed",
						Kind:          KindCount,
						EventType:     protocol.EventInternshipCompleted,
						DistinctField: "internship_id",
						Target:        2,
					},
					count("logbooks_approved", protocol.EventLogbookApproved, 8),
					count("artifacts_generated", protocol.EventArtifactGenerated, 1),
					clean("tier4_no_incident", protocol.SeverityMedium),
					notDemoted("tier4_not_demoted"),
				}},
			},
		},
		{
			SubjectType: protocol.SubjectEmployer,
			Transitions: []Transition{
				{Tier: 1, Requirements: []Requirement{
					count("business_document_verified", protocol.EventDocumentVerified, 1),
					clean("tier1_no_critical_incident", protocol.SeverityCritical),
					notDemoted("tier1_not_demoted"),
				}},
				{Tier: 2, Requirements: []Requirement{
					{
						Key:           "verified_document_kinds",
						Kind:          KindCount,
						EventType:     protocol.EventDocumentVerified,
						DistinctField: "document_kind",
						Target:        2,
					},
					clean("tier2_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier2_not_demoted"),
				}},
				{Tier: 3, Requirements: []Requirement{
					count("hosted_internships_completed", protocol.EventInternshipCompleted, 3),
					clean("tier3_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier3_not_demoted"),
				}},
				{Tier: 4, Requirements: []Requirement{
					count("hosted_internships_completed_established", protocol.EventInternshipCompleted, 10),
					count("artifacts_generated", protocol.EventArtifactGenerated, 5),
					clean("tier4_no_incident", protocol.SeverityMedium),
					notDemoted("tier4_not_demoted"),
				}},
			},
		},
		{
			SubjectType: protocol.SubjectInstitution,
			Transitions: []Transition{
				{Tier: 1, Requirements: []Requirement{
					count("accreditation_verified", protocol.EventDocumentVerified, 1),
					clean("tier1_no_critical_incident", protocol.SeverityCritical),
					notDemoted("tier1_not_demoted"),
				}},
				{Tier: 2, Requirements: []Requirement{
					{
						Key:       "approved_affiliations",
						Kind:      KindCount,
						EventType: protocol.EventInstitutionLinked,
						Match:     map[string]string{"status": "approved"},
						Target:    5,
					},
					clean("tier2_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier2_not_demoted"),
				}},
				{Tier: 3, Requirements: []Requirement{
					count("logbooks_reviewed", protocol.EventLogbookApproved, 20),
					clean("tier3_no_serious_incident", protocol.SeverityHigh),
					notDemoted("tier3_not_demoted"),
				}},
				{Tier: 4, Requirements: []Requirement{
					count("internships_completed", protocol.EventInternshipCompleted, 25),
					count("artifacts_generated", protocol.EventArtifactGenerated, 10),
					clean("tier4_no_incident", protocol.SeverityMedium),
					notDemoted("tier4_not_demoted"),
				}},
			},
		},
	}
}

// DefaultRegistry panics only if the built-in ladders are inconsistent.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultLadders()...)
	if err != nil {
		panic("tier: invalid default ladders: " + err.Error())
	}
	return r
}
