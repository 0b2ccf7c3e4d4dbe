// Package ice keeps the per-call record of locally discovered connectivity
// candidates and classifies candidates by type.
package ice

import (
	"strings"

	pionice "github.com/pion/ice/v4"
)

// Priority is advisory metadata sent alongside a candidate.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Classify derives a Priority from an SDP candidate line:
// relay is high, server-reflexive is medium, anything else is low.
func Classify(candidate string) Priority {
	switch candidateType(candidate) {
	case pionice.CandidateTypeRelay:
		return PriorityHigh
	case pionice.CandidateTypeServerReflexive:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func candidateType(candidate string) pionice.CandidateType {
	raw := strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:")
	if c, err := pionice.UnmarshalCandidate(raw); err == nil {
		return c.Type()
	}

	// Unparseable lines (e.g. mDNS hosts on old agents) still carry "typ X".
	fields := strings.Fields(raw)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "typ" {
			continue
		}
		switch fields[i+1] {
		case "relay":
			return pionice.CandidateTypeRelay
		case "srflx":
			return pionice.CandidateTypeServerReflexive
		case "prflx":
			return pionice.CandidateTypePeerReflexive
		case "host":
			return pionice.CandidateTypeHost
		}
	}
	return pionice.CandidateTypeUnspecified
}
