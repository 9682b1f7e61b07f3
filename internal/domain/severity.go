// Package domain contains the core business entities and value objects for the
// alert engine: compiled rules, notice objects, fault centers, events and the
// records the engine leaves behind for history views.
package domain

// Severity represents the severity level of a rule threshold or an event.
// P0 is the most critical.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
)

// AllSeverities lists every known severity from most to least critical.
var AllSeverities = []Severity{SeverityP0, SeverityP1, SeverityP2}

// IsValid returns true if the severity is a known valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2:
		return true
	default:
		return false
	}
}

// Rank orders severities so that P0 sorts first. Unknown severities rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	default:
		return 3
	}
}

// ContainsSeverity reports whether s is present in list.
func ContainsSeverity(list []Severity, s Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
