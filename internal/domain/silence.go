package domain

import (
	"errors"
	"time"
)

// Matcher operators.
const (
	MatchEqual    = "="
	MatchNotEqual = "!="
)

// Validation errors for Silence.
var (
	ErrEmptyMatchers       = errors.New("at least one label matcher is required")
	ErrInvalidMatcherOp    = errors.New("matcher operator must be = or !=")
	ErrEmptyMatcherKey     = errors.New("matcher key is required")
	ErrInvalidSilenceRange = errors.New("endsAt must be after startsAt")
)

// LabelMatcher is one condition of a Silence.
type LabelMatcher struct {
	Key      string `json:"key" yaml:"key"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Matches evaluates the matcher; a missing label compares as "".
func (m LabelMatcher) Matches(labels map[string]string) bool {
	v := labels[m.Key]
	if m.Operator == MatchNotEqual {
		return v != m.Value
	}
	return v == m.Value
}

// Silence suppresses notifications of matching events between StartsAt and EndsAt.
type Silence struct {
	ID     string         `json:"id" yaml:"id"`
	Labels []LabelMatcher `json:"labels" yaml:"labels"`

	StartsAt time.Time `json:"startsAt" yaml:"startsAt"`
	EndsAt   time.Time `json:"endsAt" yaml:"endsAt"`

	// FaultCenterID scopes the silence. Empty applies to every fault center.
	FaultCenterID string `json:"faultCenterId,omitempty" yaml:"faultCenterId,omitempty"`

	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Validate checks if the silence has all required fields with valid values.
func (s *Silence) Validate() error {
	if len(s.Labels) == 0 {
		return ErrEmptyMatchers
	}
	for _, m := range s.Labels {
		if m.Key == "" {
			return ErrEmptyMatcherKey
		}
		if m.Operator != MatchEqual && m.Operator != MatchNotEqual {
			return ErrInvalidMatcherOp
		}
	}
	if !s.EndsAt.After(s.StartsAt) {
		return ErrInvalidSilenceRange
	}
	return nil
}

// IsActive reports whether now falls in [StartsAt, EndsAt).
func (s *Silence) IsActive(now time.Time) bool {
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Matches reports whether the silence applies to an event of faultCenterID with labels.
func (s *Silence) Matches(faultCenterID string, labels map[string]string) bool {
	if s.FaultCenterID != "" && s.FaultCenterID != faultCenterID {
		return false
	}
	for _, m := range s.Labels {
		if !m.Matches(labels) {
			return false
		}
	}
	return true
}

// Silenced reports whether any active silence in list matches.
func Silenced(list []Silence, now time.Time, faultCenterID string, labels map[string]string) bool {
	for i := range list {
		if list[i].IsActive(now) && list[i].Matches(faultCenterID, labels) {
			return true
		}
	}
	return false
}
