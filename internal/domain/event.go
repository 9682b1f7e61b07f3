package domain

import (
	"errors"
	"time"

	"github.com/prometheus/common/model"
)

// EventStatus is the lifecycle state of an active event.
type EventStatus string

const (
	EventPreAlert        EventStatus = "PreAlert"
	EventFiring          EventStatus = "Firing"
	EventSilenced        EventStatus = "Silenced"
	EventPendingRecovery EventStatus = "PendingRecovery"

	// EventClosed only appears in history; closed events are removed.
	EventClosed EventStatus = "Closed"
)

// Claim records who took ownership of an event.
type Claim struct {
	IsClaimed bool      `json:"isClaimed"`
	ClaimedBy string    `json:"claimedBy,omitempty"`
	ClaimedAt time.Time `json:"claimedAt,omitempty"`
}

// Event is an active alert instance for one fingerprint.
type Event struct {
	// Fingerprint identifies the (rule, label set) pair.
	Fingerprint string `json:"fingerprint"`

	RuleID        string `json:"ruleId"`
	RuleName      string `json:"ruleName,omitempty"`
	FaultCenterID string `json:"faultCenterId"`

	Severity Severity          `json:"severity"`
	Labels   map[string]string `json:"labels"`
	Status   EventStatus       `json:"status"`

	// FirstTriggerAt is when the current breach cycle started.
	FirstTriggerAt time.Time `json:"firstTriggerAt"`

	LastEvalAt time.Time `json:"lastEvalAt"`

	// LastNotifyAt is zero until a notice was dispatched in this cycle.
	LastNotifyAt time.Time `json:"lastNotifyAt,omitempty"`

	// RecoverAt is set while PendingRecovery.
	RecoverAt time.Time `json:"recoverAt,omitempty"`

	Claim Claim `json:"claim"`
}

// Clone returns a deep copy safe to hand out of the scheduler.
func (e *Event) Clone() *Event {
	c := *e
	c.Labels = make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		c.Labels[k] = v
	}
	return &c
}

// RuleIDLabel is folded into the fingerprint so identical label sets of
// different rules never collide.
const RuleIDLabel = "__rule_id__"

// ComputeFingerprint derives a stable fingerprint from the rule id and labels.
func ComputeFingerprint(ruleID string, labels map[string]string) string {
	ls := make(model.LabelSet, len(labels)+1)
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	ls[RuleIDLabel] = model.LabelValue(ruleID)
	return ls.Fingerprint().String()
}

// Validation errors for Signal.
var (
	ErrEmptyRuleID       = errors.New("ruleId is required")
	ErrInvalidSignalSev  = errors.New("severity must be P0, P1 or P2")
	ErrMissingSeverity   = errors.New("breach signals need a severity or a value")
	ErrEmptyClaimUser    = errors.New("user is required")
	ErrEmptyFingerprint  = errors.New("fingerprint is required")
	ErrMissingSignalTime = errors.New("timestamp is required")
)

// Signal is a breach or clear observation for one fingerprint, produced by an
// evaluator.
type Signal struct {
	Fingerprint string            `json:"fingerprint"`
	RuleID      string            `json:"ruleId"`
	Labels      map[string]string `json:"labels"`

	// Severity may be left empty on breach when Value is set; the rule's
	// thresholds then select it.
	Severity Severity `json:"severity,omitempty"`
	Value    *float64 `json:"value,omitempty"`

	Breached  bool      `json:"breached"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the signal is routable.
func (s *Signal) Validate() error {
	if s.RuleID == "" {
		return ErrEmptyRuleID
	}
	if s.Severity != "" && !s.Severity.IsValid() {
		return ErrInvalidSignalSev
	}
	if s.Breached && s.Severity == "" && s.Value == nil {
		return ErrMissingSeverity
	}
	if s.Timestamp.IsZero() {
		return ErrMissingSignalTime
	}
	return nil
}

// ClaimRequest asks the scheduler to assign an event to User.
type ClaimRequest struct {
	Fingerprint string    `json:"fingerprint"`
	User        string    `json:"user"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the request has a target and a user.
func (c *ClaimRequest) Validate() error {
	if c.Fingerprint == "" {
		return ErrEmptyFingerprint
	}
	if c.User == "" {
		return ErrEmptyClaimUser
	}
	return nil
}
