// Package notify renders notifications and delivers them through channel
// adapters (FeiShu, DingDing, WeChat, Slack, custom webhooks and email).
// Delivery is asynchronous: failures are retried and recorded, never
// reported back to the caller.
package notify

import (
	"sort"
	"time"

	"watchalert/internal/domain"
)

// Notification asks for one notice kind about one event to reach every target.
type Notification struct {
	Event    *domain.Event
	RuleName string
	Kind     domain.NoticeKind
	Targets  []domain.NoticeTarget
	At       time.Time
}

// Label is one key/value pair of an event, used for stable template output.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message is the view templates are rendered against. Custom hooks receive
// it as JSON.
type Message struct {
	Fingerprint    string             `json:"fingerprint"`
	RuleID         string             `json:"ruleId"`
	RuleName       string             `json:"ruleName"`
	FaultCenterID  string             `json:"faultCenterId"`
	Severity       domain.Severity    `json:"severity"`
	Status         domain.EventStatus `json:"status"`
	Kind           domain.NoticeKind  `json:"kind"`
	Labels         map[string]string  `json:"labels"`
	SortedLabels   []Label            `json:"-"`
	FirstTriggerAt time.Time          `json:"firstTriggerAt"`
	LastEvalAt     time.Time          `json:"lastEvalAt"`
	RecoverAt      time.Time          `json:"recoverAt,omitempty"`
	ClaimedBy      string             `json:"claimedBy,omitempty"`
	At             time.Time          `json:"at"`
}

// NewMessage builds the template view of n.
func NewMessage(n Notification) Message {
	e := n.Event
	labels := make([]Label, 0, len(e.Labels))
	for k, v := range e.Labels {
		labels = append(labels, Label{Key: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Key < labels[j].Key })

	return Message{
		Fingerprint:    e.Fingerprint,
		RuleID:         e.RuleID,
		RuleName:       n.RuleName,
		FaultCenterID:  e.FaultCenterID,
		Severity:       e.Severity,
		Status:         e.Status,
		Kind:           n.Kind,
		Labels:         e.Labels,
		SortedLabels:   labels,
		FirstTriggerAt: e.FirstTriggerAt,
		LastEvalAt:     e.LastEvalAt,
		RecoverAt:      e.RecoverAt,
		ClaimedBy:      e.Claim.ClaimedBy,
		At:             n.At,
	}
}
