package domain

import "time"

// NoticeKind tells why a notification was sent.
type NoticeKind string

const (
	NoticeFiring     NoticeKind = "firing"
	NoticeRepeat     NoticeKind = "repeat"
	NoticeEscalation NoticeKind = "escalation"
	NoticeRecovery   NoticeKind = "recovery"
)

// NoticeStatus is the outcome of one delivery.
type NoticeStatus string

const (
	NoticeSent   NoticeStatus = "sent"
	NoticeFailed NoticeStatus = "failed"
)

// NoticeRecord is the history entry of one delivery outcome.
type NoticeRecord struct {
	ID          string       `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	RuleID      string       `json:"ruleId"`
	NoticeID    string       `json:"noticeId"`
	ChannelKind ChannelKind  `json:"channelKind"`
	Kind        NoticeKind   `json:"kind"`
	Severity    Severity     `json:"severity"`
	Destination string       `json:"destination"`
	Status      NoticeStatus `json:"status"`
	ErrMsg      string       `json:"errMsg,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// NoticeRecordFilter narrows notice record queries.
type NoticeRecordFilter struct {
	Fingerprint string
	RuleID      string
	Status      NoticeStatus
	Limit       int
	Offset      int
}

// EventTransition is one lifecycle change of an event, kept for history views.
type EventTransition struct {
	ID          string      `json:"id"`
	Fingerprint string      `json:"fingerprint"`
	RuleID      string      `json:"ruleId"`
	From        EventStatus `json:"from,omitempty"`
	To          EventStatus `json:"to"`
	Severity    Severity    `json:"severity"`
	At          time.Time   `json:"at"`
	Reason      string      `json:"reason"`
}
