package domain

import (
	"errors"
	"time"
)

// Validation errors for FaultCenter.
var (
	ErrEmptyFaultCenterID    = errors.New("id is required")
	ErrNegativeInterval      = errors.New("intervals must not be negative")
	ErrEmptyLabelRouteKey    = errors.New("labelRoutes key is required")
	ErrEmptyLabelRouteNotice = errors.New("labelRoutes must name at least one notice")
	ErrMissingEscalation     = errors.New("upgradeStrategy.escalationNoticeId is required when upgrade is enabled")
	ErrInvalidUpgradeTimeout = errors.New("upgradeStrategy.timeoutMinutes must be positive when upgrade is enabled")
)

// LabelRoute sends events carrying Key=Value to NoticeIDs.
type LabelRoute struct {
	Key       string   `json:"key" yaml:"key"`
	Value     string   `json:"value" yaml:"value"`
	NoticeIDs []string `json:"noticeIds" yaml:"noticeIds"`
}

// Matches reports whether labels contain the route's key with an exactly equal value.
func (r LabelRoute) Matches(labels map[string]string) bool {
	v, ok := labels[r.Key]
	return ok && v == r.Value
}

// UpgradeStrategy configures escalation of unclaimed events.
type UpgradeStrategy struct {
	// TimeoutMinutes is how long an event may stay unclaimed before escalating.
	TimeoutMinutes int `json:"timeoutMinutes" yaml:"timeoutMinutes"`

	// RepeatIntervalMinutes re-escalates while still unclaimed. Zero escalates once.
	RepeatIntervalMinutes int `json:"repeatIntervalMinutes" yaml:"repeatIntervalMinutes"`

	EscalationNoticeID string `json:"escalationNoticeId" yaml:"escalationNoticeId"`
}

// FaultCenter groups rules sharing notification and lifecycle policy.
type FaultCenter struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// DefaultNoticeIDs are used when no label route matches.
	DefaultNoticeIDs []string `json:"defaultNoticeIds" yaml:"defaultNoticeIds"`

	// RepeatNoticeIntervalMinutes re-notifies a firing event. Zero disables repeats.
	RepeatNoticeIntervalMinutes int `json:"repeatNoticeIntervalMinutes" yaml:"repeatNoticeIntervalMinutes"`

	// RecoverWaitTimeSeconds is the debounce before a cleared event is closed.
	RecoverWaitTimeSeconds int `json:"recoverWaitTimeSeconds" yaml:"recoverWaitTimeSeconds"`

	RecoverNotify bool `json:"recoverNotify" yaml:"recoverNotify"`

	// LabelRoutes are tried in order; the first match wins.
	LabelRoutes []LabelRoute `json:"labelRoutes" yaml:"labelRoutes"`

	IsUpgradeEnabled     bool            `json:"isUpgradeEnabled" yaml:"isUpgradeEnabled"`
	UpgradableSeverities []Severity      `json:"upgradableSeverities" yaml:"upgradableSeverities"`
	UpgradeStrategy      UpgradeStrategy `json:"upgradeStrategy" yaml:"upgradeStrategy"`
}

// Validate checks if the fault center has all required fields with valid values.
func (fc *FaultCenter) Validate() error {
	if fc.ID == "" {
		return ErrEmptyFaultCenterID
	}
	if fc.RepeatNoticeIntervalMinutes < 0 || fc.RecoverWaitTimeSeconds < 0 ||
		fc.UpgradeStrategy.TimeoutMinutes < 0 || fc.UpgradeStrategy.RepeatIntervalMinutes < 0 {
		return ErrNegativeInterval
	}
	for _, r := range fc.LabelRoutes {
		if r.Key == "" {
			return ErrEmptyLabelRouteKey
		}
		if len(r.NoticeIDs) == 0 {
			return ErrEmptyLabelRouteNotice
		}
	}
	if fc.IsUpgradeEnabled {
		if fc.UpgradeStrategy.EscalationNoticeID == "" {
			return ErrMissingEscalation
		}
		if fc.UpgradeStrategy.TimeoutMinutes == 0 {
			return ErrInvalidUpgradeTimeout
		}
	}
	return nil
}

// RepeatInterval returns the repeat-notification interval. Zero means no repeat.
func (fc *FaultCenter) RepeatInterval() time.Duration {
	return time.Duration(fc.RepeatNoticeIntervalMinutes) * time.Minute
}

// RecoverWait returns the recovery debounce.
func (fc *FaultCenter) RecoverWait() time.Duration {
	return time.Duration(fc.RecoverWaitTimeSeconds) * time.Second
}

// Upgrades reports whether events of severity s get a claim timer.
func (fc *FaultCenter) Upgrades(s Severity) bool {
	return fc.IsUpgradeEnabled && ContainsSeverity(fc.UpgradableSeverities, s)
}

// ClaimTimeout returns the unclaimed-escalation timeout.
func (fc *FaultCenter) ClaimTimeout() time.Duration {
	return time.Duration(fc.UpgradeStrategy.TimeoutMinutes) * time.Minute
}

// EscalationRepeat returns the re-escalation interval. Zero escalates once.
func (fc *FaultCenter) EscalationRepeat() time.Duration {
	return time.Duration(fc.UpgradeStrategy.RepeatIntervalMinutes) * time.Minute
}
