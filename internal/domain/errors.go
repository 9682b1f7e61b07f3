package domain

import (
	"errors"
	"fmt"
)

// Lookup errors shared by repositories and the catalog.
var (
	ErrRuleNotFound         = errors.New("rule not found")
	ErrRuleAlreadyExists    = errors.New("rule already exists")
	ErrFaultCenterNotFound  = errors.New("fault center not found")
	ErrNoticeObjectNotFound = errors.New("notice object not found")
	ErrSilenceNotFound      = errors.New("silence not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrEventNotFound        = errors.New("event not found")
)

// ValidationError is returned when a rule submission (or any configuration
// record) is rejected. Field names the offending JSON path, e.g.
// "thresholds[1].comparisonExpr" or "config.promQL".
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Prefixed returns a copy of the error with prefix prepended to Field.
func (e *ValidationError) Prefixed(prefix string) *ValidationError {
	field := prefix
	if e.Field != "" {
		if e.Field[0] == '[' {
			field += e.Field
		} else {
			field += "." + e.Field
		}
	}
	return &ValidationError{Field: field, Reason: e.Reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DeliveryError is a channel adapter failure. It is recorded in notification
// history and never alters an event's lifecycle.
type DeliveryError struct {
	NoticeID string
	Channel  ChannelKind
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s notice %q failed: %v", e.Channel, e.NoticeID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
