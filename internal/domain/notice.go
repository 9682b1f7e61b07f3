package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
)

// MaxNoticeRoutes caps the per-severity routes of one NoticeObject.
const MaxNoticeRoutes = 3

// ChannelKind is the delivery channel of a NoticeObject.
type ChannelKind string

const (
	ChannelFeiShu     ChannelKind = "FeiShu"
	ChannelEmail      ChannelKind = "Email"
	ChannelDingDing   ChannelKind = "DingDing"
	ChannelWeChat     ChannelKind = "WeChat"
	ChannelSlack      ChannelKind = "Slack"
	ChannelCustomHook ChannelKind = "CustomHook"
)

// IsValid returns true if the channel kind is known.
func (c ChannelKind) IsValid() bool {
	switch c {
	case ChannelFeiShu, ChannelEmail, ChannelDingDing, ChannelWeChat, ChannelSlack, ChannelCustomHook:
		return true
	default:
		return false
	}
}

// Validation errors for NoticeObject.
var (
	ErrEmptyNoticeName     = errors.New("name is required")
	ErrInvalidChannelKind  = errors.New("channelKind must be one of FeiShu, Email, DingDing, WeChat, Slack, CustomHook")
	ErrMissingHook         = errors.New("defaultHook is required for webhook channels")
	ErrMissingEmailConfig  = errors.New("emailConfig with at least one recipient is required for Email")
	ErrTooManyNoticeRoutes = errors.New("at most 3 routes are allowed")
	ErrDuplicateRoute      = errors.New("route severities must be distinct")
)

// EmailConfig holds the recipients of an Email NoticeObject.
type EmailConfig struct {
	Subject string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	To      []string `json:"to" yaml:"to"`
	CC      []string `json:"cc,omitempty" yaml:"cc,omitempty"`
}

// NoticeRoute overrides a NoticeObject's destination for one severity.
type NoticeRoute struct {
	Severity Severity `json:"severity" yaml:"severity"`

	// Hook replaces DefaultHook for webhook channels.
	Hook string `json:"hook,omitempty" yaml:"hook,omitempty"`

	// Recipients replaces EmailConfig.To for Email.
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`

	TemplateOverride string `json:"templateOverride,omitempty" yaml:"templateOverride,omitempty"`
}

// NoticeObject is a named notification destination.
type NoticeObject struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	ChannelKind ChannelKind `json:"channelKind" yaml:"channelKind"`

	// DefaultHook is the webhook URL for every channel except Email.
	DefaultHook string `json:"defaultHook,omitempty" yaml:"defaultHook,omitempty"`

	// Sign is the optional DingDing robot secret used to sign requests.
	Sign string `json:"sign,omitempty" yaml:"sign,omitempty"`

	EmailConfig *EmailConfig `json:"emailConfig,omitempty" yaml:"emailConfig,omitempty"`

	DefaultTemplateID string `json:"defaultTemplateId" yaml:"defaultTemplateId"`

	Routes []NoticeRoute `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Validate checks the notice object for structural problems.
func (n *NoticeObject) Validate() error {
	if n.Name == "" {
		return ErrEmptyNoticeName
	}
	if !n.ChannelKind.IsValid() {
		return ErrInvalidChannelKind
	}
	if n.ChannelKind == ChannelEmail {
		if n.EmailConfig == nil || len(n.EmailConfig.To) == 0 {
			return ErrMissingEmailConfig
		}
		for _, addr := range append(append([]string{}, n.EmailConfig.To...), n.EmailConfig.CC...) {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("invalid email address %q: %w", addr, err)
			}
		}
	} else {
		if n.DefaultHook == "" {
			return ErrMissingHook
		}
		if _, err := url.ParseRequestURI(n.DefaultHook); err != nil {
			return fmt.Errorf("invalid defaultHook: %w", err)
		}
	}
	if len(n.Routes) > MaxNoticeRoutes {
		return ErrTooManyNoticeRoutes
	}
	seen := make(map[Severity]struct{}, len(n.Routes))
	for _, r := range n.Routes {
		if !r.Severity.IsValid() {
			return fmt.Errorf("route severity %q is invalid", r.Severity)
		}
		if _, dup := seen[r.Severity]; dup {
			return ErrDuplicateRoute
		}
		seen[r.Severity] = struct{}{}
	}
	return nil
}

// RouteFor returns the route configured for severity, if any.
func (n *NoticeObject) RouteFor(s Severity) (NoticeRoute, bool) {
	for _, r := range n.Routes {
		if r.Severity == s {
			return r, true
		}
	}
	return NoticeRoute{}, false
}

// NoticeTarget is a resolved dispatch request for one NoticeObject.
type NoticeTarget struct {
	NoticeID    string      `json:"noticeId"`
	ChannelKind ChannelKind `json:"channelKind"`

	// Hook is the webhook URL; empty for Email.
	Hook string `json:"hook,omitempty"`

	// Recipients are the email addresses; empty for webhook channels.
	Recipients []string `json:"recipients,omitempty"`
	CC         []string `json:"cc,omitempty"`

	Sign       string `json:"-"`
	TemplateID string `json:"templateId"`

	// RenderedPayload is filled by the notifier just before delivery.
	RenderedPayload string `json:"renderedPayload,omitempty"`
}

// Destination is a printable form of where the target is delivered.
func (t NoticeTarget) Destination() string {
	if t.ChannelKind == ChannelEmail {
		return fmt.Sprint(t.Recipients)
	}
	return t.Hook
}

// NoticeTemplate is a text/template pair rendered for each notification.
type NoticeTemplate struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

// ErrEmptyTemplateBody is returned when a template has nothing to render.
var ErrEmptyTemplateBody = errors.New("body is required")

// Validate checks the template has an id and a body.
func (t *NoticeTemplate) Validate() error {
	if t.Body == "" {
		return ErrEmptyTemplateBody
	}
	return nil
}
