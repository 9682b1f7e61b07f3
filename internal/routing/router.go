// Package routing maps a firing event to the notification targets it must reach.
package routing

import (
	"watchalert/internal/domain"
)

// NoticeLookup resolves notice objects by id.
type NoticeLookup interface {
	NoticeObject(id string) (*domain.NoticeObject, bool)
}

// NoticeMap is a NoticeLookup over a plain map.
type NoticeMap map[string]*domain.NoticeObject

func (m NoticeMap) NoticeObject(id string) (*domain.NoticeObject, bool) {
	n, ok := m[id]
	return n, ok
}

// Result is the outcome of resolving one event.
type Result struct {
	Targets []domain.NoticeTarget

	// MatchedRoute is the index of the label route used, or -1 for defaults.
	MatchedRoute int

	// Missing lists notice ids that no longer exist.
	Missing []string
}

// NoticeIDs picks the notice ids for labels: the first label route whose key
// is present with an exactly equal value, else the fault center defaults.
func NoticeIDs(fc *domain.FaultCenter, labels map[string]string) ([]string, int) {
	for i, r := range fc.LabelRoutes {
		if r.Matches(labels) {
			return r.NoticeIDs, i
		}
	}
	return fc.DefaultNoticeIDs, -1
}

// Resolve returns one target per resolved notice id occurrence. Ids are never
// deduplicated. Unknown ids are reported in Result.Missing and skipped.
func Resolve(event *domain.Event, fc *domain.FaultCenter, notices NoticeLookup) Result {
	ids, matched := NoticeIDs(fc, event.Labels)
	res := Result{MatchedRoute: matched}
	for _, id := range ids {
		n, ok := notices.NoticeObject(id)
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		res.Targets = append(res.Targets, Target(n, event.Severity))
	}
	return res
}

// Target builds the target of notice for an event of severity, applying the
// notice's per-severity route on top of its defaults.
func Target(n *domain.NoticeObject, severity domain.Severity) domain.NoticeTarget {
	t := domain.NoticeTarget{
		NoticeID:    n.ID,
		ChannelKind: n.ChannelKind,
		Hook:        n.DefaultHook,
		Sign:        n.Sign,
		TemplateID:  n.DefaultTemplateID,
	}
	if n.EmailConfig != nil {
		t.Hook = ""
		t.Recipients = append([]string(nil), n.EmailConfig.To...)
		t.CC = append([]string(nil), n.EmailConfig.CC...)
	}

	route, ok := n.RouteFor(severity)
	if !ok {
		return t
	}
	if n.ChannelKind == domain.ChannelEmail {
		if len(route.Recipients) > 0 {
			t.Recipients = append([]string(nil), route.Recipients...)
		}
	} else if route.Hook != "" {
		t.Hook = route.Hook
	}
	if route.TemplateOverride != "" {
		t.TemplateID = route.TemplateOverride
	}
	return t
}
