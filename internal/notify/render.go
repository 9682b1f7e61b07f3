package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"watchalert/internal/domain"
)

// TemplateLookup resolves notice templates by id.
type TemplateLookup interface {
	Template(id string) (*domain.NoticeTemplate, bool)
}

// DefaultTemplate is used when a target names no template or a missing one.
var DefaultTemplate = domain.NoticeTemplate{
	ID:    "default",
	Name:  "default",
	Title: `[{{ .Severity }}] {{ .RuleName }} {{ kindTitle .Kind }}`,
	Body: `Rule: {{ .RuleName }} ({{ .RuleID }})
Severity: {{ .Severity }}
Status: {{ .Status }}
First triggered: {{ formatTime .FirstTriggerAt }}
{{- if eq (print .Kind) "recovery" }}
Recovered: {{ formatTime .RecoverAt }}
{{- end }}
{{- if .ClaimedBy }}
Claimed by: {{ .ClaimedBy }}
{{- end }}
Labels:
{{- range .SortedLabels }}
  {{ .Key }}={{ .Value }}
{{- end }}`,
}

var funcs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05 MST")
	},
	"kindTitle": func(k domain.NoticeKind) string {
		switch k {
		case domain.NoticeRepeat:
			return "is still firing"
		case domain.NoticeEscalation:
			return "is unclaimed, escalating"
		case domain.NoticeRecovery:
			return "recovered"
		default:
			return "is firing"
		}
	},
	"upper": strings.ToUpper,
	"join":  strings.Join,
}

// Renderer turns a Message into a title and body using notice templates.
type Renderer struct {
	templates TemplateLookup
}

// NewRenderer creates a renderer resolving templates through lookup. A nil
// lookup renders everything with DefaultTemplate.
func NewRenderer(lookup TemplateLookup) *Renderer {
	return &Renderer{templates: lookup}
}

// Render executes template id against msg.
func (r *Renderer) Render(id string, msg Message) (title, body string, err error) {
	tpl := &DefaultTemplate
	if id != "" && r.templates != nil {
		if t, ok := r.templates.Template(id); ok {
			tpl = t
		}
	}

	if title, err = execute(tpl.ID+".title", tpl.Title, msg); err != nil {
		return "", "", err
	}
	if body, err = execute(tpl.ID+".body", tpl.Body, msg); err != nil {
		return "", "", err
	}
	return title, body, nil
}

func execute(name, text string, msg Message) (string, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, msg); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
