package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

// Message is one rendered notification for one recipient.
type Message struct {
	AlertID     string
	Severity    types.Severity
	Metric      string
	To          string
	Subject     string
	Body        string
	Remediation []string
	At          time.Time
	Alert       types.Alert
}

// remediation lists the first actions for an on-call admin, per metric.
var remediation = map[string][]string{
	types.MetricAuthFailures: {
		"Review the authentication log for the source addresses involved.",
		"Lock or reset the affected crew and instructor accounts.",
		"Confirm login throttling is enabled on the public endpoints.",
	},
	types.MetricRateLimitViolations: {
		"Identify the clients hitting the limiter and check whether they are known integrations.",
		"Block abusive source addresses at the edge.",
		"Check whether a training session or exam launch explains the burst.",
	},
	types.MetricInjectionAttempts: {
		"Inspect the rejected payloads and the endpoints they targeted.",
		"Verify input validation on the affected forms and API routes.",
		"Block the originating addresses and preserve the request logs.",
	},
	types.MetricMalwareDetections: {
		"Quarantine the flagged uploads and keep them out of course material.",
		"Identify the accounts that uploaded the files and suspend them pending review.",
		"Run a full scan of the document store.",
	},
}

var defaultRemediation = []string{
	"Review recent security events for the affected component.",
	"Escalate to the security officer if the cause is not clear.",
}

// Remediation returns the remediation steps for metric.
func Remediation(metric string) []string {
	if steps, ok := remediation[metric]; ok {
		return steps
	}
	return defaultRemediation
}

const warningBody = `Security warning on {{.Metric}}.

Observed value {{value .Observed}} reached the warning threshold of {{value .Threshold}} at {{.At.UTC.Format "2006-01-02 15:04:05 MST"}}.

{{.Message}}

Suggested actions:
{{range .Remediation}}  - {{.}}
{{end}}
Alert ID: {{.AlertID}}
`

const criticalBody = `CRITICAL security alert on {{.Metric}}.

Observed value {{value .Observed}} reached the critical threshold of {{value .Threshold}} at {{.At.UTC.Format "2006-01-02 15:04:05 MST"}}.
Immediate attention is required.

{{.Message}}

Required actions:
{{range .Remediation}}  - {{.}}
{{end}}
Alert ID: {{.AlertID}}
`

var funcs = template.FuncMap{
	"value": func(v float64) string { return fmt.Sprintf("%g", v) },
}

// Renderer turns an alert into a Message using one template per severity.
type Renderer struct {
	bodies map[types.Severity]*template.Template
}

// NewRenderer parses the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{
		bodies: map[types.Severity]*template.Template{
			types.SeverityWarning:  template.Must(template.New("warning").Funcs(funcs).Parse(warningBody)),
			types.SeverityCritical: template.Must(template.New("critical").Funcs(funcs).Parse(criticalBody)),
		},
	}
}

type view struct {
	AlertID     string
	Metric      string
	Observed    float64
	Threshold   float64
	Message     string
	At          time.Time
	Remediation []string
}

// Render builds the message for a addressed to to.
func (r *Renderer) Render(a types.Alert, to string) (Message, error) {
	tmpl, ok := r.bodies[a.Severity]
	if !ok {
		return Message{}, fmt.Errorf("notify: no template for severity %q", a.Severity)
	}
	steps := Remediation(a.Metric)
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, view{
		AlertID:     a.ID,
		Metric:      a.Metric,
		Observed:    a.ObservedValue,
		Threshold:   a.ThresholdValue,
		Message:     a.Message,
		At:          a.CreatedAt,
		Remediation: steps,
	})
	if err != nil {
		return Message{}, fmt.Errorf("notify: render %s: %w", a.Severity, err)
	}
	return Message{
		AlertID:     a.ID,
		Severity:    a.Severity,
		Metric:      a.Metric,
		To:          to,
		Subject:     fmt.Sprintf("%s %s: %s", severityLabel(a.Severity), a.Metric, a.Message),
		Body:        buf.String(),
		Remediation: steps,
		At:          a.CreatedAt,
		Alert:       a,
	}, nil
}

func severityLabel(s types.Severity) string {
	return "[" + strings.ToUpper(string(s)) + "]"
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "FF4F6A"
	case types.SeverityWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
