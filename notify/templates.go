package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"Gin_postgres_redis_gage_lease/models"

	"github.com/Masterminds/sprig/v3"
)

type Event string

const (
	EventRequested    Event = "requested"
	EventApproved     Event = "approved"
	EventRejected     Event = "rejected"
	EventCancelled    Event = "cancelled"
	EventReclaimed    Event = "reclaimed"
	EventExpiringSoon Event = "expiring_soon"
	EventDigest       Event = "digest"
)

const stampLayout = "2006-01-02 15:04 MST"

var messageTemplates = map[Event][2]string{
	EventRequested: {
		`[Gage {{ .Lease.GageSerial }}] reallocation requested`,
		`{{ .Lease.RequestedBy }} requested gage {{ .Lease.GageSerial }} for {{ template "unit" .Lease.CurrentUnit }}.
Time limit: {{ .Lease.TimeLimit }}
Reason: {{ .Lease.Reason | default "(none)" }}
Request id: {{ .Lease.ID }}
`,
	},
	EventApproved: {
		`[Gage {{ .Lease.GageSerial }}] reallocation approved`,
		`Gage {{ .Lease.GageSerial }} is allocated to {{ template "unit" .Lease.CurrentUnit }}.
Approved by: {{ deref .Lease.ApprovedBy | default "-" }}
{{- if .Lease.ExpiresAt }}
Return by: {{ date "` + stampLayout + `" .Lease.ExpiresAt }}
{{- end }}
{{- if .Lease.Notes }}
Notes: {{ .Lease.Notes }}
{{- end }}
`,
	},
	EventRejected: {
		`[Gage {{ .Lease.GageSerial }}] reallocation rejected`,
		`The request by {{ .Lease.RequestedBy }} for gage {{ .Lease.GageSerial }} was rejected by {{ deref .Lease.ApprovedBy | default "-" }}.
Reason: {{ .Lease.RejectionReason | default "(none)" }}
`,
	},
	EventCancelled: {
		`[Gage {{ .Lease.GageSerial }}] reallocation cancelled`,
		`The reallocation of gage {{ .Lease.GageSerial }} was cancelled by {{ deref .Lease.CancelledBy | default "-" }}.
Reason: {{ .Lease.CancelReason | default "(none)" }}
`,
	},
	EventReclaimed: {
		`[Gage {{ .Lease.GageSerial }}] returned{{ if .Lease.ForcedReturn }} (forced){{ end }}`,
		`Gage {{ .Lease.GageSerial }} has been returned by {{ deref .Lease.ReturnedBy | default "-" }}.
Reason: {{ .Lease.ReturnReason | default "(none)" }}
{{- if not .Lease.ForcedReturn }}
Custody restored to {{ template "unit" .Lease.OriginalUnit }}.
{{- end }}
`,
	},
	EventExpiringSoon: {
		`[Gage {{ .Lease.GageSerial }}] allocation expires soon`,
		`Your allocation of gage {{ .Lease.GageSerial }} expires {{ if .Lease.ExpiresAt }}at {{ date "` + stampLayout + `" .Lease.ExpiresAt }}{{ end }} ({{ .Remaining }} left).
Please return it or ask for an extension.
`,
	},
}

const digestSubject = `Gage reallocation digest {{ dateInZone "2006-01-02" .Now "UTC" }}`

const digestBody = `Pending approval: {{ .Pending }}
Expiring within the window: {{ len .Expiring }}
{{- range .Expiring }}
- {{ .GageSerial }} held by {{ .CurrentUnit.Department }} for {{ .RequestedBy }}{{ if .ExpiresAt }}, expires {{ date "` + stampLayout + `" .ExpiresAt }}{{ end }}
{{- end }}
`

const unitPartial = `{{ define "unit" }}{{ .Department | default "-" }}/{{ .Function | default "-" }}/{{ .Operation | default "-" }}{{ end }}`

type pair struct{ subject, body *template.Template }

var (
	compiled = map[Event]pair{}
	digest   pair
)

func funcs() template.FuncMap {
	f := sprig.TxtFuncMap()
	f["deref"] = func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return f
}

func mustParse(name, text string) *template.Template {
	t := template.New(name).Funcs(funcs())
	template.Must(t.Parse(unitPartial))
	return template.Must(t.Parse(text))
}

func init() {
	for ev, tt := range messageTemplates {
		compiled[ev] = pair{
			subject: mustParse(string(ev)+"-subject", tt[0]),
			body:    mustParse(string(ev)+"-body", tt[1]),
		}
	}
	digest = pair{
		subject: mustParse("digest-subject", digestSubject),
		body:    mustParse("digest-body", digestBody),
	}
}

type leaseData struct {
	Lease     *models.Reallocation
	Remaining string
	Now       time.Time
}

type digestData struct {
	Pending  int64
	Expiring []models.Reallocation
	Now      time.Time
}

func execute(p pair, data any) (string, string, error) {
	var subj, body bytes.Buffer
	if err := p.subject.Execute(&subj, data); err != nil {
		return "", "", err
	}
	if err := p.body.Execute(&body, data); err != nil {
		return "", "", err
	}
	return subj.String(), body.String(), nil
}

// RenderLease renders the subject and body for a per-lease event.
func RenderLease(ev Event, l *models.Reallocation, now time.Time) (string, string, error) {
	p, ok := compiled[ev]
	if !ok {
		return "", "", fmt.Errorf("no template for event %q", ev)
	}
	remaining := "-"
	if d := l.Remaining(now); d != nil {
		remaining = d.Truncate(time.Minute).String()
	}
	return execute(p, leaseData{Lease: l, Remaining: remaining, Now: now})
}

func RenderDigest(pending int64, expiring []models.Reallocation, now time.Time) (string, string, error) {
	return execute(digest, digestData{Pending: pending, Expiring: expiring, Now: now})
}
