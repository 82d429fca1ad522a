package orchestrator

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/fyrsmithlabs/changeflow/internal/compliance"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// prBodyTemplate is the fixed-section PR body. Content is substituted into
// the sections; the body is never free text.
var prBodyTemplate = template.Must(template.New("prbody").Parse(`<h2>Summary</h2>
<p>{{.Summary}}</p>
<h2>Issue link</h2>
<p>{{if .IssueURL}}<a href="{{.IssueURL}}">{{.IssueKey}}</a>{{else}}{{.IssueKey}}{{end}}</p>
<h2>Changes</h2>
<ul>
{{- range .Changes}}
<li><code>{{.}}</code></li>
{{- end}}
</ul>
<h2>Tests &amp; Coverage</h2>
<p>{{.Coverage}}</p>
<h2>Risk &amp; Mitigations</h2>
<p>{{.Risk}}</p>
<h2>DCO</h2>
<p>All commits are signed off: <code>{{.SignOff}}</code></p>
`))

type prBodyData struct {
	Summary  string
	IssueKey string
	IssueURL string
	Changes  []string
	Coverage string
	Risk     string
	SignOff  string
}

// RenderPRBody renders the fixed-section HTML body for the task's PR.
func RenderPRBody(t *task.Task, changedPaths []string, ident compliance.Identity) (string, error) {
	summary := t.Description
	if summary == "" {
		summary = t.Title
	}

	coverage := "Coverage data not yet collected."
	if t.Compliance != nil {
		coverage = fmt.Sprintf("Coverage %.1f%% (delta %+.1f%%).", t.Compliance.CoverageAbsolute, t.Compliance.CoverageDelta)
		if t.Compliance.CoverageRegressionReported {
			coverage += " A non-blocking coverage drop was reported."
		}
	}

	risk := "No protected files touched."
	if t.Compliance != nil && len(t.Compliance.ProtectedFilesTouched) > 0 {
		risk = fmt.Sprintf("Protected files touched with explicit approval: %s.", strings.Join(t.Compliance.ProtectedFilesTouched, ", "))
	}

	issueKey := t.IssueKey
	if issueKey == "" {
		issueKey = t.ID
	}

	var b strings.Builder
	err := prBodyTemplate.Execute(&b, prBodyData{
		Summary:  summary,
		IssueKey: issueKey,
		IssueURL: t.IssueURL,
		Changes:  changedPaths,
		Coverage: coverage,
		Risk:     risk,
		SignOff:  ident.SignOffLine(),
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// FormatCommitMessage renders the commit message wire format:
//
//	<subject> (<issueId>)
//
//	<body>
//
//	Signed-off-by: <name> <email>
func FormatCommitMessage(subject, issueID, body string, ident compliance.Identity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", subject, issueID)
	if body != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(body, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(ident.SignOffLine())
	b.WriteString("\n")
	return b.String()
}
