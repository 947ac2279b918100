// Package messaging delivers scheduled contact attempts through Twilio and
// turns Twilio status callbacks into referral outcomes.
package messaging

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/BTreeMap/ReferralPipe/internal/models"
)

// defaultTemplates holds the text sent for each status snapshot.
var defaultTemplates = map[models.Status]string{
	models.StatusTextMessage1: "Hello {{.GivenName}}, your GP has referred you to the NHS Digital Weight Management Programme. " +
		"Choose a provider to get started: {{.Link}}",
	models.StatusTextMessage2: "Hello {{.GivenName}}, a reminder that you have been referred to the NHS Digital Weight Management Programme. " +
		"Choose a provider here: {{.Link}}",
	models.StatusTextMessage3: "Hello {{.GivenName}}, we have not been able to reach you about your NHS Digital Weight Management referral. " +
		"This is your last reminder to choose a provider: {{.Link}}",
	models.StatusProviderRejectedTextMessage: "Hello {{.GivenName}}, your chosen provider could not accept your referral. " +
		"Choose another provider here: {{.Link}}",
	models.StatusProviderTerminatedTextMessage: "Hello {{.GivenName}}, your provider has ended your NHS Digital Weight Management programme. " +
		"Contact your GP practice if you would like to be referred again.",
	models.StatusCancelledDuplicateTextMessage: "Hello {{.GivenName}}, you already have an open referral to the NHS Digital Weight Management Programme " +
		"so we have closed your most recent one. You do not need to do anything.",
}

// templateData is what message templates can refer to.
type templateData struct {
	GivenName string
	Ubrn      string
	Link      string
}

// Templates renders contact messages.
type Templates struct {
	byStatus map[models.Status]*template.Template
	linkBase string
}

// NewTemplates parses the message templates. overrides replace the default
// text for individual statuses. linkBase prefixes the link id in {{.Link}}.
func NewTemplates(linkBase string, overrides map[models.Status]string) (*Templates, error) {
	text := make(map[models.Status]string, len(defaultTemplates))
	for st, body := range defaultTemplates {
		text[st] = body
	}
	for st, body := range overrides {
		text[st] = body
	}

	t := &Templates{byStatus: make(map[models.Status]*template.Template, len(text)), linkBase: strings.TrimRight(linkBase, "/")}
	for st, body := range text {
		tmpl, err := template.New(st.String()).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template for %s: %w", st, err)
		}
		t.byStatus[st] = tmpl
	}
	return t, nil
}

// Link returns the full link for a link id.
func (t *Templates) Link(linkID string) string {
	if linkID == "" {
		return t.linkBase
	}
	return t.linkBase + "/" + linkID
}

// Render returns the message body for an attempt made to r.
func (t *Templates) Render(status models.Status, r *models.Referral, linkID string) (string, error) {
	tmpl, ok := t.byStatus[status]
	if !ok {
		return "", fmt.Errorf("no message template for status %s", status)
	}
	name := r.GivenName
	if name == "" {
		name = "there"
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{GivenName: name, Ubrn: r.Ubrn, Link: t.Link(linkID)}); err != nil {
		return "", fmt.Errorf("failed to render template for %s: %w", status, err)
	}
	return buf.String(), nil
}
