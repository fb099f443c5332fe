package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template keys understood by Render.
const (
	TemplateStatusChanged        = "status_changed"
	TemplateExternalEventApplied = "external_event_applied"
	TemplateExternalEventFailed  = "external_event_failed"
)

// Content is a rendered message.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

type templateSpec struct {
	file    string
	subject string
	text    string
}

var templates = map[string]templateSpec{
	TemplateStatusChanged: {
		file:    "status_changed.html",
		subject: subjectStatusChanged,
		text:    "{{.kind}} {{.entityId}} moved from {{.fromStatus}} to {{.toStatus}}.",
	},
	TemplateExternalEventApplied: {
		file:    "external_event_applied.html",
		subject: subjectExternalEventApplied,
		text:    "{{.provider}} event {{.eventType}} applied to {{.entityKind}} {{.entityId}}.",
	},
	TemplateExternalEventFailed: {
		file:    "external_event_failed.html",
		subject: subjectExternalEventFailed,
		text:    "{{.provider}} event {{.externalId}} ({{.eventType}}) was rejected: {{.reason}}",
	},
}

// HasTemplate reports whether key names a known template.
func HasTemplate(key string) bool {
	_, ok := templates[key]
	return ok
}

// Render produces the subject, HTML body and plain-text body for key.
func Render(key string, data map[string]any) (Content, error) {
	spec, ok := templates[key]
	if !ok {
		return Content{}, fmt.Errorf("unknown email template %q", key)
	}

	subject, err := renderText(key+".subject", spec.subject, data)
	if err != nil {
		return Content{}, err
	}
	text, err := renderText(key+".text", spec.text, data)
	if err != nil {
		return Content{}, err
	}
	html, err := renderEmailTemplate(spec.file, emailData{Title: subject, Fields: data})
	if err != nil {
		return Content{}, err
	}
	return Content{Subject: subject, HTML: html, Text: text}, nil
}

type emailData struct {
	Title  string
	Fields map[string]any
}

func renderEmailTemplate(name string, data any) (string, error) {
	tmpl, err := template.New("base.html").Option("missingkey=zero").ParseFS(templateFS, "templates/base.html", "templates/"+name)
	if err != nil {
		return "", fmt.Errorf("parse email template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return "", fmt.Errorf("execute email template %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderText(name, text string, data map[string]any) (string, error) {
	tmpl, err := texttemplate.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
