package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Template renders one kind of message. HTML output is escaped; the plain
// text part is not.
type Template struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// MustTemplate parses the three parts and panics on a parse error. Use it for
// package-level templates.
func MustTemplate(name, subject, html, text string) *Template {
	t, err := NewTemplate(name, subject, html, text)
	if err != nil {
		panic(err)
	}
	return t
}

func NewTemplate(name, subject, html, text string) (*Template, error) {
	s, err := texttemplate.New(name + ".subject").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse %s subject: %w", name, err)
	}
	h, err := htmltemplate.New(name + ".html").Parse(html)
	if err != nil {
		return nil, fmt.Errorf("parse %s html: %w", name, err)
	}
	t, err := texttemplate.New(name + ".text").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s text: %w", name, err)
	}
	return &Template{subject: s, html: h, text: t}, nil
}

// Render builds a Message for the given recipients.
func (t *Template) Render(to []string, data any) (Message, error) {
	var subject, html, text bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, err
	}
	if err := t.html.Execute(&html, data); err != nil {
		return Message{}, err
	}
	if err := t.text.Execute(&text, data); err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: subject.String(),
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
