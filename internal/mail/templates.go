package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

const (
	resetSubject   = "Reset your password"
	changedSubject = "Your password was changed"
)

var (
	resetHTML = htmltemplate.Must(htmltemplate.New("reset").Parse(
		`<p>We received a request to reset your password.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>This link expires in {{.Expires}}. If you did not ask for a reset, you can ignore this email.</p>
`))
	resetText = texttemplate.Must(texttemplate.New("reset").Parse(
		`We received a request to reset your password.

Choose a new password: {{.Link}}

This link expires in {{.Expires}}. If you did not ask for a reset, you can ignore this email.
`))

	changedHTML = htmltemplate.Must(htmltemplate.New("changed").Parse(
		`<p>The password for {{.Email}} was just changed.</p>
<p>If this was not you, reset your password immediately.</p>
`))
	changedText = texttemplate.Must(texttemplate.New("changed").Parse(
		`The password for {{.Email}} was just changed.

If this was not you, reset your password immediately.
`))
)

type resetData struct {
	Link    string
	Expires string
}

type changedData struct {
	Email string
}

// ResetEmail builds the password reset message carrying link.
func ResetEmail(to, link string, ttl time.Duration) (Message, error) {
	data := resetData{Link: link, Expires: humanDuration(ttl)}
	return render(to, resetSubject, resetHTML, resetText, data)
}

// PasswordChangedEmail builds the confirmation sent after a reset.
func PasswordChangedEmail(to string) (Message, error) {
	return render(to, changedSubject, changedHTML, changedText, changedData{Email: to})
}

func render(to, subject string, h *htmltemplate.Template, t *texttemplate.Template, data any) (Message, error) {
	var hb, tb bytes.Buffer
	if err := h.Execute(&hb, data); err != nil {
		return Message{}, fmt.Errorf("mail: rendering %s html: %w", h.Name(), err)
	}
	if err := t.Execute(&tb, data); err != nil {
		return Message{}, fmt.Errorf("mail: rendering %s text: %w", t.Name(), err)
	}
	return Message{To: to, Subject: subject, HTML: hb.String(), Text: tb.String()}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
