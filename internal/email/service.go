// Package email sends notification mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return nil
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-cutline"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type MentionData struct {
	AppName     string
	AuthorName  string
	ProjectName string
	Excerpt     string
	ProjectURL  string
}

type TeamInviteData struct {
	AppName    string
	UserName   string
	TeamName   string
	InvitedBy  string
	Role       string
	ProjectURL string
}

// SendMentionEmail tells one member they were mentioned in a comment.
func (s *Service) SendMentionEmail(to string, data MentionData) error {
	data.AppName = s.appName()
	html, err := renderTemplate(mentionEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render mention template: %w", err)
	}
	subject := fmt.Sprintf("%s mentioned you in %s", data.AuthorName, data.ProjectName)
	text := fmt.Sprintf("%s mentioned you:\n\n%s\n\n%s", data.AuthorName, data.Excerpt, data.ProjectURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendTeamInviteEmail tells a user they were added to a team.
func (s *Service) SendTeamInviteEmail(to string, data TeamInviteData) error {
	data.AppName = s.appName()
	html, err := renderTemplate(teamInviteEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render team invite template: %w", err)
	}
	subject := fmt.Sprintf("You were added to %s", data.TeamName)
	text := fmt.Sprintf("%s added you to %s as %s.\n\n%s", data.InvitedBy, data.TeamName, data.Role, data.ProjectURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) appName() string {
	if s.config.FromName != "" {
		return s.config.FromName
	}
	return "Cutline"
}

func headerSafe(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const mentionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AuthorName}} mentioned you</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #d9480f; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; white-space: pre-wrap; }
        .button { display: inline-block; padding: 12px 24px; background: #d9480f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    <p><strong>{{.AuthorName}}</strong> mentioned you in <strong>{{.ProjectName}}</strong>:</p>
    <p class="quote">{{.Excerpt}}</p>
    <p>
        <a href="{{.ProjectURL}}" class="button">Open project</a>
    </p>
</body>
</html>`

const teamInviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You were added to {{.TeamName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #d9480f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #d9480f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    <h2>Hi {{.UserName}},</h2>
    <p>{{.InvitedBy}} added you to <strong>{{.TeamName}}</strong> as {{.Role}}.</p>
    <p>
        <a href="{{.ProjectURL}}" class="button">Open {{.AppName}}</a>
    </p>
</body>
</html>`
