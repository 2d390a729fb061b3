package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/lukaswerner/displaywatch/internal/model"
)

// EmailProvider sends alert notifications over SMTP with STARTTLS.
type EmailProvider struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	recipients []string
	tmpl       *template.Template
}

// NewEmail creates an email notification provider.
func NewEmail(host string, port int, username, password, from string, recipients []string) (*EmailProvider, error) {
	tmpl, err := template.New("alert").Parse(alertEmailTemplate)
	if err != nil {
		return nil, fmt.Errorf("email: parsing template: %w", err)
	}
	return &EmailProvider{
		host:       host,
		port:       port,
		username:   username,
		password:   password,
		from:       from,
		recipients: recipients,
		tmpl:       tmpl,
	}, nil
}

func (p *EmailProvider) Name() string           { return "email" }
func (p *EmailProvider) Channel() model.Channel { return model.ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("email: %w", err)
	}

	var htmlBuf bytes.Buffer
	if err := p.tmpl.Execute(&htmlBuf, n); err != nil {
		return fmt.Errorf("email: rendering body: %w", err)
	}

	e := email.NewEmail()
	e.From = p.from
	e.To = p.recipients
	e.Subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title)
	e.Text = []byte(n.Message)
	e.HTML = htmlBuf.Bytes()

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	var auth smtp.Auth
	if p.username != "" {
		auth = smtp.PlainAuth("", p.username, p.password, p.host)
	}

	if err := e.SendWithStartTLS(addr, auth, &tls.Config{ServerName: p.host}); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

const alertEmailTemplate = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; background-color: #f8fafc; }
        .container { max-width: 600px; margin: 40px auto; background-color: #ffffff; border-radius: 12px; overflow: hidden; }
        .header { background: #1a202c; color: white; padding: 28px; text-align: center; }
        .header h1 { font-size: 22px; margin: 0; }
        .severity { display: inline-block; margin-top: 8px; padding: 4px 12px; border-radius: 4px; font-size: 13px; text-transform: uppercase; background: #e53e3e; }
        .content { padding: 30px 28px; }
        .message { font-size: 16px; color: #4a5568; white-space: pre-wrap; }
        .meta { margin-top: 24px; font-size: 14px; color: #718096; }
        .footer { background-color: #f7fafc; padding: 22px; text-align: center; border-top: 1px solid #e2e8f0; font-size: 13px; color: #718096; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>{{.Title}}</h1>
            <span class="severity">{{.Severity}}</span>
        </div>
        <div class="content">
            <div class="message">{{.Message}}</div>
            <div class="meta">
                Display: {{.DisplayName}} ({{.DisplayID}})<br>
                Alert type: {{.AlertType}}<br>
                Raised at: {{.Timestamp}}
            </div>
        </div>
        <div class="footer">This is an automated message from displaywatch, please do not reply.</div>
    </div>
</body>
</html>`
