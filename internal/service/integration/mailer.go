package integration

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

type EmailMessage struct {
	ToName    string
	ToAddress string
	Subject   string
	Text      string
}

type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type sendgridMailer struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
	logger     zerolog.Logger
}

// NewMailer returns a SendGrid mailer, or one that only logs when no API
// key is configured.
func NewMailer(apiKey, fromName, fromAddress, subjectPrefix string, logger zerolog.Logger) Mailer {
	if apiKey == "" {
		logger.Warn().Msg("No SendGrid API key configured, emails will only be logged")
		return &logMailer{logger: logger, subjPrefix: subjectPrefix}
	}

	return &sendgridMailer{
		key:        apiKey,
		host:       sendgridHost,
		from:       sgmail.NewEmail(fromName, fromAddress),
		subjPrefix: subjectPrefix,
		logger:     logger,
	}
}

func (m *sendgridMailer) prepare(msg EmailMessage) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = m.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.ToAddress))

	mail := sgmail.NewV3Mail()
	mail.SetFrom(m.from)
	mail.AddPersonalizations(p)
	mail.AddContent(sgmail.NewContent("text/plain", msg.Text))
	return mail
}

func (m *sendgridMailer) Send(ctx context.Context, msg EmailMessage) error {
	if msg.ToAddress == "" {
		return fmt.Errorf("email %q has no recipient", msg.Subject)
	}

	req := sendgrid.GetRequest(m.key, sendgridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid returned status %d: %s", res.StatusCode, res.Body)
	}

	m.logger.Info().
		Str("to", msg.ToAddress).
		Str("subject", msg.Subject).
		Msg("Email sent")
	return nil
}

type logMailer struct {
	logger     zerolog.Logger
	subjPrefix string
}

func (m *logMailer) Send(ctx context.Context, msg EmailMessage) error {
	m.logger.Info().
		Str("to", msg.ToAddress).
		Str("subject", m.subjPrefix+msg.Subject).
		Str("body", msg.Text).
		Msg("Email (not sent)")
	return nil
}
