// Package email provides the email.list_recent and email.send tools over
// IMAP and SMTP. Both refuse to run until the user has granted consent in
// the configuration.
package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/wneessen/go-mail"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/internal/config"
)

const (
	defaultListLimit = 10
	maxListLimit     = 50
)

// consentDenied is the value returned by both tools when consent is off.
// It is a value, not an error: the model should relay it, not retry.
var consentDenied = map[string]any{"error": "Email consent not granted"}

// Summary is one inbox entry as the model sees it.
type Summary struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
}

// Connector binds the email tools to an IMAP/SMTP account. The transport
// functions are swappable for tests; production uses the IMAP and SMTP
// implementations below.
type Connector struct {
	cfg      config.EmailSettings
	password string

	list func(ctx context.Context, limit int) ([]Summary, error)
	send func(ctx context.Context, to, subject, body string) error
}

// New returns a connector for the configured account. The password comes
// from the secrets store, not the config file.
func New(cfg config.EmailSettings, password string) *Connector {
	c := &Connector{cfg: cfg, password: password}
	c.list = c.listIMAP
	c.send = c.sendSMTP
	return c
}

// Descriptors returns the email.list_recent and email.send tools.
func (c *Connector) Descriptors() []agent.Descriptor {
	return []agent.Descriptor{
		{
			Name:        "email.list_recent",
			Description: "List recent email subjects via IMAP (requires consent_granted).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{
						"type":    "integer",
						"default": defaultListLimit,
						"minimum": 1,
						"maximum": maxListLimit,
					},
				},
				"required":             []any{},
				"additionalProperties": false,
			},
			Handler: c.listRecent,
		},
		{
			Name:        "email.send",
			Description: "Send an email via SMTP (high risk; requires approval).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":      map[string]any{"type": "string"},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
				},
				"required":             []any{"to", "subject", "body"},
				"additionalProperties": false,
			},
			RequiresWrite:    true,
			RequiresApproval: true,
			ApprovalSummary:  "Send an email",
			Handler:          c.sendHandler,
		},
	}
}

func (c *Connector) listRecent(ctx context.Context, args map[string]any) (any, error) {
	if !c.cfg.ConsentGranted {
		return consentDenied, nil
	}
	limit := defaultListLimit
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	summaries, err := c.list(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent mail: %w", err)
	}
	return summaries, nil
}

func (c *Connector) sendHandler(ctx context.Context, args map[string]any) (any, error) {
	if !c.cfg.ConsentGranted {
		return consentDenied, nil
	}
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)

	if err := c.send(ctx, to, subject, body); err != nil {
		return nil, fmt.Errorf("send mail: %w", err)
	}
	return "sent", nil
}

// listIMAP fetches envelopes for the newest limit messages in INBOX,
// newest first.
func (c *Connector) listIMAP(_ context.Context, limit int) ([]Summary, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort)
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Login(c.cfg.Username, c.password).Wait(); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	mbox, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	if mbox.NumMessages == 0 {
		return []Summary{}, nil
	}

	lo := uint32(1)
	if mbox.NumMessages > uint32(limit) {
		lo = mbox.NumMessages - uint32(limit) + 1
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(lo, mbox.NumMessages)

	msgs, err := client.Fetch(seqSet, &imap.FetchOptions{Envelope: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	out := make([]Summary, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		env := msgs[i].Envelope
		if env == nil {
			continue
		}
		out = append(out, Summary{From: formatFrom(env), Subject: env.Subject})
	}

	_ = client.Logout().Wait()
	return out, nil
}

func formatFrom(env *imap.Envelope) string {
	if len(env.From) == 0 {
		return ""
	}
	addr := env.From[0]
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
	}
	return addr.Addr()
}

// sendSMTP delivers one plain-text message over STARTTLS.
func (c *Connector) sendSMTP(ctx context.Context, to, subject, body string) error {
	from := c.cfg.SMTPFrom
	if from == "" {
		from = c.cfg.Username
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(c.cfg.SMTPHost,
		mail.WithPort(c.cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(c.cfg.Username),
		mail.WithPassword(c.password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
