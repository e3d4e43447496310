// Package mail implements the notify.Transport over SMTP.
package mail

import (
	"bytes"
	"context"
	"time"

	"github.com/go-faster/errors"
	gomail "github.com/wneessen/go-mail"

	"github.com/xenking/oasis-checkout/internal/domain/notify"
)

// Config holds SMTP settings.
type Config struct {
	Host     string        `usage:"SMTP server host; notifications are skipped when empty"`
	Port     int           `default:"587" usage:"SMTP server port"`
	Username string        `usage:"SMTP username"`
	Password string        `usage:"SMTP password"`
	From     string        `default:"orders@perfumeoasis.co.za" usage:"Sender address"`
	FromName string        `default:"Perfume Oasis" usage:"Sender display name"`
	Timeout  time.Duration `default:"10s" usage:"Dial and send timeout"`
}

// Configured reports whether a server is set.
func (c Config) Configured() bool { return c.Host != "" }

// Transport sends messages through an SMTP server.
type Transport struct {
	cfg Config
}

var _ notify.Transport = (*Transport)(nil)

// NewTransport creates a Transport. Without a host every Send returns
// notify.ErrUnconfigured.
func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Send delivers msg.
func (t *Transport) Send(ctx context.Context, msg notify.Message) error {
	if !t.cfg.Configured() {
		return notify.ErrUnconfigured
	}

	m, err := t.build(msg)
	if err != nil {
		return err
	}
	client, err := t.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return errors.Wrap(err, "smtp send")
	}
	return nil
}

func (t *Transport) build(msg notify.Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.FromFormat(t.cfg.FromName, t.cfg.From); err != nil {
		return nil, errors.Wrap(err, "set from")
	}
	if err := m.To(msg.To); err != nil {
		return nil, errors.Wrap(err, "set recipient")
	}
	m.Subject(msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	}

	for _, a := range msg.Attachments {
		if err := m.AttachReader(a.Filename, bytes.NewReader(a.Data),
			gomail.WithFileContentType(gomail.ContentType(a.ContentType)),
		); err != nil {
			return nil, errors.Wrapf(err, "attach %s", a.Filename)
		}
	}
	return m, nil
}

func (t *Transport) client() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(t.cfg.Port),
		gomail.WithTimeout(t.cfg.Timeout),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(t.cfg.Username),
			gomail.WithPassword(t.cfg.Password),
		)
	}
	c, err := gomail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create smtp client")
	}
	return c, nil
}

// Ping dials the server and closes the connection. It is called once at
// startup; a failure is logged and does not stop the service.
func (t *Transport) Ping(ctx context.Context) error {
	if !t.cfg.Configured() {
		return nil
	}
	c, err := t.client()
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return errors.Wrap(err, "smtp dial")
	}
	return c.Close()
}
