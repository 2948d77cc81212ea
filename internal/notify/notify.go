// Package notify assembles and submits the outbound notification mail.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/hashicorp/go-multierror"

	"github.com/firefart/dmarcmonitor/internal/config"
)

type Mail struct {
	From    string
	To      []string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPSender submits mail over SMTP, STARTTLS by default or implicit TLS
// when configured. One message is sent per recipient so a rejected address
// does not block the others, failures are aggregated.
type SMTPSender struct {
	conf   config.SMTPConfig
	logger *slog.Logger
}

func NewSMTPSender(conf config.SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{conf: conf, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, m Mail) error {
	msg, err := buildMessage(m, time.Now())
	if err != nil {
		return fmt.Errorf("could not build message: %w", err)
	}

	var errs *multierror.Error
	for _, rcpt := range m.To {
		select {
		case <-ctx.Done():
			errs = multierror.Append(errs, ctx.Err())
			return errs.ErrorOrNil()
		default:
		}
		if err := s.submit(m.From, rcpt, msg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not send to %s: %w", rcpt, err))
			continue
		}
		s.logger.Debug("sent notification", slog.String("to", rcpt), slog.String("subject", m.Subject))
	}
	return errs.ErrorOrNil()
}

func (s *SMTPSender) submit(from, rcpt string, msg []byte) error {
	addr := net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port))

	var c *smtp.Client
	var err error
	if s.conf.SSL {
		c, err = smtp.DialTLS(addr, &tls.Config{ServerName: s.conf.Host})
	} else {
		c, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: s.conf.Host})
	}
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	defer c.Close()

	if s.conf.Timeout.Duration > 0 {
		c.CommandTimeout = s.conf.Timeout.Duration
		c.SubmissionTimeout = s.conf.Timeout.Duration
	}

	if s.conf.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.conf.User, s.conf.Pass)); err != nil {
			return fmt.Errorf("could not authenticate: %w", err)
		}
	}

	if err := c.SendMail(from, []string{rcpt}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("could not send mail: %w", err)
	}

	return c.Quit()
}

func buildMessage(m Mail, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(m.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: m.From}})
	to := make([]*mail.Address, 0, len(m.To))
	for _, rcpt := range m.To {
		to = append(to, &mail.Address{Address: rcpt})
	}
	h.SetAddressList("To", to)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("could not create writer: %w", err)
	}
	if _, err := io.WriteString(w, m.Body); err != nil {
		return nil, fmt.Errorf("could not write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("could not close writer: %w", err)
	}

	return buf.Bytes(), nil
}
