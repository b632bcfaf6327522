// Package alert implements C7: a cooldown-gated SMTP notifier. The cooldown
// decision itself lives in internal/process, which owns the cooldown map;
// Dispatcher.Send is the transport the processor calls once it has already
// decided to fire.
package alert

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/process"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

const dialTimeout = 10 * time.Second

// Dispatcher sends alert emails over SMTP: SSL on the configured port,
// otherwise plaintext with STARTTLS for non-localhost hosts, authenticating
// only if both credentials are set.
type Dispatcher struct {
	cfg    *config.Config
	logger *log.Logger
}

var _ process.Alerter = (*Dispatcher)(nil)

// New constructs a Dispatcher bound to cfg's SMTP settings.
func New(cfg *config.Config, logger *log.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Send renders and delivers an alert email for one (kind, id) trigger.
// scalar is the movement distance in meters or the battery voltage/percent,
// depending on kind.
func (d *Dispatcher) Send(kind string, id store.NodeID, rec store.NodeRecord, scalar float64) error {
	subject, body := renderAlert(kind, id, rec, scalar)
	return d.sendMail(subject, body)
}

// SendTest delivers a fixed self-check message. Useful as an operational
// "is alerting configured correctly" probe independent of any real trigger.
func (d *Dispatcher) SendTest() error {
	return d.sendMail("meshbuoy test alert", "This is a test message confirming SMTP alert delivery is configured correctly.")
}

func renderAlert(kind string, id store.NodeID, rec store.NodeRecord, scalar float64) (subject, body string) {
	label := rec.LongName
	if label == "" {
		label = fmt.Sprintf("node %d", id)
	}

	switch kind {
	case process.AlertMovement:
		subject = fmt.Sprintf("[meshbuoy] %s moved %.0fm from origin", label, scalar)
		body = fmt.Sprintf("%s (node %d) is now %.1f meters from its configured origin.", label, id, scalar)
	case process.AlertBattery:
		subject = fmt.Sprintf("[meshbuoy] %s low battery", label)
		body = fmt.Sprintf("%s (node %d) reports a low battery reading of %.2f.", label, id, scalar)
	default:
		subject = fmt.Sprintf("[meshbuoy] alert: %s", kind)
		body = fmt.Sprintf("%s (node %d): %s = %.2f", label, id, kind, scalar)
	}
	return subject, body
}

func (d *Dispatcher) sendMail(subject, body string) error {
	addr := net.JoinHostPort(d.cfg.SMTPHost, fmt.Sprintf("%d", d.cfg.SMTPPort))

	msg := buildMessage(d.cfg.EmailFrom, d.cfg.EmailTo, subject, body)

	var auth smtp.Auth
	if d.cfg.SMTPUsername != "" && d.cfg.SMTPPassword != "" {
		auth = smtp.PlainAuth("", d.cfg.SMTPUsername, d.cfg.SMTPPassword, d.cfg.SMTPHost)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dialing smtp host %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	if d.cfg.SMTPSSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.cfg.SMTPHost})
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, d.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("initiating smtp session: %w", err)
	}
	defer client.Close()

	if !d.cfg.SMTPSSL && d.cfg.SMTPHost != "localhost" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: d.cfg.SMTPHost}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(d.cfg.EmailFrom); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, to := range d.cfg.EmailTo {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt to %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}

	return client.Quit()
}

// mimeBoundary separates the single plaintext part of the multipart/
// alternative message. A fixed boundary is fine here: nothing else in the
// message body can collide with it.
const mimeBoundary = "meshbuoy-alert-boundary"

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", mimeBoundary)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return []byte(b.String())
}
