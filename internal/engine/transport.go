package engine

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
)

// Message is one outbound email handed to a transport.
type Message struct {
	To      string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// TransportResult reports the outcome of a single transport call.
type TransportResult struct {
	MessageID string
}

// Transport delivers a single email. Implementations never retry; requeueing
// a failed job is the job store's responsibility.
type Transport interface {
	Send(ctx context.Context, msg Message) (TransportResult, error)
}

// SMTPTransport delivers through a plain SMTP relay.
type SMTPTransport struct {
	Addr     string // host:port
	Username string
	Password string
	Host     string // for AUTH; usually the host part of Addr
}

// Send submits the message to the relay. The generated Message-ID header is
// returned so the send record can reference it.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (TransportResult, error) {
	if err := ctx.Err(); err != nil {
		return TransportResult{}, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.Host)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)

	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, t.Host)
	}

	if err := smtp.SendMail(t.Addr, auth, msg.From, []string{msg.To}, []byte(b.String())); err != nil {
		return TransportResult{}, err
	}
	return TransportResult{MessageID: messageID}, nil
}

// LogTransport writes sends to the log instead of the wire. Used in
// development so workflows can be exercised without a relay.
type LogTransport struct{}

// Send logs the message and reports success.
func (t *LogTransport) Send(ctx context.Context, msg Message) (TransportResult, error) {
	messageID := fmt.Sprintf("<%s@local>", uuid.NewString())
	log.Printf("[DELIVER] transport=log to=%s subject=%q message_id=%s", msg.To, msg.Subject, messageID)
	return TransportResult{MessageID: messageID}, nil
}
