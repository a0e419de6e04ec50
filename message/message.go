// Package message renders outgoing HTML mails as MIME.
package message

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/dhcgn/mailblast/model"
)

const contentType = `text/html; charset="UTF-8"`

// Render builds the full RFC 5322 message for msg.
func Render(msg model.Message, now time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from %q: %w", msg.From, err)
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, fmt.Errorf("message has no recipient")
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetDate(now)
	h.SetMessageID(messageID(from.Address))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", contentType)

	var buf bytes.Buffer
	w, err := gomessage.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(msg.HTML); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close body: %w", err)
	}

	return buf.Bytes(), nil
}

// EnvelopeSender returns the bare address of a From value such as "News <news@example.com>".
func EnvelopeSender(from string) (string, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", fmt.Errorf("parse from %q: %w", from, err)
	}
	return addr.Address, nil
}

func messageID(from string) string {
	domain := "localhost"
	if idx := strings.LastIndex(from, "@"); idx >= 0 && idx < len(from)-1 {
		domain = from[idx+1:]
	}
	return uuid.NewString() + "@" + domain
}

// Phase names the point of the run a checkpoint was sent at.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseFinal    Phase = "final"
)

// Checkpoint holds what an operator progress mail reports.
type Checkpoint struct {
	Subject string
	Phase   Phase
	Sent    int
	RunID   string
	Time    time.Time
}

// CheckpointSubject is the subject line of operator progress mails.
func CheckpointSubject(c Checkpoint) string {
	return fmt.Sprintf("[%s] %s - %d sent", c.Phase, c.Subject, c.Sent)
}

// CheckpointBody is the small HTML fragment sent to the operator inbox.
func CheckpointBody(c Checkpoint) []byte {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<h3>%s</h3>\n", html.EscapeString(c.Subject))
	fmt.Fprintf(&b, "<p>Phase: %s</p>\n", c.Phase)
	fmt.Fprintf(&b, "<p>Total sent: %d</p>\n", c.Sent)
	fmt.Fprintf(&b, "<p>Time: %s</p>\n", c.Time.Format(time.RFC3339))
	if c.RunID != "" {
		fmt.Fprintf(&b, "<p>Run: %s</p>\n", html.EscapeString(c.RunID))
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}
