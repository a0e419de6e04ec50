// Package sendmail hands messages to the local MTA through its sendmail binary.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
)

type Options struct {
	// Binary is a name looked up in PATH or an absolute path.
	Binary string
}

// Mailer runs `sendmail -i -f <from> -- <to>` once per message with the MIME text on stdin.
type Mailer struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New resolves the binary. A missing or non-executable binary is a *model.TransportUnavailableError.
func New(opts Options, logger *slog.Logger) (*Mailer, error) {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = "sendmail"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, &model.TransportUnavailableError{Transport: "sendmail", Err: err}
	}
	if logger != nil {
		logger.Debug("sendmail binary resolved", "path", path)
	}
	return &Mailer{path: path, logger: logger, now: time.Now}, nil
}

func (m *Mailer) Name() string {
	return "sendmail"
}

// Path returns the resolved binary.
func (m *Mailer) Path() string {
	return m.path
}

func (m *Mailer) Send(ctx context.Context, msg model.Message) error {
	raw, err := message.Render(msg, m.now())
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}
	sender, err := message.EnvelopeSender(msg.From)
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}

	cmd := exec.CommandContext(ctx, m.path, "-i", "-f", sender, "--", msg.To)
	cmd.Stdin = bytes.NewReader(raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return &model.SendFailure{To: msg.To, Err: err}
	}

	return nil
}

func (m *Mailer) Close() error {
	return nil
}
