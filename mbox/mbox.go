// Package mbox is a dry-run transport writing every message into an mbox file.
package mbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
)

type Options struct {
	Path string
}

type Mailer struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	writer  *mboxlib.Writer
	written int
}

// New truncates path and prepares the mbox writer.
func New(opts Options, logger *slog.Logger) (*Mailer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, &model.TransportUnavailableError{Transport: "mbox", Err: err}
	}
	buf := bufio.NewWriterSize(file, 64*1024)

	return &Mailer{
		path:   path,
		logger: logger,
		now:    time.Now,
		file:   file,
		buf:    buf,
		writer: mboxlib.NewWriter(buf),
	}, nil
}

func (m *Mailer) Name() string {
	return "mbox"
}

func (m *Mailer) Send(_ context.Context, msg model.Message) error {
	now := m.now()
	raw, err := message.Render(msg, now)
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}
	sender, err := message.EnvelopeSender(msg.From)
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		return &model.SendFailure{To: msg.To, Err: errors.New("mbox writer closed")}
	}

	w, err := m.writer.CreateMessage(sender, now)
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: fmt.Errorf("create mbox message: %w", err)}
	}
	if _, err := w.Write(raw); err != nil {
		return &model.SendFailure{To: msg.To, Err: fmt.Errorf("write mbox message: %w", err)}
	}
	m.written++

	if m.logger != nil {
		m.logger.Debug("wrote mbox message", "to", msg.To, "path", m.path, "kind", msg.Kind)
	}
	return nil
}

// Close finishes the last message and flushes the file.
func (m *Mailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		return nil
	}

	var firstErr error
	if err := m.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if err := m.buf.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush mbox file: %w", err)
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox file: %w", err)
	}
	m.writer = nil

	if m.logger != nil {
		m.logger.Info("mbox written", "path", m.path, "messages", m.written)
	}
	return firstErr
}

// CountMessages counts the messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}
