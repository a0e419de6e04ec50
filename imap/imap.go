// Package imap is a review transport: instead of delivering, every message is
// appended to a folder of an IMAP mailbox so the run can be inspected in a mail client.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
}

type Mailer struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	client *imapclient.Client
}

// New connects, logs in and ensures the target folder. A server that cannot be
// reached or refuses the login is a *model.TransportUnavailableError.
func New(opts Options, logger *slog.Logger) (*Mailer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	m := &Mailer{opts: opts, logger: logger, now: time.Now}
	client, err := m.dial()
	if err != nil {
		return nil, &model.TransportUnavailableError{Transport: "imap", Err: err}
	}
	m.client = client
	return m, nil
}

func (m *Mailer) Name() string {
	return "imap"
}

// Send redials when the session was closed and keeps it open until Close.
func (m *Mailer) Send(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := message.Render(msg, m.now())
	if err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		client, err := m.dial()
		if err != nil {
			return &model.SendFailure{To: msg.To, Err: err}
		}
		m.client = client
	}

	if err := m.appendMessage(raw); err != nil {
		return &model.SendFailure{To: msg.To, Err: err}
	}

	if m.logger != nil {
		m.logger.Debug("appended message", "to", msg.To, "target", m.targetFolder(), "kind", msg.Kind)
	}
	return nil
}

// Close logs out and drops the connection if one was opened.
func (m *Mailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil

	if err := client.Logout().Wait(); err != nil && m.logger != nil {
		m.logger.Warn("imap logout failed", "err", err)
	}
	if err := client.Close(); err != nil && m.logger != nil {
		m.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

func (m *Mailer) dial() (*imapclient.Client, error) {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	options := &imapclient.Options{}

	if m.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         m.opts.Host,
			InsecureSkipVerify: m.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if m.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := m.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	if m.logger != nil {
		m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "target", m.targetFolder(), "tls", m.opts.UseTLS)
	}

	return client, nil
}

func (m *Mailer) appendMessage(raw []byte) error {
	cmd := m.client.Append(m.targetFolder(), int64(len(raw)), &imapv2.AppendOptions{Time: m.now()})

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (m *Mailer) targetFolder() string {
	if m.opts.TargetFolder == "" {
		return "INBOX"
	}
	return m.opts.TargetFolder
}

func (m *Mailer) ensureMailbox(client *imapclient.Client) error {
	target := m.targetFolder()
	if target == "INBOX" {
		return nil
	}
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if m.logger != nil {
					m.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if m.logger != nil {
		m.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
