package imap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dhcgn/mailblast/model"
)

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Port: 993}, nil); err == nil {
		t.Error("expected error for empty host")
	}
	if _, err := New(Options{Host: "imap.example.com"}, nil); err == nil {
		t.Error("expected error for zero port")
	}
}

func TestNew_UnreachableServerIsTransportUnavailable(t *testing.T) {
	port := closedPort(t)

	m, err := New(Options{Host: "127.0.0.1", Port: port, TargetFolder: "Review"}, nil)
	if m != nil {
		t.Errorf("New() mailer = %v, want nil", m)
	}
	var unavailable *model.TransportUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("New() error = %v, want TransportUnavailableError (port %d)", err, port)
	}
	if unavailable.Transport != "imap" {
		t.Errorf("Transport = %q, want imap", unavailable.Transport)
	}
}

func TestSend_RedialFailureIsSendFailure(t *testing.T) {
	m := &Mailer{opts: Options{Host: "127.0.0.1", Port: closedPort(t)}, now: time.Now}

	err := m.Send(context.Background(), model.Message{From: "news@example.com", To: "alice@example.org", HTML: []byte("x")})
	var failure *model.SendFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Send() error = %v, want SendFailure", err)
	}
}

func TestSend_CancelledContext(t *testing.T) {
	m := &Mailer{opts: Options{Host: "imap.example.com", Port: 993}, now: time.Now}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Send(ctx, model.Message{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}

func TestTargetFolderAndClose(t *testing.T) {
	m := &Mailer{opts: Options{Host: "imap.example.com", Port: 993}, now: time.Now}
	if m.targetFolder() != "INBOX" {
		t.Errorf("targetFolder() = %q, want INBOX", m.targetFolder())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() without connection error = %v", err)
	}
}
