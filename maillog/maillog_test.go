package maillog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mailblast/model"
)

const sampleLog = `Mar  1 10:00:01 mx postfix/smtp[101]: 4F1: to=<bob@example.org>, relay=mx.example.org[1.2.3.4]:25, delay=0.4, status=sent (250 2.0.0 Ok)
Mar  1 10:00:02 mx postfix/smtp[102]: 4F2: to=<alice@example.org>, relay=mx.example.org[1.2.3.4]:25, delay=0.2, status=sent (250 2.0.0 Ok)
Mar  1 10:00:03 mx postfix/smtp[103]: 4F3: to=<carol@example.org>, relay=none, delay=30, status=deferred (connect timed out)
Mar  1 10:00:04 mx postfix/smtp[104]: 4F4: to=<bob@example.org>, relay=mx.example.org[1.2.3.4]:25, status=sent (250 2.0.0 Ok)
Mar  1 10:00:05 mx postfix/smtp[105]: 4F5: to=<not-an-address>, relay=local, status=sent (delivered)
Mar  1 10:00:06 mx postfix/smtp[106]: 4F6: to=<dave@example.org>, relay=mx.example.org, status=bounced (user unknown)
Mar  1 10:00:07 mx postfix/qmgr[107]: 4F7: from=<news@example.com>, size=1234, nrcpt=1 (queue active)
`

func TestScan(t *testing.T) {
	got, err := Scan(strings.NewReader(sampleLog), "")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	want := []string{"alice@example.org", "bob@example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}

func TestScan_CustomMarker(t *testing.T) {
	got, err := Scan(strings.NewReader(sampleLog), "status=deferred")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if want := []string{"carol@example.org"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}

func TestReader_MissingLog(t *testing.T) {
	r := NewReader(Options{Path: filepath.Join(t.TempDir(), "mail.log")})
	_, err := r.Extract(context.Background())
	var failure *model.ExtractionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Extract() error = %v, want ExtractionFailure", err)
	}
}

func TestExtractor_RunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "mail.log")
	output := filepath.Join(dir, "delivered.txt")
	if err := os.WriteFile(logPath, []byte(sampleLog), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(output, []byte("stale@example.org\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := NewExtractor(NewReader(Options{Path: logPath}), output, nil)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}

	var contents []string
	for i := 0; i < 2; i++ {
		n, err := e.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if n != 2 {
			t.Errorf("Run() = %d, want 2", n)
		}
		data, err := os.ReadFile(output)
		if err != nil {
			t.Fatal(err)
		}
		contents = append(contents, string(data))
	}

	if contents[0] != "alice@example.org\nbob@example.org\n" {
		t.Errorf("delivered file = %q", contents[0])
	}
	if contents[0] != contents[1] {
		t.Errorf("second extraction differs: %q vs %q", contents[0], contents[1])
	}

	workDir := e.workDir
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("work directory %s still exists", workDir)
	}
}

func TestExtractor_ReadFailureKeepsPreviousOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "delivered.txt")
	if err := os.WriteFile(output, []byte("previous@example.org\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := NewExtractor(NewReader(Options{Path: filepath.Join(dir, "missing.log")}), output, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error")
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "previous@example.org\n" {
		t.Errorf("output = %q, want previous content", data)
	}
}

// longLineLog has one line past MaxLineBytes followed by enough delivery
// lines to overflow a pipe buffer.
func longLineLog(t *testing.T, deliveries int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Mar  1 09:59:59 mx kernel: ")
	b.WriteString(strings.Repeat("x", 2*MaxLineBytes))
	b.WriteString(" to=<ghost@example.org> status=sent\n")
	for i := 0; i < deliveries; i++ {
		b.WriteString("Mar  1 10:00:01 mx postfix/smtp[101]: 4F1: to=<user" + strconv.Itoa(i) + "@example.org>, status=sent (250 2.0.0 Ok)\n")
	}
	path := filepath.Join(t.TempDir(), "mail.log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScan_SkipsOverlongLine(t *testing.T) {
	input := strings.Repeat("y", MaxLineBytes+10) + " to=<ghost@example.org> status=sent\n" + sampleLog
	got, err := Scan(strings.NewReader(input), "")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if want := []string{"alice@example.org", "bob@example.org"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}

func TestReader_FileWithLongLine(t *testing.T) {
	path := longLineLog(t, 3)
	got, err := NewReader(Options{Path: path}).Extract(context.Background())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if want := []string{"user0@example.org", "user1@example.org", "user2@example.org"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %v, want %v", got, want)
	}
}

func TestReader_SudoWithLongLine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	bin := t.TempDir()
	// Invoked as: sudo -n cat -- <path>
	script := "#!/bin/sh\nshift 3\nexec cat \"$1\"\n"
	if err := os.WriteFile(filepath.Join(bin, "sudo"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	const deliveries = 20000
	path := longLineLog(t, deliveries)
	r := NewReader(Options{Path: path, Sudo: true})
	if r.Source() != "sudo:"+path {
		t.Errorf("Source() = %q", r.Source())
	}

	type result struct {
		addrs []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		addrs, err := r.Extract(context.Background())
		done <- result{addrs, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Extract() error = %v", res.err)
		}
		if len(res.addrs) != deliveries {
			t.Errorf("Extract() returned %d addresses, want %d", len(res.addrs), deliveries)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Extract() did not return")
	}
}
