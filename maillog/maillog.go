// Package maillog scrapes the MTA log for addresses whose delivery was confirmed.
package maillog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dhcgn/mailblast/model"
	"github.com/dhcgn/mailblast/recipient"
	"github.com/dhcgn/mailblast/state"
)

// DefaultMarker is the postfix status of a successful delivery.
const DefaultMarker = "status=sent"

var toPattern = regexp.MustCompile(`to=<([^>]*)>`)

type Options struct {
	Path   string
	Marker string
	// Sudo reads the log through `sudo -n cat` for logs only root may read.
	Sudo bool
}

// Reader extracts the delivered set from the log. It never modifies the log.
type Reader struct {
	opts Options
}

func NewReader(opts Options) *Reader {
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
	}
	return &Reader{opts: opts}
}

// Source names what is read, for logs and errors.
func (r *Reader) Source() string {
	if r.opts.Sudo {
		return "sudo:" + r.opts.Path
	}
	return r.opts.Path
}

// Extract returns the sorted unique shape-valid addresses of all lines carrying the marker.
func (r *Reader) Extract(ctx context.Context) ([]string, error) {
	if r.opts.Sudo {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sudo", "-n", "cat", "--", r.opts.Path)
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, r.fail(err)
		}
		if err := cmd.Start(); err != nil {
			return nil, r.fail(err)
		}
		addrs, scanErr := r.scan(stdout)
		// cat blocks on a full pipe until the rest is consumed.
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			if detail := strings.TrimSpace(stderr.String()); detail != "" {
				err = fmt.Errorf("%w: %s", err, detail)
			}
			return nil, r.fail(err)
		}
		if scanErr != nil {
			return nil, r.fail(scanErr)
		}
		return addrs, nil
	}

	file, err := os.Open(r.opts.Path)
	if err != nil {
		return nil, r.fail(err)
	}
	defer file.Close()

	addrs, err := r.scan(file)
	if err != nil {
		return nil, r.fail(err)
	}
	return addrs, nil
}

func (r *Reader) scan(src io.Reader) ([]string, error) {
	return Scan(src, r.opts.Marker)
}

func (r *Reader) fail(err error) error {
	return &model.ExtractionFailure{Source: r.Source(), Err: err}
}

// MaxLineBytes bounds one log line. Longer lines cannot carry a postfix
// delivery record and are skipped.
const MaxLineBytes = 1024 * 1024

// Scan is the log parsing step of Extract, exposed for other log sources.
func Scan(src io.Reader, marker string) ([]string, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	tracker := state.NewMemoryTracker()

	br := bufio.NewReaderSize(src, 64*1024)
	line := make([]byte, 0, 4096)
	skipping := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read log: %w", err)
		}
		if !skipping {
			if len(line)+len(chunk) > MaxLineBytes {
				skipping = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if !skipping {
			collect(tracker, string(line), marker)
		}
		line = line[:0]
		skipping = false
	}

	return tracker.Sorted(), nil
}

func collect(tracker *state.MemoryTracker, line, marker string) {
	if !strings.Contains(line, marker) {
		return
	}
	for _, match := range toPattern.FindAllStringSubmatch(line, -1) {
		addr := strings.TrimSpace(match[1])
		if recipient.Valid(addr) {
			tracker.MarkSeen(addr)
		}
	}
}

// Extractor runs the Reader and overwrites the delivered file with the result.
// Writes go through a private work directory next to the output and are renamed into place.
type Extractor struct {
	reader  *Reader
	output  string
	workDir string
	logger  *slog.Logger
}

// NewExtractor acquires the work directory; Close releases it.
func NewExtractor(reader *Reader, output string, logger *slog.Logger) (*Extractor, error) {
	if strings.TrimSpace(output) == "" {
		return nil, fmt.Errorf("delivered output path is empty")
	}
	workDir, err := os.MkdirTemp(filepath.Dir(output), ".mailblast-*")
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	return &Extractor{reader: reader, output: output, workDir: workDir, logger: logger}, nil
}

// Run performs one extraction and returns the number of delivered addresses written.
// On read failure the previous output is left untouched.
func (e *Extractor) Run(ctx context.Context) (int, error) {
	addrs, err := e.reader.Extract(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.write(addrs); err != nil {
		return 0, &model.ExtractionFailure{Source: e.reader.Source(), Err: err}
	}
	if e.logger != nil {
		e.logger.Debug("delivered list written", "path", e.output, "count", len(addrs))
	}
	return len(addrs), nil
}

// Output is the delivered file path.
func (e *Extractor) Output() string {
	return e.output
}

func (e *Extractor) write(addrs []string) error {
	tmp, err := os.CreateTemp(e.workDir, "delivered-*.txt")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, addr := range addrs {
		if _, err := w.WriteString(addr + "\n"); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.output); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", e.output, err)
	}
	return nil
}

// Close removes the work directory.
func (e *Extractor) Close() error {
	if e.workDir == "" {
		return nil
	}
	err := os.RemoveAll(e.workDir)
	e.workDir = ""
	return err
}
