// Package recipient reads the recipient source and checks address shape.
package recipient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/dhcgn/mailblast/model"
	"github.com/dhcgn/mailblast/state"
)

// addressPattern is a shape check only: ASCII local part, '@', dotted domain, alphabetic TLD of 2+ letters.
var addressPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

const maxLineSize = 1024 * 1024

// Valid reports whether address has the shape of an email address.
func Valid(address string) bool {
	return addressPattern.MatchString(address)
}

// Check returns model.ErrInvalidRecipient wrapped with the address when Valid fails.
func Check(address string) error {
	if !Valid(address) {
		return fmt.Errorf("%w: %q", model.ErrInvalidRecipient, address)
	}
	return nil
}

// Domain returns the part after the last '@', lower-cased.
func Domain(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// Parse reads one address per line, trims surrounding whitespace and carriage returns,
// drops blank lines and keeps the first occurrence of every exact string.
func Parse(r io.Reader) ([]string, error) {
	tracker := state.NewMemoryTracker()
	var list []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if tracker.MarkSeen(line) {
			list = append(list, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}

	return list, nil
}

// Unique dedups an in-memory list with the same rules as Parse.
func Unique(raw []string) []string {
	tracker := state.NewMemoryTracker()
	list := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if tracker.MarkSeen(entry) {
			list = append(list, entry)
		}
	}
	return list
}

// LoadInputs reads the HTML body and the recipient list. A missing or unreadable
// file yields a *model.MissingInputError naming it.
func LoadInputs(bodyPath, recipientsPath string) ([]byte, []string, error) {
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return nil, nil, missing("body", bodyPath, err)
	}

	file, err := os.Open(recipientsPath)
	if err != nil {
		return nil, nil, missing("recipient list", recipientsPath, err)
	}
	defer file.Close()

	list, err := Parse(file)
	if err != nil {
		return nil, nil, err
	}

	return body, list, nil
}

// WriteList writes one address per line, overwriting path.
func WriteList(path string, list []string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := bufio.NewWriter(file)
	for _, entry := range list {
		if _, err := w.WriteString(entry + "\n"); err != nil {
			_ = file.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return file.Close()
}

func missing(name, path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &model.MissingInputError{Name: name, Path: path}
	}
	return &model.MissingInputError{Name: name, Path: path, Err: err}
}
