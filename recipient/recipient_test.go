package recipient

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/dhcgn/mailblast/model"
)

func TestParse_DedupPreservesOrder(t *testing.T) {
	raw := "a@x.com\r\nA@x.com\n  a@x.com  \n\nbad-addr\r\n\t\nb@x.com"

	got, err := Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []string{"a@x.com", "A@x.com", "bad-addr", "b@x.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %q, want %q", got, want)
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"b@x.com", "a@x.com", "b@x.com", " ", "a@x.com\r"})
	want := []string{"b@x.com", "a@x.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unique() = %q, want %q", got, want)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		address string
		want    bool
	}{
		{"alice@example.com", true},
		{"first.last+tag@mail.example.co.uk", true},
		{"under_score%x@sub-domain.example.org", true},
		{"bad-addr", false},
		{"no-tld@example", false},
		{"short-tld@example.c", false},
		{"numeric-tld@example.c0m", false},
		{"two@@example.com", false},
		{"spa ce@example.com", false},
		{"ümlaut@example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := Valid(tt.address); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.address, got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check("alice@example.com"); err != nil {
		t.Errorf("Check() error = %v", err)
	}
	if err := Check("bad-addr"); !errors.Is(err, model.ErrInvalidRecipient) {
		t.Errorf("Check() error = %v, want ErrInvalidRecipient", err)
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("Alice@Example.COM"); got != "example.com" {
		t.Errorf("Domain() = %q", got)
	}
	if got := Domain("bad-addr"); got != "" {
		t.Errorf("Domain() = %q, want empty", got)
	}
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	bodyPath := filepath.Join(dir, "body.html")
	listPath := filepath.Join(dir, "list.txt")

	if err := os.WriteFile(bodyPath, []byte("<p>hi</p>"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := LoadInputs(bodyPath, listPath)
	var missingErr *model.MissingInputError
	if !errors.As(err, &missingErr) {
		t.Fatalf("LoadInputs() error = %v, want MissingInputError", err)
	}
	if missingErr.Path != listPath {
		t.Errorf("MissingInputError.Path = %q, want %q", missingErr.Path, listPath)
	}

	if err := os.WriteFile(listPath, []byte("a@x.com\na@x.com\nb@x.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	body, list, err := LoadInputs(bodyPath, listPath)
	if err != nil {
		t.Fatalf("LoadInputs() error = %v", err)
	}
	if string(body) != "<p>hi</p>" {
		t.Errorf("body = %q", body)
	}
	if want := []string{"a@x.com", "b@x.com"}; !reflect.DeepEqual(list, want) {
		t.Errorf("list = %q, want %q", list, want)
	}

	_, _, err = LoadInputs(filepath.Join(dir, "nope.html"), listPath)
	if !errors.As(err, &missingErr) || missingErr.Name != "body" {
		t.Errorf("LoadInputs() error = %v, want missing body", err)
	}
}

func TestWriteList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unique.txt")
	if err := WriteList(path, []string{"a@x.com", "b@x.com"}); err != nil {
		t.Fatalf("WriteList() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a@x.com\nb@x.com\n" {
		t.Errorf("file = %q", data)
	}
}
