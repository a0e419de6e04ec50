package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{Include: []string{`@example\.com$`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows("alice@example.com") {
		t.Error("Expected address to be allowed (include matches)")
	}
	if f.Allows("bob@other.org") {
		t.Error("Expected address to be filtered out (include doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{Exclude: []string{`^noreply@`, `@competitor\.com$`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		address string
		want    bool
	}{
		{"alice@example.com", true},
		{"noreply@example.com", false},
		{"ceo@competitor.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := f.Allows(tt.address); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.address, got, tt.want)
			}
		})
	}

	stats := f.GetStats()
	if stats.Hits[`^noreply@`] != 1 {
		t.Errorf("hits for ^noreply@ = %d, want 1", stats.Hits[`^noreply@`])
	}
	if len(stats.ExcludePatterns) != 2 {
		t.Errorf("ExcludePatterns = %v, want 2 entries", stats.ExcludePatterns)
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{Include: []string{"a"}, Exclude: []string{"b"}})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{Exclude: []string{"("}}); err == nil {
		t.Error("Expected error for invalid regex")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{Include: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows("anyone@example.com") {
		t.Error("Expected address to be allowed when no filters are active")
	}

	var nilFilter *Filter
	if !nilFilter.Allows("anyone@example.com") {
		t.Error("nil filter must allow everything")
	}
}
