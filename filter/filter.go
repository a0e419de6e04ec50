package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the address filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter holds compiled regex patterns applied to recipient addresses.
type Filter struct {
	includeMode bool
	excludeMode bool
	include     []*regexp.Regexp
	exclude     []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludePatterns []string
	ExcludePatterns []string
	Hits            map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}

	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode: len(include) > 0,
		excludeMode: len(exclude) > 0,
		include:     include,
		exclude:     exclude,
		hits:        make(map[string]int),
	}, nil
}

// Allows returns true if the address passes the filter criteria.
func (f *Filter) Allows(address string) bool {
	if f == nil {
		return true
	}

	if f.includeMode {
		return f.matchAny(f.include, address)
	}

	if f.excludeMode && f.matchAny(f.exclude, address) {
		return false
	}

	return true
}

// GetStats returns a copy of the per-pattern hit counters.
func (f *Filter) GetStats() Stats {
	s := Stats{Hits: make(map[string]int)}
	if f == nil {
		return s
	}
	for _, re := range f.include {
		s.IncludePatterns = append(s.IncludePatterns, re.String())
	}
	for _, re := range f.exclude {
		s.ExcludePatterns = append(s.ExcludePatterns, re.String())
	}
	f.mu.Lock()
	for k, v := range f.hits {
		s.Hits[k] = v
	}
	f.mu.Unlock()
	return s
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
