package cmd

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailblast/filter"
	"github.com/dhcgn/mailblast/recipient"
	"github.com/dhcgn/mailblast/state"
	"github.com/dhcgn/mailblast/stats"
)

// ListStats summarises a recipient source the way a dispatch run would see it.
type ListStats struct {
	Lines      int
	Blank      int
	Unique     int
	Duplicates int
	Invalid    int
	Filtered   int
	Sendable   int
	Domains    map[string]int
	InvalidSet []string
}

// AnalyzeList reads one address per line and applies dedup, filter and shape check.
func AnalyzeList(r io.Reader, f *filter.Filter) (ListStats, error) {
	st := ListStats{Domains: make(map[string]int)}
	tracker := state.NewMemoryTracker()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		st.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			st.Blank++
			continue
		}
		if !tracker.MarkSeen(line) {
			st.Duplicates++
			continue
		}

		if !recipient.Valid(line) {
			st.Invalid++
			st.InvalidSet = append(st.InvalidSet, line)
			continue
		}
		if !f.Allows(line) {
			st.Filtered++
			continue
		}
		st.Sendable++
		st.Domains[recipient.Domain(line)]++
	}
	if err := scanner.Err(); err != nil {
		return ListStats{}, fmt.Errorf("read recipients: %w", err)
	}
	st.Unique = tracker.Snapshot().Seen

	return st, nil
}

// NewListStatsCommand builds the `list-stats` subcommand.
func NewListStatsCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
		include   []string
		exclude   []string
	)

	cmd := &cobra.Command{
		Use:   "list-stats [recipient list]",
		Short: "Analyse a recipient list: duplicates, invalid addresses and top domains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			f, err := filter.New(filter.Options{Include: include, Exclude: exclude})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open recipient list: %w", err)
			}
			defer file.Close()

			st, err := AnalyzeList(file, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Analyzed recipient list: %s\n\n", path)
			fmt.Fprintf(out, "Lines:      %d\n", st.Lines)
			fmt.Fprintf(out, "Blank:      %d\n", st.Blank)
			fmt.Fprintf(out, "Unique:     %d\n", st.Unique)
			fmt.Fprintf(out, "Duplicates: %d\n", st.Duplicates)
			fmt.Fprintf(out, "Invalid:    %d\n", st.Invalid)
			fmt.Fprintf(out, "Filtered:   %d\n", st.Filtered)
			fmt.Fprintf(out, "Sendable:   %d\n\n", st.Sendable)

			filterStats := f.GetStats()
			if len(filterStats.IncludePatterns) > 0 || len(filterStats.ExcludePatterns) > 0 {
				fmt.Fprintln(out, "Filter hits:")
				for _, p := range append(filterStats.IncludePatterns, filterStats.ExcludePatterns...) {
					fmt.Fprintf(out, "  %s: %d\n", p, filterStats.Hits[p])
				}
				fmt.Fprintln(out)
			}

			fmt.Fprintf(out, "Top %d domains:\n", topN)
			for i, p := range stats.Top(st.Domains, topN) {
				fmt.Fprintf(out, "%d. %s (%d)\n", i+1, p.Key, p.Value)
			}

			if err := saveReports(st, reportDir); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top domains to display")
	cmd.Flags().StringArrayVar(&include, "include", nil, "Regex allow-list applied to addresses (mutually exclusive with --exclude)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "Regex block-list applied to addresses (mutually exclusive with --include)")

	return cmd
}

func saveReports(st ListStats, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	domains := [][]string{{"Domain", "Count"}}
	for _, p := range stats.Top(st.Domains, -1) {
		domains = append(domains, []string{p.Key, strconv.Itoa(p.Value)})
	}
	if err := writeCSV(filepath.Join(dir, "report_domains.csv"), domains); err != nil {
		return err
	}

	invalid := [][]string{{"Address"}}
	for _, addr := range st.InvalidSet {
		invalid = append(invalid, []string{addr})
	}
	return writeCSV(filepath.Join(dir, "report_invalid.csv"), invalid)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
