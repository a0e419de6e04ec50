package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailblast/stats"
)

// Terminal output goes to stderr; stdout carries only the run result.
var (
	output         = os.Stderr
	infoPrinter    = pterm.Info.WithWriter(output)
	warningPrinter = pterm.Warning.WithWriter(output)
	errorPrinter   = pterm.Error.WithWriter(output)
	successPrinter = pterm.Success.WithWriter(output)
	sectionPrinter = pterm.DefaultSection.WithWriter(output)
)

// Bar tracks how many recipients of the list have been handled.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	handled int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info".
func New(total int, transport string, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithWriter(output).
			WithTotal(total).
			WithTitle("Sending").
			Start()

		bar.pb = pb

		infoPrinter.Printf("Unique recipients: %d\n", total)
		infoPrinter.Printf("Transport: %s\n", transport)
		fmt.Fprintln(output)
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled && b.pb != nil
}

// Update advances the bar for every recipient decision.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSent, stats.EventTypeInvalid, stats.EventTypeSkipped:
		b.advance(evt.Address)
	case stats.EventTypeFailed:
		b.advance(evt.Address)
		if b.Enabled() && evt.Err != nil {
			errorPrinter.Printf("Error: %v\n", evt.Err)
		}
	case stats.EventTypeCheckpointFailed:
		if b.Enabled() && evt.Err != nil {
			warningPrinter.Printf("Checkpoint %s failed: %v\n", evt.Detail, evt.Err)
		}
	}
}

// Handled is the number of recipients the bar has counted.
func (b *Bar) Handled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handled
}

func (b *Bar) advance(address string) {
	b.handled++
	if !b.Enabled() {
		return
	}
	b.pb.Increment()
	if address != "" {
		display := address
		if len(display) > 40 {
			display = display[:37] + "..."
		}
		b.pb.UpdateTitle("Sending: " + display)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, _ = b.pb.Stop()
	successPrinter.Println("Dispatch complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats collector with the progress bar and a pterm summary.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer when the bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// collectStats collects statistics and prints the final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		fmt.Fprintln(output)
		sectionPrinter.Println("Summary Statistics")
		infoPrinter.Printf("Duration: %v\n", duration)
		infoPrinter.Printf("Attempted: %d\n", summary.Attempted)
		infoPrinter.Printf("Sent: %d\n", summary.Sent)
		infoPrinter.Printf("Failed: %d\n", summary.Failed)
		infoPrinter.Printf("Invalid (skipped): %d\n", summary.Invalid)
		infoPrinter.Printf("Skipped: %d\n", summary.Skipped)
		infoPrinter.Printf("Checkpoints: %d\n", summary.Checkpoints)
		infoPrinter.Printf("Delivered (last extraction): %d\n", summary.Delivered)
		if summary.LastError != nil {
			errorPrinter.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
