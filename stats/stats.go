package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageDispatch   Stage = "dispatch"
	StageCheckpoint Stage = "checkpoint"
	StageExtract    Stage = "extract"
)

type EventType string

const (
	EventTypeSent             EventType = "sent"
	EventTypeFailed           EventType = "failed"
	EventTypeInvalid          EventType = "invalid"
	EventTypeSkipped          EventType = "skipped"
	EventTypeCheckpoint       EventType = "checkpoint"
	EventTypeCheckpointFailed EventType = "checkpoint_failed"
	EventTypeExtracted        EventType = "extracted"
	EventTypeExtractFailed    EventType = "extract_failed"
)

// Event is emitted by the runner for every recipient decision, checkpoint and extraction.
// Attempts is the value of the attempt counter right after the event.
type Event struct {
	Stage    Stage
	Type     EventType
	Address  string
	Attempts int
	Count    int
	Err      error
	Detail   string
}

type Summary struct {
	Attempted        int
	Sent             int
	Failed           int
	Invalid          int
	Skipped          int
	Checkpoints      int
	CheckpointErrors int
	Extractions      int
	ExtractErrors    int
	Delivered        int
	Interrupted      bool
	Duration         time.Duration
	LastError        error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"attempted", s.Attempted,
		"sent", s.Sent,
		"failed", s.Failed,
		"invalid", s.Invalid,
		"skipped", s.Skipped,
		"checkpoints", s.Checkpoints,
		"checkpointErrors", s.CheckpointErrors,
		"extractions", s.Extractions,
		"extractErrors", s.ExtractErrors,
		"delivered", s.Delivered,
	}
	if s.Interrupted {
		attrs = append(attrs, "interrupted", true)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeSent:
		c.summary.Sent++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeInvalid:
		c.summary.Invalid++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeCheckpoint:
		c.summary.Checkpoints++
	case EventTypeCheckpointFailed:
		c.summary.CheckpointErrors++
	case EventTypeExtracted:
		c.summary.Extractions++
		c.summary.Delivered = evt.Count
	case EventTypeExtractFailed:
		c.summary.ExtractErrors++
	}
	if evt.Attempts > c.summary.Attempted {
		c.summary.Attempted = evt.Attempts
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

type Pair struct {
	Key   string
	Value int
}

// Top returns up to limit entries ordered by count descending, then key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
