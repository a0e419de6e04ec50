package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dhcgn/mailblast/filter"
	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
	"github.com/dhcgn/mailblast/recipient"
	"github.com/dhcgn/mailblast/stats"
)

var ErrAlreadyStarted = errors.New("runner already started")

// Mailer sends one message. A returned error only fails that message.
type Mailer interface {
	Send(ctx context.Context, msg model.Message) error
	Name() string
}

// Extractor recomputes the delivered list and reports how many addresses it holds.
type Extractor interface {
	Run(ctx context.Context) (int, error)
}

type Options struct {
	From      string
	Subject   string
	TestInbox string
	// Interval is the number of attempts between progress checkpoints.
	Interval int
	// ExtractEvery > 0 extracts every N attempts instead of at every progress checkpoint.
	ExtractEvery     int
	IncludeTestInbox bool
	// Rate limits recipient sends per second, 0 disables the limit.
	Rate   float64
	Filter *filter.Filter
	RunID  string
}

type subscriber struct {
	name   string
	events chan stats.Event
	done   chan struct{}
}

// Runner is the dispatcher. It owns the attempt counter; only Run writes it.
type Runner struct {
	opts      Options
	mailer    Mailer
	extractor Extractor
	logger    *slog.Logger
	limiter   *rate.Limiter
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	collector *stats.Collector
	subs      []*subscriber
	statsWG   sync.WaitGroup

	errMu sync.Mutex
	err   error

	startOnce sync.Once
	attempts  int
	since     time.Time
}

func New(opts Options, mailer Mailer, extractor Extractor, logger *slog.Logger) (*Runner, error) {
	if opts.Interval <= 0 {
		return nil, &model.InvalidConfigError{Field: "interval", Reason: fmt.Sprintf("%d is not a positive integer", opts.Interval)}
	}
	if opts.ExtractEvery < 0 {
		return nil, &model.InvalidConfigError{Field: "extract-every", Reason: fmt.Sprintf("%d is negative", opts.ExtractEvery)}
	}
	if opts.Rate < 0 {
		return nil, &model.InvalidConfigError{Field: "rate", Reason: fmt.Sprintf("%v is negative", opts.Rate)}
	}
	if mailer == nil {
		return nil, fmt.Errorf("mailer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		opts:      opts,
		mailer:    mailer,
		extractor: extractor,
		logger:    logger.With("run", opts.RunID),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		collector: stats.NewCollector(),
	}
	if opts.Rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return r, nil
}

// SubscribeStats registers a consumer of run events. Each subscriber receives every event.
// It must be called before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	sub := &subscriber{
		name:   name,
		events: make(chan stats.Event, 128),
		done:   make(chan struct{}),
	}
	r.subs = append(r.subs, sub)

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		defer close(sub.done)
		if err := fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) EmitEvent(evt stats.Event) {
	r.collector.Apply(evt)
	for _, sub := range r.subs {
		select {
		case <-sub.done:
		case sub.events <- evt:
		}
	}
}

// Run sends body to every recipient in order. The start checkpoint precedes the first
// recipient; the final checkpoint and the final extraction always happen, also when ctx
// is cancelled, in which case the summary is returned together with ctx.Err().
func (r *Runner) Run(ctx context.Context, body []byte, recipients []string) (stats.Summary, error) {
	first := false
	r.startOnce.Do(func() { first = true })
	if !first {
		return stats.Summary{}, ErrAlreadyStarted
	}

	r.since = r.now()
	list := recipient.Unique(recipients)
	// In-flight sends, checkpoints and the final extraction finish even after cancellation.
	detached := context.WithoutCancel(ctx)

	r.logger.Info("dispatch started", "recipients", len(list), "transport", r.mailer.Name(), "interval", r.opts.Interval)

	r.checkpoint(detached, message.PhaseStart)

	interrupted := false
	for _, addr := range list {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if err := r.process(ctx, detached, body, addr); err != nil {
			interrupted = true
			break
		}
	}

	if interrupted {
		r.logger.Warn("dispatch interrupted, finishing with final checkpoint", "attempts", r.attempts)
	}

	r.checkpoint(detached, message.PhaseFinal)
	r.extract(detached)

	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	summary := r.collector.Snapshot()
	summary.Attempted = r.attempts
	summary.Interrupted = interrupted
	summary.Duration = r.now().Sub(r.since)

	r.logger.Info("dispatch completed", append(summary.LogAttrs(), "duration", summary.Duration)...)

	if interrupted {
		return summary, fmt.Errorf("dispatch interrupted after %d attempts: %w", r.attempts, context.Cause(ctx))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	return summary, err
}

// process handles one recipient. It only returns an error when ctx was cancelled while
// waiting for the rate limiter; send failures are counted and logged.
func (r *Runner) process(ctx, sendCtx context.Context, body []byte, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}

	if !r.opts.IncludeTestInbox && addr == r.opts.TestInbox {
		r.logger.Debug("skipping test inbox in recipient list", "address", addr)
		r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeSkipped, Address: addr, Attempts: r.attempts, Detail: "test inbox"})
		return nil
	}

	if !r.opts.Filter.Allows(addr) {
		r.logger.Debug("skipping filtered recipient", "address", addr)
		r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeSkipped, Address: addr, Attempts: r.attempts, Detail: "filtered"})
		return nil
	}

	if err := recipient.Check(addr); err != nil {
		r.logger.Warn("skipping invalid recipient", "address", addr)
		r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeInvalid, Address: addr, Attempts: r.attempts, Err: err})
		return nil
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := r.mailer.Send(sendCtx, model.Message{
		From:    r.opts.From,
		To:      addr,
		Subject: r.opts.Subject,
		HTML:    body,
		Kind:    model.KindRecipient,
	})
	r.attempts++

	if err != nil {
		var failure *model.SendFailure
		if !errors.As(err, &failure) {
			err = &model.SendFailure{To: addr, Err: err}
		}
		r.logger.Warn("send failed", "address", addr, "attempts", r.attempts, "err", err)
		r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeFailed, Address: addr, Attempts: r.attempts, Err: err})
	} else {
		r.logger.Debug("sent", "address", addr, "attempts", r.attempts)
		r.EmitEvent(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeSent, Address: addr, Attempts: r.attempts})
	}

	if r.attempts%r.opts.Interval == 0 {
		r.checkpoint(sendCtx, message.PhaseProgress)
		if r.opts.ExtractEvery == 0 {
			r.extract(sendCtx)
		}
	}
	if r.opts.ExtractEvery > 0 && r.attempts%r.opts.ExtractEvery == 0 {
		r.extract(sendCtx)
	}

	return nil
}

func (r *Runner) checkpoint(ctx context.Context, phase message.Phase) {
	c := message.Checkpoint{
		Subject: r.opts.Subject,
		Phase:   phase,
		Sent:    r.attempts,
		RunID:   r.opts.RunID,
		Time:    r.now(),
	}
	err := r.mailer.Send(ctx, model.Message{
		From:    r.opts.From,
		To:      r.opts.TestInbox,
		Subject: message.CheckpointSubject(c),
		HTML:    message.CheckpointBody(c),
		Kind:    model.KindCheckpoint,
	})
	if err != nil {
		r.logger.Warn("checkpoint failed", "phase", phase, "attempts", r.attempts, "to", r.opts.TestInbox, "err", err)
		r.EmitEvent(stats.Event{Stage: stats.StageCheckpoint, Type: stats.EventTypeCheckpointFailed, Attempts: r.attempts, Err: err, Detail: string(phase)})
		return
	}

	r.logger.Info("checkpoint sent", "phase", phase, "attempts", r.attempts, "to", r.opts.TestInbox)
	r.EmitEvent(stats.Event{Stage: stats.StageCheckpoint, Type: stats.EventTypeCheckpoint, Attempts: r.attempts, Detail: string(phase)})
}

func (r *Runner) extract(ctx context.Context) {
	if r.extractor == nil {
		return
	}
	count, err := r.extractor.Run(ctx)
	if err != nil {
		r.logger.Warn("delivery extraction failed", "attempts", r.attempts, "err", err)
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtractFailed, Attempts: r.attempts, Err: err})
		return
	}
	r.logger.Info("delivered addresses extracted", "count", count, "attempts", r.attempts)
	r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, Attempts: r.attempts, Count: count})
}

func (r *Runner) closeEvents() {
	for _, sub := range r.subs {
		close(sub.events)
	}
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}
