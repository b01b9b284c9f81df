// Package receiver polls a mailbox source and persists every new message
// and its attachments before marking it consumed at the source.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/mailbox"
)

// State is the position of the receiver in its poll loop.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Store persists inbound records and attachments. *inbox.Store satisfies
// it.
type Store interface {
	// Save reports whether a new record was written; false means the
	// source id was already stored.
	Save(ctx context.Context, m *email.InboundMessage) (bool, error)
	SaveAttachment(ctx context.Context, sourceID string, info email.AttachmentInfo, data []byte) (string, error)
}

// refresher is implemented by stores that cache which ids they hold.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Config controls the poll loop.
type Config struct {
	// Interval is the pause after a clean cycle.
	Interval time.Duration
	// Backoff is the pause after a cycle aborted by an unavailable source
	// or store.
	Backoff time.Duration
	// Clock defaults to the system clock.
	Clock Clock
	// OnIngest, if set, is called with every newly stored message before
	// it is marked consumed.
	OnIngest func(ctx context.Context, m *email.InboundMessage)
}

// Failure is a message that could not be ingested in a cycle. It stays
// unconsumed and is retried on the next cycle.
type Failure struct {
	ID  string
	Err error
}

// CycleReport describes one poll cycle.
type CycleReport struct {
	Started    time.Time
	Finished   time.Time
	Listed     int
	Stored     int
	Duplicates int
	Failures   []Failure
}

// Receiver drives ingestion from one source.
type Receiver struct {
	source mailbox.Source
	store  Store
	cfg    Config
	state  atomic.Int32
	logger *slog.Logger
}

// New creates a Receiver. Interval defaults to 30s and Backoff to 60s.
func New(source mailbox.Source, store Store, cfg Config, logger *slog.Logger) *Receiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{source: source, store: store, cfg: cfg, logger: logger}
}

// State returns the current loop state.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

func (r *Receiver) setState(s State) {
	r.state.Store(int32(s))
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (r *Receiver) Run(ctx context.Context) {
	r.logger.Info("starting receiver",
		"source", r.source.Name(),
		"interval", r.cfg.Interval,
		"backoff", r.cfg.Backoff,
	)
	defer r.setState(StateIdle)

	for {
		wait := r.cfg.Interval
		report, err := r.RunCycle(ctx)
		if ctx.Err() != nil {
			r.logger.Info("receiver stopped", "source", r.source.Name())
			return
		}
		if err != nil {
			r.logger.Error("poll cycle aborted", "source", r.source.Name(), "error", err, "backoff", r.cfg.Backoff)
			wait = r.cfg.Backoff
		} else if report.Listed > 0 {
			r.logger.Info("poll cycle finished",
				"source", r.source.Name(),
				"listed", report.Listed,
				"stored", report.Stored,
				"duplicates", report.Duplicates,
				"failed", len(report.Failures),
			)
		}

		r.setState(StateSleeping)
		select {
		case <-ctx.Done():
			r.logger.Info("receiver stopped", "source", r.source.Name())
			return
		case <-r.cfg.Clock.After(wait):
		}
	}
}

// RunCycle lists the source once and ingests every unconsumed message.
// Failures specific to one message are collected in the report. An
// unavailable source or store aborts the cycle and is returned.
func (r *Receiver) RunCycle(ctx context.Context) (report CycleReport, err error) {
	report.Started = r.cfg.Clock.Now()
	defer func() {
		report.Finished = r.cfg.Clock.Now()
		r.setState(StateIdle)
	}()

	r.setState(StateFetching)
	ids, err := r.source.ListUnconsumed(ctx)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", r.source.Name(), err)
	}
	report.Listed = len(ids)
	if len(ids) == 0 {
		r.logger.Debug("no new messages", "source", r.source.Name())
		return report, nil
	}

	if rf, ok := r.store.(refresher); ok {
		if err := rf.Refresh(ctx); err != nil {
			return report, fmt.Errorf("refresh store: %w", err)
		}
	}

	r.setState(StateProcessing)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		created, err := r.ingest(ctx, id)
		if err != nil {
			if email.IsUnavailable(err) {
				return report, fmt.Errorf("ingest %s: %w", id, err)
			}
			r.logger.Error("ingest failed", "source_id", id, "error", err)
			report.Failures = append(report.Failures, Failure{ID: id, Err: err})
			continue
		}
		if created {
			report.Stored++
		} else {
			report.Duplicates++
		}
	}
	return report, nil
}

// ingest stores one message and its attachments, then marks it consumed.
func (r *Receiver) ingest(ctx context.Context, id string) (bool, error) {
	msg, err := r.source.FetchContent(ctx, id)
	if err != nil {
		return false, fmt.Errorf("fetch content: %w", err)
	}
	in := msg.Inbound(r.source.Name())

	created, err := r.store.Save(ctx, in)
	if err != nil {
		return false, err
	}

	// Attachments are written again for duplicates, since an earlier
	// attempt may have stopped between the record and its attachments.
	for _, att := range in.Attachments {
		data, err := r.source.FetchAttachment(ctx, id, att.ID)
		if err != nil {
			return false, fmt.Errorf("fetch attachment %s: %w", att.ID, err)
		}
		key, err := r.store.SaveAttachment(ctx, id, att, data)
		if err != nil {
			return false, err
		}
		r.logger.Debug("attachment stored", "source_id", id, "key", key, "size", len(data))
	}

	if created && r.cfg.OnIngest != nil {
		r.cfg.OnIngest(ctx, in)
	}

	if err := r.source.MarkConsumed(ctx, id); err != nil {
		return false, fmt.Errorf("mark consumed: %w", err)
	}
	r.logger.Info("message ingested", "source_id", id, "subject", in.Subject, "attachments", len(in.Attachments), "duplicate", !created)
	return created, nil
}
