// Package dispatcher runs outbound delivery attempts in the background.
//
// Each accepted request becomes one unit of work on a bounded pool: assemble
// the message, hand it to the provider once, and record exactly one
// DeliveryResult. Callers only wait for acceptance.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/shineum/mail-gateway/internal/assembler"
	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/provider"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Assembler builds the outbound message for a request.
type Assembler interface {
	Assemble(ctx context.Context, id string, req email.OutboundRequest) (*assembler.Assembled, error)
}

// Recorder persists delivery outcomes and debug copies.
type Recorder interface {
	Record(ctx context.Context, r email.DeliveryResult) error
	StoreRaw(ctx context.Context, id string, raw []byte) error
}

// Config controls pool sizing.
type Config struct {
	Workers   int
	QueueSize int
}

type job struct {
	id   string
	req  email.OutboundRequest
	meta email.ClientMeta
}

// Dispatcher accepts send requests and processes them asynchronously.
type Dispatcher struct {
	assembler Assembler
	provider  provider.Provider
	recorder  Recorder
	logger    *slog.Logger

	// ctx outlives the request that submitted a job.
	ctx   context.Context
	queue chan job
	pool  *pool.Pool
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	newID func() string
	now   func() time.Time
}

// New creates a Dispatcher and starts its feeder goroutine.
func New(cfg Config, a Assembler, p provider.Provider, r Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	d := &Dispatcher{
		assembler: a,
		provider:  p,
		recorder:  r,
		logger:    logger,
		ctx:       context.Background(),
		queue:     make(chan job, cfg.QueueSize),
		pool:      pool.New().WithMaxGoroutines(cfg.Workers),
		done:      make(chan struct{}),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	go d.feed()
	return d
}

// Submit accepts req for delivery and returns its message id. It blocks
// only while the queue is full. The delivery outcome is observable through
// the Recorder once the unit completes.
func (d *Dispatcher) Submit(ctx context.Context, req email.OutboundRequest, meta email.ClientMeta) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return "", ErrClosed
	}

	j := job{id: d.newID(), req: req, meta: meta}
	select {
	case d.queue <- j:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	d.logger.Debug("send accepted", "message_id", j.id, "recipient", req.To)
	return j.id, nil
}

// Close stops accepting requests and waits for queued and in-flight units
// to finish, or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) feed() {
	defer close(d.done)
	for j := range d.queue {
		// Go blocks until a worker is free.
		d.pool.Go(func() { d.process(j) })
	}
	d.pool.Wait()
}

// process runs one delivery attempt. Every path ends in exactly one call
// to record.
func (d *Dispatcher) process(j job) {
	result := email.DeliveryResult{
		MessageID: j.id,
		Recipient: j.req.To,
		Client:    j.meta,
		Provider:  d.provider.Name(),
	}

	msg, err := d.assembler.Assemble(d.ctx, j.id, j.req)
	if err != nil {
		d.fail(&result, err)
		d.record(result)
		return
	}
	result.MessageSize = len(msg.Raw)

	env := provider.Envelope{MessageID: msg.MessageID, From: msg.From, To: msg.To}
	if err := d.provider.Deliver(d.ctx, env, msg.Raw); err != nil {
		d.fail(&result, err)
		d.record(result)
		return
	}

	result.Status = email.StatusSuccess
	result.Detail = "Email sent successfully"
	if j.req.Debug {
		if err := d.recorder.StoreRaw(d.ctx, j.id, msg.Raw); err != nil {
			d.logger.Error("failed to store raw message", "message_id", j.id, "error", err)
		}
	}
	d.record(result)
}

func (d *Dispatcher) fail(r *email.DeliveryResult, err error) {
	kind, detail := provider.Classify(err)
	r.Status = email.StatusFailure
	r.Failure = string(kind)
	r.Detail = detail
	d.logger.Warn("delivery failed",
		"message_id", r.MessageID,
		"failure", kind,
		"error", err,
	)
}

func (d *Dispatcher) record(r email.DeliveryResult) {
	r.Timestamp = d.now()
	if err := d.recorder.Record(d.ctx, r); err != nil {
		d.logger.Error("failed to record delivery result",
			"message_id", r.MessageID,
			"status", r.Status,
			"error", err,
		)
		return
	}
	d.logger.Info("delivery recorded",
		"message_id", r.MessageID,
		"status", r.Status,
		"provider", r.Provider,
		"size", r.MessageSize,
	)
}
