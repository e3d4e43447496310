// Package notify delivers customer messages. Delivery outcomes are logged
// and never reported back to the operation that produced the message.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// ErrUnconfigured may be returned by a Transport that has no backend.
var ErrUnconfigured = errors.New("message transport not configured")

// Outcome is the result of a delivery attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// Message is a single outbound email.
type Message struct {
	OrderID     string       `json:"orderId,omitempty"`
	To          string       `json:"to"`
	Subject     string       `json:"subject"`
	Template    string       `json:"template"`
	HTML        string       `json:"html,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Transport hands messages to a delivery backend.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogEntry is a persisted record of one delivery attempt.
type LogEntry struct {
	ID        string
	OrderID   string
	Recipient string
	Subject   string
	Template  string
	Attempt   int
	Status    Outcome
	Error     string
	CreatedAt time.Time
}

// Log persists delivery attempts. Begin stores a pending entry, Finish
// records its outcome.
type Log interface {
	Begin(ctx context.Context, e *LogEntry) error
	Finish(ctx context.Context, id string, status Outcome, errMsg string) error
}

// Job is a message waiting for another delivery attempt.
type Job struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
	Attempt int     `json:"attempt"`
}

// RetryQueue holds failed messages until they are due again.
type RetryQueue interface {
	Push(ctx context.Context, job Job, due time.Time) error
	// PopDue removes and returns one job due at or before now, or nil.
	PopDue(ctx context.Context, now time.Time) (*Job, error)
}

// Result is what Send reports to its caller.
type Result struct {
	Outcome Outcome
	Err     error
}

// Options tune retries.
type Options struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles after
	// every further failure.
	Backoff time.Duration
	// MeterProvider receives the notify.messages counter. Nil disables it.
	MeterProvider metric.MeterProvider
}

// Dispatcher sends messages through a transport, logs every attempt and
// schedules retries for failures.
type Dispatcher struct {
	transport Transport
	log       Log
	retries   RetryQueue
	opts      Options
	now       func() time.Time
	messages  metric.Int64Counter
}

// NewDispatcher creates a Dispatcher. transport, log and retries may be nil.
func NewDispatcher(transport Transport, log Log, retries RetryQueue, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}
	messages, err := opts.MeterProvider.Meter("github.com/xenking/oasis-checkout/internal/domain/notify").
		Int64Counter("notify.messages",
			metric.WithDescription("Notification delivery attempts by outcome"),
			metric.WithUnit("{message}"),
		)
	if err != nil {
		messages = noop.Int64Counter{}
	}
	return &Dispatcher{
		messages:  messages,
		transport: transport,
		log:       log,
		retries:   retries,
		opts:      opts,
		now:       time.Now,
	}
}

// Send makes the first delivery attempt for msg.
func (d *Dispatcher) Send(ctx context.Context, msg Message) Result {
	return d.deliver(ctx, Job{ID: uuid.NewString(), Message: msg, Attempt: 1})
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) Result {
	msg := job.Message
	lg := zctx.From(ctx).With(
		zap.String("recipient", msg.To),
		zap.String("template", msg.Template),
		zap.Int("attempt", job.Attempt),
	)

	entry := &LogEntry{
		OrderID:   msg.OrderID,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Template:  msg.Template,
		Attempt:   job.Attempt,
		Status:    OutcomePending,
	}
	if d.log != nil {
		if err := d.log.Begin(ctx, entry); err != nil {
			lg.Warn("Email log write failed", zap.Error(err))
		}
	}
	lg.Info("Sending notification")

	res := d.attempt(ctx, msg)

	d.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("template", msg.Template),
		attribute.String("outcome", string(res.Outcome)),
	))
	fields := []zap.Field{zap.String("outcome", string(res.Outcome))}
	switch res.Outcome {
	case OutcomeFailed:
		lg.Error("Notification failed", append(fields, zap.Error(res.Err))...)
	case OutcomeSkipped:
		lg.Info("Notification skipped, transport not configured", fields...)
	default:
		lg.Info("Notification sent", fields...)
	}

	if d.log != nil && entry.ID != "" {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if err := d.log.Finish(ctx, entry.ID, res.Outcome, errMsg); err != nil {
			lg.Warn("Email log update failed", zap.Error(err))
		}
	}

	if res.Outcome == OutcomeFailed {
		d.scheduleRetry(ctx, job)
	}
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, msg Message) (res Result) {
	if d.transport == nil {
		return Result{Outcome: OutcomeSkipped}
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Outcome: OutcomeFailed, Err: errors.Errorf("transport panic: %v", rec)}
		}
	}()

	err := d.transport.Send(ctx, msg)
	switch {
	case err == nil:
		return Result{Outcome: OutcomeSent}
	case errors.Is(err, ErrUnconfigured):
		return Result{Outcome: OutcomeSkipped}
	default:
		return Result{Outcome: OutcomeFailed, Err: err}
	}
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, job Job) {
	if d.retries == nil || job.Attempt >= d.opts.MaxAttempts {
		return
	}
	delay := d.opts.Backoff << (job.Attempt - 1)
	next := Job{ID: job.ID, Message: job.Message, Attempt: job.Attempt + 1}
	if err := d.retries.Push(ctx, next, d.now().Add(delay)); err != nil {
		zctx.From(ctx).Error("Notification retry not scheduled",
			zap.String("recipient", job.Message.To),
			zap.Error(err),
		)
	}
}
