package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "unigate/pkg/platform/audit"
	"unigate/pkg/requestcontext"
)

const defaultDispatchTimeout = 10 * time.Second

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Dispatcher sends mail in the background. Failures are logged, counted and
// audited but never reported to the caller.
type Dispatcher struct {
	sender    Sender
	logger    *slog.Logger
	publisher AuditPublisher
	metrics   *Metrics
	timeout   time.Duration
	from      string

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithFrom sets the sender address stamped on messages that carry none.
func WithFrom(from string) DispatcherOption {
	return func(d *Dispatcher) {
		d.from = from
	}
}

func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		logger:  slog.Default(),
		timeout: defaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues msg for delivery and returns immediately. The send
// outlives the request: it keeps ctx values but not its cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "mail dropped, dispatcher closed",
			"kind", msg.Kind,
			"request_id", requestcontext.RequestID(ctx),
		)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	if msg.From == "" {
		msg.From = d.from
	}

	go func() {
		defer d.wg.Done()
		d.send(context.WithoutCancel(ctx), msg)
	}()
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, msg)
	if d.metrics != nil {
		d.metrics.Duration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		if d.metrics != nil {
			d.metrics.Sent.WithLabelValues(string(msg.Kind)).Inc()
		}
		return
	}

	requestID := requestcontext.RequestID(ctx)
	d.logger.ErrorContext(ctx, "mail dispatch failed",
		"kind", msg.Kind,
		"tenant_id", msg.TenantID,
		"request_id", requestID,
		"error", err,
	)
	if d.metrics != nil {
		d.metrics.Failed.WithLabelValues(string(msg.Kind)).Inc()
	}
	if d.publisher == nil {
		return
	}
	event := audit.Event{
		TenantID:  msg.TenantID,
		Action:    string(audit.EventMailDispatchFailed),
		Reason:    string(msg.Kind),
		Email:     msg.To,
		RequestID: requestID,
	}
	if p := requestcontext.Principal(ctx); !p.ID.IsNil() {
		event.PrincipalID = p.ID
	}
	if auditErr := d.publisher.Emit(ctx, event); auditErr != nil {
		d.logger.ErrorContext(ctx, "failed to audit mail failure", "error", auditErr)
	}
}

// Close stops accepting messages and waits for in-flight sends.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
