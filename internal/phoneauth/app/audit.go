package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aelexs/phone-auth-service/internal/domain"
)

// AuditLoggerConfig holds the dependencies for an AuditLogger.
type AuditLoggerConfig struct {
	Store  AuditStore
	Logger *slog.Logger
	Clock  domain.Clock

	// Async switches Record to enqueue-and-return. A single consumer
	// goroutine drains the queue; overflow drops the event with an
	// error log, never blocking the producer (ADR-008 §3).
	Async bool

	// QueueSize bounds the async queue. Zero means
	// domain.AuditQueueSize.
	QueueSize int
}

// AuditLogger writes security events to the audit store. Writes are
// best-effort from the caller's perspective: a failed write is logged
// at error severity and swallowed, so audit trouble never fails the
// business operation it describes.
type AuditLogger struct {
	store  AuditStore
	logger *slog.Logger
	clock  domain.Clock

	queue     chan domain.AuditEvent // nil in sync mode
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAuditLogger creates an AuditLogger. In async mode it starts the
// consumer goroutine; the caller owns the lifecycle and must Close
// during shutdown to drain pending events.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	a := &AuditLogger{
		store:  cfg.Store,
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}

	if cfg.Async {
		size := cfg.QueueSize
		if size <= 0 {
			size = domain.AuditQueueSize
		}
		a.queue = make(chan domain.AuditEvent, size)
		a.wg.Add(1)
		go a.consume()
	}

	return a
}

// Record persists one audit event, filling in id and timestamp when the
// caller left them zero. In async mode it returns as soon as the event
// is queued; a full queue drops the event.
func (a *AuditLogger) Record(ctx context.Context, event domain.AuditEvent) {
	if event.ID.IsZero() {
		event.ID = domain.GenerateEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.clock.Now().UTC()
	}

	if a.queue != nil {
		select {
		case a.queue <- event:
		default:
			auditDroppedTotal.Add(ctx, 1)
			a.logger.ErrorContext(ctx, "audit queue full, dropping event",
				"event_type", event.EventType, "action", event.Action)
		}
		return
	}

	a.append(ctx, event)
}

// Close stops accepting events and drains the queue. Safe to call more
// than once; a no-op in sync mode.
func (a *AuditLogger) Close() {
	if a.queue == nil {
		return
	}
	a.closeOnce.Do(func() { close(a.queue) })
	a.wg.Wait()
}

func (a *AuditLogger) consume() {
	defer a.wg.Done()
	for event := range a.queue {
		// Queued events outlive the request that produced them.
		a.append(context.Background(), event)
	}
}

func (a *AuditLogger) append(ctx context.Context, event domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, domain.DatabaseTimeout)
	defer cancel()

	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit event",
			"error", err, "event_type", event.EventType, "action", event.Action)
	}
}
