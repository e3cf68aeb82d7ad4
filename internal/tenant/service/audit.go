package service

import (
	"context"
	"log/slog"

	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/requestcontext"
)

type auditEmitter struct {
	logger    *slog.Logger
	publisher AuditPublisher
}

func newAuditEmitter(logger *slog.Logger, publisher AuditPublisher) *auditEmitter {
	return &auditEmitter{logger: logger, publisher: publisher}
}

// emit logs the event and persists it. Tenant lifecycle events are part of
// the operation: a persistence failure fails the enclosing transaction.
func (e *auditEmitter) emit(ctx context.Context, event audit.AuditEvent, tenantID id.TenantID, attributes ...any) error {
	requestID := requestcontext.RequestID(ctx)
	if e.logger != nil {
		args := append(attributes,
			"event", string(event),
			"log_type", "audit",
			"tenant_id", tenantID.String(),
		)
		if requestID != "" {
			args = append(args, "request_id", requestID)
		}
		e.logger.InfoContext(ctx, string(event), args...)
	}
	if e.publisher == nil {
		return nil
	}
	ev := audit.Event{
		TenantID:  tenantID,
		Action:    string(event),
		RequestID: requestID,
	}
	if actor := requestcontext.Principal(ctx); !actor.ID.IsNil() {
		ev.ActorID = actor.ID.String()
	}
	if err := e.publisher.Emit(ctx, ev); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}
