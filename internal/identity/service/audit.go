package service

import (
	"context"

	dErrors "unigate/pkg/domain-errors"
	audit "unigate/pkg/platform/audit"
	"unigate/pkg/platform/device"
	"unigate/pkg/requestcontext"
)

// emit logs and persists a lifecycle event. Inside a transaction a
// persistence failure aborts the transition.
func (s *Service) emit(ctx context.Context, action audit.AuditEvent, event audit.Event) error {
	event.Action = string(action)
	event.RequestID = requestcontext.RequestID(ctx)
	if actor := requestcontext.Principal(ctx); !actor.ID.IsNil() && actor.ID != event.PrincipalID {
		event.ActorID = actor.ID.String()
	}

	s.logger.InfoContext(ctx, event.Action,
		"log_type", "audit",
		"event", event.Action,
		"principal_id", event.PrincipalID,
		"tenant_id", event.TenantID,
		"role", event.Role,
		"request_id", event.RequestID,
	)
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.Emit(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record audit event")
	}
	return nil
}

// emitLogin records login outcomes with a device label. Failures to persist
// are logged only; they never change the login result.
func (s *Service) emitLogin(ctx context.Context, action audit.AuditEvent, event audit.Event) {
	event.Device = device.ParseUserAgent(requestcontext.UserAgent(ctx))
	if err := s.emit(ctx, action, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to record login event", "error", err)
	}
}
