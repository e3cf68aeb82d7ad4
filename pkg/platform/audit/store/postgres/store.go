package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "unigate/pkg/domain"
	audit "unigate/pkg/platform/audit"
	txcontext "unigate/pkg/platform/tx"
)

// Store implements audit.Store over the audit_events table. Appends join the
// caller's transaction when one is open, so an audit row commits or rolls
// back with the change it describes.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO audit_events (
			id, category, occurred_at, principal_id, tenant_id, role,
			action, reason, email, request_id, actor_id, device
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		uuid.New(),
		string(event.Category),
		event.Timestamp,
		nullableUUID(uuid.UUID(event.PrincipalID)),
		nullableUUID(uuid.UUID(event.TenantID)),
		string(event.Role),
		event.Action,
		event.Reason,
		event.Email,
		event.RequestID,
		event.ActorID,
		event.Device,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByPrincipal(ctx context.Context, principalID id.PrincipalID) ([]audit.Event, error) {
	query := `
		SELECT category, occurred_at, principal_id, tenant_id, role,
			   action, reason, email, request_id, actor_id, device
		FROM audit_events
		WHERE principal_id = $1
		ORDER BY occurred_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(principalID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e                 audit.Event
			category, role    string
			principal, tenant uuid.NullUUID
		)
		if err := rows.Scan(&category, &e.Timestamp, &principal, &tenant, &role,
			&e.Action, &e.Reason, &e.Email, &e.RequestID, &e.ActorID, &e.Device); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		e.Role = id.Role(role)
		if principal.Valid {
			e.PrincipalID = id.PrincipalID(principal.UUID)
		}
		if tenant.Valid {
			e.TenantID = id.TenantID(tenant.UUID)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nullableUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}
