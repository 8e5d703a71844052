package audit

import (
	"context"
	"fmt"

	"campaign-dialer/pkg/utils"
)

// PostgresRepo appends events to run_audit_events. It has no update or delete path.
type PostgresRepo struct {
	pool utils.PgxPool
}

func NewPostgresRepo(pool utils.PgxPool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	meta := e.Metadata
	if meta == "" {
		meta = "{}"
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO run_audit_events
			(id, org_id, run_id, type, actor_user_id, actor_role, from_status, to_status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)`,
		e.ID, e.OrgID, e.RunID, string(e.Type), e.ActorUserID, e.ActorRole,
		e.FromStatus, e.ToStatus, e.Message, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListForRun returns up to limit of the run's most recent events, oldest first.
func (r *PostgresRepo) ListForRun(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, run_id, type, actor_user_id, actor_role, from_status, to_status, message, metadata::text, created_at
		FROM run_audit_events
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.RunID, &typ, &e.ActorUserID, &e.ActorRole,
			&e.FromStatus, &e.ToStatus, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
