package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
	"campaign-dialer/pkg/utils"
)

// PostgresStore implements Store on a pgx pool. Row and run metadata are JSONB
// documents; everything the engine filters or orders on is a real column.
type PostgresStore struct {
	pool utils.PgxPool
}

func NewPostgresStore(pool utils.PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Migrate applies the idempotent schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return campaign.PersistenceError("migrate", err)
	}
	return nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	timezone            TEXT NOT NULL DEFAULT 'UTC',
	concurrency_limit   INT NOT NULL DEFAULT 0,
	office_hours        JSONB NOT NULL DEFAULT '{}'::jsonb,
	default_from_number TEXT NOT NULL DEFAULT '',
	default_agent_id    TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaign_runs (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL REFERENCES organizations(id),
	name         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'draft',
	scheduled_at TIMESTAMPTZ,
	config       JSONB NOT NULL DEFAULT '{}'::jsonb,
	metrics      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaign_runs_status ON campaign_runs (status, scheduled_at);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	dob        TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	hash       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts (phone);

CREATE TABLE IF NOT EXISTS organization_contacts (
	org_id     TEXT NOT NULL REFERENCES organizations(id),
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, contact_id)
);

CREATE TABLE IF NOT EXISTS campaign_rows (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES campaign_runs(id),
	org_id        TEXT NOT NULL REFERENCES organizations(id),
	status        TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'calling', 'completed', 'failed', 'skipped')),
	variables     JSONB NOT NULL DEFAULT '{}'::jsonb,
	contact_id    TEXT REFERENCES contacts(id),
	contact_hash  TEXT NOT NULL DEFAULT '',
	retry_count   INT NOT NULL DEFAULT 0,
	call_attempts INT NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	priority      INT NOT NULL DEFAULT 0,
	sort_index    INT NOT NULL DEFAULT 0,
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_campaign_rows_dispatch ON campaign_rows (run_id, status, priority DESC, sort_index);
CREATE INDEX IF NOT EXISTS idx_campaign_rows_stuck ON campaign_rows (status, updated_at);

CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	org_id           TEXT NOT NULL REFERENCES organizations(id),
	run_id           TEXT NOT NULL REFERENCES campaign_runs(id),
	row_id           TEXT NOT NULL REFERENCES campaign_rows(id),
	provider_call_id TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	direction        TEXT NOT NULL DEFAULT 'outbound',
	from_number      TEXT NOT NULL DEFAULT '',
	to_number        TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	duration_seconds INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_calls_active ON calls (org_id, status, run_id);
CREATE INDEX IF NOT EXISTS idx_calls_row ON calls (row_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_audit_events (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL,
	actor_user_id TEXT NOT NULL DEFAULT '',
	actor_role    TEXT NOT NULL DEFAULT '',
	from_status   TEXT NOT NULL DEFAULT '',
	to_status     TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_run_audit_events_run ON run_audit_events (run_id, created_at);
`

const runColumns = `id, org_id, name, status, scheduled_at, config, metrics, created_at, updated_at`

const rowColumns = `id, run_id, org_id, status, variables, COALESCE(contact_id, ''), contact_hash,
	retry_count, call_attempts, last_error, priority, sort_index, metadata, created_at, updated_at`

const callColumns = `id, org_id, run_id, row_id, provider_call_id, status, direction, from_number, to_number,
	metadata, duration_seconds, created_at, updated_at`

const contactColumns = `id, first_name, last_name, dob, phone, hash, created_at`

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run campaign.Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return campaign.PersistenceError("create run", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return campaign.PersistenceError("create run", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaign_runs (id, org_id, name, status, scheduled_at, config, metrics, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		run.ID, run.OrgID, run.Name, string(run.Status), run.ScheduledAt, cfg, metrics)
	return campaign.PersistenceError("create run", err)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (campaign.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM campaign_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Run{}, campaign.NotFound("get run", "run", runID)
	}
	if err != nil {
		return campaign.Run{}, campaign.PersistenceError("get run", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status campaign.RunStatus) ([]campaign.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM campaign_runs WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, campaign.PersistenceError("list runs", err)
	}
	defer rows.Close()

	var out []campaign.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, campaign.PersistenceError("list runs", err)
		}
		out = append(out, r)
	}
	return out, campaign.PersistenceError("list runs", rows.Err())
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from []campaign.RunStatus, to campaign.RunStatus, mutate RunMutation) (bool, error) {
	if mutate == nil {
		tag, err := s.pool.Exec(ctx,
			`UPDATE campaign_runs SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
			runID, string(to), runStatusStrings(from))
		if err != nil {
			return false, campaign.PersistenceError("transition run", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	changed := false
	err := utils.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var status string
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT status, metrics FROM campaign_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.NotFound("transition run", "run", runID)
		}
		if err != nil {
			return err
		}
		if !containsRunStatus(from, campaign.RunStatus(status)) {
			return nil
		}
		var m campaign.RunMetrics
		if err := unmarshalJSON(raw, &m); err != nil {
			return err
		}
		mutate(&m)
		next, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE campaign_runs SET status = $2, metrics = $3, updated_at = now() WHERE id = $1`,
			runID, string(to), next); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, campaign.PersistenceError("transition run", err)
	}
	return changed, nil
}

func (s *PostgresStore) UpdateRunMetrics(ctx context.Context, runID string, mutate RunMutation) error {
	err := utils.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT metrics FROM campaign_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.NotFound("update run metrics", "run", runID)
		}
		if err != nil {
			return err
		}
		var m campaign.RunMetrics
		if err := unmarshalJSON(raw, &m); err != nil {
			return err
		}
		mutate(&m)
		next, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE campaign_runs SET metrics = $2, updated_at = now() WHERE id = $1`, runID, next)
		return err
	})
	return campaign.PersistenceError("update run metrics", err)
}

func (s *PostgresStore) SetRunSchedule(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaign_runs SET scheduled_at = $2, updated_at = now() WHERE id = $1`, runID, at.UTC())
	if err != nil {
		return campaign.PersistenceError("schedule run", err)
	}
	if tag.RowsAffected() == 0 {
		return campaign.NotFound("schedule run", "run", runID)
	}
	return nil
}

func (s *PostgresStore) IncrementRunCounter(ctx context.Context, runID, path string, delta int64) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		UPDATE campaign_runs
		SET metrics = jsonb_set(
				CASE WHEN metrics ? 'counters' THEN metrics ELSE metrics || '{"counters": {}}'::jsonb END,
				ARRAY['counters', $2::text],
				to_jsonb(COALESCE((metrics->'counters'->>$2::text)::bigint, 0) + $3::bigint),
				true),
			updated_at = now()
		WHERE id = $1
		RETURNING (metrics->'counters'->>$2::text)::bigint`, runID, path, delta).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, campaign.NotFound("increment counter", "run", runID)
	}
	if err != nil {
		return 0, campaign.PersistenceError("increment counter", err)
	}
	return v, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (campaign.Organization, error) {
	var o campaign.Organization
	var hours []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, timezone, concurrency_limit, office_hours, default_from_number, default_agent_id
		FROM organizations WHERE id = $1`, orgID).
		Scan(&o.ID, &o.Name, &o.Timezone, &o.ConcurrencyLimit, &hours, &o.DefaultFromNumber, &o.DefaultAgentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Organization{}, campaign.NotFound("get organization", "organization", orgID)
	}
	if err != nil {
		return campaign.Organization{}, campaign.PersistenceError("get organization", err)
	}
	if err := unmarshalJSON(hours, &o.OfficeHours); err != nil {
		return campaign.Organization{}, campaign.PersistenceError("get organization", err)
	}
	return o, nil
}

func (s *PostgresStore) UpsertOrganization(ctx context.Context, org campaign.Organization) error {
	hours, err := json.Marshal(org.OfficeHours)
	if err != nil {
		return campaign.PersistenceError("upsert organization", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO organizations (id, name, timezone, concurrency_limit, office_hours, default_from_number, default_agent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			timezone = EXCLUDED.timezone,
			concurrency_limit = EXCLUDED.concurrency_limit,
			office_hours = EXCLUDED.office_hours,
			default_from_number = EXCLUDED.default_from_number,
			default_agent_id = EXCLUDED.default_agent_id`,
		org.ID, org.Name, org.Timezone, org.ConcurrencyLimit, hours, org.DefaultFromNumber, org.DefaultAgentID)
	return campaign.PersistenceError("upsert organization", err)
}

// --- rows ---

var rowCopyColumns = []string{
	"id", "run_id", "org_id", "status", "variables", "contact_id", "contact_hash",
	"retry_count", "call_attempts", "last_error", "priority", "sort_index", "metadata", "created_at", "updated_at",
}

// InsertRows bulk-loads rows with COPY.
func (s *PostgresStore) InsertRows(ctx context.Context, rows []campaign.Row) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			return campaign.PersistenceError("insert rows", err)
		}
		meta, err := json.Marshal(r.Diagnostics)
		if err != nil {
			return campaign.PersistenceError("insert rows", err)
		}
		status := r.Status
		if status == "" {
			status = campaign.RowStatusPending
		}
		var contactID any
		if r.ContactID != "" {
			contactID = r.ContactID
		}
		data = append(data, []any{
			r.ID, r.RunID, r.OrgID, string(status), vars, contactID, r.ContactHash,
			int32(r.RetryCount), int32(r.CallAttempts), r.LastError, int32(r.Priority), int32(r.SortIndex), meta, now, now,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"campaign_rows"}, rowCopyColumns, pgx.CopyFromRows(data))
	if err != nil {
		return campaign.PersistenceError("insert rows", fmt.Errorf("COPY INTO campaign_rows: %w", err))
	}
	if int(n) != len(rows) {
		return campaign.PersistenceError("insert rows", fmt.Errorf("copied %d of %d rows", n, len(rows)))
	}
	return nil
}

func (s *PostgresStore) GetRow(ctx context.Context, rowID string) (campaign.Row, error) {
	r, err := scanRow(s.pool.QueryRow(ctx, `SELECT `+rowColumns+` FROM campaign_rows WHERE id = $1`, rowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Row{}, campaign.NotFound("get row", "row", rowID)
	}
	if err != nil {
		return campaign.Row{}, campaign.PersistenceError("get row", err)
	}
	return r, nil
}

func (s *PostgresStore) NextPendingRows(ctx context.Context, runID string, limit int, exclude []string) ([]campaign.Row, error) {
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.pool.Query(ctx, `SELECT `+rowColumns+` FROM campaign_rows
		WHERE run_id = $1 AND status = 'pending' AND NOT (id = ANY($2))
		ORDER BY priority DESC, sort_index ASC
		LIMIT $3`, runID, exclude, limit)
	if err != nil {
		return nil, campaign.PersistenceError("next pending rows", err)
	}
	return collectRows(rows, "next pending rows")
}

// ClaimRow is the single conditional write that guarantees one dispatcher per row.
func (s *PostgresStore) ClaimRow(ctx context.Context, rowID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaign_rows
		SET status = 'calling',
			updated_at = $2,
			metadata = jsonb_set(metadata, '{claimed_at}', to_jsonb($2::timestamptz), true)
		WHERE id = $1 AND status = 'pending'`, rowID, now.UTC())
	if err != nil {
		return false, campaign.PersistenceError("claim row", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) TransitionRow(ctx context.Context, rowID string, from []campaign.RowStatus, to campaign.RowStatus, mutate RowMutation) (bool, error) {
	changed := false
	err := utils.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		r, err := scanRow(tx.QueryRow(ctx, `SELECT `+rowColumns+` FROM campaign_rows WHERE id = $1 FOR UPDATE`, rowID))
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.NotFound("transition row", "row", rowID)
		}
		if err != nil {
			return err
		}
		if !containsRowStatus(from, r.Status) {
			return nil
		}
		if mutate != nil {
			mutate(&r)
		}
		vars, err := json.Marshal(r.Variables)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(r.Diagnostics)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE campaign_rows
			SET status = $2, variables = $3, contact_id = NULLIF($4, ''), retry_count = $5, call_attempts = $6,
				last_error = $7, metadata = $8, updated_at = now()
			WHERE id = $1`,
			rowID, string(to), vars, r.ContactID, r.RetryCount, r.CallAttempts, r.LastError, meta)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, campaign.PersistenceError("transition row", err)
	}
	return changed, nil
}

func (s *PostgresStore) SetRowContact(ctx context.Context, rowID, contactID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaign_rows SET contact_id = NULLIF($2, '') WHERE id = $1`, rowID, contactID)
	if err != nil {
		return campaign.PersistenceError("set row contact", err)
	}
	if tag.RowsAffected() == 0 {
		return campaign.NotFound("set row contact", "row", rowID)
	}
	return nil
}

func (s *PostgresStore) CountRowsByStatus(ctx context.Context, runID string) (campaign.RowCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM campaign_rows WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return campaign.RowCounts{}, campaign.PersistenceError("count rows", err)
	}
	defer rows.Close()

	var out campaign.RowCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return campaign.RowCounts{}, campaign.PersistenceError("count rows", err)
		}
		out.Add(campaign.RowStatus(status), int(n))
	}
	return out, campaign.PersistenceError("count rows", rows.Err())
}

func (s *PostgresStore) ListStuckRows(ctx context.Context, runID string, cutoff time.Time) ([]campaign.Row, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+rowColumns+` FROM campaign_rows
		WHERE status = 'calling' AND updated_at < $2 AND ($1 = '' OR run_id = $1)
		ORDER BY updated_at`, runID, cutoff.UTC())
	if err != nil {
		return nil, campaign.PersistenceError("list stuck rows", err)
	}
	return collectRows(rows, "list stuck rows")
}

// --- calls ---

func (s *PostgresStore) CreateCall(ctx context.Context, c calls.Call) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return campaign.PersistenceError("create call", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO calls (id, org_id, run_id, row_id, provider_call_id, status, direction, from_number, to_number, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()), now())`,
		c.ID, c.OrgID, c.RunID, c.RowID, c.ProviderCallID, string(c.Status), string(c.Direction), c.From, c.To, meta,
		timeOrNil(c.CreatedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return campaign.Conflict("create call")
	}
	return campaign.PersistenceError("create call", err)
}

func (s *PostgresStore) GetCallByProviderID(ctx context.Context, providerCallID string) (calls.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE provider_call_id = $1`, providerCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return calls.Call{}, campaign.NotFound("get call", "call", providerCallID)
	}
	if err != nil {
		return calls.Call{}, campaign.PersistenceError("get call", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID string, status calls.Status, durationSeconds int) (calls.Call, bool, error) {
	var out calls.Call
	changed := false
	err := utils.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		c, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1 FOR UPDATE`, callID))
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.NotFound("update call", "call", callID)
		}
		if err != nil {
			return err
		}
		out = c
		if !c.Status.Advances(status) {
			return nil
		}
		if durationSeconds <= 0 {
			durationSeconds = c.DurationSeconds
		}
		if _, err := tx.Exec(ctx, `UPDATE calls SET status = $2, duration_seconds = $3, updated_at = now() WHERE id = $1`,
			callID, string(status), durationSeconds); err != nil {
			return err
		}
		out.Status = status
		out.DurationSeconds = durationSeconds
		changed = true
		return nil
	})
	if err != nil {
		return calls.Call{}, false, campaign.PersistenceError("update call", err)
	}
	return out, changed, nil
}

func (s *PostgresStore) CountActiveCalls(ctx context.Context, orgID, runID string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM calls
		WHERE org_id = $1 AND status IN ('pending', 'in-progress') AND ($2 = '' OR run_id = $2)`, orgID, runID).Scan(&n)
	if err != nil {
		return 0, campaign.PersistenceError("count active calls", err)
	}
	return int(n), nil
}

func (s *PostgresStore) LatestCallForRow(ctx context.Context, rowID string, since time.Time) (calls.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls
		WHERE row_id = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT 1`, rowID, since.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return calls.Call{}, campaign.NotFound("latest call", "call for row", rowID)
	}
	if err != nil {
		return calls.Call{}, campaign.PersistenceError("latest call", err)
	}
	return c, nil
}

func (s *PostgresStore) ListTerminalCallsForCallingRows(ctx context.Context, runID string) ([]calls.Call, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+callColumns+` FROM (
			SELECT DISTINCT ON (c.row_id) c.*
			FROM calls c
			JOIN campaign_rows r ON r.id = c.row_id
			WHERE r.status = 'calling' AND ($1 = '' OR c.run_id = $1)
				AND (r.metadata->>'claimed_at' IS NULL
					OR c.created_at >= (r.metadata->>'claimed_at')::timestamptz)
			ORDER BY c.row_id, c.created_at DESC
		) latest
		WHERE status IN ('completed', 'failed', 'voicemail', 'no-answer', 'busy', 'canceled')
		ORDER BY created_at`, runID)
	if err != nil {
		return nil, campaign.PersistenceError("list terminal calls", err)
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, campaign.PersistenceError("list terminal calls", err)
		}
		out = append(out, c)
	}
	return out, campaign.PersistenceError("list terminal calls", rows.Err())
}

func (s *PostgresStore) ListCallsForRun(ctx context.Context, runID string) ([]calls.Call, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+callColumns+` FROM calls WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, campaign.PersistenceError("list calls", err)
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, campaign.PersistenceError("list calls", err)
		}
		out = append(out, c)
	}
	return out, campaign.PersistenceError("list calls", rows.Err())
}

// --- contacts ---

func (s *PostgresStore) FindContactByHash(ctx context.Context, hash string) (campaign.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Contact{}, campaign.NotFound("find contact", "contact hash", hash)
	}
	if err != nil {
		return campaign.Contact{}, campaign.PersistenceError("find contact", err)
	}
	return c, nil
}

func (s *PostgresStore) FindContactByPhone(ctx context.Context, phone string) (campaign.Contact, error) {
	c, err := scanContact(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts
		WHERE phone = $1 AND phone <> '' ORDER BY created_at LIMIT 1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Contact{}, campaign.NotFound("find contact", "contact phone", phone)
	}
	if err != nil {
		return campaign.Contact{}, campaign.PersistenceError("find contact", err)
	}
	return c, nil
}

// UpsertContact relies on the unique hash constraint: concurrent inserts of the
// same identity collapse onto the first committed row.
func (s *PostgresStore) UpsertContact(ctx context.Context, c campaign.Contact) (campaign.Contact, bool, error) {
	out, err := scanContact(s.pool.QueryRow(ctx, `
		INSERT INTO contacts (id, first_name, last_name, dob, phone, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (hash) DO NOTHING
		RETURNING `+contactColumns, c.ID, c.FirstName, c.LastName, c.DOB, c.Phone, c.Hash))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return campaign.Contact{}, false, campaign.PersistenceError("upsert contact", err)
	}
	existing, err := s.FindContactByHash(ctx, c.Hash)
	if err != nil {
		return campaign.Contact{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) EnsureOrgLink(ctx context.Context, orgID, contactID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organization_contacts (org_id, contact_id, created_at) VALUES ($1, $2, now())
		ON CONFLICT (org_id, contact_id) DO NOTHING`, orgID, contactID)
	return campaign.PersistenceError("link contact", err)
}

// --- scanning ---

func scanRun(row pgx.Row) (campaign.Run, error) {
	var r campaign.Run
	var status string
	var cfg, metrics []byte
	if err := row.Scan(&r.ID, &r.OrgID, &r.Name, &status, &r.ScheduledAt, &cfg, &metrics, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return campaign.Run{}, err
	}
	r.Status = campaign.RunStatus(status)
	if err := unmarshalJSON(cfg, &r.Config); err != nil {
		return campaign.Run{}, err
	}
	if err := unmarshalJSON(metrics, &r.Metrics); err != nil {
		return campaign.Run{}, err
	}
	return r, nil
}

func scanRow(row pgx.Row) (campaign.Row, error) {
	var r campaign.Row
	var status string
	var vars, meta []byte
	var retry, attempts, priority, sortIndex int32
	err := row.Scan(&r.ID, &r.RunID, &r.OrgID, &status, &vars, &r.ContactID, &r.ContactHash,
		&retry, &attempts, &r.LastError, &priority, &sortIndex, &meta, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return campaign.Row{}, err
	}
	r.Status = campaign.RowStatus(status)
	r.RetryCount, r.CallAttempts, r.Priority, r.SortIndex = int(retry), int(attempts), int(priority), int(sortIndex)
	if err := unmarshalJSON(vars, &r.Variables); err != nil {
		return campaign.Row{}, err
	}
	if err := unmarshalJSON(meta, &r.Diagnostics); err != nil {
		return campaign.Row{}, err
	}
	return r, nil
}

func collectRows(rows pgx.Rows, op string) ([]campaign.Row, error) {
	defer rows.Close()
	var out []campaign.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, campaign.PersistenceError(op, err)
		}
		out = append(out, r)
	}
	return out, campaign.PersistenceError(op, rows.Err())
}

func scanCall(row pgx.Row) (calls.Call, error) {
	var c calls.Call
	var status, direction string
	var meta []byte
	var duration int32
	err := row.Scan(&c.ID, &c.OrgID, &c.RunID, &c.RowID, &c.ProviderCallID, &status, &direction, &c.From, &c.To,
		&meta, &duration, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return calls.Call{}, err
	}
	c.Status = calls.Status(status)
	c.Direction = calls.Direction(direction)
	c.DurationSeconds = int(duration)
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return calls.Call{}, err
	}
	return c, nil
}

func scanContact(row pgx.Row) (campaign.Contact, error) {
	var c campaign.Contact
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.DOB, &c.Phone, &c.Hash, &c.CreatedAt)
	return c, err
}

// timeOrNil lets the database default apply to a zero time.
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func runStatusStrings(in []campaign.RunStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
