package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListForRun(ctx context.Context, runID string, limit int) ([]Event, error)
}

// DefaultHistoryLimit bounds History when no limit is given.
const DefaultHistoryLimit = 100

// Service logs run lifecycle events.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers treat audit logging as best-effort: the Log* helpers never fail the caller.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrgID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// History returns the run's most recent events, oldest first.
func (s *Service) History(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if runID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.repo.ListForRun(ctx, runID, limit)
}

// LogRunTransition records a run status change. A nil *Service is a no-op.
func (s *Service) LogRunTransition(ctx context.Context, orgID, runID string, actor Actor, from, to, reason string) {
	if s == nil {
		return
	}
	s.appendBestEffort(ctx, Event{
		OrgID:       orgID,
		RunID:       runID,
		Type:        EventTypeRunTransition,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		FromStatus:  from,
		ToStatus:    to,
		Message:     reason,
	})
}

// LogRowsIngested records an import with its stats as metadata.
func (s *Service) LogRowsIngested(ctx context.Context, orgID, runID string, actor Actor, stats any) {
	if s == nil {
		return
	}
	meta, err := json.Marshal(stats)
	if err != nil {
		meta = []byte("{}")
	}
	s.appendBestEffort(ctx, Event{
		OrgID:       orgID,
		RunID:       runID,
		Type:        EventTypeRowsIngested,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		Message:     "rows ingested",
		Metadata:    string(meta),
	})
}

func (s *Service) appendBestEffort(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.WarnContext(ctx, "audit append failed", "org_id", e.OrgID, "run_id", e.RunID, "type", e.Type, "err", err)
	}
}
