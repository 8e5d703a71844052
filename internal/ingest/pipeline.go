// Package ingest turns uploaded spreadsheets into typed, deduplicated rows.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/store"
)

// Mode controls whether ingestion may write.
type Mode string

const (
	// ModeImport resolves (and creates) contacts and persists rows.
	ModeImport Mode = "import"
	// ModeValidate only reads. It never creates contacts or rows.
	ModeValidate Mode = "validate"
)

// ContactResolver is implemented by *contacts.Resolver.
type ContactResolver interface {
	FindOrCreate(ctx context.Context, id contacts.Identity) (contacts.Resolution, error)
	Lookup(ctx context.Context, id contacts.Identity) (contacts.Resolution, bool, error)
}

// RowSink receives rows of an import. store.Store satisfies it.
type RowSink interface {
	InsertRows(ctx context.Context, rows []campaign.Row) error
	CountRowsByStatus(ctx context.Context, runID string) (campaign.RowCounts, error)
	UpdateRunMetrics(ctx context.Context, runID string, mutate store.RunMutation) error
	TransitionRun(ctx context.Context, runID string, from []campaign.RunStatus, to campaign.RunStatus, mutate store.RunMutation) (bool, error)
}

type Input struct {
	Data     []byte
	FileName string
	Schema   *Schema // nil or empty: auto-detect
	OrgID    string
	RunID    string // empty: nothing is persisted
	Mode     Mode
}

type ValidRow struct {
	RowID       string            `json:"row_id,omitempty"`
	SourceRow   int               `json:"source_row"`
	ContactID   string            `json:"contact_id,omitempty"`
	ContactHash string            `json:"contact_hash"`
	Variables   map[string]string `json:"variables"`
	Priority    int               `json:"priority,omitempty"`
	Duplicate   bool              `json:"duplicate,omitempty"`
}

type InvalidRow struct {
	SourceRow int               `json:"source_row"`
	Reasons   []string          `json:"reasons"`
	Partial   map[string]string `json:"partial,omitempty"`
}

type Stats struct {
	TotalRows         int      `json:"total_rows"`
	ValidRows         int      `json:"valid_rows"`
	InvalidRows       int      `json:"invalid_rows"`
	UniquePatients    int      `json:"unique_patients"`
	DuplicatePatients int      `json:"duplicate_patients"`
	ContactsCreated   int      `json:"contacts_created"`
	ContactsReused    int      `json:"contacts_reused"`
	MatchedHeaders    []string `json:"matched_headers"`
	UnmatchedHeaders  []string `json:"unmatched_headers"`
	Warnings          []string `json:"warnings,omitempty"`
}

type Result struct {
	ValidRows      []ValidRow      `json:"valid_rows"`
	InvalidRows    []InvalidRow    `json:"invalid_rows"`
	Stats          Stats           `json:"stats"`
	ColumnMappings []ColumnMapping `json:"column_mappings"`
	Schema         *Schema         `json:"schema"`
}

type Options struct {
	BirthYears BirthYearPolicy
	// ResolveConcurrency bounds parallel contact resolution.
	ResolveConcurrency int
	Logger             *slog.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	resolver    ContactResolver
	sink        RowSink
	birth       BirthYearPolicy
	concurrency int
	log         *slog.Logger
	newID       func() string
}

// NewPipeline builds a pipeline. sink may be nil when rows are never persisted.
func NewPipeline(resolver ContactResolver, sink RowSink, opts Options) *Pipeline {
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 8
	}
	if opts.BirthYears.MaxAge <= 0 && opts.BirthYears.Now == nil {
		opts.BirthYears = DefaultBirthYearPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		resolver:    resolver,
		sink:        sink,
		birth:       opts.BirthYears,
		concurrency: opts.ResolveConcurrency,
		log:         opts.Logger,
		newID:       uuid.NewString,
	}
}

// Ingest parses, validates, deduplicates and (in import mode) persists an upload.
// Row-level problems land in InvalidRows; only file, schema and storage
// failures are returned as errors.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*Result, error) {
	if in.Mode == "" {
		in.Mode = ModeImport
	}
	table, err := Parse(in.Data, in.FileName)
	if err != nil {
		return nil, err
	}

	schema := in.Schema
	if schema.Empty() {
		schema = AutoDetect(table.Headers)
	} else {
		cp := &Schema{Fields: append([]FieldDef(nil), schema.Fields...)}
		if err := cp.normalize(); err != nil {
			return nil, err
		}
		schema = cp
	}

	mappings, unmatched := MatchColumns(schema.Fields, table.Headers)
	headerFor := make(map[string]string, len(mappings))
	for _, m := range mappings {
		headerFor[m.Field] = m.Header
	}

	res := &Result{ColumnMappings: mappings, Schema: schema}
	res.Stats.TotalRows = len(table.Records)
	res.Stats.UnmatchedHeaders = unmatched
	for _, h := range table.Headers {
		for _, m := range mappings {
			if m.Header == h {
				res.Stats.MatchedHeaders = append(res.Stats.MatchedHeaders, h)
				break
			}
		}
	}

	firstByHash := map[string]int{}
	for i, rec := range table.Records {
		vars, warnings, reasons := p.extract(schema.Fields, headerFor, rec)
		for _, w := range warnings {
			res.Stats.Warnings = append(res.Stats.Warnings, fmt.Sprintf("row %d: %s", i+1, w))
		}
		if len(reasons) > 0 {
			res.InvalidRows = append(res.InvalidRows, InvalidRow{SourceRow: i + 1, Reasons: reasons, Partial: vars})
			continue
		}
		hash := contacts.Hash(vars[FieldFirstName], vars[FieldLastName], vars[FieldDOB], vars[FieldPrimaryPhone])
		_, dup := firstByHash[hash]
		if dup {
			res.Stats.DuplicatePatients++
		} else {
			firstByHash[hash] = len(res.ValidRows)
		}
		row := ValidRow{SourceRow: i + 1, ContactHash: hash, Variables: vars, Duplicate: dup}
		if v, err := strconv.Atoi(strings.TrimSpace(vars["priority"])); err == nil {
			row.Priority = v
		}
		res.ValidRows = append(res.ValidRows, row)
	}
	res.Stats.ValidRows = len(res.ValidRows)
	res.Stats.InvalidRows = len(res.InvalidRows)
	res.Stats.UniquePatients = len(firstByHash)

	if err := p.resolveContacts(ctx, in, res); err != nil {
		return nil, err
	}

	if in.Mode == ModeImport && in.RunID != "" && p.sink != nil {
		if err := p.persist(ctx, in, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// extract maps one record through the schema. Reasons are non-empty when the
// record is invalid; vars then holds whatever could be extracted.
func (p *Pipeline) extract(fields []FieldDef, headerFor map[string]string, rec map[string]string) (vars map[string]string, warnings, reasons []string) {
	vars = make(map[string]string, len(fields))
	var failed []FieldDef
	for _, f := range fields {
		h, ok := headerFor[f.Key]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(rec[h])
		if raw == "" {
			continue
		}
		v, err := p.transform(f, raw)
		if err != nil {
			if f.Required {
				failed = append(failed, f)
				reasons = append(reasons, fmt.Sprintf("%s: %v", f.displayName(), err))
				vars[f.Key] = raw
				continue
			}
			warnings = append(warnings, fmt.Sprintf("%s: %v (kept as entered)", f.displayName(), err))
			v = raw
		}
		vars[f.Key] = v
	}

	if vars[FieldFirstName] == "" && vars[FieldLastName] == "" && vars[FieldFullName] != "" {
		first, last := splitFullName(vars[FieldFullName])
		if first != "" {
			vars[FieldFirstName] = TitleCase(first)
		}
		if last != "" {
			vars[FieldLastName] = TitleCase(last)
		}
	}

	for _, f := range fields {
		if !f.Required || vars[f.Key] != "" || contains(failed, f.Key) {
			continue
		}
		reasons = append(reasons, fmt.Sprintf("missing required field %s", f.displayName()))
	}
	return vars, warnings, reasons
}

func contains(fields []FieldDef, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

func (p *Pipeline) transform(f FieldDef, raw string) (string, error) {
	switch f.Key {
	case FieldDOB:
		return p.birth.Format(raw)
	case FieldFirstName, FieldLastName, FieldFullName:
		return TitleCase(raw), nil
	}
	switch f.Kind {
	case KindPhone:
		return NormalizePhone(raw)
	case KindShortDate:
		return formatShortDate(raw)
	case KindLongDate:
		return formatLongDate(raw)
	case KindTime:
		return formatTime(raw)
	case KindProviderName:
		return formatProviderName(raw)
	default:
		return raw, nil
	}
}

// resolveContacts resolves each unique identity once and fans the result out
// to duplicates. Resolver failures are warnings, never fatal.
func (p *Pipeline) resolveContacts(ctx context.Context, in Input, res *Result) error {
	if p.resolver == nil || len(res.ValidRows) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		resolved = make(map[string]contacts.Resolution, res.Stats.UniquePatients)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range res.ValidRows {
		row := res.ValidRows[i]
		if row.Duplicate {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			id := contacts.Identity{
				FirstName: row.Variables[FieldFirstName],
				LastName:  row.Variables[FieldLastName],
				DOB:       row.Variables[FieldDOB],
				Phone:     row.Variables[FieldPrimaryPhone],
				OrgID:     in.OrgID,
			}
			var (
				r     contacts.Resolution
				found bool
				err   error
			)
			if in.Mode == ModeValidate {
				r, found, err = p.resolver.Lookup(gctx, id)
			} else {
				r, err = p.resolver.FindOrCreate(gctx, id)
				found = err == nil
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				p.log.WarnContext(gctx, "contact resolution failed", "row", row.SourceRow, "org_id", in.OrgID, "err", err)
				res.Stats.Warnings = append(res.Stats.Warnings, fmt.Sprintf("row %d: contact not resolved: %v", row.SourceRow, err))
			case !found:
				// validate mode: would be created on import
				res.Stats.ContactsCreated++
			case r.IsNew:
				res.Stats.ContactsCreated++
				resolved[row.ContactHash] = r
			default:
				res.Stats.ContactsReused++
				resolved[row.ContactHash] = r
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range res.ValidRows {
		if r, ok := resolved[res.ValidRows[i].ContactHash]; ok {
			res.ValidRows[i].ContactID = r.ContactID
		}
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, in Input, res *Result) error {
	const op = "persist rows"
	// Later uploads queue behind the rows the run already has.
	existing, err := p.sink.CountRowsByStatus(ctx, in.RunID)
	if err != nil {
		return campaign.PersistenceError(op, err)
	}
	offset := existing.Sum()

	rows := make([]campaign.Row, 0, len(res.ValidRows))
	for i := range res.ValidRows {
		v := &res.ValidRows[i]
		v.RowID = p.newID()
		rows = append(rows, campaign.Row{
			ID:          v.RowID,
			RunID:       in.RunID,
			OrgID:       in.OrgID,
			Status:      campaign.RowStatusPending,
			Variables:   v.Variables,
			ContactID:   v.ContactID,
			ContactHash: v.ContactHash,
			Priority:    v.Priority,
			SortIndex:   offset + i,
		})
	}
	if len(rows) > 0 {
		if err := p.sink.InsertRows(ctx, rows); err != nil {
			return campaign.PersistenceError(op, err)
		}
	}

	err = p.sink.UpdateRunMetrics(ctx, in.RunID, func(m *campaign.RunMetrics) {
		m.Rows.Total += res.Stats.TotalRows
		m.Rows.Valid += res.Stats.ValidRows
		m.Rows.Invalid += res.Stats.InvalidRows
		m.Rows.Duplicates += res.Stats.DuplicatePatients
	})
	if err != nil {
		return campaign.PersistenceError(op, err)
	}
	if len(rows) > 0 {
		if _, err := p.sink.TransitionRun(ctx, in.RunID, []campaign.RunStatus{campaign.RunStatusDraft}, campaign.RunStatusReady, nil); err != nil {
			return campaign.PersistenceError(op, err)
		}
	}
	return nil
}
