package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dialer/internal/campaign"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/store"
)

const threeRowCSV = "First,Last,DOB,Phone,Notes\n" +
	"Ann,Lee,01/15/46,555-123-4567,prefers mornings\n" +
	"ANN,LEE,1/15/1946,(555) 123-4567,second copy\n" +
	"Bob,Ray,02/03/1970,,no phone\n"

func newTestPipeline(s *store.MemoryStore) *Pipeline {
	return NewPipeline(contacts.NewResolver(s), s, Options{
		BirthYears: BirthYearPolicy{MaxAge: 80, Now: fixedNow(2025, 6, 1)},
	})
}

func TestPipeline_ThreeRowScenario(t *testing.T) {
	s := store.NewMemoryStore()
	p := newTestPipeline(s)

	res, err := p.Ingest(context.Background(), Input{
		Data:     []byte(threeRowCSV),
		FileName: "patients.csv",
		OrgID:    "org-1",
		Mode:     ModeImport,
	})
	require.NoError(t, err)

	require.Len(t, res.ValidRows, 2)
	require.Len(t, res.InvalidRows, 1)
	assert.Equal(t, 1, res.Stats.DuplicatePatients)
	assert.Equal(t, 1, res.Stats.UniquePatients)
	assert.Equal(t, 3, res.Stats.TotalRows)

	a, b := res.ValidRows[0], res.ValidRows[1]
	assert.Equal(t, "prefers mornings", a.Variables["notes"])
	assert.Equal(t, "second copy", b.Variables["notes"])
	assert.Equal(t, a.ContactHash, b.ContactHash)
	assert.NotEmpty(t, a.ContactID)
	assert.Equal(t, a.ContactID, b.ContactID)
	assert.Equal(t, "1946-01-15", a.Variables[FieldDOB])
	assert.Equal(t, "5551234567", b.Variables[FieldPrimaryPhone])
	assert.Equal(t, "Ann", b.Variables[FieldFirstName])

	bad := res.InvalidRows[0]
	assert.Equal(t, 3, bad.SourceRow)
	assert.Equal(t, []string{"missing required field Phone"}, bad.Reasons)
	assert.Equal(t, "Bob", bad.Partial[FieldFirstName])

	assert.Contains(t, res.Stats.MatchedHeaders, "Notes")
	assert.Empty(t, res.Stats.UnmatchedHeaders)
	assert.Equal(t, 1, res.Stats.ContactsCreated)
	assert.Equal(t, 1, s.ContactCount())
}

func TestPipeline_ImportPersistsRowsAndReadiesRun(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, campaign.Run{ID: "run-1", OrgID: "org-1", Status: campaign.RunStatusDraft}))
	p := newTestPipeline(s)

	res, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "p.csv", OrgID: "org-1", RunID: "run-1"})
	require.NoError(t, err)

	rows := s.Rows("run-1")
	require.Len(t, rows, 2)
	for i, r := range rows {
		assert.Equal(t, campaign.RowStatusPending, r.Status)
		assert.Equal(t, "org-1", r.OrgID)
		assert.Equal(t, res.ValidRows[0].ContactID, r.ContactID)
		assert.NotEmpty(t, res.ValidRows[i].RowID)
	}

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.RunStatusReady, run.Status)
	assert.Equal(t, campaign.IngestTotals{Total: 3, Valid: 2, Invalid: 1, Duplicates: 1}, run.Metrics.Rows)

	counts, err := s.CountRowsByStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Sum())
}

func TestPipeline_SecondUploadQueuesBehindFirst(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, campaign.Run{ID: "run-1", OrgID: "org-1", Status: campaign.RunStatusDraft}))
	p := newTestPipeline(s)

	first, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "a.csv", OrgID: "org-1", RunID: "run-1"})
	require.NoError(t, err)
	second, err := p.Ingest(ctx, Input{
		Data:     []byte("First,Last,Phone\nCy,Moe,555-222-3333\nDee,Fox,555-444-5555\n"),
		FileName: "b.csv", OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	rows := s.Rows("run-1")
	require.Len(t, rows, 4)
	for i, r := range rows {
		assert.Equal(t, i, r.SortIndex)
	}
	assert.Equal(t, first.ValidRows[0].RowID, rows[0].ID)
	assert.Equal(t, first.ValidRows[1].RowID, rows[1].ID)
	assert.Equal(t, second.ValidRows[0].RowID, rows[2].ID)
	assert.Equal(t, second.ValidRows[1].RowID, rows[3].ID)
}

func TestPipeline_ValidateModeNeverWrites(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, campaign.Run{ID: "run-1", OrgID: "org-1", Status: campaign.RunStatusDraft}))
	p := newTestPipeline(s)

	res, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "p.csv", OrgID: "org-1", RunID: "run-1", Mode: ModeValidate})
	require.NoError(t, err)
	assert.Len(t, res.ValidRows, 2)

	assert.Equal(t, 0, s.ContactCount())
	assert.Empty(t, s.Rows("run-1"))
	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.RunStatusDraft, run.Status)
}

func TestPipeline_ValidateModeFindsExistingContacts(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := newTestPipeline(s)

	_, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "p.csv", OrgID: "org-1"})
	require.NoError(t, err)

	res, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "p.csv", OrgID: "org-1", Mode: ModeValidate})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.ContactsReused)
	assert.NotEmpty(t, res.ValidRows[1].ContactID)
}

func TestPipeline_SchemaDrivenTransforms(t *testing.T) {
	s := store.NewMemoryStore()
	p := newTestPipeline(s)
	schema := &Schema{Fields: []FieldDef{
		{Key: FieldFullName, Aliases: []string{"Patient"}},
		{Key: FieldPrimaryPhone, Aliases: []string{"Mobile"}, Required: true, Kind: KindPhone},
		{Key: "provider", Label: "Doctor", Kind: KindProviderName},
		{Key: "appointmentDate", Aliases: []string{"Appt Date"}, Kind: KindLongDate, Required: true},
		{Key: "appointmentTime", Aliases: []string{"Appt Time"}, Kind: KindTime},
		{Key: "priority"},
	}}
	data := "Patient,Mobile,Doctor,Appt Date,Appt Time,Priority,Extra\n" +
		"\"LEE, ANN\",+1 555 123 4567,\"SMITH, JOHN MD\",2025-07-04,14:30,5,x\n" +
		"Bob Ray,5559876543,Jane Doe DO,someday,later,,y\n"

	res, err := p.Ingest(context.Background(), Input{Data: []byte(data), FileName: "a.csv", Schema: schema, OrgID: "org-1"})
	require.NoError(t, err)

	require.Len(t, res.ValidRows, 1)
	v := res.ValidRows[0]
	assert.Equal(t, "Ann", v.Variables[FieldFirstName])
	assert.Equal(t, "Lee", v.Variables[FieldLastName])
	assert.Equal(t, "5551234567", v.Variables[FieldPrimaryPhone])
	assert.Equal(t, "Dr. John Smith", v.Variables["provider"])
	assert.Equal(t, "July 4, 2025", v.Variables["appointmentDate"])
	assert.Equal(t, "2:30 PM", v.Variables["appointmentTime"])
	assert.Equal(t, 5, v.Priority)

	require.Len(t, res.InvalidRows, 1)
	assert.Len(t, res.InvalidRows[0].Reasons, 1)
	assert.Contains(t, res.InvalidRows[0].Reasons[0], "appointmentDate")
	assert.Equal(t, []string{"Extra"}, res.Stats.UnmatchedHeaders)
	assert.NotEmpty(t, res.Stats.Warnings)
}

func TestPipeline_ParseErrorPropagates(t *testing.T) {
	p := newTestPipeline(store.NewMemoryStore())
	_, err := p.Ingest(context.Background(), Input{Data: []byte("First,Last\n"), FileName: "a.csv"})
	assert.True(t, campaign.IsKind(err, campaign.KindParse))
}

type brokenResolver struct{}

func (brokenResolver) FindOrCreate(ctx context.Context, id contacts.Identity) (contacts.Resolution, error) {
	return contacts.Resolution{}, campaign.PersistenceError("resolve contact", errors.New("db down"))
}

func (brokenResolver) Lookup(ctx context.Context, id contacts.Identity) (contacts.Resolution, bool, error) {
	return contacts.Resolution{}, false, errors.New("db down")
}

func TestPipeline_ResolverFailureIsNonFatal(t *testing.T) {
	p := NewPipeline(brokenResolver{}, nil, Options{BirthYears: BirthYearPolicy{Now: fixedNow(2025, 6, 1)}})

	res, err := p.Ingest(context.Background(), Input{Data: []byte(threeRowCSV), FileName: "a.csv", OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, res.ValidRows, 2)
	assert.Empty(t, res.ValidRows[0].ContactID)
	assert.NotEmpty(t, res.Stats.Warnings)
}

func TestPipeline_CanceledContext(t *testing.T) {
	p := newTestPipeline(store.NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := p.Ingest(ctx, Input{Data: []byte(threeRowCSV), FileName: "a.csv", OrgID: "org-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
