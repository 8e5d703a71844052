package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaign"
)

// MemoryStore is an in-memory Store for tests and offline tooling.
// Every method takes the single mutex, so conditional writes are atomic.
type MemoryStore struct {
	mu sync.Mutex

	runs     map[string]campaign.Run
	orgs     map[string]campaign.Organization
	rows     map[string]campaign.Row
	calls    map[string]calls.Call
	contacts map[string]campaign.Contact
	orgLinks map[string]struct{} // key: org_id|contact_id

	// Now is used for updated_at stamps; tests may override it.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     map[string]campaign.Run{},
		orgs:     map[string]campaign.Organization{},
		rows:     map[string]campaign.Row{},
		calls:    map[string]calls.Call{},
		contacts: map[string]campaign.Contact{},
		orgLinks: map[string]struct{}{},
		Now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) now() time.Time { return s.Now().UTC() }

// --- runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run campaign.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return campaign.Validationf("create run", "run %q already exists", run.ID)
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (campaign.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return campaign.Run{}, campaign.NotFound("get run", "run", runID)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) ListRunsByStatus(ctx context.Context, status campaign.RunStatus) ([]campaign.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campaign.Run
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionRun(ctx context.Context, runID string, from []campaign.RunStatus, to campaign.RunStatus, mutate RunMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, campaign.NotFound("transition run", "run", runID)
	}
	if !containsRunStatus(from, r.Status) {
		return false, nil
	}
	r = cloneRun(r)
	r.Status = to
	if mutate != nil {
		mutate(&r.Metrics)
	}
	r.UpdatedAt = s.now()
	s.runs[runID] = r
	return true, nil
}

func (s *MemoryStore) UpdateRunMetrics(ctx context.Context, runID string, mutate RunMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return campaign.NotFound("update run metrics", "run", runID)
	}
	r = cloneRun(r)
	mutate(&r.Metrics)
	r.UpdatedAt = s.now()
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) SetRunSchedule(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return campaign.NotFound("schedule run", "run", runID)
	}
	at = at.UTC()
	r.ScheduledAt = &at
	r.UpdatedAt = s.now()
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) IncrementRunCounter(ctx context.Context, runID, path string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return 0, campaign.NotFound("increment counter", "run", runID)
	}
	r = cloneRun(r)
	if r.Metrics.Counters == nil {
		r.Metrics.Counters = map[string]int64{}
	}
	r.Metrics.Counters[path] += delta
	r.UpdatedAt = s.now()
	s.runs[runID] = r
	return r.Metrics.Counters[path], nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, orgID string) (campaign.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return campaign.Organization{}, campaign.NotFound("get organization", "organization", orgID)
	}
	return cloneOrg(o), nil
}

func (s *MemoryStore) UpsertOrganization(ctx context.Context, org campaign.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = cloneOrg(org)
	return nil
}

// --- rows ---

func (s *MemoryStore) InsertRows(ctx context.Context, rows []campaign.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if _, ok := s.rows[r.ID]; ok {
			return campaign.Validationf("insert rows", "row %q already exists", r.ID)
		}
	}
	now := s.now()
	for _, r := range rows {
		if r.Status == "" {
			r.Status = campaign.RowStatusPending
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		s.rows[r.ID] = cloneRow(r)
	}
	return nil
}

func (s *MemoryStore) GetRow(ctx context.Context, rowID string) (campaign.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return campaign.Row{}, campaign.NotFound("get row", "row", rowID)
	}
	return cloneRow(r), nil
}

// Rows returns every row of a run ordered by sort index.
func (s *MemoryStore) Rows(runID string) []campaign.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campaign.Row
	for _, r := range s.rows {
		if r.RunID == runID {
			out = append(out, cloneRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortIndex < out[j].SortIndex })
	return out
}

func (s *MemoryStore) NextPendingRows(ctx context.Context, runID string, limit int, exclude []string) ([]campaign.Row, error) {
	if limit <= 0 {
		return nil, nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campaign.Row
	for _, r := range s.rows {
		if r.RunID != runID || r.Status != campaign.RowStatusPending {
			continue
		}
		if _, ok := skip[r.ID]; ok {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SortIndex < out[j].SortIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = cloneRow(out[i])
	}
	return out, nil
}

func (s *MemoryStore) ClaimRow(ctx context.Context, rowID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return false, campaign.NotFound("claim row", "row", rowID)
	}
	if r.Status != campaign.RowStatusPending {
		return false, nil
	}
	r = cloneRow(r)
	r.Status = campaign.RowStatusCalling
	claimed := now.UTC()
	r.Diagnostics.ClaimedAt = &claimed
	r.UpdatedAt = claimed
	s.rows[rowID] = r
	return true, nil
}

func (s *MemoryStore) TransitionRow(ctx context.Context, rowID string, from []campaign.RowStatus, to campaign.RowStatus, mutate RowMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return false, campaign.NotFound("transition row", "row", rowID)
	}
	if !containsRowStatus(from, r.Status) {
		return false, nil
	}
	r = cloneRow(r)
	if mutate != nil {
		mutate(&r)
	}
	r.Status = to
	r.UpdatedAt = s.now()
	s.rows[rowID] = r
	return true, nil
}

func (s *MemoryStore) SetRowContact(ctx context.Context, rowID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return campaign.NotFound("set row contact", "row", rowID)
	}
	r.ContactID = contactID
	s.rows[rowID] = r
	return nil
}

func (s *MemoryStore) CountRowsByStatus(ctx context.Context, runID string) (campaign.RowCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out campaign.RowCounts
	for _, r := range s.rows {
		if r.RunID == runID {
			out.Add(r.Status, 1)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStuckRows(ctx context.Context, runID string, cutoff time.Time) ([]campaign.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campaign.Row
	for _, r := range s.rows {
		if runID != "" && r.RunID != runID {
			continue
		}
		if r.Status == campaign.RowStatusCalling && r.UpdatedAt.Before(cutoff) {
			out = append(out, cloneRow(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// SetRowUpdatedAt backdates a row; used by tests that simulate stale rows.
func (s *MemoryStore) SetRowUpdatedAt(rowID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[rowID]; ok {
		r.UpdatedAt = at
		s.rows[rowID] = r
	}
}

// --- calls ---

func (s *MemoryStore) CreateCall(ctx context.Context, c calls.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return campaign.Validationf("create call", "call %q already exists", c.ID)
	}
	for _, existing := range s.calls {
		if c.ProviderCallID != "" && existing.ProviderCallID == c.ProviderCallID {
			return campaign.Conflict("create call")
		}
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.calls[c.ID] = cloneCall(c)
	return nil
}

func (s *MemoryStore) GetCallByProviderID(ctx context.Context, providerCallID string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ProviderCallID == providerCallID {
			return cloneCall(c), nil
		}
	}
	return calls.Call{}, campaign.NotFound("get call", "call", providerCallID)
}

func (s *MemoryStore) UpdateCallStatus(ctx context.Context, callID string, status calls.Status, durationSeconds int) (calls.Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return calls.Call{}, false, campaign.NotFound("update call", "call", callID)
	}
	if !c.Status.Advances(status) {
		return cloneCall(c), false, nil
	}
	c.Status = status
	if durationSeconds > 0 {
		c.DurationSeconds = durationSeconds
	}
	c.UpdatedAt = s.now()
	s.calls[callID] = c
	return cloneCall(c), true, nil
}

func (s *MemoryStore) CountActiveCalls(ctx context.Context, orgID, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.OrgID != orgID || (runID != "" && c.RunID != runID) {
			continue
		}
		if c.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LatestCallForRow(ctx context.Context, rowID string, since time.Time) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best calls.Call
	found := false
	for _, c := range s.calls {
		if c.RowID != rowID || c.CreatedAt.Before(since) {
			continue
		}
		if !found || c.CreatedAt.After(best.CreatedAt) {
			best, found = c, true
		}
	}
	if !found {
		return calls.Call{}, campaign.NotFound("latest call", "call for row", rowID)
	}
	return cloneCall(best), nil
}

func (s *MemoryStore) ListTerminalCallsForCallingRows(ctx context.Context, runID string) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Call
	for _, c := range s.calls {
		if runID != "" && c.RunID != runID {
			continue
		}
		if !c.Status.Terminal() {
			continue
		}
		r, ok := s.rows[c.RowID]
		if !ok || r.Status != campaign.RowStatusCalling || !r.CallWithinClaim(c.CreatedAt) {
			continue
		}
		// Only the newest call decides the row's fate.
		if newer := s.newerCallLocked(c); newer {
			continue
		}
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) newerCallLocked(c calls.Call) bool {
	for _, other := range s.calls {
		if other.RowID == c.RowID && other.ID != c.ID && other.CreatedAt.After(c.CreatedAt) {
			return true
		}
	}
	return false
}

// Calls returns every call of a run ordered by creation time.
func (s *MemoryStore) Calls(runID string) []calls.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Call
	for _, c := range s.calls {
		if c.RunID == runID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListCallsForRun(ctx context.Context, runID string) ([]calls.Call, error) {
	return s.Calls(runID), nil
}

// --- contacts ---

func (s *MemoryStore) FindContactByHash(ctx context.Context, hash string) (campaign.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.Hash == hash {
			return c, nil
		}
	}
	return campaign.Contact{}, campaign.NotFound("find contact", "contact hash", hash)
}

func (s *MemoryStore) FindContactByPhone(ctx context.Context, phone string) (campaign.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best campaign.Contact
	found := false
	for _, c := range s.contacts {
		if phone == "" || c.Phone != phone {
			continue
		}
		if !found || c.CreatedAt.Before(best.CreatedAt) {
			best, found = c, true
		}
	}
	if !found {
		return campaign.Contact{}, campaign.NotFound("find contact", "contact phone", phone)
	}
	return best, nil
}

func (s *MemoryStore) UpsertContact(ctx context.Context, c campaign.Contact) (campaign.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contacts {
		if existing.Hash == c.Hash {
			return existing, false, nil
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.contacts[c.ID] = c
	return c, true, nil
}

func (s *MemoryStore) EnsureOrgLink(ctx context.Context, orgID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgLinks[orgID+"|"+contactID] = struct{}{}
	return nil
}

// ContactCount returns how many contacts exist.
func (s *MemoryStore) ContactCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contacts)
}

// HasOrgLink reports whether the contact is linked to the org.
func (s *MemoryStore) HasOrgLink(orgID, contactID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orgLinks[orgID+"|"+contactID]
	return ok
}

// --- helpers ---

func containsRunStatus(set []campaign.RunStatus, s campaign.RunStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsRowStatus(set []campaign.RowStatus, s campaign.RowStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneRun(r campaign.Run) campaign.Run {
	if r.Metrics.Counters != nil {
		m := make(map[string]int64, len(r.Metrics.Counters))
		for k, v := range r.Metrics.Counters {
			m[k] = v
		}
		r.Metrics.Counters = m
	}
	if r.Metrics.Final != nil {
		f := *r.Metrics.Final
		r.Metrics.Final = &f
	}
	return r
}

func cloneRow(r campaign.Row) campaign.Row {
	if r.Variables != nil {
		m := make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			m[k] = v
		}
		r.Variables = m
	}
	return r
}

func cloneCall(c calls.Call) calls.Call {
	if c.Metadata.Variables != nil {
		m := make(map[string]string, len(c.Metadata.Variables))
		for k, v := range c.Metadata.Variables {
			m[k] = v
		}
		c.Metadata.Variables = m
	}
	return c
}

func cloneOrg(o campaign.Organization) campaign.Organization {
	if o.OfficeHours != nil {
		m := make(map[string]campaign.DayWindow, len(o.OfficeHours))
		for k, v := range o.OfficeHours {
			m[k] = v
		}
		o.OfficeHours = m
	}
	return o
}

// IsNotFound reports whether err is a not-found failure from a Store.
func IsNotFound(err error) bool {
	return campaign.IsKind(err, campaign.KindNotFound)
}
