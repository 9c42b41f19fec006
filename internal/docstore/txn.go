package docstore

import (
	"cmp"
	"context"
	"slices"

	"redstone/internal/domain"
	"redstone/internal/store"
)

// txn works on a private copy of the collections inside Update, or on a
// shared read-only snapshot inside View.
type txn struct {
	data  *collections
	newID func() string
}

var _ store.Tx = (*txn)(nil)

func (t *txn) nextSeq() int64 {
	t.data.Seq++
	return t.data.Seq
}

// sorted returns the documents matching keep, ordered by creation time and
// then insertion sequence.
func sorted[T any](m map[string]entry[T], created func(T) int64, keep func(T) bool, desc bool) []T {
	items := make([]entry[T], 0, len(m))
	for _, e := range m {
		if keep == nil || keep(e.Doc) {
			items = append(items, e)
		}
	}
	slices.SortFunc(items, func(a, b entry[T]) int {
		c := cmp.Compare(created(a.Doc), created(b.Doc))
		if c == 0 {
			c = cmp.Compare(a.Seq, b.Seq)
		}
		if desc {
			return -c
		}
		return c
	})
	out := make([]T, len(items))
	for i, e := range items {
		out[i] = e.Doc
	}
	return out
}

func count[T any](m map[string]entry[T], keep func(T) bool) int {
	n := 0
	for _, e := range m {
		if keep(e.Doc) {
			n++
		}
	}
	return n
}

func cloneDefinition(d domain.Definition) domain.Definition {
	d.Steps = slices.Clone(d.Steps)
	if d.Steps == nil {
		d.Steps = []domain.DefinitionStep{}
	}
	return d
}

func cloneCase(c domain.Case) domain.Case {
	c.Steps = slices.Clone(c.Steps)
	if c.Steps == nil {
		c.Steps = []domain.Step{}
	}
	if c.Duration != nil {
		d := *c.Duration
		c.Duration = &d
	}
	if c.DefinitionID != nil {
		d := *c.DefinitionID
		c.DefinitionID = &d
	}
	return c
}

func cloneRun(r domain.Run) domain.Run {
	if r.EndTime != nil {
		t := *r.EndTime
		r.EndTime = &t
	}
	if r.ProjectID != nil {
		p := *r.ProjectID
		r.ProjectID = &p
	}
	return r
}

func (t *txn) GetProject(ctx context.Context, id string) (domain.Project, error) {
	e, ok := t.data.Projects[id]
	if !ok {
		return domain.Project{}, domain.NotFound(domain.KindProject, id)
	}
	return e.Doc, nil
}

func (t *txn) FindProjectByName(ctx context.Context, name string) (domain.Project, error) {
	for _, e := range t.data.Projects {
		if e.Doc.Name == name {
			return e.Doc, nil
		}
	}
	return domain.Project{}, domain.NotFound(domain.KindProject, name)
}

func (t *txn) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return sorted(t.data.Projects, func(p domain.Project) int64 { return p.CreatedAt.UnixNano() }, nil, true), nil
}

func (t *txn) InsertProject(ctx context.Context, p *domain.Project) error {
	if _, err := t.FindProjectByName(ctx, p.Name); err == nil {
		return &domain.DuplicateError{Kind: domain.KindProject, Field: "name", Value: p.Name}
	}
	p.ID = t.newID()
	t.data.Projects[p.ID] = entry[domain.Project]{Seq: t.nextSeq(), Doc: *p}
	return nil
}

func (t *txn) UpdateProject(ctx context.Context, p domain.Project) error {
	e, ok := t.data.Projects[p.ID]
	if !ok {
		return domain.NotFound(domain.KindProject, p.ID)
	}
	if other, err := t.FindProjectByName(ctx, p.Name); err == nil && other.ID != p.ID {
		return &domain.DuplicateError{Kind: domain.KindProject, Field: "name", Value: p.Name}
	}
	e.Doc = p
	t.data.Projects[p.ID] = e
	return nil
}

func (t *txn) DeleteProject(ctx context.Context, id string) error {
	if _, ok := t.data.Projects[id]; !ok {
		return domain.NotFound(domain.KindProject, id)
	}
	delete(t.data.Projects, id)
	return nil
}

func (t *txn) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	e, ok := t.data.Epics[id]
	if !ok {
		return domain.Epic{}, domain.NotFound(domain.KindEpic, id)
	}
	return e.Doc, nil
}

func (t *txn) ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error) {
	return sorted(t.data.Epics, func(e domain.Epic) int64 { return e.CreatedAt.UnixNano() },
		func(e domain.Epic) bool { return e.ProjectID == projectID }, false), nil
}

func (t *txn) CountEpics(ctx context.Context, projectID string) (int, error) {
	return count(t.data.Epics, func(e domain.Epic) bool { return e.ProjectID == projectID }), nil
}

func (t *txn) InsertEpic(ctx context.Context, e *domain.Epic) error {
	if _, ok := t.data.Projects[e.ProjectID]; !ok {
		return domain.ParentNotFound(domain.KindProject, e.ProjectID)
	}
	e.ID = t.newID()
	t.data.Epics[e.ID] = entry[domain.Epic]{Seq: t.nextSeq(), Doc: *e}
	return nil
}

func (t *txn) UpdateEpic(ctx context.Context, e domain.Epic) error {
	cur, ok := t.data.Epics[e.ID]
	if !ok {
		return domain.NotFound(domain.KindEpic, e.ID)
	}
	cur.Doc = e
	t.data.Epics[e.ID] = cur
	return nil
}

func (t *txn) DeleteEpic(ctx context.Context, id string) error {
	if _, ok := t.data.Epics[id]; !ok {
		return domain.NotFound(domain.KindEpic, id)
	}
	delete(t.data.Epics, id)
	return nil
}

func (t *txn) GetFeature(ctx context.Context, id string) (domain.Feature, error) {
	e, ok := t.data.Features[id]
	if !ok {
		return domain.Feature{}, domain.NotFound(domain.KindFeature, id)
	}
	return e.Doc, nil
}

func (t *txn) ListFeatures(ctx context.Context, epicIDs ...string) ([]domain.Feature, error) {
	var keep func(domain.Feature) bool
	if len(epicIDs) > 0 {
		keep = func(f domain.Feature) bool { return slices.Contains(epicIDs, f.EpicID) }
	}
	return sorted(t.data.Features, func(f domain.Feature) int64 { return f.CreatedAt.UnixNano() }, keep, false), nil
}

func (t *txn) CountFeatures(ctx context.Context, epicID string) (int, error) {
	return count(t.data.Features, func(f domain.Feature) bool { return f.EpicID == epicID }), nil
}

func (t *txn) InsertFeature(ctx context.Context, f *domain.Feature) error {
	if _, ok := t.data.Epics[f.EpicID]; !ok {
		return domain.ParentNotFound(domain.KindEpic, f.EpicID)
	}
	f.ID = t.newID()
	t.data.Features[f.ID] = entry[domain.Feature]{Seq: t.nextSeq(), Doc: *f}
	return nil
}

func (t *txn) UpdateFeature(ctx context.Context, f domain.Feature) error {
	cur, ok := t.data.Features[f.ID]
	if !ok {
		return domain.NotFound(domain.KindFeature, f.ID)
	}
	cur.Doc = f
	t.data.Features[f.ID] = cur
	return nil
}

func (t *txn) DeleteFeature(ctx context.Context, id string) error {
	if _, ok := t.data.Features[id]; !ok {
		return domain.NotFound(domain.KindFeature, id)
	}
	delete(t.data.Features, id)
	return nil
}

func (t *txn) GetDefinition(ctx context.Context, id string) (domain.Definition, error) {
	e, ok := t.data.Definitions[id]
	if !ok {
		return domain.Definition{}, domain.NotFound(domain.KindDefinition, id)
	}
	return cloneDefinition(e.Doc), nil
}

func (t *txn) ListDefinitions(ctx context.Context, f store.DefinitionFilter) ([]domain.Definition, error) {
	items := sorted(t.data.Definitions, func(d domain.Definition) int64 { return d.CreatedAt.UnixNano() }, f.Matches, true)
	for i := range items {
		items[i] = cloneDefinition(items[i])
	}
	return items, nil
}

func (t *txn) CountDefinitions(ctx context.Context, f store.DefinitionFilter) (int, error) {
	return count(t.data.Definitions, f.Matches), nil
}

func (t *txn) InsertDefinition(ctx context.Context, d *domain.Definition) error {
	if _, ok := t.data.Features[d.FeatureID]; !ok {
		return domain.ParentNotFound(domain.KindFeature, d.FeatureID)
	}
	d.ID = t.newID()
	t.data.Definitions[d.ID] = entry[domain.Definition]{Seq: t.nextSeq(), Doc: cloneDefinition(*d)}
	return nil
}

func (t *txn) UpdateDefinition(ctx context.Context, d domain.Definition) error {
	cur, ok := t.data.Definitions[d.ID]
	if !ok {
		return domain.NotFound(domain.KindDefinition, d.ID)
	}
	cur.Doc = cloneDefinition(d)
	t.data.Definitions[d.ID] = cur
	return nil
}

func (t *txn) DeleteDefinition(ctx context.Context, id string) error {
	if _, ok := t.data.Definitions[id]; !ok {
		return domain.NotFound(domain.KindDefinition, id)
	}
	delete(t.data.Definitions, id)
	return nil
}

func (t *txn) GetRun(ctx context.Context, id string) (domain.Run, error) {
	e, ok := t.data.Runs[id]
	if !ok {
		return domain.Run{}, domain.NotFound(domain.KindRun, id)
	}
	return cloneRun(e.Doc), nil
}

func (t *txn) ListRuns(ctx context.Context, f store.RunFilter) ([]domain.Run, error) {
	items := sorted(t.data.Runs, func(r domain.Run) int64 { return r.StartTime.UnixNano() }, f.Matches, true)
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	for i := range items {
		items[i] = cloneRun(items[i])
	}
	return items, nil
}

func (t *txn) CountRuns(ctx context.Context, f store.RunFilter) (int, error) {
	return count(t.data.Runs, f.Matches), nil
}

func (t *txn) InsertRun(ctx context.Context, r *domain.Run) error {
	r.ID = t.newID()
	t.data.Runs[r.ID] = entry[domain.Run]{Seq: t.nextSeq(), Doc: cloneRun(*r)}
	return nil
}

func (t *txn) UpdateRun(ctx context.Context, r domain.Run) error {
	cur, ok := t.data.Runs[r.ID]
	if !ok {
		return domain.NotFound(domain.KindRun, r.ID)
	}
	cur.Doc = cloneRun(r)
	t.data.Runs[r.ID] = cur
	return nil
}

func (t *txn) DeleteRun(ctx context.Context, id string) error {
	if _, ok := t.data.Runs[id]; !ok {
		return domain.NotFound(domain.KindRun, id)
	}
	for caseID, e := range t.data.Cases {
		if e.Doc.RunID == id {
			delete(t.data.Cases, caseID)
		}
	}
	delete(t.data.Runs, id)
	return nil
}

func (t *txn) GetCase(ctx context.Context, id string) (domain.Case, error) {
	e, ok := t.data.Cases[id]
	if !ok {
		return domain.Case{}, domain.NotFound(domain.KindCase, id)
	}
	return cloneCase(e.Doc), nil
}

func (t *txn) ListCases(ctx context.Context, f store.CaseFilter) ([]domain.Case, error) {
	items := sorted(t.data.Cases, func(c domain.Case) int64 { return c.CreatedAt.UnixNano() }, f.Matches, f.NewestFirst)
	for i := range items {
		items[i] = cloneCase(items[i])
	}
	return items, nil
}

func (t *txn) CountCases(ctx context.Context, f store.CaseFilter) (int, error) {
	return count(t.data.Cases, f.Matches), nil
}

func (t *txn) SummarizeCases(ctx context.Context, f store.CaseFilter) (store.CaseSummary, error) {
	var sum store.CaseSummary
	for _, e := range t.data.Cases {
		if !f.Matches(e.Doc) {
			continue
		}
		sum.Counts.Add(e.Doc.Status)
		if e.Doc.Duration != nil {
			sum.DurationSum += *e.Doc.Duration
			sum.DurationN++
		}
	}
	return sum, nil
}

func (t *txn) CaseNames(ctx context.Context, runID string) ([]string, error) {
	cases := sorted(t.data.Cases, func(c domain.Case) int64 { return c.CreatedAt.UnixNano() },
		func(c domain.Case) bool { return c.RunID == runID }, false)
	seen := make(map[string]bool, len(cases))
	names := []string{}
	for _, c := range cases {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names, nil
}

func (t *txn) InsertCase(ctx context.Context, c *domain.Case) error {
	if _, ok := t.data.Runs[c.RunID]; !ok {
		return domain.NotFound(domain.KindRun, c.RunID)
	}
	c.ID = t.newID()
	t.data.Cases[c.ID] = entry[domain.Case]{Seq: t.nextSeq(), Doc: cloneCase(*c)}
	return nil
}

func (t *txn) DeleteCase(ctx context.Context, id string) error {
	if _, ok := t.data.Cases[id]; !ok {
		return domain.NotFound(domain.KindCase, id)
	}
	delete(t.data.Cases, id)
	return nil
}

func (t *txn) AppendEvent(ctx context.Context, e *domain.Event) error {
	e.ID = t.newID()
	t.data.Events = append(t.data.Events, *e)
	return nil
}

// ListEvents returns the most recent events first.
func (t *txn) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	n := len(t.data.Events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Event, 0, n)
	for i := len(t.data.Events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.data.Events[i])
	}
	return out, nil
}
