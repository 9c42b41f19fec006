package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"redstone/internal/domain"
	"redstone/internal/store"
)

const runCols = `id,name,status,start_time,end_time,project_id`

func scanRun(row scanner) (domain.Run, error) {
	var (
		r         domain.Run
		id        int64
		status    string
		start     string
		end       sql.NullString
		projectID sql.NullInt64
	)
	if err := row.Scan(&id, &r.Name, &status, &start, &end, &projectID); err != nil {
		return r, err
	}
	r.ID = formatID(id)
	r.Status = domain.RunStatus(status)
	var err error
	if r.StartTime, err = parseTime(start); err != nil {
		return r, err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return r, err
		}
		r.EndTime = &t
	}
	if projectID.Valid {
		p := formatID(projectID.Int64)
		r.ProjectID = &p
	}
	return r, nil
}

func (r repo) InsertRun(ctx context.Context, run *domain.Run) error {
	res, err := r.ex.ExecContext(ctx, `INSERT INTO test_runs(name,status,start_time,end_time,project_id) VALUES (?,?,?,?,?)`,
		run.Name, string(run.Status), formatTime(run.StartTime), nullableTime(run.EndTime), nullableID(run.ProjectID))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = formatID(id)
	return nil
}

func (r repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Run{}, domain.NotFound(domain.KindRun, id)
	}
	run, err := scanRun(r.ex.QueryRowContext(ctx, `SELECT `+runCols+` FROM test_runs WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return run, domain.NotFound(domain.KindRun, id)
	}
	return run, err
}

func runWhere(f store.RunFilter) (string, []any, bool) {
	if f.ProjectID == "" {
		return "", nil, true
	}
	n, ok := parseID(f.ProjectID)
	if !ok {
		return "", nil, false
	}
	return ` WHERE project_id=?`, []any{n}, true
}

func (r repo) ListRuns(ctx context.Context, f store.RunFilter) ([]domain.Run, error) {
	where, args, ok := runWhere(f)
	if !ok {
		return nil, nil
	}
	query := `SELECT ` + runCols + ` FROM test_runs` + where + ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r repo) CountRuns(ctx context.Context, f store.RunFilter) (int, error) {
	where, args, ok := runWhere(f)
	if !ok {
		return 0, nil
	}
	return r.count(ctx, `SELECT COUNT(*) FROM test_runs`+where, args...)
}

func (r repo) UpdateRun(ctx context.Context, run domain.Run) error {
	n, ok := parseID(run.ID)
	if !ok {
		return domain.NotFound(domain.KindRun, run.ID)
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE test_runs SET name=?,status=?,end_time=?,project_id=? WHERE id=?`,
		run.Name, string(run.Status), nullableTime(run.EndTime), nullableID(run.ProjectID), n)
	if err != nil {
		return err
	}
	return checkAffected(res, domain.KindRun, run.ID)
}

func (r repo) DeleteRun(ctx context.Context, id string) error {
	n, ok := parseID(id)
	if !ok {
		return domain.NotFound(domain.KindRun, id)
	}
	if _, err := r.ex.ExecContext(ctx, `DELETE FROM test_steps WHERE test_case_id IN (SELECT id FROM test_cases WHERE test_run_id=?)`, n); err != nil {
		return err
	}
	if _, err := r.ex.ExecContext(ctx, `DELETE FROM test_cases WHERE test_run_id=?`, n); err != nil {
		return err
	}
	return r.deleteByID(ctx, "test_runs", domain.KindRun, id)
}

const caseCols = `id,test_run_id,name,status,duration,COALESCE(error_message,''),COALESCE(error_stack,''),COALESCE(screenshot_path,''),test_case_definition_id,created_at`

func scanCase(row scanner) (domain.Case, error) {
	var (
		c            domain.Case
		id, runID    int64
		status       string
		duration     sql.NullInt64
		definitionID sql.NullString
		created      string
	)
	if err := row.Scan(&id, &runID, &c.Name, &status, &duration, &c.ErrorMessage, &c.ErrorStack,
		&c.ScreenshotPath, &definitionID, &created); err != nil {
		return c, err
	}
	c.ID = formatID(id)
	c.RunID = formatID(runID)
	c.Status = domain.CaseStatus(status)
	if duration.Valid {
		d := duration.Int64
		c.Duration = &d
	}
	if definitionID.Valid {
		d := definitionID.String
		c.DefinitionID = &d
	}
	var err error
	c.CreatedAt, err = parseTime(created)
	return c, err
}

func (r repo) InsertCase(ctx context.Context, c *domain.Case) error {
	runID, ok := parseID(c.RunID)
	if !ok {
		return domain.NotFound(domain.KindRun, c.RunID)
	}
	res, err := r.ex.ExecContext(ctx, `INSERT INTO test_cases(test_run_id,name,status,duration,error_message,error_stack,screenshot_path,test_case_definition_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		runID, c.Name, string(c.Status), nullableInt64(c.Duration), nullable(c.ErrorMessage), nullable(c.ErrorStack),
		nullable(c.ScreenshotPath), nullableRef(c.DefinitionID), formatTime(c.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, s := range c.Steps {
		if _, err := r.ex.ExecContext(ctx, `INSERT INTO test_steps(test_case_id,description,status,order_index) VALUES (?,?,?,?)`,
			id, s.Description, string(s.Status), s.OrderIndex); err != nil {
			return err
		}
	}
	c.ID = formatID(id)
	return nil
}

func (r repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Case{}, domain.NotFound(domain.KindCase, id)
	}
	c, err := scanCase(r.ex.QueryRowContext(ctx, `SELECT `+caseCols+` FROM test_cases WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return c, domain.NotFound(domain.KindCase, id)
	}
	if err != nil {
		return c, err
	}
	cases := []domain.Case{c}
	if err := r.loadSteps(ctx, cases); err != nil {
		return c, err
	}
	return cases[0], nil
}

func caseWhere(f store.CaseFilter) (string, []any, bool) {
	var (
		conds []string
		args  []any
	)
	if f.RunID != "" {
		n, ok := parseID(f.RunID)
		if !ok {
			return "", nil, false
		}
		conds = append(conds, `test_run_id=?`)
		args = append(args, n)
	}
	if f.DefinitionID != "" {
		conds = append(conds, `test_case_definition_id=?`)
		args = append(args, refValue(f.DefinitionID))
	}
	if f.Status != "" {
		conds = append(conds, `status=?`)
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil, true
	}
	return ` WHERE ` + strings.Join(conds, " AND "), args, true
}

func (r repo) ListCases(ctx context.Context, f store.CaseFilter) ([]domain.Case, error) {
	where, args, ok := caseWhere(f)
	if !ok {
		return nil, nil
	}
	order := ` ORDER BY created_at, id`
	if f.NewestFirst {
		order = ` ORDER BY created_at DESC, id DESC`
	}
	rows, err := r.ex.QueryContext(ctx, `SELECT `+caseCols+` FROM test_cases`+where+order, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// stepBatch bounds the IN list below SQLite's host parameter limit.
const stepBatch = 500

// loadSteps fills Steps for every case, ordered by order_index. The case
// rows must already be closed since the pool holds a single connection.
func (r repo) loadSteps(ctx context.Context, cases []domain.Case) error {
	index := make(map[int64]int, len(cases))
	ids := make([]string, 0, len(cases))
	for i := range cases {
		cases[i].Steps = []domain.Step{}
		n, _ := parseID(cases[i].ID)
		index[n] = i
		ids = append(ids, cases[i].ID)
	}
	for start := 0; start < len(ids); start += stepBatch {
		end := min(start+stepBatch, len(ids))
		in, args := placeholders(ids[start:end])
		rows, err := r.ex.QueryContext(ctx, `SELECT test_case_id,description,status,order_index FROM test_steps WHERE test_case_id IN (`+in+`) ORDER BY test_case_id, order_index`, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				caseID int64
				s      domain.Step
				status string
			)
			if err := rows.Scan(&caseID, &s.Description, &status, &s.OrderIndex); err != nil {
				rows.Close()
				return err
			}
			s.Status = domain.CaseStatus(status)
			i := index[caseID]
			cases[i].Steps = append(cases[i].Steps, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r repo) CountCases(ctx context.Context, f store.CaseFilter) (int, error) {
	where, args, ok := caseWhere(f)
	if !ok {
		return 0, nil
	}
	return r.count(ctx, `SELECT COUNT(*) FROM test_cases`+where, args...)
}

func (r repo) SummarizeCases(ctx context.Context, f store.CaseFilter) (store.CaseSummary, error) {
	var sum store.CaseSummary
	where, args, ok := caseWhere(f)
	if !ok {
		return sum, nil
	}
	rows, err := r.ex.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(duration),0), COUNT(duration) FROM test_cases`+where+` GROUP BY status`, args...)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status  string
			n, durN int
			durSum  int64
		)
		if err := rows.Scan(&status, &n, &durSum, &durN); err != nil {
			return sum, err
		}
		switch domain.CaseStatus(status) {
		case domain.CasePassed:
			sum.Counts.Passed += n
		case domain.CaseFailed:
			sum.Counts.Failed += n
		case domain.CaseSkipped:
			sum.Counts.Skipped += n
		}
		sum.DurationSum += durSum
		sum.DurationN += durN
	}
	return sum, rows.Err()
}

func (r repo) CaseNames(ctx context.Context, runID string) ([]string, error) {
	n, ok := parseID(runID)
	if !ok {
		return nil, nil
	}
	rows, err := r.ex.QueryContext(ctx, `SELECT name FROM test_cases WHERE test_run_id=? GROUP BY name ORDER BY MIN(created_at), MIN(id)`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r repo) DeleteCase(ctx context.Context, id string) error {
	n, ok := parseID(id)
	if !ok {
		return domain.NotFound(domain.KindCase, id)
	}
	if _, err := r.ex.ExecContext(ctx, `DELETE FROM test_steps WHERE test_case_id=?`, n); err != nil {
		return err
	}
	return r.deleteByID(ctx, "test_cases", domain.KindCase, id)
}

func (r repo) AppendEvent(ctx context.Context, e *domain.Event) error {
	res, err := r.ex.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		formatTime(e.TS), e.Type, string(e.EntityKind), nullable(e.EntityID), nullable(e.Actor), nullable(e.Payload))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = formatID(id)
	return nil
}

// ListEvents returns the most recent events first.
func (r repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(actor,''),COALESCE(payload_json,'') FROM events ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e    domain.Event
			id   int64
			ts   string
			kind string
		)
		if err := rows.Scan(&id, &ts, &e.Type, &kind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		e.ID = formatID(id)
		e.EntityKind = domain.Kind(kind)
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
