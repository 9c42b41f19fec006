package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"redstone/internal/domain"
	"redstone/internal/store"
)

const definitionCols = `id,feature_id,title,COALESCE(description,''),COALESCE(preconditions,''),COALESCE(expected_result,''),steps_json,priority,is_active,created_at,updated_at`

func scanDefinition(row scanner) (domain.Definition, error) {
	var (
		d                domain.Definition
		id, featureID    int64
		rawSteps         string
		priority         string
		active           int
		created, updated string
	)
	if err := row.Scan(&id, &featureID, &d.Title, &d.Description, &d.Preconditions, &d.ExpectedResult,
		&rawSteps, &priority, &active, &created, &updated); err != nil {
		return d, err
	}
	d.ID = formatID(id)
	d.FeatureID = formatID(featureID)
	d.Priority = domain.Priority(priority)
	d.IsActive = active != 0
	if err := json.Unmarshal([]byte(rawSteps), &d.Steps); err != nil {
		return d, err
	}
	if d.Steps == nil {
		d.Steps = []domain.DefinitionStep{}
	}
	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return d, err
	}
	d.UpdatedAt, err = parseTime(updated)
	return d, err
}

func stepsJSON(steps []domain.DefinitionStep) (string, error) {
	if steps == nil {
		steps = []domain.DefinitionStep{}
	}
	b, err := json.Marshal(steps)
	return string(b), err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r repo) InsertDefinition(ctx context.Context, d *domain.Definition) error {
	featureID, ok := parseID(d.FeatureID)
	if !ok {
		return domain.ParentNotFound(domain.KindFeature, d.FeatureID)
	}
	steps, err := stepsJSON(d.Steps)
	if err != nil {
		return err
	}
	res, err := r.ex.ExecContext(ctx, `INSERT INTO test_case_definitions(feature_id,title,description,preconditions,expected_result,steps_json,priority,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		featureID, d.Title, nullable(d.Description), nullable(d.Preconditions), nullable(d.ExpectedResult),
		steps, string(d.Priority), boolInt(d.IsActive), formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	d.ID = formatID(id)
	return nil
}

func (r repo) GetDefinition(ctx context.Context, id string) (domain.Definition, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Definition{}, domain.NotFound(domain.KindDefinition, id)
	}
	d, err := scanDefinition(r.ex.QueryRowContext(ctx, `SELECT `+definitionCols+` FROM test_case_definitions WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return d, domain.NotFound(domain.KindDefinition, id)
	}
	return d, err
}

// definitionWhere renders the filter; ok is false when it can match nothing.
func definitionWhere(f store.DefinitionFilter) (string, []any, bool) {
	var (
		conds []string
		args  []any
	)
	if f.FeatureIDs != nil {
		in, ids := placeholders(f.FeatureIDs)
		if len(ids) == 0 {
			return "", nil, false
		}
		conds = append(conds, `feature_id IN (`+in+`)`)
		args = append(args, ids...)
	}
	if f.ActiveOnly {
		conds = append(conds, `is_active=1`)
	}
	if len(f.Priorities) > 0 {
		conds = append(conds, `priority IN (`+strings.TrimSuffix(strings.Repeat("?,", len(f.Priorities)), ",")+`)`)
		for _, p := range f.Priorities {
			args = append(args, string(p))
		}
	}
	if len(conds) == 0 {
		return "", nil, true
	}
	return ` WHERE ` + strings.Join(conds, " AND "), args, true
}

// ListDefinitions returns matching definitions newest first.
func (r repo) ListDefinitions(ctx context.Context, f store.DefinitionFilter) ([]domain.Definition, error) {
	where, args, ok := definitionWhere(f)
	if !ok {
		return nil, nil
	}
	rows, err := r.ex.QueryContext(ctx, `SELECT `+definitionCols+` FROM test_case_definitions`+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r repo) CountDefinitions(ctx context.Context, f store.DefinitionFilter) (int, error) {
	where, args, ok := definitionWhere(f)
	if !ok {
		return 0, nil
	}
	return r.count(ctx, `SELECT COUNT(*) FROM test_case_definitions`+where, args...)
}

func (r repo) UpdateDefinition(ctx context.Context, d domain.Definition) error {
	n, ok := parseID(d.ID)
	if !ok {
		return domain.NotFound(domain.KindDefinition, d.ID)
	}
	steps, err := stepsJSON(d.Steps)
	if err != nil {
		return err
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE test_case_definitions SET title=?,description=?,preconditions=?,expected_result=?,steps_json=?,priority=?,is_active=?,updated_at=? WHERE id=?`,
		d.Title, nullable(d.Description), nullable(d.Preconditions), nullable(d.ExpectedResult),
		steps, string(d.Priority), boolInt(d.IsActive), formatTime(d.UpdatedAt), n)
	if err != nil {
		return err
	}
	return checkAffected(res, domain.KindDefinition, d.ID)
}

func (r repo) DeleteDefinition(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "test_case_definitions", domain.KindDefinition, id)
}
