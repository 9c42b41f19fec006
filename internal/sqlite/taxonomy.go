package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"redstone/internal/domain"
)

const projectCols = `id,name,COALESCE(description,''),created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var (
		p       domain.Project
		id      int64
		created string
	)
	if err := row.Scan(&id, &p.Name, &p.Description, &created); err != nil {
		return p, err
	}
	p.ID = formatID(id)
	var err error
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r repo) InsertProject(ctx context.Context, p *domain.Project) error {
	res, err := r.ex.ExecContext(ctx, `INSERT INTO projects(name,description,created_at) VALUES (?,?,?)`,
		p.Name, nullable(p.Description), formatTime(p.CreatedAt))
	if isUniqueViolation(err) {
		return &domain.DuplicateError{Kind: domain.KindProject, Field: "name", Value: p.Name}
	}
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = formatID(id)
	return nil
}

func (r repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Project{}, domain.NotFound(domain.KindProject, id)
	}
	p, err := scanProject(r.ex.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return p, domain.NotFound(domain.KindProject, id)
	}
	return p, err
}

func (r repo) FindProjectByName(ctx context.Context, name string) (domain.Project, error) {
	p, err := scanProject(r.ex.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE name=?`, name))
	if err == sql.ErrNoRows {
		return p, domain.NotFound(domain.KindProject, name)
	}
	return p, err
}

func (r repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.ex.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r repo) UpdateProject(ctx context.Context, p domain.Project) error {
	n, ok := parseID(p.ID)
	if !ok {
		return domain.NotFound(domain.KindProject, p.ID)
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE projects SET name=?,description=? WHERE id=?`, p.Name, nullable(p.Description), n)
	if isUniqueViolation(err) {
		return &domain.DuplicateError{Kind: domain.KindProject, Field: "name", Value: p.Name}
	}
	if err != nil {
		return err
	}
	return checkAffected(res, domain.KindProject, p.ID)
}

func (r repo) DeleteProject(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "projects", domain.KindProject, id)
}

func (r repo) deleteByID(ctx context.Context, table string, kind domain.Kind, id string) error {
	n, ok := parseID(id)
	if !ok {
		return domain.NotFound(kind, id)
	}
	res, err := r.ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), n)
	if err != nil {
		return err
	}
	return checkAffected(res, kind, id)
}

const epicCols = `id,project_id,name,COALESCE(description,''),COALESCE(external_ref,''),created_at`

func scanEpic(row scanner) (domain.Epic, error) {
	var (
		e             domain.Epic
		id, projectID int64
		created       string
	)
	if err := row.Scan(&id, &projectID, &e.Name, &e.Description, &e.ExternalRef, &created); err != nil {
		return e, err
	}
	e.ID = formatID(id)
	e.ProjectID = formatID(projectID)
	var err error
	e.CreatedAt, err = parseTime(created)
	return e, err
}

func (r repo) InsertEpic(ctx context.Context, e *domain.Epic) error {
	projectID, ok := parseID(e.ProjectID)
	if !ok {
		return domain.ParentNotFound(domain.KindProject, e.ProjectID)
	}
	res, err := r.ex.ExecContext(ctx, `INSERT INTO epics(project_id,name,description,external_ref,created_at) VALUES (?,?,?,?,?)`,
		projectID, e.Name, nullable(e.Description), nullable(e.ExternalRef), formatTime(e.CreatedAt))
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

func (r repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Epic{}, domain.NotFound(domain.KindEpic, id)
	}
	e, err := scanEpic(r.ex.QueryRowContext(ctx, `SELECT `+epicCols+` FROM epics WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return e, domain.NotFound(domain.KindEpic, id)
	}
	return e, err
}

func (r repo) ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error) {
	n, ok := parseID(projectID)
	if !ok {
		return nil, nil
	}
	rows, err := r.ex.QueryContext(ctx, `SELECT `+epicCols+` FROM epics WHERE project_id=? ORDER BY created_at, id`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r repo) CountEpics(ctx context.Context, projectID string) (int, error) {
	n, ok := parseID(projectID)
	if !ok {
		return 0, nil
	}
	return r.count(ctx, `SELECT COUNT(*) FROM epics WHERE project_id=?`, n)
}

func (r repo) UpdateEpic(ctx context.Context, e domain.Epic) error {
	n, ok := parseID(e.ID)
	if !ok {
		return domain.NotFound(domain.KindEpic, e.ID)
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE epics SET name=?,description=?,external_ref=? WHERE id=?`,
		e.Name, nullable(e.Description), nullable(e.ExternalRef), n)
	if err != nil {
		return err
	}
	return checkAffected(res, domain.KindEpic, e.ID)
}

func (r repo) DeleteEpic(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "epics", domain.KindEpic, id)
}

const featureCols = `id,epic_id,name,COALESCE(description,''),created_at`

func scanFeature(row scanner) (domain.Feature, error) {
	var (
		f          domain.Feature
		id, epicID int64
		created    string
	)
	if err := row.Scan(&id, &epicID, &f.Name, &f.Description, &created); err != nil {
		return f, err
	}
	f.ID = formatID(id)
	f.EpicID = formatID(epicID)
	var err error
	f.CreatedAt, err = parseTime(created)
	return f, err
}

func (r repo) InsertFeature(ctx context.Context, f *domain.Feature) error {
	epicID, ok := parseID(f.EpicID)
	if !ok {
		return domain.ParentNotFound(domain.KindEpic, f.EpicID)
	}
	res, err := r.ex.ExecContext(ctx, `INSERT INTO features(epic_id,name,description,created_at) VALUES (?,?,?,?)`,
		epicID, f.Name, nullable(f.Description), formatTime(f.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	f.ID = formatID(id)
	return nil
}

func (r repo) GetFeature(ctx context.Context, id string) (domain.Feature, error) {
	n, ok := parseID(id)
	if !ok {
		return domain.Feature{}, domain.NotFound(domain.KindFeature, id)
	}
	f, err := scanFeature(r.ex.QueryRowContext(ctx, `SELECT `+featureCols+` FROM features WHERE id=?`, n))
	if err == sql.ErrNoRows {
		return f, domain.NotFound(domain.KindFeature, id)
	}
	return f, err
}

func (r repo) ListFeatures(ctx context.Context, epicIDs ...string) ([]domain.Feature, error) {
	query := `SELECT ` + featureCols + ` FROM features`
	var args []any
	if len(epicIDs) > 0 {
		var in string
		in, args = placeholders(epicIDs)
		if len(args) == 0 {
			return nil, nil
		}
		query += ` WHERE epic_id IN (` + in + `)`
	}
	rows, err := r.ex.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r repo) CountFeatures(ctx context.Context, epicID string) (int, error) {
	n, ok := parseID(epicID)
	if !ok {
		return 0, nil
	}
	return r.count(ctx, `SELECT COUNT(*) FROM features WHERE epic_id=?`, n)
}

func (r repo) UpdateFeature(ctx context.Context, f domain.Feature) error {
	n, ok := parseID(f.ID)
	if !ok {
		return domain.NotFound(domain.KindFeature, f.ID)
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE features SET name=?,description=? WHERE id=?`, f.Name, nullable(f.Description), n)
	if err != nil {
		return err
	}
	return checkAffected(res, domain.KindFeature, f.ID)
}

func (r repo) DeleteFeature(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "features", domain.KindFeature, id)
}
