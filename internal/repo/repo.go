package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rollout/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,name,status,overall_progress,created_at,last_updated_at,last_updated_by`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	err := scan(&p.ID, &p.Name, &p.Status, &p.OverallProgress, &p.CreatedAt, &p.LastUpdatedAt, &p.LastUpdatedBy)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Status, p.OverallProgress, p.CreatedAt, p.LastUpdatedAt, p.LastUpdatedBy)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

// GetProjectTx reads a project inside a transaction so updates see a
// consistent row.
func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

// ProjectFilter narrows ListProjects. Zero values mean no filter.
type ProjectFilter struct {
	Status string
	Name   string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Name != "" {
		clauses = append(clauses, "name LIKE ?")
		args = append(args, "%"+f.Name+"%")
	}
	query := `SELECT ` + projectCols + ` FROM projects`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET name=?,status=?,overall_progress=?,last_updated_at=?,last_updated_by=? WHERE id=?`,
		p.Name, p.Status, p.OverallProgress, p.LastUpdatedAt, p.LastUpdatedBy, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const stageCols = `project_id,stage_key,status,responsible,start_date,end_date,blocking_reason,observations,attrs,updated_at`

func scanStageRow(scan func(dest ...any) error) (domain.Stage, error) {
	var (
		s     domain.Stage
		attrs sql.NullString
	)
	err := scan(&s.ProjectID, &s.Key, &s.Status, &s.Responsible, &s.StartDate, &s.EndDate, &s.BlockingReason, &s.Observations, &attrs, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &s.Attrs); err != nil {
			return s, fmt.Errorf("stage %s/%s attrs: %w", s.ProjectID, s.Key, err)
		}
	}
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	attrs, err := marshalAttrs(s.Attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stages(`+stageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ProjectID, s.Key, s.Status, nullableStringPtr(s.Responsible), nullableStringPtr(s.StartDate), nullableStringPtr(s.EndDate),
		nullableStringPtr(s.BlockingReason), nullableStringPtr(s.Observations), attrs, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, projectID, key string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE project_id=? AND stage_key=?`, projectID, key)
	return scanStageRow(row.Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, projectID, key string) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE project_id=? AND stage_key=?`, projectID, key)
	return scanStageRow(row.Scan)
}

// ListStages returns the project's stages keyed by stage key.
func (r Repo) ListStages(ctx context.Context, projectID string) (map[string]domain.Stage, error) {
	return r.listStages(ctx, r.DB.QueryContext, projectID)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, projectID string) (map[string]domain.Stage, error) {
	return r.listStages(ctx, tx.QueryContext, projectID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listStages(ctx context.Context, query queryFunc, projectID string) (map[string]domain.Stage, error) {
	rows, err := query(ctx, `SELECT `+stageCols+` FROM stages WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]domain.Stage, domain.StageCount)
	for rows.Next() {
		s, err := scanStageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[s.Key] = s
	}
	return res, rows.Err()
}

func (r Repo) UpdateStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	attrs, err := marshalAttrs(s.Attrs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE stages SET status=?,responsible=?,start_date=?,end_date=?,blocking_reason=?,observations=?,attrs=?,updated_at=? WHERE project_id=? AND stage_key=?`,
		s.Status, nullableStringPtr(s.Responsible), nullableStringPtr(s.StartDate), nullableStringPtr(s.EndDate),
		nullableStringPtr(s.BlockingReason), nullableStringPtr(s.Observations), attrs, s.UpdatedAt, s.ProjectID, s.Key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalAttrs(attrs map[string]any) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal stage attrs: %w", err)
	}
	return string(data), nil
}

// ListEvents returns audit entries for one project (or all when projectID is
// empty), newest first with id as the tie-break. cursorID paginates: only
// events older than it are returned.
func (r Repo) ListEvents(ctx context.Context, projectID string, limit int, cursorID int64) ([]domain.Event, error) {
	clauses := []string{}
	args := []any{}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursorID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, cursorID)
	}
	query := `SELECT id,ts,project_id,actor,message,metadata FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.ProjectID, &e.Actor, &e.Message, &e.Metadata); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
