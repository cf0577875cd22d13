package repo

import (
	"context"
	"database/sql"
	"strings"

	"rollout/internal/domain"
)

const queueCols = `id,project_id,status,priority,notes,sent_at,assigned_to,assigned_to_name,assigned_at,started_at,completed_at,updated_at`

// Queue ordering is presentation only. Lower priority numbers are more
// urgent; ties break on submission time.
const queueOrder = ` ORDER BY priority ASC, sent_at ASC, id ASC`

func scanQueueItemRow(scan func(dest ...any) error) (domain.QueueItem, error) {
	var q domain.QueueItem
	err := scan(&q.ID, &q.ProjectID, &q.Status, &q.Priority, &q.Notes, &q.SentAt,
		&q.AssignedTo, &q.AssignedToName, &q.AssignedAt, &q.StartedAt, &q.CompletedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

func (r Repo) InsertQueueItem(ctx context.Context, tx *sql.Tx, q domain.QueueItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO queue_items(`+queueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.ProjectID, q.Status, q.Priority, q.Notes, q.SentAt,
		nullableStringPtr(q.AssignedTo), nullableStringPtr(q.AssignedToName), nullableStringPtr(q.AssignedAt),
		nullableStringPtr(q.StartedAt), nullableStringPtr(q.CompletedAt), q.UpdatedAt)
	return err
}

func (r Repo) GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue_items WHERE id=?`, id)
	return scanQueueItemRow(row.Scan)
}

func (r Repo) GetQueueItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.QueueItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue_items WHERE id=?`, id)
	return scanQueueItemRow(row.Scan)
}

// ActiveQueueItem returns the project's non-terminal queue item, if any.
// At most one exists per project.
func (r Repo) ActiveQueueItem(ctx context.Context, tx *sql.Tx, projectID string) (domain.QueueItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue_items WHERE project_id=? AND status NOT IN (?,?) LIMIT 1`,
		projectID, domain.QueueDone, domain.QueueCancelled)
	return scanQueueItemRow(row.Scan)
}

// QueueFilter narrows ListQueueItems. Zero values mean no filter.
type QueueFilter struct {
	Status     string
	Statuses   []string
	AssignedTo string
	Unassigned bool
	ProjectID  string
}

func (r Repo) ListQueueItems(ctx context.Context, f QueueFilter) ([]domain.QueueItem, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Unassigned {
		clauses = append(clauses, "assigned_to IS NULL")
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	query := `SELECT ` + queueCols + ` FROM queue_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += queueOrder
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueItem
	for rows.Next() {
		q, err := scanQueueItemRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// ByAssignee lists the items a person is carrying, excluding terminal ones.
func (r Repo) ByAssignee(ctx context.Context, assigneeID string) ([]domain.QueueItem, error) {
	return r.ListQueueItems(ctx, QueueFilter{
		AssignedTo: assigneeID,
		Statuses: []string{
			domain.QueueInProgress,
			domain.QueueAwaitingHomologation,
			domain.QueueHomologation,
			domain.QueueHomologationIssues,
			domain.QueueApproved,
		},
	})
}

// Unassigned lists pending items nobody has claimed yet.
func (r Repo) Unassigned(ctx context.Context) ([]domain.QueueItem, error) {
	return r.ListQueueItems(ctx, QueueFilter{Status: domain.QueuePending, Unassigned: true})
}

// InHomologation lists items sitting at the QA gate.
func (r Repo) InHomologation(ctx context.Context) ([]domain.QueueItem, error) {
	return r.ListQueueItems(ctx, QueueFilter{Statuses: []string{domain.QueueAwaitingHomologation, domain.QueueHomologation}})
}

// QueueStats counts items per status. Statuses with no items report zero.
func (r Repo) QueueStats(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := make(map[string]int, len(domain.QueueStatuses()))
	for _, s := range domain.QueueStatuses() {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r Repo) UpdateQueueItem(ctx context.Context, tx *sql.Tx, q domain.QueueItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE queue_items SET status=?,priority=?,notes=?,assigned_to=?,assigned_to_name=?,assigned_at=?,started_at=?,completed_at=?,updated_at=? WHERE id=?`,
		q.Status, q.Priority, q.Notes, nullableStringPtr(q.AssignedTo), nullableStringPtr(q.AssignedToName), nullableStringPtr(q.AssignedAt),
		nullableStringPtr(q.StartedAt), nullableStringPtr(q.CompletedAt), q.UpdatedAt, q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimQueueItem atomically moves a pending, unclaimed item to in_progress
// for one assignee. It reports false when the item was already claimed or is
// no longer pending, so concurrent claimers lose cleanly instead of
// overwriting each other.
func (r Repo) ClaimQueueItem(ctx context.Context, tx *sql.Tx, id, assigneeID, assigneeName, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE queue_items
SET status=?, assigned_to=?, assigned_to_name=?, assigned_at=?, started_at=?, updated_at=?
WHERE id=? AND status=? AND assigned_to IS NULL`,
		domain.QueueInProgress, assigneeID, nullable(assigneeName), now, now, now,
		id, domain.QueuePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const issueCols = `id,project_id,queue_item_id,title,description,priority,status,reported_at,fixed_at,resolved_by,resolution_notes`

func scanIssueRow(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	err := scan(&i.ID, &i.ProjectID, &i.QueueItemID, &i.Title, &i.Description, &i.Priority, &i.Status,
		&i.ReportedAt, &i.FixedAt, &i.ResolvedBy, &i.ResolutionNotes)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.ProjectID, i.QueueItemID, i.Title, i.Description, i.Priority, i.Status, i.ReportedAt,
		nullableStringPtr(i.FixedAt), nullableStringPtr(i.ResolvedBy), nullableStringPtr(i.ResolutionNotes))
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id)
	return scanIssueRow(row.Scan)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id)
	return scanIssueRow(row.Scan)
}

// IssueFilter narrows ListIssues. Zero values mean no filter.
type IssueFilter struct {
	QueueItemID string
	ProjectID   string
	Status      string
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilter) ([]domain.Issue, error) {
	var (
		clauses []string
		args    []any
	)
	if f.QueueItemID != "" {
		clauses = append(clauses, "queue_item_id=?")
		args = append(args, f.QueueItemID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + issueCols + ` FROM issues`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY reported_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssueRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// OpenIssueCount counts the item's unresolved issues.
func (r Repo) OpenIssueCount(ctx context.Context, tx *sql.Tx, queueItemID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE queue_item_id=? AND status != ?`,
		queueItemID, domain.IssueResolved).Scan(&n)
	return n, err
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?,description=?,priority=?,status=?,fixed_at=?,resolved_by=?,resolution_notes=? WHERE id=?`,
		i.Title, i.Description, i.Priority, i.Status,
		nullableStringPtr(i.FixedAt), nullableStringPtr(i.ResolvedBy), nullableStringPtr(i.ResolutionNotes), i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIssue removes the row permanently. The audit trail keeps the record
// of the deletion.
func (r Repo) DeleteIssue(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
