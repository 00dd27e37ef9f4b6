package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

const reviewColumns = `id,account_id,phase,failure_type,failure_message,status,assigned_to,resolution_method,resolution_notes,resolved_by,resolved_at,created_at`

func scanReview(scan func(dest ...any) error) (domain.ReviewEntry, error) {
	var rv domain.ReviewEntry
	var failureMsg, assignedTo, method, notes, resolvedBy, resolvedAt sql.NullString
	var createdAt string
	err := scan(&rv.ID, &rv.AccountID, &rv.Phase, &rv.FailureType, &failureMsg, &rv.Status,
		&assignedTo, &method, &notes, &resolvedBy, &resolvedAt, &createdAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	if failureMsg.Valid {
		rv.FailureMessage = failureMsg.String
	}
	if assignedTo.Valid {
		rv.AssignedTo = &assignedTo.String
	}
	if method.Valid {
		rv.ResolutionMethod = &method.String
	}
	if notes.Valid {
		rv.ResolutionNotes = &notes.String
	}
	if resolvedBy.Valid {
		rv.ResolvedBy = &resolvedBy.String
	}
	if rv.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return rv, err
	}
	if rv.CreatedAt, err = parseTime(createdAt); err != nil {
		return rv, err
	}
	return rv, nil
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rv domain.ReviewEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rv.ID, rv.AccountID, rv.Phase, rv.FailureType, nullable(rv.FailureMessage), rv.Status,
		nullableStringPtr(rv.AssignedTo), nullableStringPtr(rv.ResolutionMethod), nullableStringPtr(rv.ResolutionNotes),
		nullableStringPtr(rv.ResolvedBy), fmtTimePtr(rv.ResolvedAt), fmtTime(rv.CreatedAt))
	return err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.ReviewEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id)
	return scanReview(row.Scan)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id)
	return scanReview(row.Scan)
}

type ReviewFilters struct {
	AccountID string
	Status    string
	Limit     int
}

func (r Repo) ListReviews(ctx context.Context, f ReviewFilters) ([]domain.ReviewEntry, error) {
	var clauses []string
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reviewColumns + ` FROM reviews ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewEntry
	for rows.Next() {
		rv, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// HasOpenReviewTx reports whether an unresolved entry already exists for the
// (account, phase) pair. Escalation must not duplicate entries.
func (r Repo) HasOpenReviewTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM reviews WHERE account_id=? AND phase=? AND status IN ('open','claimed')`,
		accountID, phase).Scan(&n)
	return n > 0, err
}

// ClaimReviewTx assigns an open entry to a reviewer. Compare-and-set on the
// open status so two reviewers cannot claim the same entry.
func (r Repo) ClaimReviewTx(ctx context.Context, tx *sql.Tx, id, reviewer string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status='claimed', assigned_to=? WHERE id=? AND status='open'`,
		reviewer, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseReviewTx returns a claimed entry to the open state.
func (r Repo) ReleaseReviewTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status='open', assigned_to=NULL WHERE id=? AND status='claimed'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ResolveReviewTx(ctx context.Context, tx *sql.Tx, id string, method domain.ResolutionMethod, notes, resolvedBy string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews
SET status='resolved', resolution_method=?, resolution_notes=?, resolved_by=?, resolved_at=?
WHERE id=? AND status IN ('open','claimed')`,
		method, nullable(notes), nullable(resolvedBy), fmtTime(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
