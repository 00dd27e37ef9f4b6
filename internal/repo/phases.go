package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

const phaseColumns = `account_id,phase,phase_order,status,available_at,started_at,completed_at,bot_id,assigned_content_id,assigned_text_id,error_message,failure_type,attempts,created_at,updated_at`

func scanPhase(scan func(dest ...any) error) (domain.PhaseRecord, error) {
	var p domain.PhaseRecord
	var availableAt, startedAt, completedAt sql.NullString
	var botID, contentID, textID, errMsg, failureType sql.NullString
	var createdAt, updatedAt string
	err := scan(&p.AccountID, &p.Phase, &p.PhaseOrder, &p.Status, &availableAt, &startedAt, &completedAt,
		&botID, &contentID, &textID, &errMsg, &failureType, &p.Attempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.AvailableAt, err = parseTimePtr(availableAt); err != nil {
		return p, err
	}
	if p.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return p, err
	}
	if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return p, err
	}
	if botID.Valid {
		p.BotID = &botID.String
	}
	if contentID.Valid {
		p.AssignedContentID = &contentID.String
	}
	if textID.Valid {
		p.AssignedTextID = &textID.String
	}
	if errMsg.Valid {
		p.ErrorMessage = &errMsg.String
	}
	if failureType.Valid {
		p.FailureType = &failureType.String
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.PhaseRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.AccountID, p.Phase, p.PhaseOrder, p.Status, fmtTimePtr(p.AvailableAt), fmtTimePtr(p.StartedAt),
		fmtTimePtr(p.CompletedAt), nullableStringPtr(p.BotID), nullableStringPtr(p.AssignedContentID),
		nullableStringPtr(p.AssignedTextID), nullableStringPtr(p.ErrorMessage), nullableStringPtr(p.FailureType),
		p.Attempts, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	return err
}

func (r Repo) GetPhase(ctx context.Context, accountID string, phase domain.Phase) (domain.PhaseRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE account_id=? AND phase=?`, accountID, phase)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase) (domain.PhaseRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE account_id=? AND phase=?`, accountID, phase)
	return scanPhase(row.Scan)
}

func (r Repo) ListPhases(ctx context.Context, accountID string) ([]domain.PhaseRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE account_id=? ORDER BY phase_order ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, accountID string) ([]domain.PhaseRecord, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE account_id=? ORDER BY phase_order ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func collectPhases(rows *sql.Rows) ([]domain.PhaseRecord, error) {
	var res []domain.PhaseRecord
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountInProgress reports how many phases are currently dispatched,
// system-wide. The scheduler requires this to be zero before dispatching.
func (r Repo) CountInProgress(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM phases WHERE status='in_progress'`).Scan(&n)
	return n, err
}

func (r Repo) CountInProgressTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM phases WHERE status='in_progress'`).Scan(&n)
	return n, err
}

// ListCandidates returns available phases ready for dispatch: the phase
// cooldown has elapsed, the account is in warmup with a container assigned
// and off cooldown, and the account has no phase awaiting review. Oldest
// available first, earlier phases before later ones on ties.
func (r Repo) ListCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PhaseRecord, error) {
	ts := fmtTime(now)
	rows, err := r.DB.QueryContext(ctx, `SELECT p.account_id,p.phase,p.phase_order,p.status,p.available_at,p.started_at,p.completed_at,p.bot_id,p.assigned_content_id,p.assigned_text_id,p.error_message,p.failure_type,p.attempts,p.created_at,p.updated_at
FROM phases p
JOIN accounts a ON a.id=p.account_id
WHERE p.status='available'
  AND (p.available_at IS NULL OR p.available_at<=?)
  AND a.lifecycle_state='warmup'
  AND a.container_number IS NOT NULL
  AND (a.cooldown_until IS NULL OR a.cooldown_until<=?)
  AND NOT EXISTS (
    SELECT 1 FROM phases blocked
    WHERE blocked.account_id=p.account_id AND blocked.status='requires_review'
  )
ORDER BY p.available_at ASC, p.phase_order ASC, p.account_id ASC
LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

// ClaimPhase flips an available phase to in_progress for a bot. It is the
// compare-and-set dispatch racing schedulers rely on: zero rows affected
// means another instance claimed the phase first.
func (r Repo) ClaimPhase(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, botID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phases
SET status='in_progress', bot_id=?, started_at=?, error_message=NULL, failure_type=NULL, updated_at=?
WHERE account_id=? AND phase=? AND status='available'`,
		botID, fmtTime(now), fmtTime(now), accountID, phase)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompletePhase marks a dispatched phase completed. Guarded on the bot that
// started it so a stale worker cannot complete a phase it no longer owns.
func (r Repo) CompletePhase(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, botID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phases
SET status='completed', completed_at=?, error_message=NULL, failure_type=NULL, updated_at=?
WHERE account_id=? AND phase=? AND status='in_progress' AND bot_id=?`,
		fmtTime(now), fmtTime(now), accountID, phase, botID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailPhase records a failed attempt, bumping the attempt counter. Same
// ownership guard as CompletePhase.
func (r Repo) FailPhase(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, botID string, status domain.PhaseStatus, failureType domain.FailureType, message string, availableAt *time.Time, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phases
SET status=?, failure_type=?, error_message=?, available_at=?, started_at=NULL, attempts=attempts+1, updated_at=?
WHERE account_id=? AND phase=? AND status='in_progress' AND bot_id=?`,
		status, failureType, nullable(message), fmtTimePtr(availableAt), fmtTime(now), accountID, phase, botID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecoverStuck resets in_progress phases whose dispatch predates the cutoff.
// They return to available without consuming a retry.
func (r Repo) RecoverStuck(ctx context.Context, tx *sql.Tx, cutoff, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phases
SET status='available', bot_id=NULL, started_at=NULL, error_message='reset after stale dispatch', updated_at=?
WHERE status='in_progress' AND started_at<?`,
		fmtTime(now), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkAvailableTx promotes a phase to available at the given time. Used for
// pipeline progression and review resolutions.
func (r Repo) MarkAvailableTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, availableAt time.Time, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases
SET status='available', available_at=?, bot_id=NULL, started_at=NULL, updated_at=?
WHERE account_id=? AND phase=?`,
		fmtTime(availableAt), fmtTime(now), accountID, phase)
	return err
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, status domain.PhaseStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, updated_at=? WHERE account_id=? AND phase=?`,
		status, fmtTime(now), accountID, phase)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignContentTx binds pool items to a phase. Either id may be empty when
// the phase does not need that kind of assignment.
func (r Repo) AssignContentTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, contentID, textID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET assigned_content_id=?, assigned_text_id=?, updated_at=? WHERE account_id=? AND phase=?`,
		nullable(contentID), nullable(textID), fmtTime(now), accountID, phase)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPhasesByStatus aggregates the queue by status across all accounts.
func (r Repo) CountPhasesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM phases GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
