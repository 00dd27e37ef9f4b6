package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

// EnsureSlotCapacity seeds the slots table up to capacity rows. Extra rows
// are removed only while free so shrinking never revokes a live hold.
func (r Repo) EnsureSlotCapacity(ctx context.Context, capacity int) error {
	for i := 1; i <= capacity; i++ {
		if _, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO slots(id) VALUES (?)`, i); err != nil {
			return err
		}
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM slots WHERE id>? AND holder_account_id IS NULL`, capacity)
	return err
}

func scanSlot(scan func(dest ...any) error) (domain.Slot, error) {
	var s domain.Slot
	var holderAccount, holderPhase, acquiredAt, expiresAt sql.NullString
	err := scan(&s.ID, &holderAccount, &holderPhase, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if holderAccount.Valid {
		s.HolderAccountID = &holderAccount.String
	}
	if holderPhase.Valid {
		p := domain.Phase(holderPhase.String)
		s.HolderPhase = &p
	}
	if s.AcquiredAt, err = parseTimePtr(acquiredAt); err != nil {
		return s, err
	}
	if s.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) ListSlots(ctx context.Context) ([]domain.Slot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,holder_account_id,holder_phase,acquired_at,expires_at FROM slots ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Slot
	for rows.Next() {
		s, err := scanSlot(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AcquireSlotTx takes a free slot for a dispatch. Zero rows affected means
// every slot is held and the dispatch must wait for the next cycle.
func (r Repo) AcquireSlotTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, now, expiresAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE slots
SET holder_account_id=?, holder_phase=?, acquired_at=?, expires_at=?
WHERE id=(SELECT id FROM slots WHERE holder_account_id IS NULL ORDER BY id ASC LIMIT 1)
  AND holder_account_id IS NULL`,
		accountID, phase, fmtTime(now), fmtTime(expiresAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ReleaseSlotTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE slots
SET holder_account_id=NULL, holder_phase=NULL, acquired_at=NULL, expires_at=NULL
WHERE holder_account_id=? AND holder_phase=?`, accountID, phase)
	return err
}

// ReleaseExpiredSlotsTx frees slots whose lease expired. Pairs with
// RecoverStuck so a crashed worker cannot pin the queue forever.
func (r Repo) ReleaseExpiredSlotsTx(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE slots
SET holder_account_id=NULL, holder_phase=NULL, acquired_at=NULL, expires_at=NULL
WHERE holder_account_id IS NOT NULL AND expires_at<?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
