package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
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

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

const accountColumns = `id,username,model_name,lifecycle_state,container_number,cooldown_until,created_at,updated_at`

func scanAccount(scan func(dest ...any) error) (domain.Account, error) {
	var a domain.Account
	var container sql.NullInt64
	var cooldown sql.NullString
	var createdAt, updatedAt string
	err := scan(&a.ID, &a.Username, &a.ModelName, &a.LifecycleState, &container, &cooldown, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if container.Valid {
		n := int(container.Int64)
		a.ContainerNumber = &n
	}
	if a.CooldownUntil, err = parseTimePtr(cooldown); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertAccountTx(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(`+accountColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Username, a.ModelName, a.LifecycleState, nullableIntPtr(a.ContainerNumber),
		fmtTimePtr(a.CooldownUntil), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, id string) (domain.Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, id)
	return scanAccount(row.Scan)
}

func (r Repo) GetAccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username=?`, username)
	return scanAccount(row.Scan)
}

type AccountFilters struct {
	LifecycleState string
	Limit          int
}

func (r Repo) ListAccounts(ctx context.Context, f AccountFilters) ([]domain.Account, error) {
	var clauses []string
	var args []any
	if f.LifecycleState != "" {
		clauses = append(clauses, "lifecycle_state=?")
		args = append(args, f.LifecycleState)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + accountColumns + ` FROM accounts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAccountLifecycleTx(ctx context.Context, tx *sql.Tx, id string, state domain.LifecycleState, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET lifecycle_state=?, updated_at=? WHERE id=?`,
		state, fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAccountUsernameTx(ctx context.Context, tx *sql.Tx, id, username string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET username=?, updated_at=? WHERE id=?`,
		username, fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAccountContainerTx(ctx context.Context, tx *sql.Tx, id string, container int, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET container_number=?, updated_at=? WHERE id=?`,
		container, fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAccountCooldownTx(ctx context.Context, tx *sql.Tx, id string, until *time.Time, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET cooldown_until=?, updated_at=? WHERE id=?`,
		fmtTimePtr(until), fmtTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAccount(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, actorID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &actorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if actorID.Valid {
			e.ActorID = actorID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
