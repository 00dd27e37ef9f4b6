package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

func marshalCategories(categories []string) (string, error) {
	if categories == nil {
		categories = []string{}
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return "", fmt.Errorf("marshal categories: %w", err)
	}
	return string(data), nil
}

func unmarshalCategories(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var categories []string
	if err := json.Unmarshal([]byte(raw), &categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	return categories, nil
}

// categoryPattern matches a JSON array element in categories_json.
func categoryPattern(category string) string {
	return `%"` + category + `"%`
}

func scanContentItem(scan func(dest ...any) error) (domain.ContentItem, error) {
	var c domain.ContentItem
	var categoriesJSON, createdAt string
	err := scan(&c.ID, &c.Location, &categoriesJSON, &c.Status, &createdAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Categories, err = unmarshalCategories(categoriesJSON); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	return c, nil
}

func scanTextItem(scan func(dest ...any) error) (domain.TextItem, error) {
	var t domain.TextItem
	var categoriesJSON, createdAt string
	var templateName sql.NullString
	err := scan(&t.ID, &t.Text, &categoriesJSON, &templateName, &t.Status, &createdAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Categories, err = unmarshalCategories(categoriesJSON); err != nil {
		return t, err
	}
	if templateName.Valid {
		t.TemplateName = templateName.String
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertContentItemTx(ctx context.Context, tx *sql.Tx, c domain.ContentItem) error {
	categoriesJSON, err := marshalCategories(c.Categories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO content_items(id,location,categories_json,status,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Location, categoriesJSON, c.Status, fmtTime(c.CreatedAt))
	return err
}

func (r Repo) InsertContentItem(ctx context.Context, c domain.ContentItem) error {
	categoriesJSON, err := marshalCategories(c.Categories)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO content_items(id,location,categories_json,status,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Location, categoriesJSON, c.Status, fmtTime(c.CreatedAt))
	return err
}

func (r Repo) InsertTextItemTx(ctx context.Context, tx *sql.Tx, t domain.TextItem) error {
	categoriesJSON, err := marshalCategories(t.Categories)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO text_items(id,content,categories_json,template_name,status,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Text, categoriesJSON, nullable(t.TemplateName), t.Status, fmtTime(t.CreatedAt))
	return err
}

func (r Repo) InsertTextItem(ctx context.Context, t domain.TextItem) error {
	categoriesJSON, err := marshalCategories(t.Categories)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO text_items(id,content,categories_json,template_name,status,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Text, categoriesJSON, nullable(t.TemplateName), t.Status, fmtTime(t.CreatedAt))
	return err
}

func (r Repo) GetContentItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,location,categories_json,status,created_at FROM content_items WHERE id=?`, id)
	return scanContentItem(row.Scan)
}

func (r Repo) GetTextItem(ctx context.Context, id string) (domain.TextItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,content,categories_json,template_name,status,created_at FROM text_items WHERE id=?`, id)
	return scanTextItem(row.Scan)
}

func (r Repo) ListContentItems(ctx context.Context, category string) ([]domain.ContentItem, error) {
	query := `SELECT id,location,categories_json,status,created_at FROM content_items`
	var args []any
	if category != "" {
		query += ` WHERE categories_json LIKE ?`
		args = append(args, categoryPattern(category))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		c, err := scanContentItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListTextItems(ctx context.Context, category string) ([]domain.TextItem, error) {
	query := `SELECT id,content,categories_json,template_name,status,created_at FROM text_items`
	var args []any
	if category != "" {
		query += ` WHERE categories_json LIKE ?`
		args = append(args, categoryPattern(category))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TextItem
	for rows.Next() {
		t, err := scanTextItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PickContentTx selects a random active media item in the category.
func (r Repo) PickContentTx(ctx context.Context, tx *sql.Tx, category string) (domain.ContentItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,location,categories_json,status,created_at FROM content_items
WHERE status='active' AND categories_json LIKE ?
ORDER BY RANDOM() LIMIT 1`, categoryPattern(category))
	return scanContentItem(row.Scan)
}

// PickTextTx selects a random active text item in the category.
func (r Repo) PickTextTx(ctx context.Context, tx *sql.Tx, category string) (domain.TextItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,content,categories_json,template_name,status,created_at FROM text_items
WHERE status='active' AND categories_json LIKE ?
ORDER BY RANDOM() LIMIT 1`, categoryPattern(category))
	return scanTextItem(row.Scan)
}

// PickUnusedTextTx selects a random active text item in the category that no
// phase of any account has ever been assigned.
func (r Repo) PickUnusedTextTx(ctx context.Context, tx *sql.Tx, category string) (domain.TextItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,content,categories_json,template_name,status,created_at FROM text_items
WHERE status='active' AND categories_json LIKE ?
  AND NOT EXISTS (SELECT 1 FROM phases WHERE phases.assigned_text_id=text_items.id)
ORDER BY RANDOM() LIMIT 1`, categoryPattern(category))
	return scanTextItem(row.Scan)
}

// FindTextByContentTx looks up an exact text in the category, for
// insert-if-absent derivations.
func (r Repo) FindTextByContentTx(ctx context.Context, tx *sql.Tx, category, content string) (domain.TextItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,content,categories_json,template_name,status,created_at FROM text_items
WHERE content=? AND categories_json LIKE ?
ORDER BY created_at ASC LIMIT 1`, content, categoryPattern(category))
	return scanTextItem(row.Scan)
}

func (r Repo) SetContentStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE content_items SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetContentStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE content_items SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTextStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE text_items SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTextStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE text_items SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
