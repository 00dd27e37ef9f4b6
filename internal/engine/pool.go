package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/events"
)

// AddContent registers a media item in the shared content pool.
func (e Engine) AddContent(ctx context.Context, location string, categories []string, actorID string) (domain.ContentItem, error) {
	if location == "" {
		return domain.ContentItem{}, errors.New("location is required")
	}
	if len(categories) == 0 {
		return domain.ContentItem{}, errors.New("at least one category is required")
	}
	c := domain.ContentItem{
		ID:         uuid.NewString(),
		Location:   location,
		Categories: categories,
		Status:     domain.PoolStatusActive,
		CreatedAt:  e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContentItemTx(ctx, tx, c); err != nil {
		return domain.ContentItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "pool.content_added", "content", c.ID, actorID, events.EventPayload{"location": location}); err != nil {
		return domain.ContentItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentItem{}, err
	}
	return c, nil
}

// AddText registers a text in the shared text pool. TemplateName marks
// texts produced from a derivation template so later lookups can reuse
// them instead of inserting duplicates.
func (e Engine) AddText(ctx context.Context, text string, categories []string, templateName, actorID string) (domain.TextItem, error) {
	if text == "" {
		return domain.TextItem{}, errors.New("text is required")
	}
	if len(categories) == 0 {
		return domain.TextItem{}, errors.New("at least one category is required")
	}
	t := domain.TextItem{
		ID:           uuid.NewString(),
		Text:         text,
		Categories:   categories,
		TemplateName: templateName,
		Status:       domain.PoolStatusActive,
		CreatedAt:    e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TextItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTextItemTx(ctx, tx, t); err != nil {
		return domain.TextItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "pool.text_added", "text", t.ID, actorID, nil); err != nil {
		return domain.TextItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TextItem{}, err
	}
	return t, nil
}

// RetireContent removes an item from rotation without deleting history.
func (e Engine) RetireContent(ctx context.Context, contentID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetContentStatusTx(ctx, tx, contentID, domain.PoolStatusRetired); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "pool.content_retired", "content", contentID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RetireText removes a text from rotation without deleting history.
func (e Engine) RetireText(ctx context.Context, textID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetTextStatusTx(ctx, tx, textID, domain.PoolStatusRetired); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "pool.text_retired", "text", textID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
