package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/catalog"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/repo"
)

// ErrNoCandidate means the pools cannot currently satisfy a phase's
// assignment requirements. The phase stays available and is retried on a
// later cycle once supply arrives.
var ErrNoCandidate = errors.New("no eligible pool item")

// ResolveAssignments binds pool content to a phase and persists the choice.
// Already-assigned items are kept, so re-resolving after a retry or a crash
// hands the bot the same material.
func (e Engine) ResolveAssignments(ctx context.Context, accountID string, phase domain.Phase) (domain.PhaseRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseRecord{}, err
	}
	defer tx.Rollback()
	p, err := e.resolveAssignmentsTx(ctx, tx, accountID, phase)
	if err != nil {
		return domain.PhaseRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseRecord{}, err
	}
	return p, nil
}

func (e Engine) resolveAssignmentsTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase) (domain.PhaseRecord, error) {
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return p, err
	}
	entry, ok := e.Catalog.Lookup(phase)
	if !ok {
		return p, fmt.Errorf("phase %s not in catalog", phase)
	}
	if !entry.NeedsContent() && !entry.NeedsText() {
		return p, nil
	}

	now := e.now().UTC()
	contentID := ""
	if p.AssignedContentID != nil {
		contentID = *p.AssignedContentID
	}
	textID := ""
	if p.AssignedTextID != nil {
		textID = *p.AssignedTextID
	}

	if entry.NeedsContent() && contentID == "" {
		c, err := e.Repo.PickContentTx(ctx, tx, entry.ContentCategory)
		if err == repo.ErrNotFound {
			return p, fmt.Errorf("content category %s: %w", entry.ContentCategory, ErrNoCandidate)
		}
		if err != nil {
			return p, err
		}
		contentID = c.ID
	}
	if entry.NeedsText() && textID == "" {
		t, err := e.pickTextTx(ctx, tx, accountID, entry, now)
		if err != nil {
			return p, err
		}
		textID = t.ID
	}
	if err := e.Repo.AssignContentTx(ctx, tx, accountID, phase, contentID, textID, now); err != nil {
		return p, err
	}
	if contentID != "" {
		p.AssignedContentID = &contentID
	}
	if textID != "" {
		p.AssignedTextID = &textID
	}
	return p, nil
}

func (e Engine) pickTextTx(ctx context.Context, tx *sql.Tx, accountID string, entry catalog.Entry, now time.Time) (domain.TextItem, error) {
	switch entry.TextRule {
	case catalog.TextUnique:
		t, err := e.Repo.PickUnusedTextTx(ctx, tx, entry.TextCategory)
		if err == repo.ErrNotFound {
			return t, fmt.Errorf("text category %s exhausted: %w", entry.TextCategory, ErrNoCandidate)
		}
		return t, err
	case catalog.TextDerived:
		a, err := e.Repo.GetAccountTx(ctx, tx, accountID)
		if err != nil {
			return domain.TextItem{}, err
		}
		return e.ensureTextTx(ctx, tx, entry.TextCategory, strings.TrimSpace(a.ModelName), now)
	case catalog.TextFixed:
		return e.ensureTextTx(ctx, tx, entry.TextCategory, entry.FixedText, now)
	default:
		t, err := e.Repo.PickTextTx(ctx, tx, entry.TextCategory)
		if err == repo.ErrNotFound {
			return t, fmt.Errorf("text category %s: %w", entry.TextCategory, ErrNoCandidate)
		}
		return t, err
	}
}

// ensureTextTx finds an exact text in the category, inserting it when the
// pool does not have it yet.
func (e Engine) ensureTextTx(ctx context.Context, tx *sql.Tx, category, content string, now time.Time) (domain.TextItem, error) {
	if content == "" {
		return domain.TextItem{}, fmt.Errorf("text category %s: empty derived text: %w", category, ErrNoCandidate)
	}
	t, err := e.Repo.FindTextByContentTx(ctx, tx, category, content)
	if err == nil {
		return t, nil
	}
	if err != repo.ErrNotFound {
		return t, err
	}
	t = domain.TextItem{
		ID:         uuid.NewString(),
		Text:       content,
		Categories: []string{category},
		Status:     domain.PoolStatusActive,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertTextItemTx(ctx, tx, t); err != nil {
		return t, err
	}
	return t, nil
}
