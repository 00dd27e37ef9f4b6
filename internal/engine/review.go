package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/events"
)

// escalateTx opens a review entry for a phase unless one is already open.
func (e Engine) escalateTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, failureType domain.FailureType, message string, now time.Time) error {
	open, err := e.Repo.HasOpenReviewTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	rv := domain.ReviewEntry{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Phase:          phase,
		FailureType:    failureType,
		FailureMessage: message,
		Status:         domain.ReviewOpen,
		CreatedAt:      now,
	}
	if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "review.opened", "review", rv.ID, "",
		events.EventPayload{"account_id": accountID, "phase": string(phase), "failure_type": string(failureType)})
}

// ClaimReview assigns an open review entry to a reviewer.
func (e Engine) ClaimReview(ctx context.Context, reviewID, reviewer string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ClaimReviewTx(ctx, tx, reviewID, reviewer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("review %s is not open", reviewID)
	}
	if err := e.Events.Append(ctx, tx, "review.claimed", "review", reviewID, reviewer, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseReview puts a claimed review entry back in the open backlog.
func (e Engine) ReleaseReview(ctx context.Context, reviewID, reviewer string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ReleaseReviewTx(ctx, tx, reviewID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("review %s is not claimed", reviewID)
	}
	if err := e.Events.Append(ctx, tx, "review.released", "review", reviewID, reviewer, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveReview closes a review entry and applies the chosen resolution to
// the blocked phase.
func (e Engine) ResolveReview(ctx context.Context, reviewID string, method domain.ResolutionMethod, notes, resolvedBy string) error {
	if !method.Valid() {
		return fmt.Errorf("unknown resolution method %s", method)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rv, err := e.Repo.GetReviewTx(ctx, tx, reviewID)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	ok, err := e.Repo.ResolveReviewTx(ctx, tx, reviewID, method, notes, resolvedBy, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("review %s already resolved", reviewID)
	}

	switch method {
	case domain.ResolveRetry:
		if err := e.reopenPhaseTx(ctx, tx, rv.AccountID, rv.Phase, false, now); err != nil {
			return err
		}
	case domain.ResolveChangeContent:
		if err := e.reopenPhaseTx(ctx, tx, rv.AccountID, rv.Phase, true, now); err != nil {
			return err
		}
	case domain.ResolveManualCompletion:
		if err := e.manualCompleteTx(ctx, tx, rv.AccountID, rv.Phase, now); err != nil {
			return err
		}
	case domain.ResolveSkipPhase:
		if err := e.skipPhaseTx(ctx, tx, rv.AccountID, rv.Phase, now); err != nil {
			return err
		}
	case domain.ResolveResetAccount:
		if err := e.resetAccountTx(ctx, tx, rv.AccountID, now); err != nil {
			return err
		}
	case domain.ResolveEscalateSupport, domain.ResolveOther:
		// Entry is closed with notes; the phase stays blocked until a
		// later resolution reopens it.
	}

	if err := e.Events.Append(ctx, tx, "review.resolved", "review", reviewID, resolvedBy,
		events.EventPayload{"method": string(method), "account_id": rv.AccountID, "phase": string(rv.Phase)}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) reopenPhaseTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, clearAssignments bool, now time.Time) error {
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	if err := domain.EnsureTransition(p.Status, domain.StatusAvailable); err != nil {
		return err
	}
	if clearAssignments {
		if err := e.Repo.AssignContentTx(ctx, tx, accountID, phase, "", "", now); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE phases
SET status='available', available_at=?, bot_id=NULL, started_at=NULL, error_message=NULL, failure_type=NULL, attempts=0, updated_at=?
WHERE account_id=? AND phase=?`, fmtTime(now), fmtTime(now), accountID, phase)
	return err
}

func (e Engine) manualCompleteTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, now time.Time) error {
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	if err := domain.EnsureTransition(p.Status, domain.StatusCompleted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE phases
SET status='completed', completed_at=?, error_message=NULL, failure_type=NULL, updated_at=?
WHERE account_id=? AND phase=?`, fmtTime(now), fmtTime(now), accountID, phase); err != nil {
		return err
	}
	if phase == domain.PhaseUsername {
		if err := e.propagateUsernameTx(ctx, tx, accountID, p, now); err != nil {
			return err
		}
	}
	return e.afterTerminalTx(ctx, tx, accountID, phase, now)
}

func (e Engine) skipPhaseTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, now time.Time) error {
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	if err := domain.EnsureTransition(p.Status, domain.StatusSkipped); err != nil {
		return err
	}
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, accountID, phase, domain.StatusSkipped, now); err != nil {
		return err
	}
	return e.afterTerminalTx(ctx, tx, accountID, phase, now)
}

// resetAccountTx puts the whole pipeline back to its initial shape: manual
// setup done, first automated phase open, everything else pending with
// assignments and attempt counters cleared.
func (e Engine) resetAccountTx(ctx context.Context, tx *sql.Tx, accountID string, now time.Time) error {
	first, ok := e.Catalog.First()
	if !ok {
		return fmt.Errorf("catalog has no automated phase")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE phases
SET status='pending', available_at=NULL, started_at=NULL, completed_at=NULL, bot_id=NULL,
    assigned_content_id=NULL, assigned_text_id=NULL, error_message=NULL, failure_type=NULL, attempts=0, updated_at=?
WHERE account_id=?`, fmtTime(now), accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE phases SET status='completed', completed_at=? WHERE account_id=? AND phase=?`,
		fmtTime(now), accountID, domain.PhaseManualSetup); err != nil {
		return err
	}
	if err := e.Repo.MarkAvailableTx(ctx, tx, accountID, first.Phase, now, now); err != nil {
		return err
	}
	if err := e.Repo.SetAccountCooldownTx(ctx, tx, accountID, nil, now); err != nil {
		return err
	}
	return e.Repo.UpdateAccountLifecycleTx(ctx, tx, accountID, domain.LifecycleWarmup, now)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
