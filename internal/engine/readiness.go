package engine

import (
	"context"
	"database/sql"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
)

// isWarmupCompleteTx reports whether every required phase has reached a
// terminal status. Optional phases never block completion.
func (e Engine) isWarmupCompleteTx(ctx context.Context, tx *sql.Tx, accountID string) (bool, error) {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, accountID)
	if err != nil {
		return false, err
	}
	byPhase := map[domain.Phase]domain.PhaseRecord{}
	for _, p := range phases {
		byPhase[p.Phase] = p
	}
	for _, required := range e.Catalog.Required() {
		p, ok := byPhase[required]
		if !ok {
			return false, nil
		}
		if !p.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// IsWarmupComplete is the out-of-transaction variant used by status views.
func (e Engine) IsWarmupComplete(ctx context.Context, accountID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return e.isWarmupCompleteTx(ctx, tx, accountID)
}

// WarmupStatus builds the per-account progress summary.
func (e Engine) WarmupStatus(ctx context.Context, accountID string) (domain.WarmupSummary, error) {
	a, err := e.Repo.GetAccount(ctx, accountID)
	if err != nil {
		return domain.WarmupSummary{}, err
	}
	phases, err := e.Repo.ListPhases(ctx, accountID)
	if err != nil {
		return domain.WarmupSummary{}, err
	}
	s := domain.WarmupSummary{
		AccountID:      a.ID,
		Username:       a.Username,
		LifecycleState: a.LifecycleState,
		TotalPhases:    len(phases),
		Phases:         phases,
	}
	byPhase := map[domain.Phase]domain.PhaseRecord{}
	for _, p := range phases {
		byPhase[p.Phase] = p
		switch p.Status {
		case domain.StatusCompleted, domain.StatusSkipped:
			s.CompletedPhases++
		case domain.StatusAvailable:
			s.AvailablePhases++
		case domain.StatusFailed, domain.StatusRequiresReview:
			s.FailedPhases++
		}
	}
	if s.TotalPhases > 0 {
		s.ProgressPercent = float64(s.CompletedPhases) / float64(s.TotalPhases) * 100
	}
	s.IsComplete = len(phases) > 0
	for _, required := range e.Catalog.Required() {
		p, ok := byPhase[required]
		if !ok || !p.Status.Terminal() {
			s.IsComplete = false
			break
		}
	}
	return s, nil
}
