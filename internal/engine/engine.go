// Package engine implements the warmup lifecycle operations: account
// import, pipeline initialization, phase completion and failure handling,
// and review escalation. Every mutation runs in a single transaction with
// its audit event so concurrent schedulers observe consistent state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/catalog"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/config"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/events"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Catalog catalog.Catalog
	Now     func() time.Time
	Rand    func() float64
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Catalog: catalog.Default(),
		Now:     time.Now,
		Rand:    rand.Float64,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rand() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

// cooldown returns a random duration within the configured cooldown window.
func (e Engine) cooldown() time.Duration {
	min := time.Duration(e.Config.Queue.CooldownMinHours) * time.Hour
	max := time.Duration(e.Config.Queue.CooldownMaxHours) * time.Hour
	if max <= min {
		return min
	}
	return min + time.Duration(e.rand()*float64(max-min))
}

// ImportAccount registers an account in the imported lifecycle state. No
// phase rows exist until warmup starts.
func (e Engine) ImportAccount(ctx context.Context, username, modelName string, container *int, actorID string) (domain.Account, error) {
	if username == "" {
		return domain.Account{}, errors.New("username is required")
	}
	if modelName == "" {
		return domain.Account{}, errors.New("model name is required")
	}
	// Lookup is case-insensitive via the username collation; the unique
	// index backstops concurrent imports.
	if existing, err := e.Repo.GetAccountByUsername(ctx, username); err == nil {
		return domain.Account{}, fmt.Errorf("username %q is already taken by account %s", username, existing.ID)
	} else if err != repo.ErrNotFound {
		return domain.Account{}, err
	}
	now := e.now().UTC()
	a := domain.Account{
		ID:              uuid.NewString(),
		Username:        username,
		ModelName:       modelName,
		LifecycleState:  domain.LifecycleImported,
		ContainerNumber: container,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAccountTx(ctx, tx, a); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "account.imported", "account", a.ID, actorID, events.EventPayload{"username": username, "model": modelName}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// AssignContainer binds an account to an automation container. Accounts
// without a container are never picked up by the scheduler.
func (e Engine) AssignContainer(ctx context.Context, accountID string, container int, actorID string) error {
	if container <= 0 {
		return fmt.Errorf("invalid container number %d", container)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	if err := e.Repo.UpdateAccountContainerTx(ctx, tx, accountID, container, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "account.container_assigned", "account", accountID, actorID, events.EventPayload{"container": container}); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkAccountReady moves an imported account to ready_for_bot_assignment.
func (e Engine) MarkAccountReady(ctx context.Context, accountID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if a.LifecycleState != domain.LifecycleImported {
		return fmt.Errorf("account %s is %s, expected %s", accountID, a.LifecycleState, domain.LifecycleImported)
	}
	now := e.now().UTC()
	if err := e.Repo.UpdateAccountLifecycleTx(ctx, tx, accountID, domain.LifecycleReadyForBot, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "account.ready", "account", accountID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// StartWarmup initializes the phase pipeline for an account. The manual
// setup phase is recorded as already done; the first automated phase opens
// immediately and everything downstream starts pending.
func (e Engine) StartWarmup(ctx context.Context, accountID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAccountTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	switch a.LifecycleState {
	case domain.LifecycleImported, domain.LifecycleReadyForBot:
	default:
		return fmt.Errorf("account %s is %s, cannot start warmup", accountID, a.LifecycleState)
	}

	now := e.now().UTC()
	first, ok := e.Catalog.First()
	if !ok {
		return errors.New("catalog has no automated phase")
	}
	for _, entry := range e.Catalog.Entries {
		p := domain.PhaseRecord{
			AccountID:  accountID,
			Phase:      entry.Phase,
			PhaseOrder: entry.Order,
			Status:     domain.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		switch entry.Phase {
		case domain.PhaseManualSetup:
			p.Status = domain.StatusCompleted
			p.CompletedAt = &now
		case first.Phase:
			p.Status = domain.StatusAvailable
			p.AvailableAt = &now
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert phase %s: %w", entry.Phase, err)
		}
	}
	if err := e.Repo.UpdateAccountLifecycleTx(ctx, tx, accountID, domain.LifecycleWarmup, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "warmup.started", "account", accountID, actorID, events.EventPayload{"first_phase": string(first.Phase)}); err != nil {
		return err
	}
	return tx.Commit()
}

// CompletePhase records a successful execution for a dispatched phase. The
// update is guarded on the executing bot so a superseded worker cannot
// complete a phase it lost.
func (e Engine) CompletePhase(ctx context.Context, accountID string, phase domain.Phase, botID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.completePhaseTx(ctx, tx, accountID, phase, botID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) completePhaseTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, botID string) error {
	now := e.now().UTC()
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	if err := domain.EnsureTransition(p.Status, domain.StatusCompleted); err != nil {
		return err
	}
	ok, err := e.Repo.CompletePhase(ctx, tx, accountID, phase, botID, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("phase %s/%s not in progress for bot %s", accountID, phase, botID)
	}
	if err := e.Repo.ReleaseSlotTx(ctx, tx, accountID, phase); err != nil {
		return err
	}
	if phase == domain.PhaseUsername {
		if err := e.propagateUsernameTx(ctx, tx, accountID, p, now); err != nil {
			return err
		}
	}
	if err := e.afterTerminalTx(ctx, tx, accountID, phase, now); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "phase.completed", "phase", accountID+"/"+string(phase), botID, nil)
}

// propagateUsernameTx pushes the assigned username text onto the account,
// with the lowercased last letter appended twice to keep handles distinct
// from the raw pool text.
func (e Engine) propagateUsernameTx(ctx context.Context, tx *sql.Tx, accountID string, p domain.PhaseRecord, now time.Time) error {
	if p.AssignedTextID == nil {
		return nil
	}
	var text string
	err := tx.QueryRowContext(ctx, `SELECT content FROM text_items WHERE id=?`, *p.AssignedTextID).Scan(&text)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	last := strings.ToLower(text[len(text)-1:])
	return e.Repo.UpdateAccountUsernameTx(ctx, tx, accountID, text+last+last, now)
}

// afterTerminalTx runs the shared progression logic once a phase reaches a
// terminal status: apply the account cooldown, open the next phase, and
// finish warmup when every required phase is done.
func (e Engine) afterTerminalTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, now time.Time) error {
	until := now.Add(e.cooldown())
	if err := e.Repo.SetAccountCooldownTx(ctx, tx, accountID, &until, now); err != nil {
		return err
	}
	if next, ok := e.Catalog.Next(phase); ok {
		np, err := e.Repo.GetPhaseTx(ctx, tx, accountID, next.Phase)
		if err != nil && err != repo.ErrNotFound {
			return err
		}
		if err == nil && np.Status == domain.StatusPending {
			if err := e.Repo.MarkAvailableTx(ctx, tx, accountID, next.Phase, until, now); err != nil {
				return err
			}
		}
	}
	complete, err := e.isWarmupCompleteTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if complete {
		if err := e.Repo.UpdateAccountLifecycleTx(ctx, tx, accountID, domain.LifecycleActive, now); err != nil {
			return err
		}
		if err := e.Repo.SetAccountCooldownTx(ctx, tx, accountID, nil, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "warmup.completed", "account", accountID, "", nil); err != nil {
			return err
		}
	}
	return nil
}

// FailPhase records a failed execution. Retryable failures under the retry
// ceiling return the phase to available after a delay; everything else
// escalates to manual review.
func (e Engine) FailPhase(ctx context.Context, accountID string, phase domain.Phase, botID string, failureType domain.FailureType, message string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.failPhaseTx(ctx, tx, accountID, phase, botID, failureType, message); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) failPhaseTx(ctx context.Context, tx *sql.Tx, accountID string, phase domain.Phase, botID string, failureType domain.FailureType, message string) error {
	now := e.now().UTC()
	p, err := e.Repo.GetPhaseTx(ctx, tx, accountID, phase)
	if err != nil {
		return err
	}
	attempts := p.Attempts + 1
	retry := failureType.Retryable() && attempts < e.Config.Queue.MaxRetries

	status := domain.StatusRequiresReview
	var availableAt *time.Time
	if retry {
		status = domain.StatusAvailable
		at := now.Add(e.Config.Queue.RetryDelay)
		availableAt = &at
	}
	ok, err := e.Repo.FailPhase(ctx, tx, accountID, phase, botID, status, failureType, message, availableAt, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("phase %s/%s not in progress for bot %s", accountID, phase, botID)
	}
	if err := e.Repo.ReleaseSlotTx(ctx, tx, accountID, phase); err != nil {
		return err
	}
	if status == domain.StatusRequiresReview {
		if err := e.escalateTx(ctx, tx, accountID, phase, failureType, message, now); err != nil {
			return err
		}
	}
	return e.Events.Append(ctx, tx, "phase.failed", "phase", accountID+"/"+string(phase), botID,
		events.EventPayload{"failure_type": string(failureType), "attempts": attempts, "retry": retry})
}
