// Package scheduler runs the warmup queue: it polls for dispatchable
// phases, claims at most one at a time, hands it to the executor, and
// records the outcome. Multiple instances may poll the same database; the
// compare-and-set claim guarantees each phase is executed once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/catalog"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/engine"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/events"
)

// Request carries everything the executor needs to perform one phase.
type Request struct {
	AccountID       string
	Username        string
	ContainerNumber *int
	Phase           domain.Phase
	Script          string
	ContentLocation string
	Text            string
	FirstAutomation bool
}

// Result is the executor's verdict on one phase run.
type Result struct {
	Success     bool
	FailureType domain.FailureType
	Message     string
}

// Executor performs a dispatched phase on the device.
type Executor interface {
	ExecutePhase(ctx context.Context, req Request) (Result, error)
}

type Scheduler struct {
	Engine engine.Engine
	Exec   Executor
	BotID  string
	Logger *log.Logger
}

func New(e engine.Engine, exec Executor, botID string) *Scheduler {
	return &Scheduler{Engine: e, Exec: exec, BotID: botID}
}

func (s *Scheduler) logf(format string, args ...any) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// Run polls until the context is cancelled. The first cycle happens
// immediately so a restart resumes work without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Engine.Config.Queue.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logf("queue: cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one scheduling pass: recover stale work, enforce the
// single-flight gate, then try candidates in order until one dispatches.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	inFlight, err := s.Engine.Repo.CountInProgress(ctx)
	if err != nil {
		return err
	}
	if inFlight > 0 {
		return nil
	}

	now := s.Engine.Now().UTC()
	candidates, err := s.Engine.Repo.ListCandidates(ctx, now, s.Engine.Config.Queue.BatchSize)
	if err != nil {
		return err
	}
	for _, candidate := range candidates {
		dispatched, err := s.dispatch(ctx, candidate)
		if err != nil {
			return err
		}
		if dispatched {
			return nil
		}
	}
	return nil
}

// recover resets in_progress phases whose dispatch outlived the staleness
// window and frees expired slots, so a crashed worker never wedges the
// queue.
func (s *Scheduler) recover(ctx context.Context) error {
	now := s.Engine.Now().UTC()
	cutoff := now.Add(-s.Engine.Config.Queue.StalenessWindow)

	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	reset, err := s.Engine.Repo.RecoverStuck(ctx, tx, cutoff, now)
	if err != nil {
		return err
	}
	freed, err := s.Engine.Repo.ReleaseExpiredSlotsTx(ctx, tx, now)
	if err != nil {
		return err
	}
	if reset > 0 || freed > 0 {
		if err := s.Engine.Events.Append(ctx, tx, "queue.recovered", "queue", "", s.BotID,
			events.EventPayload{"phases_reset": reset, "slots_freed": freed}); err != nil {
			return err
		}
		s.logf("queue: recovered %d stale phases, freed %d slots", reset, freed)
	}
	return tx.Commit()
}

// dispatch attempts to claim and execute one candidate. A false return with
// no error means the candidate was not viable this cycle (lost race, pool
// exhausted, no free slot) and the next one may be tried.
func (s *Scheduler) dispatch(ctx context.Context, candidate domain.PhaseRecord) (bool, error) {
	entry, ok := s.Engine.Catalog.Lookup(candidate.Phase)
	if !ok {
		return false, fmt.Errorf("phase %s not in catalog", candidate.Phase)
	}

	resolved, err := s.Engine.ResolveAssignments(ctx, candidate.AccountID, candidate.Phase)
	if errors.Is(err, engine.ErrNoCandidate) {
		s.logf("queue: %s/%s waiting on pool supply: %v", candidate.AccountID, candidate.Phase, err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	claimed, err := s.claim(ctx, candidate)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	req, err := s.buildRequest(ctx, resolved, entry)
	if err == nil {
		err = s.execute(ctx, req)
	}
	if err != nil {
		// Executor plumbing failed before a verdict; record a retryable
		// bot failure so the phase is not stranded in_progress.
		return true, s.Engine.FailPhase(ctx, candidate.AccountID, candidate.Phase, s.BotID, domain.FailureBotError, err.Error())
	}
	return true, nil
}

// claim takes a slot and flips the phase to in_progress in one transaction.
// Either compare-and-set losing means another instance got there first.
func (s *Scheduler) claim(ctx context.Context, candidate domain.PhaseRecord) (bool, error) {
	now := s.Engine.Now().UTC()
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	got, err := s.Engine.Repo.AcquireSlotTx(ctx, tx, candidate.AccountID, candidate.Phase, now, now.Add(s.Engine.Config.Slots.TTL))
	if err != nil {
		return false, err
	}
	if !got {
		return false, nil
	}
	won, err := s.Engine.Repo.ClaimPhase(ctx, tx, candidate.AccountID, candidate.Phase, s.BotID, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	if err := s.Engine.Events.Append(ctx, tx, "phase.dispatched", "phase",
		candidate.AccountID+"/"+string(candidate.Phase), s.BotID, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) buildRequest(ctx context.Context, p domain.PhaseRecord, entry catalog.Entry) (Request, error) {
	a, err := s.Engine.Repo.GetAccount(ctx, p.AccountID)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		AccountID:       a.ID,
		Username:        a.Username,
		ContainerNumber: a.ContainerNumber,
		Phase:           p.Phase,
		Script:          entry.Script,
		FirstAutomation: isFirstAutomation(s.Engine.Catalog, p.Phase),
	}
	if p.AssignedContentID != nil {
		c, err := s.Engine.Repo.GetContentItem(ctx, *p.AssignedContentID)
		if err != nil {
			return Request{}, err
		}
		req.ContentLocation = c.Location
	}
	if p.AssignedTextID != nil {
		t, err := s.Engine.Repo.GetTextItem(ctx, *p.AssignedTextID)
		if err != nil {
			return Request{}, err
		}
		req.Text = t.Text
	}
	return req, nil
}

// isFirstAutomation reports whether this is the account's first scripted
// phase; the executor runs device onboarding only for that one.
func isFirstAutomation(c catalog.Catalog, phase domain.Phase) bool {
	first, ok := c.First()
	return ok && first.Phase == phase
}

// execute runs the phase and records the verdict.
func (s *Scheduler) execute(ctx context.Context, req Request) error {
	res, err := s.Exec.ExecutePhase(ctx, req)
	if err != nil {
		return err
	}
	if res.Success {
		return s.Engine.CompletePhase(ctx, req.AccountID, req.Phase, s.BotID)
	}
	failureType := res.FailureType
	if failureType == "" {
		failureType = domain.FailureBotError
	}
	return s.Engine.FailPhase(ctx, req.AccountID, req.Phase, s.BotID, failureType, res.Message)
}

// EnsureSlots seeds the slot table to the configured capacity. Called once
// at startup before the first cycle.
func (s *Scheduler) EnsureSlots(ctx context.Context) error {
	return s.Engine.Repo.EnsureSlotCapacity(ctx, s.Engine.Config.Slots.Capacity)
}

// QueueStatus summarizes the queue for operators.
type QueueStatus struct {
	Counts   map[string]int `json:"counts"`
	InFlight int            `json:"in_flight"`
	Slots    []domain.Slot  `json:"slots"`
}

func (s *Scheduler) Status(ctx context.Context) (QueueStatus, error) {
	counts, err := s.Engine.Repo.CountPhasesByStatus(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	slots, err := s.Engine.Repo.ListSlots(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Counts:   counts,
		InFlight: counts[string(domain.StatusInProgress)],
		Slots:    slots,
	}, nil
}
