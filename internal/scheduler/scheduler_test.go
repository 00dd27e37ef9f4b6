package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/config"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/db"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/engine"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/migrate"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/scheduler"
)

// fakeExecutor scripts per-phase verdicts and records what it was asked to run.
type fakeExecutor struct {
	calls   []scheduler.Request
	results map[domain.Phase]scheduler.Result
	err     error
}

func (f *fakeExecutor) ExecutePhase(ctx context.Context, req scheduler.Request) (scheduler.Result, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return scheduler.Result{}, f.err
	}
	if res, ok := f.results[req.Phase]; ok {
		return res, nil
	}
	return scheduler.Result{Success: true}, nil
}

type schedEnv struct {
	Engine engine.Engine
	Sched  *scheduler.Scheduler
	Exec   *fakeExecutor
	Ctx    context.Context
	now    time.Time
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("warmup-test"))
	env := &schedEnv{Ctx: context.Background(), now: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	eng.Rand = func() float64 { return 0 }
	env.Engine = eng
	env.Exec = &fakeExecutor{results: map[domain.Phase]scheduler.Result{}}
	env.Sched = scheduler.New(eng, env.Exec, "bot-1")
	if err := env.Sched.EnsureSlots(env.Ctx); err != nil {
		t.Fatalf("ensure slots: %v", err)
	}
	return env
}

func (env *schedEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *schedEnv) startAccount(t *testing.T, username, model string) domain.Account {
	t.Helper()
	container := 3
	a, err := env.Engine.ImportAccount(env.Ctx, username, model, &container, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := env.Engine.StartWarmup(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a
}

func (env *schedEnv) seedPools(t *testing.T) {
	t.Helper()
	texts := map[string]string{
		"bio":      "living my best life",
		"username": "Sunny",
		"caption":  "good times only",
	}
	for cat, txt := range texts {
		if _, err := env.Engine.AddText(env.Ctx, txt, []string{cat}, "", "tester"); err != nil {
			t.Fatalf("seed text %s: %v", cat, err)
		}
	}
	for cat, loc := range map[string]string{
		"pfp":       "media/pfp-001.jpg",
		"highlight": "media/highlight-001.jpg",
		"post":      "media/post-001.jpg",
		"story":     "media/story-001.jpg",
	} {
		if _, err := env.Engine.AddContent(env.Ctx, loc, []string{cat}, "tester"); err != nil {
			t.Fatalf("seed content %s: %v", cat, err)
		}
	}
}

func TestCycleDispatchesAndCompletes(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(env.Exec.calls))
	}
	req := env.Exec.calls[0]
	if req.Phase != domain.PhaseBio || req.Script != "bio.lua" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !req.FirstAutomation {
		t.Fatalf("bio should be the first automation")
	}
	if req.Text != "living my best life" {
		t.Fatalf("request text %q", req.Text)
	}
	if req.ContainerNumber == nil || *req.ContainerNumber != 3 {
		t.Fatalf("request container %v, want 3", req.ContainerNumber)
	}

	p, err := env.Engine.Repo.GetPhase(env.Ctx, a.ID, domain.PhaseBio)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("bio status %s, want completed", p.Status)
	}
	// slot was released on completion
	st, err := env.Sched.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.InFlight != 0 {
		t.Fatalf("in flight %d", st.InFlight)
	}
	for _, s := range st.Slots {
		if s.HolderAccountID != nil {
			t.Fatalf("slot still held: %+v", s)
		}
	}
}

func TestSingleFlightGate(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	env.startAccount(t, "rosa.dew", "Rosa")

	// Another instance already has a dispatch in flight.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.ClaimPhase(env.Ctx, tx, a.ID, domain.PhaseBio, "bot-2", env.now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 0 {
		t.Fatalf("expected no executions while another dispatch is in flight, got %d", len(env.Exec.calls))
	}
}

func TestStaleDispatchIsRecovered(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.ClaimPhase(env.Ctx, tx, a.ID, domain.PhaseBio, "bot-2", env.now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Crash: the dispatch never reports back. Past the staleness window the
	// phase returns to available without burning a retry, and this instance
	// picks it up.
	env.advance(11 * time.Minute)
	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 1 {
		t.Fatalf("expected recovered phase to dispatch, got %d calls", len(env.Exec.calls))
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, a.ID, domain.PhaseBio)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("status %s, want completed after redispatch", p.Status)
	}
	if p.Attempts != 0 {
		t.Fatalf("recovery consumed a retry: attempts %d", p.Attempts)
	}
}

func TestPoolExhaustionSkipsCandidate(t *testing.T) {
	env := newSchedEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	// No bio texts seeded: the candidate is skipped without an error and
	// stays available for a later cycle.
	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 0 {
		t.Fatalf("expected no executions, got %d", len(env.Exec.calls))
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, a.ID, domain.PhaseBio)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusAvailable {
		t.Fatalf("status %s, want available", p.Status)
	}
}

func TestAccountWithoutContainerIsHeldBack(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a, err := env.Engine.ImportAccount(env.Ctx, "wanda.lane", "Wanda", nil, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := env.Engine.StartWarmup(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 0 {
		t.Fatalf("expected no executions without a container, got %d", len(env.Exec.calls))
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, a.ID, domain.PhaseBio)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusAvailable {
		t.Fatalf("bio status %s, want available", p.Status)
	}

	if err := env.Engine.AssignContainer(env.Ctx, a.ID, 7, "tester"); err != nil {
		t.Fatalf("assign container: %v", err)
	}
	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(env.Exec.calls) != 1 {
		t.Fatalf("expected one execution after container assignment, got %d", len(env.Exec.calls))
	}
	if c := env.Exec.calls[0].ContainerNumber; c == nil || *c != 7 {
		t.Fatalf("request container %v, want 7", c)
	}
}

func TestExecutorFailureEscalates(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	env.Exec.results[domain.PhaseBio] = scheduler.Result{
		FailureType: domain.FailureCaptcha,
		Message:     "captcha shown",
	}

	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	p, err := env.Engine.Repo.GetPhase(env.Ctx, a.ID, domain.PhaseBio)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusRequiresReview {
		t.Fatalf("status %s, want requires_review", p.Status)
	}
}

func TestCooldownHoldsBackDispatch(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(env.Exec.calls) != 1 {
		t.Fatalf("first cycle calls %d", len(env.Exec.calls))
	}
	// gender is promoted but sits behind the account cooldown
	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(env.Exec.calls) != 1 {
		t.Fatalf("dispatched during cooldown: %d calls", len(env.Exec.calls))
	}
	env.advance(16 * time.Hour)
	if err := env.Sched.RunCycle(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if len(env.Exec.calls) != 2 {
		t.Fatalf("expected dispatch after cooldown, got %d calls", len(env.Exec.calls))
	}
	if env.Exec.calls[1].Phase != domain.PhaseGender {
		t.Fatalf("second dispatch %s, want gender", env.Exec.calls[1].Phase)
	}
	if env.Exec.calls[1].FirstAutomation {
		t.Fatalf("gender must not run onboarding")
	}
	_ = a
}

func TestSchedulerDrivesWarmupToActive(t *testing.T) {
	env := newSchedEnv(t)
	env.seedPools(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	for i := 0; i < 40; i++ {
		if err := env.Sched.RunCycle(env.Ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
		if err != nil {
			t.Fatal(err)
		}
		if acct.LifecycleState == domain.LifecycleActive {
			break
		}
		env.advance(25 * time.Hour)
	}

	acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acct.LifecycleState != domain.LifecycleActive {
		t.Fatalf("lifecycle %s after scheduler run, want active", acct.LifecycleState)
	}
	if acct.Username != "Sunnyyy" {
		t.Fatalf("username %q, want propagated handle", acct.Username)
	}

	var scripts []string
	for _, c := range env.Exec.calls {
		scripts = append(scripts, c.Script)
	}
	want := []string{
		"bio.lua", "gender.lua", "name.lua", "username.lua", "change_pfp.lua",
		"upload_first_highlight.lua", "upload_new_highlight.lua",
		"upload_post_with_caption.lua", "upload_post_no_caption.lua",
		"upload_story_with_caption.lua", "upload_story_no_caption.lua",
		"set_account_private.lua",
	}
	if len(scripts) != len(want) {
		t.Fatalf("executed %d scripts, want %d: %v", len(scripts), len(want), scripts)
	}
	for i := range want {
		if scripts[i] != want[i] {
			t.Fatalf("script %d = %s, want %s", i, scripts[i], want[i])
		}
	}
}
