package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/config"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/db"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/engine"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/migrate"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
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
	cfg := config.Default("warmup-test")
	eng := engine.New(conn, cfg)
	env := &testEnv{Ctx: context.Background(), now: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	eng.Rand = func() float64 { return 0 }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

// startAccount imports an account with a container and initializes its
// pipeline.
func (env *testEnv) startAccount(t *testing.T, username, model string) domain.Account {
	t.Helper()
	container := 1
	a, err := env.Engine.ImportAccount(env.Ctx, username, model, &container, "tester")
	if err != nil {
		t.Fatalf("import %s: %v", username, err)
	}
	if err := env.Engine.MarkAccountReady(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("ready %s: %v", username, err)
	}
	if err := env.Engine.StartWarmup(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("start warmup %s: %v", username, err)
	}
	return a
}

// claimPhase flips a phase to in_progress the way a dispatching bot would.
func (env *testEnv) claimPhase(t *testing.T, accountID string, phase domain.Phase, botID string) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	ok, err := env.Engine.Repo.ClaimPhase(env.Ctx, tx, accountID, phase, botID, env.now)
	if err != nil {
		t.Fatalf("claim %s: %v", phase, err)
	}
	if !ok {
		t.Fatalf("claim %s: phase not available", phase)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit claim: %v", err)
	}
}

func (env *testEnv) makeAvailable(t *testing.T, accountID string, phase domain.Phase) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.MarkAvailableTx(env.Ctx, tx, accountID, phase, env.now, env.now); err != nil {
		t.Fatalf("mark available: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env *testEnv) mustPhase(t *testing.T, accountID string, phase domain.Phase) domain.PhaseRecord {
	t.Helper()
	p, err := env.Engine.Repo.GetPhase(env.Ctx, accountID, phase)
	if err != nil {
		t.Fatalf("get phase %s: %v", phase, err)
	}
	return p
}

func TestStartWarmupShapesPipeline(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	phases, err := env.Engine.Repo.ListPhases(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	if len(phases) != len(env.Engine.Catalog.Entries) {
		t.Fatalf("expected %d phases, got %d", len(env.Engine.Catalog.Entries), len(phases))
	}
	for _, p := range phases {
		want := domain.StatusPending
		switch p.Phase {
		case domain.PhaseManualSetup:
			want = domain.StatusCompleted
		case domain.PhaseBio:
			want = domain.StatusAvailable
		}
		if p.Status != want {
			t.Errorf("phase %s status %s, want %s", p.Phase, p.Status, want)
		}
	}

	got, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.LifecycleState != domain.LifecycleWarmup {
		t.Fatalf("lifecycle %s, want warmup", got.LifecycleState)
	}
	// starting twice must fail
	if err := env.Engine.StartWarmup(env.Ctx, a.ID, "tester"); err == nil {
		t.Fatalf("expected error starting warmup twice")
	}
}

func TestCompletePhaseOpensNextAfterCooldown(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	if _, err := env.Engine.AddText(env.Ctx, "living my best life", []string{"bio"}, "", "tester"); err != nil {
		t.Fatalf("seed bio text: %v", err)
	}

	if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, domain.PhaseBio); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env.claimPhase(t, a.ID, domain.PhaseBio, "bot-1")
	if err := env.Engine.CompletePhase(env.Ctx, a.ID, domain.PhaseBio, "bot-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	bio := env.mustPhase(t, a.ID, domain.PhaseBio)
	if bio.Status != domain.StatusCompleted {
		t.Fatalf("bio status %s", bio.Status)
	}

	// Rand is pinned to 0, so the cooldown is exactly the configured minimum.
	wantAt := env.now.Add(15 * time.Hour)
	gender := env.mustPhase(t, a.ID, domain.PhaseGender)
	if gender.Status != domain.StatusAvailable {
		t.Fatalf("gender status %s, want available", gender.Status)
	}
	if gender.AvailableAt == nil || !gender.AvailableAt.Equal(wantAt) {
		t.Fatalf("gender available_at %v, want %v", gender.AvailableAt, wantAt)
	}
	acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acct.CooldownUntil == nil || !acct.CooldownUntil.Equal(wantAt) {
		t.Fatalf("cooldown_until %v, want %v", acct.CooldownUntil, wantAt)
	}
}

func TestCompletePhaseGuardedByBot(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	if _, err := env.Engine.AddText(env.Ctx, "hi there", []string{"bio"}, "", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, domain.PhaseBio); err != nil {
		t.Fatal(err)
	}
	env.claimPhase(t, a.ID, domain.PhaseBio, "bot-1")
	if err := env.Engine.CompletePhase(env.Ctx, a.ID, domain.PhaseBio, "bot-2"); err == nil {
		t.Fatalf("expected completion by wrong bot to fail")
	}
	if p := env.mustPhase(t, a.ID, domain.PhaseBio); p.Status != domain.StatusInProgress {
		t.Fatalf("status %s, want in_progress", p.Status)
	}
}

func TestUsernameCompletionRenamesAccount(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	if _, err := env.Engine.AddText(env.Ctx, "Sunny", []string{"username"}, "", "tester"); err != nil {
		t.Fatal(err)
	}
	env.makeAvailable(t, a.ID, domain.PhaseUsername)
	if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, domain.PhaseUsername); err != nil {
		t.Fatalf("resolve username: %v", err)
	}
	env.claimPhase(t, a.ID, domain.PhaseUsername, "bot-1")
	if err := env.Engine.CompletePhase(env.Ctx, a.ID, domain.PhaseUsername, "bot-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Username != "Sunnyyy" {
		t.Fatalf("username %q, want Sunnyyy", acct.Username)
	}
}

func TestRetryableFailureBacksOffThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	if _, err := env.Engine.AddText(env.Ctx, "hello", []string{"bio"}, "", "tester"); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		env.claimPhase(t, a.ID, domain.PhaseBio, "bot-1")
		if err := env.Engine.FailPhase(env.Ctx, a.ID, domain.PhaseBio, "bot-1", domain.FailureBotError, "tap missed"); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		p := env.mustPhase(t, a.ID, domain.PhaseBio)
		if p.Status != domain.StatusAvailable {
			t.Fatalf("attempt %d: status %s, want available", attempt, p.Status)
		}
		if p.Attempts != attempt {
			t.Fatalf("attempt %d: attempts %d", attempt, p.Attempts)
		}
		wantAt := env.now.Add(15 * time.Minute)
		if p.AvailableAt == nil || !p.AvailableAt.Equal(wantAt) {
			t.Fatalf("attempt %d: available_at %v, want %v", attempt, p.AvailableAt, wantAt)
		}
	}

	// Third failure hits the retry ceiling.
	env.claimPhase(t, a.ID, domain.PhaseBio, "bot-1")
	if err := env.Engine.FailPhase(env.Ctx, a.ID, domain.PhaseBio, "bot-1", domain.FailureBotError, "tap missed"); err != nil {
		t.Fatalf("third fail: %v", err)
	}
	p := env.mustPhase(t, a.ID, domain.PhaseBio)
	if p.Status != domain.StatusRequiresReview {
		t.Fatalf("status %s, want requires_review", p.Status)
	}
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, repo.ReviewFilters{AccountID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].Status != domain.ReviewOpen {
		t.Fatalf("expected one open review, got %+v", reviews)
	}
}

func TestNonRetryableFailureEscalatesImmediately(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	env.claimPhase(t, a.ID, domain.PhaseBio, "bot-1")
	if err := env.Engine.FailPhase(env.Ctx, a.ID, domain.PhaseBio, "bot-1", domain.FailureCaptcha, "captcha shown"); err != nil {
		t.Fatal(err)
	}
	p := env.mustPhase(t, a.ID, domain.PhaseBio)
	if p.Status != domain.StatusRequiresReview {
		t.Fatalf("status %s, want requires_review", p.Status)
	}
	if p.Attempts != 1 {
		t.Fatalf("attempts %d, want 1", p.Attempts)
	}
	reviews, err := env.Engine.Repo.ListReviews(env.Ctx, repo.ReviewFilters{AccountID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != 1 || reviews[0].FailureType != domain.FailureCaptcha {
		t.Fatalf("unexpected reviews %+v", reviews)
	}

	// The whole account is held out of the queue while review is pending.
	candidates, err := env.Engine.Repo.ListCandidates(env.Ctx, env.now.Add(48*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(candidates))
	}
}

func TestFullWarmupReachesActive(t *testing.T) {
	env := newTestEnv(t)
	seedPools(t, env)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	for _, entry := range env.Engine.Catalog.Entries {
		if entry.Script == "" {
			continue
		}
		if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, entry.Phase); err != nil {
			t.Fatalf("resolve %s: %v", entry.Phase, err)
		}
		env.claimPhase(t, a.ID, entry.Phase, "bot-1")
		if err := env.Engine.CompletePhase(env.Ctx, a.ID, entry.Phase, "bot-1"); err != nil {
			t.Fatalf("complete %s: %v", entry.Phase, err)
		}
		env.advance(16 * time.Hour)
	}

	acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acct.LifecycleState != domain.LifecycleActive {
		t.Fatalf("lifecycle %s, want active", acct.LifecycleState)
	}
	if acct.CooldownUntil != nil {
		t.Fatalf("cooldown_until should be cleared, got %v", acct.CooldownUntil)
	}

	s, err := env.Engine.WarmupStatus(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsComplete {
		t.Fatalf("summary not complete: %+v", s)
	}
	if s.ProgressPercent != 100 {
		t.Fatalf("progress %.1f, want 100", s.ProgressPercent)
	}
}

func TestCandidateOrderingPrefersEarlierPhases(t *testing.T) {
	env := newTestEnv(t)
	a := env.startAccount(t, "wanda.lane", "Wanda")
	b := env.startAccount(t, "sunny.ray", "Sunny")
	// both bios and one gender share the same available_at
	env.makeAvailable(t, a.ID, domain.PhaseGender)

	candidates, err := env.Engine.Repo.ListCandidates(env.Ctx, env.now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 3 {
		t.Fatalf("candidates %d, want 3", len(candidates))
	}
	if candidates[0].Phase != domain.PhaseBio || candidates[1].Phase != domain.PhaseBio {
		t.Fatalf("bios should outrank gender on equal available_at: %s, %s", candidates[0].Phase, candidates[1].Phase)
	}
	bios := map[string]bool{candidates[0].AccountID: true, candidates[1].AccountID: true}
	if !bios[a.ID] || !bios[b.ID] {
		t.Fatalf("expected one bio per account, got %v", bios)
	}
	if candidates[2].Phase != domain.PhaseGender || candidates[2].AccountID != a.ID {
		t.Fatalf("expected %s gender last, got %s/%s", a.ID, candidates[2].AccountID, candidates[2].Phase)
	}
}

func TestImportRejectsCaseVariantUsername(t *testing.T) {
	env := newTestEnv(t)
	container := 1
	if _, err := env.Engine.ImportAccount(env.Ctx, "Wanda.Lane", "Wanda", &container, "tester"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, err := env.Engine.ImportAccount(env.Ctx, "wanda.lane", "Wanda", &container, "tester"); err == nil {
		t.Fatalf("expected case-variant username to be rejected")
	}
	if _, err := env.Engine.ImportAccount(env.Ctx, "WANDA.LANE", "Wanda", &container, "tester"); err == nil {
		t.Fatalf("expected uppercase variant to be rejected")
	}
	if _, err := env.Engine.ImportAccount(env.Ctx, "wanda.lane2", "Wanda", &container, "tester"); err != nil {
		t.Fatalf("distinct username rejected: %v", err)
	}
}

func TestBlockedHighlightsDoNotHoldUpCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedPools(t, env)
	a := env.startAccount(t, "wanda.lane", "Wanda")

	failAndReview := func(phase domain.Phase) domain.ReviewEntry {
		t.Helper()
		env.claimPhase(t, a.ID, phase, "bot-1")
		if err := env.Engine.FailPhase(env.Ctx, a.ID, phase, "bot-1", domain.FailureCaptcha, "captcha shown"); err != nil {
			t.Fatalf("fail %s: %v", phase, err)
		}
		reviews, err := env.Engine.Repo.ListReviews(env.Ctx, repo.ReviewFilters{AccountID: a.ID, Status: domain.ReviewOpen})
		if err != nil {
			t.Fatal(err)
		}
		if len(reviews) != 1 {
			t.Fatalf("expected one open review for %s, got %d", phase, len(reviews))
		}
		return reviews[0]
	}

	for _, entry := range env.Engine.Catalog.Entries {
		if entry.Script == "" {
			continue
		}
		switch entry.Phase {
		case domain.PhaseFirstHighlight:
			// skipped by an operator after a blocking failure
			rv := failAndReview(entry.Phase)
			if err := env.Engine.ResolveReview(env.Ctx, rv.ID, domain.ResolveSkipPhase, "device cannot pin highlights", "sandra"); err != nil {
				t.Fatalf("skip: %v", err)
			}
		case domain.PhaseNewHighlight:
			// escalated to support and left blocked
			if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, entry.Phase); err != nil {
				t.Fatalf("resolve %s: %v", entry.Phase, err)
			}
			rv := failAndReview(entry.Phase)
			if err := env.Engine.ResolveReview(env.Ctx, rv.ID, domain.ResolveEscalateSupport, "vendor ticket 4411", "sandra"); err != nil {
				t.Fatalf("escalate: %v", err)
			}
			env.makeAvailable(t, a.ID, domain.PhasePostCaption)
		default:
			if _, err := env.Engine.ResolveAssignments(env.Ctx, a.ID, entry.Phase); err != nil {
				t.Fatalf("resolve %s: %v", entry.Phase, err)
			}
			env.claimPhase(t, a.ID, entry.Phase, "bot-1")
			if err := env.Engine.CompletePhase(env.Ctx, a.ID, entry.Phase, "bot-1"); err != nil {
				t.Fatalf("complete %s: %v", entry.Phase, err)
			}
		}
		env.advance(16 * time.Hour)
	}

	acct, err := env.Engine.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if acct.LifecycleState != domain.LifecycleActive {
		t.Fatalf("lifecycle %s, want active", acct.LifecycleState)
	}

	s, err := env.Engine.WarmupStatus(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsComplete {
		t.Fatalf("summary should be complete with only highlights unfinished: %+v", s)
	}
	if s.FailedPhases != 1 {
		t.Fatalf("failed phases %d, want the escalated highlight only", s.FailedPhases)
	}
	if s.ProgressPercent >= 100 {
		t.Fatalf("progress %.1f should stay below 100 with a blocked phase", s.ProgressPercent)
	}
	blocked := env.mustPhase(t, a.ID, domain.PhaseNewHighlight)
	if blocked.Status != domain.StatusRequiresReview {
		t.Fatalf("new_highlight status %s, want requires_review", blocked.Status)
	}
	skipped := env.mustPhase(t, a.ID, domain.PhaseFirstHighlight)
	if skipped.Status != domain.StatusSkipped {
		t.Fatalf("first_highlight status %s, want skipped", skipped.Status)
	}
}

func seedPools(t *testing.T, env *testEnv) {
	t.Helper()
	texts := map[string][]string{
		"bio":                  {"living my best life"},
		"username":             {"Sunny"},
		"caption":              {"good times only"},
		"highlight_group_name": {"Me"},
	}
	for cat, items := range texts {
		for _, txt := range items {
			if _, err := env.Engine.AddText(env.Ctx, txt, []string{cat}, "", "tester"); err != nil {
				t.Fatalf("seed text %s/%s: %v", cat, txt, err)
			}
		}
	}
	content := map[string][]string{
		"pfp":       {"media/pfp-001.jpg"},
		"highlight": {"media/highlight-001.jpg"},
		"post":      {"media/post-001.jpg"},
		"story":     {"media/story-001.jpg"},
	}
	for cat, items := range content {
		for _, loc := range items {
			if _, err := env.Engine.AddContent(env.Ctx, loc, []string{cat}, "tester"); err != nil {
				t.Fatalf("seed content %s/%s: %v", cat, loc, err)
			}
		}
	}
}
