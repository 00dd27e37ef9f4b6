package domain

import (
	"fmt"
	"time"
)

// LifecycleState is the coarse account state, independent of phase detail.
type LifecycleState string

const (
	LifecycleImported    LifecycleState = "imported"
	LifecycleReadyForBot LifecycleState = "ready_for_bot_assignment"
	LifecycleWarmup      LifecycleState = "warmup"
	LifecycleActive      LifecycleState = "active"
	LifecycleArchived    LifecycleState = "archived"
	LifecycleCleanup     LifecycleState = "cleanup"
)

// Terminal reports whether the warmup subsystem may still touch the account.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleArchived || s == LifecycleCleanup
}

type Account struct {
	ID              string         `json:"id"`
	Username        string         `json:"username"`
	ModelName       string         `json:"model_name,omitempty"`
	LifecycleState  LifecycleState `json:"lifecycle_state" enum:"imported,ready_for_bot_assignment,warmup,active,archived,cleanup"`
	ContainerNumber *int           `json:"container_number,omitempty"`
	CooldownUntil   *time.Time     `json:"cooldown_until,omitempty" format:"date-time"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
}

// Phase is one discrete behavioral step in an account's warmup sequence.
type Phase string

const (
	PhaseManualSetup    Phase = "manual_setup"
	PhaseBio            Phase = "bio"
	PhaseGender         Phase = "gender"
	PhaseName           Phase = "name"
	PhaseUsername       Phase = "username"
	PhaseProfilePicture Phase = "profile_picture"
	PhaseFirstHighlight Phase = "first_highlight"
	PhaseNewHighlight   Phase = "new_highlight"
	PhasePostCaption    Phase = "post_caption"
	PhasePostNoCaption  Phase = "post_no_caption"
	PhaseStoryCaption   Phase = "story_caption"
	PhaseStoryNoCaption Phase = "story_no_caption"
	PhaseSetToPrivate   Phase = "set_to_private"
)

type PhaseStatus string

const (
	StatusPending        PhaseStatus = "pending"
	StatusAvailable      PhaseStatus = "available"
	StatusInProgress     PhaseStatus = "in_progress"
	StatusCompleted      PhaseStatus = "completed"
	StatusFailed         PhaseStatus = "failed"
	StatusSkipped        PhaseStatus = "skipped"
	StatusRequiresReview PhaseStatus = "requires_review"
)

// Terminal reports whether the phase counts as finished for pipeline
// progression; a terminal phase unblocks its successor.
func (s PhaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// EnsureTransition validates a phase status transition. The in_progress ->
// available edge is the staleness recovery path; failed -> available is the
// automatic retry path.
func EnsureTransition(old, next PhaseStatus) error {
	switch old {
	case StatusPending:
		if next == StatusAvailable || next == StatusSkipped {
			return nil
		}
	case StatusAvailable:
		if next == StatusInProgress || next == StatusSkipped {
			return nil
		}
	case StatusInProgress:
		if next == StatusCompleted || next == StatusFailed || next == StatusAvailable || next == StatusRequiresReview {
			return nil
		}
	case StatusFailed:
		if next == StatusAvailable || next == StatusRequiresReview || next == StatusSkipped {
			return nil
		}
	case StatusRequiresReview:
		if next == StatusAvailable || next == StatusCompleted || next == StatusSkipped || next == StatusPending {
			return nil
		}
	case StatusCompleted, StatusSkipped:
		if next == StatusPending {
			// administrative reset only
			return nil
		}
	}
	return fmt.Errorf("invalid phase status transition %s -> %s", old, next)
}

// PhaseRecord is the durable per-(account, phase) state the scheduler
// reasons over. At most one record system-wide may be in_progress.
type PhaseRecord struct {
	AccountID         string      `json:"account_id"`
	Phase             Phase       `json:"phase"`
	PhaseOrder        int         `json:"phase_order"`
	Status            PhaseStatus `json:"status" enum:"pending,available,in_progress,completed,failed,skipped,requires_review"`
	AvailableAt       *time.Time  `json:"available_at,omitempty" format:"date-time"`
	StartedAt         *time.Time  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty" format:"date-time"`
	BotID             *string     `json:"bot_id,omitempty"`
	AssignedContentID *string     `json:"assigned_content_id,omitempty"`
	AssignedTextID    *string     `json:"assigned_text_id,omitempty"`
	ErrorMessage      *string     `json:"error_message,omitempty"`
	FailureType       *string     `json:"failure_type,omitempty"`
	Attempts          int         `json:"attempts"`
	CreatedAt         time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time   `json:"updated_at" format:"date-time"`
}

// ContentItem is a shared media pool entry tagged with categories.
type ContentItem struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	Categories []string  `json:"categories"`
	Status     string    `json:"status" enum:"active,retired"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

// TextItem is a shared text pool entry tagged with categories.
type TextItem struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Categories   []string  `json:"categories"`
	TemplateName string    `json:"template_name,omitempty"`
	Status       string    `json:"status" enum:"active,retired"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

const (
	PoolStatusActive  = "active"
	PoolStatusRetired = "retired"
)

// FailureType classifies why a phase execution failed.
type FailureType string

const (
	FailureBotError          FailureType = "bot_error"
	FailurePlatformChallenge FailureType = "platform_challenge"
	FailureContentRejection  FailureType = "content_rejection"
	FailureCaptcha           FailureType = "captcha"
	FailureRateLimit         FailureType = "rate_limit"
	FailureAccountSuspended  FailureType = "account_suspended"
	FailureNetworkError      FailureType = "network_error"
	FailureTimeout           FailureType = "timeout"
	FailureOther             FailureType = "other"
)

// Retryable reports whether the failure may be retried automatically.
// Platform-level rejections always go straight to review.
func (f FailureType) Retryable() bool {
	switch f {
	case FailurePlatformChallenge, FailureCaptcha, FailureAccountSuspended, FailureContentRejection:
		return false
	}
	return true
}

type ResolutionMethod string

const (
	ResolveRetry            ResolutionMethod = "retry"
	ResolveManualCompletion ResolutionMethod = "manual_completion"
	ResolveSkipPhase        ResolutionMethod = "skip_phase"
	ResolveResetAccount     ResolutionMethod = "reset_account"
	ResolveChangeContent    ResolutionMethod = "change_content"
	ResolveEscalateSupport  ResolutionMethod = "escalate_support"
	ResolveOther            ResolutionMethod = "other"
)

func (m ResolutionMethod) Valid() bool {
	switch m {
	case ResolveRetry, ResolveManualCompletion, ResolveSkipPhase, ResolveResetAccount,
		ResolveChangeContent, ResolveEscalateSupport, ResolveOther:
		return true
	}
	return false
}

const (
	ReviewOpen     = "open"
	ReviewClaimed  = "claimed"
	ReviewResolved = "resolved"
)

// ReviewEntry is the manual-review backlog record for a failed phase.
// While an entry is open its phase is never selected by the scheduler.
type ReviewEntry struct {
	ID               string      `json:"id"`
	AccountID        string      `json:"account_id"`
	Phase            Phase       `json:"phase"`
	FailureType      FailureType `json:"failure_type"`
	FailureMessage   string      `json:"failure_message,omitempty"`
	Status           string      `json:"status" enum:"open,claimed,resolved"`
	AssignedTo       *string     `json:"assigned_to,omitempty"`
	ResolutionMethod *string     `json:"resolution_method,omitempty"`
	ResolutionNotes  *string     `json:"resolution_notes,omitempty"`
	ResolvedBy       *string     `json:"resolved_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at" format:"date-time"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty" format:"date-time"`
}

// WarmupSummary is the per-account progress view.
type WarmupSummary struct {
	AccountID       string        `json:"account_id"`
	Username        string        `json:"username"`
	LifecycleState  LifecycleState `json:"lifecycle_state"`
	TotalPhases     int           `json:"total_phases"`
	CompletedPhases int           `json:"completed_phases"`
	AvailablePhases int           `json:"available_phases"`
	FailedPhases    int           `json:"failed_phases"`
	ProgressPercent float64       `json:"progress_percent"`
	IsComplete      bool          `json:"is_complete"`
	Phases          []PhaseRecord `json:"phases"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Slot is the leased execution token that makes the single-bot constraint
// explicit. Capacity is the number of rows in the slots table.
type Slot struct {
	ID              int        `json:"id"`
	HolderAccountID *string    `json:"holder_account_id,omitempty"`
	HolderPhase     *Phase     `json:"holder_phase,omitempty"`
	AcquiredAt      *time.Time `json:"acquired_at,omitempty" format:"date-time"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty" format:"date-time"`
}
