// Package bridge shells out to the device automation tool that actually
// performs a phase on the phone. The tool prints a single JSON verdict on
// stdout; everything else it writes is treated as diagnostics.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/domain"
	"github.com/michaelschiller-mdm-solutions/tiktok-warmup-bot-sub010/internal/scheduler"
)

type Bridge struct {
	Command string
	Timeout time.Duration
}

func New(command string, timeout time.Duration) *Bridge {
	return &Bridge{Command: command, Timeout: timeout}
}

// verdict is the JSON contract with the automation tool.
type verdict struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (b *Bridge) ExecutePhase(ctx context.Context, req scheduler.Request) (scheduler.Result, error) {
	args := []string{
		"--script", req.Script,
		"--account-id", req.AccountID,
		"--username", req.Username,
	}
	if req.ContainerNumber != nil {
		args = append(args, "--container", strconv.Itoa(*req.ContainerNumber))
	}
	if req.ContentLocation != "" {
		args = append(args, "--content", req.ContentLocation)
	}
	if req.Text != "" {
		args = append(args, "--text", req.Text)
	}
	if !req.FirstAutomation {
		args = append(args, "--skip-onboarding")
	}

	runCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, b.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return scheduler.Result{
			FailureType: domain.FailureTimeout,
			Message:     fmt.Sprintf("%s timed out after %s", req.Script, b.Timeout),
		}, nil
	}
	if runErr != nil && stdout.Len() == 0 {
		return scheduler.Result{}, fmt.Errorf("run %s: %w: %s", b.Command, runErr, strings.TrimSpace(stderr.String()))
	}

	v, err := parseVerdict(stdout.Bytes())
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("parse %s output: %w", b.Command, err)
	}
	if v.Success {
		return scheduler.Result{Success: true, Message: v.Message}, nil
	}
	return scheduler.Result{
		FailureType: ClassifyFailure(v.Message),
		Message:     v.Message,
	}, nil
}

// parseVerdict scans stdout lines for the JSON verdict, tolerating
// diagnostic noise around it.
func parseVerdict(out []byte) (verdict, error) {
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var v verdict
		if err := json.Unmarshal(line, &v); err == nil {
			return v, nil
		}
	}
	return verdict{}, fmt.Errorf("no verdict found in output")
}

// ClassifyFailure maps the tool's message to a failure type. Unrecognized
// messages default to a retryable bot error.
func ClassifyFailure(message string) domain.FailureType {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "challenge"):
		return domain.FailurePlatformChallenge
	case strings.Contains(m, "captcha"):
		return domain.FailureCaptcha
	case strings.Contains(m, "suspend"), strings.Contains(m, "banned"):
		return domain.FailureAccountSuspended
	case strings.Contains(m, "rejected"), strings.Contains(m, "violat"):
		return domain.FailureContentRejection
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many"):
		return domain.FailureRateLimit
	case strings.Contains(m, "network"), strings.Contains(m, "connection"):
		return domain.FailureNetworkError
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return domain.FailureTimeout
	default:
		return domain.FailureBotError
	}
}
