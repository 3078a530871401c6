// ABOUTME: Narrow interface over the managed assistant service and its run model
// ABOUTME: Run statuses form a closed set; every status maps to one orchestrator action

package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/booking-bridge/internal/tools"
)

// RunStatus is the remote lifecycle state of a run.
type RunStatus string

// Run statuses reported by the assistant service.
const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusExpired        RunStatus = "expired"
	StatusCancelled      RunStatus = "cancelled"
	StatusIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further transitions will happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}

// Run is a snapshot of one assistant processing cycle.
type Run struct {
	ID     string
	Status RunStatus
	// ToolCalls is populated when Status is StatusRequiresAction.
	ToolCalls []tools.Call
	// LastErrorCode and LastErrorMessage are set by the service on failure.
	LastErrorCode    string
	LastErrorMessage string
}

// API is what the orchestrator needs from the assistant service.
type API interface {
	CreateSession(ctx context.Context) (string, error)
	AddUserMessage(ctx context.Context, sessionID, text string) error
	CreateRun(ctx context.Context, sessionID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, sessionID, runID string, outputs []tools.Output) (*Run, error)
	// LatestAssistantMessage returns the newest assistant-authored text the run wrote.
	LatestAssistantMessage(ctx context.Context, sessionID, runID string) (string, error)
}

// ErrRunTimeout is returned when a run does not finish before the deadline.
var ErrRunTimeout = errors.New("assistant run timed out")

// ErrEmptyReply is returned when a completed run left no assistant text.
var ErrEmptyReply = errors.New("assistant returned no reply")

// RunError reports a run that ended in a status other than completed.
type RunError struct {
	RunID   string
	Status  RunStatus
	Code    string
	Message string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("assistant run %s ended with status %s", e.RunID, e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
