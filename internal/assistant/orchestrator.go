// ABOUTME: Orchestrator drives one assistant run per chat message
// ABOUTME: Resolves the session, starts a run, polls under a deadline, and answers tool calls

package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/booking-bridge/internal/store"
	"github.com/2389/booking-bridge/internal/tools"
)

// Default timing for run polling.
const (
	DefaultPollInterval = time.Second
	DefaultRunTimeout   = 2 * time.Minute
)

// ThreadStore is what the orchestrator needs from the thread map.
type ThreadStore interface {
	GetThread(ctx context.Context, frontend, externalID string) (*store.Thread, error)
	CreateThread(ctx context.Context, thread *store.Thread) error
}

// ToolDispatcher executes tool calls and returns one output per call.
type ToolDispatcher interface {
	DispatchAll(ctx context.Context, calls []tools.Call, inv tools.Invocation) []tools.Output
}

// Observer is notified when a run finishes, whatever the outcome.
type Observer interface {
	RunFinished(outcome string, elapsed time.Duration)
}

// Config controls which assistant handles runs and how long to wait.
type Config struct {
	AssistantID  string
	PollInterval time.Duration
	RunTimeout   time.Duration
}

// Request is one inbound chat message.
type Request struct {
	Frontend string
	ThreadID string
	UserName string
	Text     string
	// Notify, if set, receives tool progress notices.
	Notify tools.Notifier
}

// Orchestrator turns chat messages into assistant runs.
type Orchestrator struct {
	api      API
	threads  ThreadStore
	tools    ToolDispatcher
	cfg      Config
	observer Observer
	logger   *slog.Logger

	sessions singleflight.Group
}

// New creates an orchestrator. observer may be nil.
func New(api API, threads ThreadStore, dispatcher ToolDispatcher, cfg Config, observer Observer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Orchestrator{
		api:      api,
		threads:  threads,
		tools:    dispatcher,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With("component", "assistant"),
	}
}

// Respond sends the user's text to the thread's session and returns the assistant's reply.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	reply, err := o.respond(ctx, req)
	if o.observer != nil {
		o.observer.RunFinished(outcomeOf(err), time.Since(start))
	}
	return reply, err
}

func (o *Orchestrator) respond(ctx context.Context, req Request) (string, error) {
	sessionID, err := o.ResolveSession(ctx, req.Frontend, req.ThreadID)
	if err != nil {
		return "", err
	}

	if err := o.api.AddUserMessage(ctx, sessionID, req.Text); err != nil {
		return "", fmt.Errorf("adding message: %w", err)
	}

	run, err := o.api.CreateRun(ctx, sessionID, o.cfg.AssistantID)
	if err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	logger := o.logger.With("session_id", sessionID, "run_id", run.ID)
	logger.Debug("run started", "status", run.Status)

	inv := tools.Invocation{UserName: req.UserName, Notify: req.Notify}
	if err := o.await(ctx, sessionID, run, inv, logger); err != nil {
		return "", err
	}

	reply, err := o.api.LatestAssistantMessage(ctx, sessionID, run.ID)
	if err != nil {
		return "", fmt.Errorf("listing messages: %w", err)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// ResolveSession returns the session mapped to the platform thread, creating
// and persisting one on first use. Concurrent first mentions share one creation.
func (o *Orchestrator) ResolveSession(ctx context.Context, frontend, threadID string) (string, error) {
	thread, err := o.threads.GetThread(ctx, frontend, threadID)
	if err == nil {
		return thread.SessionID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up thread: %w", err)
	}

	v, err, _ := o.sessions.Do(frontend+":"+threadID, func() (any, error) {
		// another flight may have finished between our lookup and this one
		if thread, err := o.threads.GetThread(ctx, frontend, threadID); err == nil {
			return thread.SessionID, nil
		}

		sessionID, err := o.api.CreateSession(ctx)
		if err != nil {
			return "", fmt.Errorf("creating session: %w", err)
		}

		err = o.threads.CreateThread(ctx, &store.Thread{
			ID:         uuid.NewString(),
			Frontend:   frontend,
			ExternalID: threadID,
			SessionID:  sessionID,
			CreatedAt:  time.Now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicateThread) {
			existing, getErr := o.threads.GetThread(ctx, frontend, threadID)
			if getErr != nil {
				return "", fmt.Errorf("reading thread after duplicate insert: %w", getErr)
			}
			o.logger.Warn("thread mapped concurrently, discarding new session", "thread", threadID, "session_id", sessionID)
			return existing.SessionID, nil
		}
		if err != nil {
			return "", fmt.Errorf("storing thread: %w", err)
		}

		o.logger.Info("created session for thread", "frontend", frontend, "thread", threadID, "session_id", sessionID)
		return sessionID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// await polls the run until it completes, fails, or the deadline passes.
func (o *Orchestrator) await(parent context.Context, sessionID string, run *Run, inv tools.Invocation, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(parent, o.cfg.RunTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	submitted := make(map[string]bool)

	for {
		switch {
		case run.Status == StatusCompleted:
			logger.Debug("run completed")
			return nil

		case run.Status.Terminal():
			logger.Warn("run ended without completing", "status", run.Status, "code", run.LastErrorCode, "message", run.LastErrorMessage)
			return &RunError{RunID: run.ID, Status: run.Status, Code: run.LastErrorCode, Message: run.LastErrorMessage}

		case run.Status == StatusRequiresAction:
			pending := unsubmitted(run.ToolCalls, submitted)
			if len(pending) > 0 {
				if err := o.submit(ctx, sessionID, run.ID, pending, inv, logger); err != nil {
					return o.deadlineErr(parent, ctx, err)
				}
				for _, call := range pending {
					submitted[call.ID] = true
				}
			}

		case run.Status == StatusQueued, run.Status == StatusInProgress, run.Status == StatusCancelling:
			// still working

		default:
			logger.Error("unknown run status", "status", run.Status)
			return &RunError{RunID: run.ID, Status: run.Status, Message: "unknown run status"}
		}

		select {
		case <-ctx.Done():
			return o.deadlineErr(parent, ctx, ctx.Err())
		case <-ticker.C:
		}

		next, err := o.api.GetRun(ctx, sessionID, run.ID)
		if err != nil {
			return o.deadlineErr(parent, ctx, fmt.Errorf("polling run: %w", err))
		}
		run = next
	}
}

// submit answers every pending call in a single submission. The service only
// resumes the run once each outstanding call has an output.
func (o *Orchestrator) submit(ctx context.Context, sessionID, runID string, calls []tools.Call, inv tools.Invocation, logger *slog.Logger) error {
	outputs := o.tools.DispatchAll(ctx, calls, inv)
	if len(outputs) != len(calls) {
		return fmt.Errorf("dispatcher returned %d outputs for %d tool calls", len(outputs), len(calls))
	}

	logger.Info("submitting tool outputs", "count", len(outputs))
	if _, err := o.api.SubmitToolOutputs(ctx, sessionID, runID, outputs); err != nil {
		return fmt.Errorf("submitting tool outputs: %w", err)
	}
	return nil
}

// deadlineErr maps an error seen while waiting to ErrRunTimeout when our own
// deadline, not the caller's context, is what expired.
func (o *Orchestrator) deadlineErr(parent, ctx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrRunTimeout, o.cfg.RunTimeout)
	}
	return err
}

func unsubmitted(calls []tools.Call, submitted map[string]bool) []tools.Call {
	var pending []tools.Call
	for _, call := range calls {
		if !submitted[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}

// Run outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

func outcomeOf(err error) string {
	var runErr *RunError
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrRunTimeout):
		return OutcomeTimeout
	case errors.As(err, &runErr):
		return string(runErr.Status)
	default:
		return OutcomeError
	}
}
