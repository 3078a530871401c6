// ABOUTME: Tool dispatcher that executes assistant tool calls against the booking store
// ABOUTME: Validates arguments, reports unsupported tools, and always yields one output per call

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/2389/booking-bridge/internal/booking"
)

// Outcomes reported to the Observer.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
	OutcomeUnsupported = "unsupported"
)

// Progress notices posted to the chat thread before slow reads.
const (
	FetchingEventsNotice  = "fetching booked events..."
	FetchingDetailsNotice = "fetching event details..."
)

// BookingStore is what the dispatcher needs from the booking adapter.
type BookingStore interface {
	Save(ctx context.Context, rec booking.Record) (string, error)
	ListAll(ctx context.Context) (booking.Result, error)
	Get(ctx context.Context, eventName string) (booking.Result, error)
}

// Observer receives one notification per dispatched call.
type Observer interface {
	ToolCall(name, outcome string)
}

// Notifier posts a short progress message back to the user.
type Notifier func(ctx context.Context, text string)

// Call is a tool invocation requested by the assistant.
type Call struct {
	ID        string
	Name      string
	Arguments string // raw JSON object
}

// Output is the result submitted back to the assistant for one call.
type Output struct {
	ToolCallID string
	Output     string // JSON-encoded
}

// Invocation carries per-message context into tool handlers.
type Invocation struct {
	// UserName is recorded as booked_by.
	UserName string
	// Notify, if set, receives progress notices.
	Notify Notifier
}

// Dispatcher routes tool calls to the booking store.
type Dispatcher struct {
	store    BookingStore
	observer Observer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(store BookingStore, observer Observer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		observer: observer,
		logger:   logger.With("component", "tools"),
	}
}

// DispatchAll runs every call in order and returns exactly one output per call.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []Call, inv Invocation) []Output {
	outputs := make([]Output, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, d.Dispatch(ctx, call, inv))
	}
	return outputs
}

// Dispatch runs a single call. It never fails: every problem is encoded as
// an {"error": ...} output so the run can proceed.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, inv Invocation) Output {
	out, outcome := d.dispatch(ctx, call, inv)
	if d.observer != nil {
		d.observer.ToolCall(call.Name, outcome)
	}
	return Output{ToolCallID: call.ID, Output: out}
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call, inv Invocation) (string, string) {
	def, known := lookupDefinition(call.Name)
	if !known {
		d.logger.Warn("unsupported tool call", "tool", call.Name, "call_id", call.ID)
		return errorOutput("unsupported operation: " + call.Name), OutcomeUnsupported
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		d.logger.Warn("invalid tool arguments", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorOutput("invalid arguments: " + err.Error()), OutcomeInvalid
	}
	if missing := missingArguments(args, def.Required); len(missing) > 0 {
		d.logger.Warn("tool call missing arguments", "tool", call.Name, "call_id", call.ID, "missing", missing)
		return errorOutput("missing required arguments: " + strings.Join(missing, ", ")), OutcomeInvalid
	}

	d.logger.Info("dispatching tool call", "tool", call.Name, "call_id", call.ID)

	var result any
	switch call.Name {
	case BookEvent:
		result, err = d.store.Save(ctx, booking.Record{
			EventName:        args[argEventName],
			EventTime:        args[argEventTime],
			EventCoordinator: args[argCoordinator],
			EventLocation:    args[argEventLocation],
			BookedBy:         inv.UserName,
		})
	case GetAllBookedEvents:
		notify(ctx, inv, FetchingEventsNotice)
		result, err = d.store.ListAll(ctx)
	case GetSingleBookedEvent:
		notify(ctx, inv, FetchingDetailsNotice)
		result, err = d.store.Get(ctx, args[argEventName])
	default:
		// defined but not wired to a handler
		d.logger.Error("tool has no handler", "tool", call.Name)
		return errorOutput("unsupported operation: " + call.Name), OutcomeUnsupported
	}

	if err != nil {
		d.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorOutput(err.Error()), OutcomeError
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errorOutput(fmt.Sprintf("encoding result: %v", err)), OutcomeError
	}
	return string(encoded), OutcomeOK
}

// Argument names used by the handlers.
const (
	argEventName     = "event_name"
	argEventTime     = "event_time"
	argCoordinator   = "coordinator"
	argEventLocation = "event_location"
)

// parseArguments decodes a JSON object of arguments. Scalar values are kept
// as their string form; an empty payload is treated as {}.
func parseArguments(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}

	args := make(map[string]string, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case nil:
			// absent for validation purposes
		case string:
			args[k] = t
		default:
			args[k] = fmt.Sprint(t)
		}
	}
	return args, nil
}

// missingArguments returns the required names that are absent or blank, sorted.
func missingArguments(args map[string]string, required []string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(args[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func notify(ctx context.Context, inv Invocation, text string) {
	if inv.Notify != nil {
		inv.Notify(ctx, text)
	}
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
