// ABOUTME: Registers the booking assistant and its tools with the assistant service
// ABOUTME: Backs the create-assistant command

package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/booking-bridge/internal/tools"
)

// AssistantSpec describes an assistant to register.
type AssistantSpec struct {
	Name         string
	Model        string
	Instructions string
	Tools        []tools.Definition
}

// Registrar creates assistants on the remote service.
type Registrar interface {
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
}

// DefaultSpec returns the booking assistant with the full tool set.
func DefaultSpec() AssistantSpec {
	return AssistantSpec{
		Name:         DefaultName,
		Model:        DefaultModel,
		Instructions: DefaultInstructions,
		Tools:        tools.Definitions(),
	}
}

// Register creates the assistant and returns its id.
func Register(ctx context.Context, r Registrar, spec AssistantSpec) (string, error) {
	if spec.Model == "" {
		return "", errors.New("assistant model is required")
	}
	if spec.Name == "" {
		spec.Name = DefaultName
	}
	if spec.Instructions == "" {
		spec.Instructions = DefaultInstructions
	}

	id, err := r.CreateAssistant(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("creating assistant: %w", err)
	}
	return id, nil
}
