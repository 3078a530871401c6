// ABOUTME: OpenAI Assistants implementation of the assistant API
// ABOUTME: Maps threads, runs, tool outputs, and messages onto go-openai calls

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/booking-bridge/internal/tools"
)

// messagePageSize is how many recent messages are scanned for the reply.
const messagePageSize = 20

// OpenAIClient talks to the OpenAI Assistants API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client. baseURL and httpClient are optional.
func NewOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// CreateSession creates an empty assistant thread.
func (c *OpenAIClient) CreateSession(ctx context.Context) (string, error) {
	thread, err := c.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// AddUserMessage appends a user message to the thread.
func (c *OpenAIClient) AddUserMessage(ctx context.Context, sessionID, text string) error {
	_, err := c.client.CreateMessage(ctx, sessionID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	return err
}

// CreateRun starts the assistant on the thread.
func (c *OpenAIClient) CreateRun(ctx context.Context, sessionID, assistantID string) (*Run, error) {
	run, err := c.client.CreateRun(ctx, sessionID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

// GetRun retrieves the current state of a run.
func (c *OpenAIClient) GetRun(ctx context.Context, sessionID, runID string) (*Run, error) {
	run, err := c.client.RetrieveRun(ctx, sessionID, runID)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

// SubmitToolOutputs sends every output in one request.
func (c *OpenAIClient) SubmitToolOutputs(ctx context.Context, sessionID, runID string, outputs []tools.Output) (*Run, error) {
	req := openai.SubmitToolOutputsRequest{
		ToolOutputs: make([]openai.ToolOutput, 0, len(outputs)),
	}
	for _, out := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{
			ToolCallID: out.ToolCallID,
			Output:     out.Output,
		})
	}

	run, err := c.client.SubmitToolOutputs(ctx, sessionID, runID, req)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

// LatestAssistantMessage returns the text of the newest assistant message
// created by runID. Replies from earlier runs are never returned.
func (c *OpenAIClient) LatestAssistantMessage(ctx context.Context, sessionID, runID string) (string, error) {
	limit := messagePageSize
	order := "desc"

	list, err := c.client.ListMessage(ctx, sessionID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", err
	}

	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		var parts []string
		for _, content := range msg.Content {
			if content.Text != nil && content.Text.Value != "" {
				parts = append(parts, content.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n"), nil
		}
	}
	return "", nil
}

// CreateAssistant registers an assistant with the given function tools.
func (c *OpenAIClient) CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	name := spec.Name
	instructions := spec.Instructions

	req := openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
	}
	for _, def := range spec.Tools {
		if !json.Valid([]byte(def.InputSchemaJSON)) {
			return "", fmt.Errorf("tool %s has an invalid input schema", def.Name)
		}
		req.Tools = append(req.Tools, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.InputSchemaJSON),
			},
		})
	}

	a, err := c.client.CreateAssistant(ctx, req)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func convertRun(run openai.Run) *Run {
	out := &Run{
		ID:     run.ID,
		Status: RunStatus(run.Status),
	}
	if run.LastError != nil {
		out.LastErrorCode = string(run.LastError.Code)
		out.LastErrorMessage = run.LastError.Message
	}
	if run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, tools.Call{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out
}

var _ API = (*OpenAIClient)(nil)
var _ Registrar = (*OpenAIClient)(nil)
