package engines

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI engine adapter.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, for Azure-style proxies or
	// local OpenAI-compatible servers.
	BaseURL string

	DefaultModel string
}

// OpenAIEngine streams chat completions from the OpenAI API.
//
// Tool calls arrive incrementally: the first fragment carries the id and
// function name, later fragments append argument JSON, and a finish
// reason of "tool_calls" (or end of stream) marks them complete. The
// adapter accumulates fragments by index and emits one tool_start per
// finished call.
type OpenAIEngine struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIEngine validates cfg and builds the adapter.
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEngine{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (e *OpenAIEngine) ID() string   { return "openai" }
func (e *OpenAIEngine) Name() string { return "OpenAI" }

func (e *OpenAIEngine) StartRun(ctx context.Context, job *Job) (Handle, error) {
	req := e.buildRequest(job)

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan models.EngineEvent)

	go func() {
		defer close(events)
		defer cancel()

		if !sendEvent(runCtx, events, models.EngineEvent{Type: models.EngineEventStarted}) {
			return
		}

		stream, err := e.client.CreateChatCompletionStream(runCtx, req)
		if err != nil {
			sendEvent(runCtx, events, e.errorEvent(err))
			return
		}
		defer stream.Close()

		e.consumeStream(runCtx, stream, events)
	}()

	return &streamHandle{events: events, cancel: cancel}, nil
}

func (e *OpenAIEngine) buildRequest(job *Job) openai.ChatCompletionRequest {
	model := job.Model
	if model == "" {
		model = e.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(job.Messages, job.SystemPrompt),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if job.MaxTokens > 0 {
		req.MaxTokens = job.MaxTokens
	}
	if len(job.Tools) > 0 {
		req.Tools = convertOpenAITools(job.Tools)
	}

	return req
}

func (e *OpenAIEngine) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- models.EngineEvent) {
	var answer []byte
	var usage models.Usage

	// Pending tool calls keyed by stream index; OpenAI interleaves
	// fragments of parallel calls.
	pending := make(map[int]*models.ToolCall)
	var order []int

	flushToolCalls := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if tc != nil && tc.ID != "" && tc.Name != "" {
				if !sendEvent(ctx, events, models.EngineEvent{
					Type:     models.EngineEventToolStart,
					ToolCall: tc,
				}) {
					return false
				}
			}
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
		return true
	}

	for {
		// The consumer cancelled; nobody reads the channel anymore.
		if ctx.Err() != nil {
			return
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushToolCalls() {
					return
				}
				sendEvent(ctx, events, models.EngineEvent{
					Type:   models.EngineEventCompleted,
					Answer: string(answer),
					Usage:  &usage,
				})
				return
			}
			sendEvent(ctx, events, e.errorEvent(err))
			return
		}

		// The usage-bearing chunk has no choices.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			answer = append(answer, delta.Content...)
			if !sendEvent(ctx, events, models.EngineEvent{
				Type:      models.EngineEventTextDelta,
				TextDelta: delta.Content,
			}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args := string(pending[index].Args)
				args += tc.Function.Arguments
				pending[index].Args = json.RawMessage(args)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushToolCalls() {
				return
			}
		}
	}
}

func (e *OpenAIEngine) errorEvent(err error) models.EngineEvent {
	wrapped := &Error{
		Engine:  "openai",
		Message: err.Error(),
		Cause:   err,
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped.Retryable = apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	} else {
		wrapped.Retryable = retryableMessage(err.Error())
	}

	return models.EngineEvent{
		Type:      models.EngineEventError,
		Err:       wrapped.Error(),
		Retryable: wrapped.Retryable,
	}
}

// convertOpenAIMessages maps conversation history onto the chat API
// shape. The system prompt is injected as the first message; each tool
// message becomes its own role "tool" entry linked by ToolCallID.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// One bad schema shouldn't break the rest of the toolset.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}
