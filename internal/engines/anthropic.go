package engines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// defaultMaxTokens caps responses when the job doesn't specify a
	// limit.
	defaultMaxTokens = 4096

	// defaultThinkingBudget is the extended-thinking token budget used
	// when thinking is requested. The API rejects budgets under 1024.
	defaultThinkingBudget = 10000

	// maxEmptyStreamEvents bounds consecutive events that produce no
	// output before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic engine adapter.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the default API endpoint, for proxies.
	BaseURL string

	// DefaultModel is used when a job doesn't name a model.
	DefaultModel string
}

// AnthropicEngine streams completions from the Anthropic Messages API.
//
// Each StartRun opens one SSE stream and converts its events into
// EngineEvents: text and thinking deltas as they arrive, one tool_start
// per completed tool_use block, then a terminal completed event carrying
// the accumulated answer and token usage. Transport and API failures
// surface as a terminal error event classified for retryability; the
// adapter itself never retries.
type AnthropicEngine struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicEngine validates cfg and builds the adapter.
func NewAnthropicEngine(cfg AnthropicConfig) (*AnthropicEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicEngine{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (e *AnthropicEngine) ID() string   { return "anthropic" }
func (e *AnthropicEngine) Name() string { return "Anthropic" }

// StartRun converts the job and opens the stream. Conversion failures
// (malformed tool schemas, invalid call args) are returned directly;
// everything after that arrives on the handle's event channel.
func (e *AnthropicEngine) StartRun(ctx context.Context, job *Job) (Handle, error) {
	params, err := e.buildParams(job)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan models.EngineEvent)

	go func() {
		defer close(events)
		defer cancel()

		if !sendEvent(runCtx, events, models.EngineEvent{Type: models.EngineEventStarted}) {
			return
		}

		stream := e.client.Messages.NewStreaming(runCtx, params)
		defer stream.Close()
		e.consumeStream(runCtx, stream, events, string(params.Model))
	}()

	return &streamHandle{events: events, cancel: cancel}, nil
}

func (e *AnthropicEngine) buildParams(job *Job) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(job.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
	}

	model := job.Model
	if model == "" {
		model = e.defaultModel
	}
	maxTokens := job.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if job.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: job.SystemPrompt},
		}
	}

	if len(job.Tools) > 0 {
		tools, err := convertAnthropicTools(job.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}

	if job.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(defaultThinkingBudget)
	}

	return params, nil
}

// consumeStream walks the SSE events and translates them. Tool calls
// span three event kinds: content_block_start carries the id and name,
// input_json_delta fragments accumulate the argument object, and
// content_block_stop finalizes the call. Every send races ctx so an
// abandoned run cannot strand this goroutine.
func (e *AnthropicEngine) consumeStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- models.EngineEvent, model string) {
	var answer strings.Builder
	var toolInput strings.Builder
	var currentTool *models.ToolCall
	var usage models.Usage
	inThinking := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					answer.WriteString(delta.Text)
					if !sendEvent(ctx, events, models.EngineEvent{
						Type:      models.EngineEventTextDelta,
						TextDelta: delta.Text,
					}) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !sendEvent(ctx, events, models.EngineEvent{
						Type:          models.EngineEventThinkingDelta,
						ThinkingDelta: delta.Thinking,
					}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				processed = true
			} else if currentTool != nil {
				currentTool.Args = json.RawMessage(toolInput.String())
				if !sendEvent(ctx, events, models.EngineEvent{
					Type:     models.EngineEventToolStart,
					ToolCall: currentTool,
				}) {
					return
				}
				currentTool = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			sendEvent(ctx, events, models.EngineEvent{
				Type:   models.EngineEventCompleted,
				Answer: answer.String(),
				Usage:  &usage,
			})
			return

		case "error":
			sendEvent(ctx, events, e.errorEvent(errors.New("anthropic stream error"), model))
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				sendEvent(ctx, events, e.errorEvent(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents),
					model,
				))
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		sendEvent(ctx, events, e.errorEvent(err, model))
		return
	}

	// Stream ended without message_stop. Treat as a truncated response
	// worth retrying.
	sendEvent(ctx, events, models.EngineEvent{
		Type:      models.EngineEventError,
		Err:       "anthropic: stream ended before message_stop",
		Retryable: true,
	})
}

// errorEvent wraps err into a terminal error event. API errors carry
// their status code and message, which feed the retryable
// classification.
func (e *AnthropicEngine) errorEvent(err error, model string) models.EngineEvent {
	wrapped := &Error{
		Engine:  "anthropic",
		Model:   model,
		Message: err.Error(),
		Cause:   err,
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped.Message = fmt.Sprintf("status %d: %s", apiErr.StatusCode, apiMessage(apiErr))
		wrapped.Retryable = apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	} else {
		wrapped.Retryable = retryableMessage(err.Error())
	}

	return models.EngineEvent{
		Type:      models.EngineEventError,
		Err:       wrapped.Error(),
		Retryable: wrapped.Retryable,
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func apiMessage(apiErr *anthropic.Error) string {
	raw := apiErr.RawJSON()
	if raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
			return payload.Error.Message
		}
	}
	return "request failed"
}

// convertAnthropicMessages maps conversation history onto the Messages
// API shape. In-list system notes become user turns (the real system
// prompt travels in params.System), tool messages become tool_result
// blocks, and consecutive messages that map to the same API role are
// coalesced into one message because the API requires user/assistant
// alternation.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				})
			}
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			blocks = append(blocks, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				msg.IsError,
			))
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
			continue
		}

		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}

		for _, call := range msg.ToolCalls {
			input := map[string]interface{}{}
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call args for %s: %w", call.Name, err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == models.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		appendBlocks(role, blocks)
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, param)
	}

	return result, nil
}
