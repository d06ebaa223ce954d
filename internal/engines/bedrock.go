package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/conduit/pkg/models"
)

const defaultBedrockModel = "anthropic.claude-3-sonnet-20240229-v1:0"

// BedrockConfig configures the AWS Bedrock engine adapter.
type BedrockConfig struct {
	// Region is the AWS region. Defaults to us-east-1.
	Region string

	// AccessKeyID / SecretAccessKey / SessionToken supply explicit
	// credentials. When empty the default chain applies (env, IAM role).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	DefaultModel string
}

// BedrockEngine streams completions from foundation models on AWS
// Bedrock via the ConverseStream API.
type BedrockEngine struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockEngine loads AWS configuration and builds the adapter.
func NewBedrockEngine(ctx context.Context, cfg BedrockConfig) (*BedrockEngine, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockEngine{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (e *BedrockEngine) ID() string   { return "bedrock" }
func (e *BedrockEngine) Name() string { return "AWS Bedrock" }

func (e *BedrockEngine) StartRun(ctx context.Context, job *Job) (Handle, error) {
	model := job.Model
	if model == "" {
		model = e.defaultModel
	}

	messages, err := convertBedrockMessages(job.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}

	if job.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: job.SystemPrompt},
		}
	}

	maxTokens := job.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxTokens = min(maxTokens, math.MaxInt32)
	input.InferenceConfig = &types.InferenceConfiguration{
		// #nosec G115 -- bounded by min above
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if len(job.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(job.Tools)
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan models.EngineEvent)

	go func() {
		defer close(events)
		defer cancel()

		if !sendEvent(runCtx, events, models.EngineEvent{Type: models.EngineEventStarted}) {
			return
		}

		stream, err := e.client.ConverseStream(runCtx, input)
		if err != nil {
			sendEvent(runCtx, events, e.errorEvent(err, model))
			return
		}

		e.consumeStream(runCtx, stream, events, model)
	}()

	return &streamHandle{events: events, cancel: cancel}, nil
}

func (e *BedrockEngine) consumeStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- models.EngineEvent, model string) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var answer strings.Builder
	var toolInput strings.Builder
	var currentTool *models.ToolCall
	var usage models.Usage
	stopped := false

	complete := func() {
		sendEvent(ctx, events, models.EngineEvent{
			Type:   models.EngineEventCompleted,
			Answer: answer.String(),
			Usage:  &usage,
		})
	}

	flushTool := func() bool {
		if currentTool == nil || currentTool.ID == "" {
			currentTool = nil
			return true
		}
		currentTool.Args = json.RawMessage(toolInput.String())
		if !sendEvent(ctx, events, models.EngineEvent{
			Type:     models.EngineEventToolStart,
			ToolCall: currentTool,
		}) {
			return false
		}
		currentTool = nil
		toolInput.Reset()
		return true
	}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			// The consumer cancelled; nobody reads the channel anymore.
			return

		case event, ok := <-eventChan:
			if !ok {
				if !flushTool() {
					return
				}
				if err := eventStream.Err(); err != nil {
					sendEvent(ctx, events, e.errorEvent(err, model))
					return
				}
				complete()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentTool = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						answer.WriteString(delta.Value)
						if !sendEvent(ctx, events, models.EngineEvent{
							Type:      models.EngineEventTextDelta,
							TextDelta: delta.Value,
						}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if !flushTool() {
					return
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
				// Usage metadata arrives after message_stop; it is the
				// last event worth waiting for.
				if stopped {
					complete()
					return
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				if !flushTool() {
					return
				}
				stopped = true
			}
		}
	}
}

func (e *BedrockEngine) errorEvent(err error, model string) models.EngineEvent {
	wrapped := &Error{
		Engine:    "bedrock",
		Model:     model,
		Message:   err.Error(),
		Cause:     err,
		Retryable: retryableMessage(err.Error()),
	}
	return models.EngineEvent{
		Type:      models.EngineEventError,
		Err:       wrapped.Error(),
		Retryable: wrapped.Retryable,
	}
}

// convertBedrockMessages maps history onto Converse messages. System
// messages travel separately; tool messages become tool_result blocks
// inside user messages. Consecutive same-role messages are coalesced
// because Converse enforces user/assistant alternation.
func convertBedrockMessages(messages []models.Message) ([]types.Message, error) {
	var result []types.Message

	appendBlocks := func(role types.ConversationRole, blocks []types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				appendBlocks(types.ConversationRoleUser, []types.ContentBlock{
					&types.ContentBlockMemberText{Value: msg.Content},
				})
			}
			continue
		}

		if msg.Role == models.RoleTool {
			block := &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			}
			if msg.IsError {
				block.Value.Status = types.ToolResultStatusError
			}
			appendBlocks(types.ConversationRoleUser, []types.ContentBlock{block})
			continue
		}

		var blocks []types.ContentBlock
		if msg.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Args, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		appendBlocks(role, blocks)
	}

	return result, nil
}

func convertBedrockTools(tools []ToolDef) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(tools))

	for _, tool := range tools {
		var schemaDoc any
		if err := json.Unmarshal(tool.Schema, &schemaDoc); err != nil {
			schemaDoc = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{Value: spec})
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}
