// Package providers implements agent.LLMProvider for the model backends the
// partner can drive.
//
// Each provider translates an agent.CompletionRequest to its SDK format,
// streams the reply as agent.CompletionChunk values and reports token usage
// on the final chunk. Tool calls are emitted only once their arguments are
// complete.
//
// Opening a stream is retried with linear backoff when the failure is a
// rate limit, a timeout or a server error (see BaseProvider.Retry and
// ClassifyError). Errors after the stream opened are delivered on the
// channel and are terminal for the request.
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reply, err := agent.Collect(ctx, provider, &agent.CompletionRequest{
//	    System:   "You are a coding partner.",
//	    Messages: []agent.CompletionMessage{{Role: "user", Content: "Hello!"}},
//	})
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/agent/toolconv"
	"github.com/haasonsaas/partner/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce nothing
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements agent.LLMProvider on the Anthropic Messages
// API.
type AnthropicProvider struct {
	BaseProvider

	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	// APIKey authenticates requests.
	APIKey string

	// BaseURL overrides the API base, e.g. "https://api.anthropic.com/".
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	// MaxTokens is the reply limit when a request sets none. Default: 4096
	MaxTokens int

	// MaxRetries counts attempts to open the stream. Default: 3
	MaxRetries int

	// RetryDelay is the linear backoff step. Default: 1 second
	RetryDelay time.Duration

	Logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider. The SDK's own retries
// are disabled so BaseProvider owns the retry policy.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultAnthropicMaxTokens
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		options = append(options, option.WithBaseURL(base))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay, config.Logger),
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams a message. The stream counts as opened once its first
// event arrives; HTTP failures surface before that and are retried.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("anthropic: nil request")
	}
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = p.Retry(ctx, IsRetryable, func() error {
		s := p.client.Messages.NewStreaming(ctx, params)
		if s.Next() {
			stream = s
			return nil
		}
		err := s.Err()
		_ = s.Close()
		if err == nil {
			err = errors.New("stream ended before any event")
		}
		return p.wrapError(err, model)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return params, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream converts stream events to chunks. The first event has
// already been read by Complete and is current on entry.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var inputTokens, outputTokens int
	var finishReason string
	emptyEventCount := 0

	for ok := true; ok; ok = stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				currentToolInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := strings.TrimSpace(currentToolInput.String())
				if input == "" {
					input = "{}"
				}
				currentToolCall.Arguments = json.RawMessage(input)
				if !send(&agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if reason := string(messageDelta.Delta.StopReason); reason != "" {
				finishReason = normalizeStopReason(reason)
			}

		case "message_stop":
			send(&agent.CompletionChunk{
				Done:         true,
				FinishReason: finishReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			send(&agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			processed = false
		}

		if processed {
			emptyEventCount = 0
			continue
		}
		emptyEventCount++
		if emptyEventCount >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{Error: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
				model,
			)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	send(&agent.CompletionChunk{Error: p.wrapError(errors.New("stream ended without message_stop"), model)})
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// convertMessages renders the history as alternating user and assistant
// messages. Tool results travel in user messages; adjacent messages with
// the same role are merged.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	var blocks []anthropic.ContentBlockParamUnion
	role := ""

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}

	for _, msg := range messages {
		msgRole := "user"
		if msg.Role == "assistant" {
			msgRole = "assistant"
		}
		if msgRole != role {
			flush()
			role = msgRole
		}

		for _, tr := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil || input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
	}
	flush()
	return result
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
	providerErr.Message = "anthropic request failed"
	requestID := apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}
