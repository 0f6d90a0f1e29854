package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/agent/toolconv"
	"github.com/haasonsaas/partner/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.LLMProvider on the OpenAI chat
// completions API. Any endpoint speaking the same protocol works through
// BaseURL.
//
// Tool call fragments are accumulated per stream index and emitted as
// complete calls, in index order, once the backend signals tool_calls or
// the stream ends. Usage is requested with stream_options and reported on
// the final chunk.
type OpenAIProvider struct {
	BaseProvider

	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
//
//	provider, err := NewOpenAIProvider(OpenAIConfig{
//	    APIKey:       os.Getenv("OPENAI_API_KEY"),
//	    DefaultModel: "gpt-4o",
//	})
type OpenAIConfig struct {
	// APIKey authenticates requests (required).
	APIKey string

	// BaseURL overrides the API base, including the /v1 suffix.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	// Default: "gpt-4o"
	DefaultModel string

	// MaxRetries counts attempts to open the stream. Default: 3
	MaxRetries int

	// RetryDelay is the linear backoff step. Default: 1 second
	RetryDelay time.Duration

	Logger *slog.Logger
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay, config.Logger),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextSize: 1047576},
		{ID: "o3-mini", Name: "o3-mini", ContextSize: 200000},
	}
}

func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete opens a streaming chat completion. Opening the stream is retried
// on rate limits, timeouts and server errors; once chunks flow, errors are
// delivered on the channel and end the stream.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("openai: nil request")
	}
	model := p.getModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      p.convertMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Tools:         toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// toolCallAccumulator assembles streamed tool call fragments by index.
type toolCallAccumulator struct {
	calls map[int]*models.ToolCall
	args  map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		calls: make(map[int]*models.ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call, ok := a.calls[index]
	if !ok {
		call = &models.ToolCall{}
		a.calls[index] = call
		a.args[index] = &strings.Builder{}
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	a.args[index].WriteString(tc.Function.Arguments)
}

// flush returns the accumulated calls in index order and resets.
// Calls without a name are dropped; a missing id is left for the
// controller to assign.
func (a *toolCallAccumulator) flush() []*models.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]*models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := a.calls[i]
		if call.Name == "" {
			continue
		}
		call.Arguments = []byte(a.args[i].String())
		out = append(out, call)
	}
	a.calls = make(map[int]*models.ToolCall)
	a.args = make(map[int]*strings.Builder)
	return out
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	acc := newToolCallAccumulator()
	emitCalls := func() bool {
		for _, call := range acc.flush() {
			if !send(&agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
		return true
	}

	var finishReason string
	var inputTokens, outputTokens int
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !emitCalls() {
				return
			}
			send(&agent.CompletionChunk{
				Done:         true,
				FinishReason: finishReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}
		if err != nil {
			send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}

		switch choice.FinishReason {
		case "":
		case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
			finishReason = "tool_calls"
			if !emitCalls() {
				return
			}
		default:
			finishReason = string(choice.FinishReason)
		}
	}
}

// convertMessages renders the request history. The system prompt leads;
// each tool result becomes its own tool message.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}
