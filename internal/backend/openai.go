package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible chat-completions endpoint.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY.
	APIKey string
	// BaseURL points at any compatible endpoint; empty uses api.openai.com.
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model string
	// MaxTokens is the default reply cap.
	MaxTokens int
}

// OpenAI is a ReasoningBackend on the chat-completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
	tracker   *TokenTracker
}

var _ ReasoningBackend = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI-compatible adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: maxTokens,
		tracker:   NewTokenTracker(),
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string {
	return "openai"
}

// Tracker returns the token tracker for this adapter.
func (o *OpenAI) Tracker() *TokenTracker {
	return o.tracker
}

// Converse sends one turn as a chat completion.
func (o *OpenAI) Converse(ctx context.Context, history []Message, prompt string, opts Options) (Reply, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := o.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return Reply{}, o.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, &Error{Kind: KindUnavailable, Err: errors.New("no choices returned")}
	}

	in, out := int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)
	o.tracker.Add(in, out)

	return Reply{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		StopReason:   string(resp.Choices[0].FinishReason),
	}, nil
}

func (o *OpenAI) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return FromStatus(reqErr.HTTPStatusCode, err)
	}
	return classify(err)
}
