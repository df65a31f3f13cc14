package extraction

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/pkg/anthropic"
	"github.com/sells-group/datapoint-review/pkg/openai"
)

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	Images      [][]byte
	Temperature float64
	JSON        bool
}

// Completion is the text a model produced and what it cost.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Completer is one AI completion backend.
type Completer interface {
	Provider() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// IsAnthropicModel reports whether model is served by the Anthropic backend.
func IsAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude-")
}

// AnthropicCompleter adapts the Anthropic client.
type AnthropicCompleter struct {
	client    anthropic.Client
	maxTokens int64
	pricing   anthropic.Pricing
}

// NewAnthropicCompleter wraps client. Pricing overrides merge into the defaults.
func NewAnthropicCompleter(client anthropic.Client, maxTokens int64, overrides anthropic.Pricing) *AnthropicCompleter {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicCompleter{
		client:    client,
		maxTokens: maxTokens,
		pricing:   anthropic.DefaultPricing.With(overrides),
	}
}

// Provider implements Completer.
func (a *AnthropicCompleter) Provider() string { return "anthropic" }

// Complete implements Completer.
func (a *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	temp := req.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt, Images: req.Images}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extraction: anthropic completion")
	}
	return &Completion{
		Text:         resp.Text(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         resp.Usage.LogCost(req.Model, "extraction", a.pricing),
	}, nil
}

// OpenAICompleter adapts the OpenAI client.
type OpenAICompleter struct {
	client    openai.Client
	maxTokens int64
	pricing   openai.Pricing
}

// NewOpenAICompleter wraps client. Pricing overrides merge into the defaults.
func NewOpenAICompleter(client openai.Client, maxTokens int64, overrides openai.Pricing) *OpenAICompleter {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAICompleter{
		client:    client,
		maxTokens: maxTokens,
		pricing:   openai.DefaultPricing.With(overrides),
	}
}

// Provider implements Completer.
func (o *OpenAICompleter) Provider() string { return "openai" }

// Complete implements Completer.
func (o *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	temp := req.Temperature
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatRequest{
		Model:       req.Model,
		MaxTokens:   o.maxTokens,
		System:      req.System,
		User:        req.Prompt,
		Images:      req.Images,
		Temperature: &temp,
		JSONMode:    req.JSON,
	})
	if err != nil {
		return nil, eris.Wrap(err, "extraction: openai completion")
	}
	return &Completion{
		Text:         resp.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Cost:         resp.Usage.LogCost(req.Model, "extraction", o.pricing),
	}, nil
}
