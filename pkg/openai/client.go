// Package openai wraps the OpenAI chat completions API for the review engine.
package openai

import (
	"context"
	"encoding/base64"
	"strings"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the OpenAI operations used by the review engine.
type Client interface {
	CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is our own request type for chat completions.
type ChatRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	User        string
	Images      [][]byte // PNG bytes sent ahead of the user text
	Temperature *float64
	JSONMode    bool
}

// ChatResponse is our own response type for chat completions.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens       int64
	CompletionTokens   int64
	CachedPromptTokens int64
}

// ModelPrice is the USD price per million tokens of one model.
type ModelPrice struct {
	Input  float64
	Output float64
}

// Pricing maps model ids to prices. Lookups fall back to the longest
// matching prefix so dated snapshots share the family price.
type Pricing map[string]ModelPrice

// DefaultPricing holds list prices of the OpenAI models we review with.
var DefaultPricing = Pricing{
	"gpt-4o":      {Input: 2.50, Output: 10.00},
	"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	"gpt-4.1":     {Input: 2.00, Output: 8.00},
	"gpt-5":       {Input: 1.25, Output: 10.00},
	"o3":          {Input: 2.00, Output: 8.00},
	"o4-mini":     {Input: 1.10, Output: 4.40},
}

// With returns a copy of p with overrides applied.
func (p Pricing) With(overrides Pricing) Pricing {
	out := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (p Pricing) lookup(model string) (ModelPrice, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}
	best := ""
	for k := range p {
		if strings.HasPrefix(model, k+"-") && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return p[best], true
}

// EstimateCost computes an estimated cost in USD. Cached prompt tokens are
// billed at half the input price. Returns 0 for unknown models.
func (u TokenUsage) EstimateCost(model string, pricing Pricing) float64 {
	price, ok := pricing.lookup(model)
	if !ok {
		return 0
	}
	uncached := u.PromptTokens - u.CachedPromptTokens
	inCost := (float64(uncached) / 1e6) * price.Input
	cachedCost := (float64(u.CachedPromptTokens) / 1e6) * price.Input * 0.5
	outCost := (float64(u.CompletionTokens) / 1e6) * price.Output
	return inCost + cachedCost + outCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u TokenUsage) LogCost(model, phase string, pricing Pricing) float64 {
	cost := u.EstimateCost(model, pricing)
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.PromptTokens),
		zap.Int64("output_tokens", u.CompletionTokens),
		zap.Int64("cache_read_tokens", u.CachedPromptTokens),
		zap.Float64("estimated_cost_usd", cost),
	)
	return cost
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a new OpenAI client backed by the SDK. An empty baseURL
// keeps the SDK default, which also lets OpenAI-compatible gateways be used.
func NewClient(apiKey, baseURL string) Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toSDKMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.JSONMode {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	return fromSDKCompletion(resp), nil
}

func toSDKMessages(req ChatRequest) []sdk.ChatCompletionMessageParamUnion {
	var msgs []sdk.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}
	if len(req.Images) == 0 {
		return append(msgs, sdk.UserMessage(req.User))
	}

	parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		}))
	}
	parts = append(parts, sdk.TextContentPart(req.User))
	return append(msgs, sdk.UserMessage(parts))
}

func fromSDKCompletion(resp *sdk.ChatCompletion) *ChatResponse {
	out := &ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: TokenUsage{
			PromptTokens:       resp.Usage.PromptTokens,
			CompletionTokens:   resp.Usage.CompletionTokens,
			CachedPromptTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out
}
