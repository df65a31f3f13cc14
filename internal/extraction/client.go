// Package extraction asks an AI model to re-derive a recorded value from
// source document text and returns a typed, never-partial result.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// Request is one extraction.
type Request struct {
	Prompt   string
	Model    string
	Retries  int // total attempts; <= 0 uses the client default
	Images   [][]byte
	Schema   json.RawMessage // output contract; empty uses DefaultContract
	Freeform bool            // skip the JSON contract and return the raw text
}

const systemPrompt = "You verify regulatory disclosure data against the source document. " +
	"Answer only from the document content provided."

// Options configures a Client.
type Options struct {
	CallTimeout    time.Duration // per attempt, default 120s
	DefaultRetries int           // default 3
	Backoff        time.Duration // first wait between attempts, default 500ms
	Metrics        *monitoring.Metrics
}

// Client routes extractions to a completion backend by model family.
type Client struct {
	anthropic Completer
	openai    Completer
	opts      Options
}

// NewClient creates a Client. Either backend may be nil when its provider is
// not configured; requests for that family then return the sentinel.
func NewClient(anthropicBackend, openaiBackend Completer, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.DefaultRetries <= 0 {
		opts.DefaultRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Client{anthropic: anthropicBackend, openai: openaiBackend, opts: opts}
}

// TemperatureFor returns the sampling temperature for model. Reasoning
// model families only accept 1.
func TemperatureFor(model string) float64 {
	m := strings.ToLower(model)
	for _, family := range []string{"o1", "o3", "o4", "gpt-5"} {
		if m == family || strings.HasPrefix(m, family+"-") {
			return 1
		}
	}
	return 0
}

func (c *Client) backendFor(model string) Completer {
	if IsAnthropicModel(model) {
		return c.anthropic
	}
	return c.openai
}

// Execute runs req with a bounded retry budget. Every failure mode consumes
// one attempt. It never returns an error: at exhaustion the result is the
// null sentinel naming the last failure.
func (c *Client) Execute(ctx context.Context, req Request) model.ExtractionResult {
	log := zap.L().With(zap.String("model", req.Model))

	backend := c.backendFor(req.Model)
	if backend == nil {
		log.Warn("extraction: no backend configured")
		c.opts.Metrics.ObserveSentinel(req.Model)
		return model.NullExtraction(fmt.Sprintf("no completion backend configured for model %s", req.Model), 0)
	}

	schema := []byte(req.Schema)
	creq := CompletionRequest{
		Model:       req.Model,
		System:      systemPrompt,
		Prompt:      req.Prompt,
		Images:      req.Images,
		Temperature: TemperatureFor(req.Model),
	}
	if !req.Freeform {
		contract, err := CompileContract(schema)
		if err != nil {
			log.Error("extraction: invalid output contract", zap.Error(err))
			c.opts.Metrics.ObserveSentinel(req.Model)
			return model.NullExtraction("invalid output contract: "+err.Error(), 0)
		}
		if len(schema) == 0 {
			schema = []byte(DefaultContract)
		}
		creq.Prompt = req.Prompt + "\n\n" + contractInstruction(schema)
		creq.JSON = true
		return c.run(ctx, backend, creq, req.Retries, func(text string) (model.ExtractionResult, error) {
			obj, err := parseStructured(text, contract)
			if err != nil {
				return model.ExtractionResult{}, err
			}
			return resultFromObject(obj), nil
		})
	}

	return c.run(ctx, backend, creq, req.Retries, func(text string) (model.ExtractionResult, error) {
		text = strings.TrimSpace(text)
		if text == "" {
			return model.ExtractionResult{}, &attemptError{mode: failEmpty}
		}
		return model.ExtractionResult{PredictedAnswer: text, Raw: map[string]any{"text": text}}, nil
	})
}

func (c *Client) run(ctx context.Context, backend Completer, creq CompletionRequest, retries int,
	decode func(text string) (model.ExtractionResult, error),
) model.ExtractionResult {
	if retries <= 0 {
		retries = c.opts.DefaultRetries
	}
	provider := backend.Provider()
	log := zap.L().With(zap.String("model", creq.Model), zap.String("provider", provider))

	attempts := 0
	result, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    retries,
		InitialBackoff: c.opts.Backoff,
		MaxBackoff:     30 * time.Second,
		ShouldRetry:    func(error) bool { return true },
		OnRetry:        resilience.RetryLogger(provider, "extraction"),
	}, func(ctx context.Context) (model.ExtractionResult, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()

		completion, err := backend.Complete(callCtx, creq)
		if err != nil {
			c.opts.Metrics.ObserveAIAttempt(provider, "error")
			return model.ExtractionResult{}, &attemptError{mode: failTransport, err: err}
		}
		res, err := decode(completion.Text)
		if err != nil {
			c.opts.Metrics.ObserveAIAttempt(provider, "invalid")
			return model.ExtractionResult{}, err
		}
		c.opts.Metrics.ObserveAIAttempt(provider, "ok")
		return res, nil
	})
	if err != nil {
		log.Warn("extraction: retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
		c.opts.Metrics.ObserveSentinel(creq.Model)
		return model.NullExtraction(sentinelReason(err, attempts), attempts)
	}

	result.Model = creq.Model
	result.Attempts = attempts
	return result
}

func sentinelReason(err error, attempts int) string {
	mode := "extraction failed"
	var ae *attemptError
	if errors.As(err, &ae) {
		mode = ae.mode
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		mode = "cancelled"
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", mode, attempts, err)
}

// resultFromObject maps a validated object onto the result. Contracts
// without predicted_answer yield the whole object as the answer.
func resultFromObject(obj map[string]any) model.ExtractionResult {
	res := model.ExtractionResult{Raw: obj}
	if answer, ok := obj["predicted_answer"]; ok {
		res.PredictedAnswer = answer
	} else {
		res.PredictedAnswer = obj
	}
	if conf, ok := obj["confidence"].(float64); ok {
		res.Confidence = conf
	}
	if reasoning, ok := obj["reasoning"].(string); ok {
		res.Reasoning = reasoning
	}
	if verdict, ok := obj["verdict"].(string); ok {
		res.VerdictHint = verdict
	}
	return res
}
