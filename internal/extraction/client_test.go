package extraction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/pkg/anthropic"
	"github.com/sells-group/datapoint-review/pkg/openai"
)

type reply struct {
	text string
	err  error
}

// scripted returns its replies in order and repeats the last one.
type scripted struct {
	provider string
	mu       sync.Mutex
	replies  []reply
	calls    []CompletionRequest
	block    bool
}

func (s *scripted) Provider() string { return s.provider }

func (s *scripted) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	r := s.replies[min(len(s.calls), len(s.replies))-1]
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Completion{Text: r.text}, nil
}

func newTestClient(a, o Completer, m *monitoring.Metrics) *Client {
	return NewClient(a, o, Options{CallTimeout: time.Second, DefaultRetries: 3, Backoff: time.Millisecond, Metrics: m})
}

func TestTemperatureFor(t *testing.T) {
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o", 0},
		{"gpt-4.1-mini", 0},
		{"claude-sonnet-4-5", 0},
		{"o1", 1},
		{"o3-mini", 1},
		{"o4-mini", 1},
		{"gpt-5", 1},
		{"gpt-5-mini", 1},
		{"GPT-5", 1},
		{"o10-custom", 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, TemperatureFor(tt.model))
		})
	}
}

func TestExecute_ParsesContract(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{
		text: "```json\n{\"predicted_answer\": \"Yes\", \"confidence\": 0.9, \"reasoning\": \"page 58 says so\"}\n```",
	}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Prompt: "Is it?", Model: "gpt-4o"})
	assert.False(t, res.Failed)
	assert.Equal(t, "Yes", res.PredictedAnswer)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "page 58 says so", res.Reasoning)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "gpt-4o", res.Model)

	require.Len(t, oa.calls, 1)
	call := oa.calls[0]
	assert.True(t, call.JSON)
	assert.Equal(t, 0.0, call.Temperature)
	assert.Contains(t, call.Prompt, "Is it?\n\nRespond with a single JSON object")
	assert.Contains(t, call.Prompt, `"predicted_answer"`)
}

func TestExecute_RoutesByModelFamily(t *testing.T) {
	an := &scripted{provider: "anthropic", replies: []reply{{text: `{"predicted_answer":"No","confidence":1,"reasoning":"r"}`}}}
	oa := &scripted{provider: "openai", replies: []reply{{text: `{"predicted_answer":"Yes","confidence":1,"reasoning":"r"}`}}}
	c := newTestClient(an, oa, nil)

	assert.Equal(t, "No", c.Execute(context.Background(), Request{Model: "claude-sonnet-4-5"}).PredictedAnswer)
	assert.Equal(t, "Yes", c.Execute(context.Background(), Request{Model: "o3"}).PredictedAnswer)
	assert.Len(t, an.calls, 1)
	require.Len(t, oa.calls, 1)
	assert.Equal(t, 1.0, oa.calls[0].Temperature)
}

func TestExecute_MissingBackendReturnsSentinel(t *testing.T) {
	c := newTestClient(nil, nil, nil)
	res := c.Execute(context.Background(), Request{Model: "claude-opus-4-6"})
	assert.True(t, res.Failed)
	assert.Nil(t, res.PredictedAnswer)
	assert.Contains(t, res.Reasoning, "no completion backend")
}

func TestExecute_RetriesEveryFailureMode(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{
		{err: errors.New("connection reset")},
		{text: ""},
		{text: "I think the answer is yes"},
		{text: `{"predicted_answer":"Yes","confidence":"high","reasoning":"r"}`},
		{text: `{"predicted_answer":"Yes","confidence":0.7,"reasoning":"r"}`},
	}}
	m := monitoring.NewMetrics()
	c := newTestClient(nil, oa, m)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 5})
	assert.False(t, res.Failed)
	assert.Equal(t, "Yes", res.PredictedAnswer)
	assert.Equal(t, 5, res.Attempts)
	assert.Len(t, oa.calls, 5)
	assert.Equal(t, 1.0, counterValue(t, m, "review_ai_attempts_total", "error"))
	assert.Equal(t, 3.0, counterValue(t, m, "review_ai_attempts_total", "invalid"))
	assert.Equal(t, 1.0, counterValue(t, m, "review_ai_attempts_total", "ok"))
}

func TestExecute_ExhaustionReturnsSentinel(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{text: "not json"}}}
	m := monitoring.NewMetrics()
	c := newTestClient(nil, oa, m)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 2})
	assert.True(t, res.Failed)
	assert.Nil(t, res.PredictedAnswer)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Reasoning, "unparseable JSON after 2 attempt(s)")
	assert.Len(t, oa.calls, 2)
	assert.Equal(t, 1.0, counterValue(t, m, "review_ai_sentinels_total", "gpt-4o"))
}

func TestExecute_ProseAroundJSONIsRetried(t *testing.T) {
	prose := "Sure! Based on page 58 the answer is: " +
		`{"predicted_answer":"Yes","confidence":0.9,"reasoning":"r"}` + " Hope this helps."
	oa := &scripted{provider: "openai", replies: []reply{
		{text: prose},
		{text: `{"predicted_answer":"No","confidence":0.8,"reasoning":"r"}`},
	}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 3})
	assert.False(t, res.Failed)
	assert.Equal(t, "No", res.PredictedAnswer)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, oa.calls, 2)
}

func TestExecute_ProseAroundJSONExhaustsRetries(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{
		text: `The answer is {"predicted_answer":"Yes","confidence":0.9,"reasoning":"r"}.`,
	}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 3})
	assert.True(t, res.Failed)
	assert.Nil(t, res.PredictedAnswer)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, oa.calls, 3)
	assert.Contains(t, res.Reasoning, "unparseable JSON after 3 attempt(s)")
}

func TestJSONCandidate(t *testing.T) {
	obj := `{"a":1}`
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", "  " + obj + "\n", obj},
		{"json fence", "```json\n" + obj + "\n```", obj},
		{"plain fence", "```\n" + obj + "\n```", obj},
		{"other language fence", "```yaml\n" + obj + "\n```", "```yaml\n" + obj + "\n```"},
		{"prose before", "Here: " + obj, "Here: " + obj},
		{"text after fence", "```json\n" + obj + "\n```\nDone.", "```json\n" + obj + "\n```\nDone."},
		{"empty fence", "```json\n```", ""},
		{"blank", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jsonCandidate(tt.in))
		})
	}
}

func TestExecute_ContractViolation(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{text: `{"predicted_answer":"Yes","confidence":2,"reasoning":"r"}`}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 1})
	assert.True(t, res.Failed)
	assert.Contains(t, res.Reasoning, "output contract violation")
}

func TestExecute_CallTimeoutConsumesAttempt(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{}}, block: true}
	c := NewClient(nil, oa, Options{CallTimeout: 10 * time.Millisecond, Backoff: time.Millisecond})

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Retries: 2})
	assert.True(t, res.Failed)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Reasoning, "transport error")
}

func TestExecute_CustomSchemaWithoutAnswerKey(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["rows"],
		"properties": {"rows": {"type": "object"}}
	}`)
	oa := &scripted{provider: "openai", replies: []reply{{text: `{"rows":{"1":{"ccm":12.5}}}`}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Schema: schema})
	require.False(t, res.Failed)
	answer, ok := res.PredictedAnswer.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, answer, "rows")
	assert.Contains(t, oa.calls[0].Prompt, `"rows"`)
}

func TestExecute_InvalidSchema(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{text: "{}"}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Schema: []byte(`{"type": 12}`)})
	assert.True(t, res.Failed)
	assert.Contains(t, res.Reasoning, "invalid output contract")
	assert.Empty(t, oa.calls)
}

func TestExecute_Freeform(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{text: "  The company reports 12.5%.  "}}}
	c := newTestClient(nil, oa, nil)

	res := c.Execute(context.Background(), Request{Model: "gpt-4o", Prompt: "Summarise", Freeform: true})
	assert.False(t, res.Failed)
	assert.Equal(t, "The company reports 12.5%.", res.PredictedAnswer)
	require.Len(t, oa.calls, 1)
	assert.False(t, oa.calls[0].JSON)
	assert.Equal(t, "Summarise", oa.calls[0].Prompt)
}

func TestExecute_CancelledContextStops(t *testing.T) {
	oa := &scripted{provider: "openai", replies: []reply{{err: errors.New("boom")}}}
	c := NewClient(nil, oa, Options{Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := c.Execute(ctx, Request{Model: "gpt-4o", Retries: 5})
	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.Attempts)
}

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestAnthropicCompleter(t *testing.T) {
	mc := new(mockAnthropic)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5" &&
			req.MaxTokens == 1024 &&
			*req.Temperature == 0 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && len(req.Messages[0].Images) == 1
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}},
		Usage:   anthropic.TokenUsage{InputTokens: 1_000_000},
	}, nil)

	comp := NewAnthropicCompleter(mc, 1024, nil)
	out, err := comp.Complete(context.Background(), CompletionRequest{
		Model:  "claude-haiku-4-5",
		System: "sys",
		Prompt: "p",
		Images: [][]byte{[]byte("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.InDelta(t, 0.80, out.Cost, 0.001)
	assert.Equal(t, "anthropic", comp.Provider())
	mc.AssertExpectations(t)
}

type mockOpenAI struct {
	mock.Mock
}

func (m *mockOpenAI) CreateChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openai.ChatResponse), args.Error(1)
}

func TestOpenAICompleter(t *testing.T) {
	mc := new(mockOpenAI)
	mc.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatRequest) bool {
		return req.Model == "gpt-4o" && req.JSONMode && req.MaxTokens == 4096 && req.System == "sys"
	})).Return(&openai.ChatResponse{Content: "{}", Usage: openai.TokenUsage{PromptTokens: 10}}, nil).Once()
	mc.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(nil, errors.New("429")).Once()

	comp := NewOpenAICompleter(mc, 0, openai.Pricing{"gpt-4o": {Input: 1, Output: 1}})
	out, err := comp.Complete(context.Background(), CompletionRequest{Model: "gpt-4o", System: "sys", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "{}", out.Text)
	assert.Equal(t, int64(10), out.InputTokens)

	_, err = comp.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction: openai completion")
	mc.AssertExpectations(t)
}

func counterValue(t *testing.T, m *monitoring.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetValue() == label {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
