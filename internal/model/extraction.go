package model

// ExtractionResult is the typed answer of one AI extraction call. On failure
// it is the null sentinel returned by NullExtraction, never a partial value.
type ExtractionResult struct {
	PredictedAnswer any            `json:"predicted_answer"`
	Confidence      float64        `json:"confidence"`
	Reasoning       string         `json:"reasoning"`
	VerdictHint     string         `json:"verdict,omitempty"`
	Raw             map[string]any `json:"-"`
	Model           string         `json:"model,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	Failed          bool           `json:"failed,omitempty"`
}

// NullExtraction returns the fixed-shape failure sentinel.
func NullExtraction(reason string, attempts int) ExtractionResult {
	return ExtractionResult{
		PredictedAnswer: nil,
		Confidence:      0.0,
		Reasoning:       reason,
		Attempts:        attempts,
		Failed:          true,
	}
}

// AnswerString renders the predicted answer as a string. A nil answer returns "".
func (r ExtractionResult) AnswerString() string {
	switch v := r.PredictedAnswer.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return formatAny(v)
	}
}

// TokenUsage tracks token consumption of one or more completion calls.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
