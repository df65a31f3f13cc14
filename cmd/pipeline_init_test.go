package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapoint-review/internal/config"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
	"github.com/sells-group/datapoint-review/internal/review"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "review.db"),
		},
		OpenAI:    config.OpenAIConfig{Key: "sk-test"},
		OCR:       config.OCRConfig{Provider: "local"},
		Documents: config.DocumentsConfig{Backend: "platform", Retries: 2},
		Platform:  config.PlatformConfig{BaseURL: "http://platform.test", TimeoutSecs: 5},
		Review: config.ReviewConfig{
			DefaultModel:      "gpt-4o",
			Retries:           3,
			AICallTimeoutSecs: 60,
			UseOCR:            true,
			DefaultEpsilon:    0.01,
			GroupConcurrency:  4,
		},
		Scheduler: config.SchedulerConfig{IntervalSecs: 60, PageSize: 10, Concurrency: 1},
		Pricing: config.PricingConfig{Models: map[string]config.ModelPricing{
			"claude-haiku-4-5": {Input: 1, Output: 5},
			"gpt-4o":           {Input: 2.5, Output: 10},
		}},
		Server: config.ServerConfig{Port: 8080},
	}
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() {
		pe.Close()
	})
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = testConfig(t)

	st, err := initStore(context.Background(), "migrate")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_InvalidConfig(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	st, err := initStore(context.Background(), "migrate")
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestInitPipeline_FailsValidation(t *testing.T) {
	cfg = testConfig(t)
	cfg.OpenAI.Key = ""

	env, err := initPipeline(context.Background(), "review")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key or openai.key is required")
}

func TestInitPipeline_BuildsEverything(t *testing.T) {
	cfg = testConfig(t)

	env, err := initPipeline(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Platform)
	assert.NotNil(t, env.Metrics)
	assert.NotNil(t, env.Sink)
	assert.NotNil(t, env.Datasets)
	assert.NotNil(t, env.Datapoints)
	assert.NotNil(t, env.Scheduler)
	assert.Equal(t, review.Options{Model: "gpt-4o", UseOCR: true, Retries: 3}, env.Defaults)
}

func TestInitPipeline_BadTemplatesPath(t *testing.T) {
	cfg = testConfig(t)
	cfg.Review.TemplatesPath = filepath.Join(t.TempDir(), "missing.yaml")

	env, err := initPipeline(context.Background(), "review")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load templates")
}

func TestPricingOverrides(t *testing.T) {
	cfg = testConfig(t)

	a, o := pricingOverrides()
	assert.Contains(t, a, "claude-haiku-4-5")
	assert.NotContains(t, a, "gpt-4o")
	assert.Equal(t, 2.5, o["gpt-4o"].Input)
	assert.NotContains(t, o, "claude-haiku-4-5")
}

func TestReviewOptions_FlagsOverrideDefaults(t *testing.T) {
	defaults := review.Options{Model: "gpt-4o", UseOCR: true, Retries: 3}

	cmd := &cobra.Command{}
	cmd.Flags().StringVar(&reviewModel, "model", "", "")
	cmd.Flags().BoolVar(&reviewOCR, "ocr", true, "")
	cmd.Flags().BoolVar(&reviewPush, "push", false, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--model", "claude-sonnet-4-5", "--ocr=false"}))
	reviewForce = true
	t.Cleanup(func() { reviewForce = false })

	opts := reviewOptions(cmd, defaults)
	assert.Equal(t, "claude-sonnet-4-5", opts.Model)
	assert.False(t, opts.UseOCR)
	assert.False(t, opts.PushBack)
	assert.True(t, opts.Force)
	assert.Equal(t, 3, opts.Retries)
}

func TestPrintDLQ(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printDLQ(&buf, nil))
	assert.Contains(t, buf.String(), "empty")

	buf.Reset()
	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, printDLQ(&buf, []resilience.DLQEntry{{
		ID:          "e1",
		Item:        model.PendingItem{ID: "ds-1", Kind: model.ItemKindDataset},
		Error:       "platform: GET /datasets/ds-1 returned 503",
		ErrorType:   resilience.ClassTransient,
		RetryCount:  1,
		MaxRetries:  3,
		NextRetryAt: next,
	}}))
	out := buf.String()
	assert.Contains(t, out, "ds-1")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]string{"status": "already_claimed"}))
	assert.Contains(t, buf.String(), `"status": "already_claimed"`)
}
