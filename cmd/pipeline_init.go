package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/compare"
	"github.com/sells-group/datapoint-review/internal/doccache"
	"github.com/sells-group/datapoint-review/internal/documents"
	"github.com/sells-group/datapoint-review/internal/extraction"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/ocr"
	"github.com/sells-group/datapoint-review/internal/resilience"
	"github.com/sells-group/datapoint-review/internal/review"
	"github.com/sells-group/datapoint-review/internal/scheduler"
	"github.com/sells-group/datapoint-review/internal/store"
	"github.com/sells-group/datapoint-review/internal/templates"
	anthropicpkg "github.com/sells-group/datapoint-review/pkg/anthropic"
	openaipkg "github.com/sells-group/datapoint-review/pkg/openai"
	"github.com/sells-group/datapoint-review/pkg/platform"
)

// pipelineEnv holds all initialized clients and reviewers needed by the
// serve/schedule/review/dlq commands.
type pipelineEnv struct {
	Store      store.Store
	Platform   *platform.Client
	Metrics    *monitoring.Metrics
	Sink       monitoring.Sink
	Datasets   *review.DatasetReviewer
	Datapoints *review.DatapointReviewer
	Scheduler  *scheduler.Scheduler
	Defaults   review.Options
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore validates the config for mode, opens the configured store and
// applies migrations.
func initStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// reviewDefaults are the review options used when a caller sets none.
func reviewDefaults() review.Options {
	return review.Options{
		Model:    cfg.Review.DefaultModel,
		UseOCR:   cfg.Review.UseOCR,
		PushBack: cfg.Review.PushBack,
		Retries:  cfg.Review.Retries,
	}
}

// initPipeline sets up the store, all API clients and the reviewers.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	st, err := initStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	env, err := buildPipeline(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func buildPipeline(ctx context.Context, st store.Store) (*pipelineEnv, error) {
	metrics := monitoring.NewMetrics()

	docs, err := documents.New(ctx, cfg.Documents, cfg.Platform)
	if err != nil {
		return nil, eris.Wrap(err, "init documents")
	}
	extractor, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, eris.Wrap(err, "init ocr")
	}
	cache := doccache.New(st, docs, extractor,
		doccache.WithBreaker(resilience.NewCircuitBreaker("ocr", resilience.DefaultBreakerConfig())),
		doccache.WithRateLimit(cfg.OCR.RequestsPerSecond),
		doccache.WithMetrics(metrics),
	)

	anthropicPricing, openaiPricing := pricingOverrides()
	var anthropicBackend, openaiBackend extraction.Completer
	if cfg.Anthropic.Key != "" {
		anthropicBackend = extraction.NewAnthropicCompleter(
			anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL),
			cfg.Anthropic.MaxTokens, anthropicPricing)
	} else {
		zap.L().Debug("REVIEW_ANTHROPIC_KEY not set, claude models disabled")
	}
	if cfg.OpenAI.Key != "" {
		openaiBackend = extraction.NewOpenAICompleter(
			openaipkg.NewClient(cfg.OpenAI.Key, cfg.OpenAI.BaseURL),
			cfg.OpenAI.MaxTokens, openaiPricing)
	} else {
		zap.L().Debug("REVIEW_OPENAI_KEY not set, openai models disabled")
	}
	ai := extraction.NewClient(anthropicBackend, openaiBackend, extraction.Options{
		CallTimeout:    cfg.Review.AICallTimeout(),
		DefaultRetries: cfg.Review.Retries,
		Metrics:        metrics,
	})

	reg, err := templates.Load(cfg.Review.TemplatesPath)
	if err != nil {
		return nil, eris.Wrap(err, "load templates")
	}
	zap.L().Info("templates loaded", zap.Strings("keys", reg.Names()))

	plat := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.APIKey, cfg.Platform.Timeout())
	defaults := reviewDefaults()
	deps := review.Deps{
		Platform:  plat,
		Text:      cache,
		Documents: docs,
		Renderer:  ocr.NewRenderer(cfg.OCR),
		Extractor: ai,
		Templates: reg,
		Tolerances: compare.Tolerances{
			Default:    cfg.Review.DefaultEpsilon,
			ByCategory: cfg.Review.Epsilons,
		},
		Metrics:          metrics,
		Defaults:         defaults,
		GroupConcurrency: cfg.Review.GroupConcurrency,
	}
	datasets := review.NewDatasetReviewer(deps, st)
	datapoints := review.NewDatapointReviewer(deps, st)
	sink := monitoring.NewSink(cfg.Alerts)

	return &pipelineEnv{
		Store:      st,
		Platform:   plat,
		Metrics:    metrics,
		Sink:       sink,
		Datasets:   datasets,
		Datapoints: datapoints,
		Scheduler:  scheduler.New(plat, datasets, datapoints, st, sink, cfg.Scheduler, defaults),
		Defaults:   defaults,
	}, nil
}

// pricingOverrides splits configured model prices by provider.
func pricingOverrides() (anthropicpkg.Pricing, openaipkg.Pricing) {
	a := anthropicpkg.Pricing{}
	o := openaipkg.Pricing{}
	for model, p := range cfg.Pricing.Models {
		if extraction.IsAnthropicModel(model) {
			a[model] = anthropicpkg.ModelPrice{Input: p.Input, Output: p.Output}
			continue
		}
		o[model] = openaipkg.ModelPrice{Input: p.Input, Output: p.Output}
	}
	return a, o
}
