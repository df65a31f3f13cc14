// Package doccache serves OCR text of document pages, extracting each
// (file reference, page) at most once and persisting it for later reviews.
package doccache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/datapoint-review/internal/documents"
	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/monitoring"
	"github.com/sells-group/datapoint-review/internal/ocr"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// PageStore persists extracted page text.
type PageStore interface {
	GetCachedPages(ctx context.Context, fileRef string, pages []int) (map[int]string, error)
	InsertCachedPages(ctx context.Context, pages []model.CachedDocumentPage) (int, error)
}

// Cache reads page text from the store and fills gaps through OCR.
type Cache struct {
	store   PageStore
	docs    documents.Store
	ocr     ocr.Extractor
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	metrics *monitoring.Metrics
	subset  func(pdf []byte, pages []int) ([]byte, []int, error)
	locks   *keyLocks
}

// Option configures a Cache.
type Option func(*Cache)

// WithBreaker routes OCR calls through cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Cache) { c.breaker = cb }
}

// WithRateLimit caps OCR calls per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(c *Cache) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithMetrics records OCR calls and page sources.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache.
func New(st PageStore, docs documents.Store, ex ocr.Extractor, opts ...Option) *Cache {
	c := &Cache{
		store:  st,
		docs:   docs,
		ocr:    ex,
		subset: ocr.Subset,
		locks:  newKeyLocks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker("ocr", resilience.DefaultBreakerConfig())
	}
	return c
}

// GetText returns the text of the requested pages of fileRef formatted as
// "## Page N" sections in page order. Pages the document does not contain
// are omitted.
func (c *Cache) GetText(ctx context.Context, datasetID, fileRef string, pages []int) (string, error) {
	pages = normalizePages(pages)
	if len(pages) == 0 {
		return "", nil
	}
	log := zap.L().With(zap.String("dataset_id", datasetID), zap.String("file_reference", fileRef))

	have, err := c.store.GetCachedPages(ctx, fileRef, pages)
	if err != nil {
		return "", eris.Wrap(err, "doccache: read cached pages")
	}
	if have == nil {
		have = make(map[int]string, len(pages))
	}
	missing := missingPages(pages, have)
	if len(missing) == 0 {
		c.metrics.ObservePages(len(pages), 0)
		return FormatPages(pages, have), nil
	}

	release, err := c.locks.lockAll(ctx, fileRef, missing)
	if err != nil {
		return "", eris.Wrap(err, "doccache: acquire page locks")
	}
	defer release()

	// Another caller may have filled some pages while we waited.
	again, err := c.store.GetCachedPages(ctx, fileRef, missing)
	if err != nil {
		return "", eris.Wrap(err, "doccache: re-read cached pages")
	}
	for p, text := range again {
		have[p] = text
	}
	missing = missingPages(missing, have)
	if len(missing) == 0 {
		c.metrics.ObservePages(len(pages), 0)
		return FormatPages(pages, have), nil
	}

	extracted, err := c.extract(ctx, fileRef, missing)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	records := make([]model.CachedDocumentPage, 0, len(extracted))
	for _, p := range missing {
		text, ok := extracted[p]
		if !ok {
			continue
		}
		have[p] = text
		records = append(records, model.CachedDocumentPage{FileReference: fileRef, Page: p, Text: text, CreatedAt: now})
	}
	if n, err := c.store.InsertCachedPages(ctx, records); err != nil {
		log.Warn("doccache: failed to cache extracted pages", zap.Error(err))
	} else {
		log.Debug("doccache: cached extracted pages", zap.Int("written", n), zap.Ints("pages", missing))
	}
	c.metrics.ObservePages(len(pages)-len(missing), len(records))

	return FormatPages(pages, have), nil
}

// extract runs OCR once over a PDF reduced to pages. Pages outside the
// document are absent from the result.
func (c *Cache) extract(ctx context.Context, fileRef string, pages []int) (map[int]string, error) {
	pdf, err := c.docs.GetDocumentBytes(ctx, fileRef)
	if err != nil {
		return nil, eris.Wrapf(err, "doccache: fetch document %s", fileRef)
	}

	reduced, kept, err := c.subset(pdf, pages)
	if err != nil {
		return nil, eris.Wrapf(err, "doccache: subset document %s", fileRef)
	}
	if len(kept) == 0 {
		return map[int]string{}, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "doccache: ocr rate limit")
		}
	}

	texts, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]string, error) {
		return c.ocr.ExtractPages(ctx, reduced)
	})
	c.metrics.ObserveOCRCall(err)
	if err != nil {
		return nil, eris.Wrapf(err, "doccache: ocr %s", fileRef)
	}

	// Trailing blank pages may be dropped by the extractor; store them empty.
	out := make(map[int]string, len(kept))
	for i, p := range kept {
		if i < len(texts) {
			out[p] = strings.TrimSpace(texts[i])
		} else {
			out[p] = ""
		}
	}
	return out, nil
}

// FormatPages renders the pages present in text as "## Page N" sections.
func FormatPages(pages []int, text map[int]string) string {
	var b strings.Builder
	for _, p := range pages {
		t, ok := text[p]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Page %d\n\n%s", p, t)
	}
	return b.String()
}

func normalizePages(pages []int) []int {
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		if p > 0 {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func missingPages(pages []int, have map[int]string) []int {
	var out []int
	for _, p := range pages {
		if _, ok := have[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
