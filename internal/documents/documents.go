// Package documents downloads source PDF bytes by file reference.
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapoint-review/internal/config"
)

// ErrNotFound is returned when the backend has no document for a reference.
var ErrNotFound = eris.New("documents: not found")

// Store fetches the raw bytes of a source document.
type Store interface {
	GetDocumentBytes(ctx context.Context, fileRef string) ([]byte, error)
}

// New builds the backend selected by cfg.Backend. The platform backend reuses
// the platform base URL and API key.
func New(ctx context.Context, cfg config.DocumentsConfig, platform config.PlatformConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Backend {
	case "s3":
		st, err = NewS3Store(ctx, cfg)
	case "platform", "":
		st = NewPlatformStore(platform.BaseURL, platform.APIKey, platform.Timeout())
	default:
		return nil, eris.Errorf("documents: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(st, cfg.Retries, time.Second), nil
}

// Retrying wraps a Store and retries failed downloads. ErrNotFound is never
// retried.
type Retrying struct {
	inner    Store
	attempts uint
	delay    time.Duration
}

// WithRetry wraps st so each download is attempted up to attempts times with
// exponential backoff starting at delay.
func WithRetry(st Store, attempts uint, delay time.Duration) *Retrying {
	if attempts == 0 {
		attempts = 1
	}
	return &Retrying{inner: st, attempts: attempts, delay: delay}
}

// GetDocumentBytes implements Store.
func (r *Retrying) GetDocumentBytes(ctx context.Context, fileRef string) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			data, err := r.inner.GetDocumentBytes(ctx, fileRef)
			if errors.Is(err, ErrNotFound) {
				return nil, retry.Unrecoverable(err)
			}
			return data, err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			zap.L().Warn("documents: download failed, retrying",
				zap.String("file_reference", fileRef),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}
