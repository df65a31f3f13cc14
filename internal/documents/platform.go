package documents

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
)

// PlatformStore downloads documents through the disclosure platform API:
// GET {base}/documents/{fileRef}.
type PlatformStore struct {
	client *resty.Client
}

// NewPlatformStore creates a PlatformStore.
func NewPlatformStore(baseURL, apiKey string, timeout time.Duration) *PlatformStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/pdf")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &PlatformStore{client: client}
}

// GetDocumentBytes downloads the document for fileRef.
func (p *PlatformStore) GetDocumentBytes(ctx context.Context, fileRef string) ([]byte, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		Get("/documents/" + url.PathEscape(fileRef))
	if err != nil {
		return nil, eris.Wrapf(err, "documents: download %s", fileRef)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return nil, eris.Wrapf(ErrNotFound, "platform document %s", fileRef)
	case code >= 400:
		return nil, eris.Errorf("documents: download %s returned %d", fileRef, code)
	}
	return resp.Body(), nil
}
