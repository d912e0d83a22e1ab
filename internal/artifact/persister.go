package artifact

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoredArtifact describes a persisted provider output.
type StoredArtifact struct {
	StorageKey  string
	StorageURL  string
	SizeBytes   int64
	ContentType string
}

// Persister downloads a completed provider artifact and re-uploads it to
// durable storage. The caller only learns of success after both steps
// complete; a failed download or upload leaves no referenced partial state.
type Persister struct {
	store      Store
	httpClient *http.Client
	signedTTL  time.Duration
	maxBytes   int64
	logger     *zap.Logger
}

type PersisterOption func(*Persister)

func WithSignedTTL(ttl time.Duration) PersisterOption {
	return func(p *Persister) { p.signedTTL = ttl }
}

func WithMaxDownloadBytes(n int64) PersisterOption {
	return func(p *Persister) { p.maxBytes = n }
}

func WithDownloadTimeout(d time.Duration) PersisterOption {
	return func(p *Persister) { p.httpClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) PersisterOption {
	return func(p *Persister) { p.httpClient = hc }
}

func NewPersister(store Store, logger *zap.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:      store,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		signedTTL:  24 * time.Hour,
		maxBytes:   64 << 20,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SignedTTL is the validity window applied to generated read URLs.
func (p *Persister) SignedTTL() time.Duration {
	return p.signedTTL
}

// SignedURLFor regenerates a read URL for an already-stored key.
func (p *Persister) SignedURLFor(key string) (string, error) {
	return p.store.SignedURL(key, p.signedTTL)
}

// Persist downloads externalURL and stores it under a collision-resistant
// key scoped to the owner and category. Downloads are capped at maxBytes;
// exceeding the cap fails before any upload happens.
func (p *Persister) Persist(ctx context.Context, externalURL string, ownerID int64, category string) (*StoredArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, externalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("artifact download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("artifact exceeds download ceiling of %d bytes", p.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	ext := inferExtension(externalURL, contentType)
	if contentType == "" && ext != "" {
		contentType = mime.TypeByExtension(ext)
	}

	key := fmt.Sprintf("%d/%s/%s-%s%s",
		ownerID, category, time.Now().UTC().Format("20060102"), uuid.NewString(), ext)

	if err := p.store.Put(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("failed to upload artifact: %w", err)
	}

	signedURL, err := p.store.SignedURL(key, p.signedTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign artifact url: %w", err)
	}

	p.logger.Info("persisted artifact",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.String("content_type", contentType))

	return &StoredArtifact{
		StorageKey:  key,
		StorageURL:  signedURL,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
	}, nil
}

// inferExtension prefers the URL path's extension, falling back to the
// response content type.
func inferExtension(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(contentType, "video/webm"):
		return ".webm"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
