package artifact

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPersister(t *testing.T, opts ...PersisterOption) (*Persister, *FSStore) {
	t.Helper()
	store := newTestStore(t)
	return NewPersister(store, zap.NewNop(), opts...), store
}

func TestPersist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "fake png bytes")
	}))
	defer srv.Close()

	p, store := newTestPersister(t)
	art, err := p.Persist(context.Background(), srv.URL+"/outputs/result.png", 42, "image")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(art.StorageKey, "42/image/"), "key %q must be owner and category scoped", art.StorageKey)
	assert.Regexp(t, regexp.MustCompile(`^42/image/\d{8}-[0-9a-f-]{36}\.png$`), art.StorageKey)
	assert.Equal(t, int64(len("fake png bytes")), art.SizeBytes)
	assert.Equal(t, "image/png", art.ContentType)

	// The artifact is on disk and the returned URL verifies.
	path, err := store.FilePath(art.StorageKey)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake png bytes", string(data))

	u, err := url.Parse(art.StorageURL)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	assert.True(t, store.Verify(art.StorageKey, expires, u.Query().Get("sig")))
}

func TestPersistInfersExtensionFromContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		fmt.Fprint(w, "mp4 bytes")
	}))
	defer srv.Close()

	p, _ := newTestPersister(t)
	// No extension in the URL path.
	art, err := p.Persist(context.Background(), srv.URL+"/outputs/result", 7, "video")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(art.StorageKey, ".mp4"), "key %q", art.StorageKey)
}

func TestPersistEnforcesDownloadCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 32))
	}))
	defer srv.Close()

	p, _ := newTestPersister(t, WithMaxDownloadBytes(16))
	_, err := p.Persist(context.Background(), srv.URL+"/big.png", 1, "image")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ceiling")
}

func TestPersistUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p, _ := newTestPersister(t)
	_, err := p.Persist(context.Background(), srv.URL+"/missing.png", 1, "image")
	require.Error(t, err)
}

func TestSignedURLFor(t *testing.T) {
	p, store := newTestPersister(t, WithSignedTTL(time.Hour))
	signed, err := p.SignedURLFor("3/image/existing.png")
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	assert.True(t, store.Verify("3/image/existing.png", expires, u.Query().Get("sig")))
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), expires, 5)
}
