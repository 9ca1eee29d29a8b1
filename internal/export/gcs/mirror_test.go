package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/export"
)

func newTestMirror(t *testing.T, handler http.Handler) *Mirror {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	m, err := New(client, Config{Bucket: "test-bucket", Prefix: "/mirror/"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func writePair(t *testing.T) export.Item {
	t.Helper()
	dir := t.TempDir()
	asset := filepath.Join(dir, "123.png")
	meta := filepath.Join(dir, "123.json")
	require.NoError(t, os.WriteFile(asset, []byte("png-bytes"), 0o600))
	require.NoError(t, os.WriteFile(meta, []byte(`{"image_id":"123"}`), 0o600))
	return export.Item{
		Site:         "gelbooru",
		Record:       crawler.IngestRecord{ImageID: "123"},
		AssetPath:    asset,
		MetadataPath: meta,
	}
}

func TestExportUploadsPair(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		names  []string
		bodies []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		name := r.URL.Query().Get("name")
		mu.Lock()
		names = append(names, name)
		bodies = append(bodies, string(body))
		mu.Unlock()
		fmt.Fprintln(w, `{"name": "`+name+`", "bucket": "test-bucket"}`)
	})
	m := newTestMirror(t, handler)

	require.NoError(t, m.Export(context.Background(), writePair(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mirror/gelbooru/123.png", "mirror/gelbooru/123.json"}, names)
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "png-bytes")
	assert.Contains(t, bodies[1], `{"image_id":"123"}`)
}

func TestExportServerError(t *testing.T) {
	t.Parallel()

	m := newTestMirror(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	require.Error(t, m.Export(context.Background(), writePair(t)))
}

func TestExportMissingFile(t *testing.T) {
	t.Parallel()

	m := newTestMirror(t, http.NotFoundHandler())
	err := m.Export(context.Background(), export.Item{Site: "yandere", AssetPath: filepath.Join(t.TempDir(), "nope.png")})
	require.ErrorContains(t, err, "open")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, nil)
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{}, nil)
	require.Error(t, err)

	m, err := New(client, Config{Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gelbooru/1.png", m.ObjectName("gelbooru", "/data/1.png"))
}
