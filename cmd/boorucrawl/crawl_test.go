package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, storeDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf("store:\n  dir: %s\ncrawl:\n  retry_delay: 1ms\n  page_retry_limit: 1\n", storeDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCrawlEmptyBoardExitsZero(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotTags string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotTags = r.URL.Query().Get("tags")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"posts":[],"tags":{}}`))
	}))
	t.Cleanup(srv.Close)

	cfgPath := writeConfig(t, t.TempDir())
	var stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"crawl", "--config", cfgPath, "--site", "yandere", "-s", srv.URL, "cat_ears",
	}, &stderr)

	assert.Equal(t, 0, code, stderr.String())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "order:id_desc cat_ears", gotTags)
}

func TestCrawlConfigErrorsExitOne(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, t.TempDir())
	tests := map[string][]string{
		"width without height": {"crawl", "--config", cfgPath, "-W", "10"},
		"unknown site":         {"crawl", "--config", cfgPath, "--site", "danbooru"},
		"whitespace tag":       {"crawl", "--config", cfgPath, "--site", "yandere", "-s", "http://127.0.0.1:1", "two words"},
		"missing config":       {"crawl", "--config", filepath.Join(t.TempDir(), "absent.yaml")},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var stderr bytes.Buffer
			assert.Equal(t, 1, execute(context.Background(), args, &stderr))
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestCrawlFatalPageErrorsExitOne(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfgPath := writeConfig(t, t.TempDir())
	var stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"crawl", "--config", cfgPath, "--site", "yandere", "-s", srv.URL,
	}, &stderr)
	assert.Equal(t, 1, code)
}
