package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/state"
)

type fixedSource struct{ snap state.Snapshot }

func (f fixedSource) Snapshot() state.Snapshot { return f.snap }

type flagStopper struct{ stopped atomic.Bool }

func (f *flagStopper) Interrupted() bool { return f.stopped.Load() }

func newTestServer(t *testing.T, stop Stopper) *Server {
	t.Helper()
	score := 12
	info := RunInfo{
		RunID:     "run-1",
		Site:      "gelbooru",
		Query:     "sort:id:desc cat",
		StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	src := fixedSource{snap: state.Snapshot{
		Known:            40,
		Persisted:        3,
		LastReachedID:    "1001",
		LastReachedScore: &score,
	}}
	s, err := New(info, src, stop, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return info.StartedAt.Add(90*time.Second + 300*time.Millisecond) }
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	stop := &flagStopper{}
	s := newTestServer(t, stop)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, get(t, s, "/readyz").Code)
	stop.stopped.Store(true)
	rec = get(t, s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopping")
	require.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
}

func TestStatusz(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, nil), "/statusz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "gelbooru", got.Site)
	assert.Equal(t, "1m30s", got.Uptime)
	assert.False(t, got.Stopping)
	assert.Equal(t, 40, got.Counters.Known)
	assert.Equal(t, int64(3), got.Counters.Persisted)
	require.NotNil(t, got.Counters.LastReachedScore)
	assert.Equal(t, 12, *got.Counters.LastReachedScore)
}

func TestMetricsAndUnknownRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	require.Equal(t, http.StatusNotFound, get(t, s, "/v1/jobs").Code)
}

func TestServeStopsWithContext(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(body), "ok")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewRequiresSource(t *testing.T) {
	t.Parallel()

	_, err := New(RunInfo{}, nil, nil, nil)
	require.Error(t, err)
}
