package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
)

func TestSessionFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("fringeBenefits"); err != nil || c.Value != "yup" {
			http.Error(w, "missing cookie", http.StatusForbidden)
			return
		}
		w.Header().Set("X-Seen-UA", r.UserAgent())
		w.Header().Set("X-Seen-Trace", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(srv.Close)

	s, err := NewSession(Config{
		Site:      "test",
		UserAgent: "booru-test",
		Timeout:   time.Second,
		CookieURL: srv.URL,
		Cookies:   []*http.Cookie{{Name: "fringeBenefits", Value: "yup"}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	resp, err := s.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/index.php?page=post",
		Kind:    crawler.FetchPage,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "booru-test", resp.Headers.Get("X-Seen-UA"))
	assert.Equal(t, "yes", resp.Headers.Get("X-Seen-Trace"))

	// same URL twice must not be refused as already visited
	_, err = s.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/index.php?page=post"})
	require.NoError(t, err)
}

func TestSessionFetchStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	s, err := NewSession(Config{}, nil)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing.png", Kind: crawler.FetchAsset})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "404")
}

func TestSessionFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	s, err := NewSession(Config{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

type failingWaiter struct{}

func (failingWaiter) Wait(context.Context, string) error { return errors.New("limited") }

func TestSessionUsesLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	w := &countingWaiter{}
	s, err := NewSession(Config{}, w)
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, int32(1), w.calls.Load())

	blocked, err := NewSession(Config{}, failingWaiter{})
	require.NoError(t, err)
	_, err = blocked.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.EqualError(t, err, "limited")
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	s, err := NewSession(Config{}, nil)
	require.NoError(t, err)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	s.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusTooManyRequests}, errors.New("Too Many Requests"))
	assert.True(t, IsStatus(fetchErr, http.StatusTooManyRequests))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestHolderRefresh(t *testing.T) {
	t.Parallel()

	var opened atomic.Int32
	factory := func() (*Session, error) {
		opened.Add(1)
		return NewSession(Config{}, nil)
	}
	h, err := NewHolder("test", factory, zap.NewNop())
	require.NoError(t, err)
	first := h.current

	require.NoError(t, h.Refresh())
	assert.Equal(t, 1, h.Generation())
	assert.Equal(t, int32(2), opened.Load())
	assert.NotSame(t, first, h.current)

	h.factory = func() (*Session, error) { return nil, errors.New("dial") }
	require.Error(t, h.Refresh())
	assert.Equal(t, 1, h.Generation(), "failed refresh keeps the old session")
	h.Close()
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
