// Package fetch implements crawler.Fetcher on top of gocolly, plus the
// replaceable session holder the driver refreshes between pages.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	// Site labels fetch latency metrics.
	Site      string
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes truncates bodies; zero means unlimited.
	MaxBodyBytes int
	// CookieURL scopes Cookies; both must be set for cookies to be sent.
	CookieURL string
	Cookies   []*http.Cookie
}

// Waiter paces outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Session is one connection pool plus cookie jar. Requests may run
// concurrently; Close must only be called once nothing is in flight.
type Session struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	limiter       Waiter
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewSession builds a Session. limiter may be nil.
func NewSession(cfg Config, limiter Waiter) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	// zero lifts colly's 10 MiB default, original assets are often larger
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(max(cfg.MaxBodyBytes, 0)),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)

	// The HTTP backend is shared by every clone, so transport and timeout are
	// configured once here and never touched per request.
	transport := newHTTPTransport()
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.CookieURL != "" && len(cfg.Cookies) > 0 {
		if err := c.SetCookies(cfg.CookieURL, cfg.Cookies); err != nil {
			return nil, fmt.Errorf("set session cookies: %w", err)
		}
	}

	return &Session{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
	}, nil
}

// Fetch executes a single HTTP GET using Colly.
func (s *Session) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := s.baseCollector.Clone()
	s.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	err := s.runCollector(ctx, collector, request.URL, &fetchErr)
	metrics.ObserveFetch(s.cfg.Site, string(request.Kind), time.Since(start))
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

func (s *Session) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		metrics.ObserveRequest(request.URL, r.StatusCode, len(r.Body))
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			metrics.ObserveRequest(request.URL, r.StatusCode, len(r.Body))
			*fetchErr = &StatusError{URL: request.URL, StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func (s *Session) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", url, *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		return nil
	}
}

// Close drops pooled connections.
func (s *Session) Close() {
	s.transport.CloseIdleConnections()
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
	}
}
