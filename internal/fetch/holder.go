package fetch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
	"github.com/JakeFAU/booru-crawler/internal/metrics"
)

// Factory opens a fresh Session.
type Factory func() (*Session, error)

// Holder shares the current Session with every pipeline and lets the driver
// swap it for a new one. Refresh and Close must only be called once the
// caller has drained all in-flight requests.
type Holder struct {
	mu         sync.RWMutex
	current    *Session
	factory    Factory
	site       string
	generation int
	logger     *zap.Logger
}

// NewHolder opens the first session.
func NewHolder(site string, factory Factory, logger *zap.Logger) (*Holder, error) {
	session, err := factory()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{
		current: session,
		factory: factory,
		site:    site,
		logger:  logger.Named("session"),
	}, nil
}

// Fetch implements crawler.Fetcher against the current session.
func (h *Holder) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	h.mu.RLock()
	session := h.current
	h.mu.RUnlock()
	return session.Fetch(ctx, request)
}

// Refresh replaces the session and closes the old one. On failure the old
// session stays in place.
func (h *Holder) Refresh() error {
	next, err := h.factory()
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	h.mu.Lock()
	old := h.current
	h.current = next
	h.generation++
	gen := h.generation
	h.mu.Unlock()

	old.Close()
	metrics.ObserveSessionRefresh(h.site)
	h.logger.Info("session refreshed", zap.Int("generation", gen))
	return nil
}

// Generation counts completed refreshes.
func (h *Holder) Generation() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}

// Close closes the current session.
func (h *Holder) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.current.Close()
}
