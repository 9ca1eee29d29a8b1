package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/probe/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	ok := statusRequestsTotal.WithLabelValues("GET", "/probe/{name}", "200")
	gone := statusRequestsTotal.WithLabelValues("GET", "/gone", "410")
	okBefore, goneBefore := testutil.ToFloat64(ok), testutil.ToFloat64(gone)

	for _, path := range []string{"/probe/a", "/probe/b", "/gone"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.NotZero(t, rec.Code)
	}

	assert.InDelta(t, okBefore+2, testutil.ToFloat64(ok), 1e-9)
	assert.InDelta(t, goneBefore+1, testutil.ToFloat64(gone), 1e-9)
	assert.Positive(t, testutil.CollectAndCount(statusRequestSeconds))
}
