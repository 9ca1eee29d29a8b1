package export

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/booru-crawler/internal/crawler"
)

type mockExporter struct {
	mock.Mock
	mu sync.Mutex
}

func (m *mockExporter) Name() string {
	return m.Called().String(0)
}

func (m *mockExporter) Export(ctx context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Called(ctx, item).Error(0)
}

func (m *mockExporter) Close() error {
	return m.Called().Error(0)
}

func TestFanoutCallsEveryExporter(t *testing.T) {
	t.Parallel()

	item := Item{RunID: "run", Site: "yandere", Record: crawler.IngestRecord{ImageID: "1"}}
	ok := &mockExporter{}
	ok.On("Name").Return("ok").Maybe()
	ok.On("Export", mock.Anything, item).Return(nil).Once()
	ok.On("Close").Return(nil).Once()

	bad := &mockExporter{}
	bad.On("Name").Return("bad")
	bad.On("Export", mock.Anything, item).Return(errors.New("unavailable")).Once()
	bad.On("Close").Return(errors.New("close failed")).Once()

	f := NewFanout(zap.NewNop(), ok, bad)
	assert.Equal(t, 2, f.Len())
	f.Export(context.Background(), item)

	require.EqualError(t, f.Close(), "close failed")
	ok.AssertExpectations(t)
	bad.AssertExpectations(t)
}

func TestEmptyFanout(t *testing.T) {
	t.Parallel()

	f := NewFanout(nil)
	f.Export(context.Background(), Item{})
	require.NoError(t, f.Close())
}
