package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts ListCells calls to observe the read cache.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	lists int
}

func (c *countingStore) ListCells(ctx context.Context) ([]models.Cell, error) {
	c.mu.Lock()
	c.lists++
	c.mu.Unlock()
	return c.Store.ListCells(ctx)
}

func (c *countingStore) listCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

type fixture struct {
	store      store.Store
	clock      *testClock
	board      *BoardService
	monitoring *MonitoringService
}

func newFixture(t *testing.T, opts BoardOptions) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore(), opts)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts BoardOptions) *fixture {
	t.Helper()
	clock := newTestClock()
	opts.Clock = clock.Now
	monitoring := NewMonitoringService(st, clock.Now)
	board := NewBoardService(st, monitoring, opts)
	require.NoError(t, board.Seed(context.Background()))
	return &fixture{store: st, clock: clock, board: board, monitoring: monitoring}
}

func defaultOptions() BoardOptions {
	return BoardOptions{
		Convention:   models.IndexConventionBuca30,
		RejectPolicy: models.RejectStayYellow,
		MergePolicy:  models.MergeFields,
		ResetMode:    config.ResetPurgeLogs,
	}
}

func intPtr(i int) *int { return &i }
