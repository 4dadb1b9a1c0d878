package service

import (
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
)

// cellCache is the short lived read-through copy of the board. A load that
// started before an invalidation is never stored.
type cellCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	gen   uint64
	cells []models.Cell
	until time.Time
}

func (c *cellCache) get(now time.Time) ([]models.Cell, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cells != nil && now.Before(c.until) {
		return cloneCells(c.cells), c.gen, true
	}
	return nil, c.gen, false
}

func (c *cellCache) put(gen uint64, cells []models.Cell, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 || gen != c.gen {
		return
	}
	c.cells = cloneCells(cells)
	c.until = now.Add(c.ttl)
}

func (c *cellCache) invalidate() {
	c.mu.Lock()
	c.gen++
	c.cells = nil
	c.mu.Unlock()
}

func cloneCells(in []models.Cell) []models.Cell {
	out := make([]models.Cell, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
