package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
)

// MemoryStore keeps everything in process. It backs tests and single-node
// demo deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	cells    map[string]models.Cell
	sessions map[string]models.Session
	logs     []models.MonitoringLog
	nextLog  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cells:    make(map[string]models.Cell),
		sessions: make(map[string]models.Session),
	}
}

func (m *MemoryStore) Connect(ctx context.Context) error { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (m *MemoryStore) Close(ctx context.Context) error   { return nil }

func (m *MemoryStore) ListCells(ctx context.Context) ([]models.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cells := make([]models.Cell, 0, len(m.cells))
	for _, c := range m.cells {
		cells = append(cells, c.Clone())
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].CellNumber < cells[j].CellNumber })
	return cells, nil
}

func (m *MemoryStore) GetCell(ctx context.Context, cellNumber string) (*models.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cells[cellNumber]
	if !ok {
		return nil, ErrNotFound
	}
	c = c.Clone()
	return &c, nil
}

func (m *MemoryStore) InsertCell(ctx context.Context, cell models.Cell) (bool, error) {
	if err := checkCards(&cell); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cells[cell.CellNumber]; ok {
		return false, nil
	}
	cell.UpdatedAt = time.Now().UTC()
	m.cells[cell.CellNumber] = cell.Clone()
	return true, nil
}

func (m *MemoryStore) UpdateCell(ctx context.Context, cell models.Cell) error {
	if err := checkCards(&cell); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cells[cell.CellNumber]; !ok {
		return ErrNotFound
	}
	cell.UpdatedAt = time.Now().UTC()
	m.cells[cell.CellNumber] = cell.Clone()
	return nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) CountActiveSessions(ctx context.Context, now time.Time) (map[models.Role]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[models.Role]int{models.RoleAdmin: 0, models.RolePreposto: 0}
	for _, s := range m.sessions {
		if !s.Expired(now) {
			counts[s.Role]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLog++
	l.ID = m.nextLog
	m.logs = append(m.logs, l)
	return l, nil
}

func (m *MemoryStore) ListLogs(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.MonitoringLog{}
	for i := len(m.logs) - 1; i >= 0; i-- {
		if cellNumber == "" || m.logs[i].CellNumber == cellNumber {
			out = append(out, m.logs[i].Derive())
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteLogs(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.logs))
	m.logs = nil
	return n, nil
}
