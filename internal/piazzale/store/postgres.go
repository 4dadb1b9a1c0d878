package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/db"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cells (
	cell_number VARCHAR(50) PRIMARY KEY,
	field_id    TEXT NOT NULL DEFAULT '',
	field_n     TEXT NOT NULL DEFAULT '',
	field_tr    TEXT NOT NULL DEFAULT '',
	field_note  TEXT NOT NULL DEFAULT '',
	cards       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id VARCHAR(64) PRIMARY KEY,
	role       VARCHAR(20) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS monitoring_logs (
	id          BIGSERIAL PRIMARY KEY,
	cell_number VARCHAR(50) NOT NULL,
	card_index  INTEGER NOT NULL,
	event_type  VARCHAR(20) NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
	card_data   JSONB,
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS monitoring_logs_cell_idx ON monitoring_logs (cell_number, timestamp DESC);
`

// PostgresStore persists the board in PostgreSQL. Cards live in a JSONB
// column so a cell is always written in a single statement.
type PostgresStore struct {
	dsn string

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

// Connect replaces the pool with a fresh one and applies the schema.
func (s *PostgresStore) Connect(ctx context.Context) error {
	pool, err := db.ConnectPostgres(ctx, s.dsn)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresStore) conn() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrUnavailable
	}
	return s.pool, nil
}

func (s *PostgresStore) ListCells(ctx context.Context) ([]models.Cell, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, `
		SELECT cell_number, field_id, field_n, field_tr, field_note, cards, updated_at
		FROM cells
		ORDER BY cell_number
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("list cells: %w", err))
	}
	defer rows.Close()

	cells := []models.Cell{}
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, classify(err)
		}
		cells = append(cells, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list cells: %w", err))
	}
	return cells, nil
}

func (s *PostgresStore) GetCell(ctx context.Context, cellNumber string) (*models.Cell, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, `
		SELECT cell_number, field_id, field_n, field_tr, field_note, cards, updated_at
		FROM cells
		WHERE cell_number = $1
	`, cellNumber)

	c, err := scanCell(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, classify(err)
}

func scanCell(row pgx.Row) (*models.Cell, error) {
	var (
		c   models.Cell
		raw []byte
	)
	err := row.Scan(&c.CellNumber, &c.FieldID, &c.FieldN, &c.FieldTR, &c.FieldNote, &raw, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan cell: %w", err)
	}
	if c.Cards, err = decodeCards(c.CellNumber, raw); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) InsertCell(ctx context.Context, cell models.Cell) (bool, error) {
	if err := checkCards(&cell); err != nil {
		return false, err
	}
	pool, err := s.conn()
	if err != nil {
		return false, err
	}
	cards, err := encodeCards(cell.Cards)
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, `
		INSERT INTO cells (cell_number, field_id, field_n, field_tr, field_note, cards)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cell_number) DO NOTHING
	`, cell.CellNumber, cell.FieldID, cell.FieldN, cell.FieldTR, cell.FieldNote, cards)
	if err != nil {
		return false, classify(fmt.Errorf("insert cell %s: %w", cell.CellNumber, err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateCell(ctx context.Context, cell models.Cell) error {
	if err := checkCards(&cell); err != nil {
		return err
	}
	pool, err := s.conn()
	if err != nil {
		return err
	}
	cards, err := encodeCards(cell.Cards)
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `
		UPDATE cells
		SET field_id = $2, field_n = $3, field_tr = $4, field_note = $5, cards = $6, updated_at = now()
		WHERE cell_number = $1
	`, cell.CellNumber, cell.FieldID, cell.FieldN, cell.FieldTR, cell.FieldNote, cards)
	if err != nil {
		return classify(fmt.Errorf("update cell %s: %w", cell.CellNumber, err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess models.Session) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO sessions (session_id, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, sess.ID, string(sess.Role), sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return classify(fmt.Errorf("create session: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	var (
		sess models.Session
		role string
	)
	err = pool.QueryRow(ctx, `
		SELECT session_id, role, created_at, expires_at
		FROM sessions
		WHERE session_id = $1
	`, id).Scan(&sess.ID, &role, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(fmt.Errorf("get session: %w", err))
	}
	sess.Role = models.Role(role)
	return &sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id); err != nil {
		return classify(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (s *PostgresStore) CountActiveSessions(ctx context.Context, now time.Time) (map[models.Role]int, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT role, COUNT(*)
		FROM sessions
		WHERE expires_at > $1
		GROUP BY role
	`, now)
	if err != nil {
		return nil, classify(fmt.Errorf("count sessions: %w", err))
	}
	defer rows.Close()

	counts := map[models.Role]int{models.RoleAdmin: 0, models.RolePreposto: 0}
	for rows.Next() {
		var (
			role string
			n    int
		)
		if err := rows.Scan(&role, &n); err != nil {
			return nil, classify(fmt.Errorf("scan session count: %w", err))
		}
		counts[models.Role(role)] = n
	}
	return counts, classify(rows.Err())
}

func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.conn()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, classify(fmt.Errorf("purge sessions: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error) {
	pool, err := s.conn()
	if err != nil {
		return l, err
	}
	card, err := encodeCard(l.CardData)
	if err != nil {
		return l, err
	}
	err = pool.QueryRow(ctx, `
		INSERT INTO monitoring_logs (cell_number, card_index, event_type, timestamp, card_data, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, l.CellNumber, l.CardIndex, string(l.EventType), l.Timestamp, card, l.StartTime, l.EndTime).Scan(&l.ID)
	if err != nil {
		return l, classify(fmt.Errorf("append monitoring log: %w", err))
	}
	return l, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT id, cell_number, card_index, event_type, timestamp, card_data, start_time, end_time
		FROM monitoring_logs
		WHERE $1 = '' OR cell_number = $1
		ORDER BY timestamp DESC, id DESC
	`, cellNumber)
	if err != nil {
		return nil, classify(fmt.Errorf("list monitoring logs: %w", err))
	}
	defer rows.Close()

	logs := []models.MonitoringLog{}
	for rows.Next() {
		var (
			l     models.MonitoringLog
			event string
			raw   []byte
		)
		if err := rows.Scan(&l.ID, &l.CellNumber, &l.CardIndex, &event, &l.Timestamp, &raw, &l.StartTime, &l.EndTime); err != nil {
			return nil, classify(fmt.Errorf("scan monitoring log: %w", err))
		}
		l.EventType = models.EventType(event)
		if len(raw) > 0 {
			if l.CardData, err = decodeCard(raw); err != nil {
				return nil, classify(fmt.Errorf("monitoring log %d: %w", l.ID, err))
			}
		}
		logs = append(logs, l.Derive())
	}
	return logs, classify(rows.Err())
}

func (s *PostgresStore) DeleteLogs(ctx context.Context) (int64, error) {
	pool, err := s.conn()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM monitoring_logs`)
	if err != nil {
		return 0, classify(fmt.Errorf("delete monitoring logs: %w", err))
	}
	return tag.RowsAffected(), nil
}
