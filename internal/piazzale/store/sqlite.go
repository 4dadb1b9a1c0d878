package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/db"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cells (
	cell_number TEXT PRIMARY KEY,
	field_id    TEXT NOT NULL DEFAULT '',
	field_n     TEXT NOT NULL DEFAULT '',
	field_tr    TEXT NOT NULL DEFAULT '',
	field_note  TEXT NOT NULL DEFAULT '',
	cards       TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at);
CREATE TABLE IF NOT EXISTS monitoring_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	cell_number TEXT NOT NULL,
	card_index  INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	card_data   TEXT,
	start_time  TEXT,
	end_time    TEXT
);
CREATE INDEX IF NOT EXISTS monitoring_logs_cell_idx ON monitoring_logs (cell_number, timestamp);
`

// Timestamps are stored as fixed-width UTC text so lexical order is
// chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists the board in a single SQLite file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// an open handle survives transient errors; only the first connect opens
	if s.db != nil {
		return s.db.PingContext(ctx)
	}
	conn, err := db.OpenSQLite(ctx, s.path)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		_ = conn.Close()
		return fmt.Errorf("apply schema: %w", err)
	}
	s.db = conn
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrUnavailable
	}
	return s.db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, v)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCell(row rowScanner) (*models.Cell, error) {
	var (
		c         models.Cell
		raw       string
		updatedAt string
	)
	if err := row.Scan(&c.CellNumber, &c.FieldID, &c.FieldN, &c.FieldTR, &c.FieldNote, &raw, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("cell %s updated_at: %w", c.CellNumber, err)
	}
	if c.Cards, err = decodeCards(c.CellNumber, []byte(raw)); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListCells(ctx context.Context) ([]models.Cell, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT cell_number, field_id, field_n, field_tr, field_note, cards, updated_at
		FROM cells
		ORDER BY cell_number`)
	if err != nil {
		return nil, classify(fmt.Errorf("list cells: %w", err))
	}
	defer func() { _ = rows.Close() }()

	cells := []models.Cell{}
	for rows.Next() {
		c, err := s.scanCell(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("list cells: %w", err))
		}
		cells = append(cells, *c)
	}
	return cells, classify(rows.Err())
}

func (s *SQLiteStore) GetCell(ctx context.Context, cellNumber string) (*models.Cell, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	c, err := s.scanCell(conn.QueryRowContext(ctx, `
		SELECT cell_number, field_id, field_n, field_tr, field_note, cards, updated_at
		FROM cells
		WHERE cell_number = ?`, cellNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get cell %s: %w", cellNumber, err))
	}
	return c, nil
}

func (s *SQLiteStore) InsertCell(ctx context.Context, cell models.Cell) (bool, error) {
	if err := checkCards(&cell); err != nil {
		return false, err
	}
	conn, err := s.conn()
	if err != nil {
		return false, err
	}
	cards, err := encodeCards(cell.Cards)
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO cells (cell_number, field_id, field_n, field_tr, field_note, cards, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cell_number) DO NOTHING`,
		cell.CellNumber, cell.FieldID, cell.FieldN, cell.FieldTR, cell.FieldNote, cards, formatTime(time.Now()))
	if err != nil {
		return false, classify(fmt.Errorf("insert cell %s: %w", cell.CellNumber, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateCell(ctx context.Context, cell models.Cell) error {
	if err := checkCards(&cell); err != nil {
		return err
	}
	conn, err := s.conn()
	if err != nil {
		return err
	}
	cards, err := encodeCards(cell.Cards)
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE cells
		SET field_id = ?, field_n = ?, field_tr = ?, field_note = ?, cards = ?, updated_at = ?
		WHERE cell_number = ?`,
		cell.FieldID, cell.FieldN, cell.FieldTR, cell.FieldNote, cards, formatTime(time.Now()), cell.CellNumber)
	if err != nil {
		return classify(fmt.Errorf("update cell %s: %w", cell.CellNumber, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess models.Session) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO sessions (session_id, role, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, string(sess.Role), formatTime(sess.CreatedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return classify(fmt.Errorf("create session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	var (
		sess               models.Session
		role, created, exp string
	)
	err = conn.QueryRowContext(ctx, `
		SELECT session_id, role, created_at, expires_at FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &role, &created, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get session: %w", err))
	}
	sess.Role = models.Role(role)
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, classify(fmt.Errorf("session created_at: %w", err))
	}
	if sess.ExpiresAt, err = parseTime(exp); err != nil {
		return nil, classify(fmt.Errorf("session expires_at: %w", err))
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	conn, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return classify(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (s *SQLiteStore) CountActiveSessions(ctx context.Context, now time.Time) (map[models.Role]int, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT role, COUNT(*) FROM sessions WHERE expires_at > ? GROUP BY role`, formatTime(now))
	if err != nil {
		return nil, classify(fmt.Errorf("count sessions: %w", err))
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	conn, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, classify(fmt.Errorf("purge sessions: %w", err))
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error) {
	conn, err := s.conn()
	if err != nil {
		return l, err
	}
	card, err := encodeCard(l.CardData)
	if err != nil {
		return l, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO monitoring_logs (cell_number, card_index, event_type, timestamp, card_data, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.CellNumber, l.CardIndex, string(l.EventType), formatTime(l.Timestamp), card, nullTime(l.StartTime), nullTime(l.EndTime))
	if err != nil {
		return l, classify(fmt.Errorf("append monitoring log: %w", err))
	}
	if l.ID, err = res.LastInsertId(); err != nil {
		return l, classify(err)
	}
	return l, nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, cell_number, card_index, event_type, timestamp, card_data, start_time, end_time
		FROM monitoring_logs
		WHERE ? = '' OR cell_number = ?
		ORDER BY timestamp DESC, id DESC`, cellNumber, cellNumber)
	if err != nil {
		return nil, classify(fmt.Errorf("list monitoring logs: %w", err))
	}
	defer func() { _ = rows.Close() }()

	logs := []models.MonitoringLog{}
	for rows.Next() {
		var (
			l             models.MonitoringLog
			event, ts     string
			card          sql.NullString
			start, finish sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.CellNumber, &l.CardIndex, &event, &ts, &card, &start, &finish); err != nil {
			return nil, classify(fmt.Errorf("scan monitoring log: %w", err))
		}
		l.EventType = models.EventType(event)
		if l.Timestamp, err = parseTime(ts); err != nil {
			return nil, classify(fmt.Errorf("monitoring log %d: %w", l.ID, err))
		}
		if card.Valid {
			if l.CardData, err = decodeCard([]byte(card.String)); err != nil {
				return nil, classify(fmt.Errorf("monitoring log %d: %w", l.ID, err))
			}
		}
		if l.StartTime, err = parseNullTime(start); err != nil {
			return nil, classify(fmt.Errorf("monitoring log %d: %w", l.ID, err))
		}
		if l.EndTime, err = parseNullTime(finish); err != nil {
			return nil, classify(fmt.Errorf("monitoring log %d: %w", l.ID, err))
		}
		logs = append(logs, l.Derive())
	}
	return logs, classify(rows.Err())
}

func (s *SQLiteStore) DeleteLogs(ctx context.Context) (int64, error) {
	conn, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM monitoring_logs`)
	if err != nil {
		return 0, classify(fmt.Errorf("delete monitoring logs: %w", err))
	}
	return res.RowsAffected()
}
