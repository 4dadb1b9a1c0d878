package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable means the backend has no live connection.
	ErrUnavailable = errors.New("store unavailable")
)

type CellStore interface {
	ListCells(ctx context.Context) ([]models.Cell, error)
	GetCell(ctx context.Context, cellNumber string) (*models.Cell, error)
	// InsertCell creates the cell if absent. It reports whether a row was
	// written; an existing cell is left untouched.
	InsertCell(ctx context.Context, cell models.Cell) (bool, error)
	// UpdateCell overwrites descriptive fields and all cards of an existing
	// cell in one write.
	UpdateCell(ctx context.Context, cell models.Cell) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	CountActiveSessions(ctx context.Context, now time.Time) (map[models.Role]int, error)
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error)
	// ListLogs returns entries newest first. An empty cellNumber lists all.
	ListLogs(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error)
	DeleteLogs(ctx context.Context) (int64, error)
}

// Store is a complete persistence backend.
type Store interface {
	CellStore
	SessionStore
	LogStore

	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func checkCards(cell *models.Cell) error {
	cards, err := models.NormalizeCards(cell.Cards)
	if err != nil {
		return err
	}
	cell.Cards = cards
	return nil
}

// decodeCards is the persistence boundary for stored card arrays. Anything
// that is not an array of valid cards is an error, never an empty board.
func decodeCards(cellNumber string, raw []byte) ([]models.Card, error) {
	var cards []models.Card
	if err := json.Unmarshal(raw, &cards); err != nil {
		return nil, fmt.Errorf("decode cards of %s: %w", cellNumber, err)
	}
	if cards == nil {
		return nil, fmt.Errorf("decode cards of %s: not an array", cellNumber)
	}
	return validateCards(cellNumber, cards)
}

func validateCards(cellNumber string, cards []models.Card) ([]models.Card, error) {
	for i := range cards {
		st, err := models.ParseStatus(string(cards[i].Status))
		if err != nil {
			return nil, fmt.Errorf("decode cards of %s: card %d: %w", cellNumber, i, err)
		}
		cards[i].Status = st
	}
	cards, err := models.NormalizeCards(cards)
	if err != nil {
		return nil, fmt.Errorf("decode cards of %s: %w", cellNumber, err)
	}
	return cards, nil
}

func encodeCards(cards []models.Card) (string, error) {
	b, err := json.Marshal(cards)
	if err != nil {
		return "", fmt.Errorf("encode cards: %w", err)
	}
	return string(b), nil
}

func decodeCard(raw []byte) (models.Card, error) {
	var card models.Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return card, fmt.Errorf("decode card: %w", err)
	}
	st, err := models.ParseStatus(string(card.Status))
	if err != nil {
		return card, fmt.Errorf("decode card: %w", err)
	}
	card.Status = st
	return card, nil
}

func encodeCard(card models.Card) (string, error) {
	b, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encode card: %w", err)
	}
	return string(b), nil
}
