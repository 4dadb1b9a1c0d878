package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonitoringLog is an append-only audit record of a card transition. The
// cell and card are referenced by value.
type MonitoringLog struct {
	ID         int64      `json:"id" bson:"log_id"`
	CellNumber string     `json:"cell_number" bson:"cell_number"`
	CardIndex  int        `json:"card_index" bson:"card_index"`
	EventType  EventType  `json:"event_type" bson:"event_type"`
	CardData   Card       `json:"card_data" bson:"card_data"`
	Timestamp  time.Time  `json:"timestamp" bson:"timestamp"`
	StartTime  *time.Time `json:"start_time" bson:"start_time"`
	EndTime    *time.Time `json:"end_time" bson:"end_time"`

	// Duration is derived from StartTime and EndTime, in minutes.
	Duration *decimal.Decimal `json:"duration_minutes" bson:"-"`
}

func NewMonitoringLog(cellNumber string, cardIndex int, event EventType, card Card, now time.Time) MonitoringLog {
	card = card.clone()
	l := MonitoringLog{
		CellNumber: cellNumber,
		CardIndex:  cardIndex,
		EventType:  event,
		CardData:   card,
		Timestamp:  now,
		StartTime:  card.StartTime,
		EndTime:    card.EndTime,
	}
	return l.Derive()
}

// Derive fills the computed fields. Stores call it after decoding a row.
func (l MonitoringLog) Derive() MonitoringLog {
	l.Duration = nil
	if l.StartTime != nil && l.EndTime != nil && !l.EndTime.Before(*l.StartTime) {
		secs := decimal.NewFromInt(int64(l.EndTime.Sub(*l.StartTime) / time.Second))
		d := secs.Div(decimal.NewFromInt(60)).Round(2)
		l.Duration = &d
	}
	return l
}
