package service

import (
	"context"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	log "github.com/sirupsen/logrus"
)

type MonitoringService struct {
	logs store.LogStore
	now  Clock
}

func NewMonitoringService(logs store.LogStore, now Clock) *MonitoringService {
	if now == nil {
		now = SystemClock
	}
	return &MonitoringService{logs: logs, now: now}
}

// RecordRequest is a client reported event.
type RecordRequest struct {
	CellNumber string      `json:"cellNumber"`
	CardIndex  *int        `json:"cardIndex"`
	EventType  string      `json:"eventType"`
	CardData   models.Card `json:"cardData"`
}

func (s *MonitoringService) Record(ctx context.Context, req RecordRequest) (models.MonitoringLog, error) {
	if req.CellNumber == "" || req.CardIndex == nil || req.EventType == "" {
		return models.MonitoringLog{}, validationErr("cellNumber, cardIndex and eventType are required")
	}
	if *req.CardIndex < 0 || *req.CardIndex >= models.CardsPerCell {
		return models.MonitoringLog{}, ErrInvalidIndex
	}
	event, err := models.ParseEventType(req.EventType)
	if err != nil {
		return models.MonitoringLog{}, validationErr("%v", err)
	}
	if req.CardData.Status, err = models.ParseStatus(string(req.CardData.Status)); err != nil {
		return models.MonitoringLog{}, validationErr("%v", err)
	}
	return s.append(ctx, models.NewMonitoringLog(req.CellNumber, *req.CardIndex, event, req.CardData, s.now()))
}

func (s *MonitoringService) append(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error) {
	saved, err := s.logs.AppendLog(ctx, l)
	if err != nil {
		return l, storeErr("append monitoring log", err)
	}
	return saved, nil
}

// recordTransition logs a workflow transition. The card write it describes
// has already happened, so failures are only logged.
func (s *MonitoringService) recordTransition(ctx context.Context, cellNumber string, cardIndex int, tr models.Transition, card models.Card, now time.Time) {
	if s == nil || !tr.Changed {
		return
	}
	if _, err := s.append(ctx, models.NewMonitoringLog(cellNumber, cardIndex, tr.Event, card, now)); err != nil {
		log.Errorf("monitoring log for %s card %d (%s): %s", cellNumber, cardIndex, tr.Event, err)
	}
}

// List returns entries newest first, all cells when cellNumber is empty.
func (s *MonitoringService) List(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error) {
	logs, err := s.logs.ListLogs(ctx, cellNumber)
	if err != nil {
		return nil, storeErr("list monitoring logs", err)
	}
	return logs, nil
}

// Purge deletes the whole audit log.
func (s *MonitoringService) Purge(ctx context.Context) (int64, error) {
	n, err := s.logs.DeleteLogs(ctx)
	if err != nil {
		return 0, storeErr("purge monitoring logs", err)
	}
	log.Infof("monitoring log purged, %d entries removed", n)
	return n, nil
}
