package service

import (
	"context"
	"testing"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordClientEvent(t *testing.T) {
	clock := newTestClock()
	m := NewMonitoringService(store.NewMemoryStore(), clock.Now)
	ctx := context.Background()

	start := clock.Now().Add(-90 * time.Second)
	end := clock.Now()
	saved, err := m.Record(ctx, RecordRequest{
		CellNumber: "Buca 4",
		CardIndex:  intPtr(3),
		EventType:  "complete",
		CardData:   models.Card{Status: "completato", StartTime: &start, EndTime: &end, TR: "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGreen, saved.CardData.Status)
	assert.True(t, clock.Now().Equal(saved.Timestamp))
	require.NotNil(t, saved.Duration)
	assert.Equal(t, "1.5", saved.Duration.String())

	logs, err := m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, logs[0].CardIndex)
}

func TestRecordRejectsBadEvents(t *testing.T) {
	m := NewMonitoringService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	cases := map[string]struct {
		req  RecordRequest
		want error
	}{
		"missing cell":  {RecordRequest{CardIndex: intPtr(0), EventType: "start"}, ErrValidation},
		"missing index": {RecordRequest{CellNumber: "Buca 4", EventType: "start"}, ErrValidation},
		"bad index":     {RecordRequest{CellNumber: "Buca 4", CardIndex: intPtr(4), EventType: "start"}, ErrInvalidIndex},
		"bad event":     {RecordRequest{CellNumber: "Buca 4", CardIndex: intPtr(0), EventType: "archived"}, ErrValidation},
		"bad status": {RecordRequest{CellNumber: "Buca 4", CardIndex: intPtr(0), EventType: "start",
			CardData: models.Card{Status: "blu"}}, ErrValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Record(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
