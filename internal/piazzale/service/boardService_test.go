package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedCreatesBoardOnce(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, f.board.Seed(ctx))
	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, models.CellCount)
	for _, c := range cells {
		assert.Equal(t, models.NewCell(c.CellNumber).Cards, c.Cards)
	}
}

func TestGetOrCreateCellIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	board := NewBoardService(st, NewMonitoringService(st, nil), defaultOptions())
	ctx := context.Background()

	_, err := board.GetOrCreateCell(ctx, "Buca 7", false)
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := board.GetOrCreateCell(ctx, "Buca 7", true)
	require.NoError(t, err)
	second, err := board.GetOrCreateCell(ctx, "Buca 7", true)
	require.NoError(t, err)
	assert.Equal(t, first.Cards, second.Cards)

	cells, err := st.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Len(t, cells[0].Cards, models.CardsPerCell)

	_, err = board.GetOrCreateCell(ctx, "Buca 99", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCellsTopologyOrder(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	_, err := f.store.InsertCell(ctx, models.NewCell("Area esterna"))
	require.NoError(t, err)
	f.board.InvalidateCache()

	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, models.CellCount+1)

	names := make([]string, len(cells))
	for i, c := range cells {
		names[i] = c.CellNumber
	}
	expected := append(models.CellNumbers(models.IndexConventionBuca30), "Area esterna")
	assert.Equal(t, expected, names)
	assert.Equal(t, "Buca 4", names[0])
	assert.Equal(t, "Buca 13", names[9])
	assert.Equal(t, "Buca 30", names[10])
}

func TestListCellsCacheInvalidatedByWrites(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	opts := defaultOptions()
	opts.CacheTTL = time.Hour
	f := newFixtureWithStore(t, st, opts)
	ctx := context.Background()

	_, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	_, err = f.board.ListCells(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.listCount(), "second read served from cache")

	cards := `[{"TR":"A1","ID":"123","N":"7","Note":"pallet"},{},{},{"Note":"ultima"}]`
	_, err = f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 5", Cards: json.RawMessage(cards)})
	require.NoError(t, err)

	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.listCount())
	saved := cells[1]
	require.Equal(t, "Buca 5", saved.CellNumber)
	assert.Equal(t, "A1", saved.Cards[0].TR)
	assert.Equal(t, "123", saved.Cards[0].ID)
	assert.Equal(t, "7", saved.Cards[0].N)
	assert.Equal(t, "pallet", saved.Cards[0].Note)
	assert.Equal(t, "ultima", saved.Cards[3].Note)
}

func TestCachedCellsAreCopies(t *testing.T) {
	opts := defaultOptions()
	opts.CacheTTL = time.Hour
	f := newFixture(t, opts)
	ctx := context.Background()

	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	cells[0].Cards[0].Note = "scribble"

	again, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	assert.Empty(t, again[0].Cards[0].Note)
}

func TestCacheDropsLoadRacingAnInvalidation(t *testing.T) {
	c := &cellCache{ttl: time.Hour}
	now := time.Now()

	_, gen, ok := c.get(now)
	require.False(t, ok)
	c.invalidate()
	c.put(gen, []models.Cell{models.NewCell("Buca 4")}, now)

	_, _, ok = c.get(now)
	assert.False(t, ok)
}

func TestConfirmationWorkflow(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	start := f.clock.Now()

	card, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 2, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, card.Status)
	require.NotNil(t, card.StartTime)
	assert.WithinDuration(t, start, *card.StartTime, time.Second)
	assert.Nil(t, card.EndTime)

	f.clock.Advance(45 * time.Minute)
	card, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 2, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGreen, card.Status)
	require.NotNil(t, card.EndTime)
	assert.WithinDuration(t, f.clock.Now(), *card.EndTime, time.Second)
	assert.False(t, card.EndTime.Before(*card.StartTime))
	assert.True(t, start.Equal(*card.StartTime), "start is kept on completion")

	stored, err := f.board.GetCell(ctx, "Buca 4")
	require.NoError(t, err)
	assert.Equal(t, card, stored.Cards[2])

	logs, err := f.monitoring.List(ctx, "Buca 4")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.EventComplete, logs[0].EventType)
	assert.Equal(t, models.EventStart, logs[1].EventType)
	require.NotNil(t, logs[0].Duration)
	assert.Equal(t, "45", logs[0].Duration.String())
}

func TestGreenCardIgnoresFurtherAnswers(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	req := ConfirmRequest{CellNumber: "Buca 6", CardIndex: 0, Confirm: true}

	_, err := f.board.ApplyConfirmation(ctx, req)
	require.NoError(t, err)
	done, err := f.board.ApplyConfirmation(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StatusGreen, done.Status)

	f.clock.Advance(time.Hour)
	again, err := f.board.ApplyConfirmation(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, done, again, "timestamps are not overwritten")

	logs, err := f.monitoring.List(ctx, "Buca 6")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestResentConfirmationIsNoOp(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	req := ConfirmRequest{CellNumber: "Buca 6", CardIndex: 0, Confirm: true, From: "default"}

	first, err := f.board.ApplyConfirmation(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StatusYellow, first.Status)
	require.NotNil(t, first.StartTime)

	f.clock.Advance(10 * time.Minute)
	again, err := f.board.ApplyConfirmation(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, again.Status, "a retried answer does not complete the card")
	assert.Equal(t, first, again, "startTime is not restamped")

	done, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 6", CardIndex: 0, Confirm: true, From: "yellow"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusGreen, done.Status)
	again, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 6", CardIndex: 0, Confirm: true, From: "yellow"})
	require.NoError(t, err)
	assert.Equal(t, done, again)

	logs, err := f.monitoring.List(ctx, "Buca 6")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestConfirmationForStaleStatusConflicts(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 7", CardIndex: 0, Confirm: false, From: "default"})
	require.NoError(t, err)

	// red, but the client still shows yellow
	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 7", CardIndex: 0, Confirm: true, From: "yellow"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 7", CardIndex: 0, Confirm: true, From: "blue"})
	assert.ErrorIs(t, err, ErrValidation)

	cell, err := f.board.GetCell(ctx, "Buca 7")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRed, cell.Cards[0].Status)
}

func TestDeclineThenRetry(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	card, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 8", CardIndex: 1, Confirm: false})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRed, card.Status)
	assert.Nil(t, card.StartTime)
	assert.Nil(t, card.EndTime)

	card, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 8", CardIndex: 1, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, card.Status)
	assert.NotNil(t, card.StartTime)
}

func TestYellowRejectPolicy(t *testing.T) {
	for policy, want := range map[models.RejectPolicy]models.Status{
		models.RejectStayYellow: models.StatusYellow,
		models.RejectRevertRed:  models.StatusRed,
	} {
		t.Run(string(policy), func(t *testing.T) {
			opts := defaultOptions()
			opts.RejectPolicy = policy
			f := newFixture(t, opts)
			ctx := context.Background()

			_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 9", CardIndex: 3, Confirm: true})
			require.NoError(t, err)
			card, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 9", CardIndex: 3, Confirm: false})
			require.NoError(t, err)
			assert.Equal(t, want, card.Status)
			if want == models.StatusRed {
				assert.Nil(t, card.StartTime)
			} else {
				assert.NotNil(t, card.StartTime)
			}
		})
	}
}

func TestConfirmationIndexes(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	for _, idx := range []int{-1, models.CardsPerCell} {
		_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: idx, Confirm: true})
		assert.ErrorIs(t, err, ErrInvalidIndex)
	}

	_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellIndex: intPtr(models.CellCount), CardIndex: 0, Confirm: true})
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CardIndex: 0, Confirm: true})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 99", CardIndex: 0, Confirm: true})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellIndex: intPtr(10), CardIndex: 0, Confirm: true})
	require.NoError(t, err)
	cell, err := f.board.GetCell(ctx, "Buca 30")
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, cell.Cards[0].Status)
}

func TestConfirmationAutoCreatesMissingCell(t *testing.T) {
	st := store.NewMemoryStore()
	board := NewBoardService(st, NewMonitoringService(st, nil), defaultOptions())
	ctx := context.Background()

	card, err := board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Preparazione 2", CardIndex: 0, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, card.Status)
}

func TestApplyStatusLegacyBody(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	req := StatusRequest{CellNumber: "Buca 10", CardIndex: 0}

	req.Status = "verde"
	_, err := f.board.ApplyStatus(ctx, req)
	assert.ErrorIs(t, err, ErrValidation, "default cannot jump to green")

	req.Status = "purple"
	_, err = f.board.ApplyStatus(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req.Status = "arrivato"
	card, err := f.board.ApplyStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, card.Status)
	stamped := *card.StartTime

	f.clock.Advance(time.Minute)
	card, err = f.board.ApplyStatus(ctx, req)
	require.NoError(t, err)
	assert.True(t, stamped.Equal(*card.StartTime), "same status is a no-op")

	req.Status = "green"
	card, err = f.board.ApplyStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGreen, card.Status)
}

func TestResetColorsKeepsDescriptiveFields(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	cards := `[{"TR":"X","ID":"1","N":"2","Note":"a"},{"TR":"Y","Note":"b"}]`
	_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 11", Cards: json.RawMessage(cards)})
	require.NoError(t, err)
	for _, req := range []ConfirmRequest{
		{CellNumber: "Buca 11", CardIndex: 0, Confirm: true},
		{CellNumber: "Buca 11", CardIndex: 0, Confirm: true},
		{CellNumber: "Buca 11", CardIndex: 1, Confirm: false},
		{CellNumber: "Preparazione 3", CardIndex: 3, Confirm: true},
	} {
		_, err := f.board.ApplyConfirmation(ctx, req)
		require.NoError(t, err)
	}

	require.NoError(t, f.board.ResetColors(ctx))
	require.NoError(t, f.board.ResetColors(ctx), "repeatable")

	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, models.CellCount)
	for _, c := range cells {
		for _, card := range c.Cards {
			assert.Equal(t, models.StatusDefault, card.Status)
			assert.Nil(t, card.StartTime)
			assert.Nil(t, card.EndTime)
		}
	}
	cell, err := f.board.GetCell(ctx, "Buca 11")
	require.NoError(t, err)
	assert.Equal(t, models.Card{Status: models.StatusDefault, TR: "X", ID: "1", N: "2", Note: "a"}, cell.Cards[0])
	assert.Equal(t, models.Card{Status: models.StatusDefault, TR: "Y", Note: "b"}, cell.Cards[1])
}

func TestSaveCellMergePolicies(t *testing.T) {
	first := `[{"status":"yellow","TR":"A","ID":"10","N":"1","Note":"keep me"}]`
	partial := `[{"TR":"B"}]`

	t.Run("merge keeps absent fields", func(t *testing.T) {
		f := newFixture(t, defaultOptions())
		ctx := context.Background()
		note := "campo"
		_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 12", Cards: json.RawMessage(first),
			CellFieldsPatch: models.CellFieldsPatch{FieldNote: &note}})
		require.NoError(t, err)

		cell, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 12", Cards: json.RawMessage(partial)})
		require.NoError(t, err)
		card := cell.Cards[0]
		assert.Equal(t, "B", card.TR)
		assert.Equal(t, "10", card.ID)
		assert.Equal(t, "1", card.N)
		assert.Equal(t, "keep me", card.Note)
		assert.Equal(t, models.StatusYellow, card.Status)
		assert.NotNil(t, card.StartTime)
		assert.Equal(t, "campo", cell.FieldNote)
	})

	t.Run("replace resets absent fields", func(t *testing.T) {
		opts := defaultOptions()
		opts.MergePolicy = models.ReplaceFields
		f := newFixture(t, opts)
		ctx := context.Background()
		note := "campo"
		_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 12", Cards: json.RawMessage(first),
			CellFieldsPatch: models.CellFieldsPatch{FieldNote: &note}})
		require.NoError(t, err)

		cell, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 12", Cards: json.RawMessage(partial)})
		require.NoError(t, err)
		assert.Equal(t, models.Card{Status: models.StatusDefault, TR: "B"}, cell.Cards[0])
		assert.Empty(t, cell.FieldNote)
	})
}

func TestSaveCellRoundTrip(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	cards := `[{"TR":"A","ID":"1","N":"1","Note":"n1"},{"TR":"B","ID":"2","N":"2","Note":"n2"},{"TR":"C","ID":"3","N":"3","Note":"n3"},{"TR":"D","ID":"4","N":"4","Note":"n4"}]`
	saved, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 4", Cards: json.RawMessage(cards)})
	require.NoError(t, err)

	cells, err := f.board.ListCells(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.Cards, cells[0].Cards)
	assert.Equal(t, "n4", cells[0].Cards[3].Note)
}

func TestSaveCellStatusOverride(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	cell, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 13", Cards: json.RawMessage(`[{},{"status":"completato"}]`)})
	require.NoError(t, err)
	card := cell.Cards[1]
	assert.Equal(t, models.StatusGreen, card.Status)
	assert.NotNil(t, card.EndTime)
	assert.NotNil(t, card.StartTime, "forced green still has a start")

	logs, err := f.monitoring.List(ctx, "Buca 13")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EventManual, logs[0].EventType)
	assert.Equal(t, 1, logs[0].CardIndex)
	require.NotNil(t, logs[0].Duration)
	assert.True(t, logs[0].Duration.IsZero())
}

func TestSaveCellRejectsMalformedCards(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	for _, raw := range []string{``, `"[]"`, `{"TR":"A"}`, `[1,2]`, `[{},{},{},{},{}]`, `[{"status":"blu"}]`} {
		_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 4", Cards: json.RawMessage(raw)})
		assert.ErrorIsf(t, err, ErrValidation, "cards %s", raw)
	}
	_, err := f.board.SaveCell(ctx, SaveRequest{Cards: json.RawMessage(`[]`)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 77", Cards: json.RawMessage(`[]`)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetMonitoringModes(t *testing.T) {
	t.Run("purge logs", func(t *testing.T) {
		f := newFixture(t, defaultOptions())
		ctx := context.Background()
		_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 0, Confirm: true})
		require.NoError(t, err)

		mode, err := f.board.ResetMonitoring(ctx)
		require.NoError(t, err)
		assert.Equal(t, config.ResetPurgeLogs, mode)

		logs, err := f.monitoring.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, logs)
		cell, err := f.board.GetCell(ctx, "Buca 4")
		require.NoError(t, err)
		assert.Equal(t, models.StatusYellow, cell.Cards[0].Status, "board untouched")
	})

	t.Run("clear state", func(t *testing.T) {
		opts := defaultOptions()
		opts.ResetMode = config.ResetClearState
		f := newFixture(t, opts)
		ctx := context.Background()
		_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 0, Confirm: true})
		require.NoError(t, err)

		mode, err := f.board.ResetMonitoring(ctx)
		require.NoError(t, err)
		assert.Equal(t, config.ResetClearState, mode)

		cell, err := f.board.GetCell(ctx, "Buca 4")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDefault, cell.Cards[0].Status)
		logs, err := f.monitoring.List(ctx, "Buca 4")
		require.NoError(t, err)
		require.Len(t, logs, 2, "start kept, reset appended")
		assert.Equal(t, models.EventReset, logs[0].EventType)
	})
}

func TestDeleteCellKeepsRow(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()
	id := "F-1"
	_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 5", Cards: json.RawMessage(`[{"status":"yellow","TR":"A"}]`),
		CellFieldsPatch: models.CellFieldsPatch{FieldID: &id}})
	require.NoError(t, err)

	require.NoError(t, f.board.DeleteCell(ctx, "Buca 5"))
	cell, err := f.board.GetCell(ctx, "Buca 5")
	require.NoError(t, err)
	assert.Empty(t, cell.FieldID)
	assert.Equal(t, models.NewCell("Buca 5").Cards, cell.Cards)

	assert.ErrorIs(t, f.board.DeleteCell(ctx, "Buca 99"), ErrNotFound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	_, err := f.board.History(ctx, "Buca 99")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 7", CardIndex: 1, Confirm: false})
	require.NoError(t, err)
	h, err := f.board.History(ctx, "Buca 7")
	require.NoError(t, err)
	assert.Equal(t, "Buca 7", h.Cell.CellNumber)
	require.Len(t, h.Logs, 1)
	assert.Equal(t, models.EventDelay, h.Logs[0].EventType)
}

func TestPopulateCells(t *testing.T) {
	st := store.NewMemoryStore()
	board := NewBoardService(st, NewMonitoringService(st, nil), defaultOptions())
	ctx := context.Background()
	_, err := st.InsertCell(ctx, models.NewCell("Buca 4"))
	require.NoError(t, err)

	res, err := board.PopulateCells(ctx, "Buca 31")
	require.NoError(t, err)
	assert.True(t, res.CellExists)
	assert.Len(t, res.InsertedCells, models.CellCount-1)
	assert.NotContains(t, res.InsertedCells, "Buca 4")
	assert.Empty(t, res.Errors)

	res, err = board.PopulateCells(ctx, "Buca 27")
	require.NoError(t, err)
	assert.False(t, res.CellExists)
	assert.Empty(t, res.InsertedCells)
	assert.Len(t, res.Errors, 1)
}

func TestNotifiersSeeCommittedChanges(t *testing.T) {
	f := newFixture(t, defaultOptions())
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	f.board.Subscribe(NotifierFunc(func(cell string) {
		mu.Lock()
		seen = append(seen, cell)
		mu.Unlock()
	}))

	_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 0, Confirm: true})
	require.NoError(t, err)
	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 0, Confirm: false})
	require.NoError(t, err)
	require.NoError(t, f.board.ResetColors(ctx))
	_, err = f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 9, Confirm: true})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Buca 4", ""}, seen, "no-ops and failures are silent")
}

// gatedStore parks the first armed UpdateCell until released.
type gatedStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateCell(ctx context.Context, cell models.Cell) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(g.entered)
		<-g.release
	}
	return g.Store.UpdateCell(ctx, cell)
}

// Saves and confirmations on the same cell are read-modify-write without
// locking. A confirmation that read the cell before an admin save commits
// overwrites that save. This is the accepted last-writer-wins behavior.
func TestConcurrentSaveAndConfirmationLastWriterWins(t *testing.T) {
	st := &gatedStore{Store: store.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWithStore(t, st, defaultOptions())
	ctx := context.Background()

	st.mu.Lock()
	st.armed = true
	st.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.board.ApplyConfirmation(ctx, ConfirmRequest{CellNumber: "Buca 4", CardIndex: 0, Confirm: true})
		done <- err
	}()
	<-st.entered

	_, err := f.board.SaveCell(ctx, SaveRequest{CellNumber: "Buca 4", Cards: json.RawMessage(`[{"Note":"admin edit"}]`)})
	require.NoError(t, err)

	close(st.release)
	require.NoError(t, <-done)

	cell, err := f.board.GetCell(ctx, "Buca 4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusYellow, cell.Cards[0].Status)
	assert.Empty(t, cell.Cards[0].Note, "admin edit lost to the stale confirmation write")
}
