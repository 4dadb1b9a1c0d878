package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/config"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/avvvet/piazzale-services/internal/piazzale/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Notifier is told about every committed board change. An empty cell
// number means many cells changed at once.
type Notifier interface {
	CellChanged(cellNumber string)
}

type NotifierFunc func(cellNumber string)

func (f NotifierFunc) CellChanged(cellNumber string) { f(cellNumber) }

type BoardOptions struct {
	Convention   models.IndexConvention
	RejectPolicy models.RejectPolicy
	MergePolicy  models.MergePolicy
	ResetMode    config.ResetMode
	CacheTTL     time.Duration
	Clock        Clock
}

func BoardOptionsFromConfig(c config.Config) BoardOptions {
	return BoardOptions{
		Convention:   c.IndexConvention,
		RejectPolicy: c.RejectPolicy,
		MergePolicy:  c.MergePolicy,
		ResetMode:    c.ResetMode,
		CacheTTL:     c.CacheTTL,
	}
}

type BoardService struct {
	cells      store.CellStore
	monitoring *MonitoringService
	opts       BoardOptions
	now        Clock
	cache      *cellCache

	mu        sync.RWMutex
	notifiers []Notifier
}

func NewBoardService(cells store.CellStore, monitoring *MonitoringService, opts BoardOptions) *BoardService {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Convention == "" {
		opts.Convention = models.IndexConventionBuca30
	}
	if opts.RejectPolicy == "" {
		opts.RejectPolicy = models.RejectStayYellow
	}
	if opts.MergePolicy == "" {
		opts.MergePolicy = models.MergeFields
	}
	if opts.ResetMode == "" {
		opts.ResetMode = config.ResetPurgeLogs
	}
	return &BoardService{
		cells:      cells,
		monitoring: monitoring,
		opts:       opts,
		now:        opts.Clock,
		cache:      &cellCache{ttl: opts.CacheTTL},
	}
}

func (s *BoardService) Subscribe(n Notifier) {
	s.mu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.mu.Unlock()
}

// InvalidateCache drops the cached board, used when another instance
// reports a change.
func (s *BoardService) InvalidateCache() {
	s.cache.invalidate()
}

// changed runs after every successful write.
func (s *BoardService) changed(cellNumber string) {
	s.cache.invalidate()
	s.mu.RLock()
	notifiers := append([]Notifier(nil), s.notifiers...)
	s.mu.RUnlock()
	for _, n := range notifiers {
		n.CellChanged(cellNumber)
	}
}

func (s *BoardService) Convention() models.IndexConvention { return s.opts.Convention }

// ResolveCellNumber accepts either a cell name or a topology index.
func (s *BoardService) ResolveCellNumber(cellNumber string, cellIndex *int) (string, error) {
	if cellNumber != "" {
		return cellNumber, nil
	}
	if cellIndex == nil {
		return "", validationErr("cellNumber or cellIndex is required")
	}
	name, err := models.MapIndexToCellNumber(*cellIndex, s.opts.Convention)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	return name, nil
}

// Seed creates every topology cell that is missing.
func (s *BoardService) Seed(ctx context.Context) error {
	res, err := s.PopulateCells(ctx, "")
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("seed cells: %d failures, first: %s", len(res.Errors), res.Errors[0])
	}
	if len(res.InsertedCells) > 0 {
		log.Infof("seeded %d cells", len(res.InsertedCells))
	}
	return nil
}

type PopulateResult struct {
	CellExists    bool     `json:"cellExists"`
	InsertedCells []string `json:"insertedCells"`
	Errors        []string `json:"errors"`
}

// PopulateCells inserts the missing topology cells and reports whether
// cellNumber exists afterwards.
func (s *BoardService) PopulateCells(ctx context.Context, cellNumber string) (PopulateResult, error) {
	res := PopulateResult{InsertedCells: []string{}, Errors: []string{}}
	for _, name := range models.CellNumbers(s.opts.Convention) {
		inserted, err := s.cells.InsertCell(ctx, models.NewCell(name))
		if errors.Is(err, store.ErrUnavailable) {
			return res, storeErr("populate cells", err)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", name, err))
			continue
		}
		if inserted {
			res.InsertedCells = append(res.InsertedCells, name)
		}
	}
	if len(res.InsertedCells) > 0 {
		s.changed("")
	}

	if cellNumber != "" {
		if _, ok := models.CellIndex(cellNumber, s.opts.Convention); !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("la cella %s non fa parte del piazzale", cellNumber))
		}
		_, err := s.cells.GetCell(ctx, cellNumber)
		switch {
		case err == nil:
			res.CellExists = true
		case !errors.Is(err, store.ErrNotFound):
			return res, storeErr("populate cells", err)
		}
	}
	return res, nil
}

// ListCells returns the board in topology order. Names outside the topology
// come last, sorted by name.
func (s *BoardService) ListCells(ctx context.Context) ([]models.Cell, error) {
	cells, gen, ok := s.cache.get(s.now())
	if ok {
		return cells, nil
	}
	cells, err := s.cells.ListCells(ctx)
	if err != nil {
		return nil, storeErr("list cells", err)
	}
	s.sortCells(cells)
	s.cache.put(gen, cells, s.now())
	return cells, nil
}

func (s *BoardService) sortCells(cells []models.Cell) {
	rank := func(c models.Cell) int {
		if i, ok := models.CellIndex(c.CellNumber, s.opts.Convention); ok {
			return i
		}
		return models.CellCount
	}
	sort.SliceStable(cells, func(i, j int) bool {
		ri, rj := rank(cells[i]), rank(cells[j])
		if ri != rj {
			return ri < rj
		}
		return cells[i].CellNumber < cells[j].CellNumber
	})
}

func (s *BoardService) GetCell(ctx context.Context, cellNumber string) (*models.Cell, error) {
	c, err := s.cells.GetCell(ctx, cellNumber)
	if err != nil {
		return nil, storeErr("get cell "+cellNumber, err)
	}
	return c, nil
}

// GetOrCreateCell returns the stored cell or seeds it when create is set and
// the name belongs to the topology.
func (s *BoardService) GetOrCreateCell(ctx context.Context, cellNumber string, create bool) (*models.Cell, error) {
	c, err := s.cells.GetCell(ctx, cellNumber)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr("get cell "+cellNumber, err)
	}
	if !create {
		return nil, fmt.Errorf("cell %s: %w", cellNumber, ErrNotFound)
	}
	if _, ok := models.CellIndex(cellNumber, s.opts.Convention); !ok {
		return nil, fmt.Errorf("cell %s is not on the board: %w", cellNumber, ErrNotFound)
	}

	inserted, err := s.cells.InsertCell(ctx, models.NewCell(cellNumber))
	if err != nil {
		return nil, storeErr("create cell "+cellNumber, err)
	}
	if inserted {
		log.Infof("cell %s created", cellNumber)
		s.changed(cellNumber)
	}
	return s.GetCell(ctx, cellNumber)
}

// SaveRequest is an admin edit. Cards is the raw payload so the canonical
// decode can reject anything that is not an array of card objects.
type SaveRequest struct {
	CellNumber string          `json:"cell_number"`
	Cards      json.RawMessage `json:"cards"`
	models.CellFieldsPatch
}

// SaveCell applies an admin edit. Fields missing from the payload follow the
// configured merge policy; a status in the payload overrides the workflow.
func (s *BoardService) SaveCell(ctx context.Context, req SaveRequest) (*models.Cell, error) {
	if req.CellNumber == "" {
		return nil, validationErr("cell_number is required")
	}
	patches, err := models.DecodeCardPatches(req.Cards)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	cell, err := s.GetOrCreateCell(ctx, req.CellNumber, true)
	if err != nil {
		return nil, err
	}

	now := s.now()
	policy := s.opts.MergePolicy
	transitions := make([]models.Transition, models.CardsPerCell)
	for i, p := range patches {
		card := p.ApplyFields(cell.Cards[i], policy)
		target, ok := p.TargetStatus()
		if !ok && policy == models.ReplaceFields {
			target, ok = models.StatusDefault, true
		}
		if ok {
			card, transitions[i] = card.SetStatus(target, now)
			transitions[i].Event = models.EventManual
		}
		cell.Cards[i] = card
	}
	*cell = req.CellFieldsPatch.Apply(*cell, policy)

	if err := s.cells.UpdateCell(ctx, *cell); err != nil {
		return nil, storeErr("save cell "+cell.CellNumber, err)
	}
	for i, tr := range transitions {
		s.monitoring.recordTransition(ctx, cell.CellNumber, i, tr, cell.Cards[i], now)
	}
	s.changed(cell.CellNumber)
	return cell, nil
}

// ConfirmRequest is one preposto answer. The cell is named directly or by
// topology index. From is the status the client answered for; when set, a
// resent answer whose outcome is already stored succeeds without writing.
// An empty From applies the answer to whatever status is stored.
type ConfirmRequest struct {
	CellNumber string
	CellIndex  *int
	CardIndex  int
	Confirm    bool
	From       string
}

// ApplyConfirmation advances a card through the workflow. Answers that do
// not move the card succeed without writing. ErrConflict means the card
// moved away from From by some other write.
func (s *BoardService) ApplyConfirmation(ctx context.Context, req ConfirmRequest) (models.Card, error) {
	var from models.Status
	if req.From != "" {
		var err error
		if from, err = models.ParseStatus(req.From); err != nil {
			return models.Card{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return s.updateCard(ctx, req.CellNumber, req.CellIndex, req.CardIndex, func(card models.Card, now time.Time) (models.Card, models.Transition, error) {
		current := card.Status
		if current == "" {
			current = models.StatusDefault
		}
		if from != "" && current != from {
			if current == models.NextStatus(from, req.Confirm, s.opts.RejectPolicy) {
				return card, models.Transition{From: current, To: current}, nil
			}
			return card, models.Transition{}, fmt.Errorf("%w: card is %s, answer was for %s", ErrConflict, current, from)
		}
		next, tr := card.Confirm(req.Confirm, now, s.opts.RejectPolicy)
		return next, tr, nil
	})
}

// StatusRequest carries the status computed by older clients. It is honoured
// only when one confirmation reaches it; client timestamps are ignored.
type StatusRequest struct {
	CellNumber string
	CellIndex  *int
	CardIndex  int
	Status     string
}

func (s *BoardService) ApplyStatus(ctx context.Context, req StatusRequest) (models.Card, error) {
	target, err := models.ParseStatus(req.Status)
	if err != nil {
		return models.Card{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.updateCard(ctx, req.CellNumber, req.CellIndex, req.CardIndex, func(card models.Card, now time.Time) (models.Card, models.Transition, error) {
		if card.Status == target {
			return card, models.Transition{From: target, To: target}, nil
		}
		confirm, ok := models.ConfirmationFor(card.Status, target, s.opts.RejectPolicy)
		if !ok {
			return card, models.Transition{}, validationErr("status %s cannot follow %s", target, card.Status)
		}
		next, tr := card.Confirm(confirm, now, s.opts.RejectPolicy)
		return next, tr, nil
	})
}

type cardUpdate func(card models.Card, now time.Time) (models.Card, models.Transition, error)

// updateCard is a read-modify-write of one cell. Concurrent writers to the
// same cell are last writer wins.
func (s *BoardService) updateCard(ctx context.Context, cellNumber string, cellIndex *int, cardIndex int, fn cardUpdate) (models.Card, error) {
	if cardIndex < 0 || cardIndex >= models.CardsPerCell {
		return models.Card{}, fmt.Errorf("card %d: %w", cardIndex, ErrInvalidIndex)
	}
	name, err := s.ResolveCellNumber(cellNumber, cellIndex)
	if err != nil {
		return models.Card{}, err
	}
	cell, err := s.GetOrCreateCell(ctx, name, true)
	if err != nil {
		return models.Card{}, err
	}

	now := s.now()
	next, tr, err := fn(cell.Cards[cardIndex], now)
	if err != nil {
		return models.Card{}, err
	}
	if !tr.Changed {
		return next, nil
	}

	cell.Cards[cardIndex] = next
	if err := s.cells.UpdateCell(ctx, *cell); err != nil {
		return models.Card{}, storeErr("update cell "+name, err)
	}
	log.Infof("cell %s card %d: %s -> %s", name, cardIndex, tr.From, tr.To)
	s.monitoring.recordTransition(ctx, name, cardIndex, tr, next, now)
	s.changed(name)
	return next, nil
}

// ResetColors returns every card on the board to default, keeping the
// descriptive fields. Each cell is one write; a failed run can be repeated.
func (s *BoardService) ResetColors(ctx context.Context) error {
	cells, err := s.cells.ListCells(ctx)
	if err != nil {
		return storeErr("reset colors", err)
	}

	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, cell := range cells {
		cell := cell
		g.Go(func() error {
			transitions := make([]models.Transition, len(cell.Cards))
			for i, card := range cell.Cards {
				cell.Cards[i], transitions[i] = card.SetStatus(models.StatusDefault, now)
			}
			if err := s.cells.UpdateCell(gctx, cell); err != nil {
				return storeErr("reset colors of "+cell.CellNumber, err)
			}
			for i, tr := range transitions {
				s.monitoring.recordTransition(gctx, cell.CellNumber, i, tr, cell.Cards[i], now)
			}
			return nil
		})
	}
	err = g.Wait()
	s.changed("")
	if err != nil {
		return err
	}
	log.Infof("colors reset on %d cells", len(cells))
	return nil
}

// ResetMonitoring runs the configured reset mode.
func (s *BoardService) ResetMonitoring(ctx context.Context) (config.ResetMode, error) {
	switch s.opts.ResetMode {
	case config.ResetClearState:
		return config.ResetClearState, s.ResetColors(ctx)
	default:
		_, err := s.monitoring.Purge(ctx)
		return config.ResetPurgeLogs, err
	}
}

// DeleteCell clears the descriptive fields and cards. The cell stays on the
// board.
func (s *BoardService) DeleteCell(ctx context.Context, cellNumber string) error {
	if _, err := s.GetCell(ctx, cellNumber); err != nil {
		return err
	}
	if err := s.cells.UpdateCell(ctx, models.NewCell(cellNumber)); err != nil {
		return storeErr("delete cell "+cellNumber, err)
	}
	log.Infof("cell %s cleared", cellNumber)
	s.changed(cellNumber)
	return nil
}

type History struct {
	Cell models.Cell            `json:"cell"`
	Logs []models.MonitoringLog `json:"logs"`
}

func (s *BoardService) History(ctx context.Context, cellNumber string) (*History, error) {
	cell, err := s.GetCell(ctx, cellNumber)
	if err != nil {
		return nil, err
	}
	logs, err := s.monitoring.List(ctx, cellNumber)
	if err != nil {
		return nil, err
	}
	return &History{Cell: *cell, Logs: logs}, nil
}
