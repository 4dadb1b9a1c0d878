package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/comm"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = 5 * time.Second

// CellFields is the cell-level part of a change.
const CellFields = -1

// Change describes one difference applied by a poll. CardIndex is CellFields
// when the descriptive fields of the cell changed. Before is nil for cells
// the poller had not seen yet, After is nil for cells the server dropped.
type Change struct {
	CellNumber string
	CardIndex  int
	Before     *models.Card
	After      *models.Card
}

type Poller struct {
	baseURL  string
	http     *http.Client
	interval time.Duration
	onChange func([]Change)

	mu    sync.Mutex
	cells map[string]models.Cell
	order []string

	trigger chan struct{}
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.http = c }
}

// OnChange is called after every poll that changed the local board.
func OnChange(fn func([]Change)) Option {
	return func(p *Poller) { p.onChange = fn }
}

func NewPoller(baseURL string, opts ...Option) *Poller {
	p := &Poller{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: DefaultInterval,
		cells:    make(map[string]models.Cell),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is done. A failed poll is logged and the local board
// is left as it was.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("poll %s failed: %s", p.baseURL, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// Trigger asks Run for an early poll. Extra triggers collapse into one.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Poll fetches the board once and merges it into the local copy.
func (p *Poller) Poll(ctx context.Context) ([]Change, error) {
	remote, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changes := p.merge(remote)
	p.mu.Unlock()

	if len(changes) > 0 && p.onChange != nil {
		p.onChange(changes)
	}
	return changes, nil
}

func (p *Poller) fetch(ctx context.Context) ([]models.Cell, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/cells", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cells: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("fetch cells: status %d %s", resp.StatusCode, body.Error)
	}

	var cells []models.Cell
	if err := json.NewDecoder(resp.Body).Decode(&cells); err != nil {
		return nil, fmt.Errorf("decode cells: %w", err)
	}
	return cells, nil
}

type cellFields struct {
	FieldID, FieldN, FieldTR, FieldNote string
}

func fieldsOf(c models.Cell) cellFields {
	return cellFields{c.FieldID, c.FieldN, c.FieldTR, c.FieldNote}
}

// merge replaces local cards the server sees differently and keeps equal
// ones untouched. Caller holds p.mu.
func (p *Poller) merge(remote []models.Cell) []Change {
	var changes []Change
	seen := make(map[string]bool, len(remote))
	order := make([]string, 0, len(remote))

	for _, rc := range remote {
		seen[rc.CellNumber] = true
		order = append(order, rc.CellNumber)

		lc, ok := p.cells[rc.CellNumber]
		if !ok {
			for i := range rc.Cards {
				after := rc.Cards[i]
				changes = append(changes, Change{CellNumber: rc.CellNumber, CardIndex: i, After: &after})
			}
			p.cells[rc.CellNumber] = cloneCell(rc)
			continue
		}

		if !cmp.Equal(fieldsOf(lc), fieldsOf(rc)) {
			lc.FieldID, lc.FieldN, lc.FieldTR, lc.FieldNote = rc.FieldID, rc.FieldN, rc.FieldTR, rc.FieldNote
			changes = append(changes, Change{CellNumber: rc.CellNumber, CardIndex: CellFields})
		}

		cards := make([]models.Card, len(rc.Cards))
		for i, card := range rc.Cards {
			if i < len(lc.Cards) && cmp.Equal(lc.Cards[i], card) {
				cards[i] = lc.Cards[i]
				continue
			}
			after := card
			ch := Change{CellNumber: rc.CellNumber, CardIndex: i, After: &after}
			if i < len(lc.Cards) {
				before := lc.Cards[i]
				ch.Before = &before
			}
			changes = append(changes, ch)
			cards[i] = card
		}
		lc.Cards = cards
		lc.UpdatedAt = rc.UpdatedAt
		p.cells[rc.CellNumber] = lc
	}

	for name, lc := range p.cells {
		if seen[name] {
			continue
		}
		for i := range lc.Cards {
			before := lc.Cards[i]
			changes = append(changes, Change{CellNumber: name, CardIndex: i, Before: &before})
		}
		delete(p.cells, name)
	}
	p.order = order

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].CellNumber != changes[j].CellNumber {
			return changes[i].CellNumber < changes[j].CellNumber
		}
		return changes[i].CardIndex < changes[j].CardIndex
	})
	return changes
}

// Cells returns a copy of the local board in server order.
func (p *Poller) Cells() []models.Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Cell, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, cloneCell(p.cells[name]))
	}
	return out
}

// Edit changes a card locally without saving it. The next poll discards the
// edit when the server card differs.
func (p *Poller) Edit(cellNumber string, cardIndex int, card models.Card) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[cellNumber]
	if !ok {
		return fmt.Errorf("unknown cell %q", cellNumber)
	}
	if cardIndex < 0 || cardIndex >= len(c.Cards) {
		return fmt.Errorf("card index %d out of range", cardIndex)
	}
	c.Cards = append([]models.Card(nil), c.Cards...)
	c.Cards[cardIndex] = card
	p.cells[cellNumber] = c
	return nil
}

// WatchHints listens to the server websocket and triggers a poll on every
// cells-changed message. It returns when ctx is done or the socket fails.
func (p *Poller) WatchHints(ctx context.Context) error {
	url := "ws" + strings.TrimPrefix(p.baseURL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read hint: %w", err)
		}
		change, ok, err := comm.DecodeCellChange(payload)
		if err != nil {
			log.Warnf("bad hint payload: %s", err)
			continue
		}
		if ok {
			log.Debugf("cells-changed hint for %q", change.CellNumber)
			p.Trigger()
		}
	}
}

func cloneCell(c models.Cell) models.Cell {
	c.Cards = append([]models.Card(nil), c.Cards...)
	return c
}
