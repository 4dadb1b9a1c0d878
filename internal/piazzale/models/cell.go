package models

import (
	"fmt"
	"strings"
	"time"
)

// CardsPerCell is the fixed number of task cards held by every cell.
const CardsPerCell = 4

type Status string

const (
	StatusDefault Status = "default"
	StatusYellow  Status = "yellow" // arrivato, work in progress
	StatusRed     Status = "red"    // ritardo
	StatusGreen   Status = "green"  // completato
)

// ParseStatus normalizes a status coming from a client. Italian aliases used
// by older boards are accepted, an empty value means default.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return StatusDefault, nil
	case "yellow", "arrivato":
		return StatusYellow, nil
	case "red", "ritardo":
		return StatusRed, nil
	case "green", "verde", "completato":
		return StatusGreen, nil
	}
	return "", fmt.Errorf("unknown card status %q", s)
}

// Card is one of the four task slots of a cell. It has no identity beyond its
// position in Cell.Cards.
type Card struct {
	Status    Status     `json:"status" bson:"status"`
	StartTime *time.Time `json:"startTime" bson:"startTime"`
	EndTime   *time.Time `json:"endTime" bson:"endTime"`
	TR        string     `json:"TR" bson:"TR"`
	ID        string     `json:"ID" bson:"ID"`
	N         string     `json:"N" bson:"N"`
	Note      string     `json:"Note" bson:"Note"`
}

func DefaultCard() Card {
	return Card{Status: StatusDefault}
}

// Cell is a physical loading bay or preparation slot of the yard.
type Cell struct {
	CellNumber string    `json:"cell_number" bson:"cell_number"`
	FieldID    string    `json:"field_id" bson:"field_id"`
	FieldN     string    `json:"field_n" bson:"field_n"`
	FieldTR    string    `json:"field_tr" bson:"field_tr"`
	FieldNote  string    `json:"field_note" bson:"field_note"`
	Cards      []Card    `json:"cards" bson:"cards"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// NewCell returns a cell seeded with default cards.
func NewCell(cellNumber string) Cell {
	cards := make([]Card, CardsPerCell)
	for i := range cards {
		cards[i] = DefaultCard()
	}
	return Cell{CellNumber: cellNumber, Cards: cards}
}

// NormalizeCards pads a short card list with default cards. A list longer
// than CardsPerCell is rejected instead of truncated.
func NormalizeCards(cards []Card) ([]Card, error) {
	if len(cards) > CardsPerCell {
		return nil, fmt.Errorf("cell holds %d cards, expected %d", len(cards), CardsPerCell)
	}
	out := make([]Card, CardsPerCell)
	for i := range out {
		if i < len(cards) {
			out[i] = cards[i]
			if out[i].Status == "" {
				out[i].Status = StatusDefault
			}
			continue
		}
		out[i] = DefaultCard()
	}
	return out, nil
}

// Clone deep-copies the cell so cached values cannot be mutated by callers.
func (c Cell) Clone() Cell {
	out := c
	out.Cards = make([]Card, len(c.Cards))
	for i, card := range c.Cards {
		out.Cards[i] = card.clone()
	}
	return out
}

func (c Card) clone() Card {
	out := c
	if c.StartTime != nil {
		t := *c.StartTime
		out.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	return out
}

// ResetColor returns the card back to default keeping the descriptive fields.
func (c Card) ResetColor() Card {
	c.Status = StatusDefault
	c.StartTime = nil
	c.EndTime = nil
	return c
}
