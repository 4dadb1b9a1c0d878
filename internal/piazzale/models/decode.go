package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MergePolicy decides what an admin save does with fields missing from the
// payload.
type MergePolicy string

const (
	// MergeFields keeps the stored value of every absent field.
	MergeFields MergePolicy = "merge"
	// ReplaceFields resets every absent field to its zero value.
	ReplaceFields MergePolicy = "replace"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MergeFields:
		return MergeFields, nil
	case ReplaceFields:
		return ReplaceFields, nil
	}
	return "", fmt.Errorf("unknown save merge policy %q", s)
}

// ErrMalformedCards is returned when a cards payload does not follow the
// canonical array-of-objects schema.
var ErrMalformedCards = errors.New("cards must be an array of at most 4 card objects")

// CardPatch is an admin edit of one card. Nil fields were absent from the
// payload. Timestamps are owned by the workflow and never read from clients.
type CardPatch struct {
	Status *string `json:"status"`
	TR     *string `json:"TR"`
	ID     *string `json:"ID"`
	N      *string `json:"N"`
	Note   *string `json:"Note"`

	status Status
}

// DecodeCardPatches validates and decodes a raw cards payload. The result
// always has CardsPerCell entries; missing trailing entries are empty
// patches.
func DecodeCardPatches(raw json.RawMessage) ([]CardPatch, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ErrMalformedCards
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCards, err)
	}
	if len(items) > CardsPerCell {
		return nil, fmt.Errorf("%w: got %d cards", ErrMalformedCards, len(items))
	}

	patches := make([]CardPatch, CardsPerCell)
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, fmt.Errorf("%w: card %d is not an object", ErrMalformedCards, i)
		}
		var p CardPatch
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, fmt.Errorf("%w: card %d: %v", ErrMalformedCards, i, err)
		}
		if p.Status != nil {
			st, err := ParseStatus(*p.Status)
			if err != nil {
				return nil, fmt.Errorf("%w: card %d: %v", ErrMalformedCards, i, err)
			}
			p.status = st
		}
		patches[i] = p
	}
	return patches, nil
}

// TargetStatus reports the status requested by the patch, if any.
func (p CardPatch) TargetStatus() (Status, bool) {
	if p.Status == nil {
		return "", false
	}
	if p.status == "" {
		st, err := ParseStatus(*p.Status)
		if err != nil {
			return "", false
		}
		return st, true
	}
	return p.status, true
}

// ApplyFields applies the descriptive fields of the patch onto prev.
func (p CardPatch) ApplyFields(prev Card, policy MergePolicy) Card {
	out := prev
	out.TR = pick(p.TR, prev.TR, policy)
	out.ID = pick(p.ID, prev.ID, policy)
	out.N = pick(p.N, prev.N, policy)
	out.Note = pick(p.Note, prev.Note, policy)
	return out
}

// CellFieldsPatch holds the optional descriptive fields of a cell.
type CellFieldsPatch struct {
	FieldID   *string `json:"field_id"`
	FieldN    *string `json:"field_n"`
	FieldTR   *string `json:"field_tr"`
	FieldNote *string `json:"field_note"`
}

func (p CellFieldsPatch) Apply(prev Cell, policy MergePolicy) Cell {
	prev.FieldID = pick(p.FieldID, prev.FieldID, policy)
	prev.FieldN = pick(p.FieldN, prev.FieldN, policy)
	prev.FieldTR = pick(p.FieldTR, prev.FieldTR, policy)
	prev.FieldNote = pick(p.FieldNote, prev.FieldNote, policy)
	return prev
}

func pick(v *string, prev string, policy MergePolicy) string {
	if v != nil {
		return *v
	}
	if policy == ReplaceFields {
		return ""
	}
	return prev
}
