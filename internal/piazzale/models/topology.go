package models

import (
	"fmt"
	"strconv"
	"strings"
)

// CellCount is the number of physical cells on the board.
const CellCount = 17

// IndexConvention selects how board positions 10-13 are named. Two board
// revisions disagree, so a deployment must pick one.
type IndexConvention string

const (
	// IndexConventionBuca30 names positions 10-13 Buca 30..33.
	IndexConventionBuca30 IndexConvention = "buca30"
	// IndexConventionBuca26 names positions 10-13 Buca 26..29.
	IndexConventionBuca26 IndexConvention = "buca26"
)

func ParseIndexConvention(s string) (IndexConvention, error) {
	switch IndexConvention(strings.ToLower(strings.TrimSpace(s))) {
	case "", IndexConventionBuca30:
		return IndexConventionBuca30, nil
	case IndexConventionBuca26:
		return IndexConventionBuca26, nil
	}
	return "", fmt.Errorf("unknown index convention %q", s)
}

func (c IndexConvention) offset() int {
	if c == IndexConventionBuca26 {
		return 16
	}
	return 20
}

// MapIndexToCellNumber maps a board position 0..16 to its cell number.
func MapIndexToCellNumber(index int, convention IndexConvention) (string, error) {
	switch {
	case index < 0 || index >= CellCount:
		return "", fmt.Errorf("cell index %d out of range [0,%d)", index, CellCount)
	case index < 10:
		return fmt.Sprintf("Buca %d", index+4), nil
	case index < 14:
		return fmt.Sprintf("Buca %d", index+convention.offset()), nil
	default:
		return fmt.Sprintf("Preparazione %d", index-13), nil
	}
}

// CellIndex is the inverse of MapIndexToCellNumber. ok is false for names
// outside the topology.
func CellIndex(cellNumber string, convention IndexConvention) (int, bool) {
	kind, num, found := strings.Cut(strings.TrimSpace(cellNumber), " ")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	switch kind {
	case "Buca":
		if n >= 4 && n <= 13 {
			return n - 4, true
		}
		off := convention.offset()
		if n >= 10+off && n <= 13+off {
			return n - off, true
		}
	case "Preparazione":
		if n >= 1 && n <= 3 {
			return n + 13, true
		}
	}
	return 0, false
}

// CellNumbers lists the board cells in topology order.
func CellNumbers(convention IndexConvention) []string {
	out := make([]string, CellCount)
	for i := range out {
		out[i], _ = MapIndexToCellNumber(i, convention)
	}
	return out
}
