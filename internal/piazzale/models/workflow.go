package models

import (
	"fmt"
	"strings"
	"time"
)

// RejectPolicy decides where a yellow card goes when the preposto answers
// "No" to the completion question.
type RejectPolicy string

const (
	RejectStayYellow RejectPolicy = "stay"
	RejectRevertRed  RejectPolicy = "revert"
)

func ParseRejectPolicy(s string) (RejectPolicy, error) {
	switch RejectPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RejectStayYellow:
		return RejectStayYellow, nil
	case RejectRevertRed:
		return RejectRevertRed, nil
	}
	return "", fmt.Errorf("unknown yellow reject policy %q", s)
}

type EventType string

const (
	EventStart    EventType = "start"
	EventDelay    EventType = "delay"
	EventComplete EventType = "complete"
	EventReset    EventType = "reset"
	EventManual   EventType = "manual"
)

func ParseEventType(s string) (EventType, error) {
	switch e := EventType(strings.ToLower(strings.TrimSpace(s))); e {
	case EventStart, EventDelay, EventComplete, EventReset, EventManual:
		return e, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Transition describes the outcome of a status change on a card.
type Transition struct {
	From    Status
	To      Status
	Event   EventType
	Changed bool
}

// NextStatus is the preposto confirmation table.
//
//	default|red + yes -> yellow
//	default|red + no  -> red
//	yellow + yes      -> green
//	yellow + no       -> yellow or red, see RejectPolicy
//	green             -> green
func NextStatus(from Status, confirm bool, policy RejectPolicy) Status {
	switch from {
	case StatusGreen:
		return StatusGreen
	case StatusYellow:
		if confirm {
			return StatusGreen
		}
		if policy == RejectRevertRed {
			return StatusRed
		}
		return StatusYellow
	default:
		if confirm {
			return StatusYellow
		}
		return StatusRed
	}
}

// ConfirmationFor finds the answer that moves a card from one status to
// another in a single step. ok is false when target is not reachable.
func ConfirmationFor(from, target Status, policy RejectPolicy) (confirm bool, ok bool) {
	for _, answer := range []bool{true, false} {
		if next := NextStatus(from, answer, policy); next == target && next != from {
			return answer, true
		}
	}
	return false, false
}

// Confirm applies one preposto answer. Answers that do not move the card
// leave it untouched, timestamps included.
func (c Card) Confirm(confirm bool, now time.Time, policy RejectPolicy) (Card, Transition) {
	return c.SetStatus(NextStatus(c.Status, confirm, policy), now)
}

// SetStatus moves the card to target keeping the timestamp invariant:
// startTime is stamped on entering yellow, endTime on entering green, both
// are cleared at default and red. A card forced to green without a
// startTime gets one equal to its endTime.
func (c Card) SetStatus(target Status, now time.Time) (Card, Transition) {
	from := c.Status
	if from == "" {
		from = StatusDefault
	}
	tr := Transition{From: from, To: target, Event: eventFor(target)}
	if target == from {
		return c, tr
	}
	tr.Changed = true

	c = c.clone()
	c.Status = target
	switch target {
	case StatusYellow:
		t := now
		c.StartTime = &t
		c.EndTime = nil
	case StatusGreen:
		t := now
		c.EndTime = &t
		if c.StartTime == nil {
			start := now
			c.StartTime = &start
		}
	default:
		c.StartTime = nil
		c.EndTime = nil
	}
	return c, tr
}

func eventFor(s Status) EventType {
	switch s {
	case StatusYellow:
		return EventStart
	case StatusRed:
		return EventDelay
	case StatusGreen:
		return EventComplete
	}
	return EventReset
}
