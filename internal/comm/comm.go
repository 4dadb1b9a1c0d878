package comm

import (
	"encoding/json"
	"time"
)

// NATS subjects shared by the services.
const (
	CellsTopic = "piazzale.cells"
)

// Message types carried in WSMessage.Type.
const (
	TypeCellsChanged = "cells-changed"
	TypeHello        = "hello"
)

// WSMessage is the envelope used on NATS and on the websocket.
type WSMessage struct {
	Type     string          `json:"type"` // e.g. "cells-changed"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

// CellChange tells readers to refresh. An empty CellNumber means the whole
// board changed.
type CellChange struct {
	CellNumber string    `json:"cell_number"`
	Origin     string    `json:"origin"` // instance id of the writer
	Timestamp  time.Time `json:"timestamp"`
}

func NewCellsChanged(cellNumber, origin string, at time.Time) ([]byte, error) {
	data, err := json.Marshal(CellChange{CellNumber: cellNumber, Origin: origin, Timestamp: at})
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: TypeCellsChanged, Data: data})
}

// NewHello greets a websocket client with the id the hub assigned to it.
func NewHello(socketId string) ([]byte, error) {
	return json.Marshal(WSMessage{Type: TypeHello, Data: json.RawMessage(`{}`), SocketId: socketId})
}

// DecodeCellChange unpacks a cells-changed envelope. ok is false for other
// message types.
func DecodeCellChange(payload []byte) (change CellChange, ok bool, err error) {
	var msg WSMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return change, false, err
	}
	if msg.Type != TypeCellsChanged {
		return change, false, nil
	}
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		return change, false, err
	}
	return change, true, nil
}
