package broker

import (
	"time"

	"github.com/avvvet/piazzale-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Listener reacts to changes committed by other instances.
type Listener interface {
	RemoteChange(change comm.CellChange)
}

type ListenerFunc func(change comm.CellChange)

func (f ListenerFunc) RemoteChange(change comm.CellChange) { f(change) }

// Broker fans cell changes out over NATS so every API instance can drop its
// read cache and push a refresh hint to its websocket clients.
type Broker struct {
	Conn       *nats.Conn
	InstanceId string
	Topic      string
	listeners  []Listener
}

// NewBroker accepts a nil connection, in which case publishing is a no-op
// and the instance runs standalone.
func NewBroker(nc *nats.Conn, instanceId string, listeners ...Listener) *Broker {
	return &Broker{
		Conn:       nc,
		InstanceId: instanceId,
		Topic:      comm.CellsTopic,
		listeners:  listeners,
	}
}

// CellChanged publishes a local change.
func (b *Broker) CellChanged(cellNumber string) {
	if b.Conn == nil {
		return
	}
	payload, err := comm.NewCellsChanged(cellNumber, b.InstanceId, time.Now().UTC())
	if err != nil {
		log.Errorf("Error marshal cell change %s", err)
		return
	}
	b.Publish(b.Topic, payload)
}

// handles changes coming from other instances
func (b *Broker) handleMessage(msgNat *nats.Msg) {
	change, ok, err := comm.DecodeCellChange(msgNat.Data)
	if err != nil {
		log.Errorf("Error nats message %s", err)
		return
	}
	if !ok {
		log.Warnf("unknown message on %s", msgNat.Subject)
		return
	}
	if change.Origin == b.InstanceId {
		return
	}
	for _, l := range b.listeners {
		l.RemoteChange(change)
	}
}

// consume cell changes from every instance
func (b *Broker) SubscribeCells() (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(b.Topic, b.handleMessage)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
