package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/piazzale/db"
	"github.com/avvvet/piazzale-services/internal/piazzale/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	cellsCollection    = "cells"
	sessionsCollection = "sessions"
	logsCollection     = "monitoring_logs"
	countersCollection = "counters"
)

// MongoStore keeps one document per cell with the cards embedded, so every
// cell write is a single-document update.
type MongoStore struct {
	uri string

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(uri string) *MongoStore {
	return &MongoStore{uri: uri}
}

func (s *MongoStore) Connect(ctx context.Context) error {
	client, database, err := db.ConnectMongo(ctx, s.uri)
	if err != nil {
		return err
	}
	if err := db.CreateUniqueIndex(ctx, database, cellsCollection, "cell_number"); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("cells index: %w", err)
	}
	if err := db.CreateUniqueIndex(ctx, database, sessionsCollection, "session_id"); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("sessions index: %w", err)
	}
	// mongo drops expired sessions by itself
	if err := db.CreateTTLIndexForCollection(ctx, database, sessionsCollection); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("sessions ttl index: %w", err)
	}

	s.mu.Lock()
	old := s.client
	s.client, s.db = client, database
	s.mu.Unlock()

	if old != nil {
		_ = old.Disconnect(ctx)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return ErrUnavailable
	}
	return client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client, s.db = nil, nil
	return err
}

func (s *MongoStore) collection(name string) (*mongo.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrUnavailable
	}
	return s.db.Collection(name), nil
}

func (s *MongoStore) ListCells(ctx context.Context) ([]models.Cell, error) {
	coll, err := s.collection(cellsCollection)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "cell_number", Value: 1}}))
	if err != nil {
		return nil, classify(fmt.Errorf("list cells: %w", err))
	}
	defer cur.Close(ctx)

	cells := []models.Cell{}
	for cur.Next(ctx) {
		var c models.Cell
		if err := cur.Decode(&c); err != nil {
			return nil, classify(fmt.Errorf("decode cell: %w", err))
		}
		if c.Cards, err = validateCards(c.CellNumber, c.Cards); err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, classify(cur.Err())
}

func (s *MongoStore) GetCell(ctx context.Context, cellNumber string) (*models.Cell, error) {
	coll, err := s.collection(cellsCollection)
	if err != nil {
		return nil, err
	}
	var c models.Cell
	err = coll.FindOne(ctx, bson.M{"cell_number": cellNumber}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get cell %s: %w", cellNumber, err))
	}
	if c.Cards, err = validateCards(c.CellNumber, c.Cards); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) InsertCell(ctx context.Context, cell models.Cell) (bool, error) {
	if err := checkCards(&cell); err != nil {
		return false, err
	}
	coll, err := s.collection(cellsCollection)
	if err != nil {
		return false, err
	}
	cell.UpdatedAt = time.Now().UTC()
	res, err := coll.UpdateOne(ctx,
		bson.M{"cell_number": cell.CellNumber},
		bson.M{"$setOnInsert": cell},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, classify(fmt.Errorf("insert cell %s: %w", cell.CellNumber, err))
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) UpdateCell(ctx context.Context, cell models.Cell) error {
	if err := checkCards(&cell); err != nil {
		return err
	}
	coll, err := s.collection(cellsCollection)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"cell_number": cell.CellNumber}, bson.M{"$set": bson.M{
		"field_id":   cell.FieldID,
		"field_n":    cell.FieldN,
		"field_tr":   cell.FieldTR,
		"field_note": cell.FieldNote,
		"cards":      cell.Cards,
		"updated_at": time.Now().UTC(),
	}})
	if err != nil {
		return classify(fmt.Errorf("update cell %s: %w", cell.CellNumber, err))
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateSession(ctx context.Context, sess models.Session) error {
	coll, err := s.collection(sessionsCollection)
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, sess); err != nil {
		return classify(fmt.Errorf("create session: %w", err))
	}
	return nil
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	coll, err := s.collection(sessionsCollection)
	if err != nil {
		return nil, err
	}
	var sess models.Session
	err = coll.FindOne(ctx, bson.M{"session_id": id}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get session: %w", err))
	}
	return &sess, nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, id string) error {
	coll, err := s.collection(sessionsCollection)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, bson.M{"session_id": id}); err != nil {
		return classify(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (s *MongoStore) CountActiveSessions(ctx context.Context, now time.Time) (map[models.Role]int, error) {
	coll, err := s.collection(sessionsCollection)
	if err != nil {
		return nil, err
	}
	counts := map[models.Role]int{}
	for _, role := range []models.Role{models.RoleAdmin, models.RolePreposto} {
		n, err := coll.CountDocuments(ctx, bson.M{"role": role, "expires_at": bson.M{"$gt": now}})
		if err != nil {
			return nil, classify(fmt.Errorf("count %s sessions: %w", role, err))
		}
		counts[role] = int(n)
	}
	return counts, nil
}

// PurgeExpiredSessions only catches what the TTL monitor has not removed yet.
func (s *MongoStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	coll, err := s.collection(sessionsCollection)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, classify(fmt.Errorf("purge sessions: %w", err))
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) nextLogID(ctx context.Context) (int64, error) {
	coll, err := s.collection(countersCollection)
	if err != nil {
		return 0, err
	}
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err = coll.FindOneAndUpdate(ctx,
		bson.M{"_id": logsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next log id: %w", err)
	}
	return counter.Seq, nil
}

func (s *MongoStore) AppendLog(ctx context.Context, l models.MonitoringLog) (models.MonitoringLog, error) {
	coll, err := s.collection(logsCollection)
	if err != nil {
		return l, err
	}
	if l.ID, err = s.nextLogID(ctx); err != nil {
		return l, classify(err)
	}
	if _, err := coll.InsertOne(ctx, l); err != nil {
		return l, classify(fmt.Errorf("append monitoring log: %w", err))
	}
	return l, nil
}

func (s *MongoStore) ListLogs(ctx context.Context, cellNumber string) ([]models.MonitoringLog, error) {
	coll, err := s.collection(logsCollection)
	if err != nil {
		return nil, err
	}
	filter := bson.M{}
	if cellNumber != "" {
		filter["cell_number"] = cellNumber
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "log_id", Value: -1}})
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("list monitoring logs: %w", err))
	}
	defer cur.Close(ctx)

	logs := []models.MonitoringLog{}
	for cur.Next(ctx) {
		var l models.MonitoringLog
		if err := cur.Decode(&l); err != nil {
			return nil, classify(fmt.Errorf("decode monitoring log: %w", err))
		}
		logs = append(logs, l.Derive())
	}
	return logs, classify(cur.Err())
}

func (s *MongoStore) DeleteLogs(ctx context.Context) (int64, error) {
	coll, err := s.collection(logsCollection)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, classify(fmt.Errorf("delete monitoring logs: %w", err))
	}
	return res.DeletedCount, nil
}
