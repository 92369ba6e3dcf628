// Package mongostore is the MongoDB storage driver. Importing it registers
// the "mongodb" and "mongo" driver names with storage.Open.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"liase/internal/jobs"
	"liase/internal/storage"
	logx "liase/pkg/logx"
)

const (
	DefaultDatabase   = "liase"
	DefaultCollection = "jobs"

	connectTimeout = 10 * time.Second
)

func init() {
	storage.RegisterDriver("mongodb", Open)
	storage.RegisterDriver("mongo", Open)
}

// envelope is the stored document. The top-level fields mirror the record
// so the due query can use indexes; Doc is the authoritative copy.
type envelope struct {
	ID        string     `bson:"_id"`
	Name      string     `bson:"name"`
	Kind      string     `bson:"kind"`
	IsActive  bool       `bson:"is_active"`
	Status    string     `bson:"status"`
	NextRunAt *time.Time `bson:"next_run_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	Doc       string     `bson:"doc"`
}

// Store implements storage.Store for MongoDB.
type Store struct {
	client *mongo.Client // nil when the collection was supplied by the caller
	coll   *mongo.Collection
	log    logx.Logger
}

// Open connects using cfg.URI and ensures indexes.
func Open(cfg storage.Config, log logx.Logger) (storage.Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for mongodb driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := strings.TrimSpace(cfg.Database)
	if db == "" {
		db = DefaultDatabase
	}
	collName := strings.TrimSpace(cfg.Collection)
	if collName == "" {
		collName = DefaultCollection
	}

	s := &Store{client: client, coll: client.Database(db).Collection(collName), log: log}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongodb store opened", logx.String("database", db), logx.String("collection", collName))
	return s, nil
}

// New wraps an existing collection. Close leaves the client connected.
func New(coll *mongo.Collection, log logx.Logger) (*Store, error) {
	if coll == nil {
		return nil, fmt.Errorf("collection is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{coll: coll, log: log}, nil
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb indexes: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, rec jobs.Record) error {
	env, err := toEnvelope(rec)
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": env.ID}, env, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (jobs.Record, error) {
	var env envelope
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&env)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return jobs.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return jobs.Record{}, fmt.Errorf("findOne failed: %w", err)
	}
	return fromEnvelope(env)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Load(ctx context.Context, f storage.Filter) ([]jobs.Record, error) {
	cur, err := s.coll.Find(ctx, buildFilter(f), findOptions(f))
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	defer cur.Close(ctx)

	var out []jobs.Record
	for cur.Next(ctx) {
		var env envelope
		if err := cur.Decode(&env); err != nil {
			return nil, err
		}
		rec, err := fromEnvelope(env)
		if err != nil {
			s.log.Warn("mongodb job decode failed", logx.String("id", env.ID), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// Mongo sorts null first; the store contract wants unscheduled records last.
	out = sortNilLast(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// buildFilter renders f as a query over the envelope fields.
func buildFilter(f storage.Filter) bson.D {
	q := bson.D{}
	if f.ActiveOnly {
		q = append(q, bson.E{Key: "is_active", Value: true})
	}
	if f.ExcludeRunning {
		q = append(q, bson.E{Key: "status", Value: bson.M{"$ne": string(jobs.StatusRunning)}})
	}
	if !f.DueBy.IsZero() {
		q = append(q, bson.E{Key: "next_run_at", Value: bson.M{"$ne": nil, "$lte": f.DueBy}})
	}
	if f.Name != "" {
		q = append(q, bson.E{Key: "name", Value: f.Name})
	}
	if len(f.IDs) > 0 {
		q = append(q, bson.E{Key: "_id", Value: bson.M{"$in": f.IDs}})
	}
	return q
}

func findOptions(f storage.Filter) *options.FindOptions {
	o := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}, {Key: "_id", Value: 1}})
	// With nulls sorted first a limit would cut scheduled records, so it is
	// only pushed down when nulls are excluded.
	if f.Limit > 0 && !f.DueBy.IsZero() {
		o.SetLimit(int64(f.Limit))
	}
	return o
}

func sortNilLast(recs []jobs.Record) []jobs.Record {
	i := 0
	for i < len(recs) && recs[i].NextRunAt == nil {
		i++
	}
	if i > 0 {
		recs = append(recs[i:], recs[:i]...)
	}
	return recs
}

func toEnvelope(rec jobs.Record) (envelope, error) {
	if rec.ID == "" {
		return envelope{}, storage.ErrNoID
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return envelope{}, err
	}
	env := envelope{
		ID:        rec.ID,
		Name:      rec.Name,
		Kind:      rec.Kind,
		IsActive:  rec.IsActive,
		Status:    string(rec.Status),
		UpdatedAt: rec.UpdatedAt.UTC(),
		Doc:       string(doc),
	}
	if rec.NextRunAt != nil {
		t := rec.NextRunAt.UTC()
		env.NextRunAt = &t
	}
	return env, nil
}

func fromEnvelope(env envelope) (jobs.Record, error) {
	var rec jobs.Record
	if err := json.Unmarshal([]byte(env.Doc), &rec); err != nil {
		return jobs.Record{}, fmt.Errorf("decode job %s: %w", env.ID, err)
	}
	return rec, nil
}
