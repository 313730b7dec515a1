package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultMongoDB = "cawatch"

// Mongo stores accounts and sessions in two collections.
type Mongo struct {
	client   *mongo.Client
	accounts *mongo.Collection
	sessions *mongo.Collection
}

type accountDoc struct {
	ID          string            `bson:"_id"`
	Owner       string            `bson:"owner"`
	Username    string            `bson:"username"`
	Credentials watch.Credentials `bson:"credentials"`
	Health      string            `bson:"health"`
	CreatedAt   time.Time         `bson:"created_at"`
	// Seq orders accounts by insertion; created_at only has millisecond precision.
	Seq int64 `bson:"seq"`
}

type sessionDoc struct {
	ID        string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	Username  string    `bson:"username"`
	Token     string    `bson:"token"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// OpenMongo connects to uri and uses database db (default "cawatch").
func OpenMongo(ctx context.Context, uri, db string) (*Mongo, error) {
	if uri == "" {
		return nil, watch.ConfigError{Field: "storage.mongo_uri", Reason: "not set"}
	}
	if db == "" {
		db = defaultMongoDB
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	database := client.Database(db)
	return &Mongo{
		client:   client,
		accounts: database.Collection("accounts"),
		sessions: database.Collection("sessions"),
	}, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ListAccounts(ctx context.Context, owner string) ([]watch.WorkerAccount, error) {
	cur, err := m.accounts.Find(ctx, bson.D{{Key: "owner", Value: owner}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	var docs []accountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding accounts: %w", err)
	}
	out := make([]watch.WorkerAccount, 0, len(docs))
	for _, d := range docs {
		out = append(out, watch.WorkerAccount{
			Username:    d.Username,
			Owner:       d.Owner,
			Credentials: d.Credentials,
			Health:      watch.Health(d.Health),
		})
	}
	return out, nil
}

func (m *Mongo) SaveAccount(ctx context.Context, a watch.WorkerAccount) error {
	health := a.Health
	if health == "" {
		health = watch.HealthUnknown
	}
	now := time.Now().UTC()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "owner", Value: a.Owner},
			{Key: "username", Value: a.Username},
			{Key: "credentials", Value: a.Credentials},
			{Key: "health", Value: string(health)},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "created_at", Value: now},
			{Key: "seq", Value: now.UnixNano()},
		}},
	}
	_, err := m.accounts.UpdateOne(ctx, bson.D{{Key: "_id", Value: a.Key().String()}}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving account %s: %w", a.Key(), err)
	}
	return nil
}

func (m *Mongo) SetHealth(ctx context.Context, key watch.AccountKey, health watch.Health) error {
	res, err := m.accounts.UpdateOne(ctx, bson.D{{Key: "_id", Value: key.String()}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "health", Value: string(health)}}}})
	if err != nil {
		return fmt.Errorf("updating health for %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) Get(ctx context.Context, key watch.AccountKey) (string, bool, error) {
	var doc sessionDoc
	err := m.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: key.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading session %s: %w", key, err)
	}
	return doc.Token, true, nil
}

func (m *Mongo) Put(ctx context.Context, key watch.AccountKey, token string) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: key.Owner},
		{Key: "username", Value: key.Username},
		{Key: "token", Value: token},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	_, err := m.sessions.UpdateOne(ctx, bson.D{{Key: "_id", Value: key.String()}}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", key, err)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, key watch.AccountKey) error {
	if _, err := m.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: key.String()}}); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}
