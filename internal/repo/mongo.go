package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/model"
)

const (
	collProperties = "properties"
	collHistory    = "collection_history"
	collErrors     = "errors"

	mongoOpTimeout = 10 * time.Second
)

// MongoRepository persists properties to MongoDB.
type MongoRepository struct {
	client  *mongo.Client
	db      *mongo.Database
	saves   *keyedMutex
	nowFunc func() time.Time
}

var _ Repository = (*MongoRepository)(nil)

// NewMongoRepository connects to the configured cluster and ensures the
// collection indexes exist.
func NewMongoRepository(ctx context.Context, cfg config.StoreConfig) (*MongoRepository, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(mongoOpTimeout).
		SetServerSelectionTimeout(mongoOpTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepository, err, "connect to document store")
	}

	r := &MongoRepository{
		client:  client,
		db:      client.Database(cfg.DatabaseName),
		saves:   newKeyedMutex(),
		nowFunc: time.Now,
	}
	if err := r.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	zap.L().Info("document store connected",
		zap.String("database", cfg.DatabaseName))
	return r, nil
}

func (r *MongoRepository) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "property_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "address.zip", Value: 1}}},
		{Keys: bson.D{{Key: "last_updated", Value: -1}}},
	}
	if _, err := r.db.Collection(collProperties).Indexes().CreateMany(ctx, models); err != nil {
		return errs.Wrap(errs.KindRepository, err, "create property indexes")
	}
	return nil
}

// Save upserts the record, merging with any existing document for the
// same property_id. Saves for one ID are serialized; re-saving an
// unchanged record leaves the stored document identical.
func (r *MongoRepository) Save(ctx context.Context, p *model.Property) (string, error) {
	if p == nil || p.PropertyID == "" {
		return "", errs.New(errs.KindRepository, "property missing property_id")
	}
	unlock := r.saves.Lock(p.PropertyID)
	defer unlock()

	existing, err := r.Get(ctx, p.PropertyID)
	doc := p
	switch {
	case err == nil:
		doc = mergeProperties(existing, p)
	case errors.Is(err, ErrNotFound):
		// first sight of this property
	default:
		return "", err
	}

	filter := bson.M{"property_id": p.PropertyID}
	_, err = r.db.Collection(collProperties).
		ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return "", errs.Wrap(errs.KindRepository, err, "save property").
			With("property_id", p.PropertyID)
	}
	return p.PropertyID, nil
}

func (r *MongoRepository) Get(ctx context.Context, propertyID string) (*model.Property, error) {
	var p model.Property
	err := r.db.Collection(collProperties).
		FindOne(ctx, bson.M{"property_id": propertyID}).
		Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRepository, err, "get property").
			With("property_id", propertyID)
	}
	return &p, nil
}

func (r *MongoRepository) FindUpdatedSince(ctx context.Context, t time.Time) ([]*model.Property, error) {
	cur, err := r.db.Collection(collProperties).Find(ctx,
		bson.M{"last_updated": bson.M{"$gte": t}},
		options.Find().SetSort(bson.D{{Key: "last_updated", Value: -1}}))
	if err != nil {
		return nil, errs.Wrap(errs.KindRepository, err, "query updated properties")
	}
	defer cur.Close(ctx)

	var out []*model.Property
	for cur.Next(ctx) {
		var p model.Property
		if err := cur.Decode(&p); err != nil {
			return nil, errs.Wrap(errs.KindRepository, err, "decode property")
		}
		out = append(out, &p)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Wrap(errs.KindRepository, err, "iterate properties")
	}
	return out, nil
}

func (r *MongoRepository) Delete(ctx context.Context, propertyID string) error {
	res, err := r.db.Collection(collProperties).
		DeleteOne(ctx, bson.M{"property_id": propertyID})
	if err != nil {
		return errs.Wrap(errs.KindRepository, err, "delete property").
			With("property_id", propertyID)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) RecordRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, err := r.db.Collection(collHistory).InsertOne(ctx, run); err != nil {
		return errs.Wrap(errs.KindRepository, err, "record collection run")
	}
	return nil
}

func (r *MongoRepository) RecordError(ctx context.Context, rec ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.nowFunc().UTC()
	}
	if _, err := r.db.Collection(collErrors).InsertOne(ctx, rec); err != nil {
		return errs.Wrap(errs.KindRepository, err, "record error")
	}
	return nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if err := r.client.Ping(ctx, nil); err != nil {
		return errs.Wrap(errs.KindRepository, err, "ping document store")
	}
	return nil
}

func (r *MongoRepository) Close(ctx context.Context) error {
	if err := r.client.Disconnect(ctx); err != nil {
		return errs.Wrap(errs.KindRepository, err, "disconnect document store")
	}
	return nil
}
