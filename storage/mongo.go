package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nowplaying-notifier/pkg/notifier"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOpTimeout = 5 * time.Second

// Mongo persists profiles as documents in a MongoDB collection keyed by subscriber id.
type Mongo struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongo creates a profile store on the given collection.
func NewMongo(db *mongo.Database, collection string, logger *slog.Logger) *Mongo {
	return &Mongo{
		collection: db.Collection(collection),
		logger:     logger,
	}
}

func (m *Mongo) retryOptions(ctx context.Context, op, id string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(200 * time.Millisecond),
		retry.MaxDelay(2 * time.Second),
		retry.MaxJitter(200 * time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Retrying mongo operation after error", "op", op, "attempt", n, "subscriber_id", id, "error", err)
		}),
	}
}

// Save replaces the whole profile document, creating it if needed.
func (m *Mongo) Save(ctx context.Context, p *notifier.Profile) error {
	if p.SubscriberID == "" {
		return errors.New("missing subscriber id")
	}
	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
			defer cancel()
			_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": p.SubscriberID}, p, options.Replace().SetUpsert(true))
			return err
		},
		m.retryOptions(ctx, "save", p.SubscriberID)...,
	)
	if err != nil {
		return fmt.Errorf("replace profile: %w", err)
	}
	return nil
}

// Get loads the profile for a subscriber.
func (m *Mongo) Get(ctx context.Context, subscriberID string) (*notifier.Profile, error) {
	var p notifier.Profile
	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
			defer cancel()
			return m.collection.FindOne(ctx, bson.M{"_id": subscriberID}).Decode(&p)
		},
		m.retryOptions(ctx, "get", subscriberID)...,
	)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &p, nil
}

// List loads every profile in the collection.
func (m *Mongo) List(ctx context.Context) ([]*notifier.Profile, error) {
	var profiles []*notifier.Profile
	err := retry.Do(
		func() error {
			ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
			defer cancel()

			cursor, err := m.collection.Find(ctx, bson.M{})
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := cursor.Close(ctx); closeErr != nil {
					m.logger.Warn("Failed to close cursor", "error", closeErr)
				}
			}()

			var batch []*notifier.Profile
			if err := cursor.All(ctx, &batch); err != nil {
				return err
			}
			profiles = batch
			return nil
		},
		m.retryOptions(ctx, "list", "")...,
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}
