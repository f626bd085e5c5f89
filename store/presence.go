package store

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const writeTimeout = 5 * time.Second

type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Presence mirrors per-room member counts into MongoDB, one document per
// room with upsert semantics. It is a best-effort side channel: if the
// initial connect fails the store runs disabled for the process lifetime,
// and individual write failures are logged and swallowed. Relay never
// waits on it and never reads from it.
type Presence struct {
	log      *slog.Logger
	client   *mongo.Client
	coll     *mongo.Collection
	disabled bool
}

// NewPresence connects to MongoDB and makes sure the unique room index
// exists. It never returns an error: any failure yields a disabled no-op
// store so the relay path keeps working without durability.
func NewPresence(ctx context.Context, cfg Config, log *slog.Logger) *Presence {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		log.Warn("mongo connect failed, presence persistence disabled", "error", err)
		return &Presence{log: log, disabled: true}
	}
	if err := client.Ping(cctx, nil); err != nil {
		log.Warn("mongo ping failed, presence persistence disabled", "error", err)
		_ = client.Disconnect(cctx)
		return &Presence{log: log, disabled: true}
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Warn("mongo index create failed", "error", err)
	}

	log.Info("presence store connected", "database", cfg.Database, "collection", cfg.Collection)
	return &Presence{log: log, client: client, coll: coll}
}

// PersistCount upserts {room, count, updatedAt}. Callers fire-and-forget;
// a failed write must never reach the relay path.
func (p *Presence) PersistCount(room string, count int) {
	if p.disabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := p.coll.UpdateOne(ctx,
		bson.M{"room": room},
		bson.M{"$set": bson.M{
			"room":      room,
			"count":     count,
			"updatedAt": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		p.log.Warn("presence upsert failed", "room", room, "error", err)
	}
}

// Disabled reports whether the store is running in no-op mode.
func (p *Presence) Disabled() bool { return p.disabled }

func (p *Presence) Close(ctx context.Context) {
	if p.disabled {
		return
	}
	if err := p.client.Disconnect(ctx); err != nil {
		p.log.Warn("mongo disconnect failed", "error", err)
	}
}
