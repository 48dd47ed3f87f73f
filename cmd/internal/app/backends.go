package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"parley/cmd/internal/accounts"
	"parley/cmd/internal/auth"
	"parley/cmd/internal/realtime"
)

// Backend names reported in logs.
const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMongo    = "mongo"
)

// backends owns every external connection. The app closes it on shutdown;
// stores built on top of it never close the underlying clients.
type backends struct {
	kind string

	store    realtime.Store
	users    accounts.Store
	partners auth.PartnerStore
	mirror   realtime.PresenceMirror

	pool  *pgxpool.Pool
	mongo *mongo.Client
	redis *redis.Client
}

// openBackends decides between Mongo, Postgres and the in-memory dev stores.
// Mongo holds conversations and messages when configured; Postgres then still serves
// accounts and partner keys if it is configured as well.
func openBackends(ctx context.Context, cfg Config, log Logger) (_ *backends, err error) {
	b := &backends{kind: backendMemory}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	if cfg.DatabaseURL != "" {
		b.pool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := b.openPostgres(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.MongoURL != "" {
		if err := b.openMongo(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if b.store == nil {
		b.store = realtime.NewInMemoryStore()
	}
	if b.users == nil {
		b.users = accounts.NewInMemoryStore()
	}

	if err := b.openPartners(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		if err := b.openRedis(ctx, cfg); err != nil {
			return nil, err
		}
	}

	log.Info("backends.ready",
		"store", b.kind,
		"accounts_postgres", b.pool != nil,
		"presence_mirror", b.redis != nil,
	)
	return b, nil
}

func (b *backends) openPostgres(ctx context.Context, cfg Config) error {
	msgs, err := realtime.NewPostgresStore(b.pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	if err := msgs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	users, err := accounts.NewPostgresStore(b.pool, accounts.WithSchema(cfg.DBSchema))
	if err != nil {
		return err
	}
	if err := users.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	b.kind, b.store, b.users = backendPostgres, msgs, users
	return nil
}

func (b *backends) openMongo(ctx context.Context, cfg Config) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	b.mongo = client
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}

	st, err := realtime.NewMongoStore(client.Database(cfg.MongoDB))
	if err != nil {
		return err
	}
	if err := st.EnsureIndexes(cctx); err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	b.kind, b.store = backendMongo, st
	return nil
}

// openPartners prefers the static PARLEY_PARTNER_KEYS list; otherwise partner keys live in Postgres.
func (b *backends) openPartners(ctx context.Context, cfg Config) error {
	if cfg.JWTSecret == "" || cfg.DigestKey == "" {
		return nil
	}
	key := []byte(cfg.DigestKey)

	if cfg.PartnerKeys != "" {
		ps, err := auth.ParsePartnerKeys(cfg.PartnerKeys, key)
		if err != nil {
			return err
		}
		b.partners = ps
		return nil
	}
	if b.pool == nil {
		return nil
	}

	ps, err := auth.NewPostgresPartnerStore(b.pool, cfg.DBSchema)
	if err != nil {
		return err
	}
	if err := ps.EnsureSchema(ctx); err != nil {
		return err
	}
	b.partners = ps
	return nil
}

func (b *backends) openRedis(ctx context.Context, cfg Config) error {
	b.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := b.redis.Ping(pctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	m, err := realtime.NewRedisPresenceMirror(b.redis, "", cfg.PresenceTTL)
	if err != nil {
		return err
	}
	b.mirror = m
	return nil
}

// dbEnabled reports whether a database backs the message store.
func (b *backends) dbEnabled() bool { return b.kind != backendMemory }

// Ping checks the configured databases. Redis is not part of readiness: a mirror outage only
// degrades presence reporting.
func (b *backends) Ping(ctx context.Context) error {
	if b.pool != nil {
		if err := PingDB(ctx, b.pool, 2*time.Second); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.mongo != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := b.mongo.Ping(pctx, readpref.Primary()); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
	}
	return nil
}

// Close releases every connection.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.mongo != nil {
		errs = append(errs, b.mongo.Disconnect(ctx))
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}
