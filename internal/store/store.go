// Package store は設定に従ってバックエンドのアダプターを生成する。
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/authstore/internal/adapter"
	"github.com/hitoshi/authstore/internal/adapter/memory"
	"github.com/hitoshi/authstore/internal/adapter/mongo"
	"github.com/hitoshi/authstore/internal/adapter/postgres"
	"github.com/hitoshi/authstore/internal/adapter/redis"
	"github.com/hitoshi/authstore/internal/adapter/sqlite"
	"github.com/hitoshi/authstore/internal/config"
	"github.com/hitoshi/authstore/internal/database"
)

// backend は全アダプターが共通で持つメソッドの集合。
type backend interface {
	adapter.Adapter
	adapter.Pinger
}

// Store は生成したアダプターと、その接続のライフサイクルを保持する。
type Store struct {
	Name string
	// Adapter は操作ごとの計測を行うadapter.Instrumentedでラップされている。
	Adapter adapter.Adapter
	Pinger  adapter.Pinger
	// Purger は期限切れデータの削除に対応するバックエンドのみ設定される。
	Purger adapter.Purger

	close func() error
}

// Close はバックエンドの接続を閉じる。
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open はcfg.Backendに対応するアダプターを生成し、recorderへ計測結果を送るようにラップする。
// recorderはnilでもよい。postgresの場合はマイグレーションを適用してから接続する。
// 返されたStoreの所有権は呼び出し側にあり、不要になったらCloseすること。
func Open(ctx context.Context, cfg *config.Config, recorder adapter.OperationRecorder) (*Store, error) {
	b, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		Name:    cfg.Backend,
		Adapter: adapter.Instrument(b, recorder, slog.Default().With(slog.String("backend", cfg.Backend))),
		Pinger:  b,
		close:   closeFn,
	}
	if p, ok := b.(adapter.Purger); ok {
		s.Purger = p
	}
	return s, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		s := memory.New()
		return s, s.Close, nil

	case config.BackendPostgres:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(db), db.Close, nil

	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendMongo:
		s, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendRedis:
		s, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown backend: %q", cfg.Backend)
}
