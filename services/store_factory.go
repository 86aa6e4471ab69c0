package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"lmschat/config"
)

// OpenDocumentStore connects the configured backend. The returned func
// releases it.
func OpenDocumentStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (DocumentStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn().Msg("using in-memory document store, history is lost on restart")
		return NewMemoryStore(), func() {}, nil

	case config.BackendPostgres:
		store, err := NewPostgresStore(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("closing postgres store")
			}
		}, nil

	case config.BackendDynamoDB:
		client, err := NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		store := NewDynamoDBStore(client, cfg.DynamoDB.Table, log)
		if err := store.EnsureTable(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
