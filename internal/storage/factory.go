package storage

import (
	"context"
	"fmt"

	"github.com/oriys/meteor/internal/config"
)

// New builds the status store selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (StatusStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.JobsPrefix, cfg.TTL)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.JobsPrefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
