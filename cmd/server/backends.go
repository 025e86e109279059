package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filevault/internal/auth"
	"filevault/internal/config"
	"filevault/internal/db"
	"filevault/internal/dedup"
	"filevault/internal/httpapi/handlers"
	"filevault/internal/storage"
	"filevault/internal/store"
	"filevault/internal/taskstate"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

// catalog is everything the server needs from the metadata store.
type catalog interface {
	dedup.Catalog
	handlers.Catalog
	auth.TokenLookup
}

var (
	_ catalog = (*store.Store)(nil)
	_ catalog = (*store.SQLiteStore)(nil)
)

func openCatalog(ctx context.Context, cfg config.Config) (catalog, func(), error) {
	switch cfg.CatalogBackend {
	case config.CatalogSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return st, pool.Close, nil
	}
}

func openBlobStorage(ctx context.Context, cfg config.Config) (storage.BlobStorage, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		return storage.NewMemoryBlobStore(), nil
	case config.StorageS3:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return storage.NewS3BlobStore(storage.S3Options{
			Client: client,
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
		}), nil
	default:
		return storage.NewLocalBlobStore(cfg.StorageRoot)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	}), nil
}

func openTaskStore(ctx context.Context, cfg config.Config) (taskstate.Store, func(), error) {
	if cfg.TaskStore == config.TaskStoreMemory {
		return taskstate.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return taskstate.NewRedisStore(client), func() { _ = client.Close() }, nil
}
