// Package config loads server configuration from the environment and builds
// a ready-to-use service from it.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/imagestore/pkg/imagestore"
	fsstore "github.com/clinicore/imagestore/pkg/imagestore/assetstore/fs"
	memorystore "github.com/clinicore/imagestore/pkg/imagestore/assetstore/memory"
	s3store "github.com/clinicore/imagestore/pkg/imagestore/assetstore/s3"
	"github.com/clinicore/imagestore/pkg/imagestore/extract"
	repomemory "github.com/clinicore/imagestore/pkg/imagestore/repo/memory"
	repopg "github.com/clinicore/imagestore/pkg/imagestore/repo/postgres"
)

// ServerConfig represents server configuration for the image store service
type ServerConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"` // development, production, testing

	// Catalog configuration
	DatabaseURL string `env:"DATABASE_URL" env-default:""` // empty means in-memory catalog
	DBSchema    string `env:"DB_SCHEMA" env-default:""`

	// Asset storage configuration
	StorageType string `env:"STORAGE_TYPE" env-default:"fs"` // "memory", "fs", "s3"
	StorageDir  string `env:"STORAGE_DIR" env-default:"./data/assets"`

	S3 S3Config

	// Auth configuration
	JWTSecret string `env:"JWT_SECRET" env-default:""`
}

// S3Config holds S3-compatible storage options
type S3Config struct {
	Region                 string `env:"AWS_S3_REGION" env-default:"us-east-1"`
	Bucket                 string `env:"AWS_S3_BUCKET" env-default:""`
	AccessKeyID            string `env:"AWS_ACCESS_KEY_ID" env-default:""`
	SecretAccessKey        string `env:"AWS_SECRET_ACCESS_KEY" env-default:""`
	Endpoint               string `env:"AWS_S3_ENDPOINT" env-default:""`
	UsePathStyle           bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	KeyPrefix              string `env:"AWS_S3_KEY_PREFIX" env-default:""`
	CreateBucketIfNotExist bool   `env:"AWS_S3_CREATE_BUCKET" env-default:"false"`
}

// Load reads configuration from the environment
func Load() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	switch c.StorageType {
	case "memory":
	case "fs":
		if c.StorageDir == "" {
			return errors.New("STORAGE_DIR is required when using fs storage")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return errors.New("AWS_S3_BUCKET is required when using s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in production")
	}
	return nil
}

// BuildService creates a Service instance from the server configuration.
// The clinic directory is a collaborator the surrounding application owns.
func (c *ServerConfig) BuildService(clinics imagestore.ClinicDirectory, logger *slog.Logger) (imagestore.Service, error) {
	catalog, err := c.buildCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	store, err := c.buildAssetStore(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset store: %w", err)
	}

	return imagestore.New(
		imagestore.WithCatalog(catalog),
		imagestore.WithAssetStore(store),
		imagestore.WithExtractor(extract.New()),
		imagestore.WithClinicDirectory(clinics),
		imagestore.WithLogger(logger),
	)
}

func (c *ServerConfig) buildCatalog() (imagestore.Catalog, error) {
	if c.DatabaseURL == "" {
		return repomemory.New(), nil
	}

	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	schema := c.DBSchema
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return repopg.NewWithPool(pool), nil
}

func (c *ServerConfig) buildAssetStore(logger *slog.Logger) (imagestore.AssetStore, error) {
	switch c.StorageType {
	case "memory":
		return memorystore.New(), nil
	case "fs":
		return fsstore.New(fsstore.Config{
			BaseDir: c.StorageDir,
			Logger:  logger,
		})
	case "s3":
		return s3store.New(s3store.Config{
			Region:                 c.S3.Region,
			Bucket:                 c.S3.Bucket,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               c.S3.Endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			KeyPrefix:              c.S3.KeyPrefix,
			CreateBucketIfNotExist: c.S3.CreateBucketIfNotExist,
			Logger:                 logger,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.StorageType)
	}
}
