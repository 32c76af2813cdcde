// Package blob selects a blob store driver from configuration.
package blob

import (
	"context"
	"fmt"

	"gennotes/internal/blob/core"
	"gennotes/internal/config"
	"gennotes/internal/infra/blob/fs"
	"gennotes/internal/infra/blob/memory"
	"gennotes/internal/infra/blob/s3"
)

type (
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
	Info             = core.Info
	Store            = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// Open builds the store named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
