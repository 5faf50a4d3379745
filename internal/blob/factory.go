package blob

import (
	"context"
	"fmt"

	"modulacms/internal/infra/blob/fs"
	memorystore "modulacms/internal/infra/blob/memory"
	s3store "modulacms/internal/infra/blob/s3"
)

// S3Config configures the s3 driver.
type S3Config = s3store.Config

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	// FSRoot is the directory used by the fs driver.
	FSRoot string
	S3     S3Config
}

// Open constructs the backend named by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver, err := ParseDriver(string(cfg.Driver))
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverFilesystem:
		s, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return memorystore.New(), nil
	case DriverS3:
		s, err := s3store.New(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown blob driver %s", driver)
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }
