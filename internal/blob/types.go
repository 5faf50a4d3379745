// Package blob is the entry point for snapshot object storage. Callers depend
// on Store; the concrete backends live under internal/infra/blob.
package blob

import (
	"modulacms/internal/blob/core"
)

type (
	// Driver identifies a blob backend.
	Driver = core.Driver
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Info describes a stored object.
	Info = core.Info
	// Store is implemented by every backend.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound marks a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrInvalidKey marks an empty or escaping key.
	ErrInvalidKey = core.ErrInvalidKey
)

// ParseDriver resolves a driver name; empty selects the filesystem.
func ParseDriver(v string) (Driver, error) { return core.ParseDriver(v) }
