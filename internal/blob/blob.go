// Package blob is the only entry point to the blob backends. Callers depend
// on Store and open a backend from configuration with Open.
package blob

import (
	"context"

	"github.com/juju/errors"

	"cascadecore/internal/blob/core"
	"cascadecore/internal/config"
	fsstore "cascadecore/internal/infra/blob/fs"
	memstore "cascadecore/internal/infra/blob/memory"
	s3store "cascadecore/internal/infra/blob/s3"
)

type (
	Store      = core.Store
	Info       = core.Info
	PutOptions = core.PutOptions
	Driver     = core.Driver
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
	// DriverNone disables the archive; Open returns a nil Store.
	DriverNone Driver = "none"
)

// NewMemory returns an in-memory store.
func NewMemory() Store { return memstore.New() }

// Open builds the backend cfg selects.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverNone, "":
		return nil, nil
	case DriverMemory:
		return memstore.New(), nil
	case DriverFilesystem:
		s, err := fsstore.New(cfg.Root)
		if err != nil {
			return nil, errors.Annotate(err, "open fs archive")
		}
		return s, nil
	case DriverS3:
		s, err := s3store.New(ctx, s3store.Config{
			Region:   cfg.Region,
			Bucket:   cfg.Bucket,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, errors.Annotate(err, "open s3 archive")
		}
		return s, nil
	default:
		return nil, errors.NotSupportedf("archive driver %q", cfg.Driver)
	}
}
