// Package report persists drain reports so higher layers can inspect the
// outcome of a run after the pool is gone.
//
// Drivers:
//   - "file":   one JSON document per drain, written atomically (temp + rename)
//   - "sqlite": a reports table holding the JSON body (modernc.org/sqlite)
//   - "none":   reports are discarded
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

var (
	ErrNotFound            = errors.New("report not found")
	ErrCorrupted           = errors.New("report is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrClosed              = errors.New("report store closed")
)

// Config selects and configures a backend.
type Config struct {
	Driver      string
	Path        string        // directory (file) or database file (sqlite)
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

// Store is the persistence API for drain reports.
type Store interface {
	// Save stores r, replacing any report with the same RunID.
	Save(ctx context.Context, r *types.DrainReport) error
	// Latest returns the most recently started report of pool.
	Latest(ctx context.Context, pool string) (*types.DrainReport, error)
	// List returns up to limit reports, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*types.DrainReport, error)
	Close() error
}

func checkVersion(r *types.DrainReport) error {
	if r.SchemaVer != types.ReportSchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, types.ReportSchemaVersion)
	}
	return nil
}
