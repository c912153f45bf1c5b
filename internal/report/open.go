package report

import (
	"context"
	"errors"
	"strings"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// Open initializes the configured store. Driver "none" (or empty) returns a
// store that discards every report.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none":
		return nopStore{}, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown report driver: " + driver)
	}
}

type nopStore struct{}

func (nopStore) Save(context.Context, *types.DrainReport) error { return nil }

func (nopStore) Latest(context.Context, string) (*types.DrainReport, error) {
	return nil, ErrNotFound
}

func (nopStore) List(context.Context, int) ([]*types.DrainReport, error) { return nil, nil }

func (nopStore) Close() error { return nil }
