package report

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate report db: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Save(ctx context.Context, r *types.DrainReport) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if r == nil {
		return errors.New("nil report")
	}
	if r.SchemaVer == 0 {
		r.SchemaVer = types.ReportSchemaVersion
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports(run_id, pool, started_ns, finished_ns, total, completed, failed, aborted, body)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   pool=excluded.pool, started_ns=excluded.started_ns, finished_ns=excluded.finished_ns,
		   total=excluded.total, completed=excluded.completed, failed=excluded.failed,
		   aborted=excluded.aborted, body=excluded.body`,
		r.RunID, r.Pool, r.Started.UnixNano(), r.Finished.UnixNano(),
		r.Total, r.Completed, r.Failed, r.Aborted, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	s.log.Debug("report.saved", logx.String("run_id", r.RunID), logx.String("driver", "sqlite"))
	return nil
}

func (s *sqliteStore) Latest(ctx context.Context, pool string) (*types.DrainReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM reports WHERE pool = ? ORDER BY started_ns DESC LIMIT 1`, pool,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeReport(body)
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]*types.DrainReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, body FROM reports ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.DrainReport
	for rows.Next() {
		var runID, body string
		if err := rows.Scan(&runID, &body); err != nil {
			return nil, err
		}
		r, err := decodeReport(body)
		if err != nil {
			s.log.Warn("report.skipped", logx.String("run_id", runID), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeReport(body string) (*types.DrainReport, error) {
	var r types.DrainReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if err := checkVersion(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
