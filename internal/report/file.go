package report

// ============================================================================
// File backend
// ============================================================================
//
// Layout: <dir>/<pool>-<started>-<run id>.json, one document per drain.
//
// Writes are atomic: the document is written to a temporary file in the same
// directory and renamed over the final name. Readers either see the previous
// state or the complete new document.
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

const fileTimeLayout = "20060102T150405.000000000"

type fileStore struct {
	dir string
	log logx.Logger

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("report.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &fileStore{dir: dir, log: log}, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (s *fileStore) pathFor(r *types.DrainReport) string {
	pool := unsafeFileChars.ReplaceAllString(r.Pool, "_")
	name := fmt.Sprintf("%s-%s-%s.json", pool, r.Started.UTC().Format(fileTimeLayout), r.RunID)
	return filepath.Join(s.dir, name)
}

func (s *fileStore) Save(ctx context.Context, r *types.DrainReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil {
		return errors.New("nil report")
	}
	if r.SchemaVer == 0 {
		r.SchemaVer = types.ReportSchemaVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	final := s.pathFor(r)
	tmp, err := os.CreateTemp(s.dir, ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename report: %w", err)
	}

	s.log.Debug("report.saved", logx.String("run_id", r.RunID), logx.String("path", final))
	return nil
}

func (s *fileStore) Latest(ctx context.Context, pool string) (*types.DrainReport, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.Pool == pool {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) List(ctx context.Context, limit int) ([]*types.DrainReport, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// load reads every report, newest first. Unreadable documents are logged and
// skipped so one bad file does not hide the rest.
func (s *fileStore) load(ctx context.Context) ([]*types.DrainReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read report dir: %w", err)
	}

	out := make([]*types.DrainReport, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		r, err := readReport(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("report.skipped", logx.String("file", name), logx.Err(err))
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out, nil
}

func readReport(path string) (*types.DrainReport, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r types.DrainReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if err := checkVersion(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
