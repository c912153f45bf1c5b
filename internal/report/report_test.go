package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

func sampleReport(pool string, started time.Time, failed int) *types.DrainReport {
	r := &types.DrainReport{
		SchemaVer:   types.ReportSchemaVersion,
		RunID:       uuid.NewString(),
		Pool:        pool,
		Concurrency: 2,
		Started:     started,
		Finished:    started.Add(3 * time.Second),
		Total:       2,
		Completed:   2,
		Failed:      failed,
		Tasks: []types.TaskResult{
			{ID: "1-" + types.TaskID(pool) + "-a", Ident: "a", Seq: 1, Status: types.StatusExited, Reaped: true},
			{ID: "2-" + types.TaskID(pool) + "-b", Ident: "b", Seq: 2, Status: types.StatusExited, ExitCode: failed, Reaped: true},
		},
	}
	if failed > 0 {
		first := r.Tasks[1]
		r.FirstFailure = &first
	}
	return r
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	files, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "reports")}, logx.Nop())
	require.NoError(t, err)
	db, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "reports.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = files.Close()
		_ = db.Close()
	})
	return map[string]Store{"file": files, "sqlite": db}
}

func TestStoreSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			older := sampleReport("build", base, 0)
			newer := sampleReport("build", base.Add(time.Hour), 1)
			other := sampleReport("test", base.Add(2*time.Hour), 0)

			require.NoError(t, store.Save(ctx, older))
			require.NoError(t, store.Save(ctx, newer))
			require.NoError(t, store.Save(ctx, other))

			got, err := store.Latest(ctx, "build")
			require.NoError(t, err)
			assert.Equal(t, newer.RunID, got.RunID)
			assert.Equal(t, 1, got.Failed)
			require.NotNil(t, got.FirstFailure)
			assert.Equal(t, "b", got.FirstFailure.Ident)
			require.Len(t, got.Tasks, 2)
			assert.Equal(t, types.StatusExited, got.Tasks[1].Status)
			assert.True(t, got.Tasks[1].Reaped)
			assert.True(t, newer.Started.Equal(got.Started))

			_, err = store.Latest(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			var ids []string
			for i := 0; i < 4; i++ {
				r := sampleReport("build", base.Add(time.Duration(i)*time.Minute), 0)
				ids = append(ids, r.RunID)
				require.NoError(t, store.Save(ctx, r))
			}

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, ids[3], all[0].RunID, "newest first")
			assert.Equal(t, ids[0], all[3].RunID)

			some, err := store.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, some, 2)
			assert.Equal(t, ids[3], some[0].RunID)
			assert.Equal(t, ids[2], some[1].RunID)
		})
	}
}

func TestStoreSaveReplacesSameRun(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			r := sampleReport("build", time.Now(), 0)
			require.NoError(t, store.Save(ctx, r))

			r.Failed = 2
			r.Aborted = true
			require.NoError(t, store.Save(ctx, r))

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 2, all[0].Failed)
			assert.True(t, all[0].Aborted)
		})
	}
}

func TestFileStoreSkipsCorruptAndIncompatible(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	good := sampleReport("build", time.Now(), 0)
	require.NoError(t, store.Save(ctx, good))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "future.json"), []byte(`{"schema_version": 99, "pool": "build"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, good.RunID, all[0].RunID)

	_, err = readReport(filepath.Join(dir, "broken.json"))
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = readReport(filepath.Join(dir, "future.json"))
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestFileStoreAtomicWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, sampleReport("build", time.Now(), 0)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files may be left behind")
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))
}

func TestFileStoreClosed(t *testing.T) {
	store, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Save(context.Background(), sampleReport("build", time.Now(), 0)), ErrClosed)
	_, err = store.List(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen(t *testing.T) {
	store, err := Open(Config{Driver: "none"}, logx.Logger{})
	require.NoError(t, err)
	assert.NoError(t, store.Save(context.Background(), sampleReport("build", time.Now(), 0)))
	_, err = store.Latest(context.Background(), "build")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := store.List(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, list)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}
