// ============================================================================
// Stasis Pool Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and window-sliding tests
//
// Test Objectives:
//   1. verify throughput with many short shell tasks
//   2. verify the metrics collector and the report store see every task
//   3. verify a failing minority does not stop a non fail-fast drain
//
// Test Environment:
//   - 60 tasks, concurrency 8
//   - every 10th task exits non-zero
//   - poll interval 50ms (completion events wake the drain earlier)
//
// Notes:
//   - test results are affected by system load
//   - CI environment may be slower than local
//   - every artifact lives under t.TempDir()
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/stasis-sub001/internal/metrics"
	"github.com/spacetelescope/stasis-sub001/internal/pool"
	"github.com/spacetelescope/stasis-sub001/internal/report"
	"github.com/spacetelescope/stasis-sub001/pkg/logx"
)

func requireShell(t testing.TB) {
	t.Helper()
	if _, err := os.Stat(pool.DefaultShell); err != nil {
		t.Skipf("%s not available: %v", pool.DefaultShell, err)
	}
}

// TestSystemThroughput drains a mixed batch and checks the counts seen by the
// pool, the metrics collector and the report store agree.
func TestSystemThroughput(t *testing.T) {
	requireShell(t)
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const (
		totalTasks  = 60
		concurrency = 8
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	var out bytes.Buffer
	p, err := pool.New(pool.Config{
		Name:         "perf",
		Capacity:     totalTasks,
		LogDir:       t.TempDir(),
		ScriptDir:    t.TempDir(),
		PollInterval: 50 * time.Millisecond,
		Output:       &out,
	}, pool.WithObserver(collector), pool.WithLogger(logx.Nop()))
	require.NoError(t, err)
	defer p.Free()

	expectedFailures := 0
	for i := 0; i < totalTasks; i++ {
		cmd := fmt.Sprintf("echo task-%d", i)
		if i%10 == 9 {
			cmd += "; exit 1"
			expectedFailures++
		}
		_, err := p.Enqueue(fmt.Sprintf("task-%d", i), cmd)
		require.NoError(t, err)
	}

	startTime := time.Now()
	rep, err := p.Drain(context.Background(), concurrency, false)
	elapsed := time.Since(startTime)
	require.NoError(t, err)

	throughput := float64(rep.Completed) / elapsed.Seconds()
	t.Logf("=== Performance Test Results ===")
	t.Logf("Total tasks: %d", totalTasks)
	t.Logf("Completed: %d", rep.Completed)
	t.Logf("Failed: %d", rep.Failed)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f tasks/second", throughput)
	t.Logf("================================")

	assert.Equal(t, totalTasks, rep.Completed)
	assert.Equal(t, expectedFailures, rep.Failed)
	assert.Equal(t, totalTasks, strings.Count(out.String(), "# OUTPUT:\n"))

	assert.Equal(t, float64(totalTasks), counterValue(t, reg, "stasis_tasks_enqueued_total"))
	assert.Equal(t, float64(expectedFailures), counterValue(t, reg, "stasis_tasks_failed_total"))

	store, err := report.Open(report.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), rep))

	saved, err := store.Latest(context.Background(), "perf")
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, saved.RunID)
	assert.Len(t, saved.Tasks, totalTasks)
	require.NotNil(t, saved.FirstFailure)
	assert.Equal(t, "task-9", saved.FirstFailure.Ident)
}

// TestWindowSlidesInOrder checks that a slow task holds back the next window.
func TestWindowSlidesInOrder(t *testing.T) {
	requireShell(t)

	p, err := pool.New(pool.Config{
		Name:         "order",
		Capacity:     4,
		LogDir:       t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		Output:       &bytes.Buffer{},
	})
	require.NoError(t, err)
	defer p.Free()

	for i, cmd := range []string{"sleep 0.5", "true", "true", "true"} {
		_, err := p.Enqueue(fmt.Sprintf("t%d", i), cmd)
		require.NoError(t, err)
	}

	rep, err := p.Drain(context.Background(), 2, false)
	require.NoError(t, err)
	require.Len(t, rep.Tasks, 4)

	slow := rep.Tasks[0]
	for _, next := range rep.Tasks[2:] {
		assert.False(t, next.Started.Before(slow.Finished),
			"%s started before the first window finished", next.Ident)
	}
}

// counterValue reads a counter from the registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
