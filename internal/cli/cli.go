// ============================================================================
// Stasis Pool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end that runs a task manifest through the pool
//
// Command Structure:
//   stasis-pool                    # Root command
//   ├── run                        # Drain a manifest
//   │   ├── --manifest, -m         # Task manifest (YAML)
//   │   ├── --concurrency, -j      # Override pool.concurrency
//   │   ├── --fail-fast            # Override pool.fail_fast
//   │   └── --timeout              # Override pool.task_timeout
//   ├── report                     # Show stored drain reports
//   │   ├── --limit, -n
//   │   └── --pool
//   ├── validate                   # Parse a manifest without running it
//   ├── version
//   └── --config, -c               # Config file (defaults when empty)
//
// run Command:
//   1. Load config, start the logging service
//   2. Load the manifest and size the pool to it
//   3. Enqueue every task (each parks on its gate)
//   4. Serve /metrics (if enabled) and drain under one errgroup
//   5. SIGINT/SIGTERM cancels the drain, which kills outstanding tasks
//   6. Free the pool, save the report, exit non-zero on any failure
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spacetelescope/stasis-sub001/internal/config"
	"github.com/spacetelescope/stasis-sub001/internal/metrics"
	"github.com/spacetelescope/stasis-sub001/internal/pool"
	"github.com/spacetelescope/stasis-sub001/internal/report"
	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

var configFile string

// ErrTasksFailed is returned by run when the drain finished with failures.
var ErrTasksFailed = errors.New("one or more tasks failed")

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stasis-pool",
		Short: "Run shell tasks with a bounded concurrency window",
		Long: `stasis-pool runs the tasks of a manifest as independent shell scripts:
- at most N tasks run at once, admitted in manifest order
- each task's output is captured and replayed in order of completion
- optional fail-fast kills the remaining tasks on the first failure
- drain reports are stored for later inspection`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (built-in defaults when empty)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReportCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	manifest    string
	concurrency int
	failFast    bool
	timeout     time.Duration
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start draining a task manifest",
		Long:  "Enqueue every task of the manifest and drain the pool with the configured concurrency",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 先以預設值啟動日誌服務，設定載入後再套用設定中的 sink 與等級
			svc, log := logx.NewService(logx.Config{Level: config.DefaultLogLevel, Console: true})
			defer svc.Close()

			cfg, err := config.Load(configFile)
			if err != nil {
				log.Error("config.load.failed", logx.String("path", configFile), logx.Err(err))
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Pool.Concurrency = opts.concurrency
			}
			if cmd.Flags().Changed("fail-fast") {
				cfg.Pool.FailFast = opts.failFast
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Pool.TaskTimeout = opts.timeout.String()
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			m, err := loadManifest(opts.manifest)
			if err != nil {
				return err
			}

			svc.Apply(cfg.LogxConfig())
			log.Debug("config.loaded",
				logx.String("path", configFile),
				logx.String("pool", cfg.Pool.Name),
				logx.Int("tasks", len(m.Tasks)))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rep, err := runManifest(ctx, cfg, m, cmd.OutOrStdout(), log, prometheus.NewRegistry())
			if rep != nil {
				printSummary(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "YAML file listing the tasks to run")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "j", config.DefaultConcurrency, "maximum number of tasks running at once")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "kill the remaining tasks on the first failure")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "kill any task running longer than this (0 disables)")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// runManifest 將 manifest 中每個任務入隊、執行 drain 並儲存報告
// 即使 drain 失敗或中止也會返回報告
func runManifest(ctx context.Context, cfg *config.Config, m *Manifest, out io.Writer, log logx.Logger, reg *prometheus.Registry) (*types.DrainReport, error) {
	if len(m.Tasks) > cfg.Pool.Capacity {
		return nil, fmt.Errorf("manifest has %d tasks, pool capacity is %d", len(m.Tasks), cfg.Pool.Capacity)
	}

	store, err := report.Open(report.Config{
		Driver:      cfg.Report.Driver,
		Path:        cfg.Report.Path,
		BusyTimeout: 5 * time.Second,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open report store: %w", err)
	}
	defer store.Close()

	collector := metrics.NewCollector(reg)

	p, err := pool.New(pool.Config{
		Name:         cfg.Pool.Name,
		Capacity:     len(m.Tasks),
		LogDir:       cfg.Pool.LogDir,
		ScriptDir:    cfg.Pool.ScriptDir,
		WorkDir:      cfg.Pool.WorkDir,
		Shell:        cfg.Pool.Shell,
		PollInterval: cfg.Pool.PollIntervalDuration(),
		TaskTimeout:  cfg.Pool.TaskTimeoutDuration(),
		KillSignal:   cfg.Pool.Signal(),
		Output:       out,
	}, pool.WithLogger(log), pool.WithObserver(collector))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Free(); err != nil {
			log.Warn("pool.free.failed", logx.Err(err))
		}
	}()

	for _, t := range m.Tasks {
		if _, err := p.Enqueue(t.Ident, t.Command); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s: %w", t.Ident, err)
		}
	}

	var rep *types.DrainReport
	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("metrics.listening", logx.String("addr", cfg.Metrics.Addr))
			if err := metrics.StartServer(metricsCtx, cfg.Metrics.Addr, reg); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopMetrics()
		r, err := p.Drain(gctx, cfg.Pool.Concurrency, cfg.Pool.FailFast)
		rep = r
		return err
	})
	drainErr := g.Wait()

	if rep != nil {
		// The run context may already be cancelled; saving must still happen.
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Save(saveCtx, rep); err != nil {
			log.Error("report.save.failed", logx.String("run_id", rep.RunID), logx.Err(err))
		}
		cancel()
	}

	switch {
	case drainErr != nil:
		return rep, drainErr
	case rep != nil && rep.Failed > 0:
		return rep, fmt.Errorf("%w: %d of %d", ErrTasksFailed, rep.Failed, rep.Total)
	}
	return rep, nil
}

func printSummary(w io.Writer, rep *types.DrainReport) {
	fmt.Fprintf(w, "\nPool %s, run %s\n", rep.Pool, rep.RunID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTASK\tSTATUS\tEXIT\tSIGNAL\tDURATION")
	for _, t := range rep.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			t.Seq, t.Ident, t.Status, t.ExitCode, t.Signal, t.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()

	state := "ok"
	switch {
	case rep.Aborted:
		state = "aborted"
	case rep.Failed > 0:
		state = "failed"
	}
	fmt.Fprintf(w, "%d/%d completed, %d failed, %s in %s\n",
		rep.Completed, rep.Total, rep.Failed, state, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
}

// ============================================================================
// report
// ============================================================================

func buildReportCommand() *cobra.Command {
	var limit int
	var poolName string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show stored drain reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := report.Open(report.Config{Driver: cfg.Report.Driver, Path: cfg.Report.Path}, logx.Nop())
			if err != nil {
				return fmt.Errorf("failed to open report store: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if poolName != "" {
				rep, err := store.Latest(cmd.Context(), poolName)
				if err != nil {
					return err
				}
				printSummary(out, rep)
				return nil
			}

			reps, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(reps) == 0 {
				fmt.Fprintln(out, "no reports")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tPOOL\tRUN\tTOTAL\tCOMPLETED\tFAILED\tABORTED")
			for _, r := range reps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
					r.Started.Format(time.RFC3339), r.Pool, r.RunID, r.Total, r.Completed, r.Failed, r.Aborted)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of reports to show (0 for all)")
	cmd.Flags().StringVar(&poolName, "pool", "", "show the latest report of this pool in detail")
	return cmd
}

// ============================================================================
// validate / version
// ============================================================================

func buildValidateCommand() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a task manifest without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d tasks\n", len(m.Tasks))
			for i, t := range m.Tasks {
				fmt.Fprintf(out, "  %d. %s\n", i+1, t.Ident)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "YAML file listing the tasks")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
