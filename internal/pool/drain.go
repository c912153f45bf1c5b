package pool

// ============================================================================
// Drain - 滑動視窗放行與回收
// ============================================================================
//
// 視窗 [lower, upper) 依入隊順序最多涵蓋 `concurrency` 個槽位，
// 視窗內每個閘門最多放行一次。只有當視窗內所有槽位都已回收，
// 視窗才會前進 `concurrency` 格，因此同時執行的任務數永遠不超過 `concurrency`。
//
// 完成事件驅動:
//   每個執行環境結束後把自己送進 p.done；
//   ticker 週期性強制掃描作為保險。
//
// 暫停 (stopped) 與恢復 (continued) 的任務不算完成，會一直佔用槽位。
//
// ============================================================================

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// Drain runs every enqueued task to completion with at most concurrency tasks
// running at once.
//
// Each reaped task's log is appended to the pool's Output writer, and its log
// and script files are removed. The returned report counts the failures seen
// during this drain. With failFast set, the first failure kills every other
// task, discards their partial logs and returns ErrAborted. Cancelling ctx
// kills the outstanding tasks and returns ctx.Err().
//
// Tasks reaped by an earlier drain count as completed and are not run again.
func (p *Pool) Drain(ctx context.Context, concurrency int, failFast bool) (*types.DrainReport, error) {
	if concurrency < 1 {
		return nil, ErrInvalidConcurrency
	}

	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return nil, ErrPoolFreed
	}
	if p.draining {
		p.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	p.draining = true
	tasks := p.activeTasksLocked()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	report := &types.DrainReport{
		SchemaVer:   types.ReportSchemaVersion,
		RunID:       uuid.NewString(),
		Pool:        p.cfg.Name,
		Concurrency: concurrency,
		FailFast:    failFast,
		Started:     time.Now(),
		Total:       len(tasks),
	}
	log := p.log.With(logx.String("run_id", report.RunID))
	log.Info("drain.started",
		logx.Time("started", report.Started),
		logx.Int("tasks", len(tasks)),
		logx.Int("concurrency", concurrency),
		logx.Bool("fail_fast", failFast))

	err := p.drain(ctx, log, tasks, concurrency, failFast, report)

	report.Finished = time.Now()
	report.Tasks = make([]types.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		report.Tasks = append(report.Tasks, t.Result())
	}

	switch {
	case err != nil:
		log.Warn("drain.aborted",
			logx.Int("completed", report.Completed),
			logx.Int("failed", report.Failed),
			logx.Err(err))
	default:
		log.Info("drain.finished",
			logx.Int("completed", report.Completed),
			logx.Int("failed", report.Failed),
			logx.Duration("elapsed", report.Finished.Sub(report.Started)))
	}
	p.obs.DrainFinished(report)
	return report, err
}

func (p *Pool) drain(ctx context.Context, log logx.Logger, tasks []*Task, concurrency int, failFast bool, report *types.DrainReport) error {
	used := len(tasks)

	completed := 0
	for _, t := range tasks {
		if t.PID() == pidReaped {
			completed++
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	lower := 0
	for {
		upper := min(lower+concurrency, used)

		windowDone := true
		for i := lower; i < upper; i++ {
			t := tasks[i]
			if t.gate.Release() {
				log.Debug("gate.released", logx.String("task", t.ident), logx.String("gate", t.gate.Name()))
			}

			if t.PID() == pidReaped {
				continue
			}
			res, ok := p.reap(log, t)
			if !ok {
				windowDone = false
				continue
			}

			completed++
			if !res.Failed() {
				continue
			}
			report.Failed++
			if report.FirstFailure == nil {
				first := res
				report.FirstFailure = &first
			}
			if failFast {
				report.Completed = completed
				report.Aborted = true
				p.kill(tasks, p.cfg.KillSignal, t)
				return &TaskError{Ident: t.ident, Seq: t.seq, Op: "drain", Err: ErrAborted}
			}
		}
		report.Completed = completed

		if completed >= used {
			return nil
		}
		if windowDone && upper < used {
			lower += concurrency
			continue
		}

		select {
		case <-ctx.Done():
			report.Aborted = true
			p.kill(tasks, p.cfg.KillSignal, nil)
			return ctx.Err()
		case <-p.done:
		case <-ticker.C:
		}
	}
}

// reap collects a finished task: its log is appended to the aggregate output,
// its files are removed and its pid becomes the reaped sentinel. It reports
// false while the task is still gated, running, stopped or continued.
func (p *Pool) reap(log logx.Logger, t *Task) (types.TaskResult, bool) {
	t.mu.Lock()
	if !t.finishedLocked() {
		t.mu.Unlock()
		return types.TaskResult{}, false
	}
	startErr := t.startErr
	t.mu.Unlock()

	if startErr != nil {
		log.Error("task.start.failed", logx.String("task", t.ident), logx.Err(startErr))
	}
	if err := p.flushLog(t); err != nil {
		log.Warn("task.log.flush.failed", logx.String("task", t.ident), logx.Err(err))
	}
	if err := t.removeArtifacts(); err != nil {
		log.Warn("task.cleanup.failed", logx.String("task", t.ident), logx.Err(err))
	}
	t.markReaped()

	res := t.Result()
	log.Debug("task.reaped",
		logx.String("task", t.ident),
		logx.String("status", string(res.Status)),
		logx.Int("exit_code", res.ExitCode),
		logx.String("signal", res.Signal),
		logx.Duration("elapsed", res.Duration))
	return res, true
}

// flushLog copies the task's log file to the pool output. Tasks that never
// started have no log.
func (p *Pool) flushLog(t *Task) error {
	f, err := os.Open(t.logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	_, err = io.Copy(p.cfg.Output, f)
	return err
}
