// ============================================================================
// Stasis Task Pool - 有界並發的 shell 任務排程器
// ============================================================================
//
// Package: internal/pool
// 文件: pool.go
// 功能: 管理固定容量的閘門任務表及每個任務的生命週期
//
// 生命週期:
//   1. New(cfg)               - 分配任務表，建立日誌目錄
//   2. Enqueue(ident, cmd)    - 寫入腳本 + 建立閘門 + 停駐執行環境
//   3. Drain(ctx, n, ff)      - 滑動視窗放行、回收、fail-fast（drain.go）
//   4. Kill(sig)              - 對執行中任務發送訊號，取消尚未放行的任務，清除檔案
//   5. Free()                 - 取消閘門，回收所有子行程，使 Pool 失效
//
// 架構組件:
//   ┌──────────────┐  Enqueue   ┌─────────────────────────────┐
//   │    Caller    │ ─────────► │ Pool table [capacity]*Task  │
//   └──────────────┘            │  slot 0: gate ── goroutine  │
//          │ Drain              │  slot 1: gate ── goroutine  │
//          ▼                    │  ...                        │
//   ┌──────────────┐  Release   └─────────────────────────────┘
//   │  drain loop  │ ─────────►  window [lower, upper)
//   └──────────────┘ ◄───────── done channel（每個任務一個事件）
//
// 並發控制:
//   - mu: 保護 tasks、used、seq、draining 與 freed
//   - 每個 Task 以自己的鎖保護結果欄位
//   - wg: 追蹤所有執行環境，確保 Free 能全部回收
//
// ============================================================================

package pool

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spacetelescope/stasis-sub001/pkg/logx"
	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// ============================================================================
// 設定
// ============================================================================

const (
	DefaultShell        = "/bin/bash"
	DefaultPollInterval = time.Second
)

// Config 單一 Pool 的設定
type Config struct {
	Name      string // Pool 名稱，會出現在閘門與日誌檔名中
	Capacity  int    // 固定槽位數
	LogDir    string // 日誌根目錄，不存在時自動建立
	ScriptDir string // 暫存腳本目錄，空字串表示 os.TempDir()
	WorkDir   string // 任務工作目錄，空字串表示目前目錄
	Shell     string // 直譯器，空字串表示 /bin/bash

	// PollInterval bounds how long the drain loop sleeps between sweeps when no
	// completion event arrives.
	PollInterval time.Duration

	// TaskTimeout kills a task that runs longer than this. 0 disables it.
	TaskTimeout time.Duration

	// KillSignal is delivered to the remaining tasks on fail-fast or cancellation.
	KillSignal syscall.Signal

	// Output receives every reaped task's log. Nil means stdout.
	Output io.Writer
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "pool"
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillSignal == 0 {
		c.KillSignal = syscall.SIGTERM
	}
	if c.Output == nil {
		c.Output = logx.Stdout()
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	return c
}

// Observer receives task lifecycle notifications. Implementations must be safe
// for concurrent use; TaskStarted and TaskExited run on execution contexts.
// TaskExited is only delivered for tasks whose process started, and always
// before the drain loop can reap the task.
type Observer interface {
	TaskEnqueued(ident string)
	TaskStarted(ident string)
	TaskExited(res types.TaskResult)
	TasksKilled(n int)
	DrainFinished(report *types.DrainReport)
}

type nopObserver struct{}

func (nopObserver) TaskEnqueued(string)              {}
func (nopObserver) TaskStarted(string)               {}
func (nopObserver) TaskExited(types.TaskResult)      {}
func (nopObserver) TasksKilled(int)                  {}
func (nopObserver) DrainFinished(*types.DrainReport) {}

// Option customizes a pool at construction time.
type Option func(*Pool)

// WithLogger sets the pool logger. The zero Logger discards everything.
func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithObserver attaches a lifecycle observer (e.g. the metrics collector).
func WithObserver(obs Observer) Option {
	return func(p *Pool) {
		if obs != nil {
			p.obs = obs
		}
	}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 固定容量的閘門 shell 任務表
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	obs      Observer
	tasks    []*Task // len == capacity, filled [0, used)
	used     int
	seq      uint64 // monotonic task counter owned by this pool
	done     chan *Task
	wg       sync.WaitGroup
	draining bool
	freed    bool
	final    []types.TaskResult // results captured by Free
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立具有 cfg.Capacity 個槽位的 Pool，並確保日誌根目錄存在
// 參數：
//   - cfg: Pool 設定，未填欄位使用預設值
//   - opts: WithLogger、WithObserver 等選項
//
// 返回值：
//   - *Pool: Pool 實例
//   - error: 容量不合法或日誌目錄無法建立
func New(cfg Config, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool %s: capacity must be positive, got %d", cfg.Name, cfg.Capacity)
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		return nil, fmt.Errorf("pool %s: log directory is required", cfg.Name)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("pool %s: create log dir: %w", cfg.Name, err)
	}

	p := &Pool{
		cfg:   cfg,
		log:   logx.Nop(),
		obs:   nopObserver{},
		tasks: make([]*Task, cfg.Capacity),
		done:  make(chan *Task, cfg.Capacity),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.String("pool", cfg.Name))
	return p, nil
}

// Enqueue 分配下一個槽位，並讓新的執行環境停在它的閘門上
// 不會等待任務本身執行
func (p *Pool) Enqueue(ident, command string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freed {
		return nil, ErrPoolFreed
	}
	if p.used >= len(p.tasks) {
		return nil, ErrPoolFull
	}

	seq := p.seq + 1
	script, err := writeScript(p.cfg.ScriptDir, command)
	if err != nil {
		return nil, &TaskError{Ident: ident, Seq: seq, Op: "script", Err: err}
	}
	p.seq = seq

	id := types.TaskID(fmt.Sprintf("%d-%s-%s", seq, p.cfg.Name, ident))
	t := &Task{
		id:         id,
		ident:      ident,
		seq:        seq,
		command:    command,
		scriptPath: script,
		logPath:    logPathFor(p.cfg.LogDir, p.cfg.Name, seq, ident),
		gate:       NewGate(string(id)),
		status:     types.StatusEnqueued,
		pid:        pidNotStarted,
	}

	p.tasks[p.used] = t
	p.used++

	rc := runConfig{shell: p.cfg.Shell, workDir: p.cfg.WorkDir, timeout: p.cfg.TaskTimeout}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		started := false
		t.execute(rc, func(t *Task) {
			started = true
			p.onTaskStart(t)
		})
		if started {
			p.obs.TaskExited(t.Result())
		}
		t.settle()
		// Buffered to capacity and sent exactly once per task: never blocks.
		p.done <- t
	}()

	p.log.Debug("task.queued",
		logx.String("task", t.ident),
		logx.Uint64("seq", seq),
		logx.String("gate", t.gate.Name()),
		logx.String("log", t.logPath))
	p.obs.TaskEnqueued(ident)
	return t, nil
}

func (p *Pool) onTaskStart(t *Task) {
	p.log.Debug("task.started", logx.String("task", t.ident), logx.Int("pid", t.PID()))
	p.obs.TaskStarted(t.ident)
}

// Kill delivers sig to every task with a live process, cancels tasks that have
// not started, and removes every leftover log and script file. It returns the
// number of processes signalled. Already exited processes are not an error.
func (p *Pool) Kill(sig syscall.Signal) int {
	p.mu.Lock()
	tasks := p.activeTasksLocked()
	p.mu.Unlock()

	return p.kill(tasks, sig, nil)
}

// kill signals every task except skip and removes its artifacts.
func (p *Pool) kill(tasks []*Task, sig syscall.Signal, skip *Task) int {
	signalled := 0
	for _, t := range tasks {
		if t == skip {
			continue
		}
		if t.PID() == pidReaped {
			continue
		}
		ok, err := t.signalTask(sig)
		switch {
		case err == os.ErrProcessDone:
			p.log.Debug("task.kill.gone", logx.String("task", t.ident))
		case err != nil:
			p.log.Warn("task.kill.failed", logx.String("task", t.ident), logx.Err(err))
		case ok:
			signalled++
		}
		if err := t.removeArtifacts(); err != nil {
			p.log.Warn("task.cleanup.failed", logx.String("task", t.ident), logx.Err(err))
		}
	}
	if signalled > 0 {
		p.log.Info("pool.killed", logx.Int("signalled", signalled), logx.String("signal", sig.String()))
	}
	p.obs.TasksKilled(signalled)
	return signalled
}

// Free cancels every unopened gate, kills and reaps every remaining child,
// removes leftover artifacts and invalidates the pool. Calling it again is a no-op.
func (p *Pool) Free() error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return nil
	}
	p.freed = true
	tasks := p.activeTasksLocked()
	p.mu.Unlock()

	for _, t := range tasks {
		t.gate.Cancel()
		if _, err := t.signalTask(syscall.SIGKILL); err != nil && err != os.ErrProcessDone {
			p.log.Warn("task.kill.failed", logx.String("task", t.ident), logx.Err(err))
		}
	}

	// Every execution context exits once its gate is cancelled or its process dies.
	p.wg.Wait()

	results := make([]types.TaskResult, 0, len(tasks))
	var errs []error
	for _, t := range tasks {
		if err := t.removeArtifacts(); err != nil {
			errs = append(errs, err)
		}
		results = append(results, t.Result())
	}

	p.mu.Lock()
	p.final = results
	p.tasks = nil
	p.mu.Unlock()

	p.log.Debug("pool.freed", logx.Int("tasks", len(tasks)))
	if len(errs) > 0 {
		return fmt.Errorf("pool %s: free: %v", p.cfg.Name, errs)
	}
	return nil
}

// ============================================================================
// 存取方法
// ============================================================================

func (p *Pool) activeTasksLocked() []*Task {
	if p.tasks == nil {
		return nil
	}
	out := make([]*Task, p.used)
	copy(out, p.tasks[:p.used])
	return out
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Capacity returns the number of allocated slots.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Used returns the number of enqueued tasks.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// IsFreed reports whether Free has been called.
func (p *Pool) IsFreed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freed
}

// Tasks returns the enqueued tasks in slot order. Empty after Free.
func (p *Pool) Tasks() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeTasksLocked()
}

// Results returns a structured outcome for every enqueued task in slot order.
// After Free it returns the outcomes captured while freeing.
func (p *Pool) Results() []types.TaskResult {
	p.mu.Lock()
	if p.freed && p.tasks == nil {
		out := append([]types.TaskResult(nil), p.final...)
		p.mu.Unlock()
		return out
	}
	tasks := p.activeTasksLocked()
	p.mu.Unlock()

	out := make([]types.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Result())
	}
	return out
}
