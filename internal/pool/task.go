// ============================================================================
// Task Record - 單一受閘門控制的 shell 腳本
// ============================================================================
//
// Package: internal/pool
// 文件: task.go
// 功能: 可排程工作單元及其執行環境
//
// 生命週期:
//   Enqueued -> Gated -> Running -> {Exited | Signaled | Stopped <-> Continued}
//   Enqueued/Gated -> Cancelled   （閘門開啟前被取消）
//   回收（reap）只把 pid 改成 -1，狀態保留最後的結果
//
// 執行環境:
//   每個任務擁有一個 goroutine，第一個動作就是停在閘門上。
//   放行後才開啟日誌、寫入標頭，並以獨立行程群組啟動
//   `<shell> --norc --noprofile <script>`。
//   等待使用 wait4(WUNTRACED|WCONTINUED)，因此暫停與恢復也會被觀察到。
//
// 共享狀態:
//   排程器與執行環境都會讀寫 pid/status/exit 欄位，
//   由 Task.mu 保護；任何 goroutine 都不會寫入其他任務的槽位。
//
// ============================================================================

package pool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// PID 哨兵值
const (
	pidNotStarted = 0
	pidReaped     = -1
)

const scriptShebang = "#!/bin/bash\n"

// Task 任務表中的單一槽位
type Task struct {
	id         types.TaskID
	ident      string
	seq        uint64
	command    string
	scriptPath string
	logPath    string
	gate       *Gate

	mu        sync.Mutex
	status    types.TaskStatus
	pid       int
	exitCode  int
	signal    syscall.Signal
	started   time.Time
	finished  time.Time
	timedOut  bool
	cancelled bool
	settled   bool // 執行環境已返回且 observer 已執行完畢
	startErr  error
}

// ID returns the unique task identity ("<seq>-<pool>-<ident>").
func (t *Task) ID() types.TaskID { return t.id }

// Ident returns the caller supplied identifier.
func (t *Task) Ident() string { return t.ident }

// Seq returns the task's sequence number within its pool.
func (t *Task) Seq() uint64 { return t.seq }

// Command returns the shell script body.
func (t *Task) Command() string { return t.command }

// LogPath returns the file receiving the task's combined output.
func (t *Task) LogPath() string { return t.logPath }

// ScriptPath returns the temporary script file.
func (t *Task) ScriptPath() string { return t.scriptPath }

// Status returns the last observed lifecycle state.
func (t *Task) Status() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// PID returns the process id, 0 when not started and -1 once reaped.
func (t *Task) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// Result returns a structured snapshot of the task outcome.
func (t *Task) Result() types.TaskResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultLocked()
}

func (t *Task) resultLocked() types.TaskResult {
	r := types.TaskResult{
		ID:       t.id,
		Ident:    t.ident,
		Seq:      t.seq,
		Status:   t.status,
		ExitCode: t.exitCode,
		Started:  t.started,
		Finished: t.finished,
		TimedOut: t.timedOut,
		Reaped:   t.pid == pidReaped,
	}
	if t.signal != 0 {
		r.Signal = t.signal.String()
	}
	if !t.started.IsZero() && !t.finished.IsZero() {
		r.Duration = t.finished.Sub(t.started)
	}
	return r
}

// finishedLocked reports whether the execution context settled on an outcome
// that has not been reaped yet.
func (t *Task) finishedLocked() bool {
	return t.settled && t.pid != pidReaped && t.status.IsFinished()
}

// settle makes the outcome visible to the drain loop.
func (t *Task) settle() {
	t.mu.Lock()
	t.settled = true
	t.mu.Unlock()
}

// markReaped flips the pid to the reaped sentinel and leaves the outcome
// status untouched. Returns false if already reaped.
func (t *Task) markReaped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pid == pidReaped {
		return false
	}
	t.pid = pidReaped
	return true
}

func (t *Task) setStatus(s types.TaskStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// signalTask delivers sig to the task's process group, or cancels the task when
// it has not started yet. It reports whether a live process was signalled.
func (t *Task) signalTask(sig syscall.Signal) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case types.StatusEnqueued, types.StatusGated:
		t.cancelled = true
		t.gate.Cancel()
		return false, nil
	case types.StatusRunning, types.StatusStopped, types.StatusContinued:
		if t.pid <= 0 {
			return false, nil
		}
		if err := syscall.Kill(-t.pid, sig); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return false, os.ErrProcessDone
			}
			return false, err
		}
		// 暫停中的行程群組要先恢復才會處理 SIGTERM 之類的訊號
		if t.status == types.StatusStopped && sig != syscall.SIGKILL && sig != syscall.SIGCONT {
			_ = syscall.Kill(-t.pid, syscall.SIGCONT)
		}
		return true, nil
	}
	return false, nil
}

// removeArtifacts deletes the log and script files; missing files are ignored.
func (t *Task) removeArtifacts() error {
	var errs []error
	for _, path := range []string{t.logPath, t.scriptPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Execution context
// ============================================================================

// runConfig is the slice of pool configuration the execution context needs.
type runConfig struct {
	shell   string
	workDir string
	timeout time.Duration
}

// execute is the task's execution context. Its first action is to park on the gate.
func (t *Task) execute(rc runConfig, onStart func(*Task)) {
	t.setStatus(types.StatusGated)

	if err := t.gate.Wait(); err != nil {
		t.finishCancelled()
		return
	}

	cmd, logFile, ok := t.start(rc)
	if !ok {
		return
	}
	if onStart != nil {
		onStart(t)
	}

	pid := cmd.Process.Pid
	var timer *time.Timer
	if rc.timeout > 0 {
		timer = time.AfterFunc(rc.timeout, func() {
			t.mu.Lock()
			t.timedOut = true
			t.mu.Unlock()
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
	}

	ws, waitErr := t.wait(pid)
	if timer != nil {
		timer.Stop()
	}
	// wait4 already collected the child; Release only drops the handle.
	_ = cmd.Process.Release()
	_ = logFile.Close()

	t.finish(ws, waitErr)
}

// wait blocks until the child exits or dies from a signal. Stop and continue
// notifications update the status and keep waiting.
func (t *Task) wait(pid int) (syscall.WaitStatus, error) {
	for {
		var ws syscall.WaitStatus
		_, err := syscall.Wait4(pid, &ws, syscall.WUNTRACED|syscall.WCONTINUED, nil)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return ws, err
		}
		switch {
		case ws.Exited(), ws.Signaled():
			return ws, nil
		case ws.Stopped():
			t.setStatus(types.StatusStopped)
		case ws.Continued():
			t.setStatus(types.StatusContinued)
		}
	}
}

// start opens the log, writes the header and launches the script. The whole
// sequence runs under t.mu so a concurrent kill either cancels the task before
// anything observable happens or finds a live process to signal.
func (t *Task) start(rc runConfig) (*exec.Cmd, *os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		t.status = types.StatusCancelled
		t.exitCode = -1
		return nil, nil, false
	}

	logFile, err := os.OpenFile(t.logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		t.failStartLocked(fmt.Errorf("open log: %w", err))
		return nil, nil, false
	}

	workDir := rc.workDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	now := time.Now()
	if err := writeLogHeader(logFile, now, os.Getpid(), workDir, t.command); err != nil {
		_ = logFile.Close()
		t.failStartLocked(fmt.Errorf("write log header: %w", err))
		return nil, nil, false
	}

	cmd := exec.Command(rc.shell, "--norc", "--noprofile", t.scriptPath)
	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "%v\n", err)
		_ = logFile.Close()
		t.failStartLocked(fmt.Errorf("start: %w", err))
		return nil, nil, false
	}

	t.pid = cmd.Process.Pid
	t.started = now
	t.status = types.StatusRunning
	return cmd, logFile, true
}

func (t *Task) failStartLocked(err error) {
	t.startErr = err
	t.status = types.StatusExited
	t.exitCode = -1
	now := time.Now()
	t.started = now
	t.finished = now
}

func (t *Task) finishCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.status = types.StatusCancelled
	t.exitCode = -1
	t.mu.Unlock()
}

// finish records the final wait status. The pid stays valid until the scheduler reaps.
func (t *Task) finish(ws syscall.WaitStatus, waitErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished = time.Now()
	switch {
	case waitErr != nil:
		t.startErr = waitErr
		t.status = types.StatusExited
		t.exitCode = -1
	case ws.Signaled():
		t.status = types.StatusSignaled
		t.signal = ws.Signal()
		t.exitCode = -1
	default:
		t.status = types.StatusExited
		t.exitCode = ws.ExitStatus()
	}
}

// ============================================================================
// Artifacts
// ============================================================================

// writeScript stores command in a fresh owner-only temporary script file.
func writeScript(dir, command string) (string, error) {
	f, err := os.CreateTemp(dir, "stasis-task-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()

	if err := f.Chmod(0o700); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if _, err := io.WriteString(f, scriptShebang+command); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// writeLogHeader emits the fixed header that precedes the task's output.
func writeLogHeader(w io.Writer, started time.Time, pid int, workDir, command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	_, err := fmt.Fprintf(w, "# STARTED: %s\n# PID: %d\n# WORKDIR: %s\n# COMMAND:\n%s# OUTPUT:\n",
		started.Format(time.ANSIC), pid, workDir, command)
	return err
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName makes ident usable inside a file name.
func sanitizeName(ident string) string {
	s := unsafeNameChars.ReplaceAllString(strings.TrimSpace(ident), "_")
	if s == "" {
		return "task"
	}
	return s
}

func logFileName(pool string, seq uint64, ident string) string {
	return fmt.Sprintf("%s-%d-%s.log", sanitizeName(pool), seq, sanitizeName(ident))
}

// logPathFor joins the log root and the generated file name.
func logPathFor(root, pool string, seq uint64, ident string) string {
	return filepath.Join(root, logFileName(pool, seq, ident))
}
