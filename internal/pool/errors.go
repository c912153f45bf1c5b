package pool

// ============================================================================
// 錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolFull 表示任務表所有槽位都已使用，Enqueue 無法再分配
	ErrPoolFull = errors.New("task pool is full")
	// ErrPoolFreed 表示 Pool 已經 Free，不能再操作
	ErrPoolFreed = errors.New("task pool has been freed")
	// ErrAborted 表示 fail-fast 觸發，剩餘任務已被終止
	ErrAborted = errors.New("drain aborted by fail-fast")
	// ErrInvalidConcurrency 表示 Drain 的並發數小於 1
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	// ErrDrainInProgress 表示已有另一個 Drain 正在執行
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrGateCancelled 表示閘門被取消而非放行
	ErrGateCancelled = errors.New("gate cancelled")
)

// TaskError 描述任務執行環境準備失敗或 drain 中止的原因
type TaskError struct {
	Ident string
	Seq   uint64
	Op    string // "script", "gate", "logdir"
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (seq=%d): %s: %v", e.Ident, e.Seq, e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
