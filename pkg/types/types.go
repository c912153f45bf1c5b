// Package types 定義了任務池、報告儲存與 CLI 共用的核心領域模型
package types

import (
	"time"
)

// TaskID 任務在池內的唯一識別碼，格式為 "<seq>-<pool>-<ident>"
type TaskID string

// TaskStatus 單一任務的生命週期狀態
type TaskStatus string

// 定義任務狀態常數
const (
	StatusEnqueued  TaskStatus = "enqueued"  // 已分配槽位，執行環境尚未停在閘門上
	StatusGated     TaskStatus = "gated"     // 執行環境停在閘門上等待放行
	StatusRunning   TaskStatus = "running"   // 閘門已開啟，行程已啟動
	StatusExited    TaskStatus = "exited"    // 行程正常結束（任何結束碼）
	StatusSignaled  TaskStatus = "signaled"  // 行程被訊號終止
	StatusStopped   TaskStatus = "stopped"   // 行程被暫停（SIGSTOP/SIGTSTP）
	StatusContinued TaskStatus = "continued" // 行程暫停後恢復執行
	StatusCancelled TaskStatus = "cancelled" // 尚在閘門上時被取消，從未啟動
)

// IsFinished 回報執行環境是否已觀察到最終結果
// stopped 與 continued 只是自迴圈，不算完成
func (s TaskStatus) IsFinished() bool {
	return s == StatusExited || s == StatusSignaled || s == StatusCancelled
}

// TaskResult 單一任務的結構化結果
type TaskResult struct {
	// 識別
	ID    TaskID `json:"id"`
	Ident string `json:"ident"`
	Seq   uint64 `json:"seq"`

	// 結果
	Status   TaskStatus `json:"status"`           // 最後觀察到的狀態，回收後保持不變
	ExitCode int        `json:"exit_code"`        // 被訊號終止或從未啟動時為 -1
	Signal   string     `json:"signal,omitempty"` // 終止訊號名稱
	TimedOut bool       `json:"timed_out,omitempty"`
	Reaped   bool       `json:"reaped"` // 排程器已輸出日誌並清除檔案

	// 時間
	Started  time.Time     `json:"started,omitempty"`
	Finished time.Time     `json:"finished,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed 回報此結果是否屬於異常結束
// 被取消的任務不算失敗
func (r TaskResult) Failed() bool {
	if r.Status == StatusCancelled {
		return false
	}
	return r.ExitCode != 0 || r.Signal != ""
}

// ReportSchemaVersion 報告結構版本號，不相容變更時遞增
const ReportSchemaVersion = 1

// DrainReport 一次 drain 的摘要
type DrainReport struct {
	SchemaVer    int          `json:"schema_version"`
	RunID        string       `json:"run_id"`
	Pool         string       `json:"pool"`
	Concurrency  int          `json:"concurrency"`
	FailFast     bool         `json:"fail_fast"`
	Started      time.Time    `json:"started"`
	Finished     time.Time    `json:"finished"`
	Total        int          `json:"total"`
	Completed    int          `json:"completed"`
	Failed       int          `json:"failed"`
	Aborted      bool         `json:"aborted"`
	FirstFailure *TaskResult  `json:"first_failure,omitempty"`
	Tasks        []TaskResult `json:"tasks"`
}

// OK 回報是否所有任務都已完成且沒有異常結果
func (r *DrainReport) OK() bool {
	return r != nil && !r.Aborted && r.Failed == 0 && r.Completed == r.Total
}
