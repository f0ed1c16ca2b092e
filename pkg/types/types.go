// Package types 定義了 gpu-queue 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：已提交，等待 worker 領取
	StatusRunning   JobStatus = "running"   // 執行中：已分派給某個 worker
	StatusCompleted JobStatus = "completed" // 完成：worker 回報成功結果
	StatusFailed    JobStatus = "failed"    // 失敗：worker 回報錯誤或被 reaper 回收
	StatusCancelled JobStatus = "cancelled" // 取消：執行中被使用者取消，保留供稽核
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further transition is legal out of s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts the wire form of a status.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Priority 任務優先級（排程順序：override 最先，low 最後）
type Priority int

const (
	PriorityOverride Priority = iota // reserved for privileged submitters (instructor override)
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// AllPriorities lists the classes from first served to last served.
var AllPriorities = []Priority{PriorityOverride, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityOverride: "override",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

// Less reports whether p is served before o.
func (p Priority) Less(o Priority) bool {
	return p.Class() < o.Class()
}

// Class is the ordinal used by the scheduling score.
func (p Priority) Class() int64 {
	return int64(p)
}

// Valid reports whether p is one of the four classes.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "Priority(" + strconv.Itoa(int(p)) + ")"
}

// ParsePriority accepts a class name ("instructor" is an alias of "override")
// or its digit.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "instructor" {
		return PriorityOverride, nil
	}
	for p, name := range priorityNames {
		if s == name {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON 以名稱輸出優先級
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON 接受名稱或數字
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Priority(n).Valid() {
			return fmt.Errorf("unknown priority %d", n)
		}
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a name or a number: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// QueueMode 排程模式，啟動時決定，執行期間不混用
type QueueMode string

const (
	ModeFIFO       QueueMode = "fifo"
	ModeRoundRobin QueueMode = "round_robin"
	ModePriority   QueueMode = "priority"
)

// ParseQueueMode validates a configured mode.
func ParseQueueMode(s string) (QueueMode, error) {
	switch m := QueueMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFIFO, ModeRoundRobin, ModePriority:
		return m, nil
	default:
		return "", fmt.Errorf("unknown queue mode %q", s)
	}
}

// Job 任務結構，代表一次工作流程執行請求
type Job struct {
	// 識別與資料
	ID       JobID                  `json:"id"`
	Owner    string                 `json:"user_id"`
	Payload  map[string]interface{} `json:"workflow"`
	Metadata map[string]interface{} `json:"metadata"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Priority Priority  `json:"priority"`

	// 時間戳
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// 執行資訊（result 與 error 互斥）
	AssignedWorker string                 `json:"worker_id,omitempty"`
	Result         map[string]interface{} `json:"result"`
	Error          string                 `json:"error,omitempty"`
}

// Clone returns a copy whose time pointers are not shared with j.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobView 是 API 回傳的任務表示，附帶排隊位置
type JobView struct {
	*Job
	PositionInQueue *int `json:"position_in_queue,omitempty"`
}

// QueueStats 佇列統計，由儲存層索引即時計算
type QueueStats struct {
	Mode          QueueMode         `json:"mode"`
	Counts        map[JobStatus]int `json:"counts"`
	Pending       int               `json:"pending_jobs"`
	Running       int               `json:"running_jobs"`
	Completed     int               `json:"completed_jobs"`
	Failed        int               `json:"failed_jobs"`
	Cancelled     int               `json:"cancelled_jobs"`
	ActiveWorkers int               `json:"active_workers"`
	QueueDepth    int               `json:"queue_depth"`
	MaxDepth      int               `json:"max_queue_depth"`
}

// WorkerStatus 描述單一 worker 的存活狀態
type WorkerStatus struct {
	WorkerID string     `json:"worker_id"`
	Alive    bool       `json:"alive"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Event 狀態變更事件，推送給所有訂閱者
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// 事件類型常數
const (
	EventJobCreated         = "job_created"
	EventJobStarted         = "job_started"
	EventJobCompleted       = "job_completed"
	EventJobFailed          = "job_failed"
	EventJobCancelled       = "job_cancelled"
	EventJobPriorityChanged = "job_priority_changed"
)

// SnapshotData 快照資料，用於記憶體後端的持久化和恢復
type SnapshotData struct {
	Records   []SnapshotRecord `json:"records"`
	Counters  map[string]int64 `json:"counters"`
	SchemaVer int              `json:"schema_ver"`
	LastSeq   uint64           `json:"last_seq"`
}

// SnapshotRecord 是儲存層單筆紀錄的可序列化形式
type SnapshotRecord struct {
	ID        JobID           `json:"id"`
	Owner     string          `json:"owner"`
	Status    JobStatus       `json:"status"`
	Score     int64           `json:"score"`
	Seq       uint64          `json:"seq"`
	StartedAt int64           `json:"started_at_ms,omitempty"`
	Data      json.RawMessage `json:"data"`
}
