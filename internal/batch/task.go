// Package batch 批量上传任务：API 提交任务，Manager 的 worker 池认领并执行
package batch

import "time"

// TaskStatus 任务状态
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task 批量上传任务实体：Kind 区分图像与文档，
// Payload 携带内容（content_base64 内联或 source_path 文件路径）与元数据
type Task struct {
	ID        string                 `json:"task_id"`
	Kind      string                 `json:"kind"` // image / document
	Payload   map[string]interface{} `json:"payload"`
	Status    TaskStatus             `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	// CompletedAt 终态时间，未到终态为 nil
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// RetryCount 已重试次数，供 Manager 重试与 backoff
	RetryCount int `json:"retry_count"`
}
