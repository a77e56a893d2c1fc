package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "pathology-platform/pkg/errors"
)

// TaskStore 任务存储：创建、查询、认领 Pending、标记终态与重试入队
type TaskStore interface {
	Create(ctx context.Context, task *Task) (string, error)
	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	// Counts 按状态统计任务数
	Counts(ctx context.Context) (map[string]int, error)
	// ClaimNextPending 原子取出一条 Pending 并置为 Processing，无则返回 nil, nil
	ClaimNextPending(ctx context.Context) (*Task, error)
	MarkCompleted(ctx context.Context, taskID string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, taskID string, errMsg string) error
	// Requeue 将任务重新入队为 Pending（用于重试；会递增 RetryCount）
	Requeue(ctx context.Context, task *Task) error
	// Cancel 取消任务；仅 Pending 可取消
	Cancel(ctx context.Context, taskID string) error
	Close()
}

// TaskStoreMem 内存实现：map + Pending 队列，Create 时入队，ClaimNextPending 取队首
type TaskStoreMem struct {
	mu      sync.Mutex
	byID    map[string]*Task
	pending []string
}

// NewTaskStoreMem 创建内存 TaskStore
func NewTaskStoreMem() *TaskStoreMem {
	return &TaskStoreMem{byID: make(map[string]*Task)}
}

func (s *TaskStoreMem) Create(ctx context.Context, task *Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()
	}
	task.Status = StatusPending
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	cp := *task
	s.byID[task.ID] = &cp
	s.pending = append(s.pending, task.ID)
	return task.ID, nil
}

func (s *TaskStoreMem) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *TaskStoreMem) List(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*Task, 0, len(s.byID))
	for _, t := range s.byID {
		cp := *t
		list = append(list, &cp)
	}
	return list, nil
}

func (s *TaskStoreMem) Counts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.byID {
		counts[t.Status.String()]++
	}
	return counts, nil
}

func (s *TaskStoreMem) ClaimNextPending(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		id := s.pending[0]
		s.pending = s.pending[1:]
		t, ok := s.byID[id]
		if !ok {
			continue
		}
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusProcessing
		t.UpdatedAt = time.Now()
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *TaskStoreMem) MarkCompleted(ctx context.Context, taskID string, result map[string]interface{}) error {
	return s.finish(taskID, StatusCompleted, result, "")
}

func (s *TaskStoreMem) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	return s.finish(taskID, StatusFailed, nil, errMsg)
}

func (s *TaskStoreMem) finish(taskID string, status TaskStatus, result map[string]interface{}, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", taskID)
	}
	now := time.Now()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

func (s *TaskStoreMem) Requeue(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[task.ID]
	if !ok {
		return nil
	}
	t.RetryCount = task.RetryCount + 1
	t.Status = StatusPending
	t.UpdatedAt = time.Now()
	s.pending = append(s.pending, task.ID)
	return nil
}

func (s *TaskStoreMem) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", taskID)
	}
	if t.Status != StatusPending {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "任务 %s 状态为 %s，仅 pending 可取消", taskID, t.Status)
	}
	now := time.Now()
	t.Status = StatusCancelled
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

func (s *TaskStoreMem) Close() {}
