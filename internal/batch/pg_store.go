// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "pathology-platform/pkg/errors"
)

// TaskStorePg PostgreSQL 实现 TaskStore，使用 batch_tasks 表
//
// 建表参考：
//
//	CREATE TABLE IF NOT EXISTS batch_tasks (
//	    id            TEXT PRIMARY KEY,
//	    kind          TEXT NOT NULL,
//	    payload       JSONB,
//	    status        TEXT NOT NULL DEFAULT 'pending',
//	    result        JSONB,
//	    error         TEXT,
//	    retry_count   INT NOT NULL DEFAULT 0,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    completed_at  TIMESTAMPTZ
//	);
type TaskStorePg struct {
	pool *pgxpool.Pool
}

// NewTaskStorePg 按 DSN 建池并 Ping 验证连通
func NewTaskStorePg(ctx context.Context, dsn string) (*TaskStorePg, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL DSN failed: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 PostgreSQL 连接池failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 PostgreSQL failed: %w", err)
	}
	return &TaskStorePg{pool: pool}, nil
}

func (s *TaskStorePg) Create(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()
	}
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_tasks (id, kind, payload, status) VALUES ($1, $2, $3, 'pending')`,
		task.ID, task.Kind, payloadJSON,
	)
	return task.ID, err
}

func (s *TaskStorePg) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, payload, status, result, error, retry_count, created_at, updated_at, completed_at
		 FROM batch_tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, "任务 %s", taskID)
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStorePg) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, payload, status, result, error, retry_count, created_at, updated_at, completed_at
		 FROM batch_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *TaskStorePg) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM batch_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClaimNextPending 原子认领：FOR UPDATE SKIP LOCKED 保证多 worker 不重复消费
func (s *TaskStorePg) ClaimNextPending(ctx context.Context) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE batch_tasks SET status = 'processing', updated_at = now()
		 WHERE id = (
		     SELECT id FROM batch_tasks WHERE status = 'pending'
		     ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, kind, payload, status, result, error, retry_count, created_at, updated_at, completed_at`)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStorePg) MarkCompleted(ctx context.Context, taskID string, result map[string]interface{}) error {
	resultJSON, _ := json.Marshal(result)
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_tasks SET status = 'completed', result = $1, error = NULL, updated_at = now(), completed_at = now()
		 WHERE id = $2`,
		resultJSON, taskID,
	)
	return err
}

func (s *TaskStorePg) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_tasks SET status = 'failed', error = $1, updated_at = now(), completed_at = now()
		 WHERE id = $2`,
		errMsg, taskID,
	)
	return err
}

func (s *TaskStorePg) Requeue(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_tasks SET status = 'pending', retry_count = retry_count + 1, updated_at = now()
		 WHERE id = $1`,
		task.ID,
	)
	return err
}

func (s *TaskStorePg) Cancel(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_tasks SET status = 'cancelled', updated_at = now(), completed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		taskID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		t, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "任务 %s 状态为 %s，仅 pending 可取消", taskID, t.Status)
	}
	return nil
}

func (s *TaskStorePg) Close() {
	s.pool.Close()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var payloadBytes, resultBytes []byte
	var status string
	var errText *string
	var completed *time.Time
	err := row.Scan(&t.ID, &t.Kind, &payloadBytes, &status, &resultBytes, &errText,
		&t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if len(payloadBytes) > 0 {
		_ = json.Unmarshal(payloadBytes, &t.Payload)
	}
	if len(resultBytes) > 0 {
		_ = json.Unmarshal(resultBytes, &t.Result)
	}
	if errText != nil {
		t.Error = *errText
	}
	t.Status = statusFromPg(status)
	t.CompletedAt = completed
	return &t, nil
}

func statusFromPg(s string) TaskStatus {
	switch s {
	case "pending":
		return StatusPending
	case "processing":
		return StatusProcessing
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}
