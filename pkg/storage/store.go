// Package storage 任务订阅快照的持久化（内存 / Redis / PostgreSQL / 混合）
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/z-wentao/livecaption/pkg/models"
)

// ErrNotFound 快照不存在
var ErrNotFound = errors.New("快照不存在")

// Summary 快照列表项
type Summary struct {
	JobID    string           `json:"job_id"`
	Filename string           `json:"filename,omitempty"`
	Status   models.JobStatus `json:"status"`
	Progress float64          `json:"progress"`
	SavedAt  time.Time        `json:"saved_at"`
}

// SnapshotStore 快照存储接口
type SnapshotStore interface {
	// Save 保存快照（同一任务覆盖旧快照）
	Save(ctx context.Context, snap models.Snapshot) error

	// Get 读取快照，不存在时返回 ErrNotFound
	Get(ctx context.Context, jobID string) (models.Snapshot, error)

	// List 按保存时间倒序列出快照
	List(ctx context.Context) ([]Summary, error)

	// Delete 删除快照，不存在时返回 ErrNotFound
	Delete(ctx context.Context, jobID string) error

	// Close 关闭存储连接
	Close() error
}

func summarize(snap models.Snapshot) Summary {
	return Summary{
		JobID:    snap.Job.ID,
		Filename: snap.Job.Filename,
		Status:   snap.Job.Status,
		Progress: snap.Job.Progress,
		SavedAt:  snap.SavedAt,
	}
}

func validate(snap models.Snapshot) error {
	if snap.Job.ID == "" {
		return errors.New("快照缺少任务 id")
	}
	return nil
}
