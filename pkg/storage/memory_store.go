package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/z-wentao/livecaption/pkg/models"
)

// MemoryStore 快照存储（内存实现）
type MemoryStore struct {
	snaps map[string]models.Snapshot
	mu    sync.RWMutex
}

// NewMemoryStore 创建内存快照存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]models.Snapshot),
	}
}

// Save 保存快照
func (ms *MemoryStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.snaps[snap.Job.ID] = snap
	return nil
}

// Get 读取快照
func (ms *MemoryStore) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	snap, ok := ms.snaps[jobID]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return snap, nil
}

// List 列出快照
func (ms *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Summary, 0, len(ms.snaps))
	for _, snap := range ms.snaps {
		out = append(out, summarize(snap))
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return cmp.Or(b.SavedAt.Compare(a.SavedAt), cmp.Compare(a.JobID, b.JobID))
	})
	return out, nil
}

// Delete 删除快照
func (ms *MemoryStore) Delete(ctx context.Context, jobID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.snaps[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	delete(ms.snaps, jobID)
	return nil
}

// Close 内存存储无需关闭
func (ms *MemoryStore) Close() error {
	return nil
}
