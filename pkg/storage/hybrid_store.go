package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/models"
)

// HybridOptions 混合存储参数
type HybridOptions struct {
	BatchSize     int           // 批量写库条数，默认 50
	FlushInterval time.Duration // 定时写库间隔，默认 5s
	QueueSize     int           // 异步队列长度，默认 100
}

// HybridStore 混合存储：Redis（热数据） + PostgreSQL（冷数据）
// 快照先写热存储；任务结束后的快照异步批量写入冷存储
type HybridStore struct {
	hot  SnapshotStore
	cold SnapshotStore
	opts HybridOptions

	mu        sync.RWMutex
	closed    bool
	syncQueue chan models.Snapshot
	done      chan struct{}
}

// NewHybridStore 创建混合存储
func NewHybridStore(hot, cold SnapshotStore, opts HybridOptions) *HybridStore {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	s := &HybridStore{
		hot:       hot,
		cold:      cold,
		opts:      opts,
		syncQueue: make(chan models.Snapshot, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go s.syncWorker()

	log.Println("✓ 混合存储初始化成功（Redis + PostgreSQL）")
	return s
}

// Save 写热存储；终态快照同时进入写库队列
func (s *HybridStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	if err := s.hot.Save(ctx, snap); err != nil {
		log.Printf("⚠️  Redis 写入失败: %v", err)
		// 热存储失败时直接写库
		return s.cold.Save(ctx, snap)
	}

	if snap.Job.Status.Terminal() {
		s.asyncSyncToDB(ctx, snap)
	}
	return nil
}

// Get 优先热存储，未命中查数据库并回写
func (s *HybridStore) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	snap, err := s.hot.Get(ctx, jobID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrNotFound) {
		log.Printf("⚠️  Redis 读取失败: %v, 查询数据库", err)
	}

	snap, err = s.cold.Get(ctx, jobID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := s.hot.Save(ctx, snap); err != nil {
		log.Printf("⚠️  回写 Redis 失败: %v", err)
	}
	return snap, nil
}

// List 优先热存储，失败降级到数据库
func (s *HybridStore) List(ctx context.Context) ([]Summary, error) {
	list, err := s.hot.List(ctx)
	if err != nil {
		log.Printf("⚠️  Redis 列表查询失败: %v, 降级到数据库", err)
		return s.cold.List(ctx)
	}
	return list, nil
}

// Delete 两层都删除，任意一层存在即成功
func (s *HybridStore) Delete(ctx context.Context, jobID string) error {
	hotErr := s.hot.Delete(ctx, jobID)
	if hotErr != nil && !errors.Is(hotErr, ErrNotFound) {
		log.Printf("⚠️  Redis 删除失败: %v", hotErr)
	}
	coldErr := s.cold.Delete(ctx, jobID)
	if coldErr == nil || hotErr == nil {
		return nil
	}
	return coldErr
}

// Close 等待写库队列清空后关闭两层存储
func (s *HybridStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.syncQueue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		log.Printf("⚠️  同步队列清空超时，剩余 %d 个快照", len(s.syncQueue))
	}

	err := errors.Join(s.hot.Close(), s.cold.Close())
	log.Println("✓ 混合存储已关闭")
	return err
}

func (s *HybridStore) asyncSyncToDB(ctx context.Context, snap models.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		if err := s.cold.Save(ctx, snap); err != nil {
			log.Printf("❌ 写入数据库失败: %v", err)
		}
		return
	}

	select {
	case s.syncQueue <- snap:
	default:
		log.Printf("⚠️  同步队列已满，同步写入数据库")
		if err := s.cold.Save(ctx, snap); err != nil {
			log.Printf("❌ 同步写入数据库失败: %v", err)
		}
	}
}

// syncWorker 批量写库（BatchSize 条或每 FlushInterval）
func (s *HybridStore) syncWorker() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.Snapshot, 0, s.opts.BatchSize)
	for {
		select {
		case snap, ok := <-s.syncQueue:
			if !ok {
				s.batchSave(batch)
				return
			}
			batch = append(batch, snap)
			if len(batch) >= s.opts.BatchSize {
				s.batchSave(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.batchSave(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *HybridStore) batchSave(batch []models.Snapshot) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	success := 0
	for _, snap := range batch {
		if err := s.cold.Save(ctx, snap); err != nil {
			log.Printf("❌ 同步快照失败: %s, 错误: %v", snap.Job.ID, err)
			continue
		}
		success++
	}
	log.Printf("✓ 成功同步 %d/%d 个快照到数据库", success, len(batch))
}
