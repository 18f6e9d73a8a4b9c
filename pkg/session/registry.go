package session

import (
	"context"
	"slices"
	"sync"

	"github.com/z-wentao/livecaption/pkg/metrics"
)

// Factory 为任务创建 Follower
type Factory func(jobID string) *Follower

// entry 注册表中的一项，ready 关闭前订阅还在首次加载
type entry struct {
	f     *Follower
	ready chan struct{}
	err   error
}

func (e *entry) started() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Registry 按任务 id 管理订阅，同一任务只有一个 Follower
type Registry struct {
	mu        sync.Mutex
	newFollow Factory
	followers map[string]*entry
}

// NewRegistry 创建注册表
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		newFollow: factory,
		followers: make(map[string]*entry),
	}
}

// Follow 返回任务的订阅，不存在时创建并启动
// 首次加载不持有注册表的锁；同一任务并发调用时等待同一次启动的结果
// 第二个返回值表示是否新建
func (r *Registry) Follow(ctx context.Context, jobID string) (*Follower, bool, error) {
	r.mu.Lock()
	if e, ok := r.followers[jobID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			return nil, false, e.err
		}
		return e.f, false, nil
	}
	e := &entry{f: r.newFollow(jobID), ready: make(chan struct{})}
	r.followers[jobID] = e
	r.mu.Unlock()

	err := e.f.Start(ctx)

	r.mu.Lock()
	if err != nil {
		e.err = err
		delete(r.followers, jobID)
	} else {
		metrics.ActiveFollowers.Inc()
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		e.f.Stop()
		return nil, false, err
	}
	return e.f, true, nil
}

// Get 查询订阅，还在首次加载的订阅视为不存在
func (r *Registry) Get(jobID string) (*Follower, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.followers[jobID]
	if !ok || !e.started() {
		return nil, false
	}
	return e.f, true
}

// Unfollow 停止并移除订阅，正在首次加载的订阅不受影响
func (r *Registry) Unfollow(jobID string) bool {
	r.mu.Lock()
	e, ok := r.followers[jobID]
	if !ok || !e.started() {
		r.mu.Unlock()
		return false
	}
	delete(r.followers, jobID)
	r.mu.Unlock()

	e.f.Stop()
	metrics.ActiveFollowers.Dec()
	return true
}

// JobIDs 已启动的订阅的任务 id（排序）
func (r *Registry) JobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.followers))
	for id, e := range r.followers {
		if e.started() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Close 停止全部订阅
func (r *Registry) Close() {
	for _, id := range r.JobIDs() {
		r.Unfollow(id)
	}
}
