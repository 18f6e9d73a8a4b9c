package queue

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBroker 进程内的事件分发（测试和单机回放用）
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]*MemorySource
	seq    int64
	buffer int
	closed bool
}

// NewMemoryBroker 创建内存 broker，buffer 为每个订阅的缓冲大小
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryBroker{
		subs:   make(map[string][]*MemorySource),
		buffer: buffer,
	}
}

// Subscribe 订阅一个任务的事件
func (b *MemoryBroker) Subscribe(jobID string) *MemorySource {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := &MemorySource{
		broker: b,
		jobID:  jobID,
		ch:     make(chan Delivery, b.buffer),
		quit:   make(chan struct{}),
	}
	if b.closed {
		src.finish(ErrClosed)
		return src
	}
	b.subs[jobID] = append(b.subs[jobID], src)
	return src
}

// Publish 把事件发给该任务的全部订阅者；缓冲满时阻塞直到 ctx 结束
func (b *MemoryBroker) Publish(ctx context.Context, jobID string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	d := Delivery{ID: strconv.FormatInt(b.seq, 10), Payload: payload}
	subs := append([]*MemorySource(nil), b.subs[jobID]...)
	b.mu.Unlock()

	for _, src := range subs {
		if err := src.deliver(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭 broker 并结束全部订阅
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, src := range list {
			src.finish(ErrClosed)
		}
	}
	b.subs = nil
	return nil
}

func (b *MemoryBroker) unsubscribe(src *MemorySource) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[src.jobID]
	for i, s := range list {
		if s == src {
			b.subs[src.jobID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[src.jobID]) == 0 {
		delete(b.subs, src.jobID)
	}
}

// MemorySource MemoryBroker 的一个订阅
type MemorySource struct {
	broker *MemoryBroker
	jobID  string
	ch     chan Delivery
	quit   chan struct{}
	once   sync.Once

	// 发送方持有读锁，关闭 ch 前需要拿到写锁
	sending sync.RWMutex
	errMu   sync.Mutex
	err     error
}

// Deliveries 事件通道
func (s *MemorySource) Deliveries() <-chan Delivery {
	return s.ch
}

// Err 结束原因
func (s *MemorySource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close 取消订阅，可重复调用
func (s *MemorySource) Close() error {
	s.broker.unsubscribe(s)
	s.finish(ErrClosed)
	return nil
}

func (s *MemorySource) deliver(ctx context.Context, d Delivery) error {
	s.sending.RLock()
	defer s.sending.RUnlock()

	select {
	case <-s.quit:
		return nil
	default:
	}
	select {
	case s.ch <- d:
		return nil
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemorySource) finish(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		close(s.quit)
		s.sending.Lock()
		close(s.ch)
		s.sending.Unlock()
	})
}
