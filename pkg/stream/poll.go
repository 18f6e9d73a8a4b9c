package stream

import (
	"context"
	"sync"
	"time"
)

// PollTimer 定时调用 fn 的轮询器（对应浏览器的 setInterval）
type PollTimer struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartPoll 每隔 interval 调用一次 fn，直到 Stop 或 ctx 结束
// fn 在轮询 goroutine 中串行执行，不会重叠
func StartPoll(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) *PollTimer {
	ctx, cancel := context.WithCancel(ctx)
	t := &PollTimer{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()

	return t
}

// Stop 停止轮询，可重复调用
// 不等待正在执行的 fn，fn 可以在内部安全地调用 Stop
func (t *PollTimer) Stop() {
	t.once.Do(t.cancel)
}

// Done 轮询 goroutine 退出后关闭
func (t *PollTimer) Done() <-chan struct{} {
	return t.done
}
