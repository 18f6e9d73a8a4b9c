package session

import (
	"context"
	"sync"

	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/stream"
)

// Opener 为任务打开一个实时事件源，lastEventID 用于断线续传
type Opener func(ctx context.Context, jobID, lastEventID string) (queue.Source, error)

// SSEOpener 通过后端的 /stream 接口订阅
func SSEOpener(c *jobapi.Client) Opener {
	return func(ctx context.Context, jobID, lastEventID string) (queue.Source, error) {
		es, err := c.StreamJob(ctx, jobID, lastEventID)
		if err != nil {
			return nil, err
		}
		return newSSESource(es), nil
	}
}

// BrokerOpener 订阅进程内 broker
func BrokerOpener(b *queue.MemoryBroker) Opener {
	return func(_ context.Context, jobID, _ string) (queue.Source, error) {
		return b.Subscribe(jobID), nil
	}
}

// RabbitMQOpener 每个订阅在 exchange 上绑定一个独占队列
func RabbitMQOpener(url, exchange string) Opener {
	return func(_ context.Context, jobID, _ string) (queue.Source, error) {
		src, err := queue.NewRabbitMQSource(url, exchange, jobID)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// sseSource 把 EventSource 适配成 queue.Source
type sseSource struct {
	es   *stream.EventSource
	out  chan queue.Delivery
	quit chan struct{}
	once sync.Once
}

func newSSESource(es *stream.EventSource) *sseSource {
	s := &sseSource{
		es:   es,
		out:  make(chan queue.Delivery),
		quit: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *sseSource) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.quit:
			return
		case m, ok := <-s.es.Messages():
			if !ok {
				return
			}
			select {
			case s.out <- queue.Delivery{ID: m.ID, Payload: m.Data}:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *sseSource) Deliveries() <-chan queue.Delivery {
	return s.out
}

func (s *sseSource) Err() error {
	return s.es.Err()
}

func (s *sseSource) Close() error {
	s.once.Do(func() {
		close(s.quit)
		s.es.Close()
	})
	return nil
}
