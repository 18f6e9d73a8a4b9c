// Package queue 经消息队列投递的任务事件：内存实现和 RabbitMQ 实现
package queue

import (
	"context"
	"errors"
)

// ErrClosed 事件源已关闭
var ErrClosed = errors.New("事件源已关闭")

// Delivery 一条事件消息
type Delivery struct {
	ID      string // 消息 id，可为空
	Payload []byte // 与 SSE data 相同的 JSON
}

// Source 按到达顺序产生一个任务的事件
type Source interface {
	// Deliveries 事件通道，事件源结束后关闭
	Deliveries() <-chan Delivery
	// Err 结束原因，通道关闭后才有意义
	Err() error
	Close() error
}

// Publisher 发布任务事件
type Publisher interface {
	Publish(ctx context.Context, jobID string, payload []byte) error
	Close() error
}

// RoutingKey 任务事件的路由键
func RoutingKey(jobID string) string {
	return "job." + jobID
}
