package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"
)

var (
	// ErrClosed 连接被本地主动关闭
	ErrClosed = errors.New("实时连接已关闭")
	// ErrServerClosed 服务端在没有错误的情况下结束了事件流
	ErrServerClosed = errors.New("服务端关闭了事件流")
)

// Message 一条 server-sent event
type Message struct {
	ID    string
	Event string // 为空时即 "message"
	Data  []byte
	Retry time.Duration
}

// EventSource text/event-stream 客户端连接
// 断线后不自动重连，由上层决定续传还是改为轮询
type EventSource struct {
	cancel context.CancelFunc
	msgs   chan Message
	done   chan struct{}

	mu          sync.Mutex
	err         error
	lastEventID string
	closeOnce   sync.Once
}

// Open 发起请求并开始读取事件流，连接建立（响应校验通过）后返回
// 请求的 ctx 结束或调用 Close 都会终止连接
func Open(ctx context.Context, client *http.Client, req *http.Request) (*EventSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(ctx)

	c := sse.NewClient(req.URL.String())
	c.Connection = client
	c.ReconnectStrategy = &backoff.StopBackOff{}
	for key := range req.Header {
		c.Headers[key] = req.Header.Get(key)
	}
	if id := req.Header.Get("Last-Event-ID"); id != "" {
		c.LastEventID.Store([]byte(id))
	}

	ready := make(chan struct{})
	var once sync.Once
	c.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if err := validate(resp); err != nil {
			resp.Body.Close()
			return err
		}
		once.Do(func() { close(ready) })
		return nil
	}

	es := &EventSource{
		cancel: cancel,
		msgs:   make(chan Message),
		done:   make(chan struct{}),
	}
	result := make(chan error, 1)
	go func() {
		result <- c.SubscribeWithContext(ctx, "", es.handle(ctx))
	}()

	select {
	case <-ready:
		go es.wait(ctx, result)
		return es, nil
	case err := <-result:
		select {
		case <-ready:
			// 连接建立后服务端立即结束了事件流
			ended := make(chan error, 1)
			ended <- err
			go es.wait(ctx, ended)
			return es, nil
		default:
		}
		cancel()
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}
		if err == nil {
			err = ErrServerClosed
		}
		return nil, fmt.Errorf("打开事件流失败: %w", err)
	}
}

func validate(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		return fmt.Errorf("事件流 Content-Type 错误: %q", resp.Header.Get("Content-Type"))
	}
	return nil
}

// StatusError 打开事件流时服务端返回非 200
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("事件流返回状态码 %d", e.StatusCode)
}

// Messages 事件通道，连接结束后关闭
func (es *EventSource) Messages() <-chan Message {
	return es.msgs
}

// Done 读取 goroutine 退出后关闭
func (es *EventSource) Done() <-chan struct{} {
	return es.done
}

// Err 连接结束的原因，Messages 关闭后才有意义
func (es *EventSource) Err() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.err
}

// LastEventID 最近一次收到的事件 id，用于断线重连
func (es *EventSource) LastEventID() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.lastEventID
}

// Close 关闭连接，可重复调用
func (es *EventSource) Close() error {
	es.closeOnce.Do(func() {
		es.setErr(ErrClosed)
		es.cancel()
	})
	return nil
}

func (es *EventSource) setErr(err error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.err == nil {
		es.err = err
	}
}

// handle 把库解析出的事件转成 Message；没有 data 的事件（注释、心跳）不分发
func (es *EventSource) handle(ctx context.Context) func(*sse.Event) {
	return func(ev *sse.Event) {
		if len(ev.Data) == 0 {
			return
		}
		msg := Message{
			ID:    string(ev.ID),
			Event: string(ev.Event),
			Data:  bytes.Clone(ev.Data),
		}
		if ms, err := strconv.Atoi(string(ev.Retry)); err == nil {
			msg.Retry = time.Duration(ms) * time.Millisecond
		}
		if msg.ID != "" {
			es.mu.Lock()
			es.lastEventID = msg.ID
			es.mu.Unlock()
		}

		select {
		case es.msgs <- msg:
		case <-ctx.Done():
		}
	}
}

// wait 等订阅结束后关闭 Messages 并记录原因
func (es *EventSource) wait(ctx context.Context, result <-chan error) {
	defer close(es.done)
	defer close(es.msgs)
	defer es.cancel()

	err := <-result
	switch {
	case ctx.Err() != nil:
		es.setErr(ErrClosed)
	case err != nil:
		es.setErr(fmt.Errorf("读取事件流失败: %w", err))
	default:
		es.setErr(ErrServerClosed)
	}
}
