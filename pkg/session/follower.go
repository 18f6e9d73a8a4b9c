// Package session 管理任务订阅：首次加载、实时事件、断流后的轮询兜底和快照保存
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/z-wentao/livecaption/pkg/jobstore"
	"github.com/z-wentao/livecaption/pkg/metrics"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/segmentstudy"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/stream"
)

// Backend 全量刷新用到的后端接口（*jobapi.Client 实现了它）
type Backend interface {
	GetJob(ctx context.Context, jobID string) (models.JobPatch, error)
	GetSegmentsLive(ctx context.Context, jobID string) ([]models.SegmentPatch, error)
	GetChunks(ctx context.Context, jobID string) ([]models.ChunkPatch, error)
	GetCaptions(ctx context.Context, jobID string) ([]models.CaptionPatch, error)
}

// Options 订阅参数
type Options struct {
	Open         Opener                // 实时事件源，为空时直接轮询
	Snapshots    storage.SnapshotStore // 可选，预热和保存快照
	PollInterval time.Duration         // 默认 2s
	Store        jobstore.Options
}

// Follower 跟踪一个任务
type Follower struct {
	id      string
	jobID   string
	backend Backend
	opts    Options

	jobs  *jobstore.Store
	study *segmentstudy.Store

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	// 首次加载成功后置位，之后 Stop 才会保存快照
	started atomic.Bool
}

// New 创建订阅，调用 Start 后才开始工作
func New(jobID string, backend Backend, opts Options) *Follower {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	f := &Follower{
		id:      uuid.New().String(),
		jobID:   jobID,
		backend: backend,
		opts:    opts,
		jobs:    jobstore.New(opts.Store),
		study:   segmentstudy.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	f.jobs.SetJob(&models.Job{ID: jobID})
	f.study.Bind(jobID)
	return f
}

// ID 订阅 id
func (f *Follower) ID() string { return f.id }

// JobID 任务 id
func (f *Follower) JobID() string { return f.jobID }

// Jobs 任务 store
func (f *Follower) Jobs() *jobstore.Store { return f.jobs }

// Study 分段学习 store
func (f *Follower) Study() *segmentstudy.Store { return f.study }

// Done 后台 goroutine 退出后关闭（任务进入终态或 Stop）
func (f *Follower) Done() <-chan struct{} { return f.done }

// Start 预热并完成首次全量加载，之后在后台跟踪事件
// 实时事件源在首次加载前打开，加载期间到达的事件先缓存，加载完成后按顺序应用
// 首次加载失败时返回错误，不启动后台 goroutine
func (f *Follower) Start(ctx context.Context) error {
	var err error
	started := false
	f.startOnce.Do(func() {
		started = true
		f.warmStart(ctx)

		var live *feed
		if f.opts.Open != nil && !f.jobs.Terminal() {
			live = f.connect("")
		}

		f.jobs.SetLoading(true)
		f.study.SetLoading(true)
		err = f.Refresh(ctx)
		f.jobs.SetLoading(false)
		f.study.SetLoading(false)
		if err != nil {
			live.stop()
			f.jobs.DisconnectStreams()
			close(f.done)
			return
		}
		f.started.Store(true)
		go f.run(live)
	})
	if !started {
		return fmt.Errorf("订阅 %s 已经启动过", f.jobID)
	}
	return err
}

// Stop 停止跟踪，保存快照后清空 store，可重复调用
// 首次加载没有成功的订阅不保存快照
func (f *Follower) Stop() {
	f.stopOnce.Do(func() {
		// 从未启动时直接标记结束
		f.startOnce.Do(func() { close(f.done) })
		f.cancel()
		f.jobs.DisconnectStreams()
		f.study.DisconnectStreams()
		<-f.done

		if f.started.Load() {
			f.save()
		}
		f.jobs.Reset()
		f.study.Reset()
		log.Printf("✓ 已停止订阅任务 %s", f.jobID)
	})
}

// Changes 任一 store 发生修改时关闭的通道
func (f *Follower) Changes() <-chan struct{} {
	a := f.jobs.Changes()
	b := f.study.Changes()
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-a:
		case <-b:
		case <-f.ctx.Done():
		}
	}()
	return out
}

// Refresh 全量拉取任务、片段、分块和字幕，以 upsert 方式合并
func (f *Follower) Refresh(ctx context.Context) error {
	start := time.Now()
	err := f.refresh(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		f.jobs.SetError(err.Error())
		f.study.SetError(err.Error())
	} else if f.jobs.Error() != "" {
		f.jobs.SetError("")
		f.study.SetError("")
	}
	metrics.RefreshDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return err
}

func (f *Follower) refresh(ctx context.Context) error {
	job, err := f.backend.GetJob(ctx, f.jobID)
	if err != nil {
		return fmt.Errorf("获取任务失败: %w", err)
	}
	segments, err := f.backend.GetSegmentsLive(ctx, f.jobID)
	if err != nil {
		return fmt.Errorf("获取片段失败: %w", err)
	}
	chunks, err := f.backend.GetChunks(ctx, f.jobID)
	if err != nil {
		return fmt.Errorf("获取分块失败: %w", err)
	}
	captions, err := f.backend.GetCaptions(ctx, f.jobID)
	if err != nil {
		return fmt.Errorf("获取字幕失败: %w", err)
	}

	f.jobs.UpdateJob(job)
	f.jobs.UpsertSegments(segments)
	f.jobs.UpsertChunks(chunks)
	f.jobs.UpsertCaptions(captions)
	f.study.UpsertSegments(segments)
	return nil
}

func (f *Follower) run(live *feed) {
	defer close(f.done)

	if f.jobs.Terminal() {
		live.stop()
		f.jobs.DisconnectStreams()
		f.finish()
		return
	}

	if f.opts.Open != nil {
		var lastID string
		if live != nil {
			lastID = f.follow(live)
		}
		// 连接曾经收到过事件时带 Last-Event-ID 重连一次
		if lastID != "" && f.ctx.Err() == nil && !f.jobs.Terminal() {
			log.Printf("⚠️  任务 %s 实时连接中断，从事件 %q 之后重连", f.jobID, lastID)
			if live = f.connect(lastID); live != nil {
				if err := f.Refresh(f.ctx); err != nil && f.ctx.Err() == nil {
					log.Printf("❌ 重连后刷新任务 %s 失败: %v", f.jobID, err)
				}
				if id := f.follow(live); id != "" {
					lastID = id
				}
			}
		}
		if f.ctx.Err() != nil {
			return
		}
		if f.jobs.Terminal() {
			f.finish()
			return
		}
		metrics.StreamFallbacks.Inc()
		log.Printf("⚠️  任务 %s 实时连接中断（最后事件 %q），改为每 %s 轮询", f.jobID, lastID, f.opts.PollInterval)
	}

	f.poll()
	if f.ctx.Err() == nil && f.jobs.Terminal() {
		f.finish()
	}
}

// feed 一个已打开的实时事件源
// 事件先进入无界缓存，避免首次加载期间阻塞发布方
type feed struct {
	src    queue.Source
	out    chan queue.Delivery
	cancel context.CancelFunc
}

// connect 打开并挂载事件源，失败时返回 nil
func (f *Follower) connect(lastEventID string) *feed {
	src, err := f.opts.Open(f.ctx, f.jobID, lastEventID)
	if err != nil {
		log.Printf("⚠️  打开任务 %s 的事件流失败: %v", f.jobID, err)
		return nil
	}
	f.jobs.AttachEventSource(src)
	if f.ctx.Err() != nil {
		f.jobs.DisconnectStreams()
		return nil
	}

	ctx, cancel := context.WithCancel(f.ctx)
	live := &feed{src: src, out: make(chan queue.Delivery), cancel: cancel}
	go live.buffer(ctx)
	log.Printf("✓ 已连接任务 %s 的事件流", f.jobID)
	return live
}

// buffer 按到达顺序转发事件；事件源关闭且缓存取完后关闭 out
func (l *feed) buffer(ctx context.Context) {
	defer close(l.out)

	in := l.src.Deliveries()
	var held []queue.Delivery
	for in != nil || len(held) > 0 {
		var (
			send chan queue.Delivery
			next queue.Delivery
		)
		if len(held) > 0 {
			send = l.out
			next = held[0]
		}
		select {
		case d, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			held = append(held, d)
		case send <- next:
			held = held[1:]
		case <-ctx.Done():
			return
		}
	}
}

func (l *feed) stop() {
	if l == nil {
		return
	}
	l.cancel()
	l.src.Close()
}

// follow 消费实时事件直到连接结束，返回最后一个事件 id
func (f *Follower) follow(live *feed) string {
	defer live.cancel()

	var lastID string
	for d := range live.out {
		if d.ID != "" {
			lastID = d.ID
		}
		out := f.jobs.ApplyPayload(d.Payload)
		f.study.ApplyPayload(d.Payload)
		metrics.ObserveEvent(string(out.Type), out.Applied, out.Reason)
		if out.Terminal {
			break
		}
	}
	f.jobs.DisconnectStreams()

	if err := live.src.Err(); err != nil && !errors.Is(err, stream.ErrClosed) && !errors.Is(err, queue.ErrClosed) {
		log.Printf("⚠️  任务 %s 事件流结束: %v", f.jobID, err)
	}
	return lastID
}

// poll 定时全量刷新，任务进入终态后停止
func (f *Follower) poll() {
	timer := stream.StartPoll(f.ctx, f.opts.PollInterval, func(ctx context.Context) {
		if err := f.Refresh(ctx); err != nil {
			if ctx.Err() == nil {
				log.Printf("❌ 轮询任务 %s 失败: %v", f.jobID, err)
			}
			return
		}
		if f.jobs.Terminal() {
			f.jobs.DisconnectStreams()
		}
	})
	f.jobs.AttachPollTimer(timer)
	<-timer.Done()
}

func (f *Follower) finish() {
	job, _ := f.jobs.Job()
	log.Printf("🎉 任务 %s 已结束: %s", f.jobID, job.Status)
	f.save()
}

func (f *Follower) warmStart(ctx context.Context) {
	if f.opts.Snapshots == nil {
		return
	}
	snap, err := f.opts.Snapshots.Get(ctx, f.jobID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("⚠️  读取任务 %s 快照失败: %v", f.jobID, err)
		}
		return
	}
	f.jobs.Restore(snap)
	patches := make([]models.SegmentPatch, len(snap.Segments))
	for i, seg := range snap.Segments {
		patches[i] = seg.AsPatch()
	}
	f.study.UpsertSegments(patches)
	log.Printf("✓ 任务 %s 从快照预热（%d 个片段）", f.jobID, len(snap.Segments))
}

func (f *Follower) save() {
	if f.opts.Snapshots == nil {
		return
	}
	snap := f.jobs.Snapshot()
	if snap.Job.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.opts.Snapshots.Save(ctx, snap); err != nil {
		log.Printf("❌ 保存任务 %s 快照失败: %v", f.jobID, err)
	}
}
