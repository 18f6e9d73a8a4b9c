// Package jobstore 一个任务订阅的状态：任务、片段、分块、字幕、审计日志和实时连接。
// 所有写操作都经过 Store 的方法，每次调用在锁内一次完成。
package jobstore

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/reconcile"
	"github.com/z-wentao/livecaption/pkg/stream"
	"github.com/z-wentao/livecaption/pkg/timeline"
)

// Options store 配置
type Options struct {
	AuditCap int              // 审计日志容量，默认 400
	Timeline timeline.Options // 字幕投影参数
}

// Store 任务状态容器
type Store struct {
	mu sync.RWMutex

	job      *models.Job
	segments *reconcile.Collection[models.Segment]
	chunks   *reconcile.Collection[models.Chunk]
	captions *reconcile.Collection[models.Caption]
	log      *events.Log
	streams  stream.Lifecycle

	loading bool
	errMsg  string

	opts    Options
	version reconcile.Version

	// 投影缓存，版本号变化后失效
	memo        []timeline.Entry
	memoVersion uint64
	memoValid   bool
}

// New 创建空 store
func New(opts Options) *Store {
	return &Store{
		segments: reconcile.NewCollection(func(s *models.Segment) string { return s.ID }),
		chunks:   reconcile.NewCollection(func(c *models.Chunk) string { return c.ID }),
		captions: reconcile.NewCollection(func(c *models.Caption) string { return c.ID }),
		log:      events.NewLog(opts.AuditCap),
		opts:     opts,
	}
}

// SetJob 设置当前任务，nil 表示清空
func (s *Store) SetJob(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job == nil {
		s.job = nil
	} else {
		j := *job
		s.job = &j
	}
	s.version.Bump()
}

// Job 当前任务的副本
func (s *Store) Job() (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.job == nil {
		return models.Job{}, false
	}
	return *s.job, true
}

// UpdateJob 合并任务字段；任务不存在时创建
// 已结束的任务不会被改回非终态，进度也不再变化
func (s *Store) UpdateJob(p models.JobPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeJob(p)
	s.version.Bump()
}

func (s *Store) mergeJob(p models.JobPatch) {
	if s.job == nil {
		s.job = &models.Job{}
	}
	if s.job.Status.Terminal() {
		p.Status = nil
		p.Progress = nil
	}
	s.job.Apply(p)
}

// Terminal 任务是否已结束
func (s *Store) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job != nil && s.job.Status.Terminal()
}

// SetLoading 设置加载标记
func (s *Store) SetLoading(flag bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = flag
	s.version.Bump()
}

// Loading 是否正在加载
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetError 记录界面级错误信息（例如刷新失败）
func (s *Store) SetError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = message
	s.version.Bump()
}

// Error 界面级错误信息
func (s *Store) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// UpsertSegment 合并单个片段
func (s *Store) UpsertSegment(p models.SegmentPatch) {
	s.UpsertSegments([]models.SegmentPatch{p})
}

// UpsertSegments 批量合并片段（全量刷新也走这里）
func (s *Store) UpsertSegments(list []models.SegmentPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range list {
		s.upsertSegment(p)
	}
	s.version.Bump()
}

func (s *Store) upsertSegment(p models.SegmentPatch) {
	s.segments.Upsert(p.ID, func(seg *models.Segment, created bool) {
		if created {
			seg.ID = p.ID
			seg.Partial = p.Index == nil
		}
		seg.Apply(p)
	})
}

// ReplaceSegments 整体替换片段
func (s *Store) ReplaceSegments(list []models.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments.Replace(list)
	s.version.Bump()
}

// UpsertChunk 合并单个分块
func (s *Store) UpsertChunk(p models.ChunkPatch) {
	s.UpsertChunks([]models.ChunkPatch{p})
}

// UpsertChunks 批量合并分块
func (s *Store) UpsertChunks(list []models.ChunkPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range list {
		s.upsertChunk(p)
	}
	s.version.Bump()
}

func (s *Store) upsertChunk(p models.ChunkPatch) {
	s.chunks.Upsert(p.ID, func(ch *models.Chunk, created bool) {
		if created {
			ch.ID = p.ID
			ch.Partial = true
		}
		ch.Apply(p)
	})
}

// ReplaceChunks 整体替换分块
func (s *Store) ReplaceChunks(list []models.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks.Replace(list)
	s.version.Bump()
}

// UpsertCaption 合并单条字幕，没有 id 的字幕被忽略
func (s *Store) UpsertCaption(p models.CaptionPatch) {
	s.UpsertCaptions([]models.CaptionPatch{p})
}

// UpsertCaptions 批量合并字幕
func (s *Store) UpsertCaptions(list []models.CaptionPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range list {
		s.upsertCaption(p)
	}
	s.version.Bump()
}

func (s *Store) upsertCaption(p models.CaptionPatch) {
	s.captions.Upsert(p.ID, func(c *models.Caption, created bool) {
		if created {
			c.ID = p.ID
		}
		c.Apply(p)
	})
}

// ReplaceCaptions 整体替换字幕
func (s *Store) ReplaceCaptions(list []models.Caption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions.Replace(list)
	s.version.Bump()
}

// Segments 插入顺序的片段副本
func (s *Store) Segments() []models.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments.Items()
}

// Chunks 插入顺序的分块副本
func (s *Store) Chunks() []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks.Items()
}

// Captions 插入顺序的字幕副本
func (s *Store) Captions() []models.Caption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captions.Items()
}

// OrderedSegments 按 index 排序的片段
func (s *Store) OrderedSegments() []models.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return timeline.OrderedSegments(s.segments.Items())
}

// ChunksBySegment 按片段分组、组内按 index 排序的分块
func (s *Store) ChunksBySegment() map[string][]models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]models.Chunk)
	for _, ch := range s.chunks.Items() {
		out[ch.SegmentID] = append(out[ch.SegmentID], ch)
	}
	for _, list := range out {
		slices.SortStableFunc(list, func(a, b models.Chunk) int {
			return cmp.Compare(a.Index, b.Index)
		})
	}
	return out
}

// CompletedChunks 已完成的分块
func (s *Store) CompletedChunks() []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Chunk
	for _, ch := range s.chunks.Items() {
		if ch.Status == models.TaskCompleted {
			out = append(out, ch)
		}
	}
	return out
}

// SegmentOffsets 每个片段在任务时间轴上的起点
func (s *Store) SegmentOffsets() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return timeline.SegmentOffsets(s.jobValue(), s.segments.Items())
}

// SubtitleEntries 当前字幕时间轴
// 结果按版本号缓存，store 没有变化时重复调用不会重新计算
func (s *Store) SubtitleEntries() []timeline.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.memoValid || s.memoVersion != s.version.Current() {
		s.memo = timeline.Project(s.jobValue(), s.segments.Items(), s.chunks.Items(), s.captions.Items(), s.opts.Timeline)
		s.memoVersion = s.version.Current()
		s.memoValid = true
	}
	return slices.Clone(s.memo)
}

// Events 审计日志副本
func (s *Store) Events() []events.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Records()
}

// EventsSince 序号大于 seq 的审计记录
func (s *Store) EventsSince(seq int64) []events.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Since(seq)
}

// Version 当前版本号，每次修改递增
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version.Current()
}

// Changes 下一次修改时关闭的通道
func (s *Store) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version.Changes()
}

// AttachEventSource 保存实时连接（先关闭旧连接）
func (s *Store) AttachEventSource(conn stream.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams.Attach(conn)
}

// AttachPollTimer 保存轮询定时器（先停止旧定时器）
func (s *Store) AttachPollTimer(timer stream.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams.AttachPoll(timer)
}

// DisconnectStreams 关闭连接和定时器
func (s *Store) DisconnectStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams.Disconnect()
}

// Connected 是否持有实时连接
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams.Connected()
}

// Polling 是否持有轮询定时器
func (s *Store) Polling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams.Polling()
}

// Reset 断开连接并清空全部状态（切换任务或离开页面时调用）
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams.Disconnect()
	s.job = nil
	s.segments.Reset()
	s.chunks.Reset()
	s.captions.Reset()
	s.log.Reset()
	s.loading = false
	s.errMsg = ""
	s.memo = nil
	s.memoValid = false
	s.version.Bump()
}

// Snapshot 导出当前状态
func (s *Store) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return models.Snapshot{
		Job:      s.jobValue(),
		Segments: s.segments.Items(),
		Chunks:   s.chunks.Items(),
		Captions: s.captions.Items(),
		SavedAt:  time.Now(),
	}
}

// Restore 用快照预热 store，快照中的记录作为 upsert 合并进来
func (s *Store) Restore(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Job.ID != "" {
		if s.job == nil {
			j := snap.Job
			s.job = &j
		} else if s.job.ID == snap.Job.ID {
			s.mergeJob(jobPatch(snap.Job))
		}
	}
	for _, seg := range snap.Segments {
		s.upsertSegment(seg.AsPatch())
	}
	for _, ch := range snap.Chunks {
		s.upsertChunk(ch.AsPatch())
	}
	for _, c := range snap.Captions {
		s.upsertCaption(c.AsPatch())
	}
	s.version.Bump()
}

func (s *Store) jobValue() models.Job {
	if s.job == nil {
		return models.Job{}
	}
	return *s.job
}

func jobPatch(j models.Job) models.JobPatch {
	return models.JobPatch{
		ID:             j.ID,
		Filename:       &j.Filename,
		Status:         &j.Status,
		Progress:       &j.Progress,
		TargetLang:     &j.TargetLang,
		SegmentSeconds: &j.SegmentSeconds,
		ChunkSeconds:   &j.ChunkSeconds,
		TotalSegments:  &j.TotalSegments,
		TotalChunks:    &j.TotalChunks,
		Error:          &j.Error,
		CreatedAt:      &j.CreatedAt,
	}
}
