// Package segmentstudy 分段学习视图的状态：实时片段、按片段分组的字幕、当前播放片段
package segmentstudy

import (
	"sync"

	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/reconcile"
	"github.com/z-wentao/livecaption/pkg/stream"
	"github.com/z-wentao/livecaption/pkg/timeline"
)

// Store 分段学习 store
type Store struct {
	mu sync.RWMutex

	jobID        string
	segmentsLive *reconcile.Collection[models.Segment]
	captions     *reconcile.CaptionGroups
	activePlayer string
	loading      bool
	errMsg       string
	streams      stream.Lifecycle
	version      reconcile.Version
}

// New 创建空 store
func New() *Store {
	return &Store{
		segmentsLive: reconcile.NewCollection(func(s *models.Segment) string { return s.ID }),
		captions:     reconcile.NewCaptionGroups(),
	}
}

// Bind 绑定任务 id，之后带其他 job_id 的事件会被忽略
func (s *Store) Bind(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = jobID
}

// ApplyPayload 解析并应用原始事件
// 只处理 segment_* 与 segment_playback_*，返回是否产生了修改
func (s *Store) ApplyPayload(payload []byte) bool {
	ev, err := events.Decode(payload)
	if err != nil {
		return false
	}
	return s.ApplyEvent(ev)
}

// ApplyEvent 应用已解析的事件
func (s *Store) ApplyEvent(ev events.Event) bool {
	var (
		ref    events.SegmentRef
		mutate func(seg *models.Segment)
	)

	switch e := ev.(type) {
	case events.SegmentStarted:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			if seg.Status != models.TaskCompleted && seg.Status != models.TaskFailed {
				seg.Status = models.TaskRunning
			}
		}
	case events.SegmentCompleted:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			seg.Status = models.TaskCompleted
			seg.Error = ""
		}
	case events.SegmentFailed:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			seg.Status = models.TaskFailed
			seg.Error = e.Error
		}
	case events.SegmentPlaybackPreparing:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackPreparing
			seg.PlaybackError = ""
		}
	case events.SegmentPlaybackReady:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackReady
			seg.PlaybackError = ""
			if e.PlaybackURL != "" {
				seg.PlaybackURL = e.PlaybackURL
			}
		}
	case events.SegmentPlaybackFailed:
		ref = e.SegmentRef
		mutate = func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackFailed
			seg.PlaybackError = e.Error
		}
	default:
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.JobID != "" && s.jobID != "" && ref.JobID != s.jobID {
		return false
	}
	s.segmentsLive.Upsert(ref.SegmentID, func(seg *models.Segment, created bool) {
		if created {
			seg.ID = ref.SegmentID
			seg.JobID = s.jobID
			seg.Partial = true
		}
		seg.Apply(models.SegmentPatch{Index: ref.SegmentIndex})
		mutate(seg)
	})
	s.version.Bump()
	return true
}

// ReplaceSegments 整体替换片段
func (s *Store) ReplaceSegments(list []models.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segmentsLive.Replace(list)
	s.version.Bump()
}

// UpsertSegment 合并单个片段，没有 id 时忽略
func (s *Store) UpsertSegment(p models.SegmentPatch) {
	s.UpsertSegments([]models.SegmentPatch{p})
}

// UpsertSegments 批量合并片段
func (s *Store) UpsertSegments(list []models.SegmentPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range list {
		s.segmentsLive.Upsert(p.ID, func(seg *models.Segment, created bool) {
			if created {
				seg.ID = p.ID
				seg.Partial = p.Index == nil
			}
			seg.Apply(p)
		})
	}
	s.version.Bump()
}

// SetSegmentCaptions 替换某个片段的字幕
func (s *Store) SetSegmentCaptions(segmentID string, captions []models.Caption) {
	if segmentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions.Set(segmentID, captions)
	s.version.Bump()
}

// UpsertSegmentCaptions 合并某个片段的字幕，合并后按时间排序
func (s *Store) UpsertSegmentCaptions(segmentID string, captions []models.CaptionPatch) {
	if segmentID == "" || len(captions) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions.Upsert(segmentID, captions)
	s.version.Bump()
}

// SegmentCaptions 某个片段的字幕副本
func (s *Store) SegmentCaptions(segmentID string) []models.Caption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captions.Get(segmentID)
}

// CaptionSegments 有字幕的片段 id
func (s *Store) CaptionSegments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captions.SegmentIDs()
}

// SetActivePlayer 设置当前播放的片段，空字符串表示没有
func (s *Store) SetActivePlayer(segmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePlayer = segmentID
	s.version.Bump()
}

// ActivePlayer 当前播放的片段
func (s *Store) ActivePlayer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePlayer
}

// Segments 插入顺序的片段
func (s *Store) Segments() []models.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentsLive.Items()
}

// Segment 按 id 查询片段
func (s *Store) Segment(id string) (models.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segmentsLive.Get(id)
}

// OrderedSegments 按 index 排序的片段
func (s *Store) OrderedSegments() []models.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return timeline.OrderedSegments(s.segmentsLive.Items())
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

// SetError 记录错误信息
func (s *Store) SetError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = message
	s.version.Bump()
}

// Error 错误信息
func (s *Store) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// AttachEventSource 保存实时连接
func (s *Store) AttachEventSource(conn stream.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams.Attach(conn)
}

// AttachPollTimer 保存轮询定时器
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

// Version 当前版本号
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

// Reset 断开连接并清空状态
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams.Disconnect()
	s.jobID = ""
	s.segmentsLive.Reset()
	s.captions.Reset()
	s.activePlayer = ""
	s.loading = false
	s.errMsg = ""
	s.version.Bump()
}
