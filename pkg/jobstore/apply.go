package jobstore

import (
	"bytes"
	"errors"

	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/models"
)

// 事件未被应用的原因
const (
	ReasonMalformed    = "malformed"
	ReasonMissingField = "missing_field"
	ReasonJobMismatch  = "job_mismatch"
	ReasonTerminal     = "terminal"
	ReasonUnknown      = "unknown_type"
)

// Outcome 一次事件应用的结果
type Outcome struct {
	Type    events.Type
	Applied bool
	Reason  string // 未应用时的原因
	Audited bool   // 是否写入了审计日志
	// Terminal 事件处理后任务处于终态
	Terminal bool
}

// ApplyPayload 解析并应用一条原始事件 payload
// 没有 type 或不是 JSON 对象的 payload 直接丢弃，不写审计日志
func (s *Store) ApplyPayload(payload []byte) Outcome {
	ev, err := events.Decode(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if errors.Is(err, events.ErrMissingField) {
			t := events.PeekType(payload)
			s.audit(t, payload, false, err.Error())
			return Outcome{Type: t, Reason: ReasonMissingField, Audited: true, Terminal: s.terminal()}
		}
		return Outcome{Reason: ReasonMalformed, Terminal: s.terminal()}
	}
	return s.apply(ev, payload)
}

// ApplyEvent 应用已解析的事件（审计记录中不带原始 payload）
func (s *Store) ApplyEvent(ev events.Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(ev, nil)
}

func (s *Store) apply(ev events.Event, payload []byte) Outcome {
	out := Outcome{Type: ev.Kind(), Audited: true}

	if id := ev.Job(); id != "" && s.job != nil && s.job.ID != "" && s.job.ID != id {
		out.Reason = ReasonJobMismatch
		s.audit(ev.Kind(), payload, false, "job_id 不匹配: "+id)
		out.Terminal = s.terminal()
		return out
	}

	applied, reason := s.transition(ev)
	note := ""
	if !applied {
		note = reason
	}
	s.audit(ev.Kind(), payload, applied, note)
	out.Applied = applied
	out.Reason = reason
	out.Terminal = s.terminal()
	return out
}

func (s *Store) audit(t events.Type, payload []byte, applied bool, note string) {
	s.log.Append(events.Record{
		Type:    t,
		Payload: bytes.Clone(payload),
		Applied: applied,
		Note:    note,
	})
	s.version.Bump()
}

func (s *Store) terminal() bool {
	return s.job != nil && s.job.Status.Terminal()
}

// transition 状态转移表
func (s *Store) transition(ev events.Event) (bool, string) {
	switch e := ev.(type) {
	case events.JobStarted:
		if s.terminal() {
			return false, ReasonTerminal
		}
		s.mergeJob(models.JobPatch{ID: e.JobID, Status: models.Ptr(models.JobRunning)})

	case events.JobProgress:
		if s.terminal() {
			return false, ReasonTerminal
		}
		s.mergeJob(models.JobPatch{ID: e.JobID, Progress: models.Ptr(clamp01(e.Progress))})

	case events.Totals:
		if s.terminal() {
			return false, ReasonTerminal
		}
		s.mergeJob(models.JobPatch{ID: e.JobID, TotalSegments: e.Segments, TotalChunks: e.TotalChunks})

	case events.JobCompleted:
		defer s.streams.Disconnect()
		if s.terminal() {
			return false, ReasonTerminal
		}
		s.mergeJob(models.JobPatch{
			ID:       e.JobID,
			Status:   models.Ptr(models.JobCompleted),
			Progress: models.Ptr(1.0),
		})

	case events.JobFailed:
		defer s.streams.Disconnect()
		if s.terminal() {
			return false, ReasonTerminal
		}
		s.mergeJob(models.JobPatch{
			ID:     e.JobID,
			Status: models.Ptr(models.JobFailed),
			Error:  models.Ptr(e.Error),
		})

	case events.SegmentStarted:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			if !finished(seg.Status) {
				seg.Status = models.TaskRunning
			}
		})

	case events.SegmentCompleted:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			seg.Status = models.TaskCompleted
			seg.Error = ""
		})

	case events.SegmentFailed:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			seg.Status = models.TaskFailed
			seg.Error = e.Error
		})

	case events.SegmentPlaybackPreparing:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackPreparing
			seg.PlaybackError = ""
		})

	case events.SegmentPlaybackReady:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackReady
			if e.PlaybackURL != "" {
				seg.PlaybackURL = e.PlaybackURL
			}
			seg.PlaybackError = ""
		})

	case events.SegmentPlaybackFailed:
		s.applySegment(e.SegmentRef, func(seg *models.Segment) {
			seg.PlaybackStatus = models.PlaybackFailed
			seg.PlaybackError = e.Error
		})

	case events.ChunkStarted:
		s.applyChunk(e.ChunkRef, func(ch *models.Chunk) {
			if !finished(ch.Status) {
				ch.Status = models.TaskRunning
				ch.Error = ""
			}
		})

	case events.ChunkCompleted:
		s.applyChunk(e.ChunkRef, func(ch *models.Chunk) {
			ch.Status = models.TaskCompleted
			ch.Error = ""
			ch.Apply(models.ChunkPatch{
				TranscriptText: e.Transcript,
				TranslatedText: e.Translation,
				TargetLang:     e.TargetLang,
			})
		})
		s.mergeInlineCaptions(e)

	case events.ChunkFailed:
		s.applyChunk(e.ChunkRef, func(ch *models.Chunk) {
			ch.Status = models.TaskFailed
			ch.Error = e.Error
		})

	default:
		return false, ReasonUnknown
	}
	return true, ""
}

// applySegment 更新片段，未见过的 id 创建占位记录（index 取 segment_index，否则为 0）
func (s *Store) applySegment(ref events.SegmentRef, mutate func(seg *models.Segment)) {
	s.segments.Upsert(ref.SegmentID, func(seg *models.Segment, created bool) {
		if created {
			seg.ID = ref.SegmentID
			seg.Partial = true
		}
		p := models.SegmentPatch{Index: ref.SegmentIndex}
		if ref.JobID != "" {
			p.JobID = models.Ptr(ref.JobID)
		} else if seg.JobID == "" && s.job != nil {
			p.JobID = models.Ptr(s.job.ID)
		}
		seg.Apply(p)
		mutate(seg)
	})
}

// applyChunk 合并分块事件携带的位置字段，job_id 缺省时取当前任务
func (s *Store) applyChunk(ref events.ChunkRef, mutate func(ch *models.Chunk)) {
	s.chunks.Upsert(ref.ChunkID, func(ch *models.Chunk, created bool) {
		if created {
			ch.ID = ref.ChunkID
			ch.Partial = true
		}
		p := models.ChunkPatch{
			SegmentID:       ref.SegmentID,
			Index:           ref.Index,
			StartSeconds:    ref.StartSeconds,
			DurationSeconds: ref.DurationSeconds,
		}
		if ref.JobID != "" {
			p.JobID = models.Ptr(ref.JobID)
		} else if ch.JobID == "" && s.job != nil && s.job.ID != "" {
			p.JobID = models.Ptr(s.job.ID)
		}
		ch.Apply(p)
		mutate(ch)
	})
}

func (s *Store) mergeInlineCaptions(e events.ChunkCompleted) {
	for _, p := range e.Captions {
		if p.ChunkID == nil {
			p.ChunkID = models.Ptr(e.ChunkID)
		}
		if p.SegmentID == nil && e.SegmentID != nil {
			p.SegmentID = e.SegmentID
		}
		if p.JobID == nil {
			if e.JobID != "" {
				p.JobID = models.Ptr(e.JobID)
			} else if s.job != nil && s.job.ID != "" {
				p.JobID = models.Ptr(s.job.ID)
			}
		}
		s.upsertCaption(p)
	}
}

// finished 已完成或失败的单元不会被迟到的 started 事件改回 running
func finished(status models.TaskStatus) bool {
	return status == models.TaskCompleted || status == models.TaskFailed
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
