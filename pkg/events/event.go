package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/z-wentao/livecaption/pkg/models"
)

// Type 事件类型标签
type Type string

const (
	TypeJobStarted   Type = "job_started"
	TypeJobProgress  Type = "job_progress"
	TypeTotals       Type = "totals"
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"

	TypeSegmentStarted   Type = "segment_started"
	TypeSegmentCompleted Type = "segment_completed"
	TypeSegmentFailed    Type = "segment_failed"

	TypeChunkStarted   Type = "chunk_started"
	TypeChunkCompleted Type = "chunk_completed"
	TypeChunkFailed    Type = "chunk_failed"

	TypeSegmentPlaybackPreparing Type = "segment_playback_preparing"
	TypeSegmentPlaybackReady     Type = "segment_playback_ready"
	TypeSegmentPlaybackFailed    Type = "segment_playback_failed"
)

var (
	// ErrMalformed payload 不是合法的 JSON 对象
	ErrMalformed = errors.New("事件格式错误")
	// ErrMissingType payload 缺少 type 字段
	ErrMissingType = errors.New("事件缺少 type")
	// ErrMissingField 已知类型缺少必需字段（segment_id / chunk_id）
	ErrMissingField = errors.New("事件缺少必需字段")
)

// Event 服务端推送事件（封闭的 tagged union）
// 只有本包内的类型实现该接口
type Event interface {
	Kind() Type
	// Job 事件携带的 job_id，可能为空
	Job() string
	sealed()
}

// base 所有事件共享的字段
type base struct {
	JobID string
}

func (b base) Job() string { return b.JobID }
func (base) sealed()       {}

// JobStarted 任务开始
type JobStarted struct{ base }

// JobProgress 任务进度（0-1）
type JobProgress struct {
	base
	Progress float64
}

// Totals 片段 / 分块总数
type Totals struct {
	base
	Segments    *int
	TotalChunks *int
}

// JobCompleted 任务完成
type JobCompleted struct{ base }

// JobFailed 任务失败
type JobFailed struct {
	base
	Error string
}

// SegmentRef 片段事件的公共字段
type SegmentRef struct {
	base
	SegmentID    string
	SegmentIndex *int
}

// SegmentStarted 片段开始处理
type SegmentStarted struct{ SegmentRef }

// SegmentCompleted 片段处理完成
type SegmentCompleted struct{ SegmentRef }

// SegmentFailed 片段处理失败
type SegmentFailed struct {
	SegmentRef
	Error string
}

// SegmentPlaybackPreparing 片段播放文件准备中
type SegmentPlaybackPreparing struct{ SegmentRef }

// SegmentPlaybackReady 片段可以播放
type SegmentPlaybackReady struct {
	SegmentRef
	PlaybackURL string
}

// SegmentPlaybackFailed 片段播放准备失败
type SegmentPlaybackFailed struct {
	SegmentRef
	Error string
}

// ChunkRef 分块事件的公共字段，nil 表示 payload 中没有该字段
type ChunkRef struct {
	base
	ChunkID         string
	SegmentID       *string
	Index           *int
	StartSeconds    *float64
	DurationSeconds *float64
}

// ChunkStarted 分块开始转录
type ChunkStarted struct{ ChunkRef }

// ChunkCompleted 分块完成，可能内联携带字幕
type ChunkCompleted struct {
	ChunkRef
	Transcript  *string
	Translation *string
	TargetLang  *string
	Captions    []models.CaptionPatch
}

// ChunkFailed 分块失败
type ChunkFailed struct {
	ChunkRef
	Error string
}

// Unknown 未识别的事件类型（只记录，不处理）
type Unknown struct {
	base
	Type Type
}

func (JobStarted) Kind() Type               { return TypeJobStarted }
func (JobProgress) Kind() Type              { return TypeJobProgress }
func (Totals) Kind() Type                   { return TypeTotals }
func (JobCompleted) Kind() Type             { return TypeJobCompleted }
func (JobFailed) Kind() Type                { return TypeJobFailed }
func (SegmentStarted) Kind() Type           { return TypeSegmentStarted }
func (SegmentCompleted) Kind() Type         { return TypeSegmentCompleted }
func (SegmentFailed) Kind() Type            { return TypeSegmentFailed }
func (SegmentPlaybackPreparing) Kind() Type { return TypeSegmentPlaybackPreparing }
func (SegmentPlaybackReady) Kind() Type     { return TypeSegmentPlaybackReady }
func (SegmentPlaybackFailed) Kind() Type    { return TypeSegmentPlaybackFailed }
func (ChunkStarted) Kind() Type             { return TypeChunkStarted }
func (ChunkCompleted) Kind() Type           { return TypeChunkCompleted }
func (ChunkFailed) Kind() Type              { return TypeChunkFailed }
func (u Unknown) Kind() Type                { return u.Type }

// wire 线上 JSON 结构，字段名是对外契约
type wire struct {
	Type            Type                  `json:"type"`
	JobID           string                `json:"job_id"`
	SegmentID       *string               `json:"segment_id"`
	SegmentIndex    *int                  `json:"segment_index"`
	ChunkID         string                `json:"chunk_id"`
	Index           *int                  `json:"index"`
	StartSeconds    *float64              `json:"start_seconds"`
	DurationSeconds *float64              `json:"duration_seconds"`
	Transcript      *string               `json:"transcript"`
	Translation     *string               `json:"translation"`
	TargetLang      *string               `json:"target_lang"`
	Error           *string               `json:"error"`
	Progress        *float64              `json:"progress"`
	Segments        *int                  `json:"segments"`
	TotalChunks     *int                  `json:"total_chunks"`
	PlaybackURL     *string               `json:"playback_url"`
	Captions        []models.CaptionPatch `json:"captions"`
}

// PeekType 只解析 type 字段（解析失败返回空）
func PeekType(payload []byte) Type {
	var w struct {
		Type Type `json:"type"`
	}
	if json.Unmarshal(payload, &w) != nil {
		return ""
	}
	return w.Type
}

// Decode 把 payload 解析为具体事件
// 未知 type 返回 Unknown，不返回错误（向前兼容）
func Decode(payload []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, ErrMissingType
	}

	b := base{JobID: w.JobID}
	errText := deref(w.Error)

	switch w.Type {
	case TypeJobStarted:
		return JobStarted{b}, nil
	case TypeJobProgress:
		if w.Progress == nil {
			return nil, fmt.Errorf("%w: %s 缺少 progress", ErrMissingField, w.Type)
		}
		return JobProgress{base: b, Progress: *w.Progress}, nil
	case TypeTotals:
		return Totals{base: b, Segments: w.Segments, TotalChunks: w.TotalChunks}, nil
	case TypeJobCompleted:
		return JobCompleted{b}, nil
	case TypeJobFailed:
		return JobFailed{base: b, Error: errText}, nil
	}

	switch w.Type {
	case TypeSegmentStarted, TypeSegmentCompleted, TypeSegmentFailed,
		TypeSegmentPlaybackPreparing, TypeSegmentPlaybackReady, TypeSegmentPlaybackFailed:
		segmentID := deref(w.SegmentID)
		if segmentID == "" {
			return nil, fmt.Errorf("%w: %s 缺少 segment_id", ErrMissingField, w.Type)
		}
		ref := SegmentRef{base: b, SegmentID: segmentID, SegmentIndex: w.SegmentIndex}
		switch w.Type {
		case TypeSegmentStarted:
			return SegmentStarted{ref}, nil
		case TypeSegmentCompleted:
			return SegmentCompleted{ref}, nil
		case TypeSegmentFailed:
			return SegmentFailed{SegmentRef: ref, Error: errText}, nil
		case TypeSegmentPlaybackPreparing:
			return SegmentPlaybackPreparing{ref}, nil
		case TypeSegmentPlaybackReady:
			return SegmentPlaybackReady{SegmentRef: ref, PlaybackURL: deref(w.PlaybackURL)}, nil
		default:
			return SegmentPlaybackFailed{SegmentRef: ref, Error: errText}, nil
		}

	case TypeChunkStarted, TypeChunkCompleted, TypeChunkFailed:
		if w.ChunkID == "" {
			return nil, fmt.Errorf("%w: %s 缺少 chunk_id", ErrMissingField, w.Type)
		}
		ref := ChunkRef{
			base:            b,
			ChunkID:         w.ChunkID,
			SegmentID:       w.SegmentID,
			Index:           w.Index,
			StartSeconds:    w.StartSeconds,
			DurationSeconds: w.DurationSeconds,
		}
		switch w.Type {
		case TypeChunkStarted:
			return ChunkStarted{ref}, nil
		case TypeChunkCompleted:
			return ChunkCompleted{
				ChunkRef:    ref,
				Transcript:  w.Transcript,
				Translation: w.Translation,
				TargetLang:  w.TargetLang,
				Captions:    w.Captions,
			}, nil
		default:
			return ChunkFailed{ChunkRef: ref, Error: errText}, nil
		}
	}

	return Unknown{base: b, Type: w.Type}, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
