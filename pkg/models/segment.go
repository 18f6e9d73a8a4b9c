package models

// TaskStatus 片段 / 分块的处理状态
type TaskStatus string

const (
	TaskUnspecified TaskStatus = ""
	TaskPending     TaskStatus = "pending"
	TaskRunning     TaskStatus = "running"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
)

// PlaybackStatus 片段播放准备状态，与处理状态相互独立
type PlaybackStatus string

const (
	PlaybackNone      PlaybackStatus = ""
	PlaybackPreparing PlaybackStatus = "preparing"
	PlaybackReady     PlaybackStatus = "ready"
	PlaybackFailed    PlaybackStatus = "failed"
)

// Segment 源视频的一个连续片段
type Segment struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id,omitempty"`
	Index           int            `json:"index"` // 从 0 开始，任务内连续
	Status          TaskStatus     `json:"status,omitempty"`
	Error           string         `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"` // 0 表示未知
	PlaybackStatus  PlaybackStatus `json:"playback_status,omitempty"`
	PlaybackURL     string         `json:"playback_url,omitempty"`
	PlaybackError   string         `json:"playback_error,omitempty"`

	// Partial 由事件创建的占位记录，Index 尚不可信
	Partial bool `json:"partial,omitempty"`
}

// SegmentPatch 片段的部分更新
type SegmentPatch struct {
	ID              string          `json:"id"`
	JobID           *string         `json:"job_id,omitempty"`
	Index           *int            `json:"index,omitempty"`
	Status          *TaskStatus     `json:"status,omitempty"`
	Error           *string         `json:"error,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	PlaybackStatus  *PlaybackStatus `json:"playback_status,omitempty"`
	PlaybackURL     *string         `json:"playback_url,omitempty"`
	PlaybackError   *string         `json:"playback_error,omitempty"`
}

// Apply 合并部分更新；带 Index 的更新会把占位记录转为完整记录
func (s *Segment) Apply(p SegmentPatch) {
	set(&s.JobID, p.JobID)
	set(&s.Index, p.Index)
	set(&s.Status, p.Status)
	set(&s.Error, p.Error)
	set(&s.DurationSeconds, p.DurationSeconds)
	set(&s.PlaybackStatus, p.PlaybackStatus)
	set(&s.PlaybackURL, p.PlaybackURL)
	set(&s.PlaybackError, p.PlaybackError)
	if p.Index != nil {
		s.Partial = false
	}
}

// Chunk 片段内的转录分块
type Chunk struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id,omitempty"`
	SegmentID       string     `json:"segment_id"`
	Index           int        `json:"index"`
	Status          TaskStatus `json:"status,omitempty"`
	StartSeconds    float64    `json:"start_seconds"` // 相对片段起点
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	TranscriptText  string     `json:"transcript_text,omitempty"`
	TranslatedText  string     `json:"translated_text,omitempty"`
	TargetLang      string     `json:"target_lang,omitempty"`
	Error           string     `json:"error,omitempty"`

	Partial bool `json:"partial,omitempty"`
}

// ChunkPatch 分块的部分更新
type ChunkPatch struct {
	ID              string      `json:"id"`
	JobID           *string     `json:"job_id,omitempty"`
	SegmentID       *string     `json:"segment_id,omitempty"`
	Index           *int        `json:"index,omitempty"`
	Status          *TaskStatus `json:"status,omitempty"`
	StartSeconds    *float64    `json:"start_seconds,omitempty"`
	DurationSeconds *float64    `json:"duration_seconds,omitempty"`
	TranscriptText  *string     `json:"transcript_text,omitempty"`
	TranslatedText  *string     `json:"translated_text,omitempty"`
	TargetLang      *string     `json:"target_lang,omitempty"`
	Error           *string     `json:"error,omitempty"`
}

// Apply 合并部分更新；segment_id 与 index 都已知后不再是占位记录
func (c *Chunk) Apply(p ChunkPatch) {
	set(&c.JobID, p.JobID)
	set(&c.SegmentID, p.SegmentID)
	set(&c.Index, p.Index)
	set(&c.Status, p.Status)
	set(&c.StartSeconds, p.StartSeconds)
	set(&c.DurationSeconds, p.DurationSeconds)
	set(&c.TranscriptText, p.TranscriptText)
	set(&c.TranslatedText, p.TranslatedText)
	set(&c.TargetLang, p.TargetLang)
	set(&c.Error, p.Error)
	if c.SegmentID != "" && p.Index != nil {
		c.Partial = false
	}
}

// Caption 时间轴上的字幕单元，时间为任务全局绝对秒数
type Caption struct {
	ID             string  `json:"id"`
	JobID          string  `json:"job_id,omitempty"`
	SegmentID      string  `json:"segment_id,omitempty"`
	ChunkID        string  `json:"chunk_id,omitempty"`
	Index          int     `json:"index"`
	StartSeconds   float64 `json:"start_seconds"`
	EndSeconds     float64 `json:"end_seconds"`
	TranscriptText string  `json:"transcript_text,omitempty"`
	TranslatedText string  `json:"translated_text,omitempty"`
}

// CaptionPatch 字幕的部分更新
type CaptionPatch struct {
	ID             string   `json:"id"`
	JobID          *string  `json:"job_id,omitempty"`
	SegmentID      *string  `json:"segment_id,omitempty"`
	ChunkID        *string  `json:"chunk_id,omitempty"`
	Index          *int     `json:"index,omitempty"`
	StartSeconds   *float64 `json:"start_seconds,omitempty"`
	EndSeconds     *float64 `json:"end_seconds,omitempty"`
	TranscriptText *string  `json:"transcript_text,omitempty"`
	TranslatedText *string  `json:"translated_text,omitempty"`
}

// Apply 合并部分更新
func (c *Caption) Apply(p CaptionPatch) {
	set(&c.JobID, p.JobID)
	set(&c.SegmentID, p.SegmentID)
	set(&c.ChunkID, p.ChunkID)
	set(&c.Index, p.Index)
	set(&c.StartSeconds, p.StartSeconds)
	set(&c.EndSeconds, p.EndSeconds)
	set(&c.TranscriptText, p.TranscriptText)
	set(&c.TranslatedText, p.TranslatedText)
}

// AsPatch 把完整记录转换为覆盖全部字段的 patch（用于批量刷新）
func (s Segment) AsPatch() SegmentPatch {
	return SegmentPatch{
		ID:              s.ID,
		JobID:           &s.JobID,
		Index:           &s.Index,
		Status:          &s.Status,
		Error:           &s.Error,
		DurationSeconds: &s.DurationSeconds,
		PlaybackStatus:  &s.PlaybackStatus,
		PlaybackURL:     &s.PlaybackURL,
		PlaybackError:   &s.PlaybackError,
	}
}

// AsPatch 分块完整记录转 patch
func (c Chunk) AsPatch() ChunkPatch {
	return ChunkPatch{
		ID:              c.ID,
		JobID:           &c.JobID,
		SegmentID:       &c.SegmentID,
		Index:           &c.Index,
		Status:          &c.Status,
		StartSeconds:    &c.StartSeconds,
		DurationSeconds: &c.DurationSeconds,
		TranscriptText:  &c.TranscriptText,
		TranslatedText:  &c.TranslatedText,
		TargetLang:      &c.TargetLang,
		Error:           &c.Error,
	}
}

// AsPatch 字幕完整记录转 patch
func (c Caption) AsPatch() CaptionPatch {
	return CaptionPatch{
		ID:             c.ID,
		JobID:          &c.JobID,
		SegmentID:      &c.SegmentID,
		ChunkID:        &c.ChunkID,
		Index:          &c.Index,
		StartSeconds:   &c.StartSeconds,
		EndSeconds:     &c.EndSeconds,
		TranscriptText: &c.TranscriptText,
		TranslatedText: &c.TranslatedText,
	}
}
