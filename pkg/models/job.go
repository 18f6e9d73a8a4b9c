package models

import "time"

// JobStatus 任务状态
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal 是否为终态（completed / failed）
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job 一个视频处理任务
type Job struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename,omitempty"`
	Status         JobStatus `json:"status"`
	Progress       float64   `json:"progress"`                  // 0-1
	TargetLang     string    `json:"target_lang,omitempty"`     // 翻译目标语言
	SegmentSeconds float64   `json:"segment_seconds,omitempty"` // 片段默认时长
	ChunkSeconds   float64   `json:"chunk_seconds,omitempty"`   // 分块默认时长
	TotalSegments  int       `json:"total_segments,omitempty"`
	TotalChunks    int       `json:"total_chunks,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// JobPatch 任务的部分更新，nil 字段表示保持原值
type JobPatch struct {
	ID             string     `json:"id"`
	Filename       *string    `json:"filename,omitempty"`
	Status         *JobStatus `json:"status,omitempty"`
	Progress       *float64   `json:"progress,omitempty"`
	TargetLang     *string    `json:"target_lang,omitempty"`
	SegmentSeconds *float64   `json:"segment_seconds,omitempty"`
	ChunkSeconds   *float64   `json:"chunk_seconds,omitempty"`
	TotalSegments  *int       `json:"total_segments,omitempty"`
	TotalChunks    *int       `json:"total_chunks,omitempty"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// Apply 合并部分更新
func (j *Job) Apply(p JobPatch) {
	if p.ID != "" {
		j.ID = p.ID
	}
	set(&j.Filename, p.Filename)
	set(&j.Status, p.Status)
	set(&j.Progress, p.Progress)
	set(&j.TargetLang, p.TargetLang)
	set(&j.SegmentSeconds, p.SegmentSeconds)
	set(&j.ChunkSeconds, p.ChunkSeconds)
	set(&j.TotalSegments, p.TotalSegments)
	set(&j.TotalChunks, p.TotalChunks)
	set(&j.Error, p.Error)
	set(&j.CreatedAt, p.CreatedAt)
}

// Snapshot 一个任务订阅的完整状态（持久化用）
type Snapshot struct {
	Job      Job       `json:"job"`
	Segments []Segment `json:"segments"`
	Chunks   []Chunk   `json:"chunks"`
	Captions []Caption `json:"captions"`
	SavedAt  time.Time `json:"saved_at"`
}

// Ptr 返回 v 的指针，构造 patch 时使用
func Ptr[T any](v T) *T {
	return &v
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
