// Package timeline 把片段 / 分块 / 字幕投影为可渲染的有序字幕时间轴。
// 所有函数都是纯函数，不修改输入。
package timeline

import (
	"cmp"
	"slices"
	"sort"

	"github.com/z-wentao/livecaption/pkg/models"
)

const (
	// MinCaptionSeconds 字幕缺少合法结束时间时的默认时长
	MinCaptionSeconds = 0.2
	// FallbackChunkSeconds 任务未配置分块时长时的默认值
	FallbackChunkSeconds = 1.0
	// DefaultTargetLang 默认翻译语言
	DefaultTargetLang = "zh"
)

// Mode 字幕与分块时间的优先级策略
type Mode string

const (
	// ModeJob 任务级全有或全无：只要有字幕就只用字幕
	ModeJob Mode = "job"
	// ModeSegment 片段级：有字幕的片段用字幕，其余片段用分块推导
	ModeSegment Mode = "segment"
)

// Source 条目来源
type Source string

const (
	SourceCaption Source = "caption"
	SourceChunk   Source = "chunk"
)

// Options 投影参数
type Options struct {
	Mode              Mode
	DefaultTargetLang string
}

// Entry 可渲染的字幕条目，时间为任务全局秒数
type Entry struct {
	ID           string  `json:"id"`
	SegmentID    string  `json:"segmentId,omitempty"`
	SegmentIndex int     `json:"segmentIndex"`
	ChunkID      string  `json:"chunkId,omitempty"`
	Index        int     `json:"index"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Transcript   string  `json:"transcript"`
	Translation  string  `json:"translation"`
	TargetLang   string  `json:"targetLang"`
	Source       Source  `json:"source"`
}

// OrderedSegments 按 index 排序的副本（index 相同按 id）
func OrderedSegments(segments []models.Segment) []models.Segment {
	out := slices.Clone(segments)
	slices.SortStableFunc(out, func(a, b models.Segment) int {
		return cmp.Or(cmp.Compare(a.Index, b.Index), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// SegmentOffsets 计算每个片段在任务时间轴上的起点
// 片段时长未知或非正数时使用任务配置的 segment_seconds
func SegmentOffsets(job models.Job, segments []models.Segment) map[string]float64 {
	offsets := make(map[string]float64, len(segments))
	offset := 0.0
	for _, seg := range OrderedSegments(segments) {
		offsets[seg.ID] = offset
		if seg.DurationSeconds > 0 {
			offset += seg.DurationSeconds
		} else if job.SegmentSeconds > 0 {
			offset += job.SegmentSeconds
		}
	}
	return offsets
}

// Project 生成有序字幕时间轴
func Project(job models.Job, segments []models.Segment, chunks []models.Chunk, captions []models.Caption, opts Options) []Entry {
	defaultLang := opts.DefaultTargetLang
	if defaultLang == "" {
		defaultLang = DefaultTargetLang
	}
	jobLang := cmp.Or(job.TargetLang, defaultLang)

	segmentIndex := make(map[string]int, len(segments))
	for _, seg := range segments {
		segmentIndex[seg.ID] = seg.Index
	}

	if len(captions) == 0 {
		return fromChunks(job, segments, chunks, segmentIndex, defaultLang, nil)
	}

	if opts.Mode != ModeSegment {
		return fromCaptions(captions, segmentIndex, jobLang)
	}

	// 片段级合并：有字幕的片段跳过分块推导
	covered := make(map[string]bool)
	for _, c := range captions {
		if c.SegmentID != "" {
			covered[c.SegmentID] = true
		}
	}
	entries := fromCaptions(captions, segmentIndex, jobLang)
	entries = append(entries, fromChunks(job, segments, chunks, segmentIndex, defaultLang, covered)...)
	sortEntries(entries)
	return entries
}

func fromCaptions(captions []models.Caption, segmentIndex map[string]int, lang string) []Entry {
	entries := make([]Entry, 0, len(captions))
	for _, c := range captions {
		start := c.StartSeconds
		end := c.EndSeconds
		if !(end > start) {
			end = start + MinCaptionSeconds
		}
		entries = append(entries, Entry{
			ID:           c.ID,
			SegmentID:    c.SegmentID,
			SegmentIndex: segmentIndex[c.SegmentID],
			ChunkID:      c.ChunkID,
			Index:        c.Index,
			Start:        start,
			End:          end,
			Transcript:   c.TranscriptText,
			Translation:  c.TranslatedText,
			TargetLang:   lang,
			Source:       SourceCaption,
		})
	}
	sortEntries(entries)
	return entries
}

func fromChunks(job models.Job, segments []models.Segment, chunks []models.Chunk, segmentIndex map[string]int, defaultLang string, skip map[string]bool) []Entry {
	offsets := SegmentOffsets(job, segments)
	chunkSeconds := job.ChunkSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = FallbackChunkSeconds
	}

	entries := make([]Entry, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Status != models.TaskCompleted {
			continue
		}
		if ch.TranscriptText == "" && ch.TranslatedText == "" {
			continue
		}
		if skip[ch.SegmentID] {
			continue
		}

		start := offsets[ch.SegmentID] + ch.StartSeconds
		duration := ch.DurationSeconds
		if duration <= 0 {
			duration = chunkSeconds
		}
		entries = append(entries, Entry{
			ID:           ch.ID,
			SegmentID:    ch.SegmentID,
			SegmentIndex: segmentIndex[ch.SegmentID],
			ChunkID:      ch.ID,
			Index:        ch.Index,
			Start:        start,
			End:          start + duration,
			Transcript:   ch.TranscriptText,
			Translation:  ch.TranslatedText,
			TargetLang:   cmp.Or(ch.TargetLang, job.TargetLang, defaultLang),
			Source:       SourceChunk,
		})
	}
	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(a.Start, b.Start),
			cmp.Compare(a.End, b.End),
			cmp.Compare(a.Index, b.Index),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

// EntryAt 返回播放时间 t 所在的条目
// entries 需按 Start 升序；多个条目重叠时取最晚开始的那一个
func EntryAt(entries []Entry, t float64) (Entry, bool) {
	// 第一个 Start > t 的位置
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Start > t })
	for j := i - 1; j >= 0; j-- {
		if t < entries[j].End {
			return entries[j], true
		}
	}
	return Entry{}, false
}
