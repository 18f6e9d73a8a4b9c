package reconcile

import (
	"cmp"
	"slices"

	"github.com/z-wentao/livecaption/pkg/models"
)

// CompareCaptions 字幕排序规则：(start, end, index, id) 升序
// id 作为最后的决胜条件，乱序到达时渲染顺序依然稳定
func CompareCaptions(a, b models.Caption) int {
	return cmp.Or(
		cmp.Compare(a.StartSeconds, b.StartSeconds),
		cmp.Compare(a.EndSeconds, b.EndSeconds),
		cmp.Compare(a.Index, b.Index),
		cmp.Compare(a.ID, b.ID),
	)
}

// SortCaptions 原地排序
func SortCaptions(list []models.Caption) {
	slices.SortStableFunc(list, CompareCaptions)
}

// CaptionGroups 按片段分组的字幕（segment id -> 有序字幕列表）
type CaptionGroups struct {
	groups map[string][]models.Caption
}

// NewCaptionGroups 创建空分组
func NewCaptionGroups() *CaptionGroups {
	return &CaptionGroups{groups: make(map[string][]models.Caption)}
}

// Upsert 批量合并一个片段的字幕，合并后重新排序
// 没有 id 的字幕会被丢弃
func (g *CaptionGroups) Upsert(segmentID string, patches []models.CaptionPatch) {
	if segmentID == "" || len(patches) == 0 {
		return
	}

	merged := NewCollection(func(c *models.Caption) string { return c.ID })
	merged.Replace(g.groups[segmentID])
	for _, p := range patches {
		merged.Upsert(p.ID, func(c *models.Caption, created bool) {
			if created {
				c.ID = p.ID
				c.SegmentID = segmentID
			}
			c.Apply(p)
		})
	}

	list := merged.Items()
	SortCaptions(list)
	g.groups[segmentID] = list
}

// Set 整体替换一个片段的字幕
func (g *CaptionGroups) Set(segmentID string, captions []models.Caption) {
	if segmentID == "" {
		return
	}
	list := make([]models.Caption, 0, len(captions))
	for _, c := range captions {
		if c.ID != "" {
			list = append(list, c)
		}
	}
	SortCaptions(list)
	g.groups[segmentID] = list
}

// Get 返回一个片段字幕的副本
func (g *CaptionGroups) Get(segmentID string) []models.Caption {
	return slices.Clone(g.groups[segmentID])
}

// SegmentIDs 已有字幕的片段 id（排序后）
func (g *CaptionGroups) SegmentIDs() []string {
	ids := make([]string, 0, len(g.groups))
	for id := range g.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Reset 清空
func (g *CaptionGroups) Reset() {
	g.groups = make(map[string][]models.Caption)
}
