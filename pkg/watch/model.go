// Package watch 在终端里实时显示任务进度和最新字幕
package watch

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/timeline"
)

// 同时显示的字幕条数
const visibleEntries = 8

// changedMsg store 有新修改
type changedMsg struct{}

// doneMsg Follower 已结束
type doneMsg struct{}

// Model 终端界面
type Model struct {
	follower    *session.Follower
	translation bool // 是否显示译文
	offset      int  // 从底部向上滚动的条数
	quitting    bool
}

// NewModel 创建界面
func NewModel(f *session.Follower) Model {
	return Model{follower: f, translation: true}
}

// Init 开始监听修改
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.follower), waitForDone(m.follower))
}

func waitForChange(f *session.Follower) tea.Cmd {
	ch := f.Changes()
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func waitForDone(f *session.Follower) tea.Cmd {
	return func() tea.Msg {
		<-f.Done()
		return doneMsg{}
	}
}

// Update 处理按键和 store 修改
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "t":
			m.translation = !m.translation
		case "k", "up":
			m.offset++
		case "j", "down":
			if m.offset > 0 {
				m.offset--
			}
		case "G", "end":
			m.offset = 0
		}
		return m, nil
	case changedMsg:
		return m, waitForChange(m.follower)
	case doneMsg:
		return m, nil
	}
	return m, nil
}

// View 渲染界面
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	store := m.follower.Jobs()
	job, _ := store.Job()

	var b strings.Builder
	b.WriteString(titleStyle.Render("livecaption · " + m.follower.JobID()))
	b.WriteString("\n")
	b.WriteString(m.statusLine(job))
	b.WriteString("\n")
	if msg := store.Error(); msg != "" {
		b.WriteString(errorStyle.Render("❌ " + msg))
		b.WriteString("\n")
	}
	b.WriteString(segmentLine(store.OrderedSegments()))
	b.WriteString("\n\n")
	b.WriteString(boxStyle.Render(m.captions(store.SubtitleEntries())))
	b.WriteString("\n")
	b.WriteString(infoStyle.Render(fmt.Sprintf("事件 %d · t 切换译文 · j/k 滚动 · q 退出", len(store.Events()))))
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusLine(job models.Job) string {
	store := m.follower.Jobs()
	link := "轮询"
	switch {
	case store.Connected():
		link = "实时"
	case !store.Polling():
		link = "空闲"
	}

	status := string(job.Status)
	if status == "" {
		status = "loading"
	}
	line := fmt.Sprintf("%s %s %3.0f%% · %s", progressBar(job.Progress, 20), status, job.Progress*100, link)
	switch job.Status {
	case models.JobFailed:
		return errorStyle.Render(line + " · " + job.Error)
	case models.JobCompleted:
		return statusStyle.Render(line)
	default:
		return line
	}
}

func (m Model) captions(entries []timeline.Entry) string {
	if len(entries) == 0 {
		return infoStyle.Render("等待字幕...")
	}
	end := len(entries) - min(m.offset, len(entries)-1)
	start := max(0, end-visibleEntries)

	lines := make([]string, 0, (end-start)*2)
	for _, e := range entries[start:end] {
		lines = append(lines, fmt.Sprintf("%s  %s", infoStyle.Render(clock(e.Start)), e.Transcript))
		if m.translation && e.Translation != "" {
			lines = append(lines, "       "+statusStyle.Render(e.Translation))
		}
	}
	return strings.Join(lines, "\n")
}

// progressBar 例如 [██████░░░░]
func progressBar(progress float64, width int) string {
	filled := int(progress*float64(width) + 0.5)
	filled = max(0, min(width, filled))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// segmentLine 每个片段一个符号
func segmentLine(segments []models.Segment) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("片段 ")
	for _, s := range segments {
		switch s.Status {
		case models.TaskCompleted:
			b.WriteString(statusStyle.Render("●"))
		case models.TaskFailed:
			b.WriteString(errorStyle.Render("✗"))
		case models.TaskRunning:
			b.WriteString("◐")
		default:
			b.WriteString(infoStyle.Render("○"))
		}
	}
	return b.String()
}

// clock 秒数转 mm:ss
func clock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
