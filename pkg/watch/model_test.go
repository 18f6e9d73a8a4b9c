package watch

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/session"
)

type backend struct{}

func (backend) GetJob(_ context.Context, id string) (models.JobPatch, error) {
	return models.JobPatch{ID: id, Status: models.Ptr(models.JobRunning), Progress: models.Ptr(0.5), ChunkSeconds: models.Ptr(5.0)}, nil
}

func (backend) GetSegmentsLive(context.Context, string) ([]models.SegmentPatch, error) {
	return []models.SegmentPatch{
		{ID: "s1", Index: models.Ptr(0), Status: models.Ptr(models.TaskCompleted)},
		{ID: "s2", Index: models.Ptr(1)},
	}, nil
}

func (backend) GetChunks(context.Context, string) ([]models.ChunkPatch, error) {
	return []models.ChunkPatch{{
		ID:              "c1",
		SegmentID:       models.Ptr("s1"),
		Index:           models.Ptr(0),
		Status:          models.Ptr(models.TaskCompleted),
		StartSeconds:    models.Ptr(65.0),
		DurationSeconds: models.Ptr(5.0),
		TranscriptText:  models.Ptr("hello"),
		TranslatedText:  models.Ptr("你好"),
	}}, nil
}

func (backend) GetCaptions(context.Context, string) ([]models.CaptionPatch, error) {
	return nil, nil
}

func newModel(t *testing.T) Model {
	t.Helper()
	f := session.New("j1", backend{}, session.Options{PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))
	t.Cleanup(f.Stop)
	return NewModel(f)
}

func TestViewShowsProgressAndCaptions(t *testing.T) {
	view := newModel(t).View()

	assert.Contains(t, view, "j1")
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "50%")
	assert.Contains(t, view, "01:05")
	assert.Contains(t, view, "hello")
	assert.Contains(t, view, "你好")
}

func TestToggleTranslation(t *testing.T) {
	m := newModel(t)
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("t")})
	assert.NotContains(t, next.View(), "你好")
	assert.Contains(t, next.View(), "hello")
}

func TestQuit(t *testing.T) {
	m := newModel(t)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, next.View())
}

func TestChangeRearmsWatcher(t *testing.T) {
	m := newModel(t)
	_, cmd := m.Update(changedMsg{})
	require.NotNil(t, cmd)

	got := make(chan tea.Msg, 1)
	go func() { got <- cmd() }()
	m.follower.Study().SetActivePlayer("s1")

	select {
	case msg := <-got:
		assert.Equal(t, changedMsg{}, msg)
	case <-time.After(time.Second):
		t.Fatal("没有收到修改通知")
	}
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[█████░░░░░]", progressBar(0.5, 10))
	assert.Equal(t, "[░░░░░░░░░░]", progressBar(-1, 10))
	assert.Equal(t, "[██████████]", progressBar(2, 10))
}
