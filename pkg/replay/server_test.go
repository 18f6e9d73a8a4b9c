package replay

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/retry"
	"github.com/z-wentao/livecaption/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func loadLecture(t *testing.T) *Fixture {
	t.Helper()
	f, err := LoadFixture("testdata/lecture.yaml")
	require.NoError(t, err)
	return f
}

func newBackend(t *testing.T, f *Fixture, pub queue.Publisher) (*Server, *jobapi.Client) {
	t.Helper()
	srv, err := NewServer(f, pub)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)

	client := jobapi.New(jobapi.Config{
		BaseURL: hs.URL,
		Timeout: 2 * time.Second,
		Retry:   retry.Config{MaxRetries: 0},
	})
	return srv, client
}

func TestParseFixture(t *testing.T) {
	f := loadLecture(t)
	assert.Equal(t, "job-1", f.Job.ID)
	assert.Equal(t, models.JobRunning, f.Job.Status)
	assert.Len(t, f.Segments, 2)
	require.Len(t, f.Events, 8)
	assert.Equal(t, 20*time.Millisecond, f.Events[1].Delay)

	payloads, err := f.payloads()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"job_progress","progress":0.25,"job_id":"job-1"}`, string(payloads[1]))

	_, err = ParseFixture([]byte("job:\n  status: running\n"))
	assert.Error(t, err)
	_, err = ParseFixture([]byte("job:\n  id: j\nevents:\n  - payload: {progress: 1}\n"))
	assert.Error(t, err)
}

func TestFollowOverSSE(t *testing.T) {
	srv, client := newBackend(t, loadLecture(t), nil)

	f := session.New(srv.JobID(), client, session.Options{Open: session.SSEOpener(client), PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	go srv.Play(context.Background(), 10)

	select {
	case <-f.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("没有等到任务结束")
	}

	job, _ := f.Jobs().Job()
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 2, job.TotalChunks)

	entries := f.Jobs().SubtitleEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "The ubiquitous cat", entries[0].Transcript)
	assert.InDelta(t, 10.0, entries[1].Start, 1e-9)
	assert.InDelta(t, 15.0, entries[1].End, 1e-9)

	seg, ok := f.Study().Segment("seg-0")
	require.True(t, ok)
	assert.Equal(t, models.PlaybackReady, seg.PlaybackStatus)
}

func TestStreamDropFallsBackToPolling(t *testing.T) {
	fixture := loadLecture(t)
	fixture.StreamDropAfter = 1
	srv, client := newBackend(t, fixture, nil)

	f := session.New(srv.JobID(), client, session.Options{Open: session.SSEOpener(client), PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	go srv.Play(context.Background(), 1)

	select {
	case <-f.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("轮询没有等到任务结束")
	}
	assert.True(t, f.Jobs().Terminal())
	assert.Len(t, f.Jobs().CompletedChunks(), 2)
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	srv, client := newBackend(t, loadLecture(t), nil)
	require.NoError(t, srv.Play(t.Context(), 100))

	es, err := client.StreamJob(t.Context(), srv.JobID(), "6")
	require.NoError(t, err)
	defer es.Close()

	var ids []string
	for m := range es.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"7", "8"}, ids)
}

func TestPlayPublishes(t *testing.T) {
	broker := queue.NewMemoryBroker(20)
	defer broker.Close()
	src := broker.Subscribe("job-1")

	srv, err := NewServer(loadLecture(t), broker)
	require.NoError(t, err)
	require.NoError(t, srv.Play(t.Context(), 100))
	assert.Equal(t, 8, srv.Played())

	require.NoError(t, src.Close())
	var n int
	for range src.Deliveries() {
		n++
	}
	assert.Equal(t, 8, n)
}

func TestBackendEndpoints(t *testing.T) {
	fixture := loadLecture(t)
	fixture.Captions = []models.Caption{
		{ID: "cap-1", SegmentID: "seg-1", StartSeconds: 10.5, EndSeconds: 12, TranscriptText: "sat"},
		{ID: "cap-0", SegmentID: "seg-0", StartSeconds: 1, EndSeconds: 2, TranscriptText: "cat"},
	}
	srv, client := newBackend(t, fixture, nil)
	ctx := t.Context()

	health, err := client.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	segs, err := client.GetSegmentsLive(ctx, srv.JobID())
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "seg-0", segs[0].ID)

	captions, err := client.GetCaptions(ctx, srv.JobID())
	require.NoError(t, err)
	assert.Len(t, captions, 2)

	relative, err := client.GetSegmentCaptions(ctx, "seg-1", true)
	require.NoError(t, err)
	require.Len(t, relative, 1)
	require.NotNil(t, relative[0].StartSeconds)
	assert.InDelta(t, 0.5, *relative[0].StartSeconds, 1e-9)

	_, err = client.GetJob(ctx, "missing")
	assert.True(t, jobapi.IsNotFound(err))

	report, err := client.GetSyncReport(ctx, srv.JobID())
	require.NoError(t, err)
	assert.EqualValues(t, 2, report["captions"])

	video := filepath.Join(t.TempDir(), "talk.mp4")
	require.NoError(t, os.WriteFile(video, []byte("fake video"), 0o644))
	job, err := client.CreateJob(ctx, jobapi.CreateJobRequest{FilePath: video, TargetLang: "zh"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "talk.mp4", job.Filename)
}
