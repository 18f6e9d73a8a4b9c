package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/storage"
)

// fakeBackend 内存里的任务后端
type fakeBackend struct {
	mu       sync.Mutex
	job      models.JobPatch
	segments []models.SegmentPatch
	chunks   []models.ChunkPatch
	err      error
	calls    int
	// onCaptions 在拉取字幕时调用，模拟首次加载期间到达的事件
	onCaptions func()
}

func (b *fakeBackend) GetJob(_ context.Context, jobID string) (models.JobPatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return models.JobPatch{}, b.err
	}
	p := b.job
	p.ID = jobID
	return p, nil
}

func (b *fakeBackend) GetSegmentsLive(context.Context, string) ([]models.SegmentPatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segments, nil
}

func (b *fakeBackend) GetChunks(context.Context, string) ([]models.ChunkPatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks, nil
}

func (b *fakeBackend) GetCaptions(context.Context, string) ([]models.CaptionPatch, error) {
	if b.onCaptions != nil {
		b.onCaptions()
	}
	return nil, nil
}

func (b *fakeBackend) setStatus(status models.JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.job.Status = models.Ptr(status)
}

func running() *fakeBackend {
	return &fakeBackend{
		job:      models.JobPatch{Status: models.Ptr(models.JobRunning), ChunkSeconds: models.Ptr(5.0)},
		segments: []models.SegmentPatch{{ID: "s1", Index: models.Ptr(0), DurationSeconds: models.Ptr(10.0)}},
	}
}

func waitDone(t *testing.T, f *Follower) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("follower 没有结束")
	}
}

func TestTerminalJobStopsAfterInitialLoad(t *testing.T) {
	backend := running()
	backend.setStatus(models.JobCompleted)
	snaps := storage.NewMemoryStore()
	broker := queue.NewMemoryBroker(10)
	defer broker.Close()

	f := New("j1", backend, Options{Snapshots: snaps, Open: BrokerOpener(broker)})
	require.NoError(t, f.Start(t.Context()))
	waitDone(t, f)

	assert.True(t, f.Jobs().Terminal())
	assert.False(t, f.Jobs().Connected())

	snap, err := snaps.Get(t.Context(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.Job.Status)
	assert.Len(t, snap.Segments, 1)
}

func TestTerminalSnapshotSkipsStream(t *testing.T) {
	snaps := storage.NewMemoryStore()
	require.NoError(t, snaps.Save(t.Context(), models.Snapshot{
		Job: models.Job{ID: "j1", Status: models.JobCompleted, Progress: 1},
	}))

	opened := false
	f := New("j1", running(), Options{
		Snapshots: snaps,
		Open: func(context.Context, string, string) (queue.Source, error) {
			opened = true
			return nil, errors.New("不应该打开事件流")
		},
	})
	require.NoError(t, f.Start(t.Context()))
	waitDone(t, f)

	assert.False(t, opened)
	assert.True(t, f.Jobs().Terminal())
}

func TestEventsDuringInitialLoadAreKept(t *testing.T) {
	broker := queue.NewMemoryBroker(10)
	defer broker.Close()

	backend := running()
	backend.onCaptions = func() {
		_ = broker.Publish(context.Background(), "j1", []byte(`{"type":"job_completed","job_id":"j1"}`))
	}

	f := New("j1", backend, Options{Open: BrokerOpener(broker), PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	waitDone(t, f)
	assert.True(t, f.Jobs().Terminal())
	assert.False(t, f.Jobs().Connected())
	assert.False(t, f.Jobs().Polling())
}

func TestReconnectsWithLastEventID(t *testing.T) {
	first := queue.NewMemoryBroker(10)
	second := queue.NewMemoryBroker(10)
	defer second.Close()

	var (
		mu     sync.Mutex
		resume []string
	)
	open := func(_ context.Context, jobID, lastEventID string) (queue.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		resume = append(resume, lastEventID)
		if len(resume) == 1 {
			return first.Subscribe(jobID), nil
		}
		return second.Subscribe(jobID), nil
	}
	opens := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(resume)
	}

	f := New("j1", running(), Options{Open: open, PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	require.Eventually(t, f.Jobs().Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, first.Publish(t.Context(), "j1", []byte(`{"type":"job_progress","job_id":"j1","progress":0.5}`)))
	require.Eventually(t, func() bool {
		job, _ := f.Jobs().Job()
		return job.Progress == 0.5
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return opens() == 2 && f.Jobs().Connected() }, time.Second, 5*time.Millisecond)
	require.NoError(t, second.Publish(t.Context(), "j1", []byte(`{"type":"job_completed","job_id":"j1"}`)))

	waitDone(t, f)
	assert.True(t, f.Jobs().Terminal())
	mu.Lock()
	assert.Equal(t, []string{"", "1"}, resume)
	mu.Unlock()
}

func TestEventsFromBroker(t *testing.T) {
	broker := queue.NewMemoryBroker(10)
	defer broker.Close()
	snaps := storage.NewMemoryStore()

	f := New("j1", running(), Options{Open: BrokerOpener(broker), Snapshots: snaps})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	require.Eventually(t, f.Jobs().Connected, time.Second, 5*time.Millisecond)

	publish := func(payload string) {
		require.NoError(t, broker.Publish(t.Context(), "j1", []byte(payload)))
	}
	publish(`{"type":"segment_playback_ready","job_id":"j1","segment_id":"s1","playback_url":"/v/s1.mp4"}`)
	publish(`{"type":"chunk_completed","job_id":"j1","chunk_id":"c1","segment_id":"s1","index":0,"start_seconds":0,"duration_seconds":5,"transcript":"hi","translation":"嗨"}`)
	publish(`{"type":"job_completed","job_id":"j1"}`)

	waitDone(t, f)

	job, ok := f.Jobs().Job()
	require.True(t, ok)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1.0, job.Progress)
	assert.False(t, f.Jobs().Connected())

	entries := f.Jobs().SubtitleEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Transcript)

	seg, ok := f.Study().Segment("s1")
	require.True(t, ok)
	assert.Equal(t, models.PlaybackReady, seg.PlaybackStatus)

	_, err := snaps.Get(t.Context(), "j1")
	assert.NoError(t, err)
}

func TestFallsBackToPolling(t *testing.T) {
	backend := running()
	f := New("j1", backend, Options{
		PollInterval: 10 * time.Millisecond,
		Open: func(context.Context, string, string) (queue.Source, error) {
			return nil, errors.New("连接被拒绝")
		},
	})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	require.Eventually(t, f.Jobs().Polling, time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	backend.chunks = []models.ChunkPatch{{ID: "c1", SegmentID: models.Ptr("s1"), Index: models.Ptr(0), TranscriptText: models.Ptr("polled")}}
	backend.mu.Unlock()
	backend.setStatus(models.JobFailed)

	waitDone(t, f)
	assert.True(t, f.Jobs().Terminal())
	assert.False(t, f.Jobs().Polling())
	require.Len(t, f.Jobs().Chunks(), 1)
	assert.Equal(t, "polled", f.Jobs().Chunks()[0].TranscriptText)
}

func TestStreamEndWithoutTerminalPolls(t *testing.T) {
	broker := queue.NewMemoryBroker(10)
	backend := running()
	f := New("j1", backend, Options{Open: BrokerOpener(broker), PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	require.Eventually(t, f.Jobs().Connected, time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Close())

	require.Eventually(t, f.Jobs().Polling, time.Second, 5*time.Millisecond)
	backend.setStatus(models.JobCompleted)
	waitDone(t, f)
	assert.True(t, f.Jobs().Terminal())
}

func TestInitialLoadFailure(t *testing.T) {
	backend := running()
	backend.err = errors.New("后端不可用")

	f := New("j1", backend, Options{})
	err := f.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "获取任务失败")
	assert.Equal(t, err.Error(), f.Jobs().Error())
	waitDone(t, f)

	assert.Error(t, f.Start(t.Context()))
}

func TestFailedStartKeepsExistingSnapshot(t *testing.T) {
	snaps := storage.NewMemoryStore()
	require.NoError(t, snaps.Save(t.Context(), models.Snapshot{
		Job:    models.Job{ID: "j1", Status: models.JobRunning, Progress: 0.4},
		Chunks: []models.Chunk{{ID: "c0", SegmentID: "s1", Status: models.TaskCompleted, TranscriptText: "cached"}},
	}))
	before, err := snaps.Get(t.Context(), "j1")
	require.NoError(t, err)

	backend := running()
	backend.err = errors.New("后端不可用")
	f := New("j1", backend, Options{Snapshots: snaps})
	require.Error(t, f.Start(t.Context()))
	f.Stop()

	after, err := snaps.Get(t.Context(), "j1")
	require.NoError(t, err)
	assert.Equal(t, before.SavedAt, after.SavedAt)
	assert.Len(t, after.Chunks, 1)
}

func TestStopSavesAndResets(t *testing.T) {
	snaps := storage.NewMemoryStore()
	f := New("j1", running(), Options{Snapshots: snaps, PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))

	f.Stop()
	f.Stop()

	_, ok := f.Jobs().Job()
	assert.False(t, ok)
	assert.Empty(t, f.Study().Segments())

	snap, err := snaps.Get(t.Context(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, snap.Job.Status)
}

func TestStopWithoutStart(t *testing.T) {
	f := New("j1", running(), Options{})
	f.Stop()
	waitDone(t, f)
}

func TestWarmStartFromSnapshot(t *testing.T) {
	snaps := storage.NewMemoryStore()
	require.NoError(t, snaps.Save(t.Context(), models.Snapshot{
		Job:    models.Job{ID: "j1", Status: models.JobRunning, ChunkSeconds: 5},
		Chunks: []models.Chunk{{ID: "c0", SegmentID: "s1", Index: 0, Status: models.TaskCompleted, TranscriptText: "cached"}},
	}))

	f := New("j1", running(), Options{Snapshots: snaps, PollInterval: time.Hour})
	require.NoError(t, f.Start(t.Context()))
	defer f.Stop()

	require.Len(t, f.Jobs().Chunks(), 1)
	assert.Equal(t, "cached", f.Jobs().Chunks()[0].TranscriptText)
}

func TestChangesFires(t *testing.T) {
	f := New("j1", running(), Options{PollInterval: time.Hour})
	ch := f.Changes()
	f.Study().SetActivePlayer("s1")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changes 没有触发")
	}
	f.Stop()
}

func TestRegistry(t *testing.T) {
	backend := running()
	created := 0
	r := NewRegistry(func(jobID string) *Follower {
		created++
		return New(jobID, backend, Options{PollInterval: time.Hour})
	})
	defer r.Close()

	a, isNew, err := r.Follow(t.Context(), "j1")
	require.NoError(t, err)
	assert.True(t, isNew)

	b, isNew, err := r.Follow(t.Context(), "j1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)

	_, _, err = r.Follow(t.Context(), "j2")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, r.JobIDs())

	assert.True(t, r.Unfollow("j1"))
	assert.False(t, r.Unfollow("j1"))
	_, ok := r.Get("j1")
	assert.False(t, ok)

	backend.mu.Lock()
	backend.err = errors.New("down")
	backend.mu.Unlock()
	_, _, err = r.Follow(t.Context(), "j3")
	assert.Error(t, err)
	assert.Equal(t, []string{"j2"}, r.JobIDs())
}

// gatedBackend 对 slow 任务的 GetJob 阻塞到 release 关闭
type gatedBackend struct {
	*fakeBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBackend) GetJob(ctx context.Context, jobID string) (models.JobPatch, error) {
	if jobID == "slow" {
		b.once.Do(func() { close(b.entered) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return models.JobPatch{}, ctx.Err()
		}
	}
	return b.fakeBackend.GetJob(ctx, jobID)
}

func TestRegistryDoesNotBlockOnSlowStart(t *testing.T) {
	backend := &gatedBackend{fakeBackend: running(), entered: make(chan struct{}), release: make(chan struct{})}
	var (
		mu      sync.Mutex
		created int
	)
	r := NewRegistry(func(jobID string) *Follower {
		mu.Lock()
		created++
		mu.Unlock()
		return New(jobID, backend, Options{PollInterval: time.Hour})
	})
	defer r.Close()

	type result struct {
		f       *Follower
		created bool
		err     error
	}
	results := make(chan result, 2)
	follow := func() {
		f, isNew, err := r.Follow(context.Background(), "slow")
		results <- result{f, isNew, err}
	}
	go follow()
	<-backend.entered
	go follow()

	got := make(chan struct{})
	go func() {
		defer close(got)
		_, ok := r.Get("slow")
		assert.False(t, ok)
		_, _, err := r.Follow(context.Background(), "other")
		assert.NoError(t, err)
		assert.Equal(t, []string{"other"}, r.JobIDs())
	}()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("慢任务首次加载期间注册表被阻塞")
	}

	close(backend.release)
	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.f, b.f)
	assert.NotEqual(t, a.created, b.created)

	mu.Lock()
	assert.Equal(t, 2, created)
	mu.Unlock()
	assert.Equal(t, []string{"other", "slow"}, r.JobIDs())
}
