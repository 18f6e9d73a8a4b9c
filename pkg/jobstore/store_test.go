package jobstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z-wentao/livecaption/pkg/events"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/timeline"
)

type fakeConn struct{ closed int }

func (c *fakeConn) Close() error { c.closed++; return nil }

type fakeTimer struct{ stopped int }

func (t *fakeTimer) Stop() { t.stopped++ }

func apply(t *testing.T, s *Store, payload string) Outcome {
	t.Helper()
	return s.ApplyPayload([]byte(payload))
}

const chunkCompleted = `{"type":"chunk_completed","chunk_id":"c1","segment_id":"s1","index":0,"start_seconds":0,"duration_seconds":5,"transcript":"hi","translation":"嗨","target_lang":"zh"}`

func TestChunkCompletedIsIdempotent(t *testing.T) {
	once := New(Options{})
	apply(t, once, chunkCompleted)

	twice := New(Options{})
	apply(t, twice, chunkCompleted)
	apply(t, twice, chunkCompleted)

	assert.Equal(t, once.Chunks(), twice.Chunks())
	require.Len(t, twice.Chunks(), 1)

	ch := twice.Chunks()[0]
	assert.Equal(t, models.TaskCompleted, ch.Status)
	assert.Equal(t, "hi", ch.TranscriptText)
	assert.Equal(t, "嗨", ch.TranslatedText)
	assert.False(t, ch.Partial)
}

func TestChunkEventsAreOrderIndependent(t *testing.T) {
	started := `{"type":"chunk_started","chunk_id":"c1","segment_id":"s1","index":0,"start_seconds":0,"duration_seconds":5}`

	forward := New(Options{})
	apply(t, forward, started)
	apply(t, forward, chunkCompleted)

	reverse := New(Options{})
	apply(t, reverse, chunkCompleted)
	apply(t, reverse, started)

	assert.Equal(t, forward.Chunks(), reverse.Chunks())
	assert.Equal(t, models.TaskCompleted, reverse.Chunks()[0].Status)

	// 审计日志保留各自的到达顺序
	assert.Equal(t, events.TypeChunkStarted, forward.Events()[0].Type)
	assert.Equal(t, events.TypeChunkCompleted, reverse.Events()[0].Type)
}

func TestSegmentOffsetsAcrossSegments(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1", SegmentSeconds: 10})
	s.UpsertSegments([]models.SegmentPatch{
		{ID: "s1", Index: models.Ptr(0), DurationSeconds: models.Ptr(10.0)},
		{ID: "s2", Index: models.Ptr(1), DurationSeconds: models.Ptr(15.0)},
		{ID: "s3", Index: models.Ptr(2), DurationSeconds: models.Ptr(20.0)},
	})
	apply(t, s, `{"type":"chunk_completed","chunk_id":"c9","segment_id":"s3","index":0,"start_seconds":5,"duration_seconds":2,"transcript":"third"}`)

	offsets := s.SegmentOffsets()
	assert.Equal(t, map[string]float64{"s1": 0, "s2": 10, "s3": 25}, offsets)

	entries := s.SubtitleEntries()
	require.Len(t, entries, 1)
	assert.InDelta(t, 30.0, entries[0].Start, 1e-9)
	assert.InDelta(t, 32.0, entries[0].End, 1e-9)
}

func TestCaptionsTakePrecedenceOverChunks(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1", TargetLang: "ja"})
	apply(t, s, `{"type":"segment_started","segment_id":"s1","segment_index":0}`)
	apply(t, s, chunkCompleted)
	s.UpsertCaption(models.CaptionPatch{
		ID:             "cap1",
		SegmentID:      models.Ptr("s1"),
		StartSeconds:   models.Ptr(1.0),
		EndSeconds:     models.Ptr(1.0),
		TranscriptText: models.Ptr("caption"),
	})

	entries := s.SubtitleEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "caption", entries[0].Transcript)
	assert.Equal(t, timeline.SourceCaption, entries[0].Source)
	assert.InDelta(t, 1.2, entries[0].End, 1e-9)
	assert.Equal(t, "ja", entries[0].TargetLang)
}

func TestInlineCaptionsAreMerged(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1"})
	apply(t, s, `{"type":"chunk_completed","chunk_id":"c1","segment_id":"s1","index":0,"transcript":"hi",
		"captions":[{"id":"k2","start_seconds":2,"end_seconds":3},{"id":"k1","start_seconds":0,"end_seconds":1},{"start_seconds":9}]}`)

	caps := s.Captions()
	require.Len(t, caps, 2)
	for _, c := range caps {
		assert.Equal(t, "c1", c.ChunkID)
		assert.Equal(t, "s1", c.SegmentID)
		assert.Equal(t, "j1", c.JobID)
	}

	entries := s.SubtitleEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", entries[0].ID)
	assert.Equal(t, "k2", entries[1].ID)
}

func TestAuditLogIsBounded(t *testing.T) {
	s := New(Options{})
	for i := range 450 {
		apply(t, s, fmt.Sprintf(`{"type":"job_progress","progress":%g}`, float64(i)/1000))
	}

	records := s.Events()
	require.Len(t, records, events.DefaultLogCap)
	assert.Equal(t, int64(51), records[0].Seq)
	assert.Equal(t, int64(450), records[len(records)-1].Seq)
}

func TestTerminalLock(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1", Status: models.JobRunning, Progress: 0.4})
	conn, timer := &fakeConn{}, &fakeTimer{}
	s.AttachEventSource(conn)
	s.AttachPollTimer(timer)

	out := apply(t, s, `{"type":"job_completed","job_id":"j1"}`)
	assert.True(t, out.Applied)
	assert.True(t, out.Terminal)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 1, timer.stopped)
	assert.False(t, s.Connected())
	assert.False(t, s.Polling())

	for _, payload := range []string{
		`{"type":"job_progress","progress":0.2}`,
		`{"type":"job_started"}`,
		`{"type":"job_failed","error":"late"}`,
		`{"type":"totals","segments":9}`,
	} {
		out := apply(t, s, payload)
		assert.False(t, out.Applied, payload)
		assert.Equal(t, ReasonTerminal, out.Reason, payload)
	}

	job, ok := s.Job()
	require.True(t, ok)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1.0, job.Progress)
	assert.Empty(t, job.Error)
	assert.Zero(t, job.TotalSegments)
	assert.Len(t, s.Events(), 5)

	s.UpdateJob(models.JobPatch{Status: models.Ptr(models.JobRunning), Progress: models.Ptr(0.1), Filename: models.Ptr("a.mp4")})
	job, _ = s.Job()
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "a.mp4", job.Filename)
}

func TestJobFailedFreezesProgress(t *testing.T) {
	s := New(Options{})
	apply(t, s, `{"type":"job_progress","progress":0.3}`)
	out := apply(t, s, `{"type":"job_failed","error":"转录失败"}`)
	assert.True(t, out.Terminal)

	job, _ := s.Job()
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 0.3, job.Progress)
	assert.Equal(t, "转录失败", job.Error)
}

func TestProgressIsClamped(t *testing.T) {
	s := New(Options{})
	apply(t, s, `{"type":"job_progress","progress":1.7}`)
	job, _ := s.Job()
	assert.Equal(t, 1.0, job.Progress)

	apply(t, s, `{"type":"job_progress","progress":-2}`)
	job, _ = s.Job()
	assert.Equal(t, 0.0, job.Progress)
}

func TestEndToEndScenario(t *testing.T) {
	s := New(Options{})
	apply(t, s, `{"type":"totals","segments":2,"total_chunks":4}`)
	apply(t, s, `{"type":"segment_started","segment_id":"s1","segment_index":0}`)
	apply(t, s, chunkCompleted)

	job, _ := s.Job()
	assert.Equal(t, 2, job.TotalSegments)
	assert.Equal(t, 4, job.TotalChunks)

	entries := s.SubtitleEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, 0.0, entries[0].Start)
	assert.Equal(t, 5.0, entries[0].End)
	assert.Equal(t, "hi", entries[0].Transcript)
	assert.Equal(t, "嗨", entries[0].Translation)
}

func TestResetClearsEverything(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1"})
	apply(t, s, `{"type":"segment_started","segment_id":"s1"}`)
	apply(t, s, chunkCompleted)
	s.UpsertCaption(models.CaptionPatch{ID: "k1", StartSeconds: models.Ptr(0.0)})
	s.SetError("刷新失败")
	conn := &fakeConn{}
	s.AttachEventSource(conn)

	s.Reset()

	_, ok := s.Job()
	assert.False(t, ok)
	assert.Empty(t, s.Segments())
	assert.Empty(t, s.Chunks())
	assert.Empty(t, s.Captions())
	assert.Empty(t, s.Events())
	assert.Empty(t, s.SubtitleEntries())
	assert.Empty(t, s.Error())
	assert.False(t, s.Connected())
	assert.Equal(t, 1, conn.closed)
}

func TestPlaceholdersForUnseenIDs(t *testing.T) {
	s := New(Options{})
	apply(t, s, `{"type":"segment_completed","segment_id":"s7"}`)
	apply(t, s, `{"type":"chunk_failed","chunk_id":"c3","error":"timeout"}`)

	segs := s.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, 0, segs[0].Index)
	assert.True(t, segs[0].Partial)
	assert.Equal(t, models.TaskCompleted, segs[0].Status)

	chunks := s.Chunks()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Partial)
	assert.Equal(t, "timeout", chunks[0].Error)

	// 全量刷新补全占位记录
	s.UpsertSegments([]models.SegmentPatch{{ID: "s7", Index: models.Ptr(3)}})
	segs = s.Segments()
	assert.Equal(t, 3, segs[0].Index)
	assert.False(t, segs[0].Partial)
	assert.Equal(t, models.TaskCompleted, segs[0].Status)
}

func TestPlaybackEventsAreOrthogonal(t *testing.T) {
	s := New(Options{})
	apply(t, s, `{"type":"segment_completed","segment_id":"s1","segment_index":0}`)
	apply(t, s, `{"type":"segment_playback_failed","segment_id":"s1","error":"ffmpeg"}`)
	apply(t, s, `{"type":"segment_playback_preparing","segment_id":"s1"}`)
	apply(t, s, `{"type":"segment_playback_ready","segment_id":"s1","playback_url":"/v/s1.mp4"}`)

	seg := s.Segments()[0]
	assert.Equal(t, models.TaskCompleted, seg.Status)
	assert.Equal(t, models.PlaybackReady, seg.PlaybackStatus)
	assert.Equal(t, "/v/s1.mp4", seg.PlaybackURL)
	assert.Empty(t, seg.PlaybackError)
}

func TestDroppedAndIgnoredPayloads(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1"})

	out := apply(t, s, `{"segment_id":"s1"}`)
	assert.False(t, out.Audited)
	out = apply(t, s, `not json`)
	assert.False(t, out.Audited)
	assert.Equal(t, ReasonMalformed, out.Reason)

	out = apply(t, s, `{"type":"segment_started"}`)
	assert.Equal(t, ReasonMissingField, out.Reason)
	out = apply(t, s, `{"type":"story_generated","job_id":"j1"}`)
	assert.Equal(t, ReasonUnknown, out.Reason)
	out = apply(t, s, `{"type":"segment_started","job_id":"other","segment_id":"s1"}`)
	assert.Equal(t, ReasonJobMismatch, out.Reason)

	assert.Empty(t, s.Segments())
	records := s.Events()
	require.Len(t, records, 3)
	assert.Equal(t, events.TypeSegmentStarted, records[0].Type)
	assert.Equal(t, events.Type("story_generated"), records[1].Type)
	for _, r := range records {
		assert.False(t, r.Applied)
		assert.NotEmpty(t, r.Note)
	}
}

func TestChunkJobIDDefaultsToCurrentJob(t *testing.T) {
	s := New(Options{})
	s.SetJob(&models.Job{ID: "j1"})
	apply(t, s, chunkCompleted)
	assert.Equal(t, "j1", s.Chunks()[0].JobID)
}

func TestSubtitleEntriesMemoized(t *testing.T) {
	s := New(Options{})
	apply(t, s, chunkCompleted)

	first := s.SubtitleEntries()
	v := s.Version()
	second := s.SubtitleEntries()
	assert.Equal(t, first, second)
	assert.Equal(t, v, s.Version())

	// 返回值是副本
	second[0].Transcript = "changed"
	assert.Equal(t, "hi", s.SubtitleEntries()[0].Transcript)

	apply(t, s, `{"type":"chunk_completed","chunk_id":"c1","transcript":"hello"}`)
	assert.Equal(t, "hello", s.SubtitleEntries()[0].Transcript)
}

func TestChangesClosesOnMutation(t *testing.T) {
	s := New(Options{})
	ch := s.Changes()
	select {
	case <-ch:
		t.Fatal("closed before any change")
	default:
	}

	apply(t, s, `{"type":"job_started"}`)
	select {
	case <-ch:
	default:
		t.Fatal("not closed after change")
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := New(Options{})
	src.SetJob(&models.Job{ID: "j1", Status: models.JobRunning})
	apply(t, src, `{"type":"segment_started","segment_id":"s1","segment_index":0}`)
	apply(t, src, chunkCompleted)
	snap := src.Snapshot()

	dst := New(Options{})
	dst.Restore(snap)

	job, ok := dst.Job()
	require.True(t, ok)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, src.Segments(), dst.Segments())
	assert.Equal(t, src.Chunks(), dst.Chunks())
	assert.Equal(t, src.SubtitleEntries(), dst.SubtitleEntries())
}

func TestChunksBySegmentAndCompleted(t *testing.T) {
	s := New(Options{})
	s.UpsertChunks([]models.ChunkPatch{
		{ID: "b", SegmentID: models.Ptr("s1"), Index: models.Ptr(1), Status: models.Ptr(models.TaskRunning)},
		{ID: "a", SegmentID: models.Ptr("s1"), Index: models.Ptr(0), Status: models.Ptr(models.TaskCompleted)},
		{ID: "c", SegmentID: models.Ptr("s2"), Index: models.Ptr(0), Status: models.Ptr(models.TaskCompleted)},
	})

	groups := s.ChunksBySegment()
	require.Len(t, groups["s1"], 2)
	assert.Equal(t, "a", groups["s1"][0].ID)
	assert.Equal(t, "b", groups["s1"][1].ID)
	assert.Len(t, groups["s2"], 1)
	assert.Len(t, s.CompletedChunks(), 2)
}
