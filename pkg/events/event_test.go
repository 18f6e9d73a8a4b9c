package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownVariants(t *testing.T) {
	tests := []struct {
		payload string
		want    Type
	}{
		{`{"type":"job_started"}`, TypeJobStarted},
		{`{"type":"job_progress","progress":0.5}`, TypeJobProgress},
		{`{"type":"totals","segments":2,"total_chunks":4}`, TypeTotals},
		{`{"type":"job_completed"}`, TypeJobCompleted},
		{`{"type":"job_failed","error":"boom"}`, TypeJobFailed},
		{`{"type":"segment_started","segment_id":"s1"}`, TypeSegmentStarted},
		{`{"type":"segment_completed","segment_id":"s1"}`, TypeSegmentCompleted},
		{`{"type":"segment_failed","segment_id":"s1","error":"x"}`, TypeSegmentFailed},
		{`{"type":"chunk_started","chunk_id":"c1"}`, TypeChunkStarted},
		{`{"type":"chunk_completed","chunk_id":"c1"}`, TypeChunkCompleted},
		{`{"type":"chunk_failed","chunk_id":"c1"}`, TypeChunkFailed},
		{`{"type":"segment_playback_preparing","segment_id":"s1"}`, TypeSegmentPlaybackPreparing},
		{`{"type":"segment_playback_ready","segment_id":"s1","playback_url":"u"}`, TypeSegmentPlaybackReady},
		{`{"type":"segment_playback_failed","segment_id":"s1"}`, TypeSegmentPlaybackFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			ev, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind())
		})
	}
}

func TestDecodeChunkCompletedFields(t *testing.T) {
	ev, err := Decode([]byte(`{
		"type":"chunk_completed","job_id":"j1","chunk_id":"c1","segment_id":"s1",
		"index":3,"start_seconds":0,"duration_seconds":5,
		"transcript":"hi","translation":"嗨","target_lang":"zh",
		"captions":[{"id":"cap1","start_seconds":0.5,"end_seconds":1.5}]
	}`))
	require.NoError(t, err)

	cc, ok := ev.(ChunkCompleted)
	require.True(t, ok)
	assert.Equal(t, "j1", cc.Job())
	assert.Equal(t, "c1", cc.ChunkID)
	require.NotNil(t, cc.SegmentID)
	assert.Equal(t, "s1", *cc.SegmentID)
	require.NotNil(t, cc.StartSeconds)
	assert.Equal(t, 0.0, *cc.StartSeconds)
	assert.Equal(t, 3, *cc.Index)
	assert.Equal(t, "嗨", *cc.Translation)
	require.Len(t, cc.Captions, 1)
	assert.Equal(t, "cap1", cc.Captions[0].ID)
}

func TestDecodeAbsentFieldsStayNil(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"chunk_started","chunk_id":"c1"}`))
	require.NoError(t, err)
	cs := ev.(ChunkStarted)
	assert.Nil(t, cs.SegmentID)
	assert.Nil(t, cs.Index)
	assert.Nil(t, cs.StartSeconds)
	assert.Nil(t, cs.DurationSeconds)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"progress":1}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`{"type":"segment_started"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"type":"chunk_completed","segment_id":"s1"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"type":"job_progress"}`))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeUnknownType(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"speaker_diarized","job_id":"j"}`))
	require.NoError(t, err)
	u, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, Type("speaker_diarized"), u.Kind())
	assert.Equal(t, "j", u.Job())
}

func TestPeekType(t *testing.T) {
	assert.Equal(t, TypeTotals, PeekType([]byte(`{"type":"totals"}`)))
	assert.Equal(t, Type(""), PeekType([]byte(`[`)))
}

func TestLogEvictsOldestFirst(t *testing.T) {
	l := NewLog(400)
	for i := 0; i < 450; i++ {
		l.Append(Record{Type: Type(fmt.Sprintf("e%d", i))})
	}

	records := l.Records()
	require.Len(t, records, 400)
	assert.Equal(t, Type("e50"), records[0].Type)
	assert.Equal(t, Type("e449"), records[399].Type)
	assert.Equal(t, int64(51), records[0].Seq)
	assert.False(t, records[0].ReceivedAt.IsZero())
}

func TestLogDefaultsAndSince(t *testing.T) {
	l := NewLog(0)
	assert.Equal(t, DefaultLogCap, l.Cap())

	l.Append(Record{Type: TypeJobStarted})
	l.Append(Record{Type: TypeJobProgress})
	l.Append(Record{Type: TypeJobCompleted})

	since := l.Since(1)
	require.Len(t, since, 2)
	assert.Equal(t, TypeJobProgress, since[0].Type)

	l.Reset()
	assert.Equal(t, 0, l.Len())
	r := l.Append(Record{Type: TypeTotals})
	assert.Equal(t, int64(4), r.Seq)
}
