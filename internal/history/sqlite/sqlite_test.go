package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	rec := history.Record{
		Key:           "abc",
		Progname:      "Game",
		Prefix:        "/data/prefixes/Game-abc",
		CorrelationID: "id-1",
		PIDs:          []int{10, 11},
		LaunchedAt:    time.Now().Add(-time.Minute).UTC(),
	}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventLaunched, OccurredAt: time.Now(), Record: rec}))
	rec.ExitCode = 3
	rec.LogPath = "/data/prefixes/Game-abc/game.log"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventFailed, OccurredAt: time.Now(), Record: rec}))

	got, err := sink.Recent(ctx, "abc", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventFailed, got[0].Event)
	assert.Equal(t, 3, got[0].ExitCode)
	assert.Equal(t, []int{10, 11}, got[0].PIDs)
	assert.Equal(t, rec.LogPath, got[0].LogPath)
	assert.Equal(t, history.EventLaunched, got[1].Event)
	assert.Empty(t, got[1].LogPath)
}

func TestSQLiteSink_InMemoryFiltersByKey(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for _, k := range []string{"a", "b", "a"} {
		require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventEnded, OccurredAt: time.Now(), Record: history.Record{Key: k}}))
	}
	a, err := sink.Recent(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, a, 2)
	all, err := sink.Recent(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
