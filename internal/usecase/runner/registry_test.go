package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omniclaw/internal/domain"
)

func TestRegistryTrackKillRelease(t *testing.T) {
	r := NewRegistry(newTestLogger())
	track, release := r.Track("main", "run-1")

	h := &stubHandle{}
	track(h, "omniclaw-main")

	runs := r.List()
	require.Len(t, runs, 1)
	assert.Equal(t, "main", runs[0].Group)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 4242, runs[0].PID)

	require.NoError(t, r.Kill("main"))
	assert.True(t, h.Killed())

	release()
	assert.Empty(t, r.List())
	assert.ErrorIs(t, r.Kill("main"), domain.ErrNotFound)
}

func TestRegistryReleaseIgnoresNewerRun(t *testing.T) {
	r := NewRegistry(newTestLogger())
	track1, release1 := r.Track("g", "run-1")
	track1(&stubHandle{}, "a")
	track2, _ := r.Track("g", "run-2")
	track2(&stubHandle{}, "b")

	release1()
	runs := r.List()
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].RunID)
}

func TestRegistryKillAll(t *testing.T) {
	r := NewRegistry(newTestLogger())
	handles := []*stubHandle{{}, {}}
	for i, g := range []string{"a", "b"} {
		track, _ := r.Track(g, NewRunID())
		track(handles[i], g)
	}
	r.KillAll()
	for _, h := range handles {
		assert.Equal(t, int32(1), h.kills.Load())
	}
}

func TestNewRunIDSortable(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
