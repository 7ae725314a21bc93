package mesh

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsManager_SetAndGetNested(t *testing.T) {
	s := NewStatsManager()
	s.Set("chains::built", 3)
	assert.Equal(t, 3, s.Get("chains::built"))
	assert.Nil(t, s.Get("chains::missing"))
}

func TestStatsManager_Incr(t *testing.T) {
	s := NewStatsManager()
	s.Incr("hops::dead_tier", 1)
	s.Incr("hops::dead_tier", 2)
	assert.EqualValues(t, 3, s.Get("hops::dead_tier"))
}

func TestStatsManager_SetStringTruncatesLongValues(t *testing.T) {
	s := NewStatsManager()
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	s.SetString("rotations::last_error", string(long))

	got, ok := s.Get("rotations::last_error").(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(got), 256)
}

func TestStatsManager_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	s := NewStatsManager()
	s.Set("rotations::succeeded", 5)
	s.Save(path)

	s2 := NewStatsManager()
	s2.Load(path)
	assert.EqualValues(t, 5, s2.Get("rotations::succeeded"))
}

func TestStatsManager_LoadMissingFileIsNotFatal(t *testing.T) {
	s := NewStatsManager()
	s.Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Empty(t, s.Snapshot())
}

func TestShortText_TruncatesWithoutSplittingRunes(t *testing.T) {
	s := "hello, 世界"
	got := shortText(s, 9)
	assert.LessOrEqual(t, len(got), 9)

	short := "hi"
	assert.Equal(t, short, shortText(short, 9))
}
