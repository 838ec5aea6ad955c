// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func testRun(started time.Time, errMsg string) Run {
	return Run{
		ID:              uuid.NewString(),
		StartedAt:       started,
		Duration:        42 * time.Second,
		Products:        []string{"field_capacity", "wilting_point"},
		BytesDownloaded: 1 << 20,
		GridFingerprint: "a1b2c3d4e5f60718",
		Resampling:      "cubic",
		Error:           errMsg,
	}
}

func TestHistory_RecordAndRecent(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.RecordRun(ctx, testRun(base, "")))
	require.NoError(t, h.RecordRun(ctx, testRun(base.Add(time.Hour), "download failed")))
	require.NoError(t, h.RecordRun(ctx, testRun(base.Add(2*time.Hour), "")))

	runs, err := h.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	// Newest first.
	assert.Equal(t, base.Add(2*time.Hour), runs[0].StartedAt)
	assert.True(t, runs[0].Succeeded())
	assert.False(t, runs[1].Succeeded())
	assert.Equal(t, []string{"field_capacity", "wilting_point"}, runs[0].Products)
	assert.Equal(t, int64(1<<20), runs[0].BytesDownloaded)
	assert.Equal(t, 42*time.Second, runs[0].Duration)
}

func TestHistory_RecentRunsLimit(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordRun(ctx, testRun(base.Add(time.Duration(i)*time.Minute), "")))
	}

	runs, err := h.RecentRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestHistory_LastSuccess(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	_, err := h.LastSuccess(ctx)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.RecordRun(ctx, testRun(base, "")))
	require.NoError(t, h.RecordRun(ctx, testRun(base.Add(time.Hour), "boom")))

	last, err := h.LastSuccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, base, last.StartedAt)
	assert.True(t, last.Succeeded())
}

func TestHistory_Prune(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.RecordRun(ctx, testRun(base, "")))
	require.NoError(t, h.RecordRun(ctx, testRun(base.Add(48*time.Hour), "")))

	deleted, err := h.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runs, err := h.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHistory_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h1.RecordRun(ctx, testRun(time.Now().UTC(), "")))
	require.NoError(t, h1.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = h2.Close() }()

	runs, err := h2.RecentRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
