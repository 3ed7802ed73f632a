package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()

	dir, err := os.MkdirTemp(sqliteTests.workingDir, "snap")
	require.NoError(t, err)
	snapPath := filepath.Join(dir, "store.tss")

	s, err := OpenSnapshot(ctx, snapPath)
	require.NoError(t, err)
	require.NoError(t, s.DefineTable(ctx, "items"))
	require.NoError(t, s.Upsert(ctx, "items", record.New("r1", map[string]any{"name": "alpha"})))
	require.NoError(t, s.Close())

	// The snapshot file now exists and begins with the magic header.
	data, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	require.Greater(t, len(data), snapshotHeaderSize)
	require.Equal(t, snapshotHeader, data[:snapshotHeaderSize])

	// Reopening the snapshot sees the written row.
	s2, err := OpenSnapshot(ctx, snapPath)
	require.NoError(t, err)
	require.NoError(t, s2.DefineTable(ctx, "items"))
	got, err := s2.Lookup(ctx, "items", "r1")
	require.NoError(t, err)
	name, _ := got.Field("name")
	require.Equal(t, "alpha", name)
	require.NoError(t, s2.Close())
}

func TestSnapshotNoWritesLeavesNoFile(t *testing.T) {
	ctx := context.Background()

	dir, err := os.MkdirTemp(sqliteTests.workingDir, "snap")
	require.NoError(t, err)
	snapPath := filepath.Join(dir, "store.tss")

	s, err := OpenSnapshot(ctx, snapPath)
	require.NoError(t, err)
	require.NoError(t, s.DefineTable(ctx, "items"))
	_, err = s.List(ctx, "items", query.Filter{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(snapPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshotRejectsBadHeader(t *testing.T) {
	ctx := context.Background()

	dir, err := os.MkdirTemp(sqliteTests.workingDir, "snap")
	require.NoError(t, err)
	snapPath := filepath.Join(dir, "store.tss")
	require.NoError(t, os.WriteFile(snapPath, []byte("not a snapshot"), 0644))

	_, err = OpenSnapshot(ctx, snapPath)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}
