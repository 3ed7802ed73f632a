package sqlite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
)

// Snapshot files are a zstd-compressed sqlite database behind a small magic
// header. They are the portable at-rest form of a local store: cheap to copy
// between devices and safe to hand to support tooling.
var snapshotHeader = []byte("TSS1\x00")

const snapshotHeaderSize = 5

var ErrInvalidSnapshot = errors.New("sqlite: invalid snapshot file")

const (
	maxDecodedSizeEnvVar = "TABLESYNC_SNAPSHOT_MAX_DECODED_MB"
	maxMemoryEnvVar      = "TABLESYNC_SNAPSHOT_MAX_MEMORY_MB"
)

// OpenSnapshot expands the snapshot at snapshotPath into a temporary sqlite
// database and opens a Store on it. A missing or empty snapshot file opens
// an empty store. On Close, the database is re-encoded into the snapshot
// file if any writes were made.
func OpenSnapshot(ctx context.Context, snapshotPath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "sqlite.OpenSnapshot")
	defer span.End()

	staging := &Store{}
	for _, opt := range opts {
		opt(staging)
	}

	dbFilePath, err := expandSnapshot(snapshotPath, staging.tempDir)
	if err != nil {
		return nil, err
	}

	s, err := Open(ctx, dbFilePath, opts...)
	if err != nil {
		return nil, cleanupDbDir(dbFilePath, err)
	}
	s.snapshotPath = snapshotPath

	return s, nil
}

func cleanupDbDir(dbFilePath string, err error) error {
	if cleanupErr := os.RemoveAll(filepath.Dir(dbFilePath)); cleanupErr != nil {
		err = errors.Join(err, cleanupErr)
	}
	return err
}

// expandSnapshot decompresses the snapshot into a fresh temp dir and returns
// the sqlite database path within it.
func expandSnapshot(snapshotPath string, tempDir string) (string, error) {
	workingDir, err := os.MkdirTemp(tempDir, "tablesync")
	if err != nil {
		return "", err
	}
	dbFilePath := filepath.Join(workingDir, "db")
	dbFile, err := os.Create(dbFilePath)
	if err != nil {
		return "", cleanupDbDir(dbFilePath, err)
	}
	defer dbFile.Close()

	stat, err := os.Stat(snapshotPath)
	if err != nil || stat.Size() == 0 {
		// No snapshot yet; the store starts empty.
		return dbFilePath, nil
	}

	snapFile, err := os.Open(snapshotPath)
	if err != nil {
		return "", cleanupDbDir(dbFilePath, err)
	}
	defer snapFile.Close()

	if err := readSnapshotHeader(snapFile); err != nil {
		return "", cleanupDbDir(dbFilePath, err)
	}

	var zstdOpts []zstd.DOption
	if mb := envMegabytes(maxMemoryEnvVar); mb > 0 {
		zstdOpts = append(zstdOpts, zstd.WithDecoderMaxMemory(mb))
	}

	dec, err := zstd.NewReader(snapFile, zstdOpts...)
	if err != nil {
		return "", cleanupDbDir(dbFilePath, err)
	}
	defer dec.Close()

	var r io.Reader = dec
	if mb := envMegabytes(maxDecodedSizeEnvVar); mb > 0 {
		r = io.LimitReader(dec, int64(mb))
	}

	if _, err := io.Copy(dbFile, r); err != nil {
		return "", cleanupDbDir(dbFilePath, err)
	}

	return dbFilePath, nil
}

// finalizeSnapshot writes the working database back to the snapshot path and
// removes the temp dir. Called from Close; the database handle must already
// be closed.
func (s *Store) finalizeSnapshot() error {
	if !s.dbUpdated {
		return cleanupDbDir(s.dbFilePath, nil)
	}

	dbFile, err := os.Open(s.dbFilePath)
	if err != nil {
		return cleanupDbDir(s.dbFilePath, err)
	}
	defer dbFile.Close()

	outFile, err := os.OpenFile(s.snapshotPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cleanupDbDir(s.dbFilePath, err)
	}
	defer outFile.Close()

	if _, err := outFile.Write(snapshotHeader); err != nil {
		return cleanupDbDir(s.dbFilePath, err)
	}

	enc, err := zstd.NewWriter(outFile)
	if err != nil {
		return cleanupDbDir(s.dbFilePath, err)
	}

	if _, err := io.Copy(enc, dbFile); err != nil {
		enc.Close()
		return cleanupDbDir(s.dbFilePath, err)
	}

	if err := enc.Close(); err != nil {
		return cleanupDbDir(s.dbFilePath, err)
	}

	return cleanupDbDir(s.dbFilePath, nil)
}

// readSnapshotHeader consumes and validates the magic header, leaving the
// reader at the first compressed byte.
func readSnapshotHeader(r io.Reader) error {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(header, snapshotHeader) {
		return ErrInvalidSnapshot
	}
	return nil
}

func envMegabytes(name string) uint64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	mb, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return mb * 1024 * 1024
}
