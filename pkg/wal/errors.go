package wal

import "errors"

var (
	// ErrCorrupted indicates a corrupted WAL record (CRC mismatch or an
	// unknown record kind).
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrLogClosed indicates an operation on a closed WAL.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates WAL files don't exist.
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrTruncated indicates a truncated WAL record.
	ErrTruncated = errors.New("wal: truncated record")
)
