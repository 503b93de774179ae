package wal

import (
	"io"
	"os"
)

// Reader reads records forward across a sequence of WAL segments, used by
// crash recovery to replay from the last checkpoint.
type Reader struct {
	files   []string
	current int
	fd      *os.File
}

// NewReader creates a WAL reader over the given segment files, in order.
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the first segment.
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}

	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}

	r.fd = fd
	return nil
}

// Next returns the next record across all segments, skipping past any
// corrupted frame it encounters (a torn write at the tail of the last
// segment, most commonly).
func (r *Reader) Next() (*Record, error) {
	for {
		rec, err := r.readFromCurrent()
		if err == nil {
			return rec, nil
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
			continue
		}

		if err == ErrCorrupted || err == ErrTruncated {
			if err := r.skipToNextEntry(); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

func (r *Reader) readFromCurrent() (*Record, error) {
	if r.fd == nil {
		return nil, io.EOF
	}
	return readFramedRecord(r.fd)
}

func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}

	r.fd = fd
	return nil
}

func (r *Reader) skipToNextEntry() error {
	_, err := r.fd.Seek(1024, io.SeekCurrent)
	return err
}

// Close closes the reader's currently open segment, if any.
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads every record from the given segments, in order. Recovery
// uses this to build the full redo/undo plan before replaying it.
func ReadAll(files []string) ([]*Record, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var records []*Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}
