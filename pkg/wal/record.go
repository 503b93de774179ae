// Package wal implements the Write-Ahead Log: an append-only, LSN-ordered,
// fsync-on-flush log of typed records used by the atomic-operations manager
// to make page mutations crash-consistent.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nainya/treestore/pkg/page"
)

// Kind tags a WAL record's concrete shape, the "ordered union" of spec §3.
type Kind byte

const (
	KindAtomicBegin    Kind = 1
	KindAtomicCommit   Kind = 2
	KindAtomicRollback Kind = 3
	KindFileCreated    Kind = 4
	KindFileDeleted    Kind = 5
	KindPageOp         Kind = 6
)

// Record is one WAL entry. Which fields are meaningful depends on Kind:
// atomic-begin/commit/rollback use OpID; file-created/deleted use FileID
// (and Name for created); page-operation uses OpID, FileID, PageIndex and
// Page, the decoded per-page redo/undo record.
type Record struct {
	LSN       uint64
	Kind      Kind
	OpID      uint64
	FileID    uint32
	Name      string
	PageIndex uint64
	Page      page.Record
}

// Encode serializes the record with a length prefix and trailing CRC32, the
// framing the teacher's pkg/wal/entry.go uses.
func (r *Record) Encode() []byte {
	body := r.encodeBody()

	// lsn(8) + kind(1) + body
	inner := make([]byte, 9+len(body))
	binary.LittleEndian.PutUint64(inner[0:8], r.LSN)
	inner[8] = byte(r.Kind)
	copy(inner[9:], body)

	crc := crc32.ChecksumIEEE(inner)

	out := make([]byte, 4+len(inner)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(inner)))
	copy(out[4:], inner)
	binary.LittleEndian.PutUint32(out[4+len(inner):], crc)
	return out
}

func (r *Record) encodeBody() []byte {
	switch r.Kind {
	case KindAtomicBegin, KindAtomicCommit, KindAtomicRollback:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, r.OpID)
		return buf

	case KindFileCreated:
		nameBytes := []byte(r.Name)
		buf := make([]byte, 8+len(nameBytes))
		binary.LittleEndian.PutUint32(buf[0:4], r.FileID)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(nameBytes)))
		copy(buf[8:], nameBytes)
		return buf

	case KindFileDeleted:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, r.FileID)
		return buf

	case KindPageOp:
		var b bytes.Buffer
		var hdr [21]byte
		binary.LittleEndian.PutUint64(hdr[0:8], r.OpID)
		binary.LittleEndian.PutUint32(hdr[8:12], r.FileID)
		binary.LittleEndian.PutUint64(hdr[12:20], r.PageIndex)
		hdr[20] = byte(r.Page.Kind())
		b.Write(hdr[:])
		r.Page.WriteTo(&b)
		return b.Bytes()

	default:
		panic(fmt.Sprintf("wal: unknown record kind %d", r.Kind))
	}
}

// Decode parses one framed record (without the outer length prefix) from
// data, returning the record and the number of input bytes consumed.
func Decode(data []byte) (*Record, int, error) {
	if len(data) < 9 {
		return nil, 0, ErrTruncated
	}

	r := &Record{
		LSN:  binary.LittleEndian.Uint64(data[0:8]),
		Kind: Kind(data[8]),
	}

	body := data[9:]
	consumed := 9

	switch r.Kind {
	case KindAtomicBegin, KindAtomicCommit, KindAtomicRollback:
		if len(body) < 8 {
			return nil, 0, ErrTruncated
		}
		r.OpID = binary.LittleEndian.Uint64(body)
		consumed += 8

	case KindFileCreated:
		if len(body) < 8 {
			return nil, 0, ErrTruncated
		}
		r.FileID = binary.LittleEndian.Uint32(body[0:4])
		nameLen := int(binary.LittleEndian.Uint32(body[4:8]))
		if len(body) < 8+nameLen {
			return nil, 0, ErrTruncated
		}
		r.Name = string(body[8 : 8+nameLen])
		consumed += 8 + nameLen

	case KindFileDeleted:
		if len(body) < 4 {
			return nil, 0, ErrTruncated
		}
		r.FileID = binary.LittleEndian.Uint32(body)
		consumed += 4

	case KindPageOp:
		if len(body) < 21 {
			return nil, 0, ErrTruncated
		}
		r.OpID = binary.LittleEndian.Uint64(body[0:8])
		r.FileID = binary.LittleEndian.Uint32(body[8:12])
		r.PageIndex = binary.LittleEndian.Uint64(body[12:20])
		pageKind := page.RecordKind(body[20])
		rec, n, err := page.DecodeRecord(pageKind, body[21:])
		if err != nil {
			return nil, 0, err
		}
		r.Page = rec
		consumed += 21 + n

	default:
		return nil, 0, fmt.Errorf("wal: unknown record kind %d: %w", r.Kind, ErrCorrupted)
	}

	return r, consumed, nil
}
