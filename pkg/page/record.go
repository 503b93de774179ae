package page

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RecordKind tags a page-operation record's concrete type so it can be
// dispatched without an inheritance hierarchy.
type RecordKind byte

const (
	// KindSetBytes is the only page-operation kind: a byte-range
	// replacement. Every on-page mutation performed by the three index
	// structures is expressible as one or more of these, which is enough
	// to redo and undo any of them exactly.
	KindSetBytes RecordKind = 1
)

// Record is a page-operation record: it knows how to redo its mutation
// forward onto a page in the state just before it was emitted, and how to
// undo it back to that prior state.
type Record interface {
	Kind() RecordKind
	FileID() uint32
	PageIndex() uint64
	OpID() uint64
	SetOpID(uint64)
	Redo(p *Page)
	Undo(p *Page)
	SerializedSize() int
	WriteTo(w io.Writer) (int64, error)
}

// SetBytesRecord records replacing Old with New at Off within page
// (FID, PIdx). It is produced by Page.emit and consumed by the
// atomic-operations manager (to append to the WAL and to undo on
// rollback) and crash recovery (to redo/undo on replay).
type SetBytesRecord struct {
	Op   uint64
	FID  uint32
	PIdx uint64
	Off  int
	Old  []byte
	New  []byte
}

func (r *SetBytesRecord) Kind() RecordKind    { return KindSetBytes }
func (r *SetBytesRecord) FileID() uint32      { return r.FID }
func (r *SetBytesRecord) PageIndex() uint64   { return r.PIdx }
func (r *SetBytesRecord) OpID() uint64        { return r.Op }
func (r *SetBytesRecord) SetOpID(id uint64)   { r.Op = id }

// Redo re-applies New at Off. Requires the page to be in the state just
// before this record was originally emitted.
func (r *SetBytesRecord) Redo(p *Page) { p.ApplyRedo(r.Off, r.New) }

// Undo restores Old at Off.
func (r *SetBytesRecord) Undo(p *Page) { p.ApplyRedo(r.Off, r.Old) }

// SerializedSize returns the exact byte length WriteTo will produce.
func (r *SetBytesRecord) SerializedSize() int {
	// op(8) + fid(4) + pidx(8) + off(4) + oldLen(4) + old + newLen(4) + new
	return 8 + 4 + 8 + 4 + 4 + len(r.Old) + 4 + len(r.New)
}

// WriteTo serializes the record. Symmetric with DecodeSetBytesRecord.
func (r *SetBytesRecord) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, r.SerializedSize())
	pos := 0
	binary.LittleEndian.PutUint64(buf[pos:], r.Op)
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], r.FID)
	pos += 4
	binary.LittleEndian.PutUint64(buf[pos:], r.PIdx)
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], uint32(r.Off))
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.Old)))
	pos += 4
	pos += copy(buf[pos:], r.Old)
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.New)))
	pos += 4
	pos += copy(buf[pos:], r.New)
	n, err := w.Write(buf[:pos])
	return int64(n), err
}

// DecodeSetBytesRecord is the inverse of WriteTo.
func DecodeSetBytesRecord(data []byte) (*SetBytesRecord, int, error) {
	if len(data) < 28 {
		return nil, 0, fmt.Errorf("page: truncated set-bytes record")
	}
	pos := 0
	r := &SetBytesRecord{}
	r.Op = binary.LittleEndian.Uint64(data[pos:])
	pos += 8
	r.FID = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	r.PIdx = binary.LittleEndian.Uint64(data[pos:])
	pos += 8
	r.Off = int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	oldLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if len(data) < pos+oldLen+4 {
		return nil, 0, fmt.Errorf("page: truncated set-bytes record body")
	}
	r.Old = append([]byte(nil), data[pos:pos+oldLen]...)
	pos += oldLen
	newLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if len(data) < pos+newLen {
		return nil, 0, fmt.Errorf("page: truncated set-bytes record value")
	}
	r.New = append([]byte(nil), data[pos:pos+newLen]...)
	pos += newLen
	return r, pos, nil
}

// DecodeRecord dispatches on kind to the matching decoder. Only KindSetBytes
// exists today; the switch is the "small virtual table" the design calls
// for, ready to grow new kinds without touching callers.
func DecodeRecord(kind RecordKind, data []byte) (Record, int, error) {
	switch kind {
	case KindSetBytes:
		return DecodeSetBytesRecord(data)
	default:
		return nil, 0, fmt.Errorf("page: unknown record kind %d", kind)
	}
}
