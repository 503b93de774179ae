// Package page implements the Durable Page: a typed view over a cache
// buffer that records its own mutations as page-operation records carrying
// enough state to redo and undo them.
package page

import "encoding/binary"

// Page is a fixed-size byte buffer identified by (FileID, Index). Every
// mutating accessor appends a Record to the pending list; the index
// structure holding the page drains that list with DrainPending and hands
// each record to txn.Manager.RecordPageOp, which appends it to the WAL.
type Page struct {
	FileID uint32
	Index  uint64

	buf   []byte
	lsn   uint64
	dirty bool

	pending []Record
}

// New allocates a zeroed page of the given size.
func New(fileID uint32, index uint64, size int) *Page {
	return &Page{FileID: fileID, Index: index, buf: make([]byte, size)}
}

// Wrap adapts an existing buffer (e.g. one just read from disk) into a
// Page without generating page-operation records for its initial content.
func Wrap(fileID uint32, index uint64, buf []byte, lsn uint64) *Page {
	return &Page{FileID: fileID, Index: index, buf: buf, lsn: lsn}
}

// Bytes returns the raw backing buffer. Callers must not retain it past the
// page's release.
func (p *Page) Bytes() []byte { return p.buf }

// Size returns the page size in bytes.
func (p *Page) Size() int { return len(p.buf) }

// LSN returns the LSN of the last WAL record applied to this page.
func (p *Page) LSN() uint64 { return p.lsn }

// SetLSN is used by the cache/txn manager after draining pending records or
// during redo/undo replay; it never emits a page-operation record itself.
func (p *Page) SetLSN(lsn uint64) { p.lsn = lsn }

// Dirty reports whether the page has unflushed mutations.
func (p *Page) Dirty() bool { return p.dirty }

// MarkClean clears the dirty flag once the page has been written back.
func (p *Page) MarkClean() { p.dirty = false }

// DrainPending returns and clears the list of page-operation records
// accumulated since the last drain.
func (p *Page) DrainPending() []Record {
	if len(p.pending) == 0 {
		return nil
	}
	out := p.pending
	p.pending = nil
	return out
}

// emit records a byte-range replacement as a Record and performs the
// in-place mutation. old must be a copy (callers pass a freshly sliced
// snapshot), new is copied into the buffer.
func (p *Page) emit(offset int, old, newBytes []byte) {
	rec := &SetBytesRecord{
		FID:  p.FileID,
		PIdx: p.Index,
		Off:  offset,
		Old:  old,
		New:  newBytes,
	}
	p.pending = append(p.pending, rec)
	copy(p.buf[offset:], newBytes)
	p.dirty = true
}

func (p *Page) snapshot(offset, n int) []byte {
	old := make([]byte, n)
	copy(old, p.buf[offset:offset+n])
	return old
}

// GetByte reads a single byte at offset.
func (p *Page) GetByte(offset int) byte { return p.buf[offset] }

// SetByte writes a single byte at offset, recording the previous value.
func (p *Page) SetByte(offset int, v byte) {
	old := p.snapshot(offset, 1)
	p.emit(offset, old, []byte{v})
}

// GetUint16 reads a little-endian uint16 at offset.
func (p *Page) GetUint16(offset int) uint16 {
	return binary.LittleEndian.Uint16(p.buf[offset:])
}

// SetUint16 writes a little-endian uint16 at offset.
func (p *Page) SetUint16(offset int, v uint16) {
	old := p.snapshot(offset, 2)
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	p.emit(offset, old, buf[:])
}

// GetUint32 reads a little-endian uint32 at offset.
func (p *Page) GetUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(p.buf[offset:])
}

// SetUint32 writes a little-endian uint32 at offset.
func (p *Page) SetUint32(offset int, v uint32) {
	old := p.snapshot(offset, 4)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	p.emit(offset, old, buf[:])
}

// GetUint64 reads a little-endian uint64 at offset.
func (p *Page) GetUint64(offset int) uint64 {
	return binary.LittleEndian.Uint64(p.buf[offset:])
}

// SetUint64 writes a little-endian uint64 at offset.
func (p *Page) SetUint64(offset int, v uint64) {
	old := p.snapshot(offset, 8)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	p.emit(offset, old, buf[:])
}

// GetBytes reads n bytes at offset. The returned slice aliases the page
// buffer; callers that retain it across a mutation must copy it.
func (p *Page) GetBytes(offset, n int) []byte { return p.buf[offset : offset+n] }

// SetBytes overwrites len(data) bytes at offset with data.
func (p *Page) SetBytes(offset int, data []byte) {
	old := p.snapshot(offset, len(data))
	p.emit(offset, old, data)
}

// ApplyRedo writes newBytes at offset without emitting a page-op record;
// used by recovery and by undo/redo replay.
func (p *Page) ApplyRedo(offset int, newBytes []byte) {
	copy(p.buf[offset:], newBytes)
	p.dirty = true
}
