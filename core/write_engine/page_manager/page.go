package pagemanager

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	commonutils "github.com/sushant-115/gojodoc/internal/common_utils"
)

// --- Page Management ---

const (
	PageSize        = 8192
	PageHeaderSize  = 32
	PagePayloadSize = PageSize - PageHeaderSize
)

// PageID is the logical identifier of a page. PageID 0 is the header page.
type PageID uint32

const (
	HeaderPageID PageID = 0
	// NotFoundPageID is returned by free-page lookups that found nothing.
	NotFoundPageID PageID = math.MaxUint32
)

// UndefinedPosition marks a buffer that has no slot assigned yet.
const UndefinedPosition uint32 = math.MaxUint32

// checkpointMarkerTxnID tags the page a checkpoint writes past the log before
// it starts moving pages.
const checkpointMarkerTxnID uint32 = math.MaxUint32

// PageType identifies what a page holds.
type PageType byte

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeAllocationMap
	PageTypeData
	PageTypeIndex
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeAllocationMap:
		return "AllocationMap"
	case PageTypeData:
		return "Data"
	case PageTypeIndex:
		return "Index"
	default:
		return fmt.Sprintf("PageType(%d)", byte(t))
	}
}

// Page header layout. Offsets are relative to the start of the page.
const (
	offsetPageID         = 0  // uint32
	offsetPageType       = 4  // byte
	offsetColID          = 5  // byte
	offsetIsConfirmed    = 6  // byte
	offsetTransactionID  = 8  // uint32
	offsetItemsCount     = 12 // uint16
	offsetUsedBytes      = 14 // uint16
	offsetNextFreeOffset = 16 // uint16
	offsetChecksum       = 24 // uint64
)

// PageBuffer is an in-memory copy of one disk slot. The header fields live in
// the byte array itself; position and dirty state are memory-only.
type PageBuffer struct {
	position  uint32
	data      []byte
	isDirty   bool
	updatedAt time.Time
}

// NewPageBuffer creates a zeroed buffer with an undefined position.
func NewPageBuffer() *PageBuffer {
	return &PageBuffer{
		position: UndefinedPosition,
		data:     make([]byte, PageSize),
	}
}

// Reset zeroes the buffer so a pooled buffer never leaks a previous page.
func (p *PageBuffer) Reset() {
	p.position = UndefinedPosition
	p.isDirty = false
	p.updatedAt = time.Time{}
	clear(p.data)
}

// InitPage turns the buffer into a fresh page of the given type.
func (p *PageBuffer) InitPage(pageID PageID, pageType PageType, colID byte) {
	clear(p.data)
	p.SetPageID(pageID)
	p.SetPageType(pageType)
	p.SetColID(colID)
	p.SetDirty(true)
}

// CopyFrom copies another buffer's bytes. Position and dirty flag are not copied.
func (p *PageBuffer) CopyFrom(src *PageBuffer) {
	copy(p.data, src.data)
}

func (p *PageBuffer) GetData() []byte            { return p.data }
func (p *PageBuffer) GetPosition() uint32        { return p.position }
func (p *PageBuffer) SetPosition(position uint32) { p.position = position }
func (p *PageBuffer) HasPosition() bool          { return p.position != UndefinedPosition }
func (p *PageBuffer) IsDirty() bool              { return p.isDirty }
func (p *PageBuffer) SetDirty(dirty bool) {
	p.isDirty = dirty
	if dirty {
		p.updatedAt = time.Now()
	}
}
func (p *PageBuffer) GetUpdatedAt() time.Time { return p.updatedAt }

func (p *PageBuffer) GetPageID() PageID         { return PageID(binary.LittleEndian.Uint32(p.data[offsetPageID:])) }
func (p *PageBuffer) SetPageID(id PageID)       { binary.LittleEndian.PutUint32(p.data[offsetPageID:], uint32(id)) }
func (p *PageBuffer) GetPageType() PageType     { return PageType(p.data[offsetPageType]) }
func (p *PageBuffer) SetPageType(t PageType)    { p.data[offsetPageType] = byte(t) }
func (p *PageBuffer) GetColID() byte            { return p.data[offsetColID] }
func (p *PageBuffer) SetColID(colID byte)       { p.data[offsetColID] = colID }
func (p *PageBuffer) IsConfirmed() bool         { return p.data[offsetIsConfirmed] == 1 }
func (p *PageBuffer) GetTransactionID() uint32  { return binary.LittleEndian.Uint32(p.data[offsetTransactionID:]) }
func (p *PageBuffer) GetItemsCount() uint16     { return binary.LittleEndian.Uint16(p.data[offsetItemsCount:]) }
func (p *PageBuffer) GetUsedBytes() uint16      { return binary.LittleEndian.Uint16(p.data[offsetUsedBytes:]) }
func (p *PageBuffer) GetNextFreeOffset() uint16 { return binary.LittleEndian.Uint16(p.data[offsetNextFreeOffset:]) }

func (p *PageBuffer) SetConfirmed(confirmed bool) {
	if confirmed {
		p.data[offsetIsConfirmed] = 1
	} else {
		p.data[offsetIsConfirmed] = 0
	}
}
func (p *PageBuffer) SetTransactionID(id uint32) {
	binary.LittleEndian.PutUint32(p.data[offsetTransactionID:], id)
}
func (p *PageBuffer) SetItemsCount(n uint16) {
	binary.LittleEndian.PutUint16(p.data[offsetItemsCount:], n)
}
func (p *PageBuffer) SetUsedBytes(n uint16) {
	commonutils.Assert(int(n) <= PagePayloadSize, "used bytes %d exceed payload size on page %d", n, p.GetPageID())
	binary.LittleEndian.PutUint16(p.data[offsetUsedBytes:], n)
}
func (p *PageBuffer) SetNextFreeOffset(offset uint16) {
	commonutils.Assert(int(offset) <= PageSize, "next free offset %d outside page %d", offset, p.GetPageID())
	binary.LittleEndian.PutUint16(p.data[offsetNextFreeOffset:], offset)
}

// InitCheckpointMarker turns the buffer into a checkpoint marker page.
func (p *PageBuffer) InitCheckpointMarker() {
	p.InitPage(HeaderPageID, PageTypeEmpty, 0)
	p.SetTransactionID(checkpointMarkerTxnID)
}

// IsCheckpointMarker reports whether the slot holds a checkpoint marker.
func (p *PageBuffer) IsCheckpointMarker() bool {
	return p.GetPageID() == HeaderPageID && p.GetPageType() == PageTypeEmpty &&
		p.GetTransactionID() == checkpointMarkerTxnID
}

// FreeBytes is the exact number of payload bytes not in use.
func (p *PageBuffer) FreeBytes() int {
	return PagePayloadSize - int(p.GetUsedBytes())
}

// IsEmpty reports whether the slot holds no page at all (never written or cleared).
func (p *PageBuffer) IsEmpty() bool {
	for _, b := range p.data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Payload returns the bytes after the header.
func (p *PageBuffer) Payload() []byte { return p.data[PageHeaderSize:] }

// Slice returns length bytes starting at offset, bound-checked against the page.
func (p *PageBuffer) Slice(offset, length int) []byte {
	commonutils.Assert(offset >= PageHeaderSize && length >= 0 && offset+length <= PageSize,
		"slice [%d:+%d] outside payload of page %d", offset, length, p.GetPageID())
	return p.data[offset : offset+length]
}

func (p *PageBuffer) ReadUint16(offset int) uint16 {
	return binary.LittleEndian.Uint16(p.Slice(offset, 2))
}

func (p *PageBuffer) WriteUint16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(p.Slice(offset, 2), v)
}

func (p *PageBuffer) ReadUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(p.Slice(offset, 4))
}

func (p *PageBuffer) WriteUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(p.Slice(offset, 4), v)
}

// ComputeChecksum hashes the page with the checksum field treated as zero.
func (p *PageBuffer) ComputeChecksum() uint64 {
	d := xxhash.New()
	_, _ = d.Write(p.data[:offsetChecksum])
	_, _ = d.Write(p.data[offsetChecksum+8:])
	return d.Sum64()
}

// UpdateChecksum stamps the checksum field. Called right before a disk write.
func (p *PageBuffer) UpdateChecksum() {
	binary.LittleEndian.PutUint64(p.data[offsetChecksum:], p.ComputeChecksum())
}

// VerifyChecksum validates a page read from disk. A never-written (all zero)
// slot is valid.
func (p *PageBuffer) VerifyChecksum() bool {
	stored := binary.LittleEndian.Uint64(p.data[offsetChecksum:])
	if stored == 0 && p.IsEmpty() {
		return true
	}
	return stored == p.ComputeChecksum()
}

func (p *PageBuffer) String() string {
	return fmt.Sprintf("page{id=%d type=%s col=%d pos=%d txn=%d confirmed=%t used=%d}",
		p.GetPageID(), p.GetPageType(), p.GetColID(), p.position, p.GetTransactionID(), p.IsConfirmed(), p.GetUsedBytes())
}
