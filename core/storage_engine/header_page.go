package storageengine

import (
	"encoding/binary"
	"fmt"
	"time"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// Header page payload layout.
const (
	headerOffsetLastPageID      = pagemanager.PageHeaderSize      // uint32
	headerOffsetLastCheckpoint  = pagemanager.PageHeaderSize + 4  // int64 unix nanos
	headerOffsetCheckpointCount = pagemanager.PageHeaderSize + 12 // uint32
	headerOffsetLastTxnID       = pagemanager.PageHeaderSize + 16 // uint32
	headerUsedBytes             = 20
)

// HeaderInfo is the content of the header page in slot 0.
type HeaderInfo struct {
	LastPageID        pagemanager.PageID
	LastCheckpoint    time.Time
	CheckpointCount   uint32
	LastTransactionID uint32
}

func (h HeaderInfo) encode() *pagemanager.PageBuffer {
	buf := pagemanager.NewPageBuffer()
	buf.InitPage(pagemanager.HeaderPageID, pagemanager.PageTypeHeader, 0)
	buf.WriteUint32(headerOffsetLastPageID, uint32(h.LastPageID))
	var nanos int64
	if !h.LastCheckpoint.IsZero() {
		nanos = h.LastCheckpoint.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf.Slice(headerOffsetLastCheckpoint, 8), uint64(nanos))
	buf.WriteUint32(headerOffsetCheckpointCount, h.CheckpointCount)
	buf.WriteUint32(headerOffsetLastTxnID, h.LastTransactionID)
	buf.SetUsedBytes(headerUsedBytes)
	buf.SetPosition(uint32(pagemanager.HeaderPageID))
	return buf
}

func decodeHeader(buf *pagemanager.PageBuffer) (HeaderInfo, error) {
	if buf.GetPageType() != pagemanager.PageTypeHeader || buf.GetPageID() != pagemanager.HeaderPageID {
		return HeaderInfo{}, fmt.Errorf("%w: slot 0 holds %s, expected the header page", flushmanager.ErrCorruption, buf)
	}
	h := HeaderInfo{
		LastPageID:        pagemanager.PageID(buf.ReadUint32(headerOffsetLastPageID)),
		CheckpointCount:   buf.ReadUint32(headerOffsetCheckpointCount),
		LastTransactionID: buf.ReadUint32(headerOffsetLastTxnID),
	}
	if nanos := int64(binary.LittleEndian.Uint64(buf.Slice(headerOffsetLastCheckpoint, 8))); nanos != 0 {
		h.LastCheckpoint = time.Unix(0, nanos)
	}
	return h, nil
}

// ReadHeader loads the header page of an open file.
func ReadHeader(disk *flushmanager.DiskManager) (HeaderInfo, error) {
	buf := pagemanager.NewPageBuffer()
	ok, err := disk.ReadPage(uint32(pagemanager.HeaderPageID), buf)
	if err != nil {
		return HeaderInfo{}, err
	}
	if !ok {
		return HeaderInfo{}, fmt.Errorf("%w: header page missing", flushmanager.ErrCorruption)
	}
	return decodeHeader(buf)
}

func writeHeader(disk *flushmanager.DiskManager, h HeaderInfo) error {
	return disk.WritePage(h.encode())
}
