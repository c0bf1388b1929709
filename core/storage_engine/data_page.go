package storageengine

import (
	"fmt"
	"strconv"
	"strings"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// Data pages store documents from the front of the payload and a slot
// directory of (offset, length) uint16 pairs growing down from the page end.
// A deleted slot keeps its directory entry with length 0 so addresses of the
// other documents stay valid.
const (
	slotEntrySize = 4
	// MaxDocumentSize is the largest document a single data page can hold.
	MaxDocumentSize = pagemanager.PagePayloadSize - slotEntrySize
)

// PageAddress locates one document.
type PageAddress struct {
	PageID pagemanager.PageID
	Index  uint16
}

func (a PageAddress) String() string {
	return fmt.Sprintf("%d:%d", a.PageID, a.Index)
}

// ParsePageAddress parses the "page:index" form produced by String.
func ParsePageAddress(s string) (PageAddress, error) {
	page, index, ok := strings.Cut(s, ":")
	if !ok {
		return PageAddress{}, fmt.Errorf("invalid page address %q: want <page>:<index>", s)
	}
	p, err := strconv.ParseUint(page, 10, 32)
	if err != nil {
		return PageAddress{}, fmt.Errorf("invalid page id in %q: %w", s, err)
	}
	i, err := strconv.ParseUint(index, 10, 16)
	if err != nil {
		return PageAddress{}, fmt.Errorf("invalid index in %q: %w", s, err)
	}
	return PageAddress{PageID: pagemanager.PageID(p), Index: uint16(i)}, nil
}

func slotOffset(index int) int {
	return pagemanager.PageSize - (index+1)*slotEntrySize
}

func checkDataPage(p *pagemanager.PageBuffer) error {
	if p.GetPageType() != pagemanager.PageTypeData {
		return fmt.Errorf("%w: %s is not a data page", flushmanager.ErrInvariantViolation, p)
	}
	return nil
}

// freeSlot returns the first deleted directory entry, or -1.
func freeSlot(p *pagemanager.PageBuffer) int {
	for i := 0; i < int(p.GetItemsCount()); i++ {
		if p.ReadUint16(slotOffset(i)+2) == 0 {
			return i
		}
	}
	return -1
}

// itemSpace is the number of free bytes a document of length n consumes.
func itemSpace(p *pagemanager.PageBuffer, n int) int {
	if freeSlot(p) >= 0 {
		return n
	}
	return n + slotEntrySize
}

// ItemFits reports whether a document of length n fits into the page.
func ItemFits(p *pagemanager.PageBuffer, n int) bool {
	return n > 0 && itemSpace(p, n) <= p.FreeBytes()
}

// InsertItem stores doc in the page and returns its slot index. The page is
// compacted when its free bytes are fragmented.
func InsertItem(p *pagemanager.PageBuffer, doc []byte) (uint16, error) {
	if err := checkDataPage(p); err != nil {
		return 0, err
	}
	if len(doc) == 0 || len(doc) > MaxDocumentSize {
		return 0, fmt.Errorf("%w: %d bytes", flushmanager.ErrDocumentTooLarge, len(doc))
	}
	if !ItemFits(p, len(doc)) {
		return 0, fmt.Errorf("%w: %d bytes into %s", flushmanager.ErrPageOverflow, len(doc), p)
	}
	index := freeSlot(p)
	count := int(p.GetItemsCount())
	if index < 0 {
		index = count
		count++
	}
	if p.GetNextFreeOffset() == 0 {
		p.SetNextFreeOffset(pagemanager.PageHeaderSize)
	}
	if int(p.GetNextFreeOffset())+len(doc) > slotOffset(count-1) {
		compact(p)
	}
	offset := int(p.GetNextFreeOffset())
	copy(p.Slice(offset, len(doc)), doc)
	p.WriteUint16(slotOffset(index), uint16(offset))
	p.WriteUint16(slotOffset(index)+2, uint16(len(doc)))
	p.SetNextFreeOffset(uint16(offset + len(doc)))
	used := int(p.GetUsedBytes()) + len(doc)
	if count > int(p.GetItemsCount()) {
		used += slotEntrySize
		p.SetItemsCount(uint16(count))
	}
	p.SetUsedBytes(uint16(used))
	p.SetDirty(true)
	return uint16(index), nil
}

// ReadItem returns the document at index. The slice aliases the page.
func ReadItem(p *pagemanager.PageBuffer, index uint16) ([]byte, error) {
	if err := checkDataPage(p); err != nil {
		return nil, err
	}
	if int(index) >= int(p.GetItemsCount()) {
		return nil, fmt.Errorf("%w: %d:%d", flushmanager.ErrDocumentNotFound, p.GetPageID(), index)
	}
	offset := int(p.ReadUint16(slotOffset(int(index))))
	length := int(p.ReadUint16(slotOffset(int(index)) + 2))
	if length == 0 {
		return nil, fmt.Errorf("%w: %d:%d", flushmanager.ErrDocumentNotFound, p.GetPageID(), index)
	}
	return p.Slice(offset, length), nil
}

// DeleteItem removes the document at index. Its bytes are reclaimed by the
// next compaction.
func DeleteItem(p *pagemanager.PageBuffer, index uint16) error {
	doc, err := ReadItem(p, index)
	if err != nil {
		return err
	}
	p.WriteUint16(slotOffset(int(index)), 0)
	p.WriteUint16(slotOffset(int(index))+2, 0)
	p.SetUsedBytes(p.GetUsedBytes() - uint16(len(doc)))
	p.SetDirty(true)
	return nil
}

// LiveItems counts documents that are not deleted.
func LiveItems(p *pagemanager.PageBuffer) int {
	n := 0
	for i := 0; i < int(p.GetItemsCount()); i++ {
		if p.ReadUint16(slotOffset(i)+2) != 0 {
			n++
		}
	}
	return n
}

// compact moves every live document to the front of the payload.
func compact(p *pagemanager.PageBuffer) {
	type item struct {
		index int
		data  []byte
	}
	var items []item
	for i := 0; i < int(p.GetItemsCount()); i++ {
		offset := int(p.ReadUint16(slotOffset(i)))
		length := int(p.ReadUint16(slotOffset(i) + 2))
		if length == 0 {
			continue
		}
		items = append(items, item{index: i, data: append([]byte(nil), p.Slice(offset, length)...)})
	}
	next := pagemanager.PageHeaderSize
	for _, it := range items {
		copy(p.Slice(next, len(it.data)), it.data)
		p.WriteUint16(slotOffset(it.index), uint16(next))
		next += len(it.data)
	}
	clear(p.Slice(next, slotOffset(int(p.GetItemsCount())-1)-next))
	p.SetNextFreeOffset(uint16(next))
}
