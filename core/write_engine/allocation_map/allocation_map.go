package allocationmap

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

type ampPage struct {
	pageID  pagemanager.PageID
	extents [ExtentsPerAMP]atomic.Uint32
	dirty   atomic.Bool
}

// ReadPageFunc loads a page by id. It returns false when the page does not
// exist on disk yet.
type ReadPageFunc func(pageID pagemanager.PageID, buf *pagemanager.PageBuffer) (bool, error)

// Service tracks free space of every data and index page. Extent updates are
// lock-free CAS operations; callers serialize per collection through the
// collection write lock. Only growth of the map takes the internal mutex.
type Service struct {
	amps       atomic.Pointer[[]*ampPage]
	lastPageID atomic.Uint32
	growMu     sync.Mutex
	logger     *zap.Logger
}

// NewService creates an empty map for a new database: header page plus the
// first allocation map page.
func NewService(logger *zap.Logger) *Service {
	s := &Service{logger: logger.Named("allocation_map")}
	first := &ampPage{pageID: FirstAMPPageID}
	first.dirty.Store(true)
	amps := []*ampPage{first}
	s.amps.Store(&amps)
	s.lastPageID.Store(uint32(FirstAMPPageID))
	return s
}

// Load rebuilds the map from the allocation map pages of the data area.
func Load(lastPageID pagemanager.PageID, read ReadPageFunc, logger *zap.Logger) (*Service, error) {
	s := &Service{logger: logger.Named("allocation_map")}
	if lastPageID < FirstAMPPageID {
		lastPageID = FirstAMPPageID
	}
	var amps []*ampPage
	buf := pagemanager.NewPageBuffer()
	for k := 0; AMPPageID(k) <= lastPageID; k++ {
		amp := &ampPage{pageID: AMPPageID(k)}
		ok, err := read(amp.pageID, buf)
		if err != nil {
			return nil, fmt.Errorf("failed to read allocation map page %d: %w", amp.pageID, err)
		}
		if ok && !buf.IsEmpty() {
			if buf.GetPageType() != pagemanager.PageTypeAllocationMap || buf.GetPageID() != amp.pageID {
				return nil, fmt.Errorf("%w: slot %d holds %s, expected allocation map page", flushmanager.ErrCorruption, amp.pageID, buf)
			}
			for e := 0; e < ExtentsPerAMP; e++ {
				amp.extents[e].Store(buf.ReadUint32(pagemanager.PageHeaderSize + e*4))
			}
		} else {
			amp.dirty.Store(true)
		}
		amps = append(amps, amp)
	}
	s.amps.Store(&amps)
	s.lastPageID.Store(uint32(lastPageID))
	s.logger.Debug("allocation map loaded", zap.Int("amp_pages", len(amps)), zap.Uint32("last_page_id", uint32(lastPageID)))
	return s, nil
}

// LastPageID is the highest page id allocated so far.
func (s *Service) LastPageID() pagemanager.PageID {
	return pagemanager.PageID(s.lastPageID.Load())
}

func (s *Service) snapshot() []*ampPage { return *s.amps.Load() }

func (s *Service) extent(loc location) (*ampPage, *atomic.Uint32, bool) {
	amps := s.snapshot()
	if loc.amp >= len(amps) {
		return nil, nil, false
	}
	amp := amps[loc.amp]
	return amp, &amp.extents[loc.extent], true
}

// slotFilter selects which slots a scan may return.
type slotFilter int

const (
	// usedSlots are slots of the collection that already hold a page.
	usedSlots slotFilter = iota
	// emptySlots are slots without a page; a match is reserved.
	emptySlots
)

// GetFreePageID returns an existing page of colID/pageType that may hold
// length more bytes, or NotFoundPageID. Only slots holding a page are
// offered; empty slots are handed out by NewPageID.
func (s *Service) GetFreePageID(colID byte, pageType pagemanager.PageType, length int) pagemanager.PageID {
	if colID == 0 || !allocatable(pageType) {
		return pagemanager.NotFoundPageID
	}
	return s.scan(colID, pageType, length, usedSlots)
}

// scan walks extents in page order and returns the first slot passing
// filter. An empty slot is reserved for colID before it is returned.
func (s *Service) scan(colID byte, pageType pagemanager.PageType, length int, filter slotFilter) pagemanager.PageID {
	last := s.LastPageID()
	for k, amp := range s.snapshot() {
		for e := 0; e < ExtentsPerAMP; e++ {
			loc := location{amp: k, extent: e}
			if loc.pageID() > last {
				return pagemanager.NotFoundPageID
			}
			for {
				v := amp.extents[e].Load()
				slot := s.pickSlot(v, loc, last, colID, pageType, length, filter)
				if slot < 0 {
					break
				}
				if filter == usedSlots {
					loc.slot = slot
					return loc.pageID()
				}
				nv := withColID(WithSlotCode(v, slot, freshCode(pageType)), colID)
				if amp.extents[e].CompareAndSwap(v, nv) {
					amp.dirty.Store(true)
					loc.slot = slot
					return loc.pageID()
				}
				// Another collection raced us on this extent; re-evaluate it.
			}
		}
	}
	return pagemanager.NotFoundPageID
}

func (s *Service) pickSlot(v uint32, loc location, last pagemanager.PageID, colID byte, pageType pagemanager.PageType, length int, filter slotFilter) int {
	if !HasFreeSpace(v, colID, pageType, length) {
		return -1
	}
	if filter == usedSlots && ExtentColID(v) != colID {
		return -1
	}
	required := requiredCode(pageType, length)
	for i := 0; i < ExtentSize; i++ {
		loc.slot = i
		if loc.pageID() > last {
			return -1
		}
		code := SlotCode(v, i)
		if (filter == emptySlots) != (code == CodeEmpty) {
			continue
		}
		if slotMatches(code, pageType, required) {
			return i
		}
	}
	return -1
}

// NewPageID allocates a page without content for colID. Freed slots of the
// collection's extents are reused first; otherwise the map, and with it the
// data file, grows. isLastPageInFile reports the growth case.
func (s *Service) NewPageID(colID byte, pageType pagemanager.PageType) (pagemanager.PageID, bool, error) {
	if colID == 0 {
		return 0, false, fmt.Errorf("%w: collection 0 is reserved", flushmanager.ErrInvalidColID)
	}
	if !allocatable(pageType) {
		return 0, false, fmt.Errorf("%w: cannot allocate a %s page", flushmanager.ErrInvariantViolation, pageType)
	}
	if id := s.scan(colID, pageType, 0, emptySlots); id != pagemanager.NotFoundPageID {
		return id, false, nil
	}

	s.growMu.Lock()
	defer s.growMu.Unlock()

	next := s.LastPageID() + 1
	for {
		if IsAMPPage(next) {
			s.appendAMP(next)
			next++
		}
		loc, _ := locate(next)
		amp, ext, _ := s.extent(loc)
		v := ext.Load()
		if owner := ExtentColID(v); owner != 0 && owner != colID {
			// Extent belongs to another collection: skip to the next one.
			next += pagemanager.PageID(ExtentSize - loc.slot)
			continue
		}
		if SlotCode(v, loc.slot) != CodeEmpty {
			return 0, false, fmt.Errorf("%w: page %d beyond last page id %d already has code %d",
				flushmanager.ErrCorruption, next, s.LastPageID(), SlotCode(v, loc.slot))
		}
		nv := withColID(WithSlotCode(v, loc.slot, freshCode(pageType)), colID)
		if !ext.CompareAndSwap(v, nv) {
			continue
		}
		amp.dirty.Store(true)
		s.lastPageID.Store(uint32(next))
		return next, true, nil
	}
}

// appendAMP adds the allocation map page at pageID. Callers hold growMu.
func (s *Service) appendAMP(pageID pagemanager.PageID) {
	old := s.snapshot()
	if len(old) > 0 && old[len(old)-1].pageID >= pageID {
		return
	}
	amp := &ampPage{pageID: pageID}
	amp.dirty.Store(true)
	amps := make([]*ampPage, len(old), len(old)+1)
	copy(amps, old)
	amps = append(amps, amp)
	s.amps.Store(&amps)
	s.lastPageID.Store(uint32(pageID))
	s.logger.Info("allocation map extended", zap.Uint32("amp_page_id", uint32(pageID)))
}

// ExtendTo grows the map so pageID is allocated. Used when replaying pages
// from the log on open.
func (s *Service) ExtendTo(pageID pagemanager.PageID) {
	s.growMu.Lock()
	defer s.growMu.Unlock()
	for k := len(s.snapshot()); AMPPageID(k) <= pageID; k++ {
		s.appendAMP(AMPPageID(k))
	}
	if pageID > s.LastPageID() {
		s.lastPageID.Store(uint32(pageID))
	}
}

// UpdateMap records the free space of a page after it changed. The first
// write claims an unassigned extent for colID; a different owner or page
// type is corruption. Writing PageTypeEmpty frees the slot, and an extent
// with no pages left returns to unassigned.
func (s *Service) UpdateMap(pageID pagemanager.PageID, pageType pagemanager.PageType, colID byte, freeBytes int) error {
	loc, ok := locate(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d is not tracked by the allocation map", flushmanager.ErrInvariantViolation, pageID)
	}
	amp, ext, ok := s.extent(loc)
	if !ok || pageID > s.LastPageID() {
		return fmt.Errorf("%w: page %d beyond last page id %d", flushmanager.ErrInvariantViolation, pageID, s.LastPageID())
	}
	code := FreeCode(pageType, freeBytes)
	for {
		v := ext.Load()
		if owner := ExtentColID(v); owner != 0 && owner != colID {
			return fmt.Errorf("%w: page %d is owned by collection %d, not %d",
				flushmanager.ErrPageOwnerMismatch, pageID, owner, colID)
		}
		if cur := SlotCode(v, loc.slot); cur != CodeEmpty && code != CodeEmpty && !sameClass(cur, code) {
			return fmt.Errorf("%w: page %d changes type (code %d -> %d)",
				flushmanager.ErrPageOwnerMismatch, pageID, cur, code)
		}
		nv := WithSlotCode(v, loc.slot, code)
		if allSlotsEmpty(nv) {
			nv = withColID(nv, 0)
		} else {
			nv = withColID(nv, colID)
		}
		if nv == v {
			return nil
		}
		if ext.CompareAndSwap(v, nv) {
			amp.dirty.Store(true)
			return nil
		}
	}
}

// Extent returns the packed value covering pageID.
func (s *Service) Extent(pageID pagemanager.PageID) (uint32, bool) {
	loc, ok := locate(pageID)
	if !ok {
		return 0, false
	}
	_, ext, ok := s.extent(loc)
	if !ok {
		return 0, false
	}
	return ext.Load(), true
}

// PageCode returns the free-space code recorded for pageID.
func (s *Service) PageCode(pageID pagemanager.PageID) (byte, bool) {
	loc, ok := locate(pageID)
	if !ok || pageID > s.LastPageID() {
		return 0, false
	}
	_, ext, ok := s.extent(loc)
	if !ok {
		return 0, false
	}
	return SlotCode(ext.Load(), loc.slot), true
}

// Extents yields the first page id and packed value of every extent that
// starts at or below the last page id.
func (s *Service) Extents() iter.Seq2[pagemanager.PageID, uint32] {
	return func(yield func(pagemanager.PageID, uint32) bool) {
		last := s.LastPageID()
		for k, amp := range s.snapshot() {
			for e := 0; e < ExtentsPerAMP; e++ {
				first := location{amp: k, extent: e}.pageID()
				if first > last {
					return
				}
				if !yield(first, amp.extents[e].Load()) {
					return
				}
			}
		}
	}
}

// DirtyPages yields every modified allocation map page as a buffer positioned
// at its home slot. A page stays clean once the consumer moved on to the next
// one; the page a consumer stops at is dirty again afterwards.
func (s *Service) DirtyPages() iter.Seq[*pagemanager.PageBuffer] {
	return func(yield func(*pagemanager.PageBuffer) bool) {
		for _, amp := range s.snapshot() {
			// Cleared before encoding so a concurrent change re-marks the page.
			if !amp.dirty.CompareAndSwap(true, false) {
				continue
			}
			if !yield(amp.encode()) {
				amp.dirty.Store(true)
				return
			}
		}
	}
}

// DirtyCount is the number of allocation map pages awaiting a write.
func (s *Service) DirtyCount() int {
	n := 0
	for _, amp := range s.snapshot() {
		if amp.dirty.Load() {
			n++
		}
	}
	return n
}

func (amp *ampPage) encode() *pagemanager.PageBuffer {
	buf := pagemanager.NewPageBuffer()
	buf.InitPage(amp.pageID, pagemanager.PageTypeAllocationMap, 0)
	used := 0
	for e := 0; e < ExtentsPerAMP; e++ {
		v := amp.extents[e].Load()
		buf.WriteUint32(pagemanager.PageHeaderSize+e*4, v)
		if v != 0 {
			used = (e + 1) * 4
		}
	}
	buf.SetUsedBytes(uint16(used))
	buf.SetPosition(uint32(amp.pageID))
	return buf
}

func allocatable(pageType pagemanager.PageType) bool {
	return pageType == pagemanager.PageTypeData || pageType == pagemanager.PageTypeIndex
}
