package allocationmap

import (
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// An extent value packs the owner collection and one free-space code per page:
//
//	bits 31..24  ColID (0 = unassigned)
//	bits 23..0   ExtentSize codes of CodeBits each, slot 0 in the low bits
const (
	ExtentSize = 8
	CodeBits   = 3

	codeMask   = 1<<CodeBits - 1
	colIDShift = 24

	// ExtentsPerAMP is how many packed extents fit in one allocation map page.
	ExtentsPerAMP = pagemanager.PagePayloadSize / 4
	// AMPStride is the distance between consecutive allocation map pages.
	AMPStride = 1 + ExtentsPerAMP*ExtentSize
	// FirstAMPPageID is the first allocation map page, right after the header.
	FirstAMPPageID pagemanager.PageID = 1
)

// Free-space codes.
const (
	CodeEmpty         byte = 0 // no page content, matches any request
	CodeData60        byte = 1 // data page, >= 60% of payload free
	CodeData30        byte = 2 // data page, >= 30% free
	CodeData10        byte = 3 // data page, >= 10% free
	CodeDataFull      byte = 4 // data page, < 10% free
	CodeIndexRoom     byte = 5 // index page that can take another node entry
	CodeIndexFull     byte = 6
	codeReserved      byte = 7
	indexRoomMinBytes      = 1024
)

// PackExtent builds an extent value.
func PackExtent(colID byte, codes [ExtentSize]byte) uint32 {
	v := uint32(colID) << colIDShift
	for i, c := range codes {
		v |= uint32(c&codeMask) << (i * CodeBits)
	}
	return v
}

// ExtentColID returns the owner of an extent, 0 when unassigned.
func ExtentColID(v uint32) byte { return byte(v >> colIDShift) }

// SlotCode returns the free-space code of slot i.
func SlotCode(v uint32, i int) byte { return byte(v>>(i*CodeBits)) & codeMask }

// WithSlotCode returns v with slot i set to code.
func WithSlotCode(v uint32, i int, code byte) uint32 {
	shift := i * CodeBits
	return v&^(codeMask<<shift) | uint32(code&codeMask)<<shift
}

func withColID(v uint32, colID byte) uint32 {
	return v&(1<<colIDShift-1) | uint32(colID)<<colIDShift
}

func allSlotsEmpty(v uint32) bool { return v&(1<<colIDShift-1) == 0 }

// FreeCode quantizes the exact free bytes of a page into its slot code.
func FreeCode(pageType pagemanager.PageType, freeBytes int) byte {
	switch pageType {
	case pagemanager.PageTypeData:
		switch {
		case freeBytes*100 >= pagemanager.PagePayloadSize*60:
			return CodeData60
		case freeBytes*100 >= pagemanager.PagePayloadSize*30:
			return CodeData30
		case freeBytes*100 >= pagemanager.PagePayloadSize*10:
			return CodeData10
		default:
			return CodeDataFull
		}
	case pagemanager.PageTypeIndex:
		if freeBytes >= indexRoomMinBytes {
			return CodeIndexRoom
		}
		return CodeIndexFull
	default:
		return CodeEmpty
	}
}

// freshCode is the code of a just-allocated page of the given type.
func freshCode(pageType pagemanager.PageType) byte {
	return FreeCode(pageType, pagemanager.PagePayloadSize)
}

// requiredCode is the largest slot code that may still hold length bytes of
// the given page type. Codes are monotonic in free space, so any page that
// really fits the request has a code <= requiredCode.
func requiredCode(pageType pagemanager.PageType, length int) byte {
	return FreeCode(pageType, length)
}

// slotMatches reports whether a single slot code can serve the request.
func slotMatches(code byte, pageType pagemanager.PageType, required byte) bool {
	if code == CodeEmpty {
		return true
	}
	switch pageType {
	case pagemanager.PageTypeData:
		return code >= CodeData60 && code <= CodeDataFull && code <= required
	case pagemanager.PageTypeIndex:
		return code == CodeIndexRoom
	}
	return false
}

// sameClass reports whether two non-empty codes describe the same page type.
func sameClass(a, b byte) bool {
	return isDataCode(a) == isDataCode(b)
}

func isDataCode(c byte) bool { return c >= CodeData60 && c <= CodeDataFull }

// HasFreeSpace is a necessary pre-check over one packed extent: true when the
// extent is unassigned or owned by colID, and some slot is empty or holds a
// page of pageType whose bucket may fit length bytes. The page itself must
// still be read to confirm the exact free space.
func HasFreeSpace(extent uint32, colID byte, pageType pagemanager.PageType, length int) bool {
	return firstMatchingSlot(extent, colID, pageType, length) >= 0
}

func firstMatchingSlot(extent uint32, colID byte, pageType pagemanager.PageType, length int) int {
	if owner := ExtentColID(extent); owner != 0 && owner != colID {
		return -1
	}
	required := requiredCode(pageType, length)
	for i := 0; i < ExtentSize; i++ {
		if slotMatches(SlotCode(extent, i), pageType, required) {
			return i
		}
	}
	return -1
}

// Location of a page inside the allocation map.
type location struct {
	amp    int // index of the allocation map page
	extent int
	slot   int
}

// AMPPageID returns the page id of the k-th allocation map page.
func AMPPageID(k int) pagemanager.PageID {
	return FirstAMPPageID + pagemanager.PageID(k*AMPStride)
}

// IsAMPPage reports whether pageID is an allocation map page.
func IsAMPPage(pageID pagemanager.PageID) bool {
	return pageID >= FirstAMPPageID && (pageID-FirstAMPPageID)%AMPStride == 0
}

// locate maps a data or index PageID to its extent slot.
func locate(pageID pagemanager.PageID) (location, bool) {
	if pageID <= FirstAMPPageID || IsAMPPage(pageID) || pageID == pagemanager.NotFoundPageID {
		return location{}, false
	}
	rel := int(pageID - FirstAMPPageID)
	off := rel%AMPStride - 1
	return location{amp: rel / AMPStride, extent: off / ExtentSize, slot: off % ExtentSize}, true
}

func (l location) pageID() pagemanager.PageID {
	return AMPPageID(l.amp) + 1 + pagemanager.PageID(l.extent*ExtentSize+l.slot)
}
