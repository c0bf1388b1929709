package allocationmap

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

func TestExtentPacking(t *testing.T) {
	codes := [ExtentSize]byte{1, 2, 3, 4, 5, 6, 0, 7}
	v := PackExtent(42, codes)
	require.Equal(t, byte(42), ExtentColID(v))
	for i, c := range codes {
		require.Equal(t, c, SlotCode(v, i), "slot %d", i)
	}

	v = WithSlotCode(v, 3, CodeData60)
	require.Equal(t, CodeData60, SlotCode(v, 3))
	require.Equal(t, byte(3), SlotCode(v, 2), "neighbours untouched")
	require.Equal(t, byte(5), SlotCode(v, 4))
	require.Equal(t, byte(42), ExtentColID(v))
}

func TestFreeCode(t *testing.T) {
	p := pagemanager.PagePayloadSize
	require.Equal(t, CodeData60, FreeCode(pagemanager.PageTypeData, p))
	require.Equal(t, CodeData30, FreeCode(pagemanager.PageTypeData, p/2))
	require.Equal(t, CodeData10, FreeCode(pagemanager.PageTypeData, p/5))
	require.Equal(t, CodeDataFull, FreeCode(pagemanager.PageTypeData, 10))
	require.Equal(t, CodeIndexRoom, FreeCode(pagemanager.PageTypeIndex, 4000))
	require.Equal(t, CodeIndexFull, FreeCode(pagemanager.PageTypeIndex, 100))
	require.Equal(t, CodeEmpty, FreeCode(pagemanager.PageTypeEmpty, 0))
}

func TestHasFreeSpace_Cases(t *testing.T) {
	data := pagemanager.PageTypeData
	index := pagemanager.PageTypeIndex

	require.True(t, HasFreeSpace(0, 9, data, 4000), "unassigned extent matches anything")

	full := PackExtent(3, [ExtentSize]byte{4, 4, 4, 4, 4, 4, 4, 4})
	require.False(t, HasFreeSpace(full, 3, data, 2000))
	require.True(t, HasFreeSpace(full, 3, data, 1), "a tiny request may fit a <10% page")
	require.False(t, HasFreeSpace(full, 4, data, 1), "other collection")

	mixed := PackExtent(3, [ExtentSize]byte{6, 6, 2, 6, 6, 6, 6, 6})
	require.True(t, HasFreeSpace(mixed, 3, data, 2000))
	require.False(t, HasFreeSpace(mixed, 3, data, 6000))
	require.False(t, HasFreeSpace(mixed, 3, index, 0), "no index page with room")

	withHole := PackExtent(3, [ExtentSize]byte{6, 6, 6, 0, 6, 6, 6, 6})
	require.True(t, HasFreeSpace(withHole, 3, data, 8000))
	require.True(t, HasFreeSpace(withHole, 3, index, 0))
}

// HasFreeSpace is true iff some slot matches owner, type and bucket.
func TestHasFreeSpace_Property(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	types := []pagemanager.PageType{pagemanager.PageTypeData, pagemanager.PageTypeIndex}
	for iter := 0; iter < 20000; iter++ {
		var codes [ExtentSize]byte
		for i := range codes {
			codes[i] = byte(rng.IntN(7))
		}
		owner := byte(rng.IntN(3))
		v := PackExtent(owner, codes)
		colID := byte(1 + rng.IntN(2))
		pageType := types[rng.IntN(2)]
		length := rng.IntN(pagemanager.PagePayloadSize + 1)

		want := false
		if owner == 0 || owner == colID {
			req := FreeCode(pageType, length)
			for _, c := range codes {
				switch {
				case c == CodeEmpty:
					want = true
				case pageType == pagemanager.PageTypeData && c >= CodeData60 && c <= CodeDataFull && c <= req:
					want = true
				case pageType == pagemanager.PageTypeIndex && c == CodeIndexRoom:
					want = true
				}
			}
		}
		require.Equal(t, want, HasFreeSpace(v, colID, pageType, length), "extent %#x col %d type %s len %d", v, colID, pageType, length)
	}
}

// A page with exact free space F always passes the pre-check for any length <= F.
func TestHasFreeSpace_NeverRejectsFittingPage(t *testing.T) {
	for free := 0; free <= pagemanager.PagePayloadSize; free += 37 {
		code := FreeCode(pagemanager.PageTypeData, free)
		v := PackExtent(1, [ExtentSize]byte{code, 4, 4, 4, 4, 4, 4, 4})
		for length := 0; length <= free; length += 101 {
			require.True(t, HasFreeSpace(v, 1, pagemanager.PageTypeData, length), "free %d length %d", free, length)
		}
	}
}

func TestLocate(t *testing.T) {
	_, ok := locate(0)
	require.False(t, ok)
	_, ok = locate(FirstAMPPageID)
	require.False(t, ok)
	_, ok = locate(AMPPageID(1))
	require.False(t, ok)

	loc, ok := locate(2)
	require.True(t, ok)
	require.Equal(t, location{amp: 0, extent: 0, slot: 0}, loc)

	loc, ok = locate(AMPPageID(1) + 9)
	require.True(t, ok)
	require.Equal(t, location{amp: 1, extent: 1, slot: 0}, loc)
	require.Equal(t, AMPPageID(1)+9, loc.pageID())
	require.Equal(t, pagemanager.PageID(AMPStride+1), AMPPageID(1))
}

func TestService_NewPageAndUpdate(t *testing.T) {
	s := NewService(zap.NewNop())
	require.Equal(t, FirstAMPPageID, s.LastPageID())

	id, last, err := s.NewPageID(5, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.True(t, last)
	require.Equal(t, pagemanager.PageID(2), id)

	// The fresh page is reserved: a free-space query for col 5 finds it.
	require.Equal(t, id, s.GetFreePageID(5, pagemanager.PageTypeData, 1000))
	// The extent is owned by col 5 now, col 6 gets nothing from it.
	require.Equal(t, pagemanager.NotFoundPageID, s.GetFreePageID(6, pagemanager.PageTypeData, 1000))

	require.NoError(t, s.UpdateMap(id, pagemanager.PageTypeData, 5, 100))
	require.Equal(t, pagemanager.NotFoundPageID, s.GetFreePageID(5, pagemanager.PageTypeData, 1000))
	code, ok := s.PageCode(id)
	require.True(t, ok)
	require.Equal(t, CodeDataFull, code)
	_, ok = s.PageCode(id + 100)
	require.False(t, ok, "beyond the last page id")

	err = s.UpdateMap(id, pagemanager.PageTypeData, 6, 100)
	require.ErrorIs(t, err, flushmanager.ErrPageOwnerMismatch)
	require.True(t, flushmanager.IsFatal(err))

	err = s.UpdateMap(id, pagemanager.PageTypeIndex, 5, 4000)
	require.ErrorIs(t, err, flushmanager.ErrPageOwnerMismatch)

	// Freeing the only page of the extent releases the extent.
	require.NoError(t, s.UpdateMap(id, pagemanager.PageTypeEmpty, 5, 0))
	v, ok := s.Extent(id)
	require.True(t, ok)
	require.Equal(t, uint32(0), v)

	// Freed slots are reused before the file grows.
	reused, last, err := s.NewPageID(6, pagemanager.PageTypeIndex)
	require.NoError(t, err)
	require.False(t, last)
	require.Equal(t, id, reused)
}

func TestService_NewPageSkipsForeignExtent(t *testing.T) {
	s := NewService(zap.NewNop())
	a, _, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(2), a)

	b, last, err := s.NewPageID(2, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.True(t, last)
	require.Equal(t, pagemanager.PageID(2+ExtentSize), b, "collection 2 starts a new extent")

	// The skipped slots of collection 1's extent are reused by collection 1.
	c, last, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.False(t, last)
	require.Equal(t, pagemanager.PageID(3), c)

	_, _, err = s.NewPageID(0, pagemanager.PageTypeData)
	require.ErrorIs(t, err, flushmanager.ErrInvalidColID)
}

func TestService_GrowsPastAMPBoundary(t *testing.T) {
	s := NewService(zap.NewNop())
	s.ExtendTo(AMPPageID(1) - 1)
	full := PackExtent(1, [ExtentSize]byte{4, 4, 4, 4, 4, 4, 4, 4})
	for e := range s.snapshot()[0].extents {
		s.snapshot()[0].extents[e].Store(full)
	}
	id, last, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.True(t, last)
	require.Equal(t, AMPPageID(1)+1, id)
	require.Len(t, s.snapshot(), 2)
}

func TestService_DirtyPagesStoppedConsumerKeepsPageDirty(t *testing.T) {
	s := NewService(zap.NewNop())
	s.ExtendTo(AMPStride + 10)
	require.Equal(t, 2, s.DirtyCount())

	// A consumer whose write fails stops at the first page.
	for range s.DirtyPages() {
		break
	}
	require.Equal(t, 2, s.DirtyCount())

	written := 0
	for range s.DirtyPages() {
		if written == 1 {
			break
		}
		written++
	}
	require.Equal(t, 1, s.DirtyCount())

	for range s.DirtyPages() {
		written++
	}
	require.Equal(t, 2, written)
	require.Zero(t, s.DirtyCount())
}

func TestService_DirtyPagesAndLoad(t *testing.T) {
	s := NewService(zap.NewNop())
	var ids []pagemanager.PageID
	for i := 0; i < 20; i++ {
		id, _, err := s.NewPageID(byte(1+i%3), pagemanager.PageTypeData)
		require.NoError(t, err)
		require.NoError(t, s.UpdateMap(id, pagemanager.PageTypeData, byte(1+i%3), 3000))
		ids = append(ids, id)
	}

	disk := map[pagemanager.PageID][]byte{}
	n := 0
	for buf := range s.DirtyPages() {
		require.Equal(t, pagemanager.PageTypeAllocationMap, buf.GetPageType())
		require.Equal(t, uint32(buf.GetPageID()), buf.GetPosition())
		disk[buf.GetPageID()] = append([]byte(nil), buf.GetData()...)
		n++
	}
	require.Equal(t, 1, n)
	require.Equal(t, 0, s.DirtyCount())
	for range s.DirtyPages() {
		t.Fatal("dirty pages are yielded once")
	}

	loaded, err := Load(s.LastPageID(), func(id pagemanager.PageID, buf *pagemanager.PageBuffer) (bool, error) {
		data, ok := disk[id]
		if !ok {
			return false, nil
		}
		copy(buf.GetData(), data)
		return true, nil
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, s.LastPageID(), loaded.LastPageID())
	for _, id := range ids {
		want, _ := s.Extent(id)
		got, _ := loaded.Extent(id)
		require.Equal(t, want, got, "page %d", id)
	}
}

func TestService_ConcurrentClaims(t *testing.T) {
	s := NewService(zap.NewNop())
	s.ExtendTo(2 + 64*ExtentSize)

	var g errgroup.Group
	results := make([][]pagemanager.PageID, 4)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 40; i++ {
				id, _, err := s.NewPageID(byte(w+1), pagemanager.PageTypeData)
				if err != nil {
					return err
				}
				if err := s.UpdateMap(id, pagemanager.PageTypeData, byte(w+1), 10); err != nil {
					return err
				}
				results[w] = append(results[w], id)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[pagemanager.PageID]int{}
	for w, ids := range results {
		for _, id := range ids {
			prev, dup := seen[id]
			require.False(t, dup, "page %d claimed by %d and %d", id, prev, w)
			seen[id] = w
			v, _ := s.Extent(id)
			require.Equal(t, byte(w+1), ExtentColID(v))
		}
	}
}

func TestService_FreeSlotsGoThroughNewPageID(t *testing.T) {
	s := NewService(zap.NewNop())

	// Col 1 takes page 2, col 2 takes the next extent: pages 3..9 stay empty
	// inside col 1's extent, below the last page id.
	p1, _, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMap(p1, pagemanager.PageTypeData, 1, 3000))
	p2, _, err := s.NewPageID(2, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(2+ExtentSize), p2)
	require.NoError(t, s.UpdateMap(p2, pagemanager.PageTypeData, 2, 8000))

	// Nothing with content fits 5000 bytes in col 1, so no empty slot is offered.
	require.Equal(t, pagemanager.NotFoundPageID, s.GetFreePageID(1, pagemanager.PageTypeData, 5000))
	code, ok := s.PageCode(p1 + 1)
	require.True(t, ok)
	require.Equal(t, CodeEmpty, code, "a failed lookup reserves nothing")

	id, grew, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.False(t, grew)
	require.Equal(t, p1+1, id)

	// A freed page is reused by NewPageID and never offered as free space.
	require.NoError(t, s.UpdateMap(id, pagemanager.PageTypeEmpty, 1, 0))
	require.Equal(t, pagemanager.NotFoundPageID, s.GetFreePageID(1, pagemanager.PageTypeData, 5000))
	again, _, err := s.NewPageID(1, pagemanager.PageTypeData)
	require.NoError(t, err)
	require.Equal(t, id, again)
}
