package wal

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// NotFoundPosition is returned by GetPagePosition when the data file copy of
// the page must be read.
const NotFoundPosition uint32 = math.MaxUint32

// PagePosition locates one committed copy of a page in the log region.
type PagePosition struct {
	PageID   pagemanager.PageID
	Position uint32
}

type versionEntry struct {
	version  uint32
	position uint32
}

// pageVersions is append-only between checkpoints.
type pageVersions struct {
	mu      sync.RWMutex
	entries []versionEntry
}

// WalIndex maps each page to the log positions of its committed versions.
// Version 0 means "no log copy applies, read the data file".
type WalIndex struct {
	index          sync.Map // pagemanager.PageID -> *pageVersions
	pages          atomic.Int64
	positions      atomic.Int64
	currentVersion atomic.Uint32
	lastTxnID      atomic.Uint32
	commitMu       sync.Mutex // orders version assignment with publication
}

func NewWalIndex() *WalIndex {
	return &WalIndex{}
}

// CurrentReadVersion is the newest fully published version. A transaction
// reads at the version current when it started.
func (w *WalIndex) CurrentReadVersion() uint32 { return w.currentVersion.Load() }

// NextTransactionID hands out transaction ids. They are unrelated to versions.
func (w *WalIndex) NextTransactionID() uint32 { return w.lastTxnID.Add(1) }

// ObserveTransactionID keeps ids issued after recovery above those in the log.
func (w *WalIndex) ObserveTransactionID(id uint32) {
	for {
		cur := w.lastTxnID.Load()
		if id <= cur || w.lastTxnID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// ConfirmTransaction publishes the pages of one commit under the next version
// and returns that version. Readers that started earlier keep seeing their
// snapshot.
func (w *WalIndex) ConfirmTransaction(positions []PagePosition) (uint32, error) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	version := w.currentVersion.Load() + 1
	if err := w.AddVersion(version, positions); err != nil {
		return 0, err
	}
	w.currentVersion.Store(version)
	return version, nil
}

// AddVersion appends version for every page. Versions per page must be
// presented in increasing order; the index does not sort. A batch that breaks
// the order is rejected as a whole and leaves the index unchanged.
func (w *WalIndex) AddVersion(version uint32, positions []PagePosition) error {
	if version == 0 {
		return fmt.Errorf("%w: version 0 is reserved for the data file", flushmanager.ErrInvariantViolation)
	}
	if err := w.checkVersion(version, positions); err != nil {
		return err
	}
	for _, pp := range positions {
		v, loaded := w.index.LoadOrStore(pp.PageID, &pageVersions{})
		if !loaded {
			w.pages.Add(1)
		}
		pv := v.(*pageVersions)
		pv.mu.Lock()
		if n := len(pv.entries); n > 0 && pv.entries[n-1].version == version {
			pv.mu.Unlock()
			continue
		}
		pv.entries = append(pv.entries, versionEntry{version: version, position: pp.Position})
		pv.mu.Unlock()
		w.positions.Add(1)
	}
	return nil
}

// checkVersion reports the first page of positions that cannot take version.
func (w *WalIndex) checkVersion(version uint32, positions []PagePosition) error {
	seen := make(map[pagemanager.PageID]uint32, len(positions))
	for _, pp := range positions {
		if pos, ok := seen[pp.PageID]; ok && pos != pp.Position {
			return fmt.Errorf("%w: page %d listed twice for version %d",
				flushmanager.ErrInvariantViolation, pp.PageID, version)
		}
		seen[pp.PageID] = pp.Position

		v, ok := w.index.Load(pp.PageID)
		if !ok {
			continue
		}
		pv := v.(*pageVersions)
		pv.mu.RLock()
		n := len(pv.entries)
		var last versionEntry
		if n > 0 {
			last = pv.entries[n-1]
		}
		pv.mu.RUnlock()
		if n > 0 && (last.version > version || (last.version == version && last.position != pp.Position)) {
			return fmt.Errorf("%w: page %d version %d added after version %d",
				flushmanager.ErrInvariantViolation, pp.PageID, version, last.version)
		}
	}
	return nil
}

// SetCurrentVersion publishes version after a log replay.
func (w *WalIndex) SetCurrentVersion(version uint32) {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	if version > w.currentVersion.Load() {
		w.currentVersion.Store(version)
	}
}

// GetPagePosition returns the log position of the newest copy of pageID with
// a version <= version, scanning from the newest entry backwards. On a miss,
// or for version 0, it returns (NotFoundPosition, 0).
func (w *WalIndex) GetPagePosition(pageID pagemanager.PageID, version uint32) (uint32, uint32) {
	if version == 0 {
		return NotFoundPosition, 0
	}
	v, ok := w.index.Load(pageID)
	if !ok {
		return NotFoundPosition, 0
	}
	pv := v.(*pageVersions)
	pv.mu.RLock()
	defer pv.mu.RUnlock()
	for i := len(pv.entries) - 1; i >= 0; i-- {
		if e := pv.entries[i]; e.version <= version {
			return e.position, e.version
		}
	}
	return NotFoundPosition, 0
}

// Clear drops the whole index. Only valid after a checkpoint moved every
// indexed page into the data file.
func (w *WalIndex) Clear() {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	w.index.Clear()
	w.pages.Store(0)
	w.positions.Store(0)
	w.currentVersion.Store(0)
}

// PageCount is the number of distinct pages with at least one log version.
func (w *WalIndex) PageCount() int64 { return w.pages.Load() }

// PositionCount is the number of indexed page versions.
func (w *WalIndex) PositionCount() int64 { return w.positions.Load() }

// LastTransactionID is the newest transaction id handed out or observed.
func (w *WalIndex) LastTransactionID() uint32 { return w.lastTxnID.Load() }
