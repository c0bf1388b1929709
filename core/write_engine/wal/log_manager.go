package wal

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodoc/core/transaction"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Types ---

// LogRecord describes one page copy in the log region.
type LogRecord struct {
	PositionID    uint32
	PageID        pagemanager.PageID
	TransactionID uint32
	IsConfirmed   bool // last page of a committed transaction
}

// LogManager appends transaction pages to the log region of the database
// file: every slot above the data area's last page id. Slots are written once
// and only reclaimed by a checkpoint.
type LogManager struct {
	disk         *flushmanager.DiskManager
	mu           sync.Mutex // protects the fields below
	lastPageID   pagemanager.PageID
	nextPosition uint32
	records      []LogRecord
	confirmed    map[uint32]struct{}
	logger       *zap.Logger

	// Recovery analysis: TxnID -> state as seen while scanning the log.
	recoveryTxnStates map[uint32]transaction.TransactionState
}

// NewLogManager creates a LogManager whose log region starts right after
// lastPageID.
func NewLogManager(disk *flushmanager.DiskManager, lastPageID pagemanager.PageID, logger *zap.Logger) *LogManager {
	lm := &LogManager{
		disk:              disk,
		lastPageID:        lastPageID,
		nextPosition:      uint32(lastPageID) + 1,
		confirmed:         make(map[uint32]struct{}),
		logger:            logger.Named("log_manager"),
		recoveryTxnStates: make(map[uint32]transaction.TransactionState),
	}
	lm.logger.Info("log manager initialized", zap.Uint32("last_page_id", uint32(lastPageID)), zap.Uint32("log_start", lm.nextPosition))
	return lm
}

// WriteLogPages appends pages of transaction txnID to the log. When commit is
// set the last page carries the confirm flag, the write is flushed and the
// transaction counts as confirmed. The returned positions are in page order.
func (lm *LogManager) WriteLogPages(txnID uint32, pages []*pagemanager.PageBuffer, commit bool) ([]PagePosition, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	positions := make([]PagePosition, 0, len(pages))
	for i, p := range pages {
		if p.GetPageID() == pagemanager.HeaderPageID {
			return nil, fmt.Errorf("%w: header page cannot be logged", flushmanager.ErrInvariantViolation)
		}
		confirm := commit && i == len(pages)-1
		p.SetTransactionID(txnID)
		p.SetConfirmed(confirm)
		p.SetPosition(lm.nextPosition)
		if err := lm.disk.WritePage(p); err != nil {
			return nil, fmt.Errorf("failed to append page %d of txn %d at slot %d: %w", p.GetPageID(), txnID, lm.nextPosition, err)
		}
		lm.records = append(lm.records, LogRecord{
			PositionID:    lm.nextPosition,
			PageID:        p.GetPageID(),
			TransactionID: txnID,
			IsConfirmed:   confirm,
		})
		positions = append(positions, PagePosition{PageID: p.GetPageID(), Position: lm.nextPosition})
		lm.nextPosition++
	}
	if commit {
		if err := lm.disk.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush commit of txn %d: %w", txnID, err)
		}
		lm.confirmed[txnID] = struct{}{}
	}
	lm.logger.Debug("log pages written",
		zap.Uint32("txn_id", txnID),
		zap.Int("pages", len(pages)),
		zap.Bool("commit", commit),
		zap.Uint32("next_position", lm.nextPosition))
	return positions, nil
}

// Recover scans the log region left by a previous run. Confirmed
// transactions are published into index in log order, one version each, and
// apply is called for every page of a confirmed transaction. A torn or empty
// slot ends the log.
func (lm *LogManager) Recover(index *WalIndex, apply func(*pagemanager.PageBuffer) error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	slots, err := lm.disk.SlotCount()
	if err != nil {
		return err
	}
	lm.records = lm.records[:0]
	clear(lm.confirmed)
	lm.recoveryTxnStates = make(map[uint32]transaction.TransactionState)

	// --- Analysis pass ---
	buf := pagemanager.NewPageBuffer()
	position := uint32(lm.lastPageID) + 1
	for ; position < slots; position++ {
		ok, err := lm.disk.ReadPage(position, buf)
		if errors.Is(err, flushmanager.ErrChecksumMismatch) {
			lm.logger.Warn("torn log page ends the log", zap.Uint32("position", position), zap.Error(err))
			break
		}
		if err != nil {
			return err
		}
		if !ok || buf.IsEmpty() {
			break
		}
		if buf.IsCheckpointMarker() {
			lm.logger.Warn("log ends at the marker of an interrupted checkpoint", zap.Uint32("position", position))
			break
		}
		if buf.GetPageID() == pagemanager.HeaderPageID {
			return fmt.Errorf("%w: log slot %d holds the header page", flushmanager.ErrCorruption, position)
		}
		rec := LogRecord{
			PositionID:    position,
			PageID:        buf.GetPageID(),
			TransactionID: buf.GetTransactionID(),
			IsConfirmed:   buf.IsConfirmed(),
		}
		lm.records = append(lm.records, rec)
		if rec.IsConfirmed {
			lm.recoveryTxnStates[rec.TransactionID] = transaction.TxnStateCommitted
			lm.confirmed[rec.TransactionID] = struct{}{}
		} else if _, seen := lm.recoveryTxnStates[rec.TransactionID]; !seen {
			lm.recoveryTxnStates[rec.TransactionID] = transaction.TxnStateRunning
		}
		index.ObserveTransactionID(rec.TransactionID)
	}
	lm.nextPosition = position

	// --- Redo pass: publish confirmed transactions in commit order ---
	var (
		version uint32
		pending = map[uint32][]LogRecord{}
	)
	for _, rec := range lm.records {
		if lm.recoveryTxnStates[rec.TransactionID] != transaction.TxnStateCommitted {
			continue
		}
		pending[rec.TransactionID] = append(pending[rec.TransactionID], rec)
		if !rec.IsConfirmed {
			continue
		}
		version++
		txnRecords := pending[rec.TransactionID]
		delete(pending, rec.TransactionID)

		positions := make([]PagePosition, 0, len(txnRecords))
		for _, r := range txnRecords {
			positions = append(positions, PagePosition{PageID: r.PageID, Position: r.PositionID})
			if apply != nil {
				if _, err := lm.disk.ReadPage(r.PositionID, buf); err != nil {
					return err
				}
				if err := apply(buf); err != nil {
					return fmt.Errorf("failed to replay page %d from slot %d: %w", r.PageID, r.PositionID, err)
				}
			}
		}
		if err := index.AddVersion(version, positions); err != nil {
			return err
		}
	}
	index.SetCurrentVersion(version)

	// --- Undo: nothing to write, unconfirmed slots are cleared by the next checkpoint ---
	unconfirmed := 0
	for txnID, state := range lm.recoveryTxnStates {
		if state != transaction.TxnStateCommitted {
			lm.recoveryTxnStates[txnID] = transaction.TxnStateAborted
			unconfirmed++
		}
	}
	lm.logger.Info("log recovery complete",
		zap.Int("log_pages", len(lm.records)),
		zap.Int("confirmed_txns", len(lm.confirmed)),
		zap.Int("aborted_txns", unconfirmed),
		zap.Uint32("versions", version))
	return nil
}

// Records returns a copy of the log records in position order.
func (lm *LogManager) Records() []LogRecord {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return slices.Clone(lm.records)
}

// ConfirmedTransactions returns a copy of the confirmed transaction set.
func (lm *LogManager) ConfirmedTransactions() map[uint32]struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return maps.Clone(lm.confirmed)
}

// TransactionState reports what recovery concluded about txnID.
func (lm *LogManager) TransactionState(txnID uint32) (transaction.TransactionState, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	state, ok := lm.recoveryTxnStates[txnID]
	return state, ok
}

// LastPageID is the data area boundary the log region starts after.
func (lm *LogManager) LastPageID() pagemanager.PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastPageID
}

// NextPosition is the first slot past every log page written so far.
func (lm *LogManager) NextPosition() uint32 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextPosition
}

// PageCount is the number of pages in the log region.
func (lm *LogManager) PageCount() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.records)
}

// Reset empties the log after a checkpoint moved the data area boundary to
// lastPageID.
func (lm *LogManager) Reset(lastPageID pagemanager.PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.lastPageID = lastPageID
	lm.nextPosition = uint32(lastPageID) + 1
	lm.records = lm.records[:0]
	clear(lm.confirmed)
	clear(lm.recoveryTxnStates)
	lm.logger.Debug("log reset", zap.Uint32("last_page_id", uint32(lastPageID)))
}
