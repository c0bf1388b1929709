package storageengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodoc/core/transaction"
	allocationmap "github.com/sushant-115/gojodoc/core/write_engine/allocation_map"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
)

// allocatedPage is a page this transaction took from the allocation map.
type allocatedPage struct {
	pageID pagemanager.PageID
	colID  byte
}

// Transaction is a unit of work over the page store. Reads see the state
// committed when the transaction started; once a collection is write-locked
// its pages are read at the newest committed version. Writes go to private
// page copies that become visible at Commit. A Transaction must be used by a
// single goroutine.
type Transaction struct {
	engine      *Engine
	id          uint32
	readVersion uint32
	readOnly    bool
	state       transaction.TransactionState
	started     time.Time
	logger      *zap.Logger

	pages       map[pagemanager.PageID]*pagemanager.PageBuffer // private writable copies
	order       []pagemanager.PageID
	allocated   []allocatedPage
	pins        map[uint32]*memtable.PinnedPage // by position
	collections map[byte]struct{}               // write-locked collections
}

func (tx *Transaction) ID() uint32 { return tx.id }

func (tx *Transaction) State() transaction.TransactionState { return tx.state }

func (tx *Transaction) ReadVersion() uint32 { return tx.readVersion }

func (tx *Transaction) checkRunning() error {
	if tx.state != transaction.TxnStateRunning {
		return fmt.Errorf("%w: txn %d is %s", flushmanager.ErrTxnInvalidState, tx.id, tx.state)
	}
	return tx.engine.checkState()
}

func (tx *Transaction) checkWritable() error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	if tx.readOnly {
		return fmt.Errorf("%w: txn %d", flushmanager.ErrTxnReadOnly, tx.id)
	}
	return nil
}

// lockCollection takes the write lock of colID once per transaction.
func (tx *Transaction) lockCollection(ctx context.Context, colID byte) error {
	if colID == 0 {
		return fmt.Errorf("%w: collection 0 is reserved", flushmanager.ErrInvalidColID)
	}
	if _, ok := tx.collections[colID]; ok {
		return nil
	}
	if err := tx.engine.locks.EnterCollectionWriteLock(ctx, colID); err != nil {
		return err
	}
	tx.collections[colID] = struct{}{}
	tx.readVersion = tx.engine.walIndex.CurrentReadVersion()
	return nil
}

// load pins the committed copy of pageID visible to this transaction. found
// is false when the page has no content yet.
func (tx *Transaction) load(pageID pagemanager.PageID) (pp *memtable.PinnedPage, found bool, err error) {
	e := tx.engine
	position, _ := e.walIndex.GetPagePosition(pageID, tx.readVersion)
	if position == wal.NotFoundPosition {
		if pageID > e.logManager.LastPageID() {
			return nil, false, nil
		}
		position = uint32(pageID)
	}
	if pp, ok := tx.pins[position]; ok {
		return pp, true, nil
	}
	if pp, ok := e.cache.Get(position); ok {
		tx.pins[position] = pp
		return pp, true, nil
	}

	buf := e.pool.Rent()
	ok, err := e.disk.ReadPage(position, buf)
	if err != nil {
		e.pool.Return(buf)
		return nil, false, e.fail(err)
	}
	if !ok || buf.IsEmpty() {
		e.pool.Return(buf)
		return nil, false, nil
	}
	if buf.GetPageID() != pageID {
		e.pool.Return(buf)
		return nil, false, e.fail(fmt.Errorf("%w: slot %d holds page %d, expected page %d",
			flushmanager.ErrCorruption, position, buf.GetPageID(), pageID))
	}
	pp, err = e.cache.Add(position, buf)
	if err != nil {
		// Another reader cached the slot first.
		e.pool.Return(buf)
		var ok bool
		if pp, ok = e.cache.Get(position); !ok {
			return nil, false, e.fail(err)
		}
	}
	tx.pins[position] = pp
	return pp, true, nil
}

func checkPageID(pageID pagemanager.PageID) error {
	if pageID == pagemanager.HeaderPageID || pageID == pagemanager.NotFoundPageID || allocationmap.IsAMPPage(pageID) {
		return fmt.Errorf("%w: page %d is not a content page", flushmanager.ErrPageNotFound, pageID)
	}
	return nil
}

// GetPage returns a read-only view of pageID. Pages changed by this
// transaction are returned as changed. The buffer must not be modified and
// is valid until the transaction ends.
func (tx *Transaction) GetPage(ctx context.Context, pageID pagemanager.PageID) (*pagemanager.PageBuffer, error) {
	if err := tx.checkRunning(); err != nil {
		return nil, err
	}
	if err := checkPageID(pageID); err != nil {
		return nil, err
	}
	if p, ok := tx.pages[pageID]; ok {
		return p, nil
	}
	pp, found, err := tx.load(pageID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: page %d", flushmanager.ErrPageNotFound, pageID)
	}
	return pp.Page(), nil
}

// GetWritablePage returns this transaction's private copy of pageID, which
// must belong to colID. The collection is write-locked until the transaction
// ends.
func (tx *Transaction) GetWritablePage(ctx context.Context, colID byte, pageID pagemanager.PageID) (*pagemanager.PageBuffer, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := checkPageID(pageID); err != nil {
		return nil, err
	}
	if err := tx.lockCollection(ctx, colID); err != nil {
		return nil, err
	}
	if p, ok := tx.pages[pageID]; ok {
		if p.GetColID() != colID {
			return nil, fmt.Errorf("%w: page %d belongs to collection %d", flushmanager.ErrPageNotFound, pageID, p.GetColID())
		}
		return p, nil
	}
	pp, found, err := tx.load(pageID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: page %d", flushmanager.ErrPageNotFound, pageID)
	}
	if pp.Page().GetColID() != colID {
		return nil, fmt.Errorf("%w: page %d belongs to collection %d", flushmanager.ErrPageNotFound, pageID, pp.Page().GetColID())
	}
	return tx.track(pageID, tx.engine.pool.RentCopy(pp.Page())), nil
}

func (tx *Transaction) track(pageID pagemanager.PageID, p *pagemanager.PageBuffer) *pagemanager.PageBuffer {
	p.SetPosition(pagemanager.UndefinedPosition)
	p.SetDirty(true)
	tx.pages[pageID] = p
	tx.order = append(tx.order, pageID)
	return p
}

func (tx *Transaction) fresh(pageID pagemanager.PageID, colID byte, pageType pagemanager.PageType) *pagemanager.PageBuffer {
	p := tx.engine.pool.Rent()
	p.InitPage(pageID, pageType, colID)
	tx.allocated = append(tx.allocated, allocatedPage{pageID: pageID, colID: colID})
	return tx.track(pageID, p)
}

// NewPage allocates an empty page of pageType for colID.
func (tx *Transaction) NewPage(ctx context.Context, colID byte, pageType pagemanager.PageType) (*pagemanager.PageBuffer, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := tx.lockCollection(ctx, colID); err != nil {
		return nil, err
	}
	pageID, _, err := tx.engine.allocMap.NewPageID(colID, pageType)
	if err != nil {
		return nil, tx.engine.fail(err)
	}
	return tx.fresh(pageID, colID, pageType), nil
}

// GetFreePage returns a page of colID and pageType that the allocation map
// expects to have room for length bytes, allocating a new one when none does.
func (tx *Transaction) GetFreePage(ctx context.Context, colID byte, pageType pagemanager.PageType, length int) (*pagemanager.PageBuffer, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := tx.lockCollection(ctx, colID); err != nil {
		return nil, err
	}
	pageID := tx.engine.allocMap.GetFreePageID(colID, pageType, length)
	if pageID == pagemanager.NotFoundPageID {
		return tx.NewPage(ctx, colID, pageType)
	}
	if p, ok := tx.pages[pageID]; ok {
		return p, nil
	}
	pp, found, err := tx.load(pageID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tx.engine.fail(fmt.Errorf("%w: map tracks page %d but it has no content",
			flushmanager.ErrCorruption, pageID))
	}
	if pp.Page().GetColID() != colID || pp.Page().GetPageType() != pageType {
		return nil, tx.engine.fail(fmt.Errorf("%w: map offered %s for collection %d %s",
			flushmanager.ErrPageOwnerMismatch, pp.Page(), colID, pageType))
	}
	return tx.track(pageID, tx.engine.pool.RentCopy(pp.Page())), nil
}

// InsertDocument stores doc in collection colID.
func (tx *Transaction) InsertDocument(ctx context.Context, colID byte, doc []byte) (PageAddress, error) {
	if len(doc) == 0 || len(doc) > MaxDocumentSize {
		return PageAddress{}, fmt.Errorf("%w: %d bytes (max %d)", flushmanager.ErrDocumentTooLarge, len(doc), MaxDocumentSize)
	}
	page, err := tx.pageFor(ctx, colID, len(doc))
	if err != nil {
		return PageAddress{}, err
	}
	index, err := InsertItem(page, doc)
	if err != nil {
		return PageAddress{}, tx.engine.fail(err)
	}
	return PageAddress{PageID: page.GetPageID(), Index: index}, nil
}

// pageFor picks a data page of colID that fits a document of length n.
func (tx *Transaction) pageFor(ctx context.Context, colID byte, n int) (*pagemanager.PageBuffer, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if err := tx.lockCollection(ctx, colID); err != nil {
		return nil, err
	}
	for i := len(tx.order) - 1; i >= 0; i-- {
		p := tx.pages[tx.order[i]]
		if p.GetColID() == colID && p.GetPageType() == pagemanager.PageTypeData && ItemFits(p, n) {
			return p, nil
		}
	}
	p, err := tx.GetFreePage(ctx, colID, pagemanager.PageTypeData, n+slotEntrySize)
	if err != nil {
		return nil, err
	}
	if ItemFits(p, n) {
		return p, nil
	}
	// The map's free space classes are coarse: the page was close but too full.
	return tx.NewPage(ctx, colID, pagemanager.PageTypeData)
}

// ReadDocument returns a copy of the document at addr.
func (tx *Transaction) ReadDocument(ctx context.Context, addr PageAddress) ([]byte, error) {
	page, err := tx.GetPage(ctx, addr.PageID)
	if err != nil {
		if errors.Is(err, flushmanager.ErrPageNotFound) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDocumentNotFound, addr)
		}
		return nil, err
	}
	if page.GetPageType() != pagemanager.PageTypeData {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrDocumentNotFound, addr)
	}
	doc, err := ReadItem(page, addr.Index)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), doc...), nil
}

// DeleteDocument removes the document at addr from collection colID.
func (tx *Transaction) DeleteDocument(ctx context.Context, colID byte, addr PageAddress) error {
	page, err := tx.GetWritablePage(ctx, colID, addr.PageID)
	if err != nil {
		if errors.Is(err, flushmanager.ErrPageNotFound) {
			return fmt.Errorf("%w: %s", flushmanager.ErrDocumentNotFound, addr)
		}
		return err
	}
	if page.GetPageType() != pagemanager.PageTypeData {
		return fmt.Errorf("%w: %s", flushmanager.ErrDocumentNotFound, addr)
	}
	return DeleteItem(page, addr.Index)
}

// Commit writes the changed pages to the log, publishes them under a new
// version and releases every lock. Nothing is written for a transaction
// without changes.
func (tx *Transaction) Commit(ctx context.Context) (err error) {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	e := tx.engine
	ctx, span := e.tracer.Start(ctx, "storage.commit")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int64("txn.id", int64(tx.id)), attribute.Int("txn.pages", len(tx.order)))

	if len(tx.order) == 0 {
		tx.finish(transaction.TxnStateCommitted)
		return nil
	}
	tx.state = transaction.TxnStatePrepared
	pages := make([]*pagemanager.PageBuffer, len(tx.order))
	for i, id := range tx.order {
		pages[i] = tx.pages[id]
	}
	positions, err := e.logManager.WriteLogPages(tx.id, pages, true)
	if err != nil {
		tx.rollback()
		return e.fail(fmt.Errorf("%w: %w", flushmanager.ErrIO, err))
	}
	version, err := e.walIndex.ConfirmTransaction(positions)
	if err != nil {
		tx.rollback()
		return e.fail(err)
	}
	for _, p := range pages {
		if err := e.allocMap.UpdateMap(p.GetPageID(), p.GetPageType(), p.GetColID(), p.FreeBytes()); err != nil {
			tx.rollback()
			return e.fail(err)
		}
	}

	// The log copies are clean now: hand them to the cache for later readers.
	// Log slots are written once between checkpoints, so a cached entry at one
	// of them, or a failing unpin, is an invariant violation.
	var publishErr error
	for i, p := range pages {
		p.SetDirty(false)
		pp, err := e.cache.Add(positions[i].Position, p)
		if err != nil {
			e.pool.Return(p)
			publishErr = errors.Join(publishErr, err)
			continue
		}
		if err := pp.Release(); err != nil {
			publishErr = errors.Join(publishErr, err)
		}
	}
	clear(tx.pages)
	tx.order = tx.order[:0]
	tx.allocated = tx.allocated[:0]
	tx.finish(transaction.TxnStateCommitted)
	if publishErr != nil {
		return e.fail(publishErr)
	}

	e.commits.Add(1)
	e.metrics.CommitsCounter.Add(ctx, 1)
	e.metrics.CommitPagesHistogram.Record(ctx, int64(len(pages)))
	e.metrics.CommitLatencyHistogram.Record(ctx, time.Since(tx.started).Milliseconds(),
		metric.WithAttributes(attribute.Bool("auto_checkpoint", e.config.CheckpointPages > 0)))
	tx.logger.Debug("transaction committed", zap.Int("pages", len(pages)), zap.Uint32("version", version))
	e.requestCheckpoint()
	return nil
}

// Rollback discards every change. Calling it on a finished transaction is a
// no-op, so it can be deferred.
func (tx *Transaction) Rollback() {
	if tx.state.Done() {
		return
	}
	tx.rollback()
	tx.engine.rollbacks.Add(1)
	tx.engine.metrics.RollbacksCounter.Add(context.Background(), 1)
	tx.logger.Debug("transaction rolled back")
}

func (tx *Transaction) rollback() {
	e := tx.engine
	for _, a := range tx.allocated {
		if err := e.allocMap.UpdateMap(a.pageID, pagemanager.PageTypeEmpty, a.colID, 0); err != nil {
			tx.logger.Warn("failed to free allocated page", zap.Uint32("page_id", uint32(a.pageID)), zap.Error(err))
			e.fail(err)
		}
	}
	for _, p := range tx.pages {
		e.pool.Return(p)
	}
	clear(tx.pages)
	tx.order = tx.order[:0]
	tx.allocated = tx.allocated[:0]
	tx.finish(transaction.TxnStateAborted)
}

// finish releases pins and locks.
func (tx *Transaction) finish(state transaction.TransactionState) {
	e := tx.engine
	for position, pp := range tx.pins {
		if err := pp.Release(); err != nil {
			e.fail(err)
		}
		delete(tx.pins, position)
	}
	for colID := range tx.collections {
		e.locks.ExitCollectionWriteLock(colID)
		delete(tx.collections, colID)
	}
	e.locks.ExitTransaction()
	tx.state = state
}
