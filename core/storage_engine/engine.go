// Package storageengine ties the page store together: file, allocation map,
// log, WAL index, cache and locks behind transactions and checkpoints.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojodoc/core/storage_engine/common"
	"github.com/sushant-115/gojodoc/core/transaction"
	allocationmap "github.com/sushant-115/gojodoc/core/write_engine/allocation_map"
	"github.com/sushant-115/gojodoc/core/write_engine/checkpoint"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
)

// State of an engine.
type State int32

const (
	StateOpen State = iota
	StateFatal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFatal:
		return "fatal"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a snapshot of engine counters.
type Stats struct {
	SessionID          string
	State              string
	FileBytes          int64
	LastPageID         pagemanager.PageID
	AllocatedPageID    pagemanager.PageID
	LogPages           int
	WalPages           int64
	WalVersions        int64
	ReadVersion        uint32
	DirtyAMPs          int
	Cache              memtable.CacheStats
	BuffersOutstanding int64
	Transactions       int
	Commits            int64
	Rollbacks          int64
	Checkpoints        int64
	LastCheckpoint     time.Time
}

// CheckpointResult describes one finished checkpoint.
type CheckpointResult struct {
	checkpoint.Result
	LogPages      int
	LivePages     int
	NewLastPageID pagemanager.PageID
}

// Engine is an open database file.
type Engine struct {
	config     Config
	disk       *flushmanager.DiskManager
	allocMap   *allocationmap.Service
	walIndex   *wal.WalIndex
	logManager *wal.LogManager
	pool       *memtable.BufferPool
	cache      *memtable.MemoryCache
	locks      *transaction.LockService
	executor   *checkpoint.Executor
	metrics    *internaltelemetry.StorageMetrics
	tracer     trace.Tracer
	logger     *zap.Logger
	sessionID  uuid.UUID

	headerMu sync.Mutex // protects header
	header   HeaderInfo

	state    atomic.Int32
	fatalMu  sync.Mutex
	fatalErr error

	commits      atomic.Int64
	rollbacks    atomic.Int64
	checkpoints  atomic.Int64
	checkpointCh chan struct{}

	cancel context.CancelFunc
	bg     *errgroup.Group
}

// Open opens the database file named by cfg, creating it when missing, and
// replays the log left by the previous session.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		config:       cfg,
		disk:         flushmanager.NewDiskManager(cfg.Path, logger),
		walIndex:     wal.NewWalIndex(),
		pool:         memtable.NewBufferPool(),
		locks:        transaction.NewLockService(cfg.LockTimeout, logger),
		tracer:       tel.Tracer,
		logger:       logger.Named("engine"),
		sessionID:    uuid.New(),
		checkpointCh: make(chan struct{}, 1),
	}
	e.logger = e.logger.With(zap.String("session_id", e.sessionID.String()))
	e.cache = memtable.NewMemoryCache(e.pool, logger)
	e.executor = checkpoint.NewExecutor(e.disk, cfg.CheckpointPagesPerSecond, logger)

	var err error
	if e.disk.Exists() {
		err = e.openExisting()
	} else {
		err = e.create()
	}
	if err != nil {
		_ = e.disk.Close()
		return nil, err
	}

	e.logManager = wal.NewLogManager(e.disk, e.header.LastPageID, logger)
	e.walIndex.ObserveTransactionID(e.header.LastTransactionID)
	if err := e.logManager.Recover(e.walIndex, e.replayPage); err != nil {
		_ = e.disk.Close()
		return nil, fmt.Errorf("failed to recover log of %s: %w", cfg.Path, err)
	}

	e.metrics, err = internaltelemetry.NewStorageMetrics(tel.Meter, e.gauges)
	if err != nil {
		_ = e.disk.Close()
		return nil, fmt.Errorf("failed to register storage metrics: %w", err)
	}
	e.locks.SetWaitObserver(e.metrics.RecordLockWait)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.bg, bgCtx = errgroup.WithContext(bgCtx)
	e.bg.Go(func() error { return e.runCacheJanitor(bgCtx) })
	e.bg.Go(func() error { return e.runAutoCheckpoint(bgCtx) })

	e.logger.Info("engine opened",
		zap.String("path", cfg.Path),
		zap.Uint32("last_page_id", uint32(e.header.LastPageID)),
		zap.Int("log_pages", e.logManager.PageCount()),
		zap.Uint32("read_version", e.walIndex.CurrentReadVersion()),
		zap.Bool("encrypted", e.disk.Header().Encrypted))
	return e, nil
}

func (e *Engine) create() error {
	fh, err := flushmanager.NewFileHeader(e.config.Password != "")
	if err != nil {
		return err
	}
	if err := e.disk.Create(fh, e.config.Password); err != nil {
		return err
	}
	e.allocMap = allocationmap.NewService(e.logger)
	for p := range e.allocMap.DirtyPages() {
		if err := e.disk.WritePage(p); err != nil {
			return err
		}
	}
	e.header = HeaderInfo{LastPageID: e.allocMap.LastPageID()}
	if err := writeHeader(e.disk, e.header); err != nil {
		return err
	}
	return e.disk.Flush()
}

func (e *Engine) openExisting() error {
	if _, err := e.disk.Open(e.config.Password); err != nil {
		return err
	}
	header, err := ReadHeader(e.disk)
	if err != nil {
		return err
	}
	e.header = header
	e.allocMap, err = allocationmap.Load(header.LastPageID, func(id pagemanager.PageID, buf *pagemanager.PageBuffer) (bool, error) {
		return e.disk.ReadPage(uint32(id), buf)
	}, e.logger)
	return err
}

// replayPage brings the allocation map up to date with a confirmed log page.
func (e *Engine) replayPage(p *pagemanager.PageBuffer) error {
	e.allocMap.ExtendTo(p.GetPageID())
	return e.allocMap.UpdateMap(p.GetPageID(), p.GetPageType(), p.GetColID(), p.FreeBytes())
}

// State reports whether the engine is usable.
func (e *Engine) State() State { return State(e.state.Load()) }

// checkState returns the error every public call fails with once the engine
// stopped being usable.
func (e *Engine) checkState() error {
	switch e.State() {
	case StateFatal:
		e.fatalMu.Lock()
		defer e.fatalMu.Unlock()
		return fmt.Errorf("%w: %w", flushmanager.ErrEngineFatal, e.fatalErr)
	case StateClosed:
		return flushmanager.ErrEngineClosed
	default:
		return nil
	}
}

// fail moves the engine to the fatal state when err is corruption, an
// invariant violation or an I/O failure. err is returned unchanged.
func (e *Engine) fail(err error) error {
	if err == nil || !flushmanager.IsFatal(err) {
		return err
	}
	if e.state.CompareAndSwap(int32(StateOpen), int32(StateFatal)) {
		e.fatalMu.Lock()
		e.fatalErr = err
		e.fatalMu.Unlock()
		e.logger.Error("engine stopped after a fatal error", zap.Error(err))
	}
	return err
}

// BeginTransaction starts a transaction reading the newest committed state.
func (e *Engine) BeginTransaction(ctx context.Context, readOnly bool) (*Transaction, error) {
	if err := e.checkState(); err != nil {
		return nil, err
	}
	if err := e.locks.EnterTransaction(ctx); err != nil {
		return nil, err
	}
	tx := &Transaction{
		engine:      e,
		id:          e.walIndex.NextTransactionID(),
		readVersion: e.walIndex.CurrentReadVersion(),
		readOnly:    readOnly,
		state:       transaction.TxnStateRunning,
		pages:       map[pagemanager.PageID]*pagemanager.PageBuffer{},
		pins:        map[uint32]*memtable.PinnedPage{},
		collections: map[byte]struct{}{},
		started:     time.Now(),
	}
	tx.logger = e.logger.With(zap.Uint32("txn_id", tx.id))
	return tx, nil
}

// Checkpoint moves every confirmed log page into the data area and empties
// the log. It waits for running transactions and holds back new ones.
func (e *Engine) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	if err := e.checkState(); err != nil {
		return nil, err
	}
	if err := e.locks.EnterExclusive(ctx); err != nil {
		return nil, err
	}
	defer e.locks.ExitExclusive()
	return e.checkpointLocked(ctx)
}

func (e *Engine) checkpointLocked(ctx context.Context) (res *CheckpointResult, err error) {
	ctx, span := e.tracer.Start(ctx, "storage.checkpoint")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	records := e.logManager.Records()
	if len(records) == 0 && e.allocMap.DirtyCount() == 0 {
		return &CheckpointResult{NewLastPageID: e.logManager.LastPageID()}, nil
	}
	plan, err := checkpoint.Input{
		LogRecords:            records,
		ConfirmedTransactions: e.logManager.ConfirmedTransactions(),
		LastPageID:            e.logManager.LastPageID(),
		StartTempPositionID:   e.logManager.NextPosition(),
	}.Plan()
	if err != nil {
		return nil, e.fail(err)
	}
	span.SetAttributes(
		attribute.Int("checkpoint.log_pages", len(records)),
		attribute.Int("checkpoint.live_pages", plan.LivePages),
		attribute.Int("checkpoint.actions", len(plan.Actions)))

	applied, err := e.executor.Execute(ctx, plan)
	if err != nil {
		return nil, e.fail(fmt.Errorf("%w: %w", flushmanager.ErrIO, err))
	}
	finalLast := max(plan.NewLastPageID, e.allocMap.LastPageID())
	if err := e.finishCheckpoint(plan.NewLastPageID, finalLast); err != nil {
		return nil, e.fail(fmt.Errorf("%w: %w", flushmanager.ErrIO, err))
	}

	e.logManager.Reset(finalLast)
	e.walIndex.Clear()
	if err := e.cache.Clear(); err != nil {
		return nil, e.fail(err)
	}
	e.checkpoints.Add(1)

	res = &CheckpointResult{
		Result:        applied,
		LogPages:      len(records),
		LivePages:     plan.LivePages,
		NewLastPageID: finalLast,
	}
	res.Duration = time.Since(start)
	e.metrics.CheckpointsCounter.Add(ctx, 1)
	e.metrics.CheckpointLatencyHistogram.Record(ctx, res.Duration.Milliseconds())
	e.metrics.CheckpointPagesCounter.Add(ctx, int64(res.Copied+res.Staged+res.Cleared))
	e.logger.Info("checkpoint complete",
		zap.Int("log_pages", res.LogPages),
		zap.Int("live_pages", res.LivePages),
		zap.Uint32("last_page_id", uint32(finalLast)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// finishCheckpoint persists the allocation map and header for the new data
// area boundary and cuts the file after it.
func (e *Engine) finishCheckpoint(planLast, finalLast pagemanager.PageID) error {
	slots, err := e.disk.SlotCount()
	if err != nil {
		return err
	}
	// Pages allocated but never committed past the plan's boundary: their
	// slots may still hold log content.
	for pos := uint32(planLast) + 1; pos <= uint32(finalLast) && pos < slots; pos++ {
		if allocationmap.IsAMPPage(pagemanager.PageID(pos)) {
			continue
		}
		if err := e.disk.ClearPage(pos); err != nil {
			return err
		}
	}
	for p := range e.allocMap.DirtyPages() {
		if err := e.disk.WritePage(p); err != nil {
			return err
		}
	}

	e.headerMu.Lock()
	e.header.LastPageID = finalLast
	e.header.LastCheckpoint = time.Now()
	e.header.CheckpointCount++
	e.header.LastTransactionID = e.walIndex.LastTransactionID()
	header := e.header
	e.headerMu.Unlock()
	if err := writeHeader(e.disk, header); err != nil {
		return err
	}
	if err := e.disk.Flush(); err != nil {
		return err
	}
	if err := e.disk.SetLength(uint32(finalLast) + 1); err != nil {
		return err
	}
	return e.disk.Flush()
}

// Backup checkpoints and copies the database file to dstPath while holding
// every transaction back. It returns the SHA-256 of the copy.
func (e *Engine) Backup(ctx context.Context, dstPath string) (string, error) {
	if err := e.checkState(); err != nil {
		return "", err
	}
	if err := e.locks.EnterExclusive(ctx); err != nil {
		return "", err
	}
	defer e.locks.ExitExclusive()
	if _, err := e.checkpointLocked(ctx); err != nil {
		return "", err
	}
	sum, err := common.CopyThrottled(ctx, e.disk.FilePath(), dstPath, e.config.BackupBytesPerSecond)
	if err != nil {
		return "", fmt.Errorf("failed to back up %s to %s: %w", e.disk.FilePath(), dstPath, err)
	}
	e.logger.Info("backup written", zap.String("destination", dstPath), zap.String("sha256", sum))
	return sum, nil
}

// requestCheckpoint wakes the background checkpointer when the log is long.
func (e *Engine) requestCheckpoint() {
	if e.config.CheckpointPages <= 0 || e.logManager.PageCount() < e.config.CheckpointPages {
		return
	}
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
}

func (e *Engine) runAutoCheckpoint(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.checkpointCh:
			if _, err := e.Checkpoint(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("automatic checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runCacheJanitor(ctx context.Context) error {
	interval := e.config.CacheIdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.trimCache()
		}
	}
}

func (e *Engine) trimCache() {
	if e.config.CacheMaxPages > 0 && e.cache.Len() > int64(e.config.CacheMaxPages) {
		e.cache.Cleanup()
		return
	}
	if e.config.CacheIdleTimeout > 0 {
		e.cache.CleanupIdle(e.config.CacheIdleTimeout)
	}
}

// Close checkpoints an open engine, unless disabled by the config, and
// releases the file. A fatal engine is closed without a checkpoint; its log
// is replayed on the next open.
func (e *Engine) Close(ctx context.Context) error {
	prev := State(e.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	e.cancel()
	_ = e.bg.Wait()

	var errs []error
	if prev == StateOpen && e.config.CheckpointOnClose {
		if err := e.locks.EnterExclusive(ctx); err != nil {
			errs = append(errs, err)
		} else {
			if _, err := e.checkpointLocked(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final checkpoint failed: %w", err))
			}
			e.locks.ExitExclusive()
		}
	}
	if err := e.metrics.Unregister(); err != nil {
		errs = append(errs, err)
	}
	if err := e.disk.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine closed", zap.Stringer("previous_state", prev))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	length, _ := e.disk.Length()
	e.headerMu.Lock()
	lastCheckpoint := e.header.LastCheckpoint
	e.headerMu.Unlock()
	return Stats{
		SessionID:          e.sessionID.String(),
		State:              e.State().String(),
		FileBytes:          length,
		LastPageID:         e.logManager.LastPageID(),
		AllocatedPageID:    e.allocMap.LastPageID(),
		LogPages:           e.logManager.PageCount(),
		WalPages:           e.walIndex.PageCount(),
		WalVersions:        e.walIndex.PositionCount(),
		ReadVersion:        e.walIndex.CurrentReadVersion(),
		DirtyAMPs:          e.allocMap.DirtyCount(),
		Cache:              e.cache.Stats(),
		BuffersOutstanding: e.pool.Outstanding(),
		Transactions:       e.locks.TransactionsCount(),
		Commits:            e.commits.Load(),
		Rollbacks:          e.rollbacks.Load(),
		Checkpoints:        e.checkpoints.Load(),
		LastCheckpoint:     lastCheckpoint,
	}
}

func (e *Engine) gauges() internaltelemetry.StorageGauges {
	cs := e.cache.Stats()
	return internaltelemetry.StorageGauges{
		CacheEntries:       cs.Entries,
		CacheHits:          int64(cs.Hits),
		CacheMisses:        int64(cs.Misses),
		CacheEvictions:     int64(cs.Evictions),
		BuffersOutstanding: e.pool.Outstanding(),
		LogPages:           int64(e.logManager.PageCount()),
		WalPages:           e.walIndex.PageCount(),
		ActiveTransactions: int64(e.locks.TransactionsCount()),
		LastPageID:         int64(e.logManager.LastPageID()),
	}
}

// AllocationMap exposes the free-space map for inspection tools.
func (e *Engine) AllocationMap() *allocationmap.Service { return e.allocMap }

// LogRecords lists the pages currently in the log.
func (e *Engine) LogRecords() []wal.LogRecord { return e.logManager.Records() }

// Header returns the header page content as of the last checkpoint.
func (e *Engine) Header() HeaderInfo {
	e.headerMu.Lock()
	defer e.headerMu.Unlock()
	return e.header
}

// FileHeader returns the header written when the file was created.
func (e *Engine) FileHeader() flushmanager.FileHeader { return *e.disk.Header() }
