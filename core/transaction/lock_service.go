package transaction

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	commonutils "github.com/sushant-115/gojodoc/internal/common_utils"
)

// MaxCollections is the number of collection lock slots (ColID 0..254).
const MaxCollections = 255

type waiter struct {
	exclusive bool
	ready     chan struct{}
	granted   bool
}

// rwLock is a reader/writer lock with FIFO fairness and context-aware
// acquisition. A waiting writer blocks readers that arrive after it.
type rwLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	waiters list.List // *waiter
}

func (l *rwLock) compatible(exclusive bool) bool {
	if exclusive {
		return !l.writer && l.readers == 0
	}
	return !l.writer
}

func (l *rwLock) take(exclusive bool) {
	if exclusive {
		l.writer = true
	} else {
		l.readers++
	}
}

// acquire blocks until the lock is granted or ctx ends. A grant that lands
// while the context expires wins over the expiry.
func (l *rwLock) acquire(ctx context.Context, exclusive bool) error {
	l.mu.Lock()
	if l.waiters.Len() == 0 && l.compatible(exclusive) {
		l.take(exclusive)
		l.mu.Unlock()
		return nil
	}
	w := &waiter{exclusive: exclusive, ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			return nil
		}
		l.waiters.Remove(elem)
		// A writer leaving the head of the queue may unblock readers behind it.
		l.grantLocked()
		return ctx.Err()
	}
}

func (l *rwLock) release(exclusive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exclusive {
		commonutils.Assert(l.writer, "exclusive release of a lock not held exclusively")
		l.writer = false
	} else {
		commonutils.Assert(l.readers > 0, "shared release of a lock with no readers")
		l.readers--
	}
	l.grantLocked()
}

// grantLocked wakes waiters from the head of the queue while they fit.
func (l *rwLock) grantLocked() {
	for e := l.waiters.Front(); e != nil; e = l.waiters.Front() {
		w := e.Value.(*waiter)
		if !l.compatible(w.exclusive) {
			return
		}
		l.take(w.exclusive)
		w.granted = true
		l.waiters.Remove(e)
		close(w.ready)
	}
}

func (l *rwLock) state() (readers int, writer bool, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.writer, l.waiters.Len()
}

// WaitObserver is told how long each acquisition waited and whether it failed.
type WaitObserver func(lock string, waited time.Duration, err error)

// LockService is the two-level lock hierarchy of the engine: a database-wide
// reader/writer lock taken shared by every transaction and exclusively by the
// checkpoint, plus one writer lock per collection.
type LockService struct {
	database     rwLock
	collections  [MaxCollections]rwLock
	transactions atomic.Int32
	timeout      time.Duration
	observer     atomic.Pointer[WaitObserver]
	logger       *zap.Logger
}

// NewLockService creates the lock hierarchy. timeout bounds every acquisition
// in addition to the caller's context; zero means no extra bound.
func NewLockService(timeout time.Duration, logger *zap.Logger) *LockService {
	return &LockService{timeout: timeout, logger: logger.Named("lock_service")}
}

// SetWaitObserver installs a hook for lock wait metrics.
func (ls *LockService) SetWaitObserver(o WaitObserver) { ls.observer.Store(&o) }

func (ls *LockService) acquire(ctx context.Context, l *rwLock, name string, exclusive bool) error {
	start := time.Now()
	if ls.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ls.timeout)
		defer cancel()
	}
	err := l.acquire(ctx, exclusive)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", flushmanager.ErrLockTimeout, name, time.Since(start).Round(time.Millisecond))
		ls.logger.Warn("lock acquisition timed out",
			zap.String("lock", name),
			zap.Duration("timeout", ls.timeout),
			zap.String("caller", commonutils.CallerInfo(2)))
	}
	if o := ls.observer.Load(); o != nil {
		(*o)(name, time.Since(start), err)
	}
	return err
}

// EnterTransaction takes the database lock shared.
func (ls *LockService) EnterTransaction(ctx context.Context) error {
	if err := ls.acquire(ctx, &ls.database, "database", false); err != nil {
		return err
	}
	ls.transactions.Add(1)
	return nil
}

func (ls *LockService) ExitTransaction() {
	ls.transactions.Add(-1)
	ls.database.release(false)
}

// EnterExclusive takes the database lock exclusively. It waits for every
// running transaction and holds back new ones.
func (ls *LockService) EnterExclusive(ctx context.Context) error {
	return ls.acquire(ctx, &ls.database, "database-exclusive", true)
}

func (ls *LockService) ExitExclusive() {
	ls.database.release(true)
}

// EnterCollectionWriteLock serializes writers of one collection.
func (ls *LockService) EnterCollectionWriteLock(ctx context.Context, colID byte) error {
	if int(colID) >= MaxCollections {
		return fmt.Errorf("%w: %d", flushmanager.ErrInvalidColID, colID)
	}
	return ls.acquire(ctx, &ls.collections[colID], fmt.Sprintf("collection-%d", colID), true)
}

func (ls *LockService) ExitCollectionWriteLock(colID byte) {
	commonutils.Assert(int(colID) < MaxCollections, "collection id %d out of range", colID)
	ls.collections[colID].release(true)
}

// TransactionsCount is the number of transactions holding the database lock.
func (ls *LockService) TransactionsCount() int {
	return int(ls.transactions.Load())
}

// IsExclusive reports whether the database lock is held exclusively.
func (ls *LockService) IsExclusive() bool {
	_, writer, _ := ls.database.state()
	return writer
}

// Waiting is the number of callers queued on the database lock.
func (ls *LockService) Waiting() int {
	_, _, n := ls.database.state()
	return n
}
