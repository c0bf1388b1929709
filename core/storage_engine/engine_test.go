package storageengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.LockTimeout = 5 * time.Second
	cfg.CheckpointPages = 0
	return cfg
}

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	tel, _, err := telemetry.New(telemetry.Config{})
	require.NoError(t, err)
	e, err := Open(context.Background(), cfg, zap.NewNop(), tel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func insertCommitted(t *testing.T, e *Engine, colID byte, docs ...string) []PageAddress {
	t.Helper()
	ctx := context.Background()
	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()
	var addrs []PageAddress
	for _, d := range docs {
		addr, err := tx.InsertDocument(ctx, colID, []byte(d))
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.NoError(t, tx.Commit(ctx))
	return addrs
}

func readCommitted(t *testing.T, e *Engine, addr PageAddress) ([]byte, error) {
	t.Helper()
	tx, err := e.BeginTransaction(context.Background(), true)
	require.NoError(t, err)
	defer func() { require.NoError(t, tx.Commit(context.Background())) }()
	return tx.ReadDocument(context.Background(), addr)
}

func TestEngine_CreateAndReopen(t *testing.T) {
	cfg := testConfig(t)
	e := openEngine(t, cfg)
	require.Equal(t, StateOpen, e.State())
	require.Equal(t, pagemanager.PageID(1), e.Header().LastPageID)
	require.Equal(t, 0, e.Stats().LogPages)
	require.NoError(t, e.Close(context.Background()))
	require.Equal(t, StateClosed, e.State())
	require.NoError(t, e.Close(context.Background()), "second close is a no-op")

	_, err := e.BeginTransaction(context.Background(), false)
	require.ErrorIs(t, err, flushmanager.ErrEngineClosed)

	e = openEngine(t, cfg)
	require.Equal(t, pagemanager.PageID(1), e.Header().LastPageID)
	require.Equal(t, uint32(0), e.Header().CheckpointCount, "nothing to checkpoint on close")
}

func TestEngine_InsertReadDelete(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	addr, err := tx.InsertDocument(ctx, 1, []byte(`{"name":"gojo"}`))
	require.NoError(t, err)
	require.Equal(t, PageAddress{PageID: 2, Index: 0}, addr)

	// Own uncommitted writes are visible.
	got, err := tx.ReadDocument(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, `{"name":"gojo"}`, string(got))

	// Not yet for anybody else.
	_, err = readCommitted(t, e, addr)
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound)

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, uint32(1), e.walIndex.CurrentReadVersion())

	got, err = readCommitted(t, e, addr)
	require.NoError(t, err)
	require.Equal(t, `{"name":"gojo"}`, string(got))

	tx, err = e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteDocument(ctx, 1, addr))
	require.ErrorIs(t, tx.DeleteDocument(ctx, 1, addr), flushmanager.ErrDocumentNotFound)
	require.NoError(t, tx.Commit(ctx))

	_, err = readCommitted(t, e, addr)
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound)
	require.Equal(t, int64(2), e.Stats().Commits)
}

func TestEngine_SmallDocumentsSharePages(t *testing.T) {
	e := openEngine(t, testConfig(t))
	first := insertCommitted(t, e, 1, "a", "b")
	second := insertCommitted(t, e, 1, "c")
	require.Equal(t, first[0].PageID, first[1].PageID)
	require.Equal(t, first[0].PageID, second[0].PageID, "the free-space map offers the partly used page")
	require.Equal(t, uint16(2), second[0].Index)

	other := insertCommitted(t, e, 2, "d")
	require.NotEqual(t, first[0].PageID, other[0].PageID, "collections never share pages")
}

func TestEngine_LargeDocumentsSpillToNewPages(t *testing.T) {
	e := openEngine(t, testConfig(t))
	big := string(doc('x', 3000))
	addrs := insertCommitted(t, e, 1, big, big, big, big, big)
	pages := map[pagemanager.PageID]int{}
	for _, a := range addrs {
		pages[a.PageID]++
	}
	require.Len(t, pages, 3)
	for _, a := range addrs {
		got, err := readCommitted(t, e, a)
		require.NoError(t, err)
		require.Len(t, got, 3000)
	}

	tx, err := e.BeginTransaction(context.Background(), false)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.InsertDocument(context.Background(), 1, make([]byte, MaxDocumentSize+1))
	require.ErrorIs(t, err, flushmanager.ErrDocumentTooLarge)
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))
	a := insertCommitted(t, e, 1, "first")[0]

	reader, err := e.BeginTransaction(ctx, true)
	require.NoError(t, err)
	defer reader.Rollback()

	b := insertCommitted(t, e, 1, "second")[0]
	require.Equal(t, a.PageID, b.PageID)
	c := insertCommitted(t, e, 5, "third")[0]

	got, err := reader.ReadDocument(ctx, a)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
	_, err = reader.ReadDocument(ctx, b)
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound, "committed after the reader started")
	_, err = reader.ReadDocument(ctx, c)
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound)

	got, err = readCommitted(t, e, b)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestEngine_Rollback(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	addr, err := tx.InsertDocument(ctx, 1, []byte("gone"))
	require.NoError(t, err)
	tx.Rollback()
	tx.Rollback()
	require.Equal(t, "aborted", tx.State().String())

	_, err = readCommitted(t, e, addr)
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound)
	require.Equal(t, int64(1), e.Stats().Rollbacks)
	require.Equal(t, 0, e.Stats().LogPages)

	// The allocated page went back to the map.
	again := insertCommitted(t, e, 3, "kept")[0]
	require.Equal(t, addr.PageID, again.PageID)
	require.Equal(t, int64(0), e.Stats().BuffersOutstanding-e.Stats().Cache.Entries)
}

func TestEngine_InsertAfterRollbackInSameCollection(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	gone, err := tx.InsertDocument(ctx, 1, []byte("gone"))
	require.NoError(t, err)
	tx.Rollback()

	kept := insertCommitted(t, e, 1, "kept")[0]
	require.Equal(t, StateOpen, e.State())
	require.Equal(t, gone.PageID, kept.PageID, "the freed slot is allocated again")

	got, err := readCommitted(t, e, kept)
	require.NoError(t, err)
	require.Equal(t, "kept", string(got))
}

func TestEngine_RefillsCollectionAfterInterleavedAllocation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := openEngine(t, cfg)

	big := strings.Repeat("a", 5000)
	first := insertCommitted(t, e, 1, big)[0]
	other := insertCommitted(t, e, 2, "small")[0]
	require.Greater(t, other.PageID, first.PageID+1, "collection 2 starts its own extent")

	// The first page cannot take another 5000 bytes; the next empty slot of
	// collection 1's extent, below the last page id, is used instead.
	second := insertCommitted(t, e, 1, strings.Repeat("b", 5000))[0]
	require.Equal(t, StateOpen, e.State())
	require.Equal(t, first.PageID+1, second.PageID)

	check := func() {
		t.Helper()
		for addr, want := range map[PageAddress]string{first: big, other: "small", second: strings.Repeat("b", 5000)} {
			got, err := readCommitted(t, e, addr)
			require.NoError(t, err)
			require.Equal(t, want, string(got))
		}
	}
	check()

	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))
	e = openEngine(t, cfg)
	check()
}

func TestEngine_CommitFailsOnCachedLogSlot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := openEngine(t, cfg)

	// A cached page at the slot the next commit writes to cannot exist.
	stale := e.pool.Rent()
	stale.InitPage(99, pagemanager.PageTypeData, 1)
	stale.SetDirty(false)
	pp, err := e.cache.Add(e.logManager.NextPosition(), stale)
	require.NoError(t, err)
	require.NoError(t, pp.Release())

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	addr, err := tx.InsertDocument(ctx, 1, []byte("logged"))
	require.NoError(t, err)
	err = tx.Commit(ctx)
	require.ErrorIs(t, err, flushmanager.ErrInvariantViolation)
	require.Equal(t, StateFatal, e.State())
	require.NoError(t, e.Close(ctx))

	// The log write itself completed and replays on open.
	e = openEngine(t, cfg)
	got, err := readCommitted(t, e, addr)
	require.NoError(t, err)
	require.Equal(t, "logged", string(got))
}

func TestEngine_TransactionRules(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))

	ro, err := e.BeginTransaction(ctx, true)
	require.NoError(t, err)
	_, err = ro.InsertDocument(ctx, 1, []byte("x"))
	require.ErrorIs(t, err, flushmanager.ErrTxnReadOnly)
	_, err = ro.NewPage(ctx, 1, pagemanager.PageTypeData)
	require.ErrorIs(t, err, flushmanager.ErrTxnReadOnly)
	require.NoError(t, ro.Commit(ctx))

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	_, err = tx.InsertDocument(ctx, 0, []byte("x"))
	require.ErrorIs(t, err, flushmanager.ErrInvalidColID)
	_, err = tx.GetWritablePage(ctx, 1, pagemanager.HeaderPageID)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)
	_, err = tx.GetWritablePage(ctx, 1, 1)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound, "allocation map pages are internal")
	_, err = tx.GetPage(ctx, 500)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)
	require.NoError(t, tx.Commit(ctx))

	_, err = tx.InsertDocument(ctx, 1, []byte("late"))
	require.ErrorIs(t, err, flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, tx.Commit(ctx), flushmanager.ErrTxnInvalidState)
	require.Equal(t, 0, e.Stats().LogPages, "empty transactions write nothing")
}

func TestEngine_WritablePageOwnership(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))
	addr := insertCommitted(t, e, 1, "doc")[0]

	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.GetWritablePage(ctx, 2, addr.PageID)
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)

	page, err := tx.GetWritablePage(ctx, 1, addr.PageID)
	require.NoError(t, err)
	again, err := tx.GetWritablePage(ctx, 1, addr.PageID)
	require.NoError(t, err)
	require.Same(t, page, again)

	view, err := tx.GetPage(ctx, addr.PageID)
	require.NoError(t, err)
	require.Same(t, page, view)
}

func TestEngine_LockTimeoutIsNotFatal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.LockTimeout = 50 * time.Millisecond
	e := openEngine(t, cfg)

	holder, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	_, err = holder.InsertDocument(ctx, 1, []byte("held"))
	require.NoError(t, err)

	waiter, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	_, err = waiter.InsertDocument(ctx, 1, []byte("blocked"))
	require.ErrorIs(t, err, flushmanager.ErrLockTimeout)
	waiter.Rollback()

	_, err = e.Checkpoint(ctx)
	require.ErrorIs(t, err, flushmanager.ErrLockTimeout, "checkpoints wait for running transactions")
	require.Equal(t, StateOpen, e.State())

	require.NoError(t, holder.Commit(ctx))
	_, err = e.Checkpoint(ctx)
	require.NoError(t, err)
}

func TestEngine_CheckpointAndReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := openEngine(t, cfg)

	big := string(doc('q', 3000))
	addrs := insertCommitted(t, e, 1, big, big, big)
	small := insertCommitted(t, e, 2, "one", "two")
	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteDocument(ctx, 2, small[0]))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, 4, e.Stats().LogPages)

	res, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, res.LogPages)
	require.Equal(t, 3, res.LivePages)
	require.Equal(t, 0, e.Stats().LogPages)
	require.Equal(t, int64(0), e.Stats().WalPages)
	require.Equal(t, res.NewLastPageID, e.Header().LastPageID)
	require.Equal(t, uint32(1), e.Header().CheckpointCount)
	require.False(t, e.Header().LastCheckpoint.IsZero())

	length, err := e.disk.Length()
	require.NoError(t, err)
	require.Equal(t, flushmanager.PagePosition(uint32(res.NewLastPageID)+1), length)

	// Reads after the checkpoint come from the data area.
	for _, a := range addrs {
		got, err := readCommitted(t, e, a)
		require.NoError(t, err)
		require.Equal(t, big, string(got))
	}
	// Checkpoint with nothing to do.
	res, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.LogPages)

	more := insertCommitted(t, e, 1, "after")
	require.NoError(t, e.Close(ctx))

	e = openEngine(t, cfg)
	for _, a := range append(addrs, more...) {
		_, err := readCommitted(t, e, a)
		require.NoError(t, err)
	}
	got, err := readCommitted(t, e, small[1])
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
	_, err = readCommitted(t, e, small[0])
	require.ErrorIs(t, err, flushmanager.ErrDocumentNotFound)
}

func TestEngine_RecoversLogAfterFatalStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	e := openEngine(t, cfg)
	addrs := insertCommitted(t, e, 1, "survives", "the crash")

	// Uncommitted writes never reach the log.
	tx, err := e.BeginTransaction(ctx, false)
	require.NoError(t, err)
	_, err = tx.InsertDocument(ctx, 1, []byte("lost"))
	require.NoError(t, err)
	tx.Rollback()

	err = e.fail(fmt.Errorf("%w: disk went away", flushmanager.ErrIO))
	require.ErrorIs(t, err, flushmanager.ErrIO)
	require.Equal(t, StateFatal, e.State())
	_, err = e.BeginTransaction(ctx, true)
	require.ErrorIs(t, err, flushmanager.ErrEngineFatal)
	require.ErrorIs(t, err, flushmanager.ErrIO)
	_, err = e.Checkpoint(ctx)
	require.ErrorIs(t, err, flushmanager.ErrEngineFatal)

	// No checkpoint on close: the log stays for the next open to replay.
	require.NoError(t, e.Close(ctx))

	e = openEngine(t, cfg)
	require.Equal(t, 1, e.Stats().LogPages)
	require.Equal(t, uint32(1), e.Stats().ReadVersion)
	for i, want := range []string{"survives", "the crash"} {
		got, err := readCommitted(t, e, addrs[i])
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}

	// Replayed pages are known to the allocation map.
	next := insertCommitted(t, e, 1, "next")[0]
	require.Equal(t, addrs[0].PageID, next.PageID)
	require.Equal(t, uint16(2), next.Index)
}

func TestEngine_Encrypted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = "correct horse"
	e := openEngine(t, cfg)
	addr := insertCommitted(t, e, 1, "secret document")[0]
	require.NoError(t, e.Close(context.Background()))

	tel, _, err := telemetry.New(telemetry.Config{})
	require.NoError(t, err)
	wrong := cfg
	wrong.Password = "battery staple"
	_, err = Open(context.Background(), wrong, zap.NewNop(), tel)
	require.ErrorIs(t, err, flushmanager.ErrEncryptionKey)

	e = openEngine(t, cfg)
	got, err := readCommitted(t, e, addr)
	require.NoError(t, err)
	require.Equal(t, "secret document", string(got))
}

func TestEngine_Backup(t *testing.T) {
	cfg := testConfig(t)
	e := openEngine(t, cfg)
	addr := insertCommitted(t, e, 4, "backed up")[0]

	dst := filepath.Join(t.TempDir(), "backup.db")
	sum, err := e.Backup(context.Background(), dst)
	require.NoError(t, err)
	require.Len(t, sum, 64)
	require.Equal(t, int64(1), e.Stats().Checkpoints)

	_, err = e.Backup(context.Background(), dst)
	require.Error(t, err, "existing backups are not overwritten")

	copyCfg := cfg
	copyCfg.Path = dst
	b := openEngine(t, copyCfg)
	got, err := readCommitted(t, b, addr)
	require.NoError(t, err)
	require.Equal(t, "backed up", string(got))
}

func TestEngine_AutoCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointPages = 2
	e := openEngine(t, cfg)
	for i := 0; i < 3; i++ {
		insertCommitted(t, e, 1, fmt.Sprintf("doc-%d", i))
	}
	require.Eventually(t, func() bool {
		return e.Stats().Checkpoints >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t))

	const writers, perWriter = 8, 25
	addrs := make([][]PageAddress, writers)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			colID := byte(w%3 + 1)
			for i := 0; i < perWriter; i++ {
				tx, err := e.BeginTransaction(ctx, false)
				if err != nil {
					return err
				}
				addr, err := tx.InsertDocument(ctx, colID, []byte(fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					tx.Rollback()
					return err
				}
				if err := tx.Commit(ctx); err != nil {
					return err
				}
				addrs[w] = append(addrs[w], addr)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(writers*perWriter), e.Stats().Commits)

	check := func() {
		for w := range addrs {
			for i, a := range addrs[w] {
				got, err := readCommitted(t, e, a)
				require.NoError(t, err)
				require.Equal(t, fmt.Sprintf("w%d-%d", w, i), string(got))
			}
		}
	}
	check()
	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	check()
}

func TestEngine_CloseWithoutCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointOnClose = false
	e := openEngine(t, cfg)
	addr := insertCommitted(t, e, 1, "stays in the log")[0]
	require.NoError(t, e.Close(context.Background()))

	e = openEngine(t, cfg)
	require.Equal(t, 1, e.Stats().LogPages)
	require.Equal(t, uint32(0), e.Header().CheckpointCount)
	got, err := readCommitted(t, e, addr)
	require.NoError(t, err)
	require.Equal(t, "stays in the log", string(got))
}
