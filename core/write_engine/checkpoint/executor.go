package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// Result summarizes one executed plan.
type Result struct {
	Copied   int
	Staged   int
	Cleared  int
	Duration time.Duration
}

// Executor applies checkpoint plans to the database file. Page writes are
// throttled so a checkpoint does not starve foreground I/O.
type Executor struct {
	disk    *flushmanager.DiskManager
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewExecutor creates an Executor writing at most pagesPerSecond pages per
// second. Zero or less disables throttling.
func NewExecutor(disk *flushmanager.DiskManager, pagesPerSecond int, logger *zap.Logger) *Executor {
	var limiter *rate.Limiter
	if pagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(pagesPerSecond), pagesPerSecond)
	}
	return &Executor{disk: disk, limiter: limiter, logger: logger.Named("checkpoint")}
}

// Execute writes the marker page and runs every action of plan in order.
// Cancelling ctx does not interrupt a plan once started: a half-applied plan
// leaves pages away from both their log slot and their home.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	var res Result
	buf := pagemanager.NewPageBuffer()

	if plan.MarkerPositionID != pagemanager.UndefinedPosition {
		buf.InitCheckpointMarker()
		buf.SetPosition(plan.MarkerPositionID)
		if err := e.disk.WritePage(buf); err != nil {
			return res, fmt.Errorf("failed to write checkpoint marker at slot %d: %w", plan.MarkerPositionID, err)
		}
		if err := e.disk.Flush(); err != nil {
			return res, err
		}
	}

	for i, a := range plan.Actions {
		if err := e.wait(ctx); err != nil {
			return res, err
		}
		var err error
		switch a.Action {
		case CopyToTempFile:
			err = e.copyPage(buf, a.SourcePositionID, a.PositionID, pagemanager.PageID(a.TargetPositionID))
			res.Staged++
		case CopyToDataFile:
			if a.PositionID != a.TargetPositionID {
				err = e.copyPage(buf, a.PositionID, a.TargetPositionID, pagemanager.PageID(a.TargetPositionID))
				res.Copied++
			}
			if err == nil && a.MustClear {
				err = e.disk.ClearPage(a.PositionID)
				res.Cleared++
			}
		case ClearPage:
			err = e.disk.ClearPage(a.PositionID)
			res.Cleared++
		default:
			err = fmt.Errorf("%w: unknown checkpoint action %v", flushmanager.ErrInvariantViolation, a.Action)
		}
		if err != nil {
			return res, fmt.Errorf("checkpoint action %d (%v) failed: %w", i, a, err)
		}
	}
	if err := e.disk.Flush(); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	e.logger.Info("checkpoint plan applied",
		zap.Int("copied", res.Copied),
		zap.Int("staged", res.Staged),
		zap.Int("cleared", res.Cleared),
		zap.Uint32("new_last_page_id", uint32(plan.NewLastPageID)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (e *Executor) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return nil
}

// copyPage moves the page at slot from to slot to. The page must be pageID;
// in the data area it loses its log header fields.
func (e *Executor) copyPage(buf *pagemanager.PageBuffer, from, to uint32, pageID pagemanager.PageID) error {
	ok, err := e.disk.ReadPage(from, buf)
	if err != nil {
		return err
	}
	if !ok || buf.IsEmpty() {
		return fmt.Errorf("%w: slot %d is empty, expected page %d", flushmanager.ErrCorruption, from, pageID)
	}
	if got := buf.GetPageID(); got != pageID {
		return fmt.Errorf("%w: slot %d holds page %d, expected page %d", flushmanager.ErrCorruption, from, got, pageID)
	}
	if to == uint32(pageID) {
		buf.SetTransactionID(0)
		buf.SetConfirmed(false)
	}
	buf.SetPosition(to)
	return e.disk.WritePage(buf)
}
