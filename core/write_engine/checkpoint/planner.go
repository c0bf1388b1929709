package checkpoint

import (
	"cmp"
	"fmt"
	"slices"

	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
)

// ActionKind is the operation of one checkpoint step.
type ActionKind byte

const (
	CopyToDataFile ActionKind = iota + 1
	CopyToTempFile
	ClearPage
)

func (k ActionKind) String() string {
	switch k {
	case CopyToDataFile:
		return "CopyToDataFile"
	case CopyToTempFile:
		return "CopyToTempFile"
	case ClearPage:
		return "ClearPage"
	default:
		return fmt.Sprintf("ActionKind(%d)", byte(k))
	}
}

// Action is one step of a checkpoint plan.
//
//	CopyToDataFile  copy slot PositionID to slot TargetPositionID (the page id),
//	                then zero PositionID when MustClear is set.
//	CopyToTempFile  copy slot SourcePositionID into temp slot PositionID;
//	                TargetPositionID is the page id the copy is staged for.
//	ClearPage       zero slot PositionID.
type Action struct {
	Action           ActionKind
	PositionID       uint32
	TargetPositionID uint32
	MustClear        bool
	SourcePositionID uint32
}

func (a Action) String() string {
	switch a.Action {
	case CopyToTempFile:
		return fmt.Sprintf("%s{%d<-%d page %d}", a.Action, a.PositionID, a.SourcePositionID, a.TargetPositionID)
	case ClearPage:
		return fmt.Sprintf("%s{%d}", a.Action, a.PositionID)
	default:
		return fmt.Sprintf("%s{%d->%d clear=%t}", a.Action, a.PositionID, a.TargetPositionID, a.MustClear)
	}
}

// TempPage is a confirmed page already staged in a temp slot by an earlier
// run. It supersedes log records of the same page.
type TempPage struct {
	PositionID uint32
	PageID     pagemanager.PageID
}

// Input is everything the planner needs to know about the log.
type Input struct {
	LogRecords            []wal.LogRecord // ascending PositionID
	ConfirmedTransactions map[uint32]struct{}
	LastPageID            pagemanager.PageID
	StartTempPositionID   uint32
	TempPages             []TempPage
}

// Plan is the ordered action list plus the resulting data area boundary.
type Plan struct {
	Actions       []Action
	NewLastPageID pagemanager.PageID
	// MarkerPositionID is the slot written before any action when pages are
	// staged, pagemanager.UndefinedPosition otherwise.
	MarkerPositionID uint32
	LivePages        int
	StagedPages      int
	DiscardedPages   int
}

type livePage struct {
	pageID pagemanager.PageID
	source uint32
}

// Plan computes the actions that move every confirmed page to its home slot
// without overwriting a slot an unexecuted action still reads from. The
// actions must run in the returned order.
func (in Input) Plan() (*Plan, error) {
	content := make(map[uint32]struct{}, len(in.LogRecords)+len(in.TempPages))
	maxContent := uint32(in.LastPageID)
	addContent := func(position uint32, pageID pagemanager.PageID) error {
		if pageID == pagemanager.HeaderPageID {
			return fmt.Errorf("%w: log slot %d holds page id 0", flushmanager.ErrCorruption, position)
		}
		if position <= uint32(in.LastPageID) {
			return fmt.Errorf("%w: log slot %d lies inside the data area (last page id %d)",
				flushmanager.ErrCorruption, position, in.LastPageID)
		}
		if _, dup := content[position]; dup {
			return fmt.Errorf("%w: log slot %d appears twice", flushmanager.ErrCorruption, position)
		}
		content[position] = struct{}{}
		maxContent = max(maxContent, position)
		return nil
	}

	// Last confirmed record per page wins; temp pages win over the log.
	live := map[pagemanager.PageID]*livePage{}
	var discard []uint32
	for i, rec := range in.LogRecords {
		if i > 0 && rec.PositionID <= in.LogRecords[i-1].PositionID {
			return nil, fmt.Errorf("%w: log records out of position order at slot %d",
				flushmanager.ErrInvariantViolation, rec.PositionID)
		}
		if err := addContent(rec.PositionID, rec.PageID); err != nil {
			return nil, err
		}
		if _, ok := in.ConfirmedTransactions[rec.TransactionID]; !ok {
			discard = append(discard, rec.PositionID)
			continue
		}
		if prev, ok := live[rec.PageID]; ok {
			discard = append(discard, prev.source)
		}
		live[rec.PageID] = &livePage{pageID: rec.PageID, source: rec.PositionID}
	}
	for _, tp := range in.TempPages {
		if err := addContent(tp.PositionID, tp.PageID); err != nil {
			return nil, err
		}
		if prev, ok := live[tp.PageID]; ok {
			discard = append(discard, prev.source)
		}
		live[tp.PageID] = &livePage{pageID: tp.PageID, source: tp.PositionID}
	}
	if len(content) > 0 && in.StartTempPositionID <= maxContent {
		return nil, fmt.Errorf("%w: temp area starts at %d, inside the log (last slot %d)",
			flushmanager.ErrInvariantViolation, in.StartTempPositionID, maxContent)
	}

	homes := make(map[uint32]struct{}, len(live))
	newLast := in.LastPageID
	for id := range live {
		homes[uint32(id)] = struct{}{}
		newLast = max(newLast, id)
	}
	isHome := func(position uint32) bool { _, ok := homes[position]; return ok }
	survives := func(position uint32) bool { return position <= uint32(newLast) }

	marker := in.StartTempPositionID
	for isHome(marker) {
		marker++
	}

	pages := make([]*livePage, 0, len(live))
	for _, lp := range live {
		pages = append(pages, lp)
	}
	slices.SortFunc(pages, func(a, b *livePage) int { return cmp.Compare(a.source, b.source) })

	var staged, direct []*livePage
	for _, lp := range pages {
		home := uint32(lp.pageID)
		_, homeHasContent := content[home]
		inTheWay := lp.pageID > in.LastPageID && home != lp.source && (homeHasContent || home >= marker)
		if inTheWay {
			staged = append(staged, lp)
		} else {
			direct = append(direct, lp)
		}
	}

	plan := &Plan{
		NewLastPageID:    newLast,
		MarkerPositionID: pagemanager.UndefinedPosition,
		LivePages:        len(live),
		StagedPages:      len(staged),
		DiscardedPages:   len(discard),
	}
	emit := func(a Action) { plan.Actions = append(plan.Actions, a) }

	// 1. Stage pages whose home is occupied or in the temp area.
	temps := make([]uint32, len(staged))
	if len(staged) > 0 {
		plan.MarkerPositionID = marker
		next := marker + 1
		for i, lp := range staged {
			for isHome(next) {
				next++
			}
			temps[i] = next
			next++
			emit(Action{Action: CopyToTempFile, PositionID: temps[i], TargetPositionID: uint32(lp.pageID), SourcePositionID: lp.source})
		}
	}

	// 2. Copy everything else straight home.
	for _, lp := range direct {
		emit(Action{
			Action:           CopyToDataFile,
			PositionID:       lp.source,
			TargetPositionID: uint32(lp.pageID),
			MustClear:        lp.source != uint32(lp.pageID) && survives(lp.source) && !isHome(lp.source),
		})
	}

	// 3. Zero discarded slots and the slots staged pages were read from.
	slices.Sort(discard)
	for _, pos := range discard {
		emit(Action{Action: ClearPage, PositionID: pos, MustClear: true})
	}
	for _, lp := range staged {
		if survives(lp.source) && !isHome(lp.source) {
			emit(Action{Action: ClearPage, PositionID: lp.source, MustClear: true})
		}
	}

	// 4. Move staged pages home.
	for i, lp := range staged {
		emit(Action{Action: CopyToDataFile, PositionID: temps[i], TargetPositionID: uint32(lp.pageID)})
	}

	// 5. Sweep the marker and temp slots that stay inside the file.
	if len(staged) > 0 {
		for _, pos := range append([]uint32{marker}, temps...) {
			if survives(pos) && !isHome(pos) {
				emit(Action{Action: ClearPage, PositionID: pos, MustClear: true})
			}
		}
	}
	return plan, nil
}
