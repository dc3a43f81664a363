// Package mboxsync implements the mbox-against-index synchronization engine:
// the driver, reader, header handler, space planner, expunge handler, index
// updater, seek coordinator and finalisation step described in spec.md §4.
package mboxsync

import (
	"time"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/rewriter"
)

// Flags controls driver behaviour for one sync invocation (spec.md §4.1, §6).
type Flags struct {
	ForceFull   bool
	Undirty     bool
	Rewrite     bool
	LockReading bool
	LastCommit  bool

	// HeaderOnly forces the pseudo header to be re-finalised even when no
	// structural work is pending. See driver.go for the Open Question
	// decision this implements.
	HeaderOnly bool
}

// Options configures engine-wide tunables threaded through the Context
// (spec.md §9: "Configuration... is passed via the context").
type Options struct {
	HeaderPadding int
	MD5Enabled    bool
	DelayWrites   bool
	MaxRetries    int
	MaxMoveWait   time.Duration
	LockTimeout   time.Duration
}

// Record is one message seen during a pass (spec.md §3 "Message record").
type Record struct {
	Seq          int64
	FromOffset   int64
	HeaderOffset int64
	BodyOffset   int64
	BodySize     int64
	HeaderLen    int64

	UID      uint32
	Flags    mboxindex.Flags
	Keywords []string

	// Space is the byte count of padding available at the end of the
	// header for in-place rewrites, or, for an expunged record, the full
	// reclaimable span (from_offset..next_from_offset).
	Space int64

	// IdxSeq is this message's 1-based position in the index, 0 if not
	// yet indexed.
	IdxSeq int64

	Expunged bool
	Pseudo   bool

	// UIDBroken is set when this message's UID is not greater than the
	// previous message's UID (spec.md §3 invariant).
	UIDBroken bool

	// Dirty mirrors the index record's dirty bit: on-disk flags are known
	// stale and rewriting is deferred until dirty is cleared.
	Dirty bool

	FromLine  string
	RawHeader []byte
	Body      []byte

	// pendingUpdate is set while rec is a member of an open rewrite window,
	// carrying the header update the flush must apply.
	pendingUpdate *rewriter.Update
}

// windowPlan is a pending rewrite window (spec.md §3 "Pending plan",
// §4.5 "Space planner").
type windowPlan struct {
	needSpaceSeq   int64
	startOffset    int64
	spaceDiff      int64
	members        []*Record
	extraSpaceHint int64
}

func (w *windowPlan) open() bool { return w.needSpaceSeq > 0 }

func (w *windowPlan) reset() {
	w.needSpaceSeq = 0
	w.startOffset = 0
	w.spaceDiff = 0
	w.members = nil
	w.extraSpaceHint = 0
}
