package mboxsync

import (
	"context"
	"os"
	"time"

	"github.com/mboxsync/mboxsync/internal/filelock"
	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
)

// Context carries the state that lives for exactly one sync pass (spec.md
// §3 "Sync context"). A fresh Context is built for every attempt within the
// driver's retry loop (spec.md §9: "restart... rebuilds the context").
type Context struct {
	ctx      context.Context
	mboxPath string
	opts     Options
	readOnly bool
	full     bool

	idx  mboxindex.Index
	tx   mboxindex.Transaction
	lock *filelock.Lock

	file   *os.File
	reader *mboxparser.Reader

	// Cursors (spec.md §3).
	seq        int64
	idxSeq     int64
	prevMsgUID uint32
	nextUID    uint32
	idxNextUID uint32

	// Baseline from the prior pseudo header.
	baseUIDValidity   uint32
	baseUIDLast       uint32
	baseUIDLastOffset int64

	window windowPlan

	// Per-invocation behaviour flags (spec.md §6 "Sync flags"), copied from
	// the Flags the driver was called with.
	undirty      bool
	forceRewrite bool

	// Flags (spec.md §3).
	destFirstMail         bool
	firstMailCRLFExpunged bool
	movedOffsets          bool
	renumberUIDs          bool
	delayWrites           bool
	mboxSyncDirty         bool

	origMtime time.Time
	origSize  int64

	expungedSpace int64
	skippedMails  int64

	pseudoRecord *Record
	pendingAhead *mboxindex.SyncRecord
}

func newContext(ctx context.Context, mboxPath string, opts Options, idx mboxindex.Index, lock *filelock.Lock, readOnly, full bool) *Context {
	return &Context{
		ctx:               ctx,
		mboxPath:          mboxPath,
		opts:              opts,
		idx:               idx,
		lock:              lock,
		readOnly:          readOnly,
		full:              full,
		delayWrites:       opts.DelayWrites,
		baseUIDLastOffset: -1,
	}
}

// bgCtx returns the context.Context this pass was started with, for
// plumbing into index operations that occur deep inside the space planner
// and finalisation steps.
func (c *Context) bgCtx() context.Context { return c.ctx }

// changeDetector compares on-disk (mtime, size) against the index's stored
// (sync_stamp, sync_size) (spec.md §4.9). Equal means the file is clean and
// a partial pass (or no pass at all) suffices.
func changeDetector(info os.FileInfo, hdr mboxindex.Header) (unchanged bool) {
	return info.ModTime().Unix() == hdr.SyncStamp && info.Size() == hdr.SyncSize
}
