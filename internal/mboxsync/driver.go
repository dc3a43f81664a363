package mboxsync

import (
	"context"
	"fmt"
	"os"

	"github.com/mboxsync/mboxsync/internal/filelock"
	"github.com/mboxsync/mboxsync/internal/mboxindex"
)

// Driver runs sync passes against one mbox file and its index (spec.md §4.1).
type Driver struct {
	Idx  mboxindex.Index
	Opts Options
}

// NewDriver constructs a Driver bound to an already-open index.
func NewDriver(idx mboxindex.Index, opts Options) *Driver {
	return &Driver{Idx: idx, Opts: opts}
}

// Sync runs one top-level sync invocation (spec.md §4.1). It acquires the
// advisory lock, retries up to Opts.MaxRetries times switching to full-sync
// on UID-ordering or UID-exhaustion failures, and releases the lock on
// every exit path.
func (d *Driver) Sync(ctx context.Context, mboxPath string, flags Flags) error {
	info, err := os.Stat(mboxPath)
	if err != nil {
		return ioErr(err)
	}

	hdr, err := d.Idx.Header(ctx)
	if err != nil {
		return indexErr(err)
	}

	unchanged := changeDetector(info, hdr)
	full := flags.ForceFull || !unchanged
	readOnly := flags.LockReading

	lock := filelock.New(mboxPath, d.Opts.LockTimeout)
	if readOnly {
		if err := lock.AcquireRead(ctx); err != nil {
			return ioErr(err)
		}
	} else {
		if err := lock.AcquireWrite(ctx); err != nil {
			return ioErr(err)
		}
	}
	defer lock.Release()

	if readOnly && unchanged {
		return nil
	}

	maxRetries := d.Opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var renumber bool
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := d.Idx.Begin(ctx)
		if err != nil {
			return indexErr(err)
		}

		c := newContext(ctx, mboxPath, d.Opts, d.Idx, lock, readOnly, full)
		c.tx = tx
		c.origMtime = info.ModTime()
		c.origSize = info.Size()
		c.nextUID = hdr.NextUID
		c.baseUIDValidity = hdr.UIDValidity
		c.baseUIDLast = hdr.NextUID
		if hdr.NextUID > 0 {
			c.baseUIDLast = hdr.NextUID - 1
		}
		c.baseUIDLastOffset = hdr.BaseUIDLastOffset
		c.renumberUIDs = renumber
		c.undirty = flags.Undirty
		c.forceRewrite = flags.Rewrite
		if flags.LastCommit {
			// A last-commit pass defers no new header writes: the mailbox
			// is about to be closed, so header updates are written now
			// instead of being left dirty for a future pass.
			c.delayWrites = false
		}

		fastExit, ferr := c.tryFastExit(flags)
		if ferr != nil {
			_ = tx.Rollback(ctx)
			return ferr
		}
		if fastExit {
			if err := tx.Commit(ctx); err != nil {
				return indexErr(err)
			}
			return nil
		}

		runErr := c.runPass()
		if runErr == nil {
			if ferr := c.finalise(); ferr != nil {
				_ = tx.Rollback(ctx)
				return ferr
			}
			if err := tx.Commit(ctx); err != nil {
				return indexErr(err)
			}
			if err := d.Idx.UpdateHeader(ctx, c.header()); err != nil {
				return indexErr(err)
			}
			if !readOnly {
				if err := lock.DowngradeToRead(ctx); err != nil {
					return ioErr(err)
				}
			}
			return nil
		}

		_ = tx.Rollback(ctx)

		switch runErr {
		case errPartialInvalid:
			// spec.md §4.2, §7 class (e): restart in full mode.
			full = true
			lastErr = runErr
			continue
		case errRenumberUIDs:
			// spec.md §4.2, §7 class (d): restart, expunging every index
			// entry first (see expungeAllIndexRecords and the Open
			// Question decision recorded there: no MD5 bridging across a
			// renumber boundary).
			full = true
			renumber = true
			lastErr = runErr
			continue
		default:
			return runErr
		}
	}

	return fmt.Errorf("sync did not converge after %d attempts: %w", maxRetries, lastErr)
}

// tryFastExit implements spec.md §4.1 step 4: if this is a partial pass and
// only flag/keyword changes are pending (no append/expunge), apply them
// directly against the index without ever opening the mbox.
//
// header-only flag decision (spec.md §9 Open Question #1): HeaderOnly is
// treated as forcing the full pass path below rather than participating in
// this fast exit, since the flag's only sensible reading is "make sure the
// pseudo header gets re-finalised even with nothing structural pending" —
// which requires actually running the pass.
func (c *Context) tryFastExit(flags Flags) (bool, error) {
	if c.full || flags.HeaderOnly {
		return false, nil
	}

	ctx := c.bgCtx()
	type pending struct {
		uid1, uid2 uint32
		typ        mboxindex.SyncRecordType
		flags      mboxindex.Flags
		keywords   []string
	}
	var records []pending

	for {
		sr, ok, err := c.tx.SyncNext(ctx)
		if err != nil {
			return false, indexErr(err)
		}
		if !ok {
			break
		}
		if sr.Type == mboxindex.RecordAppend || sr.Type == mboxindex.RecordExpunge {
			if err := c.tx.SyncReset(ctx); err != nil {
				return false, indexErr(err)
			}
			return false, nil
		}
		records = append(records, pending{sr.UID1, sr.UID2, sr.Type, sr.Flags, sr.Keywords})
	}

	if len(records) == 0 {
		return false, nil
	}

	for _, r := range records {
		recs, err := c.tx.LookupUIDRange(ctx, r.uid1, r.uid2)
		if err != nil {
			return false, indexErr(err)
		}
		for _, rec := range recs {
			switch r.typ {
			case mboxindex.RecordFlags:
				if err := c.tx.UpdateFlags(ctx, rec.Seq, mboxindex.ModeReplace, r.flags); err != nil {
					return false, indexErr(err)
				}
			case mboxindex.RecordKeywordAdd:
				if err := c.tx.UpdateKeywords(ctx, rec.Seq, mboxindex.ModeAdd, r.keywords); err != nil {
					return false, indexErr(err)
				}
			case mboxindex.RecordKeywordRemove:
				if err := c.tx.UpdateKeywords(ctx, rec.Seq, mboxindex.ModeRemove, r.keywords); err != nil {
					return false, indexErr(err)
				}
			case mboxindex.RecordKeywordReset:
				if err := c.tx.UpdateKeywords(ctx, rec.Seq, mboxindex.ModeReplace, r.keywords); err != nil {
					return false, indexErr(err)
				}
			}
		}
	}

	return true, nil
}
