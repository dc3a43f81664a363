package mboxsync

import (
	"crypto/md5"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
)

func md5Sum(header []byte) [16]byte {
	return md5.Sum(header)
}

// effectiveFlags computes (mbox flags AND MAIL_FLAGS_MASK) | (index flags
// AND ~MAIL_FLAGS_MASK), inverted when the index record is dirty — in which
// case the index's flags win outright (spec.md §4.7).
func effectiveFlags(mboxFlags, existing mboxindex.Flags, dirty bool) mboxindex.Flags {
	if dirty {
		return existing
	}
	f := mboxFlags.MailFlagsMask()
	f.Dirty = existing.Dirty
	f.Expunged = existing.Expunged
	return f
}

// reconcileIndex is the index updater (spec.md §4.7): append new messages,
// or issue minimal updates against an existing record.
func (c *Context) reconcileIndex(rec *Record, existing *mboxindex.Record, hasExisting bool) error {
	ctx := c.bgCtx()

	var sum [16]byte
	hasMD5 := c.opts.MD5Enabled
	if hasMD5 {
		sum = md5Sum(rec.RawHeader)
	}

	if !hasExisting {
		seq, err := c.tx.Append(ctx, rec.UID, rec.Flags, rec.Keywords, uint64(rec.FromOffset))
		if err != nil {
			return indexErr(err)
		}
		rec.IdxSeq = seq
		if hasMD5 {
			if err := c.tx.UpdateMD5(ctx, seq, sum); err != nil {
				return indexErr(err)
			}
		}
		return nil
	}

	rec.IdxSeq = existing.Seq

	if rec.Flags != existing.Flags {
		if err := c.tx.UpdateFlags(ctx, existing.Seq, mboxindex.ModeReplace, rec.Flags); err != nil {
			return indexErr(err)
		}
	}
	if !existing.Flags.Dirty && !stringSliceEqual(rec.Keywords, existing.Keywords) {
		if err := c.tx.UpdateKeywords(ctx, existing.Seq, mboxindex.ModeReplace, rec.Keywords); err != nil {
			return indexErr(err)
		}
	}
	if hasMD5 && sum != existing.MD5Header {
		if err := c.tx.UpdateMD5(ctx, existing.Seq, sum); err != nil {
			return indexErr(err)
		}
	}
	if !c.window.open() {
		if err := c.tx.UpdateFromOffset(ctx, existing.Seq, uint64(rec.FromOffset)); err != nil {
			return indexErr(err)
		}
	}
	return nil
}

// purgeExpungedBelow removes index entries with a UID smaller than uid:
// their messages no longer exist in the mbox, having been externally
// expunged (spec.md §4.2).
func (c *Context) purgeExpungedBelow(uid uint32) error {
	if uid == 0 {
		return nil
	}
	ctx := c.bgCtx()
	stale, err := c.tx.LookupUIDRange(ctx, 0, uid-1)
	if err != nil {
		return indexErr(err)
	}
	for _, s := range stale {
		if err := c.tx.Expunge(ctx, s.Seq); err != nil {
			return indexErr(err)
		}
	}
	return nil
}

// expungeTrailingIndexEntries removes index entries beyond the highest UID
// confirmed present so far, used both before a message without a UID is
// assigned a fresh one mid-pass and at end-of-file (spec.md §4.2: "any
// remaining index entries are expunged").
func (c *Context) expungeTrailingIndexEntries() error {
	ctx := c.bgCtx()
	trailing, err := c.tx.LookupUIDRange(ctx, c.prevMsgUID+1, ^uint32(0))
	if err != nil {
		return indexErr(err)
	}
	for _, t := range trailing {
		if err := c.tx.Expunge(ctx, t.Seq); err != nil {
			return indexErr(err)
		}
	}
	return nil
}

// expungeAllIndexRecords drops every index entry, used at the top of a
// renumber_uids retry (spec.md §9 Open Question decision #3: identities are
// not bridged across a renumber).
func (c *Context) expungeAllIndexRecords() error {
	ctx := c.bgCtx()
	all, err := c.tx.LookupUIDRange(ctx, 0, ^uint32(0))
	if err != nil {
		return indexErr(err)
	}
	for _, r := range all {
		if err := c.tx.Expunge(ctx, r.Seq); err != nil {
			return indexErr(err)
		}
	}
	return nil
}
