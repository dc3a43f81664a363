package mboxsync

import "github.com/mboxsync/mboxsync/internal/mboxindex"

// pullSyncRecords drains pending sync records overlapping rec's UID into
// the per-message buffer, applying flag/keyword records directly to rec and
// reporting whether an expunge record was seen (spec.md §4.2, §4.6).
func (c *Context) pullSyncRecords(rec *Record) (expunge bool, err error) {
	ctx := c.bgCtx()
	if c.pendingAhead != nil {
		if applied, done := c.applyIfForRecord(rec, *c.pendingAhead); applied {
			c.pendingAhead = nil
			if done {
				expunge = true
			}
		}
	}

	for {
		sr, ok, serr := c.tx.SyncNext(ctx)
		if serr != nil {
			return false, indexErr(serr)
		}
		if !ok {
			return expunge, nil
		}
		if sr.UID2 != 0 && sr.UID2 < rec.UID {
			continue // behind the cursor: drop.
		}
		if sr.UID1 > rec.UID {
			// Ahead of the cursor: stash it. seekIfSafe decides whether a
			// partial pass should jump ahead for it instead of scanning
			// sequentially.
			c.pendingAhead = &sr
			return expunge, nil
		}
		if applied, isExpunge := c.applyIfForRecord(rec, sr); applied && isExpunge {
			expunge = true
		}
	}
}

func (c *Context) applyIfForRecord(rec *Record, sr mboxindex.SyncRecord) (applied, isExpunge bool) {
	if sr.UID1 > rec.UID || (sr.UID2 != 0 && sr.UID2 < rec.UID) {
		return false, false
	}
	switch sr.Type {
	case mboxindex.RecordExpunge:
		return true, true
	case mboxindex.RecordFlags:
		rec.Flags = sr.Flags
	case mboxindex.RecordKeywordAdd:
		rec.Keywords = addAll(rec.Keywords, sr.Keywords)
	case mboxindex.RecordKeywordRemove:
		rec.Keywords = removeAll(rec.Keywords, sr.Keywords)
	case mboxindex.RecordKeywordReset:
		rec.Keywords = sr.Keywords
	}
	return true, false
}

func addAll(set, add []string) []string {
	seen := make(map[string]bool, len(set))
	for _, k := range set {
		seen[k] = true
	}
	out := append([]string{}, set...)
	for _, k := range add {
		if !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	return out
}

func removeAll(set, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	var out []string
	for _, k := range set {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}

// seekIfSafe implements the partial-mode seek coordinator's stop condition
// (spec.md §4.6): with nothing pending ahead and the mbox not already known
// dirty, a partial pass can stop scanning early.
func (c *Context) seekIfSafe() bool {
	if c.full {
		return false
	}
	return c.pendingAhead == nil && !c.mboxSyncDirty
}

// trySeekAhead implements the jump-forward half of the seek coordinator
// (spec.md §4.6): when the next pending sync record references a UID past
// the current cursor, binary-search the index for that UID's stored
// from_offset (mbox_ext.from_offset, via LookupUID, which the sqlite
// backend resolves through its index on the unique uid column) and seek the mbox stream
// there directly, recording how many indexed messages were skipped over
// unread. Returns seeked=true when the jump was taken, so the caller should
// loop back to nextRecord instead of reading sequentially.
func (c *Context) trySeekAhead() (bool, error) {
	if c.pendingAhead == nil {
		return false, nil
	}
	if c.window.open() {
		// A rewrite window is still accumulating members waiting for enough
		// trailing padding surplus to flush; skipping the messages that
		// would supply it would strand the window open. Defer the jump
		// until the window closes.
		return false, nil
	}
	ctx := c.bgCtx()
	target := c.pendingAhead.UID1

	existing, ok, err := c.tx.LookupUID(ctx, target)
	if err != nil {
		return false, indexErr(err)
	}
	if !ok {
		// The pending record references a UID the index no longer carries
		// (e.g. already expunged); nothing to seek to, so fall through to
		// sequential scanning.
		return false, nil
	}
	if int64(existing.FromOffset) <= c.reader.Offset() {
		// Would seek backwards or to the current position; not a forward
		// jump worth taking.
		return false, nil
	}

	if err := c.reader.SeekTo(int64(existing.FromOffset)); err != nil {
		// Stale offset in the index extension (spec.md §4.6): degrade to
		// sequential scanning for the remainder of the pass.
		return false, nil
	}

	skipped, err := c.tx.LookupUIDRange(ctx, c.prevMsgUID+1, target-1)
	if err != nil {
		return false, indexErr(err)
	}
	c.skippedMails += int64(len(skipped))
	c.prevMsgUID = target - 1
	return true, nil
}
