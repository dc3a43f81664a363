package mboxsync

import (
	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
	"github.com/mboxsync/mboxsync/internal/rewriter"
)

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toParserFlags(f mboxindex.Flags) mboxparser.Flags {
	return mboxparser.Flags{
		Seen:     f.Seen,
		Answered: f.Answered,
		Flagged:  f.Flagged,
		Deleted:  f.Deleted,
		Draft:    f.Draft,
		Recent:   f.Recent,
	}
}

// needsHeaderUpdate reports whether rec's on-disk header diverges from the
// update upd describes: a flag change, a missing/stale X-UID, or a keyword
// delta (spec.md §4.3 Case B).
func needsHeaderUpdate(rec *Record, upd rewriter.Update) bool {
	cur := mboxparser.ParseHeader(rec.RawHeader)
	if cur.Flags != upd.Flags {
		return true
	}
	if upd.KeywordsSet && !stringSliceEqual(cur.XKeywords, upd.Keywords) {
		return true
	}
	if upd.XUIDSet && cur.XUID != upd.XUID {
		return true
	}
	if upd.ContentLenSet && cur.ContentLength != upd.ContentLength {
		return true
	}
	return false
}

// handleHeader is the header handler (spec.md §4.3): Case A (absorb
// pending expunged space), Case B (apply a needed update), Case C (nothing
// to do).
func (c *Context) handleHeader(rec *Record, effective mboxindex.Flags, keywords []string) error {
	upd := rewriter.Update{
		Flags:         toParserFlags(effective),
		Keywords:      keywords,
		KeywordsSet:   true,
		XUID:          int64(rec.UID),
		XUIDSet:       rec.UID > 0,
		ContentLength: rec.BodySize,
		ContentLenSet: true,
	}

	switch {
	case c.expungedSpace > 0 && !c.window.open():
		return c.caseAAbsorbExpungedSpace(rec, upd)
	case needsHeaderUpdate(rec, upd) || c.forceRewrite:
		return c.caseBApplyUpdate(rec, upd)
	default:
		return nil // Case C: nothing to do.
	}
}

// caseAAbsorbExpungedSpace moves rec backward by expungedSpace bytes
// (spec.md §4.3 Case A). It tries the in-place rewrite with the shrunk
// budget first; if that fails, it opens a rewrite window seeded with a
// synthetic expunged record describing the surplus.
func (c *Context) caseAAbsorbExpungedSpace(rec *Record, upd rewriter.Update) error {
	delta := -c.expungedSpace
	h, ok := rewriter.TryInPlace(rec.RawHeader, upd, int(rec.HeaderLen), int(delta))
	if ok {
		newFromOffset := rec.FromOffset - c.expungedSpace
		if err := c.writeMessageAt(rec, h, newFromOffset); err != nil {
			return err
		}
		rec.FromOffset = newFromOffset
		rec.HeaderOffset = newFromOffset + int64(len(rec.FromLine)) + 1
		rec.RawHeader = h
		rec.HeaderLen = int64(len(h))
		c.movedOffsets = true
		c.expungedSpace = 0
		return nil
	}

	// Not enough room even with the surplus: open a window and inject a
	// synthetic expunged record carrying the surplus so the batch rewrite
	// knows how much slack exists.
	c.window.needSpaceSeq = rec.Seq
	c.window.startOffset = rec.FromOffset - c.expungedSpace
	c.window.members = append(c.window.members, &Record{
		Seq:      rec.Seq - 1,
		Expunged: true,
		Space:    c.expungedSpace,
	})
	c.window.spaceDiff += c.expungedSpace
	c.expungedSpace = 0
	return c.addToWindow(rec, upd)
}

// caseBApplyUpdate applies a needed header update (spec.md §4.3 Case B).
func (c *Context) caseBApplyUpdate(rec *Record, upd rewriter.Update) error {
	if c.delayWrites {
		rec.Dirty = true
		return nil
	}

	if c.window.open() {
		return c.addToWindow(rec, upd)
	}

	// An in-place rewrite must fit within the header block already on disk:
	// growing past it would overwrite the separator and body, so the budget
	// is 0, not rec.Space (trailing padding is reused, never exceeded).
	h, ok := rewriter.TryInPlace(rec.RawHeader, upd, int(rec.HeaderLen), 0)
	if ok {
		if err := c.writeHeaderAt(rec, h); err != nil {
			return err
		}
		rec.RawHeader = h
		rec.HeaderLen = int64(len(h))
		return nil
	}

	c.window.needSpaceSeq = rec.Seq
	c.window.startOffset = rec.FromOffset
	return c.addToWindow(rec, upd)
}

// addToWindow appends rec to the open rewrite window, tracking the header
// update it needs and its contribution to space_diff (spec.md §4.5).
func (c *Context) addToWindow(rec *Record, upd rewriter.Update) error {
	minimal := rewriter.MinimalLen(rec.RawHeader, upd)
	contribution := rec.HeaderLen - int64(minimal) // positive: padding surplus; negative: growth needed
	rec.pendingUpdate = &upd
	c.window.members = append(c.window.members, rec)
	c.window.spaceDiff += contribution

	if c.window.spaceDiff >= 0 {
		return c.flushWindow()
	}
	return nil
}
