package mboxsync

// expungeRecord is the expunge handler (spec.md §4.4). It never touches the
// file directly: the reclaimed span is folded into expunged_space, to be
// absorbed by the next non-expunged message's header handler (Case A) or by
// finalisation if the pass ends before that happens.
func (c *Context) expungeRecord(rec *Record) {
	nextOffset := c.reader.NextFromOffset()
	rec.Space = nextOffset - rec.FromOffset
	rec.Expunged = true

	firstRealSeq := int64(1)
	if c.destFirstMail {
		// A pseudo header occupies seq 1 (reader.go increments c.seq for
		// it too), so the first real message is seq 2.
		firstRealSeq = 2
	}
	if rec.Seq == firstRealSeq {
		// rec.Space is already the exact on-disk span from this message's
		// From line up to the next one's, separator bytes included, so
		// nothing further needs to be folded in here; what does need to
		// happen is invalidating the cached uid-last field offset, since a
		// pass that compacts away the first real message defers the pseudo
		// header's uid-last rewrite to the next pass rather than risk
		// patching a stale offset mid-compaction.
		c.baseUIDLastOffset = -1
	}

	c.expungedSpace += rec.Space
}
