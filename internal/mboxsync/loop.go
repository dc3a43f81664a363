package mboxsync

import (
	"io"
	"os"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
)

// runPass executes one sync-loop attempt (spec.md §4.2). It always starts
// at sequence 0 so the pseudo header is re-read.
func (c *Context) runPass() error {
	mode := os.O_RDONLY
	if !c.readOnly {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(c.mboxPath, mode, 0)
	if err != nil {
		return ioErr(err)
	}
	defer f.Close()
	c.file = f
	c.reader = mboxparser.NewReader(f)

	if c.renumberUIDs {
		if err := c.expungeAllIndexRecords(); err != nil {
			return err
		}
	}

	c.seq = 0
	c.prevMsgUID = 0
	c.expungedSpace = 0
	c.skippedMails = 0
	c.window.reset()
	c.pendingAhead = nil

	for {
		if !c.full {
			seeked, err := c.trySeekAhead()
			if err != nil {
				return err
			}
			if seeked {
				continue
			}
		}

		rec, err := c.nextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ioErr(err)
		}

		if rec.Pseudo {
			if err := c.handlePseudo(rec); err != nil {
				return err
			}
			continue
		}

		if rec.UIDBroken {
			if !c.full {
				c.mboxSyncDirty = true
				return errPartialInvalid
			}
			return critical("uid ordering broken at seq %d (uid %d)", rec.Seq, rec.UID)
		}

		existing, hasExisting, err := c.assignUID(rec)
		if err != nil {
			return err
		}

		expunge, err := c.pullSyncRecords(rec)
		if err != nil {
			return err
		}
		if hasExisting && existing.Flags.Expunged {
			expunge = true
		}

		if expunge {
			c.expungeRecord(rec)
			if hasExisting {
				if err := c.tx.Expunge(c.bgCtx(), existing.Seq); err != nil {
					return indexErr(err)
				}
			}
			continue
		}

		if hasExisting {
			if c.undirty && existing.Flags.Dirty {
				// --undirty: reconcile this message now regardless of its
				// stale-on-disk state, clearing the index's dirty bit
				// (spec.md §6 "Sync flags").
				if err := c.tx.UpdateFlags(c.bgCtx(), existing.Seq, mboxindex.ModeRemove, mboxindex.Flags{Dirty: true}); err != nil {
					return indexErr(err)
				}
				existing.Flags.Dirty = false
			}
			rec.Flags = effectiveFlags(rec.Flags, existing.Flags, existing.Flags.Dirty)
			rec.Dirty = existing.Flags.Dirty
		}

		// A message dirty in the index but unchanged on disk is never
		// rewritten during a partial pass (spec.md §3 invariant); a full
		// pass still reconciles it.
		if !rec.Dirty || c.full {
			if err := c.handleHeader(rec, rec.Flags, rec.Keywords); err != nil {
				return err
			}
		}
		// A header write deferred by delay_writes leaves the message dirty
		// in the index too, so the next pass keeps the index's flags.
		if rec.Dirty {
			rec.Flags.Dirty = true
		}
		if err := c.reconcileIndex(rec, existing, hasExisting); err != nil {
			return err
		}

		if !c.full && c.seekIfSafe() {
			// Stopping early: the unread messages are still in the mbox, so
			// their index entries are kept.
			return nil
		}
	}

	return c.expungeTrailingIndexEntries()
}

// handlePseudo validates the pseudo message (spec.md §4.2 first bullet) and
// records its baseline uid-validity/uid-last for finalisation.
func (c *Context) handlePseudo(rec *Record) error {
	hdr, err := c.idx.Header(c.bgCtx())
	if err != nil {
		return indexErr(err)
	}
	if c.baseUIDValidity != 0 && hdr.UIDValidity != 0 && c.baseUIDValidity != hdr.UIDValidity {
		_ = c.tx.MarkCorrupted(c.bgCtx(), "uid_validity mismatch between mbox pseudo header and index")
		return critical("uid_validity mismatch: mbox=%d index=%d", c.baseUIDValidity, hdr.UIDValidity)
	}
	c.destFirstMail = true
	c.pseudoRecord = rec
	if off, ok := findUIDLastFieldOffset(rec); ok {
		c.baseUIDLastOffset = off
	}
	return nil
}

// assignUID implements the UID-assignment bullet of spec.md §4.2.
func (c *Context) assignUID(rec *Record) (*mboxindex.Record, bool, error) {
	ctx := c.bgCtx()

	if rec.UID > 0 {
		existing, ok, err := c.tx.LookupUID(ctx, rec.UID)
		if err != nil {
			return nil, false, indexErr(err)
		}
		if ok {
			if err := c.purgeExpungedBelow(existing.UID); err != nil {
				return nil, false, err
			}
			c.prevMsgUID = rec.UID
			return &existing, true, nil
		}
		c.prevMsgUID = rec.UID
		return nil, false, nil
	}

	if c.opts.MD5Enabled {
		sum := md5Sum(rec.RawHeader)
		existing, ok, err := c.tx.LookupMD5(ctx, sum)
		if err != nil {
			return nil, false, indexErr(err)
		}
		if ok {
			rec.UID = existing.UID
			c.prevMsgUID = rec.UID
			return &existing, true, nil
		}
	}

	if c.readOnly {
		return nil, false, nil
	}

	if err := c.expungeTrailingIndexEntries(); err != nil {
		return nil, false, err
	}

	assigned := c.nextUID
	c.nextUID++
	if c.nextUID == 0 {
		return nil, false, errRenumberUIDs
	}
	rec.UID = assigned
	c.prevMsgUID = assigned
	return nil, false, nil
}
