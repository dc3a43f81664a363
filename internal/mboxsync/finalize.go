package mboxsync

import (
	"bytes"
	"os"
	"time"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/rewriter"
)

// findUIDLastFieldOffset locates the absolute file offset of the 10-digit
// uid-last field inside the pseudo message's X-IMAPbase header (spec.md §6,
// §4.8), so it can later be rewritten positionally rather than by
// regenerating the whole header.
func findUIDLastFieldOffset(rec *Record) (int64, bool) {
	const label = "X-IMAPbase:"
	idx := bytes.Index(rec.RawHeader, []byte(label))
	if idx < 0 {
		return 0, false
	}
	rest := rec.RawHeader[idx+len(label):]

	i := 0
	for i < len(rest) && rest[i] == ' ' {
		i++
	}
	j := i
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == i {
		return 0, false
	}
	k := j
	for k < len(rest) && rest[k] == ' ' {
		k++
	}
	if k+10 > len(rest) {
		return 0, false
	}
	return rec.HeaderOffset + int64(idx) + int64(len(label)) + int64(k), true
}

// finalise performs the end-of-pass work (spec.md §4.8).
func (c *Context) finalise() error {
	if c.window.open() {
		padding := c.opts.HeaderPadding
		if padding <= 0 {
			padding = 64
		}
		// A negative spaceDiff is a real deficit (headers that don't fit in
		// the space reclaimed so far): the tail growth has to cover that
		// deficit before any desired headroom is added on top, or the
		// window's headers still won't fit once distributed (spec.md §4.5
		// example: 80 bytes short with one message needing padding grows
		// the file by 80+64).
		deficit := int64(0)
		if c.window.spaceDiff < 0 {
			deficit = -c.window.spaceDiff
		}
		grow := deficit + int64(padding)*int64(len(c.window.members))
		if grow > 0 {
			info, err := c.file.Stat()
			if err != nil {
				return ioErr(err)
			}
			if err := c.file.Truncate(info.Size() + grow); err != nil {
				return diskFullErr(err)
			}
			c.window.spaceDiff += grow
		}
		if err := c.flushWindow(); err != nil {
			return err
		}
	}

	if c.expungedSpace > 0 {
		info, err := c.file.Stat()
		if err != nil {
			return ioErr(err)
		}
		newSize := info.Size() - c.expungedSpace
		if newSize < 0 {
			newSize = 0
		}
		if err := c.file.Truncate(newSize); err != nil {
			return diskFullErr(err)
		}
		if newSize == 0 && !c.readOnly {
			if err := c.writeFreshPseudo(); err != nil {
				return err
			}
		}
		c.movedOffsets = true
		c.expungedSpace = 0
	}

	info, err := c.file.Stat()
	if err != nil {
		return ioErr(err)
	}
	if c.movedOffsets && info.Size() == c.origSize {
		if err := c.bumpMtime(info); err != nil {
			return err
		}
	}

	if !c.readOnly && c.baseUIDLastOffset >= 0 && c.baseUIDLast != c.nextUID-1 {
		if err := c.rewriteUIDLast(); err != nil {
			return err
		}
	}

	return nil
}

// windowRawSpan sums the original header+body spans still covered by the
// open window. finalise does not call it: the tail growth is sized from the
// window's deficit plus HeaderPadding per member.
func (c *Context) windowRawSpan() int64 {
	var total int64
	for _, m := range c.window.members {
		if m.Expunged {
			continue
		}
		total += int64(len(m.FromLine)+1) + m.HeaderLen + int64(len(messageSeparator)) + m.BodySize
	}
	return total
}

func (c *Context) rewriteUIDLast() error {
	buf := make([]byte, 10)
	if _, err := c.file.ReadAt(buf, c.baseUIDLastOffset); err != nil {
		return ioErr(err)
	}
	if err := rewriter.PatchUIDLast(buf, 0, c.baseUIDLast, c.nextUID-1); err != nil {
		return critical("uid-last rewrite refused: %v", err)
	}
	if _, err := c.file.WriteAt(buf, c.baseUIDLastOffset); err != nil {
		return ioErr(err)
	}
	c.baseUIDLast = c.nextUID - 1
	return nil
}

// writeFreshPseudo writes a brand-new pseudo message at the start of a file
// that emptied out entirely (spec.md §4.8, §7 class (f): "disk full during
// pseudo write... file is truncated to zero").
func (c *Context) writeFreshPseudo() error {
	if c.baseUIDValidity == 0 {
		c.baseUIDValidity = uint32(time.Now().Unix())
	}
	upd := rewriter.Update{Pseudo: true, UIDValidity: c.baseUIDValidity, UIDLast: c.nextUID - 1}
	header, _ := rewriter.Build(nil, upd, 0)

	body := "This text is part of the internal format of your mail folder, and is not\n" +
		"a real message. It is created automatically by the mail system software.\n" +
		"If deleted, important folder data will be lost, and it will be re-created\n" +
		"with the data reset to initial values.\n"

	fromLine := "From MAILER-DAEMON " + time.Now().UTC().Format("Mon Jan 02 15:04:05 2006") + "\n"

	var msg bytes.Buffer
	msg.WriteString(fromLine)
	msg.Write(header)
	msg.WriteString(messageSeparator)
	msg.WriteString(body)

	if _, err := c.file.WriteAt(msg.Bytes(), 0); err != nil {
		if errTruncErr := c.file.Truncate(0); errTruncErr != nil {
			return diskFullErr(errTruncErr)
		}
		return diskFullErr(err)
	}
	if err := c.file.Truncate(int64(msg.Len())); err != nil {
		return diskFullErr(err)
	}
	if off, ok := findUIDLastFieldOffset(&Record{RawHeader: header, HeaderOffset: int64(len(fromLine))}); ok {
		c.baseUIDLastOffset = off
	}
	return nil
}

// bumpMtime busy-waits in 500ms slices updating the mbox's mtime until it
// visibly advances, so other processes observe the change even though the
// file size didn't (spec.md §4.8, §9 accepted Open Question: no backoff).
func (c *Context) bumpMtime(info os.FileInfo) error {
	original := info.ModTime()
	var deadline time.Time
	if c.opts.MaxMoveWait > 0 {
		deadline = time.Now().Add(c.opts.MaxMoveWait)
	}
	for {
		now := time.Now()
		if err := os.Chtimes(c.mboxPath, now, now); err != nil {
			return ioErr(err)
		}
		st, err := c.file.Stat()
		if err != nil {
			return ioErr(err)
		}
		if st.ModTime().After(original) {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// header reports the folder-wide metadata to persist after a successful
// pass (spec.md §4.8).
func (c *Context) header() mboxindex.Header {
	validity := c.baseUIDValidity
	if validity == 0 {
		validity = uint32(time.Now().Unix())
	}
	size := c.origSize
	if c.file != nil {
		if info, err := c.file.Stat(); err == nil {
			size = info.Size()
		}
	}
	var stamp int64
	if c.file != nil {
		if info, err := c.file.Stat(); err == nil {
			stamp = info.ModTime().Unix()
		}
	}
	return mboxindex.Header{
		UIDValidity:       validity,
		NextUID:           c.nextUID,
		SyncStamp:         stamp,
		SyncSize:          size,
		BaseUIDLastOffset: c.baseUIDLastOffset,
	}
}
