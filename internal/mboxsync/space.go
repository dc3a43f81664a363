// space.go implements the space planner (spec.md §4.5), the engine's core:
// it accumulates a window of messages needing rewrite until cumulative
// space_diff is non-negative, then batches a single rewrite pass that
// shifts bodies and regenerates headers, distributing any surplus back out
// as reusable padding.
package mboxsync

import (
	"sort"

	"github.com/mboxsync/mboxsync/internal/rewriter"
)

const messageSeparator = "\n\n"

// writeHeaderAt rewrites rec's header in place. Callers must only use this
// when the replacement is exactly as long as the header+padding region it
// replaces, so the body's position is undisturbed.
func (c *Context) writeHeaderAt(rec *Record, newHeader []byte) error {
	if _, err := c.file.WriteAt(newHeader, rec.HeaderOffset); err != nil {
		return ioErr(err)
	}
	return nil
}

// writeMessageAt relocates rec (From line, header, body) so it begins at
// newFromOffset, moving the body via moveBytes and writing the From line
// and header fresh.
func (c *Context) writeMessageAt(rec *Record, newHeader []byte, newFromOffset int64) error {
	fromLine := []byte(rec.FromLine + "\n")
	headerBlock := append(append([]byte{}, newHeader...), []byte(messageSeparator)...)
	newBodyOffset := newFromOffset + int64(len(fromLine)) + int64(len(headerBlock))

	if err := moveBytes(c.file, rec.BodyOffset, newBodyOffset, rec.BodySize); err != nil {
		return ioErr(err)
	}
	if _, err := c.file.WriteAt(fromLine, newFromOffset); err != nil {
		return ioErr(err)
	}
	if _, err := c.file.WriteAt(headerBlock, newFromOffset+int64(len(fromLine))); err != nil {
		return ioErr(err)
	}
	return nil
}

// flushWindow performs the batch rewrite for the currently open window
// (spec.md §4.5). Expunged members contribute their span as slack and are
// skipped when writing; non-expunged members are rewritten in sequence
// starting at window.startOffset, each immediately following the previous
// one's body.
func (c *Context) flushWindow() error {
	members := c.window.members
	sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })

	extraSpace := c.window.spaceDiff
	if extraSpace < 0 {
		extraSpace = 0
	}
	maxPadding := c.opts.HeaderPadding
	if maxPadding <= 0 {
		maxPadding = 64
	}

	type plan struct {
		rec       *Record
		minHeader []byte
	}
	var plans []plan
	var wmembers []rewriter.WindowMember
	for _, m := range members {
		if m.Expunged {
			wmembers = append(wmembers, rewriter.WindowMember{Seq: m.Seq, Expunged: true, Span: m.Space})
			continue
		}
		h, _ := rewriter.Build(m.RawHeader, *m.pendingUpdate, 0)
		plans = append(plans, plan{rec: m, minHeader: h})
		wmembers = append(wmembers, rewriter.WindowMember{Seq: m.Seq, OrigLen: len(m.RawHeader), NewHeader: h})
	}

	padded := rewriter.DistributePadding(wmembers, extraSpace, maxPadding)
	byIdx := make(map[int64][]byte, len(padded))
	for _, w := range padded {
		if !w.Expunged {
			byIdx[w.Seq] = w.NewHeader
		}
	}

	// DistributePadding caps each member's share at maxPadding, so a large
	// surplus (typically from an absorbed expunge) isn't always fully spent
	// here. The remainder doesn't vanish: it becomes expunged_space again,
	// to be absorbed by the next message or truncated off at end of pass
	// (spec.md §4.5: "remains as expunged_space for the next window").
	var nonExpunged int64
	for _, m := range wmembers {
		if !m.Expunged {
			nonExpunged++
		}
	}
	var perMember int64
	if nonExpunged > 0 && extraSpace > 0 {
		perMember = extraSpace / nonExpunged
		if perMember > int64(maxPadding) {
			perMember = int64(maxPadding)
		}
	}
	leftover := extraSpace - perMember*nonExpunged
	if leftover < 0 {
		leftover = 0
	}

	runningOffset := c.window.startOffset
	for _, p := range plans {
		header := byIdx[p.rec.Seq]
		if err := c.writeMessageAt(p.rec, header, runningOffset); err != nil {
			return err
		}
		fromLineLen := int64(len(p.rec.FromLine) + 1)
		headerBlockLen := int64(len(header) + len(messageSeparator))

		p.rec.FromOffset = runningOffset
		p.rec.HeaderOffset = runningOffset + fromLineLen
		p.rec.RawHeader = header
		p.rec.HeaderLen = int64(len(header))

		if p.rec.IdxSeq != 0 {
			if err := c.tx.UpdateFromOffset(c.bgCtx(), p.rec.IdxSeq, uint64(p.rec.FromOffset)); err != nil {
				return indexErr(err)
			}
		}

		runningOffset += fromLineLen + headerBlockLen + p.rec.BodySize
	}

	c.window.reset()
	c.expungedSpace = leftover
	return nil
}
