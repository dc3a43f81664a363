package mboxsync

import (
	"io"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
	"github.com/mboxsync/mboxsync/internal/rewriter"
)

// nextRecord drives the parser forward one message and builds the Record
// the rest of the engine operates on (spec.md §2 "Message reader", §4.2).
// Returns io.EOF when the mbox is exhausted.
func (c *Context) nextRecord() (*Record, error) {
	msg, err := c.reader.Next()
	if err != nil {
		return nil, err
	}

	header := msg.Header()
	body := msg.Body()
	parsed := mboxparser.ParseHeader(header)

	c.seq++
	rec := &Record{
		Seq:          c.seq,
		FromOffset:   msg.FromOffset,
		HeaderOffset: msg.HeaderOffset,
		BodyOffset:   msg.HeaderOffset + int64(len(msg.Raw)-len(body)),
		BodySize:     int64(len(body)),
		HeaderLen:    int64(len(header)),
		FromLine:     msg.FromLine,
		RawHeader:    header,
		Body:         body,
		Space:        int64(rewriter.TrailingPadding(header)),
		Pseudo:       parsed.IsPseudo,
		Flags: mboxindex.Flags{
			Seen:     parsed.Flags.Seen,
			Answered: parsed.Flags.Answered,
			Flagged:  parsed.Flags.Flagged,
			Deleted:  parsed.Flags.Deleted,
			Draft:    parsed.Flags.Draft,
			Recent:   parsed.Flags.Recent,
		},
		Keywords: parsed.XKeywords,
	}

	if parsed.IsPseudo {
		c.baseUIDValidity = parsed.UIDValidity
		c.baseUIDLast = parsed.UIDLast
		// The uid-last field sits after "X-IMAPbase: <10 digits> " within
		// the header; handlePseudo locates its absolute offset
		// (findUIDLastFieldOffset) and caches it in baseUIDLastOffset for
		// finalise's rewriteUIDLast.
		return rec, nil
	}

	if parsed.XUID > 0 {
		rec.UID = uint32(parsed.XUID)
		if rec.UID <= c.prevMsgUID {
			rec.UIDBroken = true
		} else {
			c.prevMsgUID = rec.UID
		}
	}

	return rec, nil
}

// isEOF reports whether err is the io.EOF sentinel that nextRecord returns
// once the mbox is exhausted; it does not touch the reader.
func isEOF(err error) bool { return err == io.EOF }
