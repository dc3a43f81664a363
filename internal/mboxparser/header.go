package mboxparser

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/mboxsync/mboxsync/internal/textutil"
)

// SplitHeaderBody splits raw RFC 5322 message bytes into the header block and
// the body block. The header block does not include the blank line that
// terminates it; the body block does not include that blank line either.
// Both LF and CRLF line endings are recognized. If no blank line is found,
// the entire input is treated as header with an empty body.
func SplitHeaderBody(raw []byte) (header, body []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

// HeaderMD5 returns the hex-encoded MD5 sum of a message's header block,
// used as a fallback identity when a message carries no X-UID (spec §4.2).
func HeaderMD5(header []byte) string {
	sum := md5.Sum(header)
	return hex.EncodeToString(sum[:])
}

// Flags mirrors the IMAP system flags a classic mbox Status/X-Status header
// pair encodes.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Recent   bool
}

// ParsedHeader holds the header fields the sync engine cares about, extracted
// from a message's raw header block.
type ParsedHeader struct {
	Status        string
	XStatus       string
	XKeywords     []string
	XUID          int64 // 0 if absent
	ContentLength int64 // -1 if absent
	Flags         Flags

	// IsPseudo is true when the header carries X-IMAP or X-IMAPbase, marking
	// this as the synthetic first message that records uid-validity/uid-last.
	IsPseudo     bool
	UIDValidity  uint32
	UIDLast      uint32
	BaseKeywords []string // custom keyword bit order, from X-IMAPbase
}

// headerField returns the unfolded value of the named header (case
// insensitive), or "" if absent. Only the first occurrence is returned,
// matching mbox convention where these fields are not repeated.
func headerField(header []byte, name string) (string, bool) {
	lines := splitHeaderLines(header)
	prefix := strings.ToLower(name) + ":"
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		value := strings.TrimSpace(line[len(prefix):])
		// Unfold continuation lines (leading whitespace).
		for i+1 < len(lines) && len(lines[i+1]) > 0 && (lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			value += " " + strings.TrimSpace(lines[i])
		}
		return value, true
	}
	return "", false
}

// splitHeaderLines splits a header block into logical lines, tolerating
// both LF and CRLF endings.
func splitHeaderLines(header []byte) []string {
	normalized := strings.ReplaceAll(string(header), "\r\n", "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

// ParseHeader extracts the fields the sync engine reads or rewrites from a
// message's header block.
func ParseHeader(header []byte) ParsedHeader {
	ph := ParsedHeader{ContentLength: -1}

	if status, ok := headerField(header, "Status"); ok {
		ph.Status = status
	}
	if xstatus, ok := headerField(header, "X-Status"); ok {
		ph.XStatus = xstatus
	}
	if kw, ok := headerField(header, "X-Keywords"); ok && kw != "" {
		fields := strings.Fields(kw)
		ph.XKeywords = make([]string, len(fields))
		for i, k := range fields {
			// Legacy IMAP servers have written keyword labels in local 8-bit
			// charsets rather than UTF-8; coerce so the index and any
			// downstream display never choke on an invalid string.
			ph.XKeywords[i] = textutil.EnsureUTF8(k)
		}
	}
	if uid, ok := headerField(header, "X-UID"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(uid), 10, 64); err == nil {
			ph.XUID = n
		}
	}
	if cl, ok := headerField(header, "Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil {
			ph.ContentLength = n
		}
	}

	if base, ok := headerField(header, "X-IMAPbase"); ok {
		ph.IsPseudo = true
		fields := strings.Fields(base)
		if len(fields) >= 1 {
			if n, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
				ph.UIDValidity = uint32(n)
			}
		}
		if len(fields) >= 2 {
			if n, err := strconv.ParseUint(fields[1], 10, 32); err == nil {
				ph.UIDLast = uint32(n)
			}
		}
		if len(fields) > 2 {
			ph.BaseKeywords = fields[2:]
		}
	} else if _, ok := headerField(header, "X-IMAP"); ok {
		ph.IsPseudo = true
	}

	ph.Flags = ParseFlags(ph.Status, ph.XStatus)
	return ph
}

// ParseFlags decodes the single-letter flag codes from a Status/X-Status
// header pair, following the convention Dovecot and mutt both use:
// Status carries R (\Seen) and O (non-\Recent); X-Status carries
// A (\Answered), F (\Flagged), D (\Deleted), T (\Draft).
func ParseFlags(status, xstatus string) Flags {
	var f Flags
	for _, c := range status {
		switch c {
		case 'R':
			f.Seen = true
		case 'O':
			f.Recent = false
		}
	}
	if !strings.ContainsRune(status, 'O') {
		f.Recent = true
	}
	for _, c := range xstatus {
		switch c {
		case 'A':
			f.Answered = true
		case 'F':
			f.Flagged = true
		case 'D':
			f.Deleted = true
		case 'T':
			f.Draft = true
		}
	}
	return f
}

// FormatStatus renders the Status header value for a set of flags.
func FormatStatus(f Flags) string {
	var b strings.Builder
	if f.Seen {
		b.WriteByte('R')
	}
	if !f.Recent {
		b.WriteByte('O')
	}
	return b.String()
}

// FormatXStatus renders the X-Status header value for a set of flags, in the
// fixed A/F/D/T order convention, so unchanged flags produce a byte-identical
// field across rewrites.
func FormatXStatus(f Flags) string {
	var b strings.Builder
	if f.Answered {
		b.WriteByte('A')
	}
	if f.Flagged {
		b.WriteByte('F')
	}
	if f.Deleted {
		b.WriteByte('D')
	}
	if f.Draft {
		b.WriteByte('T')
	}
	return b.String()
}
