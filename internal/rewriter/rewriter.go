// Package rewriter reshapes a single message's header block in place,
// applying flag/UID/keyword updates and distributing padding so that future
// rewrites can often avoid shifting the body (spec.md §4.3, §4.5, §6).
package rewriter

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mboxsync/mboxsync/internal/mboxparser"
)

// Update describes the header fields a rewrite should apply. Managed fields
// (Status, X-Status, X-Keywords, X-UID, Content-Length, X-IMAPbase, X-IMAP)
// are always regenerated from the Update: any such line in the original
// header is dropped, and a field whose "set" flag is false is not written
// back. Non-managed lines, e.g. Subject/From/Date, pass through unchanged.
type Update struct {
	Flags         mboxparser.Flags
	Keywords      []string
	KeywordsSet   bool
	XUID          int64
	XUIDSet       bool
	ContentLength int64
	ContentLenSet bool

	// Pseudo, when true, rewrites the X-IMAPbase line instead of
	// Status/X-Status/X-Keywords/X-UID.
	Pseudo      bool
	UIDValidity uint32
	UIDLast     uint32
}

var managedFields = []string{"status", "x-status", "x-keywords", "x-uid", "content-length", "x-imapbase", "x-imap"}

func isManaged(line string) bool {
	lower := strings.ToLower(line)
	for _, f := range managedFields {
		if strings.HasPrefix(lower, f+":") {
			return true
		}
	}
	return false
}

// Build regenerates a message's header block: it keeps all non-managed
// lines from orig verbatim (in their original order) and appends the
// managed fields implied by upd, then pads the result with trailing spaces
// on the final line so the returned header is exactly targetLen bytes, if
// targetLen is large enough. If targetLen is smaller than the minimal
// rendering, the minimal (unpadded) rendering is returned along with false.
func Build(orig []byte, upd Update, targetLen int) (header []byte, fits bool) {
	lines := splitLines(orig)

	var kept []string
	for _, l := range lines {
		if l == "" {
			continue
		}
		if isManaged(l) {
			continue
		}
		kept = append(kept, l)
	}

	if upd.Pseudo {
		base := fmt.Sprintf("X-IMAPbase: %010d %010d", upd.UIDValidity, upd.UIDLast)
		if len(upd.Keywords) > 0 {
			base += " " + strings.Join(upd.Keywords, " ")
		}
		kept = append(kept, base)
	} else {
		status := mboxparser.FormatStatus(upd.Flags)
		if status != "" {
			kept = append(kept, "Status: "+status)
		}
		xstatus := mboxparser.FormatXStatus(upd.Flags)
		if xstatus != "" {
			kept = append(kept, "X-Status: "+xstatus)
		}
		if upd.KeywordsSet && len(upd.Keywords) > 0 {
			kept = append(kept, "X-Keywords: "+strings.Join(upd.Keywords, " "))
		}
		if upd.XUIDSet && upd.XUID > 0 {
			kept = append(kept, "X-UID: "+strconv.FormatInt(upd.XUID, 10))
		}
		if upd.ContentLenSet && upd.ContentLength >= 0 {
			kept = append(kept, "Content-Length: "+strconv.FormatInt(upd.ContentLength, 10))
		}
	}

	minimal := strings.Join(kept, "\n")
	if len(minimal) >= targetLen {
		return []byte(minimal), len(minimal) <= targetLen
	}

	pad := targetLen - len(minimal)
	var b strings.Builder
	b.WriteString(minimal)
	b.WriteString(strings.Repeat(" ", pad))
	return []byte(b.String()), true
}

func splitLines(header []byte) []string {
	if len(header) == 0 {
		return nil
	}
	normalized := strings.ReplaceAll(string(header), "\r\n", "\n")
	return strings.Split(normalized, "\n")
}

// TryInPlace attempts to build a header that fits within oldHeaderLen+budget
// bytes (budget may be negative, representing a deficit the caller must
// absorb from elsewhere). Returns ok=false if the minimal rendering still
// exceeds the available space, in which case the caller must open a rewrite
// window (spec.md §4.3).
func TryInPlace(orig []byte, upd Update, oldHeaderLen, budget int) (header []byte, ok bool) {
	target := oldHeaderLen + budget
	if target < 0 {
		target = 0
	}
	h, fits := Build(orig, upd, target)
	if !fits {
		return nil, false
	}
	return h, true
}

// MinimalLen returns the length of the unpadded rendering of upd against
// orig, used by the space planner to compute a window member's contribution
// to space_diff without committing to a rewrite.
func MinimalLen(orig []byte, upd Update) int {
	h, _ := Build(orig, upd, 0)
	return len(h)
}

// PatchUIDLast rewrites the fixed-width 10-digit ASCII uid-last field at a
// known byte offset, verifying the existing bytes still match expectedOld
// before writing (spec.md §4.8, testable property 8). data is the buffer
// containing the full file content (or a window of it containing offset);
// offset is relative to data.
func PatchUIDLast(data []byte, offset int64, expectedOld, newValue uint32) error {
	if offset < 0 || offset+10 > int64(len(data)) {
		return fmt.Errorf("uid-last offset %d out of range (len=%d)", offset, len(data))
	}
	field := data[offset : offset+10]
	for _, c := range field {
		if c < '0' || c > '9' {
			return fmt.Errorf("uid-last field at offset %d is not ASCII digits: %q", offset, field)
		}
	}
	got, err := strconv.ParseUint(string(field), 10, 32)
	if err != nil {
		return fmt.Errorf("uid-last field at offset %d: %w", offset, err)
	}
	if uint32(got) != expectedOld {
		return fmt.Errorf("uid-last field at offset %d = %d, expected %d (refusing write)", offset, got, expectedOld)
	}
	copy(field, []byte(fmt.Sprintf("%010d", newValue)))
	return nil
}

// WindowMember is one message participating in a batched rewrite (spec.md §4.5).
type WindowMember struct {
	Seq       int64
	OrigLen   int // original header length
	NewHeader []byte
	Expunged  bool
	Span      int64 // for expunged members, full from_offset..next_from_offset span
}

// DistributePadding splits extraSpace across non-expunged window members,
// appending up to paddingPerMessage bytes of trailing spaces to each header
// (spec.md §4.5: "distributing extra_space as padding").
func DistributePadding(members []WindowMember, extraSpace int64, paddingPerMessage int) []WindowMember {
	out := make([]WindowMember, len(members))
	copy(out, members)

	nonExpunged := 0
	for _, m := range out {
		if !m.Expunged {
			nonExpunged++
		}
	}
	if nonExpunged == 0 || extraSpace <= 0 {
		return out
	}

	per := extraSpace / int64(nonExpunged)
	if per > int64(paddingPerMessage) {
		per = int64(paddingPerMessage)
	}
	if per <= 0 {
		return out
	}

	for i := range out {
		if out[i].Expunged {
			continue
		}
		out[i].NewHeader = append(out[i].NewHeader, bytes.Repeat([]byte(" "), int(per))...)
	}
	return out
}

// SortBySeq orders window members by sequence ascending, the order the
// rewriter must write them back to the file.
func SortBySeq(members []WindowMember) {
	sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })
}

// TrailingPadding counts the run of ASCII space bytes at the very end of a
// header block, the padding a previous rewrite left behind for reuse
// (spec.md §6: "padding... is preserved and reused for in-place rewrites").
func TrailingPadding(header []byte) int {
	n := 0
	for n < len(header) && header[len(header)-1-n] == ' ' {
		n++
	}
	return n
}
