package mboxsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mboxsync/mboxsync/internal/mboxparser"
	"github.com/mboxsync/mboxsync/internal/rewriter"
)

// testFromDate is a fixed, valid "From " separator date accepted by
// mboxparser.ParseFromSeparatorDate, reused across fixtures so message
// content is the only thing that varies between test messages.
const testFromDate = "Mon Jan 1 00:00:00 2024"

// testMsg describes one message to synthesize into a fixture mbox.
type testMsg struct {
	uid      uint32 // 0: no X-UID embedded, the engine assigns one
	flags    mboxparser.Flags
	keywords []string
	body     string
	padding  int // extra trailing header bytes beyond the minimal rendering
}

// buildCanonicalMessage renders a message's From line, header and body the
// same way the engine itself would via rewriter.Build, so a baseline sync
// against it is deterministic: the header the test wrote and the header the
// engine computes from the same Update are byte-identical.
func buildCanonicalMessage(t *testing.T, m testMsg) []byte {
	t.Helper()
	upd := rewriter.Update{
		Flags:         m.flags,
		Keywords:      m.keywords,
		KeywordsSet:   true,
		ContentLength: int64(len(m.body)),
		ContentLenSet: true,
	}
	if m.uid > 0 {
		upd.XUID = int64(m.uid)
		upd.XUIDSet = true
	}
	minimal := rewriter.MinimalLen(nil, upd)
	header, fits := rewriter.Build(nil, upd, minimal+m.padding)
	if !fits {
		t.Fatalf("buildCanonicalMessage: header did not fit in minimal+padding")
	}

	var b strings.Builder
	b.WriteString("From sender@example.com ")
	b.WriteString(testFromDate)
	b.WriteByte('\n')
	b.Write(header)
	b.WriteString(messageSeparator)
	b.WriteString(m.body)
	return []byte(b.String())
}

// buildPseudoMessage renders the pseudo (X-IMAPbase) message that must open
// every fixture mbox, carrying uidValidity/uidLast.
func buildPseudoMessage(t *testing.T, uidValidity, uidLast uint32) []byte {
	t.Helper()
	upd := rewriter.Update{Pseudo: true, UIDValidity: uidValidity, UIDLast: uidLast}
	header, _ := rewriter.Build(nil, upd, 0)

	var b strings.Builder
	b.WriteString("From MAILER-DAEMON ")
	b.WriteString(testFromDate)
	b.WriteByte('\n')
	b.Write(header)
	b.WriteString(messageSeparator)
	b.WriteString("This text is part of the internal format of your mail folder.\n")
	return []byte(b.String())
}

// writeTestMbox assembles a pseudo header plus msgs into a fresh mbox file
// under dir and returns its path.
func writeTestMbox(t *testing.T, dir string, uidValidity, uidLast uint32, msgs []testMsg) string {
	t.Helper()
	var buf []byte
	buf = append(buf, buildPseudoMessage(t, uidValidity, uidLast)...)
	for _, m := range msgs {
		buf = append(buf, buildCanonicalMessage(t, m)...)
	}
	path := filepath.Join(dir, "test.mbox")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("write fixture mbox: %v", err)
	}
	return path
}
