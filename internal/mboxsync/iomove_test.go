package mboxsync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newMoveFixture(t *testing.T, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "move.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// sequentialBytes returns a slice where byte i is i's low 8 bits, so any
// misaligned or corrupted copy is immediately visible.
func sequentialBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestMoveBytes_LeftShiftSingleChunk(t *testing.T) {
	content := sequentialBytes(1000)
	f := newMoveFixture(t, content)

	if err := moveBytes(f, 500, 100, 300); err != nil {
		t.Fatalf("moveBytes: %v", err)
	}

	got := make([]byte, 300)
	if _, err := f.ReadAt(got, 100); err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := content[500:800]
	if !bytes.Equal(got, want) {
		t.Errorf("left shift produced wrong bytes")
	}
}

func TestMoveBytes_RightShiftSingleChunk(t *testing.T) {
	content := sequentialBytes(1000)
	f := newMoveFixture(t, content)

	if err := moveBytes(f, 100, 500, 300); err != nil {
		t.Fatalf("moveBytes: %v", err)
	}

	got := make([]byte, 300)
	if _, err := f.ReadAt(got, 500); err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := content[100:400]
	if !bytes.Equal(got, want) {
		t.Errorf("right shift produced wrong bytes")
	}
}

// TestMoveBytes_RightShiftMultiChunkOverlapping is a regression test: a
// right shift spanning more than one internal chunk, with the destination
// range overlapping the still-unread tail of the source range, used to
// corrupt data under naive ascending-order copying.
func TestMoveBytes_RightShiftMultiChunkOverlapping(t *testing.T) {
	const n = 100_000 // several multiples of the 32KiB chunk size
	const shift = 10
	content := sequentialBytes(n + shift)
	f := newMoveFixture(t, content)

	if err := moveBytes(f, 0, shift, n); err != nil {
		t.Fatalf("moveBytes: %v", err)
	}

	got := make([]byte, n)
	if _, err := f.ReadAt(got, shift); err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := content[0:n]
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("right shift corrupted data at offset %d: got %d want %d", i, got[i], want[i])
			}
		}
	}
}

// TestMoveBytes_LeftShiftMultiChunkOverlapping is the mirrored left-shift
// case, confirming the long-standing ascending-order path still holds for
// large, overlapping multi-chunk moves.
func TestMoveBytes_LeftShiftMultiChunkOverlapping(t *testing.T) {
	const n = 100_000
	const shift = 10
	content := sequentialBytes(n + shift)
	f := newMoveFixture(t, content)

	if err := moveBytes(f, shift, 0, n); err != nil {
		t.Fatalf("moveBytes: %v", err)
	}

	got := make([]byte, n)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := content[shift : shift+n]
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("left shift corrupted data at offset %d: got %d want %d", i, got[i], want[i])
			}
		}
	}
}

func TestMoveBytes_NoopWhenSameOffsetOrZeroLength(t *testing.T) {
	content := sequentialBytes(100)
	f := newMoveFixture(t, content)

	if err := moveBytes(f, 10, 10, 50); err != nil {
		t.Fatalf("moveBytes same offset: %v", err)
	}
	if err := moveBytes(f, 0, 90, 0); err != nil {
		t.Fatalf("moveBytes zero length: %v", err)
	}

	got := make([]byte, 100)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("no-op moves mutated the file")
	}
}
