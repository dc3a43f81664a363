package mboxsync

import "io"

// moveBytes copies n (possibly overlapping) bytes from src to dst within f,
// a chunk at a time. Most moves shift bytes toward lower offsets (dst <
// src, the usual case of absorbing reclaimed space or compacting a window),
// for which ascending chunk order is safe: each chunk is always read from
// ahead of where the previous chunk was written. A window flush can still
// need to shift an individual message toward higher offsets (dst > src) to
// make room for a sibling in the same batch that grew, so that direction is
// handled too, descending instead so each chunk is read from before any
// already-written region.
func moveBytes(f writerAtReaderAt, src, dst, n int64) error {
	if dst == src || n <= 0 {
		return nil
	}
	const chunkSize = 32 << 10
	buf := make([]byte, chunkSize)

	if dst < src {
		for n > 0 {
			size := int64(len(buf))
			if size > n {
				size = n
			}
			if _, err := f.ReadAt(buf[:size], src); err != nil && err != io.EOF {
				return err
			}
			if _, err := f.WriteAt(buf[:size], dst); err != nil {
				return err
			}
			src += size
			dst += size
			n -= size
		}
		return nil
	}

	remaining := n
	for remaining > 0 {
		size := int64(len(buf))
		if size > remaining {
			size = remaining
		}
		remaining -= size
		if _, err := f.ReadAt(buf[:size], src+remaining); err != nil && err != io.EOF {
			return err
		}
		if _, err := f.WriteAt(buf[:size], dst+remaining); err != nil {
			return err
		}
	}
	return nil
}

type writerAtReaderAt interface {
	io.ReaderAt
	io.WriterAt
}
