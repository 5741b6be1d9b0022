package indexfile

import (
	"fmt"
	"os"
)

// preallocateSize is the size NDTiff.index is preallocated to on
// creation; the file is truncated down to its actual used length on
// Finish.
const preallocateSize = 25 * 1024 * 1024 // 25 MiB

// Writer appends encoded Entry records to NDTiff.index. It is only
// ever driven from a dataset's single writer goroutine.
//
// This implementation uses plain positional writes through *os.File
// rather than a memory-mapped region; the two are observably
// identical, and positional writes are portable.
type Writer struct {
	file *os.File
	pos  int64
}

// NewWriter creates (or truncates) path, preallocates it to
// preallocateSize, and returns a Writer ready to append entries.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("indexfile: create %s: %w", path, err)
	}
	if err := f.Truncate(preallocateSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("indexfile: preallocate %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Append encodes e and writes it at the writer's current position,
// growing the file if the preallocated region has been exhausted.
func (w *Writer) Append(e Entry) error {
	buf := Encode(nil, e)
	if w.pos+int64(len(buf)) > preallocateSize {
		// Rare: a dataset with very large axes keys or filenames can
		// outgrow the 25 MiB preallocation. Grow the file rather than
		// fail the write.
		if err := w.file.Truncate(w.pos + int64(len(buf))); err != nil {
			return fmt.Errorf("indexfile: grow index file: %w", err)
		}
	}
	n, err := w.file.WriteAt(buf, w.pos)
	if err != nil {
		return fmt.Errorf("indexfile: append entry: %w", err)
	}
	w.pos += int64(n)
	return nil
}

// Finish truncates the file to the number of bytes actually written
// and closes it.
func (w *Writer) Finish() error {
	if err := w.file.Truncate(w.pos); err != nil {
		return fmt.Errorf("indexfile: truncate index file: %w", err)
	}
	return w.file.Close()
}

// Close closes the underlying file without truncating it; used when
// abandoning a dataset without a well-formed Finish.
func (w *Writer) Close() error {
	return w.file.Close()
}
