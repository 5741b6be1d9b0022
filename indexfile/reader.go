package indexfile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadIndexMap streams entries from the beginning of path until EOF,
// returning a map keyed by the string form of each entry's axes key.
// Truncated trailing bytes — e.g. from a
// crash between preallocation and Finish — are tolerated: decoding
// stops at the first incomplete record instead of failing the whole
// load, since that tail can never have been observed by a reader.
func ReadIndexMap(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("indexfile: read %s: %w", path, err)
	}
	return DecodeAll(data)
}

// DecodeAll decodes every entry in data, stopping cleanly at the first
// truncated or all-zero trailing record (the latter being leftover
// preallocated zero bytes that were never overwritten).
func DecodeAll(data []byte) (map[string]Entry, error) {
	out := make(map[string]Entry)
	pos := 0
	for pos < len(data) {
		if isZero(data[pos:min(pos+4, len(data))]) {
			// Either exact end of used region, or the zero-filled pad
			// left by preallocation.
			break
		}
		e, n, err := Decode(data[pos:])
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("indexfile: decode entry at offset %d: %w", pos, err)
		}
		out[string(e.AxesKey)] = e
		pos += n
	}
	return out, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return len(b) > 0
}
