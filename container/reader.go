package container

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/micro-manager/NDStorage/indexfile"
)

// Reader serves pixel and metadata reads from an existing container
// file, given entries already resolved through the index. It never
// walks IFDs itself.
type Reader struct {
	file            *os.File
	owned           bool
	header          Header
}

// Open opens path read-only, parses the extended header, and verifies
// the magics.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}
	r, err := newReader(f, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// OpenFile wraps an already-open file (e.g. a writer's shared handle)
// as a Reader. The Reader does not take ownership and will not
// close f.
func OpenFile(f *os.File) (*Reader, error) {
	return newReader(f, false)
}

func newReader(f *os.File, owned bool) (*Reader, error) {
	headerBuf := make([]byte, headerFixedSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("container: read header: %w", err)
	}
	mdLen := byteOrder.Uint32(headerBuf[24:28])
	full := make([]byte, headerFixedSize+int(mdLen))
	if _, err := f.ReadAt(full, 0); err != nil {
		return nil, fmt.Errorf("container: read summary metadata: %w", err)
	}
	h, err := decodeHeader(full)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, owned: owned, header: h}, nil
}

// SummaryMetadata returns the verbatim summary-metadata bytes written
// at construction.
func (r *Reader) SummaryMetadata() []byte {
	return r.header.SummaryMetadata
}

// Close closes the underlying file, unless it was shared from a Writer.
func (r *Reader) Close() error {
	if !r.owned {
		return nil
	}
	return r.file.Close()
}

// ReadImage issues positional reads of the pixel and metadata payloads
// described by e. RGB payloads are expanded from 3 bytes/pixel back to
// 4 bytes/pixel with a zero alpha channel.
func (r *Reader) ReadImage(e indexfile.Entry) (pixels []byte, metadata []byte, err error) {
	onDisk := make([]byte, e.PixelByteLength())
	if len(onDisk) > 0 {
		if _, err := r.file.ReadAt(onDisk, int64(e.PixelOffset)); err != nil {
			return nil, nil, fmt.Errorf("container: read pixels at offset %d: %w", e.PixelOffset, err)
		}
	}

	if e.MetadataLength > 0 {
		metadata = make([]byte, e.MetadataLength)
		if _, err := r.file.ReadAt(metadata, int64(e.MetadataOffset)); err != nil {
			return nil, nil, fmt.Errorf("container: read metadata at offset %d: %w", e.MetadataOffset, err)
		}
	}

	if e.PixelType == indexfile.Pixel8RGB {
		return expandRGB(onDisk), metadata, nil
	}
	return onDisk, metadata, nil
}

// expandRGB widens a 3-bytes-per-pixel (R, G, B) on-disk buffer to the
// caller's 4-bytes-per-pixel (B, G, R, A) representation with A = 0,
// the inverse of encodePixels.
func expandRGB(onDisk []byte) []byte {
	n := len(onDisk) / 3
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		r := onDisk[i*3+0]
		g := onDisk[i*3+1]
		b := onDisk[i*3+2]
		out[i*4+0] = b
		out[i*4+1] = g
		out[i*4+2] = r
		out[i*4+3] = 0
	}
	return out
}

// ReadImageUint16 reinterprets a 16-bit monochrome pixel payload as a
// slice of uint16 samples in the container's native byte order.
func ReadImageUint16(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return out
}

// ReadEssentialImageMetadata returns width, height, bit depth and the
// RGB flag from the entry alone, without touching the file.
func ReadEssentialImageMetadata(e indexfile.Entry) (width, height uint32, bitDepth int, rgb bool) {
	rgb = e.PixelType == indexfile.Pixel8RGB
	switch e.PixelType {
	case indexfile.Pixel8Bit, indexfile.Pixel8RGB:
		bitDepth = 8
	case indexfile.Pixel10Bit:
		bitDepth = 10
	case indexfile.Pixel11Bit:
		bitDepth = 11
	case indexfile.Pixel12Bit:
		bitDepth = 12
	case indexfile.Pixel14Bit:
		bitDepth = 14
	case indexfile.Pixel16Bit:
		bitDepth = 16
	}
	return e.PixelWidth, e.PixelHeight, bitDepth, rgb
}
