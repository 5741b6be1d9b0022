package indexfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// byteOrder is the native word order used throughout the container and
// index formats. Little-endian matches every host this engine targets
// (amd64, arm64).
var byteOrder = binary.LittleEndian

// Encode appends the binary form of e to dst and returns the result:
// length-prefixed axes key and filename, then the eight fixed 32-bit
// fields in their on-disk order.
func Encode(dst []byte, e Entry) []byte {
	dst = appendU32(dst, uint32(len(e.AxesKey)))
	dst = append(dst, e.AxesKey...)
	dst = appendU32(dst, uint32(len(e.Filename)))
	dst = append(dst, e.Filename...)
	dst = appendU32(dst, e.PixelOffset)
	dst = appendU32(dst, e.PixelWidth)
	dst = appendU32(dst, e.PixelHeight)
	dst = appendU32(dst, uint32(e.PixelType))
	dst = appendU32(dst, uint32(e.PixelCompression))
	dst = appendU32(dst, e.MetadataOffset)
	dst = appendU32(dst, e.MetadataLength)
	dst = appendU32(dst, uint32(e.MetadataCompression))
	return dst
}

func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// Decode reads one entry from the front of src, returning the entry
// and the number of bytes consumed. It returns an error if src is
// truncated.
func Decode(src []byte) (Entry, int, error) {
	var e Entry
	pos := 0

	keyLen, err := readU32(src, pos)
	if err != nil {
		return e, 0, err
	}
	pos += 4
	if pos+int(keyLen) > len(src) {
		return e, 0, fmt.Errorf("indexfile: truncated axes key (want %d bytes): %w", keyLen, io.ErrUnexpectedEOF)
	}
	e.AxesKey = append([]byte(nil), src[pos:pos+int(keyLen)]...)
	pos += int(keyLen)

	nameLen, err := readU32(src, pos)
	if err != nil {
		return e, 0, err
	}
	pos += 4
	if pos+int(nameLen) > len(src) {
		return e, 0, fmt.Errorf("indexfile: truncated filename (want %d bytes): %w", nameLen, io.ErrUnexpectedEOF)
	}
	e.Filename = string(src[pos : pos+int(nameLen)])
	pos += int(nameLen)

	fields := []*uint32{&e.PixelOffset, &e.PixelWidth, &e.PixelHeight}
	for _, f := range fields {
		v, err := readU32(src, pos)
		if err != nil {
			return e, 0, err
		}
		*f = v
		pos += 4
	}

	pixType, err := readU32(src, pos)
	if err != nil {
		return e, 0, err
	}
	e.PixelType = PixelType(pixType)
	pos += 4

	pixComp, err := readU32(src, pos)
	if err != nil {
		return e, 0, err
	}
	e.PixelCompression = Compression(pixComp)
	pos += 4

	mdFields := []*uint32{&e.MetadataOffset, &e.MetadataLength}
	for _, f := range mdFields {
		v, err := readU32(src, pos)
		if err != nil {
			return e, 0, err
		}
		*f = v
		pos += 4
	}

	mdComp, err := readU32(src, pos)
	if err != nil {
		return e, 0, err
	}
	e.MetadataCompression = Compression(mdComp)
	pos += 4

	return e, pos, nil
}

func readU32(src []byte, pos int) (uint32, error) {
	if pos+4 > len(src) {
		return 0, io.ErrUnexpectedEOF
	}
	return byteOrder.Uint32(src[pos : pos+4]), nil
}

// Finished is the sentinel "finished" entry emitted to out-of-process
// listeners watching a live writer: every field zero, with IsFinished
// set. It is never appended to NDTiff.index by this package;
// Writer.Finish truncates the file instead.
type Finished struct {
	Entry
	IsFinished bool
}

// NewFinishedSentinel returns the all-zero sentinel entry.
func NewFinishedSentinel() Finished {
	return Finished{IsFinished: true}
}
