package container

import (
	"encoding/binary"
	"fmt"
)

// Magic numbers of the extended NDTiff header.
const (
	tiffMagic          = 42
	ndtiffMagic        = 483729
	summaryMetaMagic   = 2355492
	headerFixedSize    = 28 // bytes 0-27
	majorVersion       = 3
	minorVersion       = 3
)

// byteOrder is the native word order this implementation always
// writes with; see indexfile.byteOrder for the same rationale.
var byteOrder = binary.LittleEndian

// bomLittle / bomBig are the two legal TIFF byte-order marks.
var bomLittle = [2]byte{'I', 'I'}
var bomBig = [2]byte{'M', 'M'}

// Header is the parsed form of a container file's extended TIFF
// header (bytes 0-27) plus its summary metadata blob.
type Header struct {
	LittleEndian     bool
	FirstIFDOffset   uint32
	MajorVersion     uint32
	MinorVersion     uint32
	SummaryMetadata  []byte
}

// encodeHeader writes the extended header plus summary metadata,
// returning the bytes and the (even) offset at which the first IFD
// must start.
func encodeHeader(summaryMetadata []byte) (data []byte, firstIFDOffset uint32) {
	mdLen := uint32(len(summaryMetadata))
	firstIFDOffset = headerFixedSize + mdLen
	needsPad := firstIFDOffset%2 != 0
	if needsPad {
		firstIFDOffset++
	}

	buf := make([]byte, 0, firstIFDOffset)
	buf = append(buf, bomLittle[:]...)
	buf = appendU16(buf, tiffMagic)
	buf = appendU32(buf, firstIFDOffset)
	buf = appendU32(buf, ndtiffMagic)
	buf = appendU32(buf, majorVersion)
	buf = appendU32(buf, minorVersion)
	buf = appendU32(buf, summaryMetaMagic)
	buf = appendU32(buf, mdLen)
	buf = append(buf, summaryMetadata...)
	if needsPad {
		buf = append(buf, 0)
	}
	return buf, firstIFDOffset
}

// decodeHeader parses the extended header starting at data[0] and
// returns the parsed Header; the first IFD starts at its FirstIFDOffset.
func decodeHeader(data []byte) (Header, error) {
	if len(data) < headerFixedSize {
		return Header{}, fmt.Errorf("container: file too short for header (%d bytes)", len(data))
	}

	var h Header
	switch {
	case data[0] == bomLittle[0] && data[1] == bomLittle[1]:
		h.LittleEndian = true
	case data[0] == bomBig[0] && data[1] == bomBig[1]:
		h.LittleEndian = false
	default:
		return Header{}, fmt.Errorf("container: bad byte-order mark %q", data[0:2])
	}
	if !h.LittleEndian {
		return Header{}, fmt.Errorf("container: big-endian containers are not supported by this implementation")
	}

	if got := byteOrder.Uint16(data[2:4]); got != tiffMagic {
		return Header{}, fmt.Errorf("container: bad TIFF magic %d", got)
	}
	h.FirstIFDOffset = byteOrder.Uint32(data[4:8])
	if got := byteOrder.Uint32(data[8:12]); got != ndtiffMagic {
		return Header{}, fmt.Errorf("container: bad NDTiff discriminator %d", got)
	}
	h.MajorVersion = byteOrder.Uint32(data[12:16])
	h.MinorVersion = byteOrder.Uint32(data[16:20])
	if got := byteOrder.Uint32(data[20:24]); got != summaryMetaMagic {
		return Header{}, fmt.Errorf("container: bad summary-metadata magic %d", got)
	}
	mdLen := byteOrder.Uint32(data[24:28])
	if headerFixedSize+int(mdLen) > len(data) {
		return Header{}, fmt.Errorf("container: summary metadata length %d exceeds file", mdLen)
	}
	h.SummaryMetadata = append([]byte(nil), data[headerFixedSize:headerFixedSize+int(mdLen)]...)
	return h, nil
}

func appendU16(dst []byte, v uint16) []byte {
	var buf [2]byte
	byteOrder.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}
