package container

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/micro-manager/NDStorage/indexfile"
)

// FourGiB is the hard per-file size limit imposed by the classic TIFF
// 32-bit offset format.
const FourGiB = 4 * 1024 * 1024 * 1024

// safetyPadding is reserved so that the next image's IFD and a
// reasonable next-file rollover never butt exactly against the 4 GiB
// ceiling.
const safetyPadding = 5 * 1024 * 1024 // 5 MiB

// approxIFDOverhead is the rough per-image fixed cost budgeted by
// hasSpaceToWrite before the exact offsets are known.
const approxIFDOverhead = 160

// Writer writes one rolling NDTiff container file. All record emission
// and pointer patching goes through out, an io.WriteSeeker bound to the
// underlying file in production; tests substitute an in-memory sink.
type Writer struct {
	file     *os.File
	out      io.WriteSeeker
	pos      int64
	maxBytes int64

	// lastNextIFDPos is the file offset of the most recently written
	// image's next-IFD pointer field. Finish() zeroes it so the last
	// record in the file terminates the IFD chain.
	lastNextIFDPos int64

	xResNum, xResDen uint32
	yResNum, yResDen uint32
}

// NewWriter creates path, preallocates it to FourGiB, and writes the
// extended header plus summaryMetadata.
func NewWriter(path string, summaryMetadata []byte) (*Writer, error) {
	return NewWriterSize(path, summaryMetadata, FourGiB)
}

// NewWriterSize is NewWriter with a caller-chosen file size cap, used
// by rollover tests that cannot reasonably fill 4 GiB. maxBytes must
// exceed the safety padding.
func NewWriterSize(path string, summaryMetadata []byte, maxBytes int64) (*Writer, error) {
	if maxBytes <= safetyPadding {
		return nil, fmt.Errorf("container: max file size %d must exceed the %d-byte safety padding", maxBytes, safetyPadding)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("container: create %s: %w", path, err)
	}
	if err := f.Truncate(maxBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: preallocate %s: %w", path, err)
	}

	headerBytes, firstIFDOffset := encodeHeader(summaryMetadata)
	if _, err := f.WriteAt(headerBytes, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: write header: %w", err)
	}

	xNum, xDen := resolutionRational(summaryMetadata)

	return &Writer{
		file:     f,
		out:      f,
		pos:      int64(firstIFDOffset),
		maxBytes: maxBytes,
		xResNum:  xNum, xResDen: xDen,
		yResNum: xNum, yResDen: xDen,
	}, nil
}

// HasSpaceToWrite reports whether an image with the given pixel byte
// count and metadata length fits before the file's size limit, with
// safety padding.
func (w *Writer) HasSpaceToWrite(pixelBytes int, mdLen int) bool {
	need := int64(pixelBytes) + int64(mdLen) + approxIFDOverhead + safetyPadding
	return w.pos+need < w.maxBytes
}

// WriteImage writes one image record (IFD + extras + pixels + metadata)
// at the writer's current position and returns the index entry
// describing it. Callers must have already checked HasSpaceToWrite.
func (w *Writer) WriteImage(axesKey []byte, pixels []byte, meta []byte, rgb bool, bitDepth int, width, height uint32) (indexfile.Entry, error) {
	pixelType, err := indexfile.BitDepthOf(bitDepth, rgb)
	if err != nil {
		return indexfile.Entry{}, err
	}

	// IFDs must start on an even byte.
	if w.pos%2 != 0 {
		w.pos++
	}
	ifdStart := w.pos

	onDiskPixels, err := encodePixels(pixels, rgb, pixelType)
	if err != nil {
		return indexfile.Entry{}, err
	}

	// Compute offsets for the bits-per-sample array (RGB only),
	// x/y resolution, pixel data, metadata, and the next IFD.
	afterIFD := ifdStart + ifdBlockSize
	var bpsOffset int64
	extrasLen := int64(0)
	if rgb {
		bpsOffset = afterIFD
		extrasLen += 6
	}
	xResOffset := afterIFD + extrasLen
	extrasLen += 8
	yResOffset := afterIFD + extrasLen
	extrasLen += 8
	pixOffset := afterIFD + extrasLen
	mdOffset := pixOffset + int64(len(onDiskPixels))
	nextIFD := mdOffset + int64(len(meta))
	// The next record starts on an even byte, so the pointer written
	// here must already account for the alignment pad; otherwise an IFD
	// walk would land one byte short after any odd-length metadata blob.
	nextIFDAligned := nextIFD + nextIFD%2

	samplesPerPixel := pixelType.SamplesPerPixel()
	photometric := photometricGrey
	if rgb {
		photometric = photometricRGB
	}

	// Assemble the IFD block in memory, in strictly ascending tag
	// order, then flush it in one sequential write together with the
	// extras, pixels and metadata.
	var buf bytes.Buffer
	buf.Grow(int(nextIFD - ifdStart))
	writeU16(&buf, uint16(numIFDEntries))

	type ifdField struct {
		tag   uint16
		typ   tiffType
		count uint32
		value uint32
	}
	bitsPerSampleValue := uint32(bitDepth)
	if rgb {
		bitsPerSampleValue = uint32(bpsOffset)
	}
	fields := []ifdField{
		{tagImageWidth, typeLong, 1, width},
		{tagImageHeight, typeLong, 1, height},
		{tagBitsPerSample, typeShort, uint32(samplesPerPixel), bitsPerSampleValue},
		{tagCompression, typeShort, 1, compressionNone},
		{tagPhotometricInterpretation, typeShort, 1, uint32(photometric)},
		{tagStripOffsets, typeLong, 1, uint32(pixOffset)},
		{tagSamplesPerPixel, typeShort, 1, uint32(samplesPerPixel)},
		{tagRowsPerStrip, typeShort, 1, height},
		{tagStripByteCounts, typeLong, 1, uint32(len(onDiskPixels))},
		{tagXResolution, typeRational, 1, uint32(xResOffset)},
		{tagYResolution, typeRational, 1, uint32(yResOffset)},
		{tagResolutionUnit, typeShort, 1, resolutionUnitCentimetre},
		{tagMicroManagerMetadata, typeASCII, uint32(len(meta)), uint32(mdOffset)},
	}
	lastTag := uint16(0)
	for _, f := range fields {
		if f.tag <= lastTag {
			panic("container: IFD tags must be written in strictly ascending order")
		}
		lastTag = f.tag
		writeU16(&buf, f.tag)
		writeU16(&buf, uint16(f.typ))
		writeU32(&buf, f.count)
		writeU32(&buf, f.value)
	}
	writeU32(&buf, uint32(nextIFDAligned))

	if rgb {
		for i := 0; i < 3; i++ {
			writeU16(&buf, uint16(bitDepth))
		}
	}
	writeU32(&buf, w.xResNum)
	writeU32(&buf, w.xResDen)
	writeU32(&buf, w.yResNum)
	writeU32(&buf, w.yResDen)

	buf.Write(onDiskPixels)
	buf.Write(meta)

	if _, err := w.out.Seek(ifdStart, io.SeekStart); err != nil {
		return indexfile.Entry{}, fmt.Errorf("container: seek to image record: %w", err)
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return indexfile.Entry{}, fmt.Errorf("container: write image record: %w", err)
	}

	w.lastNextIFDPos = ifdStart + int64(ifdBlockSize) - 4
	w.pos = nextIFD

	return indexfile.Entry{
		AxesKey:             append([]byte(nil), axesKey...),
		PixelOffset:         uint32(pixOffset),
		PixelWidth:          width,
		PixelHeight:         height,
		PixelType:           pixelType,
		PixelCompression:    indexfile.CompressionNone,
		MetadataOffset:      uint32(mdOffset),
		MetadataLength:      uint32(len(meta)),
		MetadataCompression: indexfile.CompressionNone,
	}, nil
}

// EncodePixels converts pixels to their on-disk representation for the
// given pixel type, exported so a resolution level can reuse the same
// RGB packing logic when positionally rewriting a tile in place.
func EncodePixels(pixels []byte, rgb bool, pixelType indexfile.PixelType) ([]byte, error) {
	return encodePixels(pixels, rgb, pixelType)
}

// encodePixels converts the caller's pixel buffer into its on-disk
// representation. For RGB, the packed 4-byte-per-pixel input
// (B, G, R, A) is swapped to 3-byte-per-pixel (R, G, B); all other
// pixel types are written through unchanged.
func encodePixels(pixels []byte, rgb bool, pixelType indexfile.PixelType) ([]byte, error) {
	if !rgb {
		return pixels, nil
	}
	if len(pixels)%4 != 0 {
		return nil, fmt.Errorf("container: RGB pixel buffer length %d is not a multiple of 4", len(pixels))
	}
	n := len(pixels) / 4
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		b := pixels[i*4+0]
		g := pixels[i*4+1]
		r := pixels[i*4+2]
		out = append(out, r, g, b)
	}
	return out, nil
}

// Finish zeroes the final next-IFD pointer and truncates the file to
// its used length.
func (w *Writer) Finish() error {
	if err := w.patchFinalIFDPointer(); err != nil {
		return err
	}
	if err := w.file.Truncate(w.pos); err != nil {
		return fmt.Errorf("container: truncate to used length: %w", err)
	}
	return w.file.Close()
}

// patchFinalIFDPointer terminates the IFD chain by zeroing the last
// written record's next-IFD pointer in place.
func (w *Writer) patchFinalIFDPointer() error {
	if w.lastNextIFDPos == 0 {
		return nil
	}
	if err := patchOffset(w.out, w.lastNextIFDPos, 0); err != nil {
		return fmt.Errorf("container: zero terminal IFD pointer: %w", err)
	}
	return nil
}

// patchOffset overwrites a previously written 32-bit word in place.
func patchOffset(f io.WriteSeeker, pos int64, value uint32) error {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	var buf [4]byte
	byteOrder.PutUint32(buf[:], value)
	_, err := f.Write(buf[:])
	return err
}

// Close closes the underlying file without truncating or zeroing the
// final IFD pointer; used when abandoning a writer abnormally.
func (w *Writer) Close() error {
	return w.file.Close()
}

// File exposes the underlying *os.File so a co-located Reader can
// share the writer's handle instead of opening a second one on the
// same live file.
func (w *Writer) File() *os.File {
	return w.file
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	byteOrder.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	byteOrder.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}
