// Package container implements the TIFF-compatible container file
// format: one rolling file up to 4 GiB holding an extended header,
// verbatim summary metadata, and a sequence of IFD + pixel + metadata
// triples.
package container

// tiffType is a TIFF IFD entry's data type code, trimmed to the
// handful NDTiff actually emits.
type tiffType uint16

const (
	typeShort    tiffType = 3
	typeLong     tiffType = 4
	typeRational tiffType = 5
	typeASCII    tiffType = 2
)

func (t tiffType) size() uint32 {
	switch t {
	case typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational:
		return 8
	default:
		return 0
	}
}

// Standard baseline TIFF tags used by NDTiff, plus the reserved
// MicroManagerMetadata private tag.
const (
	tagImageWidth               uint16 = 256
	tagImageHeight              uint16 = 257
	tagBitsPerSample            uint16 = 258
	tagCompression              uint16 = 259
	tagPhotometricInterpretation uint16 = 262
	tagStripOffsets             uint16 = 273
	tagSamplesPerPixel          uint16 = 277
	tagRowsPerStrip             uint16 = 278
	tagStripByteCounts          uint16 = 279
	tagXResolution              uint16 = 282
	tagYResolution              uint16 = 283
	tagResolutionUnit           uint16 = 296
	tagMicroManagerMetadata     uint16 = 51123
)

const (
	compressionNone           = 1 // TIFF baseline: uncompressed
	photometricGrey           = 1
	photometricRGB            = 2
	resolutionUnitCentimetre  = 3
)

// ifdEntrySize is the on-disk size of one 12-byte IFD entry.
const ifdEntrySize = 12

// numIFDEntries is the fixed per-image entry count; every image record
// carries exactly these 13 tags.
const numIFDEntries = 13

// ifdBlockSize is the size of count(2) + 13 entries(12 each) + next-IFD
// pointer(4), i.e. the fixed-shape part of every image record.
const ifdBlockSize = 2 + numIFDEntries*ifdEntrySize + 4
