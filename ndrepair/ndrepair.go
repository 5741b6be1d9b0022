// Package ndrepair implements best-effort NDTiff.index reconstruction
// for datasets whose index is missing or corrupt: walk the IFD chain
// of every container file in a dataset directory, recover what each
// image record's index entry must have been, and write a fresh index.
// It is never invoked automatically by the storage engine.
//
// Recovered entries are pushed through an external sort so that
// arbitrarily large datasets rebuild in append order without holding
// every record in memory: a small binary serialization implementing
// extsort.SortType, fed through extsort.New, then drained in order.
package ndrepair

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/lanrat/extsort"

	"github.com/micro-manager/NDStorage/axis"
	"github.com/micro-manager/NDStorage/indexfile"
)

var byteOrder = binary.LittleEndian

const (
	tagImageWidth               uint16 = 256
	tagImageHeight               uint16 = 257
	tagBitsPerSample             uint16 = 258
	tagPhotometricInterpretation uint16 = 262
	tagStripOffsets              uint16 = 273
	tagSamplesPerPixel           uint16 = 277
	tagStripByteCounts           uint16 = 279
	tagMicroManagerMetadata      uint16 = 51123
)

const (
	headerFixedSize = 28
	ifdEntrySize    = 12
	photometricRGB  = 2
)

// recoveredEntry is one IFD's worth of recovered fields, plus the file
// it came from and its position within that file, the sort key used to
// restore on-disk append order.
type recoveredEntry struct {
	filename   string
	ifdOffset  uint32
	width      uint32
	height     uint32
	bitDepth   int
	rgb        bool
	pixOffset  uint32
	pixLen     uint32
	metaOffset uint32
	metaLen    uint32
	axesKey    []byte
}

// ToBytes serializes a recoveredEntry for extsort.
func (e recoveredEntry) ToBytes() []byte {
	var buf bytes.Buffer
	writeString(&buf, e.filename)
	writeUvarint(&buf, uint64(e.ifdOffset))
	writeUvarint(&buf, uint64(e.width))
	writeUvarint(&buf, uint64(e.height))
	writeUvarint(&buf, uint64(e.bitDepth))
	if e.rgb {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(&buf, uint64(e.pixOffset))
	writeUvarint(&buf, uint64(e.pixLen))
	writeUvarint(&buf, uint64(e.metaOffset))
	writeUvarint(&buf, uint64(e.metaLen))
	writeString(&buf, string(e.axesKey))
	return buf.Bytes()
}

func recoveredEntryFromBytes(b []byte) extsort.SortType {
	r := bytes.NewReader(b)
	filename := readString(r)
	ifdOffset := readUvarint(r)
	width := readUvarint(r)
	height := readUvarint(r)
	bitDepth := readUvarint(r)
	rgbByte, _ := r.ReadByte()
	pixOffset := readUvarint(r)
	pixLen := readUvarint(r)
	metaOffset := readUvarint(r)
	metaLen := readUvarint(r)
	axesKey := readString(r)
	return recoveredEntry{
		filename:   filename,
		ifdOffset:  uint32(ifdOffset),
		width:      uint32(width),
		height:     uint32(height),
		bitDepth:   int(bitDepth),
		rgb:        rgbByte == 1,
		pixOffset:  uint32(pixOffset),
		pixLen:     uint32(pixLen),
		metaOffset: uint32(metaOffset),
		metaLen:    uint32(metaLen),
		axesKey:    []byte(axesKey),
	}
}

// recoveredEntryLess orders by (filename, ifdOffset), the order images
// were originally appended within and across container files.
func recoveredEntryLess(a, b extsort.SortType) bool {
	aa := a.(recoveredEntry)
	bb := b.(recoveredEntry)
	if aa.filename != bb.filename {
		return aa.filename < bb.filename
	}
	return aa.ifdOffset < bb.ifdOffset
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	n := readUvarint(r)
	b := make([]byte, n)
	r.Read(b)
	return string(b)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) uint64 {
	v, _ := binary.ReadUvarint(r)
	return v
}

// Reconstruct scans every *.tif container file in dir, recovers index
// entries by walking their IFD chains, and writes a fresh NDTiff.index
// — overwriting any existing (presumably corrupt) one. It does not
// touch the container files themselves.
func Reconstruct(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	if err != nil {
		return fmt.Errorf("ndrepair: glob %s: %w", dir, err)
	}
	sort.Strings(files)

	inChan := make(chan extsort.SortType, 1024)
	cfg := extsort.DefaultConfig()
	cfg.NumWorkers = runtime.NumCPU()
	sorter, outChan, errChan := extsort.New(inChan, recoveredEntryFromBytes, recoveredEntryLess, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sorter.Sort(ctx)

	var walkErr error
	go func() {
		defer close(inChan)
		for _, path := range files {
			recovered, err := walkIFDChain(path)
			if err != nil {
				walkErr = err
				return
			}
			for _, e := range recovered {
				inChan <- e
			}
		}
	}()

	w, err := indexfile.NewWriter(filepath.Join(dir, "NDTiff.index"))
	if err != nil {
		return err
	}

	for e := range outChan {
		re := e.(recoveredEntry)
		pixelType, derr := indexfile.BitDepthOf(re.bitDepth, re.rgb)
		if derr != nil {
			continue // skip records whose recovered shape cannot be a legal pixel type
		}
		entry := indexfile.Entry{
			AxesKey:             re.axesKey,
			Filename:            re.filename,
			PixelOffset:         re.pixOffset,
			PixelWidth:          re.width,
			PixelHeight:         re.height,
			PixelType:           pixelType,
			PixelCompression:    indexfile.CompressionNone,
			MetadataOffset:      re.metaOffset,
			MetadataLength:      re.metaLen,
			MetadataCompression: indexfile.CompressionNone,
		}
		if err := w.Append(entry); err != nil {
			w.Close()
			return err
		}
	}
	if err := <-errChan; err != nil {
		w.Close()
		return fmt.Errorf("ndrepair: external sort: %w", err)
	}
	if walkErr != nil {
		w.Close()
		return walkErr
	}
	return w.Finish()
}

// walkIFDChain reads one container file's header and follows its
// linked list of IFDs from the first image record to the last,
// recovering each one's index fields.
func walkIFDChain(path string) ([]recoveredEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ndrepair: read %s: %w", path, err)
	}
	if len(data) < headerFixedSize {
		return nil, fmt.Errorf("ndrepair: %s too short to hold a header", path)
	}
	if data[0] != 'I' || data[1] != 'I' {
		return nil, fmt.Errorf("ndrepair: %s has an unsupported byte order mark", path)
	}
	offset := byteOrder.Uint32(data[4:8])
	filename := filepath.Base(path)

	var out []recoveredEntry
	for offset != 0 {
		if int(offset)+2 > len(data) {
			break // truncated chain; keep whatever was recovered so far
		}
		count := byteOrder.Uint16(data[offset : offset+2])
		entriesStart := offset + 2
		entriesEnd := entriesStart + uint32(count)*ifdEntrySize
		if int(entriesEnd)+4 > len(data) {
			break
		}

		fields := make(map[uint16][4]byte, count)
		fieldCounts := make(map[uint16]uint32, count)
		for i := uint32(0); i < uint32(count); i++ {
			base := entriesStart + i*ifdEntrySize
			tag := byteOrder.Uint16(data[base : base+2])
			cnt := byteOrder.Uint32(data[base+4 : base+8])
			var value [4]byte
			copy(value[:], data[base+8:base+12])
			fields[tag] = value
			fieldCounts[tag] = cnt
		}
		nextOffset := byteOrder.Uint32(data[entriesEnd : entriesEnd+4])

		imageWidthField := fields[tagImageWidth]
		imageHeightField := fields[tagImageHeight]
		photometricField := fields[tagPhotometricInterpretation]
		bitsPerSampleField := fields[tagBitsPerSample]
		stripOffsetsField := fields[tagStripOffsets]
		stripByteCountsField := fields[tagStripByteCounts]
		microManagerMetadataField := fields[tagMicroManagerMetadata]

		width := byteOrder.Uint32(imageWidthField[:])
		height := byteOrder.Uint32(imageHeightField[:])
		photometric := byteOrder.Uint16(photometricField[:2])
		rgb := photometric == photometricRGB

		var bitDepth int
		if rgb {
			// BitsPerSample for RGB stores an offset to 3 uint16 values,
			// all equal by construction (container.Writer never varies
			// per-channel depth).
			bpsOff := byteOrder.Uint32(bitsPerSampleField[:])
			if int(bpsOff)+2 <= len(data) {
				bitDepth = int(byteOrder.Uint16(data[bpsOff : bpsOff+2]))
			}
		} else {
			bitDepth = int(byteOrder.Uint16(bitsPerSampleField[:2]))
		}

		pixOffset := byteOrder.Uint32(stripOffsetsField[:])
		pixLen := byteOrder.Uint32(stripByteCountsField[:])
		metaOffset := byteOrder.Uint32(microManagerMetadataField[:])
		metaLen := fieldCounts[tagMicroManagerMetadata]

		var meta []byte
		if int(metaOffset)+int(metaLen) <= len(data) {
			meta = data[metaOffset : metaOffset+metaLen]
		}
		axesKey := recoverAxesKey(meta, offset)

		out = append(out, recoveredEntry{
			filename:   filename,
			ifdOffset:  offset,
			width:      width,
			height:     height,
			bitDepth:   bitDepth,
			rgb:        rgb,
			pixOffset:  pixOffset,
			pixLen:     pixLen,
			metaOffset: metaOffset,
			metaLen:    metaLen,
			axesKey:    axesKey,
		})

		if nextOffset <= offset {
			break // guards against a cyclic or non-advancing chain
		}
		offset = nextOffset
	}
	return out, nil
}

// recoverAxesKey tries to recover the original coordinate from the
// per-image metadata blob, which by convention (matching how
// Micro-Manager's own NDTiff writer annotates every image) carries the
// coordinate under a top-level "Axes" object. When that convention was
// not followed — callers are never required to embed it — this falls
// back to a synthetic single-axis key keyed by IFD offset, which is
// enough to make the image individually addressable even though its
// original coordinate is lost.
func recoverAxesKey(meta []byte, ifdOffset uint32) []byte {
	var wrapper struct {
		Axes map[string]json.RawMessage `json:"Axes"`
	}
	if len(meta) > 0 && json.Unmarshal(meta, &wrapper) == nil && len(wrapper.Axes) > 0 {
		coord := make(axis.Coordinate, len(wrapper.Axes))
		ok := true
		for name, raw := range wrapper.Axes {
			var asInt int32
			if err := json.Unmarshal(raw, &asInt); err == nil {
				coord[name] = axis.Int(asInt)
				continue
			}
			var asStr string
			if err := json.Unmarshal(raw, &asStr); err == nil {
				coord[name] = axis.String(asStr)
				continue
			}
			ok = false
			break
		}
		if ok {
			return axis.Serialize(coord)
		}
	}
	return axis.Serialize(axis.Coordinate{"recovered_offset": axis.Int(int32(ifdOffset))})
}
