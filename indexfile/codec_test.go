package indexfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	e := Entry{
		AxesKey:          []byte(`{"time":0}`),
		Filename:         "prefix_NDTiffStack.tif",
		PixelOffset:      1234,
		PixelWidth:       512,
		PixelHeight:      512,
		PixelType:        Pixel16Bit,
		PixelCompression: CompressionNone,
		MetadataOffset:   99999,
		MetadataLength:   42,
	}
	buf := Encode(nil, e)
	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if !bytes.Equal(got.AxesKey, e.AxesKey) || got.Filename != e.Filename ||
		got.PixelOffset != e.PixelOffset || got.PixelWidth != e.PixelWidth ||
		got.PixelHeight != e.PixelHeight || got.PixelType != e.PixelType ||
		got.MetadataOffset != e.MetadataOffset || got.MetadataLength != e.MetadataLength {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestDecode_TruncatedRecord(t *testing.T) {
	e := Entry{AxesKey: []byte(`{"z":1}`), Filename: "a.tif"}
	buf := Encode(nil, e)
	if _, _, err := Decode(buf[:len(buf)-2]); err == nil {
		t.Errorf("expected error decoding truncated record")
	}
}

func TestBitDepthOf(t *testing.T) {
	cases := []struct {
		bitDepth int
		rgb      bool
		want     PixelType
		wantErr  bool
	}{
		{8, false, Pixel8Bit, false},
		{16, false, Pixel16Bit, false},
		{10, false, Pixel10Bit, false},
		{11, false, Pixel11Bit, false},
		{12, false, Pixel12Bit, false},
		{14, false, Pixel14Bit, false},
		{8, true, Pixel8RGB, false},
		{16, true, 0, true}, // open question: 16-bit RGB unsupported
		{7, false, 0, true},
	}
	for _, c := range cases {
		got, err := BitDepthOf(c.bitDepth, c.rgb)
		if c.wantErr {
			if err == nil {
				t.Errorf("BitDepthOf(%d, %v): expected error", c.bitDepth, c.rgb)
			}
			continue
		}
		if err != nil {
			t.Errorf("BitDepthOf(%d, %v): %v", c.bitDepth, c.rgb, err)
			continue
		}
		if got != c.want {
			t.Errorf("BitDepthOf(%d, %v) = %d, want %d", c.bitDepth, c.rgb, got, c.want)
		}
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NDTiff.index")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	entries := []Entry{
		{AxesKey: []byte(`{"time":0}`), Filename: "a.tif", PixelWidth: 16, PixelHeight: 16, PixelType: Pixel16Bit},
		{AxesKey: []byte(`{"time":1}`), Filename: "a.tif", PixelWidth: 16, PixelHeight: 16, PixelType: Pixel16Bit, PixelOffset: 1000},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() >= preallocateSize {
		t.Errorf("Finish should truncate below preallocated size, got %d bytes", info.Size())
	}

	m, err := ReadIndexMap(path)
	if err != nil {
		t.Fatalf("ReadIndexMap: %v", err)
	}
	if len(m) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(m), len(entries))
	}
	for _, e := range entries {
		got, ok := m[string(e.AxesKey)]
		if !ok {
			t.Fatalf("missing entry for key %s", e.AxesKey)
		}
		if got.PixelOffset != e.PixelOffset {
			t.Errorf("key %s: got offset %d, want %d", e.AxesKey, got.PixelOffset, e.PixelOffset)
		}
	}
}
