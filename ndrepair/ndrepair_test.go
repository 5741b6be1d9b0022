package ndrepair

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/micro-manager/NDStorage/axis"
	"github.com/micro-manager/NDStorage/reslevel"
)

func TestReconstruct_RebuildsDeletedIndex(t *testing.T) {
	dir := t.TempDir()
	l, err := reslevel.Create(dir, "acq", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Per-image metadata carries the coordinate under "Axes", the
	// convention Reconstruct uses to recover the original keys.
	images := make(map[string][]byte)
	for i := 0; i < 3; i++ {
		coord := axis.Coordinate{"time": axis.Int(int32(i))}
		key := string(axis.Serialize(coord))
		pixels := bytes.Repeat([]byte{byte(10 + i)}, 16*16)
		meta := []byte(fmt.Sprintf(`{"Axes":{"time":%d}}`, i))
		if _, err := l.PutImage(key, axis.Serialize(coord), pixels, meta, false, 8, 16, 16); err != nil {
			t.Fatalf("PutImage(%d): %v", i, err)
		}
		images[key] = pixels
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	indexPath := filepath.Join(dir, "NDTiff.index")
	if err := os.Remove(indexPath); err != nil {
		t.Fatalf("Remove index: %v", err)
	}

	if err := Reconstruct(dir); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	loaded, err := reslevel.Load(dir, "acq")
	if err != nil {
		t.Fatalf("Load after reconstruct: %v", err)
	}
	defer loaded.Close()

	for key, want := range images {
		got, _, _, _, w, h, ok, err := loaded.GetImage(key)
		if err != nil {
			t.Fatalf("GetImage(%s): %v", key, err)
		}
		if !ok {
			t.Fatalf("GetImage(%s): not found in reconstructed index", key)
		}
		if w != 16 || h != 16 {
			t.Errorf("GetImage(%s): dims %dx%d, want 16x16", key, w, h)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("GetImage(%s): pixel mismatch after reconstruction", key)
		}
	}
}

func TestReconstruct_SynthesisesKeyWithoutAxesConvention(t *testing.T) {
	dir := t.TempDir()
	l, err := reslevel.Create(dir, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pixels := bytes.Repeat([]byte{42}, 8*8)
	if _, err := l.PutImage(`{"z":5}`, []byte(`{"z":5}`), pixels, []byte(`{"note":"no axes here"}`), false, 8, 8, 8); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "NDTiff.index")); err != nil {
		t.Fatal(err)
	}

	if err := Reconstruct(dir); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	loaded, err := reslevel.Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	// The original key is unrecoverable; the image must still be
	// addressable under exactly one synthetic key.
	entries := loaded.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d reconstructed entries, want 1", len(entries))
	}
	for key := range entries {
		got, _, _, _, _, _, ok, err := loaded.GetImage(key)
		if err != nil || !ok {
			t.Fatalf("GetImage(%s): ok=%v err=%v", key, ok, err)
		}
		if !bytes.Equal(got, pixels) {
			t.Errorf("pixel mismatch under synthetic key %s", key)
		}
	}
}

func TestRecoveredEntry_SortCodecRoundTrip(t *testing.T) {
	e := recoveredEntry{
		filename:   "acq_NDTiffStack_1.tif",
		ifdOffset:  123456,
		width:      512,
		height:     256,
		bitDepth:   16,
		rgb:        false,
		pixOffset:  2048,
		pixLen:     512 * 256 * 2,
		metaOffset: 300000,
		metaLen:    64,
		axesKey:    []byte(`{"time":7}`),
	}
	got := recoveredEntryFromBytes(e.ToBytes()).(recoveredEntry)
	if got.filename != e.filename || got.ifdOffset != e.ifdOffset ||
		got.width != e.width || got.height != e.height ||
		got.bitDepth != e.bitDepth || got.rgb != e.rgb ||
		got.pixOffset != e.pixOffset || got.pixLen != e.pixLen ||
		got.metaOffset != e.metaOffset || got.metaLen != e.metaLen ||
		!bytes.Equal(got.axesKey, e.axesKey) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
	}

	other := recoveredEntry{filename: e.filename, ifdOffset: e.ifdOffset + 1}
	if !recoveredEntryLess(e, other) {
		t.Error("entries in the same file must sort by IFD offset")
	}
	if recoveredEntryLess(other, e) {
		t.Error("sort order must not be symmetric")
	}
}
