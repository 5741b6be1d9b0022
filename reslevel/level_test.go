package reslevel

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/micro-manager/NDStorage/indexfile"
)

func TestCreatePutImageGetImage(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "", []byte(`{"Summary":true}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	pixels := bytes.Repeat([]byte{7}, 16*16)
	entry, err := l.PutImage(`{"time":0}`, []byte(`{"time":0}`), pixels, []byte(`{"frame":0}`), false, 8, 16, 16)
	if err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if entry.Filename != "NDTiffStack.tif" {
		t.Errorf("got filename %q, want NDTiffStack.tif", entry.Filename)
	}

	gotPixels, gotMeta, rgb, bitDepth, w, h, ok, err := l.GetImage(`{"time":0}`)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if !ok {
		t.Fatal("GetImage: not found")
	}
	if !bytes.Equal(gotPixels, pixels) {
		t.Errorf("pixels mismatch: got %v, want %v", gotPixels, pixels)
	}
	if string(gotMeta) != `{"frame":0}` {
		t.Errorf("metadata mismatch: got %q", gotMeta)
	}
	if rgb || bitDepth != 8 || w != 16 || h != 16 {
		t.Errorf("got rgb=%v bitDepth=%d w=%d h=%d, want false/8/16/16", rgb, bitDepth, w, h)
	}
}

func TestGetImage_MissingKey(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	_, _, _, _, _, _, ok, err := l.GetImage("missing")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing key")
	}
}

func TestPutPending_ServedBeforeCommit(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	pixels := []byte{1, 2, 3, 4}
	l.PutPending("k", pixels, []byte("m"), false, 8, 2, 2)

	got, meta, _, _, _, _, ok, err := l.GetImage("k")
	if err != nil || !ok {
		t.Fatalf("GetImage: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, pixels) || string(meta) != "m" {
		t.Errorf("pending image not served verbatim: got pixels=%v meta=%q", got, meta)
	}

	if _, ok := l.HasEntry("k"); ok {
		t.Error("pending-only key should not report a committed entry")
	}
}

func TestOverwritePixels(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	orig := bytes.Repeat([]byte{1}, 4)
	if _, err := l.PutImage("k", []byte(`{"k":0}`), orig, nil, false, 8, 2, 2); err != nil {
		t.Fatalf("PutImage: %v", err)
	}

	replacement := bytes.Repeat([]byte{9}, 4)
	if err := l.OverwritePixels("k", replacement, false); err != nil {
		t.Fatalf("OverwritePixels: %v", err)
	}

	got, _, _, _, _, _, ok, err := l.GetImage("k")
	if err != nil || !ok {
		t.Fatalf("GetImage after overwrite: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, replacement) {
		t.Errorf("got %v after overwrite, want %v", got, replacement)
	}
}

func TestFinishAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "pfx", []byte(`{"Summary":true}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pixels := bytes.Repeat([]byte{5}, 8*8*2)
	if _, err := l.PutImage(`{"t":0}`, []byte(`{"t":0}`), pixels, []byte("meta"), false, 16, 8, 8); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	loaded, err := Load(dir, "pfx")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	entry, ok := loaded.HasEntry(`{"t":0}`)
	if !ok {
		t.Fatal("loaded level is missing the committed entry")
	}
	if entry.PixelType != indexfile.Pixel16Bit {
		t.Errorf("got pixel type %v, want Pixel16Bit", entry.PixelType)
	}

	gotPixels, gotMeta, _, _, _, _, ok, err := loaded.GetImage(`{"t":0}`)
	if err != nil || !ok {
		t.Fatalf("GetImage after Load: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(gotPixels, pixels) {
		t.Errorf("pixels mismatch after reload")
	}
	if string(gotMeta) != "meta" {
		t.Errorf("metadata mismatch after reload: got %q", gotMeta)
	}
}

func TestFilename(t *testing.T) {
	cases := []struct {
		prefix string
		k      int
		want   string
	}{
		{"", 0, "NDTiffStack.tif"},
		{"", 1, "NDTiffStack_1.tif"},
		{"acq", 0, "acq_NDTiffStack.tif"},
		{"acq", 2, "acq_NDTiffStack_2.tif"},
	}
	for _, c := range cases {
		if got := filename(c.prefix, c.k); got != c.want {
			t.Errorf("filename(%q, %d) = %q, want %q", c.prefix, c.k, got, c.want)
		}
	}
}

func TestCreate_MakesIndexFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Create(dir, "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()
	if _, err := l.PutImage("k", []byte(`{"k":0}`), []byte{1}, nil, false, 8, 1, 1); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := l.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := indexfile.ReadIndexMap(filepath.Join(dir, "NDTiff.index")); err != nil {
		t.Errorf("ReadIndexMap: %v", err)
	}
}
