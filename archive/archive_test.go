package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
)

// writeTree lays out a miniature dataset directory: an index, one
// container file, a display-settings sidecar, and a pyramid
// subdirectory.
func writeTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{
		"NDTiff.index":                          {1, 2, 3, 4},
		"acq_NDTiffStack.tif":                   bytes.Repeat([]byte{0xAB}, 4096),
		"display_settings.txt":                  []byte(`{"contrast":[0,255]}`),
		filepath.Join("Downsampled_x2", "NDTiff.index"): {9, 8, 7},
	}
	for rel, data := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("WriteFile %s: %v", rel, err)
		}
	}
	return files
}

func TestExportImport_RoundTripAllFormats(t *testing.T) {
	src := t.TempDir()
	files := writeTree(t, src)

	for _, format := range []Format{FormatBrotli, FormatZstd, FormatXz, FormatBzip2} {
		format := format
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Export(src, format, &buf); err != nil {
				t.Fatalf("Export: %v", err)
			}
			if buf.Len() == 0 {
				t.Fatal("Export produced no output")
			}

			dest := filepath.Join(t.TempDir(), "restored")
			if err := Import(dest, format, &buf); err != nil {
				t.Fatalf("Import: %v", err)
			}
			for rel, want := range files {
				got, err := os.ReadFile(filepath.Join(dest, rel))
				if err != nil {
					t.Fatalf("ReadFile %s: %v", rel, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("%s: got %d bytes, want %d, contents differ", rel, len(got), len(want))
				}
			}
		})
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(t.TempDir(), Format("lz4"), &buf); err == nil {
		t.Error("expected an error for an unsupported format")
	}
}

func TestImport_RejectsEscapingPaths(t *testing.T) {
	// Hand-build an archive whose tar entry tries to climb out of the
	// destination, and make sure Import refuses it.
	var evil bytes.Buffer
	cw, err := compressWriter(FormatZstd, &evil)
	if err != nil {
		t.Fatalf("compressWriter: %v", err)
	}
	tw := tar.NewWriter(cw)
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: 1}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte("x")); err != nil {
		t.Fatalf("tar Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := cw.Close(); err != nil {
		t.Fatalf("compressor Close: %v", err)
	}
	escapeRoot := t.TempDir()
	if err := Import(filepath.Join(escapeRoot, "out"), FormatZstd, &evil); err == nil {
		t.Error("expected Import to reject a tar entry that escapes the destination")
	}
	if _, err := os.Stat(filepath.Join(escapeRoot, "escape.txt")); err == nil {
		t.Error("escaping tar entry was written outside the destination")
	}

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "ok.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Export(srcDir, FormatZstd, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	// A well-formed archive still extracts fine.
	dest := filepath.Join(t.TempDir(), "out")
	if err := Import(dest, FormatZstd, &buf); err != nil {
		t.Fatalf("Import of a clean archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "ok.txt")); err != nil {
		t.Errorf("expected ok.txt to be extracted: %v", err)
	}
}

// fakeS3 records the single upload Upload is expected to issue.
type fakeS3 struct {
	bucket, key, path string
	calls             int
}

func (f *fakeS3) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.calls++
	f.bucket, f.key, f.path = bucketName, objectName, filePath
	return minio.UploadInfo{Bucket: bucketName, Key: objectName}, nil
}

func TestUpload_PassesThroughToClient(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "dataset.tar.zst")
	if err := os.WriteFile(archivePath, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeS3{}
	if err := Upload(context.Background(), fake, archivePath, "microscopy", "runs/dataset.tar.zst"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("FPutObject called %d times, want 1", fake.calls)
	}
	if fake.bucket != "microscopy" || fake.key != "runs/dataset.tar.zst" || fake.path != archivePath {
		t.Errorf("FPutObject got (%q, %q, %q)", fake.bucket, fake.key, fake.path)
	}
}
