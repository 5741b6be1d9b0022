// Package archive exports an NDTiff dataset directory as a single
// compressed tar stream, and uploads the result to S3-compatible
// object storage. Each supported codec is one reader or writer wrapped
// directly around a plain io.Writer. bzip2 uses dsnet/compress, which
// (unlike the standard library's read-only compress/bzip2) also
// implements a writer.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/ulikunitz/xz"
)

// Format names a compression codec for Export.
type Format string

const (
	FormatBrotli Format = "brotli"
	FormatZstd   Format = "zstd"
	FormatXz     Format = "xz"
	FormatBzip2  Format = "bzip2"
)

func compressWriter(format Format, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case FormatBrotli:
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	case FormatZstd:
		return zstd.NewWriter(w)
	case FormatXz:
		zw, err := xz.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return zw, nil
	case FormatBzip2:
		return bzip2.NewWriter(w, nil)
	default:
		return nil, fmt.Errorf("archive: unsupported export format %q", format)
	}
}

func decompressReader(format Format, r io.Reader) (io.Reader, error) {
	switch format {
	case FormatBrotli:
		return brotli.NewReader(r), nil
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case FormatXz:
		return xz.NewReader(r)
	case FormatBzip2:
		return bzip2.NewReader(r, nil)
	default:
		return nil, fmt.Errorf("archive: unsupported import format %q", format)
	}
}

// Export walks datasetDir (an NDTiff dataset directory, including its
// index file, container files, and optional display-settings file) and
// writes it to w as a tar stream compressed with format.
func Export(datasetDir string, format Format, w io.Writer) error {
	cw, err := compressWriter(format, w)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)

	walkErr := filepath.Walk(datasetDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(datasetDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		cw.Close()
		return walkErr
	}

	if err := tw.Close(); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

// Import reverses Export, extracting the tar stream read from r into
// destDir, which must not yet exist.
func Import(destDir string, format Format, r io.Reader) error {
	dr, err := decompressReader(format, r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if rel, err := filepath.Rel(destDir, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive: tar entry %q escapes destination directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}

// S3 is the subset of minio.Client used by Upload. Production callers
// pass a *minio.Client directly; tests pass a fake.
type S3 interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Upload uploads the local file at path to bucket/key using client.
func Upload(ctx context.Context, client S3, file, bucket, key string) error {
	_, err := client.FPutObject(ctx, bucket, key, file, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}
