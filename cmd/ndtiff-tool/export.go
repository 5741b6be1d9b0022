package main

import (
	"os"

	"github.com/micro-manager/NDStorage/archive"
)

// runExport packages a dataset directory into a single compressed tar
// file for off-machine transfer.
func runExport(args []string) error {
	fs := newFlagSet("export")
	dir := fs.String("dir", "", "dataset directory to export")
	out := fs.String("out", "", "output archive path")
	format := fs.String("format", "zstd", "compression format: brotli, zstd, xz, bzip2")
	fs.Parse(args)

	if *dir == "" || *out == "" {
		return flagError("export", "-dir and -out are required")
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	return archive.Export(*dir, archive.Format(*format), f)
}
