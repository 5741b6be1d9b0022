package main

import (
	"os"

	ndstorage "github.com/micro-manager/NDStorage"
)

// runCreate initializes an empty dataset directory with the given
// summary metadata JSON (read verbatim from -summary, defaulting to
// "{}"), so that scripts can seed a dataset before streaming images
// into it with a client of the ndstorage package.
func runCreate(args []string) error {
	fs := newFlagSet("create")
	dir := fs.String("dir", "", "dataset directory to create")
	summaryPath := fs.String("summary", "", "path to a JSON file with summary metadata (default: {})")
	prefix := fs.String("prefix", "", "container filename prefix")
	tiled := fs.Bool("tiled", false, "create a tiled dataset")
	overlapX := fs.Int("overlapX", 0, "tile overlap in X (tiled datasets only)")
	overlapY := fs.Int("overlapY", 0, "tile overlap in Y (tiled datasets only)")
	maxLevel := fs.Int("maxLevel", 0, "initial maximum resolution level (tiled datasets only)")
	fs.Parse(args)

	if *dir == "" {
		return flagError("create", "-dir is required")
	}

	summary := []byte("{}")
	if *summaryPath != "" {
		data, err := os.ReadFile(*summaryPath)
		if err != nil {
			return err
		}
		summary = data
	}

	var opts []ndstorage.Option
	if *prefix != "" {
		opts = append(opts, ndstorage.WithPrefix(*prefix))
	}
	if *tiled {
		opts = append(opts, ndstorage.WithTiled(*overlapX, *overlapY, *maxLevel))
	}

	ds, err := ndstorage.Create(*dir, summary, opts...)
	if err != nil {
		return err
	}
	return ds.FinishedWriting()
}
