package main

import (
	"fmt"
	"os"
	"path/filepath"

	ndstorage "github.com/micro-manager/NDStorage"
	"github.com/micro-manager/NDStorage/axis"
)

// runInspect loads a dataset read-only and prints the axes it has
// observed, the canvas bounds at each resolution level, and whether a
// display-settings file is present, the way a developer would eyeball a
// dataset before writing code against it.
func runInspect(args []string) error {
	fs := newFlagSet("inspect")
	dir := fs.String("dir", "", "dataset directory to inspect")
	prefix := fs.String("prefix", "", "container filename prefix")
	fs.Parse(args)

	if *dir == "" {
		return flagError("inspect", "-dir is required")
	}

	var opts []ndstorage.Option
	if *prefix != "" {
		opts = append(opts, ndstorage.WithPrefix(*prefix))
	}
	ds, err := ndstorage.Load(*dir, opts...)
	if err != nil {
		return err
	}
	defer ds.Close()

	fmt.Printf("dataset: %s\n", filepath.Clean(*dir))
	fmt.Println("axes:")
	axes := ds.GetAxesSet()
	for name, kind := range axes {
		fmt.Printf("  %-20s %s\n", name, kind)
	}

	for level := 0; ; level++ {
		_, _, w, h, ok := ds.GetImageBounds(axis.Coordinate{}, level)
		if !ok {
			if level == 0 {
				fmt.Println("no images found")
			}
			break
		}
		fmt.Printf("level %d: bounds %dx%d\n", level, w, h)
	}

	if _, err := os.Stat(filepath.Join(*dir, "display_settings.txt")); err == nil {
		fmt.Println("display settings: present")
	}
	return nil
}
