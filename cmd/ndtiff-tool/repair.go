package main

import (
	"fmt"

	"github.com/micro-manager/NDStorage/ndrepair"
)

// runRepair invokes the best-effort index reconstruction path,
// overwriting NDTiff.index from what can be recovered by walking the
// container files' IFD chains. Never run automatically by any other
// part of this program.
func runRepair(args []string) error {
	fs := newFlagSet("repair")
	dir := fs.String("dir", "", "resolution level directory whose NDTiff.index should be rebuilt")
	fs.Parse(args)

	if *dir == "" {
		return flagError("repair", "-dir is required")
	}

	if err := ndrepair.Reconstruct(*dir); err != nil {
		return err
	}
	fmt.Printf("rebuilt %s/NDTiff.index\n", *dir)
	return nil
}
