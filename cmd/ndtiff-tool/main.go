// Command ndtiff-tool is the operational CLI for NDTiff datasets:
// inspecting, exporting, repairing, thumbnailing and serving metrics
// for a dataset directory, one flag.NewFlagSet per subcommand.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.LUTC)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "thumbnail":
		err = runThumbnail(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "repair":
		err = runRepair(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ndtiff-tool <create|inspect|thumbnail|export|repair|serve> [flags]")
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}
