package main

import (
	"log"
	"net/http"
	"strconv"

	ndstorage "github.com/micro-manager/NDStorage"
	"github.com/micro-manager/NDStorage/metrics"
)

// runServe loads the dataset at -dir and serves a fresh metrics
// Collector's registry at /metrics, scoped to one collector instance
// instead of the package-level default registry so concurrent processes
// never collide on series names. The collector is not attached to the
// loaded dataset, which is read-only, so its series stay at zero.
func runServe(args []string) error {
	fs := newFlagSet("serve")
	dir := fs.String("dir", "", "dataset directory being written to")
	port := fs.Int("port", 8080, "port for serving HTTP requests")
	fs.Parse(args)

	if *dir == "" {
		return flagError("serve", "-dir is required")
	}

	ds, err := ndstorage.Load(*dir)
	if err != nil {
		return err
	}
	defer ds.Close()

	collector := metrics.NewCollector()

	http.Handle("/metrics", collector.Handler())
	log.Printf("Listening for HTTP requests on port %d", *port)
	return http.ListenAndServe(":"+strconv.Itoa(*port), nil)
}
