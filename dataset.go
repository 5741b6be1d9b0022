// Package ndstorage is the public facade over the NDTiff storage
// engine: a disk-resident store for N-dimensional microscopy image
// datasets. It wires the axis, indexfile, container, reslevel, pyramid
// and bufpool packages into the created/loaded/finished dataset
// lifecycle.
package ndstorage

import (
	"os"
	"path/filepath"

	"github.com/micro-manager/NDStorage/axis"
	"github.com/micro-manager/NDStorage/metrics"
	"github.com/micro-manager/NDStorage/pyramid"
)

// TaggedImage bundles a pixel buffer with its element type, dimensions,
// and JSON metadata.
// The engine never constructs one beyond the read path; callers supply
// pixels and metadata directly to PutImage/PutImageMultiRes.
type TaggedImage struct {
	Pixels   []byte
	Metadata []byte
	Width    uint32
	Height   uint32
	BitDepth int
	RGB      bool
}

// Dataset is a CREATED (writable) or LOADED (read-only) NDTiff
// dataset.
type Dataset struct {
	dir string
	p   *pyramid.Pyramid
}

// Option configures Create/Load: buffer-pool tunables, queue capacity,
// tiling and pyramid depth.
type Option func(*config)

type config struct {
	pyramidCfg pyramid.Config
	prefix     string
	collector  *metrics.Collector
}

func newConfig() *config {
	return &config{pyramidCfg: pyramid.DefaultConfig()}
}

// WithPrefix sets the {prefix} component of container filenames.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithQueueCapacity overrides the bounded write-queue capacity
// (default 50).
func WithQueueCapacity(n int) Option {
	return func(c *config) { c.pyramidCfg.QueueCapacity = n }
}

// WithTiled marks the dataset as tiled, with the given pixel overlap
// margin and initial pyramid depth.
func WithTiled(overlapX, overlapY, maxLevel int) Option {
	return func(c *config) {
		c.pyramidCfg.Tiled = true
		c.pyramidCfg.OverlapX = overlapX
		c.pyramidCfg.OverlapY = overlapY
		c.pyramidCfg.MaxLevel = maxLevel
	}
}

// WithBufferPool installs a caller-configured buffer pool.
func WithBufferPool(cfg BufferPoolConfig) Option {
	return func(c *config) {
		c.pyramidCfg.Pool = cfg.newPool()
	}
}

// WithMetrics feeds writer-pipeline counters (images written, bytes
// written, rollovers, queue depth, buffer-pool hits/misses) into
// collector; serve its Handler over HTTP to scrape them.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *config) {
		c.collector = collector
	}
}

// Create makes a new writable dataset at dir with the given summary
// metadata JSON object.
func Create(dir string, summaryMetadata []byte, opts ...Option) (*Dataset, error) {
	c := newConfig()
	for _, opt := range opts {
		opt(c)
	}
	if c.collector != nil {
		c.pyramidCfg.Observer = c.collector.WriterObserver(c.pyramidCfg.Pool)
	}
	p, err := pyramid.Create(dir, c.prefix, summaryMetadata, c.pyramidCfg)
	if err != nil {
		return nil, err
	}
	return &Dataset{dir: dir, p: p}, nil
}

// Load opens an existing dataset directory read-only.
func Load(dir string, opts ...Option) (*Dataset, error) {
	c := newConfig()
	for _, opt := range opts {
		opt(c)
	}
	p, err := pyramid.Load(dir, c.prefix)
	if err != nil {
		return nil, err
	}
	return &Dataset{dir: dir, p: p}, nil
}

// PutImage accepts a non-tiled image write and returns a future
// resolved with the resulting index entry.
func (d *Dataset) PutImage(coord axis.Coordinate, img TaggedImage) (*pyramid.EntryFuture, error) {
	return d.p.PutImage(coord, img.Pixels, img.Metadata, img.RGB, img.BitDepth, img.Width, img.Height)
}

// PutImageMultiRes accepts a tiled image write, routing it through the
// resolution pyramid after the full-resolution write succeeds.
func (d *Dataset) PutImageMultiRes(coord axis.Coordinate, img TaggedImage) (*pyramid.EntryFuture, error) {
	return d.p.PutImageMultiRes(coord, img.Pixels, img.Metadata, img.RGB, img.BitDepth, img.Width, img.Height)
}

// GetImage returns the image at coord and level, or ok=false if none
// exists.
func (d *Dataset) GetImage(coord axis.Coordinate, level int) (TaggedImage, bool, error) {
	pixels, metadata, rgb, bitDepth, width, height, ok, err := d.p.GetImage(coord, level)
	if err != nil || !ok {
		return TaggedImage{}, false, err
	}
	return TaggedImage{Pixels: pixels, Metadata: metadata, Width: width, Height: height, BitDepth: bitDepth, RGB: rgb}, true, nil
}

// GetDisplayImage returns the synthesised stitched sub-image at a
// level and window.
func (d *Dataset) GetDisplayImage(coord axis.Coordinate, level int, x, y int, w, h uint32) (TaggedImage, bool, error) {
	pixels, metadata, ok, err := d.p.GetDisplayImage(coord, level, x, y, w, h)
	if err != nil || !ok {
		return TaggedImage{}, false, err
	}
	return TaggedImage{Pixels: pixels, Metadata: metadata, Width: w, Height: h}, true, nil
}

// GetImageBounds returns the canvas bounds implied by the tiles
// present for coord's non-row/column axes at level.
func (d *Dataset) GetImageBounds(coord axis.Coordinate, level int) (x, y int, w, h uint32, ok bool) {
	return d.p.GetImageBounds(coord, level)
}

// GetAxesSet returns every axis name observed so far and whether it is
// integer- or string-valued.
func (d *Dataset) GetAxesSet() map[string]axis.Kind {
	return d.p.GetAxesSet()
}

// IncreaseMaxResolutionLevel grows the pyramid depth, re-downsampling
// every existing image into the new levels.
func (d *Dataset) IncreaseMaxResolutionLevel(newMax int) error {
	return d.p.IncreaseMaxResolutionLevel(newMax)
}

// FinishedWriting drains the write queue, flushes every level to disk,
// and transitions the dataset to its finished state; no writes succeed
// afterwards.
func (d *Dataset) FinishedWriting() error {
	return d.p.FinishedWriting()
}

// Close releases open file handles without a well-formed finish.
func (d *Dataset) Close() error {
	return d.p.Close()
}

// WriteDisplaySettings writes the optional, opaque display-settings
// sidecar file, read back verbatim by a later Load.
func WriteDisplaySettings(dir string, data []byte) error {
	return os.WriteFile(filepath.Join(dir, "display_settings.txt"), data, 0644)
}

// ReadDisplaySettings reads back the optional display-settings file,
// returning ok=false if none was written.
func ReadDisplaySettings(dir string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(filepath.Join(dir, "display_settings.txt"))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
