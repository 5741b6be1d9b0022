// Package pyramid implements the top-level storage orchestrator: it
// routes writes to the full-resolution level, fans tiled writes out
// through 2x2 averaging into successively coarser levels, owns the
// single writer goroutine and its bounded handoff queue, and serves
// both direct and stitched reads.
package pyramid

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/micro-manager/NDStorage/axis"
	"github.com/micro-manager/NDStorage/bufpool"
	"github.com/micro-manager/NDStorage/container"
	"github.com/micro-manager/NDStorage/indexfile"
	"github.com/micro-manager/NDStorage/reslevel"
)

// fullResDirName is the v2/v3-common subdirectory name for full
// resolution data in tiled datasets.
const fullResDirName = "Full resolution"

func downsampledDirName(k int) string {
	return fmt.Sprintf("Downsampled_x%d", 1<<uint(k))
}

// ErrFinished is returned by PutImage/PutImageMultiRes once
// FinishedWriting has completed.
var ErrFinished = errors.New("pyramid: dataset is finished")

type writeTask struct {
	key      string
	axesKey  []byte
	coord    axis.Coordinate
	pixels   []byte
	metadata []byte
	rgb      bool
	bitDepth int
	width    uint32
	height   uint32
	multiRes bool
	resolve  func(indexfile.Entry, error)
}

// Pyramid is the writable or loaded dataset core.
type Pyramid struct {
	dir    string
	prefix string
	logger *log.Logger

	tiled            bool
	overlapX         int
	overlapY         int
	summaryMetadata  []byte
	typeTable        *axis.TypeTable
	pool             *bufpool.Pool
	maxFileBytes     int64
	observer         Observer

	mu                sync.RWMutex
	levels            []*reslevel.Level
	dimsLatched       bool
	fullResTileWidth  uint32
	fullResTileHeight uint32
	tileWidth         uint32
	tileHeight        uint32
	finished          bool
	writeErr          error

	queue      chan writeTask
	writerDone chan struct{}
}

// Observer receives writer-pipeline events; metrics.Collector provides
// an implementation. All callbacks fire on the writer goroutine (or the
// enqueueing caller for QueueDepth) and must not block.
type Observer interface {
	ImageWritten(pixelBytes int)
	QueueDepth(depth int)
	FileRolled()
}

// Config bundles the knobs for writable construction.
type Config struct {
	Tiled         bool
	OverlapX      int
	OverlapY      int
	MaxLevel      int
	QueueCapacity int
	// MaxFileBytes caps each container file; zero means the 4 GiB TIFF
	// limit. Only rollover tests have a reason to lower it.
	MaxFileBytes int64
	Pool         *bufpool.Pool
	Logger       *log.Logger
	Observer     Observer
}

// DefaultConfig uses a 50-deep bounded queue, the backpressure point
// against cameras that stream faster than the disk absorbs.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 50,
		Pool:          bufpool.New(bufpool.DefaultConfig(), bufpool.Is32BitHost()),
		Logger:        log.New(os.Stderr, "ndstorage: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile),
	}
}

// Create makes a new writable dataset directory. summaryMetadata is
// the caller's JSON object, annotated with the three reserved keys
// before being written into every container header.
func Create(dir, prefix string, summaryMetadata []byte, cfg Config) (*Pyramid, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 50
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.New(bufpool.DefaultConfig(), bufpool.Is32BitHost())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "ndstorage: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = container.FourGiB
	}

	annotated, err := annotateSummaryMetadata(summaryMetadata, cfg.Tiled, cfg.OverlapX, cfg.OverlapY)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("pyramid: create %s: %w", dir, err)
	}

	level0Dir := dir
	if cfg.Tiled {
		level0Dir = filepath.Join(dir, fullResDirName)
	}
	level0, err := reslevel.CreateSize(level0Dir, prefix, annotated, cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}

	p := &Pyramid{
		dir:             dir,
		prefix:          prefix,
		logger:          cfg.Logger,
		tiled:           cfg.Tiled,
		overlapX:        cfg.OverlapX,
		overlapY:        cfg.OverlapY,
		summaryMetadata: annotated,
		typeTable:       axis.NewTypeTable(),
		pool:            cfg.Pool,
		maxFileBytes:    cfg.MaxFileBytes,
		observer:        cfg.Observer,
		levels:          []*reslevel.Level{level0},
		queue:           make(chan writeTask, cfg.QueueCapacity),
		writerDone:      make(chan struct{}),
	}

	for k := 1; k <= cfg.MaxLevel; k++ {
		lvl, err := reslevel.CreateSize(filepath.Join(dir, downsampledDirName(k)), prefix, annotated, cfg.MaxFileBytes)
		if err != nil {
			return nil, err
		}
		p.levels = append(p.levels, lvl)
	}
	if p.observer != nil {
		for _, lvl := range p.levels {
			lvl.SetRollNotifier(p.observer.FileRolled)
		}
	}

	go p.runWriter()
	return p, nil
}

// Load opens an existing dataset directory read-only. It accepts both
// the v2 layout (full-resolution data always
// under Full resolution/) and the v3 layout (no subdirectory for
// non-tiled datasets), and opens every Downsampled_x{2^k} level it
// finds in increasing k until the first gap. Levels are opened
// concurrently via an errgroup, since they are independent until the
// orchestrator links them together.
func Load(dir, prefix string) (*Pyramid, error) {
	tiled := false
	level0Dir := dir
	if info, err := os.Stat(filepath.Join(dir, fullResDirName)); err == nil && info.IsDir() {
		level0Dir = filepath.Join(dir, fullResDirName)
		tiled = true
	}

	level0, err := reslevel.Load(level0Dir, prefix)
	if err != nil {
		return nil, err
	}

	var maxLevel int
	if tiled {
		for k := 1; ; k++ {
			if info, err := os.Stat(filepath.Join(dir, downsampledDirName(k))); err != nil || !info.IsDir() {
				break
			}
			maxLevel = k
		}
	}

	levels := make([]*reslevel.Level, maxLevel+1)
	levels[0] = level0

	g := new(errgroup.Group)
	for k := 1; k <= maxLevel; k++ {
		k := k
		g.Go(func() error {
			lvl, err := reslevel.Load(filepath.Join(dir, downsampledDirName(k)), prefix)
			if err != nil {
				return err
			}
			levels[k] = lvl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, lvl := range levels {
			if lvl != nil {
				lvl.Close()
			}
		}
		return nil, err
	}

	p := &Pyramid{
		dir:             dir,
		prefix:          prefix,
		logger:          log.New(os.Stderr, "ndstorage: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile),
		tiled:           tiled,
		summaryMetadata: level0.SummaryMetadata(),
		typeTable:       axis.NewTypeTable(),
		pool:            bufpool.New(bufpool.DefaultConfig(), bufpool.Is32BitHost()),
		maxFileBytes:    container.FourGiB,
		levels:          levels,
		finished:        true,
	}
	p.overlapX, p.overlapY = reservedOverlap(p.summaryMetadata)

	// Re-latch what Create learns incrementally: the axis type table
	// from every committed key, and the uniform tile dimensions from
	// any one full-resolution entry.
	for key, e := range level0.Entries() {
		coord, err := axis.Deserialize([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("pyramid: bad axes key in index: %w", err)
		}
		if err := p.typeTable.Check(coord); err != nil {
			return nil, fmt.Errorf("pyramid: inconsistent axes in index: %w", err)
		}
		if !p.dimsLatched {
			p.fullResTileWidth = e.PixelWidth
			p.fullResTileHeight = e.PixelHeight
			if p.tiled {
				p.tileWidth = e.PixelWidth - uint32(p.overlapX)
				p.tileHeight = e.PixelHeight - uint32(p.overlapY)
			}
			p.dimsLatched = true
		}
	}
	return p, nil
}

// reservedOverlap extracts the GridPixelOverlapX/Y keys the engine
// annotated into the summary metadata at creation.
func reservedOverlap(summaryMetadata []byte) (overlapX, overlapY int) {
	var fields struct {
		X int `json:"GridPixelOverlapX"`
		Y int `json:"GridPixelOverlapY"`
	}
	if len(summaryMetadata) == 0 || json.Unmarshal(summaryMetadata, &fields) != nil {
		return 0, 0
	}
	return fields.X, fields.Y
}

func annotateSummaryMetadata(raw []byte, tiled bool, overlapX, overlapY int) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("pyramid: summary metadata must be a JSON object: %w", err)
		}
	}
	fields["GridPixelOverlapX"] = json.RawMessage(strconv.Itoa(overlapX))
	fields["GridPixelOverlapY"] = json.RawMessage(strconv.Itoa(overlapY))
	fields["TiledImageStorage"] = json.RawMessage(strconv.FormatBool(tiled))
	return json.Marshal(fields)
}

// PutImage enqueues a non-tiled write and returns a future resolved by
// the writer goroutine.
func (p *Pyramid) PutImage(coord axis.Coordinate, pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32) (*EntryFuture, error) {
	return p.enqueue(coord, pixels, metadata, rgb, bitDepth, width, height, false)
}

// PutImageMultiRes enqueues a tiled write and, once the
// full-resolution write succeeds, synchronously fans it out through
// the pyramid. coord must carry the reserved row and column axes.
func (p *Pyramid) PutImageMultiRes(coord axis.Coordinate, pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32) (*EntryFuture, error) {
	if !p.tiled {
		return nil, fmt.Errorf("pyramid: PutImageMultiRes requires a tiled dataset")
	}
	if _, ok := coord.Row(); !ok {
		return nil, fmt.Errorf("pyramid: PutImageMultiRes requires a row axis")
	}
	if _, ok := coord.Column(); !ok {
		return nil, fmt.Errorf("pyramid: PutImageMultiRes requires a column axis")
	}
	return p.enqueue(coord, pixels, metadata, rgb, bitDepth, width, height, true)
}

func (p *Pyramid) enqueue(coord axis.Coordinate, pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32, multiRes bool) (*EntryFuture, error) {
	future, resolve := newFuture[indexfile.Entry]()

	if err := p.checkForWritingException(); err != nil {
		resolve(indexfile.Entry{}, err)
		return future, nil
	}
	p.mu.RLock()
	finished := p.finished
	p.mu.RUnlock()
	if finished {
		resolve(indexfile.Entry{}, ErrFinished)
		return future, nil
	}
	if _, err := indexfile.BitDepthOf(bitDepth, rgb); err != nil {
		resolve(indexfile.Entry{}, err)
		return future, nil
	}
	if err := p.typeTable.Check(coord); err != nil {
		resolve(indexfile.Entry{}, err)
		return future, nil
	}

	p.mu.Lock()
	if !p.dimsLatched {
		p.fullResTileWidth = width
		p.fullResTileHeight = height
		if p.tiled {
			p.tileWidth = width - uint32(p.overlapX)
			p.tileHeight = height - uint32(p.overlapY)
		}
		p.dimsLatched = true
	}
	p.mu.Unlock()

	axesKey := axis.Serialize(coord)
	key := string(axesKey)
	p.levels[0].PutPending(key, pixels, metadata, rgb, bitDepth, width, height)

	task := writeTask{
		key: key, axesKey: axesKey, coord: coord.Clone(),
		pixels: pixels, metadata: metadata, rgb: rgb, bitDepth: bitDepth,
		width: width, height: height, multiRes: multiRes, resolve: resolve,
	}
	p.queue <- task
	if p.observer != nil {
		p.observer.QueueDepth(len(p.queue))
	}
	return future, nil
}

// runWriter is the dataset's single dedicated writer goroutine: every
// mutation (index append, file write, rollover, pyramid fan-out)
// happens serially here, which gives a total order on writes without
// locks.
func (p *Pyramid) runWriter() {
	defer close(p.writerDone)
	for task := range p.queue {
		if p.observer != nil {
			p.observer.QueueDepth(len(p.queue))
		}
		entry, err := p.levels[0].PutImage(task.key, task.axesKey, task.pixels, task.metadata, task.rgb, task.bitDepth, task.width, task.height)
		if err != nil {
			p.recordError(err)
			task.resolve(entry, err)
			continue
		}
		if p.observer != nil {
			p.observer.ImageWritten(len(task.pixels))
		}
		if task.multiRes {
			if err := p.fanOut(task.coord, task.pixels, task.rgb, task.bitDepth, task.width, task.height); err != nil {
				p.recordError(err)
				task.resolve(entry, err)
				continue
			}
		}
		task.resolve(entry, nil)
	}
}

func (p *Pyramid) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr == nil {
		p.writeErr = err
		p.logger.Printf("writer thread fault: %v", err)
	}
}

// checkForWritingException surfaces a sticky writer-goroutine fault:
// once set, every subsequent write fails fast.
func (p *Pyramid) checkForWritingException() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writeErr
}

// fanOut propagates one full-resolution tile write through levels
// 1..maxLevel via 2x2 averaging.
func (p *Pyramid) fanOut(coord axis.Coordinate, tilePixels []byte, rgb bool, bitDepth int, width, height uint32) error {
	p.mu.RLock()
	maxLevel := len(p.levels) - 1
	tileW, tileH := p.tileWidth, p.tileHeight
	p.mu.RUnlock()

	prevRow, _ := coord.Row()
	prevCol, _ := coord.Column()
	prevPixels := tilePixels
	prevStoredW := width
	prevRecyclable := false
	bytesPerSample, channels := pixelLayout(bitDepth, rgb)

	for k := 1; k <= maxLevel; k++ {
		newRow := floorDivPow2(prevRow)
		newCol := floorDivPow2(prevCol)
		newCoord := coord.WithRowColumn(newRow, newCol)
		newKey := string(axis.Serialize(newCoord))

		level := p.levels[k]
		_, exists := level.HasEntry(newKey)

		tileByteLen := int(tileW) * int(tileH) * channels * bytesPerSample
		var destTile []byte
		if exists {
			pixels, _, _, _, _, _, ok, err := level.GetImage(newKey)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("pyramid: fan-out: entry for %s vanished", newKey)
			}
			destTile = append([]byte(nil), pixels...)
		} else {
			destTile = p.pool.GetLarge(tileByteLen)
			for i := range destTile {
				destTile[i] = 0
			}
		}

		offsetX, offsetY := 0, 0
		effectiveW, effectiveH := int(tileW), int(tileH)
		if k == 1 {
			offsetX = p.overlapX / 2
			offsetY = p.overlapY / 2
		}

		xPos := absMod2(prevCol)
		yPos := absMod2(prevRow)
		downsampleQuadrant(destTile, tileW, tileH, xPos, yPos, prevPixels, prevStoredW, effectiveW, effectiveH, offsetX, offsetY, bytesPerSample, channels)

		if exists {
			if err := level.OverwritePixels(newKey, destTile, rgb); err != nil {
				return err
			}
		} else {
			level.PutPending(newKey, destTile, nil, rgb, bitDepth, tileW, tileH)
			if _, err := level.PutImage(newKey, axis.Serialize(newCoord), destTile, []byte(`{}`), rgb, bitDepth, tileW, tileH); err != nil {
				return err
			}
		}

		// prevPixels has now had its last read (the downsample above),
		// so it is safe to hand back; destTile stays live as the next
		// iteration's source.
		if prevRecyclable {
			p.pool.TryRecycle(prevPixels)
		}
		prevRow, prevCol = newRow, newCol
		prevPixels = destTile
		prevStoredW = tileW
		prevRecyclable = true
	}
	if prevRecyclable {
		p.pool.TryRecycle(prevPixels)
	}
	return nil
}

// IncreaseMaxResolutionLevel grows the pyramid to newMax levels,
// re-downsampling every existing full-resolution image into the newly
// added levels. Safe to call at any time.
func (p *Pyramid) IncreaseMaxResolutionLevel(newMax int) error {
	p.mu.Lock()
	current := len(p.levels) - 1
	if newMax <= current {
		p.mu.Unlock()
		return nil
	}
	for k := current + 1; k <= newMax; k++ {
		lvl, err := reslevel.CreateSize(filepath.Join(p.dir, downsampledDirName(k)), p.prefix, p.summaryMetadata, p.maxFileBytes)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if p.observer != nil {
			lvl.SetRollNotifier(p.observer.FileRolled)
		}
		p.levels = append(p.levels, lvl)
	}
	entries := p.levels[0].Entries()
	p.mu.Unlock()

	for key := range entries {
		coord, err := axis.Deserialize([]byte(key))
		if err != nil {
			return err
		}
		if _, ok := coord.Row(); !ok {
			continue
		}
		pixels, _, rgb, bitDepth, width, height, ok, err := p.levels[0].GetImage(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.fanOutFrom(coord, pixels, rgb, bitDepth, width, height, current+1, newMax); err != nil {
			return err
		}
	}
	return nil
}

// fanOutFrom re-runs the fan-out averaging chain starting at level
// fromLevel, used by IncreaseMaxResolutionLevel to backfill newly
// added levels without touching ones that already hold this tile's
// contribution. It seeds itself from the existing level
// fromLevel-1 tile rather than re-deriving through levels that were
// already fanned out at write time.
func (p *Pyramid) fanOutFrom(coord axis.Coordinate, tilePixels []byte, rgb bool, bitDepth int, width, height uint32, fromLevel, toLevel int) error {
	row, _ := coord.Row()
	col, _ := coord.Column()
	bytesPerSample, channels := pixelLayout(bitDepth, rgb)

	p.mu.RLock()
	tileW, tileH := p.tileWidth, p.tileHeight
	p.mu.RUnlock()

	prevRow, prevCol := row, col
	for k := 1; k < fromLevel; k++ {
		prevRow = floorDivPow2(prevRow)
		prevCol = floorDivPow2(prevCol)
	}

	var prevPixels []byte
	var prevStoredW uint32
	if fromLevel == 1 {
		prevPixels = tilePixels
		prevStoredW = width
	} else {
		prevKey := string(axis.Serialize(coord.WithRowColumn(prevRow, prevCol)))
		pixels, _, _, _, w, _, ok, err := p.levels[fromLevel-1].GetImage(prevKey)
		if err != nil {
			return err
		}
		if !ok {
			// The coarser parent tile doesn't exist yet; nothing to
			// backfill from for this coordinate.
			return nil
		}
		prevPixels = pixels
		prevStoredW = w
	}

	prevRecyclable := false
	for k := fromLevel; k <= toLevel; k++ {
		newRow := floorDivPow2(prevRow)
		newCol := floorDivPow2(prevCol)
		newCoord := coord.WithRowColumn(newRow, newCol)
		newKey := string(axis.Serialize(newCoord))
		level := p.levels[k]
		existing, exists := level.HasEntry(newKey)

		tileByteLen := int(tileW) * int(tileH) * channels * bytesPerSample
		var destTile []byte
		if exists {
			pixels, _, _, _, _, _, ok, err := level.GetImage(newKey)
			if err != nil {
				return err
			}
			if ok {
				destTile = append([]byte(nil), pixels...)
			}
		}
		if destTile == nil {
			destTile = p.pool.GetLarge(tileByteLen)
			for i := range destTile {
				destTile[i] = 0
			}
		}

		offsetX, offsetY := 0, 0
		effectiveW, effectiveH := int(tileW), int(tileH)
		if k == 1 {
			offsetX = p.overlapX / 2
			offsetY = p.overlapY / 2
		}
		xPos := absMod2(prevCol)
		yPos := absMod2(prevRow)
		downsampleQuadrant(destTile, tileW, tileH, xPos, yPos, prevPixels, prevStoredW, effectiveW, effectiveH, offsetX, offsetY, bytesPerSample, channels)

		var err error
		if existing.Filename != "" {
			err = level.OverwritePixels(newKey, destTile, rgb)
		} else {
			level.PutPending(newKey, destTile, nil, rgb, bitDepth, tileW, tileH)
			_, err = level.PutImage(newKey, axis.Serialize(newCoord), destTile, []byte(`{}`), rgb, bitDepth, tileW, tileH)
		}
		if err != nil {
			return err
		}

		if prevRecyclable {
			p.pool.TryRecycle(prevPixels)
		}
		prevRow, prevCol = newRow, newCol
		prevPixels = destTile
		prevStoredW = tileW
		prevRecyclable = true
	}
	if prevRecyclable {
		p.pool.TryRecycle(prevPixels)
	}
	return nil
}

// GetImage looks up a coordinate at a given level; level 0 is full
// resolution. The ok result is false when no such image exists.
func (p *Pyramid) GetImage(coord axis.Coordinate, level int) (pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32, ok bool, err error) {
	p.mu.RLock()
	if level < 0 || level >= len(p.levels) {
		p.mu.RUnlock()
		return nil, nil, false, 0, 0, 0, false, nil
	}
	lvl := p.levels[level]
	p.mu.RUnlock()
	key := string(axis.Serialize(coord))
	return lvl.GetImage(key)
}

// FinishedWriting is a barrier: it drains the write queue, flushes
// every level, and transitions the dataset to its finished state.
// After it returns, every earlier put's future has either resolved or
// reported an error.
func (p *Pyramid) FinishedWriting() error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil
	}
	p.finished = true
	p.mu.Unlock()

	close(p.queue)
	<-p.writerDone

	if err := p.checkForWritingException(); err != nil {
		return &WritingError{Err: err}
	}

	g := new(errgroup.Group)
	for _, lvl := range p.levels {
		lvl := lvl
		g.Go(lvl.Finish)
	}
	return g.Wait()
}

// Close releases every level's open file handles without a
// well-formed finish; used to abandon a writable dataset or release a
// loaded one.
func (p *Pyramid) Close() error {
	var firstErr error
	for _, lvl := range p.levels {
		if err := lvl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritingError wraps the writer goroutine's sticky fault.
type WritingError struct {
	Err error
}

func (e *WritingError) Error() string { return "ndstorage: writer thread fault: " + e.Err.Error() }
func (e *WritingError) Unwrap() error { return e.Err }

// GetAxesSet returns every axis name observed so far and whether it is
// integer- or string-valued, so a front-end can enumerate sliders
// without scanning the index itself.
func (p *Pyramid) GetAxesSet() map[string]axis.Kind {
	return p.typeTable.Axes()
}
