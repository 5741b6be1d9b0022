// Package reslevel implements one resolution level of a dataset: a
// directory holding a rolling container writer, a set of readers (one
// per rolled file), the shared index, and the transient write-pending
// map. A Level never "calls up" into its owning orchestrator — it
// receives its directory, prefix, summary metadata and file size cap at
// construction, plus an optional roll callback, which keeps the
// ownership graph acyclic.
package reslevel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/micro-manager/NDStorage/container"
	"github.com/micro-manager/NDStorage/indexfile"
)

// pendingImage is an accepted-but-not-yet-flushed image, stored so
// concurrent readers can serve it before the writer goroutine commits
// it to disk.
type pendingImage struct {
	pixels   []byte
	metadata []byte
	rgb      bool
	bitDepth int
	width    uint32
	height   uint32
}

// Level owns one resolution-level directory: either "Full resolution"
// or a "Downsampled_xN" level.
type Level struct {
	dir    string
	prefix string

	mu      sync.RWMutex
	entries map[string]indexfile.Entry
	pending map[string]pendingImage

	// Writable-only fields; nil when the level was opened read-only
	// via Load.
	writer        *container.Writer
	index         *indexfile.Writer
	activeFile    string
	nextFileIndex int
	files         map[string]*os.File
	maxFileBytes  int64
	onRoll        func()

	readers map[string]*container.Reader

	// lastSummaryMetadata is the header bytes every file in this level
	// carries; captured once at Create and reused by roll().
	lastSummaryMetadata []byte
}

// filename returns the basename of the k'th rolled file in this level;
// an empty prefix yields "NDTiffStack.tif".
func filename(prefix string, k int) string {
	name := "NDTiffStack"
	if prefix != "" {
		name = prefix + "_" + name
	}
	if k > 0 {
		name = fmt.Sprintf("%s_%d", name, k)
	}
	return name + ".tif"
}

// Create makes dir and opens a fresh, writable Level whose first
// container file carries summaryMetadata in its header.
func Create(dir, prefix string, summaryMetadata []byte) (*Level, error) {
	return CreateSize(dir, prefix, summaryMetadata, container.FourGiB)
}

// CreateSize is Create with a caller-chosen per-file size cap; the
// pyramid orchestrator passes its configured cap (4 GiB unless lowered,
// as rollover tests do).
func CreateSize(dir, prefix string, summaryMetadata []byte, maxFileBytes int64) (*Level, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("reslevel: create %s: %w", dir, err)
	}
	idx, err := indexfile.NewWriter(filepath.Join(dir, "NDTiff.index"))
	if err != nil {
		return nil, err
	}
	l := &Level{
		dir:                 dir,
		prefix:              prefix,
		entries:             make(map[string]indexfile.Entry),
		pending:             make(map[string]pendingImage),
		index:               idx,
		files:               make(map[string]*os.File),
		maxFileBytes:        maxFileBytes,
		readers:             make(map[string]*container.Reader),
		lastSummaryMetadata: summaryMetadata,
	}
	if err := l.openNewFile(summaryMetadata); err != nil {
		idx.Close()
		return nil, err
	}
	return l, nil
}

func (l *Level) openNewFile(summaryMetadata []byte) error {
	name := filename(l.prefix, l.nextFileIndex)
	path := filepath.Join(l.dir, name)
	w, err := container.NewWriterSize(path, summaryMetadata, l.maxFileBytes)
	if err != nil {
		return err
	}
	r, err := container.OpenFile(w.File())
	if err != nil {
		w.Close()
		return err
	}
	l.writer = w
	l.activeFile = name
	l.files[name] = w.File()
	l.mu.Lock()
	l.readers[name] = r
	l.mu.Unlock()
	l.nextFileIndex++
	return nil
}

// Load opens an existing level directory read-only: it reads
// NDTiff.index and opens one reader per distinct filename it names.
func Load(dir, prefix string) (*Level, error) {
	entries, err := indexfile.ReadIndexMap(filepath.Join(dir, "NDTiff.index"))
	if err != nil {
		return nil, err
	}
	l := &Level{
		dir:     dir,
		prefix:  prefix,
		entries: entries,
		pending: make(map[string]pendingImage),
		readers: make(map[string]*container.Reader),
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.Filename] {
			continue
		}
		seen[e.Filename] = true
		r, err := container.Open(filepath.Join(dir, e.Filename))
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("reslevel: open %s: %w", e.Filename, err)
		}
		l.readers[e.Filename] = r
		if l.lastSummaryMetadata == nil {
			l.lastSummaryMetadata = r.SummaryMetadata()
		}
	}
	return l, nil
}

// SummaryMetadata returns the summary-metadata bytes shared by every
// container file in this level: the ones supplied at Create, or the
// ones read back from the first opened container header on Load.
func (l *Level) SummaryMetadata() []byte {
	return l.lastSummaryMetadata
}

// SetRollNotifier installs a callback invoked after each successful
// file rollover, used by the orchestrator's metrics wiring. Must be
// called before the first PutImage.
func (l *Level) SetRollNotifier(f func()) {
	l.onRoll = f
}

// PutPending records an accepted-but-unwritten image in the
// write-pending map, visible to concurrent readers via GetImage before
// the writer goroutine commits it.
func (l *Level) PutPending(key string, pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[key] = pendingImage{
		pixels: pixels, metadata: metadata, rgb: rgb,
		bitDepth: bitDepth, width: width, height: height,
	}
}

// PutImage writes pixels/metadata for key, rolling the active file
// first if necessary, appends the index entry, and clears the
// write-pending entry. Must be called only from the dataset's single
// writer goroutine.
func (l *Level) PutImage(key string, axesKey, pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32) (indexfile.Entry, error) {
	if l.writer == nil {
		return indexfile.Entry{}, fmt.Errorf("reslevel: level opened read-only")
	}
	if !l.writer.HasSpaceToWrite(len(pixels), len(metadata)) {
		if err := l.roll(); err != nil {
			return indexfile.Entry{}, err
		}
	}
	entry, err := l.writer.WriteImage(axesKey, pixels, metadata, rgb, bitDepth, width, height)
	if err != nil {
		return indexfile.Entry{}, err
	}
	entry.Filename = l.activeFile
	if err := l.index.Append(entry); err != nil {
		return indexfile.Entry{}, err
	}

	l.mu.Lock()
	l.entries[key] = entry
	delete(l.pending, key)
	l.mu.Unlock()
	return entry, nil
}

// roll finishes the current file and opens the next rolled file,
// reusing the most recently known summary metadata header. Since the
// header is fixed at first-file creation, subsequent rolled files
// reuse the same bytes already captured by the first writer.
//
// Finish closes the file's write handle, so the level reopens the
// rolled file read-only and replaces its entry in readers; any tile
// that still needs overwritePixels after its file has rolled is
// treated as not-rewritable (pyramid tiles are only ever touched while
// their level's active file is open, so this path is not expected to
// be exercised in practice).
func (l *Level) roll() error {
	oldWriter := l.writer
	oldName := l.activeFile
	if err := oldWriter.Finish(); err != nil {
		return fmt.Errorf("reslevel: finish rolled file %s: %w", oldName, err)
	}
	delete(l.files, oldName)

	oldReader, err := container.Open(filepath.Join(l.dir, oldName))
	if err != nil {
		return fmt.Errorf("reslevel: reopen rolled file %s: %w", oldName, err)
	}
	l.mu.Lock()
	l.readers[oldName] = oldReader
	l.mu.Unlock()

	if err := l.openNewFile(l.lastSummaryMetadata); err != nil {
		return err
	}
	if l.onRoll != nil {
		l.onRoll()
	}
	return nil
}

// GetImage returns the pending image if one is outstanding for key,
// otherwise delegates to the reader holding key's committed entry. The
// bool result is false if key is absent from both maps.
func (l *Level) GetImage(key string) (pixels, metadata []byte, rgb bool, bitDepth int, width, height uint32, ok bool, err error) {
	l.mu.RLock()
	if p, found := l.pending[key]; found {
		l.mu.RUnlock()
		return p.pixels, p.metadata, p.rgb, p.bitDepth, p.width, p.height, true, nil
	}
	entry, found := l.entries[key]
	r, haveReader := l.readers[entry.Filename]
	l.mu.RUnlock()
	if !found {
		return nil, nil, false, 0, 0, 0, false, nil
	}
	if !haveReader {
		return nil, nil, false, 0, 0, 0, false, fmt.Errorf("reslevel: no reader open for file %s", entry.Filename)
	}
	pixels, metadata, err = r.ReadImage(entry)
	if err != nil {
		return nil, nil, false, 0, 0, 0, false, err
	}
	w, h, bd, isRGB := container.ReadEssentialImageMetadata(entry)
	return pixels, metadata, isRGB, bd, w, h, true, nil
}

// HasEntry reports whether key has a committed (non-pending) index
// entry, and returns it.
func (l *Level) HasEntry(key string) (indexfile.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	return e, ok
}

// OverwritePixels positional-rewrites the pixel payload of key's
// existing entry, used by the pyramid orchestrator as a coarser tile
// accumulates further full-resolution contributions.
func (l *Level) OverwritePixels(key string, pixels []byte, rgb bool) error {
	l.mu.RLock()
	entry, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("reslevel: overwritePixels: no entry for key")
	}
	f, ok := l.files[entry.Filename]
	if !ok {
		return fmt.Errorf("reslevel: overwritePixels: file %s is not open for writing", entry.Filename)
	}
	onDisk, err := container.EncodePixels(pixels, rgb, entry.PixelType)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(onDisk, int64(entry.PixelOffset)); err != nil {
		return fmt.Errorf("reslevel: overwrite pixels at offset %d: %w", entry.PixelOffset, err)
	}
	return nil
}

// Finish flushes and closes the active writer, the index, and any
// other still-open rolled files.
// The active file is reopened read-only afterwards, so a finished
// writable dataset keeps serving reads without a reload.
func (l *Level) Finish() error {
	if l.writer == nil {
		return fmt.Errorf("reslevel: level opened read-only")
	}
	name := l.activeFile
	if err := l.writer.Finish(); err != nil {
		return err
	}
	l.writer = nil
	delete(l.files, name)

	// Finish closed the writer's handle, which the active file's reader
	// was sharing; swap in an independent read-only handle.
	r, err := container.Open(filepath.Join(l.dir, name))
	if err != nil {
		return fmt.Errorf("reslevel: reopen finished file %s: %w", name, err)
	}
	l.mu.Lock()
	l.readers[name] = r
	l.mu.Unlock()

	for fname, f := range l.files {
		if err := f.Close(); err != nil {
			return fmt.Errorf("reslevel: close %s: %w", fname, err)
		}
	}
	idx := l.index
	l.index = nil
	return idx.Finish()
}

// Close releases every open reader, used when abandoning a level
// without a well-formed Finish, or after a read-only Load.
func (l *Level) Close() error {
	var firstErr error
	for _, r := range l.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.index != nil {
		if err := l.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Entries returns a snapshot of every committed coordinate key this
// level currently holds, used by the orchestrator's axis/bounds
// enumeration.
func (l *Level) Entries() map[string]indexfile.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]indexfile.Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}
