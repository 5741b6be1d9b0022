package pyramid

import (
	"fmt"

	"github.com/micro-manager/NDStorage/axis"
)

// tileRun is one contiguous destination run sharing a single source
// tile index along one axis.
type tileRun struct {
	tileIndex int32
	destOff   int
	srcOff    int
	length    int
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// partitionRuns splits [start, start+length) into runs that each live
// entirely inside one tile of size tileSize. start may be negative.
func partitionRuns(start, length, tileSize int) []tileRun {
	var runs []tileRun
	pos := start
	remaining := length
	destOff := 0
	for remaining > 0 {
		tileIdx := floorDiv(pos, tileSize)
		localStart := pos - tileIdx*tileSize
		runLen := tileSize - localStart
		if runLen > remaining {
			runLen = remaining
		}
		runs = append(runs, tileRun{
			tileIndex: int32(tileIdx),
			destOff:   destOff,
			srcOff:    localStart,
			length:    runLen,
		})
		pos += runLen
		destOff += runLen
		remaining -= runLen
	}
	return runs
}

// GetImageBounds returns the (x, y, w, h) bounds of the full canvas
// implied by the tiles present at a level for the given coordinate
// template, computed in that level's pixel coordinates (the ones
// GetDisplayImage takes, so level-0 tiles are counted without their
// overlap margin).
func (p *Pyramid) GetImageBounds(coord axis.Coordinate, level int) (x, y int, w, h uint32, ok bool) {
	p.mu.RLock()
	if level < 0 || level >= len(p.levels) {
		p.mu.RUnlock()
		return 0, 0, 0, 0, false
	}
	lvl := p.levels[level]
	tileW, tileH := p.fullResTileWidth-uint32(p.overlapX), p.fullResTileHeight-uint32(p.overlapY)
	if level > 0 {
		tileW, tileH = p.tileWidth, p.tileHeight
	}
	p.mu.RUnlock()

	minRow, minCol := int32(0), int32(0)
	maxRow, maxCol := int32(0), int32(0)
	first := true
	for key := range lvl.Entries() {
		c, err := axis.Deserialize([]byte(key))
		if err != nil {
			continue
		}
		if !coordMatchesTemplate(c, coord) {
			continue
		}
		// Non-tiled images carry no reserved row/column axes; they
		// occupy the (0, 0) cell of a one-tile grid.
		row, rOK := c.Row()
		col, cOK := c.Column()
		if !rOK || !cOK {
			row, col = 0, 0
		}
		if first {
			minRow, maxRow, minCol, maxCol = row, row, col, col
			first = false
			continue
		}
		if row < minRow {
			minRow = row
		}
		if row > maxRow {
			maxRow = row
		}
		if col < minCol {
			minCol = col
		}
		if col > maxCol {
			maxCol = col
		}
	}
	if first {
		return 0, 0, 0, 0, false
	}
	x = int(minCol) * int(tileW)
	y = int(minRow) * int(tileH)
	w = uint32(int(maxCol-minCol+1) * int(tileW))
	h = uint32(int(maxRow-minRow+1) * int(tileH))
	return x, y, w, h, true
}

// coordMatchesTemplate reports whether c agrees with template on every
// axis present in template other than the reserved row/column axes.
func coordMatchesTemplate(c, template axis.Coordinate) bool {
	for name, v := range template {
		if name == "row" || name == "column" {
			continue
		}
		cv, ok := c[name]
		if !ok {
			return false
		}
		if cv.Kind() != v.Kind() {
			return false
		}
		if cv.Kind() == axis.KindInt {
			if cv.Int32() != v.Int32() {
				return false
			}
		} else if cv.Str() != v.Str() {
			return false
		}
	}
	return true
}

// GetDisplayImage synthesises a w x h image at the requested level
// whose top-left is (x, y) in that level's pixel coordinates, from
// whatever tiles are present. Missing tiles are left as background
// (zero). It commits to the buffer type (bit depth, RGB flag) of the
// first populated tile encountered in row-major order and errors if a
// later tile disagrees.
func (p *Pyramid) GetDisplayImage(coord axis.Coordinate, level int, x, y int, w, h uint32) (pixels, metadata []byte, ok bool, err error) {
	p.mu.RLock()
	if level < 0 || level >= len(p.levels) {
		p.mu.RUnlock()
		return nil, nil, false, nil
	}
	tileW, tileH := p.tileWidth, p.tileHeight
	fullResW, fullResH := p.fullResTileWidth, p.fullResTileHeight
	overlapX, overlapY := p.overlapX, p.overlapY
	p.mu.RUnlock()

	effTileW, effTileH := int(tileW), int(tileH)
	if level == 0 {
		effTileW, effTileH = int(fullResW)-overlapX, int(fullResH)-overlapY
	}
	if effTileW <= 0 || effTileH <= 0 {
		return nil, nil, false, fmt.Errorf("pyramid: tile dimensions not yet latched")
	}

	colRuns := partitionRuns(x, int(w), effTileW)
	rowRuns := partitionRuns(y, int(h), effTileH)

	var bytesPerSample, channels, bitDepth int
	var rgb bool
	var outMetadata []byte
	typeCommitted := false

	type populated struct {
		rr, cr             tileRun
		pixels             []byte
		storedW, storedH   uint32
	}
	var hits []populated

	for _, rr := range rowRuns {
		for _, cr := range colRuns {
			tileCoord := coord.WithRowColumn(rr.tileIndex, cr.tileIndex)
			tp, tmeta, trgb, tbd, tw, th, tok, terr := p.GetImage(tileCoord, level)
			if terr != nil {
				return nil, nil, false, terr
			}
			if !tok {
				continue
			}
			if !typeCommitted {
				bytesPerSample, channels = pixelLayout(tbd, trgb)
				bitDepth, rgb = tbd, trgb
				outMetadata = tmeta
				typeCommitted = true
			} else if trgb != rgb || tbd != bitDepth {
				return nil, nil, false, fmt.Errorf("pyramid: stitched tiles disagree on pixel type (bitDepth=%d/rgb=%v vs bitDepth=%d/rgb=%v)", bitDepth, rgb, tbd, trgb)
			}
			hits = append(hits, populated{rr: rr, cr: cr, pixels: tp, storedW: tw, storedH: th})
		}
	}

	if !typeCommitted {
		return nil, nil, false, nil
	}

	dest := make([]byte, int(w)*int(h)*channels*bytesPerSample)
	destStride := int(w) * channels * bytesPerSample

	offsetX, offsetY := 0, 0
	if level == 0 {
		offsetX, offsetY = overlapX/2, overlapY/2
	}

	for _, hit := range hits {
		srcStride := int(hit.storedW) * channels * bytesPerSample
		for row := 0; row < hit.rr.length; row++ {
			srcY := offsetY + hit.rr.srcOff + row
			destY := hit.rr.destOff + row
			srcRowOff := srcY * srcStride
			destRowOff := destY * destStride
			copyLen := hit.cr.length * channels * bytesPerSample
			srcXOff := (offsetX + hit.cr.srcOff) * channels * bytesPerSample
			destXOff := hit.cr.destOff * channels * bytesPerSample
			copy(dest[destRowOff+destXOff:destRowOff+destXOff+copyLen], hit.pixels[srcRowOff+srcXOff:srcRowOff+srcXOff+copyLen])
		}
	}

	return dest, outMetadata, true, nil
}
