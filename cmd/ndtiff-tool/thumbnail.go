package main

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	ndstorage "github.com/micro-manager/NDStorage"
	"github.com/micro-manager/NDStorage/axis"
)

// runThumbnail renders a stitched region of a dataset to a PNG, with
// gridlines drawn at the caller-specified tile spacing so a reviewer
// can see tile boundaries at a glance.
func runThumbnail(args []string) error {
	fs := newFlagSet("thumbnail")
	dir := fs.String("dir", "", "dataset directory")
	level := fs.Int("level", 0, "resolution level")
	x := fs.Int("x", 0, "window left, in that level's pixel coordinates")
	y := fs.Int("y", 0, "window top, in that level's pixel coordinates")
	w := fs.Uint("w", 512, "window width")
	h := fs.Uint("h", 512, "window height")
	tileSize := fs.Int("tileSize", 0, "draw gridlines every N pixels (0 disables)")
	out := fs.String("out", "thumbnail.png", "output PNG path")
	fs.Parse(args)

	if *dir == "" {
		return flagError("thumbnail", "-dir is required")
	}

	ds, err := ndstorage.Load(*dir)
	if err != nil {
		return err
	}
	defer ds.Close()

	img, ok, err := ds.GetDisplayImage(axis.Coordinate{}, *level, *x, *y, uint32(*w), uint32(*h))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ndtiff-tool thumbnail: no image data at level %d, window (%d,%d,%d,%d)", *level, *x, *y, *w, *h)
	}

	gimg, err := toImage(img)
	if err != nil {
		return err
	}

	dc := gg.NewContext(int(*w), int(*h))
	dc.DrawImage(gimg, 0, 0)

	if *tileSize > 0 {
		dc.SetColor(color.RGBA{R: 255, G: 0, B: 0, A: 160})
		dc.SetLineWidth(1)
		for gx := 0; gx < int(*w); gx += *tileSize {
			dc.DrawLine(float64(gx), 0, float64(gx), float64(*h))
		}
		for gy := 0; gy < int(*h); gy += *tileSize {
			dc.DrawLine(0, float64(gy), float64(*w), float64(gy))
		}
		dc.Stroke()
	}

	return dc.SavePNG(*out)
}

// toImage converts a TaggedImage's raw pixel buffer into a
// draw-able image.Image: RGB payloads are already packed as
// (B, G, R, A); monochrome payloads are linearly rescaled from their
// native bit depth to 8-bit for display.
func toImage(img ndstorage.TaggedImage) (image.Image, error) {
	w, h := int(img.Width), int(img.Height)
	if img.RGB {
		out := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			b := img.Pixels[i*4+0]
			g := img.Pixels[i*4+1]
			r := img.Pixels[i*4+2]
			out.Pix[i*4+0] = r
			out.Pix[i*4+1] = g
			out.Pix[i*4+2] = b
			out.Pix[i*4+3] = 255
		}
		return out, nil
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	maxVal := uint32(1)<<uint(img.BitDepth) - 1
	if img.BitDepth == 8 {
		copy(out.Pix, img.Pixels)
		return out, nil
	}
	for i := 0; i < w*h && i*2+1 < len(img.Pixels); i++ {
		v := uint32(img.Pixels[i*2]) | uint32(img.Pixels[i*2+1])<<8
		out.Pix[i] = byte(v * 255 / maxVal)
	}
	return out, nil
}
