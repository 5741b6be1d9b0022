package pyramid

import "encoding/binary"

// nativeByteOrder matches the order used throughout indexfile/container
// for native-width fields; downsampled pyramid tiles round-trip through
// the same writer, so samples must be packed the same way.
var nativeByteOrder = binary.LittleEndian

// pixelLayout returns the per-sample byte width and channel count for
// the caller-facing pixel representation of a (bitDepth, rgb) image:
// RGB is 4 interleaved one-byte channels (B, G, R, A); 8-bit mono is a
// single one-byte channel; every other monochrome depth is a single
// two-byte channel.
func pixelLayout(bitDepth int, rgb bool) (bytesPerSample, channels int) {
	if rgb {
		return 1, 4
	}
	if bitDepth == 8 {
		return 1, 1
	}
	return 2, 1
}

func readSample(buf []byte, byteOffset, bytesPerSample int) uint32 {
	if bytesPerSample == 1 {
		return uint32(buf[byteOffset])
	}
	return uint32(nativeByteOrder.Uint16(buf[byteOffset:]))
}

func writeSample(buf []byte, byteOffset, bytesPerSample int, v uint32) {
	if bytesPerSample == 1 {
		buf[byteOffset] = byte(v)
		return
	}
	nativeByteOrder.PutUint16(buf[byteOffset:], uint16(v))
}

func pixelByteOffset(stride, bytesPerSample, channels, x, y int) int {
	return y*stride + x*channels*bytesPerSample
}

// downsampleQuadrant averages the 2x2 blocks of src (dimensions
// srcW x srcH, restricted to the effectiveW x effectiveH window offset
// by (offsetX, offsetY), which excludes the overlap margin at level 1)
// into the (quadX, quadY) quadrant of dst, a tile whose full
// dimensions are dstTileW x dstTileH. At the bottom/right edge of an
// odd effective dimension, only the available 1-3 contributing source
// pixels are averaged.
func downsampleQuadrant(
	dst []byte, dstTileW, dstTileH uint32,
	quadX, quadY int,
	src []byte, srcW uint32,
	effectiveW, effectiveH int,
	offsetX, offsetY int,
	bytesPerSample, channels int,
) {
	halfW := (effectiveW + 1) / 2
	halfH := (effectiveH + 1) / 2

	dstStride := int(dstTileW) * channels * bytesPerSample
	srcStride := int(srcW) * channels * bytesPerSample

	destX0 := quadX * int(dstTileW) / 2
	destY0 := quadY * int(dstTileH) / 2

	for oy := 0; oy < halfH; oy++ {
		sy := offsetY + oy*2
		for ox := 0; ox < halfW; ox++ {
			sx := offsetX + ox*2

			for c := 0; c < channels; c++ {
				var sum uint32
				var count uint32
				for _, dy := range [2]int{0, 1} {
					yy := sy + dy
					if yy >= offsetY+effectiveH {
						continue
					}
					for _, dx := range [2]int{0, 1} {
						xx := sx + dx
						if xx >= offsetX+effectiveW {
							continue
						}
						off := pixelByteOffset(srcStride, bytesPerSample, channels, xx, yy) + c*bytesPerSample
						sum += readSample(src, off, bytesPerSample)
						count++
					}
				}
				var avg uint32
				if count > 0 {
					avg = (sum + count/2) / count
				}
				destOff := pixelByteOffset(dstStride, bytesPerSample, channels, destX0+ox, destY0+oy) + c*bytesPerSample
				writeSample(dst, destOff, bytesPerSample, avg)
			}
		}
	}
}

// absMod2 returns |v| mod 2, the LSB that selects which quadrant of
// the coarser tile a finer tile lands in.
func absMod2(v int32) int {
	if v < 0 {
		v = -v
	}
	return int(v % 2)
}

func floorDivPow2(v int32) int32 {
	// floor(v/2) for negative v must round toward -infinity, not
	// toward zero; Go's integer division truncates toward zero, so
	// negative odd values need an explicit adjustment.
	if v >= 0 {
		return v / 2
	}
	if v%2 == 0 {
		return v / 2
	}
	return v/2 - 1
}
