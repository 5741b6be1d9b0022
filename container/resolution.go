package container

import "encoding/json"

// defaultResolutionDenominator gives the default resolution of 1/10000
// when summary metadata carries no pixel size.
const defaultResolutionNumerator = 1
const defaultResolutionDenominator = 10000

// resolutionRational derives the XResolution/YResolution RATIONAL
// values (centimetres per pixel, inverted to resolution-per-cm as TIFF
// expects) from an optional PixelSizeUm / PixelSize_um key in the
// summary metadata. We use encoding/json here deliberately: unlike the
// axes key, summary metadata is an arbitrary caller-supplied blob with
// no canonical-form contract, so there is nothing for a custom emitter
// to protect.
func resolutionRational(summaryMetadata []byte) (numerator, denominator uint32) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(summaryMetadata, &fields); err != nil {
		return defaultResolutionNumerator, defaultResolutionDenominator
	}

	raw, ok := fields["PixelSizeUm"]
	if !ok {
		raw, ok = fields["PixelSize_um"]
	}
	if !ok {
		return defaultResolutionNumerator, defaultResolutionDenominator
	}

	var pixelSizeUm float64
	if err := json.Unmarshal(raw, &pixelSizeUm); err != nil || pixelSizeUm <= 0 {
		return defaultResolutionNumerator, defaultResolutionDenominator
	}

	// 1 um = 1e-4 cm, so centimetres-per-pixel = pixelSizeUm * 1e-4.
	// Resolution (in "pixels per centimetre") is the reciprocal.
	const scale = 1_000_000
	cmPerPixel := pixelSizeUm * 1e-4
	numerator = scale
	denominator = uint32(cmPerPixel * scale)
	if denominator == 0 {
		denominator = 1
	}
	return numerator, denominator
}
