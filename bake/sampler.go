package bake

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// alphaPlane is a decoded alpha channel, normalized to [0, 1] float32.
// Decoding is the expensive part of CPU baking, so planes are cached per
// texture label.
type alphaPlane struct {
	w, h  int
	alpha []float32
}

// newAlphaPlane extracts the alpha channel of an arbitrary image.
// Non-NRGBA sources are converted first; nearest-neighbor is enough since
// no resampling happens.
func newAlphaPlane(img image.Image) *alphaPlane {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	nrgba, ok := img.(*image.NRGBA)
	if !ok || bounds.Min != (image.Point{}) {
		converted := image.NewNRGBA(image.Rect(0, 0, w, h))
		xdraw.NearestNeighbor.Scale(converted, converted.Bounds(), img, bounds, xdraw.Src, nil)
		nrgba = converted
	}

	p := &alphaPlane{w: w, h: h, alpha: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < w; x++ {
			p.alpha[y*w+x] = float32(row[x*4+3]) / 255
		}
	}
	return p
}

// DecodeAlphaPlane flattens img's alpha channel into a row-major float32
// plane normalized to [0, 1]. Bakers that sample on the GPU upload the
// plane as a storage buffer.
func DecodeAlphaPlane(img image.Image) (alpha []float32, width, height int) {
	p := newAlphaPlane(img)
	return p.alpha, p.w, p.h
}

// texel returns the alpha at integer coordinates with wrap addressing.
func (p *alphaPlane) texel(x, y int) float32 {
	x = ((x % p.w) + p.w) % p.w
	y = ((y % p.h) + p.h) % p.h
	return p.alpha[y*p.w+x]
}

// Sample returns the alpha at normalized UV coordinates. Bilinear
// filtering matches how the material is sampled at render time; point
// sampling snaps to the nearest texel.
func (p *alphaPlane) Sample(u, v float64, bilinear bool) float32 {
	if !bilinear {
		x := int(math.Floor(u * float64(p.w)))
		y := int(math.Floor(v * float64(p.h)))
		return p.texel(x, y)
	}

	// Texel centers sit at half-integer coordinates.
	fx := u*float64(p.w) - 0.5
	fy := v*float64(p.h) - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := float32(fx - float64(x0))
	ty := float32(fy - float64(y0))

	a00 := p.texel(x0, y0)
	a10 := p.texel(x0+1, y0)
	a01 := p.texel(x0, y0+1)
	a11 := p.texel(x0+1, y0+1)

	top := a00 + (a10-a00)*tx
	bot := a01 + (a11-a01)*tx
	return top + (bot-top)*ty
}
