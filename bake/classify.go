package bake

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/micromap"
	"github.com/gogpu/micromap/device"
)

// uv is a texture coordinate.
type uv struct{ u, v float64 }

func lerp2(a, b uv, t float64) uv {
	return uv{a.u + (b.u-a.u)*t, a.v + (b.v-a.v)*t}
}

// triangle is one input triangle's UVs.
type triangle struct{ a, b, c uv }

// area returns the UV-space area of the triangle.
func (t triangle) area() float64 {
	return math.Abs((t.b.u-t.a.u)*(t.c.v-t.a.v)-(t.c.u-t.a.u)*(t.b.v-t.a.v)) / 2
}

// point maps barycentric grid coordinates (x, y in [0, 1]) into UV space.
func (t triangle) point(x, y float64) uv {
	return uv{
		t.a.u + (t.b.u-t.a.u)*x + (t.c.u-t.a.u)*y,
		t.a.v + (t.b.v-t.a.v)*x + (t.c.v-t.a.v)*y,
	}
}

// ommDesc is one opacity-micromap descriptor: where the OMM's packed
// states start in the array data, and how they are encoded.
type ommDesc struct {
	arrayOffset uint32
	subdivLevel uint16
	format      device.Format
}

// descEntrySize is the encoded size of one descriptor.
const descEntrySize = 8

// bakeResult is the complete CPU bake of one geometry: the OMM index per
// triangle, the descriptors, the packed array data, both histograms, and
// the classification totals.
type bakeResult struct {
	indices []int32 // per triangle: descriptor index or special index
	descs   []ommDesc
	array   []byte

	descHistogram  []device.HistogramEntry
	indexHistogram []device.HistogramEntry

	opaqueCount      uint64
	transparentCount uint64
	unknownCount     uint64
}

// classifier bakes one geometry on the CPU.
type classifier struct {
	input  micromap.BakeInput
	plane  *alphaPlane // nil means no alpha texture: fully opaque
	tris   []triangle
	budget uint64 // max array bytes, 0 is unlimited
}

// run classifies every triangle. If the packed array exceeds the budget,
// the subdivision cap is lowered and the bake retried; level 0 always
// fits, so the loop terminates.
func (c *classifier) run() *bakeResult {
	maxLevel := c.input.MaxSubdivisionLevel
	for {
		res := c.runAtLevel(maxLevel)
		if c.budget == 0 || uint64(len(res.array)) <= c.budget || maxLevel == 0 {
			return res
		}
		maxLevel--
	}
}

func (c *classifier) runAtLevel(maxLevel uint32) *bakeResult {
	res := &bakeResult{
		indices: make([]int32, len(c.tris)),
	}

	descHist := map[uint32]uint32{} // subdivision level -> desc count
	indexHist := map[uint32]uint32{}
	var dedup map[triangle]int32
	if c.input.EnableTexCoordDeduplication {
		dedup = make(map[triangle]int32, len(c.tris))
	}

	for ti, tri := range c.tris {
		if dedup != nil {
			if idx, ok := dedup[tri]; ok {
				res.indices[ti] = idx
				if idx >= 0 {
					indexHist[uint32(res.descs[idx].subdivLevel)]++
				}
				continue
			}
		}

		level := c.subdivisionLevel(tri, maxLevel)
		states, uniform := c.classifyTriangle(tri, level, res)

		if uniform && c.input.EnableSpecialIndices {
			res.indices[ti] = device.SpecialIndexFor(states[0])
		} else {
			offset := uint32(len(res.array))
			res.array = append(res.array, packStates(states, c.input.Format)...)
			res.indices[ti] = int32(len(res.descs))
			res.descs = append(res.descs, ommDesc{
				arrayOffset: offset,
				subdivLevel: uint16(level),
				format:      c.input.Format,
			})
			descHist[level]++
			indexHist[level]++
		}

		if dedup != nil {
			dedup[tri] = res.indices[ti]
		}
	}

	res.descHistogram = histogramFromCounts(descHist, c.input.Format)
	res.indexHistogram = histogramFromCounts(indexHist, c.input.Format)
	return res
}

// subdivisionLevel picks a level from the triangle's texel footprint: one
// microtriangle per scale^2 texels, capped at maxLevel. Without a dynamic
// scale (or a texture) the cap itself is used.
func (c *classifier) subdivisionLevel(tri triangle, maxLevel uint32) uint32 {
	scale := float64(c.input.DynamicSubdivisionScale)
	if scale <= 0 || c.plane == nil {
		return maxLevel
	}
	texels := tri.area() * float64(c.plane.w) * float64(c.plane.h)
	if texels <= 1 {
		return 0
	}
	// 4^level microtriangles ~= texels / scale^2. The quotient drops
	// below 1 for triangles smaller than scale^2 texels; clamp before
	// converting, a negative float does not survive uint32 conversion.
	f := math.Ceil(math.Log2(texels/(scale*scale)) / 2)
	if f <= 0 {
		return 0
	}
	level := uint32(f)
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// classifyTriangle classifies every microtriangle of tri at the given
// subdivision level, accumulating the totals on res. The second return
// reports whether all microtriangles share one state.
func (c *classifier) classifyTriangle(tri triangle, level uint32, res *bakeResult) ([]device.OpacityState, bool) {
	n := 1 << level // grid resolution per edge
	states := make([]device.OpacityState, 0, n*n)

	step := 1 / float64(n)
	for j := 0; j < n; j++ {
		for i := 0; i < n-j; i++ {
			x, y := float64(i)*step, float64(j)*step

			// Upright cell: (i, j), (i+1, j), (i, j+1).
			states = append(states, c.classifyCell(tri,
				x, y, x+step, y, x, y+step))

			// Inverted cell: (i+1, j), (i+1, j+1), (i, j+1).
			if i+j < n-1 {
				states = append(states, c.classifyCell(tri,
					x+step, y, x+step, y+step, x, y+step))
			}
		}
	}

	uniform := true
	for _, s := range states {
		switch s {
		case device.StateOpaque:
			res.opaqueCount++
		case device.StateTransparent:
			res.transparentCount++
		default:
			res.unknownCount++
		}
		if s != states[0] {
			uniform = false
		}
	}
	return states, uniform
}

// classifyCell classifies one microtriangle given its corners in
// barycentric grid coordinates.
func (c *classifier) classifyCell(tri triangle, x0, y0, x1, y1, x2, y2 float64) device.OpacityState {
	if c.plane == nil {
		return device.StateOpaque
	}

	p0, p1, p2 := tri.point(x0, y0), tri.point(x1, y1), tri.point(x2, y2)
	centroid := uv{(p0.u + p1.u + p2.u) / 3, (p0.v + p1.v + p2.v) / 3}

	cutoff := c.input.AlphaCutoff
	opaque := func(p uv) bool {
		return c.plane.Sample(p.u, p.v, c.input.BilinearFilter) > cutoff
	}

	center := opaque(centroid)
	if !c.input.EnableLevelLineIntersection {
		if center {
			return device.StateOpaque
		}
		return device.StateTransparent
	}

	// Conservative test: corners and edge midpoints must agree with the
	// centroid, otherwise the cutoff level line crosses this cell.
	probes := []uv{
		p0, p1, p2,
		lerp2(p0, p1, 0.5), lerp2(p1, p2, 0.5), lerp2(p2, p0, 0.5),
	}
	for _, p := range probes {
		if opaque(p) != center {
			if center {
				return device.StateUnknownOpaque
			}
			return device.StateUnknownTransparent
		}
	}
	if center {
		return device.StateOpaque
	}
	return device.StateTransparent
}

// packStates packs microtriangle states into the OMM array encoding:
// 1 bit per state for 2-state, 2 bits for 4-state, little-endian within
// each byte, one OMM padded to whole bytes. In the 2-state format the
// unknown states degrade to their known lean.
func packStates(states []device.OpacityState, format device.Format) []byte {
	bits := format.BitsPerState()
	out := make([]byte, (uint32(len(states))*bits+7)/8)
	for i, s := range states {
		v := uint32(s)
		if format == device.FormatOC1_2State {
			v &= 1 // UnknownTransparent -> Transparent, UnknownOpaque -> Opaque
		}
		bit := uint32(i) * bits
		out[bit/8] |= byte(v << (bit % 8))
	}
	return out
}

// histogramFromCounts flattens a level->count map into entries ordered by
// subdivision level.
func histogramFromCounts(counts map[uint32]uint32, format device.Format) []device.HistogramEntry {
	if len(counts) == 0 {
		return nil
	}
	var maxLevel uint32
	for level := range counts {
		if level > maxLevel {
			maxLevel = level
		}
	}
	entries := make([]device.HistogramEntry, 0, len(counts))
	for level := uint32(0); level <= maxLevel; level++ {
		if n := counts[level]; n > 0 {
			entries = append(entries, device.HistogramEntry{
				Count:            n,
				SubdivisionLevel: level,
				Format:           format,
			})
		}
	}
	return entries
}

// encodeDescs encodes descriptors in their GPU layout: array offset
// uint32, subdivision level uint16, format uint16.
func encodeDescs(descs []ommDesc) []byte {
	out := make([]byte, 0, len(descs)*descEntrySize)
	for _, d := range descs {
		out = binary.LittleEndian.AppendUint32(out, d.arrayOffset)
		out = binary.LittleEndian.AppendUint16(out, d.subdivLevel)
		out = binary.LittleEndian.AppendUint16(out, uint16(d.format))
	}
	return out
}

// encodeIndices encodes the per-triangle OMM indices in the given width.
// Special indices are sign-extended sentinels and survive both widths.
func encodeIndices(indices []int32, format device.IndexFormat) []byte {
	if format == device.IndexFormatUint32 {
		out := make([]byte, 0, len(indices)*4)
		for _, idx := range indices {
			out = binary.LittleEndian.AppendUint32(out, uint32(idx))
		}
		return out
	}
	out := make([]byte, 0, len(indices)*2)
	for _, idx := range indices {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(idx)))
	}
	return out
}
