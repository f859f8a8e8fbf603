// Package synthetic substitutes for the slice reader and style loader in
// test mode: it produces a deterministic shape through the same
// LayerSource interface the consumer path already uses, so nothing
// downstream needs to know the geometry didn't come from a .marc file.
package synthetic

import (
	"io"

	"github.com/ehrlich-b/slm-control/internal/geometry"
)

// SafeStyleID is the style id SyntheticProducer's square references;
// laser_power is zero so a test run never actually fires the laser.
const SafeStyleID uint32 = 0

// SafeStyle is the style SafeStyleID resolves to.
func SafeStyle() geometry.BuildStyle {
	return geometry.BuildStyle{
		ID:           SafeStyleID,
		LaserPowerW:  0,
		MarkSpeedMMS: 1000,
		JumpSpeedMMS: 2000,
		LaserMode:    0,
	}
}

// Styles returns a StyleTable containing only the safe style, suitable
// as the producer/consumer's shared style table for a synthetic run.
func Styles() *geometry.StyleTable {
	return geometry.NewStyleTable([]geometry.BuildStyle{SafeStyle()})
}

// halfSideMM is half the side length of the fixed 20mm test square.
const halfSideMM = 10.0

// Producer produces layerCount layers of a 20mm axis-aligned square at
// the origin, stepped by layerThicknessMM, each referencing SafeStyleID.
// It implements the same Next() contract as slicefile.Reader: a finite,
// non-restartable sequence terminated by io.EOF.
type Producer struct {
	cal            geometry.Calibration
	layerThickness float32
	layerCount     uint32
	next           uint32
}

// NewProducer creates a Producer calibrated the same way as the device
// so the square's corners land on sensible device units.
func NewProducer(cal geometry.Calibration, layerThicknessMM float32, layerCount uint32) *Producer {
	return &Producer{cal: cal, layerThickness: layerThicknessMM, layerCount: layerCount}
}

// Next returns the next layer, or io.EOF once layerCount layers have been
// produced.
func (p *Producer) Next() (geometry.Layer, error) {
	if p.next >= p.layerCount {
		return geometry.Layer{}, io.EOF
	}
	index := p.next
	p.next++

	corners := []struct{ x, y float32 }{
		{-halfSideMM, -halfSideMM},
		{halfSideMM, -halfSideMM},
		{halfSideMM, halfSideMM},
		{-halfSideMM, halfSideMM},
	}
	vertices := make([]geometry.Point, 0, len(corners))
	for _, c := range corners {
		pt, _ := p.cal.ToDeviceUnits(c.x, c.y)
		vertices = append(vertices, pt)
	}

	return geometry.Layer{
		Index:    index,
		HeightMM: p.layerThickness * float32(index+1),
		Polygons: []geometry.Polygon{
			{StyleID: SafeStyleID, Vertices: vertices},
		},
	}, nil
}
