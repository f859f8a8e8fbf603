package encode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

func calib() geometry.Calibration {
	return geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits}
}

func styleTable(ids ...uint32) *geometry.StyleTable {
	styles := make([]geometry.BuildStyle, 0, len(ids))
	for _, id := range ids {
		styles = append(styles, geometry.BuildStyle{ID: id})
	}
	return geometry.NewStyleTable(styles)
}

func TestEncodeOrdersHatchesThenPolylinesThenPolygons(t *testing.T) {
	e := New(calib())
	layer := geometry.Layer{
		Index: 1,
		Hatches: []geometry.HatchRun{
			{StyleID: 1, Lines: []geometry.Segment{{From: geometry.Point{X: 0, Y: 0}, To: geometry.Point{X: 10, Y: 0}}}},
		},
		Polylines: []geometry.Polyline{
			{StyleID: 2, Vertices: []geometry.Point{{X: 0, Y: 1}, {X: 5, Y: 1}}},
		},
		Polygons: []geometry.Polygon{
			{StyleID: 3, Vertices: []geometry.Point{{X: 0, Y: 2}, {X: 5, Y: 2}, {X: 5, Y: 5}}},
		},
	}

	block, err := e.Encode(layer, styleTable(1, 2, 3))
	require.NoError(t, err)

	var kinds []geometry.CommandKind
	var styleIDs []uint32
	for _, c := range block.Commands {
		kinds = append(kinds, c.Kind)
		if c.Kind == geometry.CmdSetStyle {
			styleIDs = append(styleIDs, c.StyleID)
		}
	}
	assert.Equal(t, []uint32{1, 2, 3}, styleIDs, "styles must be emitted in hatch, polyline, polygon order")

	// A polygon's closing mark returns to its first vertex.
	last := block.Commands[len(block.Commands)-1]
	assert.Equal(t, geometry.CmdMark, last.Kind)
	assert.Equal(t, geometry.Point{X: 0, Y: 2}, last.To, "polygon close returns to the first vertex")
}

func TestEncodeUnknownStyleIsConfigError(t *testing.T) {
	e := New(calib())
	layer := geometry.Layer{
		Index: 0,
		Hatches: []geometry.HatchRun{
			{StyleID: 99, Lines: []geometry.Segment{{From: geometry.Point{}, To: geometry.Point{X: 1}}}},
		},
	}

	_, err := e.Encode(layer, styleTable(1))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfig))
}

func TestEncodeCoalescesRedundantSetStyle(t *testing.T) {
	e := New(calib())
	layer := geometry.Layer{
		Index: 0,
		Hatches: []geometry.HatchRun{
			{StyleID: 1, Lines: []geometry.Segment{{From: geometry.Point{}, To: geometry.Point{X: 1}}}},
			{StyleID: 1, Lines: []geometry.Segment{{From: geometry.Point{X: 1}, To: geometry.Point{X: 2}}}},
		},
	}

	block, err := e.Encode(layer, styleTable(1))
	require.NoError(t, err)

	setStyleCount := 0
	for _, c := range block.Commands {
		if c.Kind == geometry.CmdSetStyle {
			setStyleCount++
		}
	}
	assert.Equal(t, 1, setStyleCount, "two consecutive hatches sharing a style must not re-emit SetStyle")
}

func TestEncodeClampsOutOfRangeCoordinates(t *testing.T) {
	e := New(calib())
	layer := geometry.Layer{
		Index: 0,
		Hatches: []geometry.HatchRun{
			{StyleID: 1, Lines: []geometry.Segment{{From: geometry.Point{X: 10_000_000}, To: geometry.Point{X: 1}}}},
		},
	}

	block, err := e.Encode(layer, styleTable(1))
	require.NoError(t, err)
	assert.Equal(t, 1, block.Clamped)

	var jump geometry.Command
	for _, c := range block.Commands {
		if c.Kind == geometry.CmdJump {
			jump = c
			break
		}
	}
	assert.Equal(t, int32(geometry.MaxDeviceUnits), jump.To.X)
}

func TestEncodeClampsAgainstInjectedCalibrationNotHardwareBound(t *testing.T) {
	tight := geometry.Calibration{BitsPerMM: 1000, MaxBits: 1000}
	e := New(tight)
	layer := geometry.Layer{
		Index: 0,
		Hatches: []geometry.HatchRun{
			{StyleID: 1, Lines: []geometry.Segment{{From: geometry.Point{X: 5000}, To: geometry.Point{X: 1}}}},
		},
	}

	block, err := e.Encode(layer, styleTable(1))
	require.NoError(t, err)
	assert.Equal(t, 1, block.Clamped)

	var jump geometry.Command
	for _, c := range block.Commands {
		if c.Kind == geometry.CmdJump {
			jump = c
			break
		}
	}
	assert.Equal(t, int32(1000), jump.To.X, "clamping must use the injected calibration's MaxBits, not the hardware-absolute MaxDeviceUnits")
}

func TestEncodeEmptyLayerProducesEmptyBlock(t *testing.T) {
	e := New(calib())
	block, err := e.Encode(geometry.Layer{Index: 5}, styleTable())
	require.NoError(t, err)
	assert.Empty(t, block.Commands)
	assert.Equal(t, uint32(5), block.LayerIndex)
}
