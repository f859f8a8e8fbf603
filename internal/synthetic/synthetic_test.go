package synthetic

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/slm-control/internal/geometry"
)

func TestProducerEmitsExactLayerCountThenEOF(t *testing.T) {
	cal := geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits}
	p := NewProducer(cal, 0.2, 3)

	var indices []uint32
	for {
		layer, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		indices = append(indices, layer.Index)
	}
	assert.Equal(t, []uint32{0, 1, 2}, indices)

	_, err := p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestProducerLayerHeightStepsByThickness(t *testing.T) {
	cal := geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits}
	p := NewProducer(cal, 0.2, 2)

	l0, err := p.Next()
	require.NoError(t, err)
	assert.InDelta(t, float32(0.2), l0.HeightMM, 1e-6)

	l1, err := p.Next()
	require.NoError(t, err)
	assert.InDelta(t, float32(0.4), l1.HeightMM, 1e-6)
}

func TestProducerSquareReferencesSafeStyleOnly(t *testing.T) {
	cal := geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits}
	p := NewProducer(cal, 0.2, 1)

	layer, err := p.Next()
	require.NoError(t, err)
	require.Len(t, layer.Polygons, 1)
	assert.Equal(t, SafeStyleID, layer.Polygons[0].StyleID)
	assert.Len(t, layer.Polygons[0].Vertices, 4)

	style := SafeStyle()
	assert.Equal(t, uint16(0), style.LaserPowerW, "the synthetic style must never energise the laser")
}

func TestStylesTableContainsOnlySafeStyle(t *testing.T) {
	table := Styles()
	assert.Equal(t, 1, table.Len())
	_, ok := table.Lookup(SafeStyleID)
	assert.True(t, ok)
}
