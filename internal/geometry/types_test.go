package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointClamp(t *testing.T) {
	cases := []struct {
		name    string
		in      Point
		want    Point
		clamped bool
	}{
		{"within range", Point{X: 100, Y: -100}, Point{X: 100, Y: -100}, false},
		{"clamp high x", Point{X: MaxDeviceUnits + 1, Y: 0}, Point{X: MaxDeviceUnits, Y: 0}, true},
		{"clamp low y", Point{X: 0, Y: -MaxDeviceUnits - 1}, Point{X: 0, Y: -MaxDeviceUnits}, true},
		{"exact boundary", Point{X: MaxDeviceUnits, Y: -MaxDeviceUnits}, Point{X: MaxDeviceUnits, Y: -MaxDeviceUnits}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, clamped := tc.in.Clamp()
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.clamped, clamped)
		})
	}
}

func TestStyleTableLookup(t *testing.T) {
	table := NewStyleTable([]BuildStyle{{ID: 1, LaserPowerW: 50}, {ID: 2, LaserPowerW: 100}})
	assert.Equal(t, 2, table.Len())

	s, ok := table.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint16(50), s.LaserPowerW)

	_, ok = table.Lookup(99)
	assert.False(t, ok)
}

func TestNilStyleTableLookupIsSafe(t *testing.T) {
	var table *StyleTable
	assert.Equal(t, 0, table.Len())
	_, ok := table.Lookup(1)
	assert.False(t, ok)
}

func TestCalibrationToDeviceUnitsClamps(t *testing.T) {
	cal := Calibration{BitsPerMM: 1000, MaxBits: 5000}

	p, clamped := cal.ToDeviceUnits(1, 2)
	assert.False(t, clamped)
	assert.Equal(t, Point{X: 1000, Y: 2000}, p)

	p, clamped = cal.ToDeviceUnits(100, 0)
	assert.True(t, clamped)
	assert.Equal(t, int32(5000), p.X)
}
