package slicefile

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/slm-control/internal/errs"
)

// marcBuilder assembles a well-formed .marc byte stream for test fixtures,
// the same shape Next() expects to read back out.
type marcBuilder struct {
	buf bytes.Buffer
}

func newMarcBuilder() *marcBuilder {
	b := &marcBuilder{}
	b.buf.Write(magic[:])
	b.buf.Write(make([]byte, HeaderSize))
	return b
}

func (b *marcBuilder) u32(v uint32) *marcBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

func (b *marcBuilder) point(x, y int32) *marcBuilder {
	binary.Write(&b.buf, binary.LittleEndian, x)
	binary.Write(&b.buf, binary.LittleEndian, y)
	return b
}

// layerHeader begins a layer record with no geometry; callers append the
// hatch/polyline/polygon counts and groups before the next layerHeader() call.
func (b *marcBuilder) layerHeader(index uint32, heightMM float32) *marcBuilder {
	return b.u32(index).u32(math.Float32bits(heightMM))
}

func (b *marcBuilder) hatchGroup(styleID uint32, pairs [][2][2]int32) *marcBuilder {
	b.u32(styleID).u32(uint32(categoryHatch)).u32(uint32(len(pairs) * 2))
	for _, pair := range pairs {
		b.point(pair[0][0], pair[0][1])
		b.point(pair[1][0], pair[1][1])
	}
	return b
}

func (b *marcBuilder) chainGroup(cat geometryCategory, styleID uint32, points [][2]int32) *marcBuilder {
	b.u32(styleID).u32(uint32(cat)).u32(uint32(len(points)))
	for _, p := range points {
		b.point(p[0], p[1])
	}
	return b
}

func TestReaderParsesOneLayerEndToEnd(t *testing.T) {
	b := newMarcBuilder()
	b.layerHeader(0, 0.2)
	b.u32(1) // hatch count
	b.hatchGroup(1, [][2][2]int32{{{0, 0}, {10, 0}}})
	b.u32(1) // polyline count
	b.chainGroup(categoryPolyline, 2, [][2]int32{{0, 1}, {5, 1}})
	b.u32(1) // polygon count
	b.chainGroup(categoryPolygon, 3, [][2]int32{{0, 2}, {5, 2}, {5, 5}})

	rd, err := NewReader(&b.buf)
	require.NoError(t, err)

	layer, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), layer.Index)
	assert.InDelta(t, float32(0.2), layer.HeightMM, 1e-6)
	require.Len(t, layer.Hatches, 1)
	assert.Equal(t, uint32(1), layer.Hatches[0].StyleID)
	require.Len(t, layer.Hatches[0].Lines, 1)
	assert.Equal(t, int32(10), layer.Hatches[0].Lines[0].To.X)

	require.Len(t, layer.Polylines, 1)
	assert.Equal(t, uint32(2), layer.Polylines[0].StyleID)
	assert.Len(t, layer.Polylines[0].Vertices, 2)

	require.Len(t, layer.Polygons, 1)
	assert.Equal(t, uint32(3), layer.Polygons[0].StyleID)
	assert.Len(t, layer.Polygons[0].Vertices, 3)

	_, err = rd.Next()
	assert.Equal(t, io.EOF, err)

	// Non-restartable: a second EOF call also returns EOF.
	_, err = rd.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX")
	buf.Write(make([]byte, HeaderSize))

	_, err := NewReader(&buf)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfig))
}

func TestReaderRejectsTruncatedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.Write(make([]byte, HeaderSize/2)) // too short

	_, err := NewReader(&buf)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfig))
}

func TestReaderRejectsTruncatedRecord(t *testing.T) {
	b := newMarcBuilder()
	b.layerHeader(0, 0.2)
	b.u32(1) // claims one hatch, but no hatch bytes follow

	rd, err := NewReader(&b.buf)
	require.NoError(t, err)

	_, err = rd.Next()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeConfig))
}

func TestReaderMultipleLayersInAscendingOrder(t *testing.T) {
	b := newMarcBuilder()
	b.layerHeader(0, 0.2)
	b.u32(0).u32(0).u32(0) // no hatches, polylines, polygons
	b.layerHeader(1, 0.4)
	b.u32(0).u32(0).u32(0)

	rd, err := NewReader(&b.buf)
	require.NoError(t, err)

	l0, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), l0.Index)

	l1, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), l1.Index)

	_, err = rd.Next()
	assert.Equal(t, io.EOF, err)
}
