// Package slicefile reads the binary .marc slice file: a 4-byte
// magic, an opaque fixed-size header, then a sequence of layer records.
// Reader is a lazy, finite, non-restartable sequence of Layer records —
// callers pull with Next until it returns io.EOF; there is no Reset.
package slicefile

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

var magic = [4]byte{'M', 'A', 'R', 'C'}

// HeaderSize is the size in bytes of the opaque fixed header that
// follows the magic. Its fields are not interpreted by this module.
const HeaderSize = 256

// geometryCategory mirrors the on-disk "category" tag distinguishing
// hatches from polylines from polygons.
type geometryCategory uint32

const (
	categoryHatch    geometryCategory = 0
	categoryPolyline geometryCategory = 1
	categoryPolygon  geometryCategory = 2
)

// Reader produces Layer records from an underlying .marc stream.
type Reader struct {
	r      *bufio.Reader
	closer io.Closer
	done   bool
}

// Open opens a .marc file at path and validates its magic. The returned
// Reader must eventually be closed.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap("slicefile.Open", errors.Wrapf(err, "opening slice file %s", path))
	}
	rd, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.closer = f
	return rd, nil
}

// NewReader validates the magic and skips the opaque header on r,
// returning a Reader ready to stream layer records via Next.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var got [4]byte
	if _, err := io.ReadFull(br, got[:]); err != nil {
		return nil, errs.New("slicefile.NewReader", errs.CodeConfig, "slice file too short for magic")
	}
	if got != magic {
		return nil, errs.New("slicefile.NewReader", errs.CodeConfig, "missing MARC magic")
	}
	if _, err := io.CopyN(io.Discard, br, HeaderSize); err != nil {
		return nil, errs.New("slicefile.NewReader", errs.CodeConfig, "slice file truncated in header")
	}
	return &Reader{r: br}, nil
}

// Close releases the underlying file, if Open was used.
func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}

// Next returns the next Layer in ascending index order, or io.EOF once
// the stream is exhausted. The sequence is non-restartable: once Next
// returns io.EOF, every subsequent call also returns io.EOF.
func (rd *Reader) Next() (geometry.Layer, error) {
	if rd.done {
		return geometry.Layer{}, io.EOF
	}

	var layerNumber, heightBits uint32
	// A clean EOF is only the end of the stream at a layer boundary;
	// anywhere later in the record it means truncation (see readU32).
	if err := binary.Read(rd.r, binary.LittleEndian, &layerNumber); err != nil {
		if err == io.EOF {
			rd.done = true
			return geometry.Layer{}, io.EOF
		}
		return geometry.Layer{}, errs.Wrap("slicefile.Next", eofOr(err))
	}
	if err := rd.readU32(&heightBits); err != nil {
		return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
	}

	layer := geometry.Layer{
		Index:    layerNumber,
		HeightMM: math.Float32frombits(heightBits),
	}

	var hatchCount uint32
	if err := rd.readU32(&hatchCount); err != nil {
		return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
	}
	for i := uint32(0); i < hatchCount; i++ {
		h, err := rd.readHatch()
		if err != nil {
			return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
		}
		layer.Hatches = append(layer.Hatches, h)
	}

	var polylineCount uint32
	if err := rd.readU32(&polylineCount); err != nil {
		return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
	}
	for i := uint32(0); i < polylineCount; i++ {
		p, err := rd.readChain()
		if err != nil {
			return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
		}
		layer.Polylines = append(layer.Polylines, geometry.Polyline{StyleID: p.styleID, Vertices: p.points})
	}

	var polygonCount uint32
	if err := rd.readU32(&polygonCount); err != nil {
		return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
	}
	for i := uint32(0); i < polygonCount; i++ {
		p, err := rd.readChain()
		if err != nil {
			return geometry.Layer{}, errs.Wrap("slicefile.Next", err)
		}
		layer.Polygons = append(layer.Polygons, geometry.Polygon{StyleID: p.styleID, Vertices: p.points})
	}

	return layer, nil
}

type chain struct {
	styleID uint32
	points  []geometry.Point
}

// geometryTag is the common {type, category, point_count} header every
// hatch/polyline/polygon record begins with.
type geometryTag struct {
	typ        uint32
	category   geometryCategory
	pointCount uint32
}

func (rd *Reader) readTag() (geometryTag, error) {
	var t geometryTag
	var cat uint32
	if err := rd.readU32(&t.typ); err != nil {
		return t, err
	}
	if err := rd.readU32(&cat); err != nil {
		return t, err
	}
	t.category = geometryCategory(cat)
	if err := rd.readU32(&t.pointCount); err != nil {
		return t, err
	}
	return t, nil
}

func (rd *Reader) readHatch() (geometry.HatchRun, error) {
	tag, err := rd.readTag()
	if err != nil {
		return geometry.HatchRun{}, err
	}

	pairCount := tag.pointCount / 2
	h := geometry.HatchRun{StyleID: tag.typ, Lines: make([]geometry.Segment, 0, pairCount)}
	for i := uint32(0); i < pairCount; i++ {
		from, err := rd.readPoint()
		if err != nil {
			return geometry.HatchRun{}, err
		}
		to, err := rd.readPoint()
		if err != nil {
			return geometry.HatchRun{}, err
		}
		h.Lines = append(h.Lines, geometry.Segment{Kind: geometry.Mark, From: from, To: to, StyleID: tag.typ})
	}
	if tag.pointCount%2 == 1 {
		// Odd point count: a padding point follows and is discarded.
		if _, err := rd.readPoint(); err != nil {
			return geometry.HatchRun{}, err
		}
	}
	return h, nil
}

func (rd *Reader) readChain() (chain, error) {
	tag, err := rd.readTag()
	if err != nil {
		return chain{}, err
	}
	c := chain{styleID: tag.typ, points: make([]geometry.Point, 0, tag.pointCount)}
	for i := uint32(0); i < tag.pointCount; i++ {
		p, err := rd.readPoint()
		if err != nil {
			return chain{}, err
		}
		c.points = append(c.points, p)
	}
	return c, nil
}

func (rd *Reader) readPoint() (geometry.Point, error) {
	var x, y int32
	if err := binary.Read(rd.r, binary.LittleEndian, &x); err != nil {
		return geometry.Point{}, eofOr(err)
	}
	if err := binary.Read(rd.r, binary.LittleEndian, &y); err != nil {
		return geometry.Point{}, eofOr(err)
	}
	return geometry.Point{X: x, Y: y}, nil
}

func (rd *Reader) readU32(out *uint32) error {
	if err := binary.Read(rd.r, binary.LittleEndian, out); err != nil {
		return eofOr(err)
	}
	return nil
}

func eofOr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errs.New("slicefile", errs.CodeConfig, "slice file truncated mid-record")
	}
	return err
}
