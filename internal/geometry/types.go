// Package geometry holds the data model shared by the slice reader, the
// build-style table, the encoder, and the scanner: points, segments,
// layers, build styles, and the command blocks the encoder produces for
// the scanner to execute.
package geometry

// Point is a 2D coordinate in device units. The vendor field is a
// signed 20-bit quantity; callers are expected to clamp to
// [-MaxDeviceUnits, MaxDeviceUnits] before submission (see Calibration).
type Point struct {
	X int32
	Y int32
}

// MaxDeviceUnits is the largest magnitude the vendor DSP's signed 20-bit
// coordinate field can hold.
const MaxDeviceUnits = 524287

// Clamp returns p with both components clamped to ±MaxDeviceUnits, and
// whether clamping changed either coordinate.
func (p Point) Clamp() (Point, bool) {
	clamped := false
	x, y := p.X, p.Y
	if x > MaxDeviceUnits {
		x = MaxDeviceUnits
		clamped = true
	} else if x < -MaxDeviceUnits {
		x = -MaxDeviceUnits
		clamped = true
	}
	if y > MaxDeviceUnits {
		y = MaxDeviceUnits
		clamped = true
	} else if y < -MaxDeviceUnits {
		y = -MaxDeviceUnits
		clamped = true
	}
	return Point{X: x, Y: y}, clamped
}

// ClampPoint clamps an already-device-unit point to cal's MaxBits
// envelope — the same ± clamp Clamp performs against the
// hardware-absolute MaxDeviceUnits bound, but against the (potentially
// tighter) envelope a job was configured with.
func (cal Calibration) ClampPoint(p Point) (Point, bool) {
	clamped := false
	x, y := p.X, p.Y
	if x > cal.MaxBits {
		x = cal.MaxBits
		clamped = true
	} else if x < -cal.MaxBits {
		x = -cal.MaxBits
		clamped = true
	}
	if y > cal.MaxBits {
		y = cal.MaxBits
		clamped = true
	} else if y < -cal.MaxBits {
		y = -cal.MaxBits
		clamped = true
	}
	return Point{X: x, Y: y}, clamped
}

// SegmentKind distinguishes a laser-off travel move from a laser-on mark.
type SegmentKind uint8

const (
	Jump SegmentKind = iota
	Mark
)

// Segment is one drawable element of a layer's geometry.
type Segment struct {
	Kind    SegmentKind
	From    Point
	To      Point
	StyleID uint32
}

// HatchRun is a sequence of disjoint mark segments; consecutive entries
// are not assumed to share endpoints, unlike a Polyline.
type HatchRun struct {
	StyleID uint32
	Lines   []Segment
}

// Polyline is an ordered, open vertex chain sharing a single style.
type Polyline struct {
	StyleID  uint32
	Vertices []Point
}

// Polygon is an ordered, closed vertex chain sharing a single style; the
// encoder closes it back to Vertices[0] without a repeated final vertex.
type Polygon struct {
	StyleID  uint32
	Vertices []Point
}

// Layer is one horizontal slice of the build. Layers are produced in
// strictly ascending Index order by the slice reader; Index 0 is first.
type Layer struct {
	Index      uint32
	HeightMM   float32
	Hatches    []HatchRun
	Polylines  []Polyline
	Polygons   []Polygon
}

// Wobble is an optional beam-wobble overlay applied while marking.
type Wobble struct {
	Enabled     bool
	FrequencyHz float32
	AmplitudeMM float32
}

// BuildStyle is a named parameter set applied to geometry referencing it
// by ID. Lookup by ID; a missing ID referenced by geometry is fatal.
type BuildStyle struct {
	ID            uint32
	LaserPowerW   uint16
	MarkSpeedMMS  float32
	JumpSpeedMMS  float32
	LaserMode     uint8
	Wobble        *Wobble
}

// StyleTable is a read-only, immutable view of the build styles loaded
// at startup. It is handed by weak reference to both the producer and
// consumer and never mutated after construction.
type StyleTable struct {
	styles map[uint32]BuildStyle
}

// NewStyleTable builds a lookup table from a flat slice of styles.
func NewStyleTable(styles []BuildStyle) *StyleTable {
	t := &StyleTable{styles: make(map[uint32]BuildStyle, len(styles))}
	for _, s := range styles {
		t.styles[s.ID] = s
	}
	return t
}

// Lookup returns the style for id and whether it was found.
func (t *StyleTable) Lookup(id uint32) (BuildStyle, bool) {
	if t == nil {
		return BuildStyle{}, false
	}
	s, ok := t.styles[id]
	return s, ok
}

// Len returns the number of styles in the table.
func (t *StyleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.styles)
}

// CommandKind distinguishes the three primitives a CommandBlock carries.
type CommandKind uint8

const (
	CmdSetStyle CommandKind = iota
	CmdJump
	CmdMark
)

// Command is one entry of a CommandBlock.
type Command struct {
	Kind    CommandKind
	To      Point  // valid for CmdJump/CmdMark
	StyleID uint32 // valid for CmdSetStyle
}

// CommandBlock is the ordered command list the encoder produces for one
// layer and the scanner executes as a single list open/close/execute
// cycle. Invariants (checked by a debug assertion in encode, see
// internal/encode): the first command of a non-empty block is
// CmdSetStyle; a CmdMark never precedes an established pen position;
// consecutive identical CmdSetStyle never occur.
type CommandBlock struct {
	LayerIndex uint32
	Commands   []Command
	// Clamped counts how many points had at least one coordinate clamped
	// to the encoder Calibration's ±MaxBits during encoding — a
	// non-fatal warning surfaced to the operator.
	Clamped int
}

// Calibration converts millimetre geometry into device units and bounds
// the work envelope a given job is permitted to use: MaxBits may be set
// tighter than MaxDeviceUnits to restrict a job to a smaller envelope
// than the hardware-absolute bound.
type Calibration struct {
	BitsPerMM float32
	MaxBits   int32
}

// ToDeviceUnits converts a millimetre coordinate into device units,
// clamping to ±MaxBits.
func (c Calibration) ToDeviceUnits(mmX, mmY float32) (Point, bool) {
	x := int32(mmX * c.BitsPerMM)
	y := int32(mmY * c.BitsPerMM)
	clamped := false
	if x > c.MaxBits {
		x = c.MaxBits
		clamped = true
	} else if x < -c.MaxBits {
		x = -c.MaxBits
		clamped = true
	}
	if y > c.MaxBits {
		y = c.MaxBits
		clamped = true
	} else if y < -c.MaxBits {
		y = -c.MaxBits
		clamped = true
	}
	return Point{X: x, Y: y}, clamped
}
