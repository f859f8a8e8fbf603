// Package encode implements the pure, deterministic transform from a
// Layer plus a BuildStyle table into an ordered CommandBlock. It holds
// no state of its own and talks to nothing;
// every dependency (the style table, the calibration) is passed in.
package encode

import (
	"fmt"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

// Encoder converts Layers into CommandBlocks against a fixed calibration.
// It is safe for concurrent use: Encode has no mutable receiver state.
type Encoder struct {
	Calibration geometry.Calibration
}

// New creates an Encoder for the given device calibration.
func New(cal geometry.Calibration) *Encoder {
	return &Encoder{Calibration: cal}
}

// Encode traverses a Layer's geometry in declared order — hatches, then
// polylines, then polygons, matching the machine's physical drawing
// sequence — and emits the corresponding CommandBlock. A style_id not
// present in styles is a ConfigError (UnknownStyle); this is fatal to
// the job, never retried.
func (e *Encoder) Encode(layer geometry.Layer, styles *geometry.StyleTable) (geometry.CommandBlock, error) {
	block := geometry.CommandBlock{LayerIndex: layer.Index}

	var currentStyle uint32
	havePen := false
	haveStyle := false

	emitStyle := func(styleID uint32) error {
		if _, ok := styles.Lookup(styleID); !ok {
			return errs.New("encode", errs.CodeConfig, fmt.Sprintf("unknown style id %d in layer %d", styleID, layer.Index))
		}
		if haveStyle && currentStyle == styleID {
			return nil // redundant SetStyle forbidden; no-op
		}
		block.Commands = append(block.Commands, geometry.Command{Kind: geometry.CmdSetStyle, StyleID: styleID})
		currentStyle = styleID
		haveStyle = true
		return nil
	}

	toDevice := func(p geometry.Point) geometry.Point {
		dp, clamped := e.Calibration.ClampPoint(p)
		if clamped {
			block.Clamped++
		}
		return dp
	}

	jumpTo := func(p geometry.Point) {
		block.Commands = append(block.Commands, geometry.Command{Kind: geometry.CmdJump, To: toDevice(p)})
		havePen = true
	}
	markTo := func(p geometry.Point) error {
		if !havePen {
			return errs.New("encode", errs.CodeInternal, "mark without a prior jump establishing pen position")
		}
		block.Commands = append(block.Commands, geometry.Command{Kind: geometry.CmdMark, To: toDevice(p)})
		return nil
	}

	for _, h := range layer.Hatches {
		if err := emitStyle(h.StyleID); err != nil {
			return geometry.CommandBlock{}, err
		}
		for _, line := range h.Lines {
			jumpTo(line.From)
			if err := markTo(line.To); err != nil {
				return geometry.CommandBlock{}, err
			}
		}
	}

	for _, pl := range layer.Polylines {
		if err := emitStyle(pl.StyleID); err != nil {
			return geometry.CommandBlock{}, err
		}
		if err := emitOpenChain(pl.Vertices, jumpTo, markTo); err != nil {
			return geometry.CommandBlock{}, err
		}
	}

	for _, pg := range layer.Polygons {
		if err := emitStyle(pg.StyleID); err != nil {
			return geometry.CommandBlock{}, err
		}
		if err := emitOpenChain(pg.Vertices, jumpTo, markTo); err != nil {
			return geometry.CommandBlock{}, err
		}
		if len(pg.Vertices) > 0 {
			if err := markTo(pg.Vertices[0]); err != nil {
				return geometry.CommandBlock{}, err
			}
		}
	}

	if err := checkInvariants(block); err != nil {
		return geometry.CommandBlock{}, err
	}

	return block, nil
}

func emitOpenChain(vertices []geometry.Point, jumpTo func(geometry.Point), markTo func(geometry.Point) error) error {
	if len(vertices) == 0 {
		return nil
	}
	jumpTo(vertices[0])
	for i := 1; i < len(vertices); i++ {
		if err := markTo(vertices[i]); err != nil {
			return err
		}
	}
	return nil
}

// checkInvariants is the debug assertion the encoder's contract calls for: the
// first command of a non-empty block is SetStyle, Mark never precedes a
// Jump establishing pen position, and consecutive SetStyle never repeat
// the same style. It always runs — the invariant is cheap to check and
// a violation here is a bug in this package, not a recoverable runtime
// condition.
func checkInvariants(block geometry.CommandBlock) error {
	if len(block.Commands) == 0 {
		return nil
	}
	if block.Commands[0].Kind != geometry.CmdSetStyle {
		return errs.New("encode", errs.CodeInternal, "first command of non-empty block is not SetStyle")
	}
	havePen := false
	var lastStyle uint32
	haveStyle := false
	for _, c := range block.Commands {
		switch c.Kind {
		case geometry.CmdSetStyle:
			if haveStyle && c.StyleID == lastStyle {
				return errs.New("encode", errs.CodeInternal, "consecutive identical SetStyle")
			}
			lastStyle = c.StyleID
			haveStyle = true
		case geometry.CmdJump:
			havePen = true
		case geometry.CmdMark:
			if !havePen {
				return errs.New("encode", errs.CodeInternal, "mark before jump established pen position")
			}
		}
	}
	return nil
}
