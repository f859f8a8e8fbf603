// Package style loads the BuildStyle parameter table: a JSON document
// with a top-level buildStyles array. Every
// mandatory field must be present and correctly typed; a malformed table
// is a ConfigError, raised before streaming starts and never during a
// run. A failure to read the file itself is reported as Internal.
package style

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireStyle mirrors the on-disk field names. Fields are pointers so a
// missing field (nil) is distinguishable from one present with a zero
// value; a wrong-typed value makes the decode itself fail.
type wireStyle struct {
	ID                *uint32  `json:"id"`
	Name              *string  `json:"name"`
	Description       *string  `json:"description"`
	LaserID           *uint32  `json:"laserId"`
	LaserMode         *uint8   `json:"laserMode"`
	LaserPower        *uint16  `json:"laserPower"`
	LaserFocus        *float32 `json:"laserFocus"`
	LaserSpeed        *float32 `json:"laserSpeed"`
	HatchSpacing      *float32 `json:"hatchSpacing"`
	LayerThickness    *float32 `json:"layerThickness"`
	PointDistance     *float32 `json:"pointDistance"`
	PointDelay        *float32 `json:"pointDelay"`
	PointExposureTime *float32 `json:"pointExposureTime"`
	JumpSpeed         *float32 `json:"jumpSpeed"`
	JumpDelay         *float32 `json:"jumpDelay"`
}

type wireTable struct {
	BuildStyles []wireStyle `json:"buildStyles"`
}

var mandatoryFields = []struct {
	name string
	has  func(wireStyle) bool
}{
	{"id", func(w wireStyle) bool { return w.ID != nil }},
	{"name", func(w wireStyle) bool { return w.Name != nil }},
	{"description", func(w wireStyle) bool { return w.Description != nil }},
	{"laserId", func(w wireStyle) bool { return w.LaserID != nil }},
	{"laserMode", func(w wireStyle) bool { return w.LaserMode != nil }},
	{"laserPower", func(w wireStyle) bool { return w.LaserPower != nil }},
	{"laserFocus", func(w wireStyle) bool { return w.LaserFocus != nil }},
	{"laserSpeed", func(w wireStyle) bool { return w.LaserSpeed != nil }},
	{"hatchSpacing", func(w wireStyle) bool { return w.HatchSpacing != nil }},
	{"layerThickness", func(w wireStyle) bool { return w.LayerThickness != nil }},
	{"pointDistance", func(w wireStyle) bool { return w.PointDistance != nil }},
	{"pointDelay", func(w wireStyle) bool { return w.PointDelay != nil }},
	{"pointExposureTime", func(w wireStyle) bool { return w.PointExposureTime != nil }},
	{"jumpSpeed", func(w wireStyle) bool { return w.JumpSpeed != nil }},
	{"jumpDelay", func(w wireStyle) bool { return w.JumpDelay != nil }},
}

// LoadFile reads and parses a style table from path.
func LoadFile(path string) (*geometry.StyleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("style.LoadFile", errors.Wrapf(err, "reading style table %s", path))
	}
	return Parse(data)
}

// Parse decodes a style table document already read into memory.
func Parse(data []byte) (*geometry.StyleTable, error) {
	var wt wireTable
	if err := json.Unmarshal(data, &wt); err != nil {
		return nil, errs.New("style.Parse", errs.CodeConfig, errors.Wrap(err, "malformed style table").Error())
	}

	styles := make([]geometry.BuildStyle, 0, len(wt.BuildStyles))
	for i, w := range wt.BuildStyles {
		for _, f := range mandatoryFields {
			if !f.has(w) {
				return nil, errs.New("style.Parse", errs.CodeConfig,
					errors.Errorf("buildStyles[%d]: missing or wrong-typed field %q", i, f.name).Error())
			}
		}

		var wobble *geometry.Wobble
		// Wobble is not among the wire fields above, so styles loaded
		// from a table never carry one.

		styles = append(styles, geometry.BuildStyle{
			ID:           *w.ID,
			LaserPowerW:  *w.LaserPower,
			MarkSpeedMMS: *w.LaserSpeed,
			JumpSpeedMMS: *w.JumpSpeed,
			LaserMode:    *w.LaserMode,
			Wobble:       wobble,
		})
	}

	return geometry.NewStyleTable(styles), nil
}
