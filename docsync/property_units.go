package docsync

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

// Units of a numeric dataspec. Values are converted to the canonical unit
// before numeric use.
type Units struct {
	Name      string
	Default   string
	Canonical string
	allowed   []string
	factors   map[string]float64
}

func (self *Units) Accepts(unit string) bool {
	return slices.Contains(self.allowed, unit)
}

func (self *Units) ToCanonical(value float64, unit string) (float64, error) {
	if unit == "" {
		unit = self.Default
	}
	factor, ok := self.factors[unit]
	if !ok {
		return 0, fmt.Errorf("invalid %s units %q", self.Name, unit)
	}
	return value * factor, nil
}

var AngleUnits = &Units{
	Name:      "angle",
	Default:   "rad",
	Canonical: "rad",
	allowed:   []string{"rad", "deg", "grad", "turn"},
	factors: map[string]float64{
		"rad":  1,
		"deg":  math.Pi / 180,
		"grad": math.Pi / 200,
		"turn": 2 * math.Pi,
	},
}

// distances are tagged, not converted. Screen and data space are resolved by the renderer.
var DistanceUnits = &Units{
	Name:      "distance",
	Default:   "data",
	Canonical: "data",
	allowed:   []string{"data", "screen"},
	factors: map[string]float64{
		"data":   1,
		"screen": 1,
	},
}
