// Package safety validates tuning parameter writes against hard limits
// before the simulator commits them.
package safety

import (
	"fmt"
	"sort"
)

// Violation describes one rejected parameter with the limit it broke.
type Violation struct {
	Parameter string
	Value     float64
	Limit     float64
	Message   string
}

func (v Violation) String() string {
	return v.Message
}

// Validator screens a set of named physical values. A false result must
// block the write with no side effect.
type Validator interface {
	Validate(params map[string]float64) (bool, []Violation)
}

// Limits is the stock-turbo safe envelope for the SRT-4.
type Limits struct {
	MaxBoostPSI      float64
	MaxTimingAdvance float64
	MinAFR           float64
	MaxIntakeTempC   float64
	MaxWastegateDuty float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxBoostPSI:      21.0,
		MaxTimingAdvance: 18.0,
		MinAFR:           10.5,
		MaxIntakeTempC:   70.0,
		MaxWastegateDuty: 85.0,
	}
}

func (l Limits) Validate(params map[string]float64) (bool, []Violation) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Violation
	for _, name := range names {
		v := params[name]
		switch name {
		case "boost_psi":
			if v > l.MaxBoostPSI {
				out = append(out, exceeds(name, v, l.MaxBoostPSI, "psi"))
			}
		case "timing_advance":
			if v > l.MaxTimingAdvance {
				out = append(out, exceeds(name, v, l.MaxTimingAdvance, "deg"))
			}
		case "afr":
			if v < l.MinAFR {
				out = append(out, Violation{
					Parameter: name,
					Value:     v,
					Limit:     l.MinAFR,
					Message:   fmt.Sprintf("afr %.2f below safety limit of %.2f", v, l.MinAFR),
				})
			}
		case "iat_c":
			if v > l.MaxIntakeTempC {
				out = append(out, exceeds(name, v, l.MaxIntakeTempC, "degC"))
			}
		case "wgdc":
			if v > l.MaxWastegateDuty {
				out = append(out, exceeds(name, v, l.MaxWastegateDuty, "%"))
			}
		}
	}
	return len(out) == 0, out
}

func exceeds(name string, value, limit float64, unit string) Violation {
	return Violation{
		Parameter: name,
		Value:     value,
		Limit:     limit,
		Message:   fmt.Sprintf("%s %.1f %s exceeds safety limit of %.1f %s", name, value, unit, limit, unit),
	}
}
