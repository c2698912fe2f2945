package model

// CalibrationEntry is a linear correction: value*Multiplier + Offset.
type CalibrationEntry struct {
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`
	Offset     float64 `json:"offset" mapstructure:"offset"`
}

// Apply returns the corrected value.
func (c CalibrationEntry) Apply(v float64) float64 {
	return v*c.Multiplier + c.Offset
}

// CalibrationTable maps metric name to its correction. It is built once at
// start and only read afterwards.
type CalibrationTable map[string]CalibrationEntry

// Apply corrects v for metric; metrics without an entry pass through unchanged.
func (t CalibrationTable) Apply(metric string, v float64) float64 {
	if c, ok := t[metric]; ok {
		return c.Apply(v)
	}
	return v
}
