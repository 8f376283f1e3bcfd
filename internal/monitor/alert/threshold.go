package alert

import "github.com/pkg/errors"

// Mode selects how Threshold compares a production metric against its
// training baseline.
type Mode uint8

const (
	ModeAbsolute Mode = iota
	ModePercentage
)

// ParseMode parses a config string into a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "absolute":
		return ModeAbsolute, true
	case "percentage":
		return ModePercentage, true
	default:
		return 0, false
	}
}

// Threshold is one monitor's comparison spec: which metric, how the
// variance is computed, and the signed bounds it must stay within.
// Nil bounds are unbounded on that side.
type Threshold struct {
	Metric string
	Mode   Mode
	Lower  *float64
	Upper  *float64
}

// Comparison is the evaluated variance between a training metric and
// its production counterpart, ready to test against a threshold.
type Comparison struct {
	Mode       Mode
	Value      float64 // training − production, optionally over training
	Degenerate bool    // Mode is ModePercentage and training == 0
}

// Evaluate computes observed_variance for a training/production metric
// pair: training − production in absolute mode, (training − production)
// / training in percentage mode. A zero training value makes the
// relative change undefined, so the comparison is marked Degenerate
// rather than producing ±Inf or NaN; the manager skips the run with a
// warning.
func Evaluate(mode Mode, training, production float64) Comparison {
	switch mode {
	case ModeAbsolute:
		return Comparison{Mode: mode, Value: training - production}
	case ModePercentage:
		if training == 0 {
			return Comparison{Mode: mode, Degenerate: true}
		}
		return Comparison{Mode: mode, Value: (training - production) / training}
	default:
		return Comparison{Mode: mode}
	}
}

// Exceeds reports whether the variance escapes the threshold's signed
// bounds.
func (c Comparison) Exceeds(t Threshold) bool {
	if c.Degenerate {
		return false
	}
	if t.Upper != nil && c.Value > *t.Upper {
		return true
	}
	if t.Lower != nil && c.Value < *t.Lower {
		return true
	}
	return false
}

// ParseThresholdMode validates a config mode string, returning the
// typed Mode.
func ParseThresholdMode(modeStr string) (Mode, error) {
	mode, ok := ParseMode(modeStr)
	if !ok {
		return 0, errors.Errorf("alert: unknown threshold mode %q", modeStr)
	}
	return mode, nil
}
