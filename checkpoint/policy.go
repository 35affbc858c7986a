package checkpoint

import (
	"fmt"
	"math"
	"time"
)

type PolicyKind string

const (
	// PolicyFixed checkpoints on a fixed wall-clock interval.
	PolicyFixed PolicyKind = "fixed"
	// PolicyRuntimeFraction checkpoints every Fraction of the stage's
	// estimated runtime.
	PolicyRuntimeFraction PolicyKind = "runtime-fraction"
	// PolicyAdaptive behaves like PolicyFixed but shortens the interval when
	// the failure detector reports elevated risk for the hosting node.
	PolicyAdaptive PolicyKind = "adaptive"
	// PolicyNone disables checkpointing for the stage. Such stages restart
	// from scratch on failure, or require manual intervention if they are
	// not resumable.
	PolicyNone PolicyKind = "none"
)

// Policy decides the checkpoint cadence for a stage.
type Policy struct {
	Kind     PolicyKind    `json:"kind" yaml:"kind"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`
	Fraction float64       `json:"fraction,omitempty" yaml:"fraction"`
	// MinInterval bounds how far an adaptive policy may shorten the cadence.
	MinInterval time.Duration `json:"min_interval,omitempty" yaml:"min_interval"`
}

func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyNone, "":
		return nil
	case PolicyFixed, PolicyAdaptive:
		if p.Interval <= 0 {
			return fmt.Errorf("%s checkpoint policy requires a positive interval", p.Kind)
		}
	case PolicyRuntimeFraction:
		if p.Fraction <= 0 || p.Fraction > 1 {
			return fmt.Errorf("runtime-fraction checkpoint policy requires a fraction in (0, 1]")
		}
	default:
		return fmt.Errorf("unknown checkpoint policy %q", p.Kind)
	}
	return nil
}

func (p Policy) Enabled() bool {
	return p.Kind != PolicyNone && p.Kind != ""
}

// NextAfter computes when the next checkpoint is due after the previous one.
// estimatedRuntime feeds the runtime-fraction policy; risk (0..1, from the
// failure detector) shortens the adaptive interval down to MinInterval.
func (p Policy) NextAfter(last time.Time, estimatedRuntime time.Duration, risk float64) time.Time {
	switch p.Kind {
	case PolicyFixed:
		return last.Add(p.Interval)
	case PolicyRuntimeFraction:
		return last.Add(time.Duration(float64(estimatedRuntime) * p.Fraction))
	case PolicyAdaptive:
		if risk < 0 {
			risk = 0
		} else if risk > 1 {
			risk = 1
		}
		// Round, don't truncate: (1 - 0.8) is not exactly 0.2 in floats.
		interval := time.Duration(math.Round(float64(p.Interval) * (1 - risk)))
		floor := p.MinInterval
		if floor <= 0 {
			floor = p.Interval / 10
		}
		if interval < floor {
			interval = floor
		}
		return last.Add(interval)
	default:
		// Never due.
		return last.Add(100 * 365 * 24 * time.Hour)
	}
}
