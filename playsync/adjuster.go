package playsync

import (
	"fmt"
	"math"

	"github.com/gwuhaolin/livesync/av"
)

const (
	DefaultHardThreshold = 0.5  // seconds; beyond this a follower is seeked
	DefaultSoftThreshold = 0.08 // seconds; within this a follower plays at 1.0
	DefaultGain          = 0.5
	DefaultMaxRateOffset = 0.08
)

// ActionKind tags a correction.
type ActionKind uint8

const (
	NoOp ActionKind = iota
	Slew
	Step
)

func (k ActionKind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Slew:
		return "slew"
	case Step:
		return "step"
	default:
		return "unknown"
	}
}

// Action is the correction computed for one follower in one tick. Rate is the
// rate the follower must end up with; Target is only meaningful for Step.
type Action struct {
	Kind   ActionKind
	Rate   float64
	Target float64
}

func (a Action) String() string {
	switch a.Kind {
	case Slew:
		return fmt.Sprintf("slew(%.3f)", a.Rate)
	case Step:
		return fmt.Sprintf("step(%.3f)", a.Target)
	default:
		return a.Kind.String()
	}
}

// Policy holds the slew/step tuning.
type Policy struct {
	HardThreshold float64
	SoftThreshold float64
	Gain          float64
	MaxRateOffset float64
}

func DefaultPolicy() Policy {
	return Policy{
		HardThreshold: DefaultHardThreshold,
		SoftThreshold: DefaultSoftThreshold,
		Gain:          DefaultGain,
		MaxRateOffset: DefaultMaxRateOffset,
	}
}

func (p Policy) Validate() error {
	if p.SoftThreshold < 0 {
		return fmt.Errorf("soft threshold must not be negative, got %f", p.SoftThreshold)
	}
	if p.HardThreshold <= p.SoftThreshold {
		return fmt.Errorf("hard threshold (%f) must be greater than soft threshold (%f)", p.HardThreshold, p.SoftThreshold)
	}
	if p.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", p.Gain)
	}
	if p.MaxRateOffset <= 0 || p.MaxRateOffset >= 1 {
		return fmt.Errorf("max rate offset must be in (0, 1), got %f", p.MaxRateOffset)
	}
	return nil
}

// Adjust maps offset (follower minus master, seconds) to a correction. It is
// pure: the same inputs always give the same action.
func (p Policy) Adjust(offset, masterPosition float64) Action {
	drift := math.Abs(offset)
	switch {
	case drift > p.HardThreshold:
		return Action{Kind: Step, Rate: av.NeutralRate, Target: masterPosition}
	case drift > p.SoftThreshold:
		rate := av.NeutralRate - p.Gain*offset
		rate = math.Max(rate, av.NeutralRate-p.MaxRateOffset)
		rate = math.Min(rate, av.NeutralRate+p.MaxRateOffset)
		return Action{Kind: Slew, Rate: rate}
	default:
		return Action{Kind: NoOp, Rate: av.NeutralRate}
	}
}
