// Package metric implements the five interchangeable link-quality
// estimators of spec.md §4.4: HOP, RTT, PktPair, ETX and WCETT. Each
// engine shares the same capability set; the "metric type" is both a
// configuration choice and part of the MAC-key mix (spec.md §9,
// "Polymorphism over the metric" — modeled here as one interface with
// five implementations rather than a hand-rolled vtable).
package metric

import "github.com/lqsrnet/meshcore/pkg/common"

// Type identifies which engine is active, matching the wire MetricType
// values of lqsr.h.
type Type uint32

const (
	TypeHop     Type = 0
	TypeRTT     Type = 1
	TypePktPair Type = 2
	TypeETX     Type = 3
	TypeWCETT   Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeHop:
		return "HOP"
	case TypeRTT:
		return "RTT"
	case TypePktPair:
		return "PktPair"
	case TypeETX:
		return "ETX"
	case TypeWCETT:
		return "WCETT"
	default:
		return "unknown"
	}
}

// LinkMetric is the metric-specific 32-bit encoding stored on a link.
type LinkMetric = uint32

// MaxAlpha bounds the alpha/beta smoothing parameters (spec.md §4.4).
const MaxAlpha = 10

// Engine is the pure, numeric half of a metric engine's capability set:
// the parts the link cache needs synchronously while holding its lock.
// Probing (which may emit wire frames) is a separate, adapter-level
// concern — see Prober in probe.go.
type Engine interface {
	Type() Type
	// IsInfinite reports whether a link metric should be excluded from
	// shortest-path computation.
	IsInfinite(m LinkMetric) bool
	// LinkToPathComponent converts one link's metric into the unit the
	// path aggregator works in.
	LinkToPathComponent(m LinkMetric) uint64
	// PathMetric aggregates a full path's per-link metrics into one path
	// cost. Not always additive (see WCETT).
	PathMetric(links []LinkMetric) uint64
	// InitLinkMetric returns the metric a newly-discovered link should
	// start with.
	InitLinkMetric(selfOriginating bool, now common.Tick) LinkMetric
	// Penalize applies a metric-specific multiplicative penalty,
	// returning the new metric.
	Penalize(m LinkMetric) LinkMetric
}

// Params bounds every metric's configurable parameters to the ranges of
// spec.md §4.4.
type Params struct {
	Alpha             int           // 0..MaxAlpha
	Beta              int           // 0..MaxAlpha (WCETT only)
	ProbePeriod       common.Tick   // 100ms..429s
	LossInterval      common.Tick   // 100ms..60s
	PenaltyFactor     int           // 1..32
	SweepPeriod       common.Tick   // 1ms..429s (RTT only)
	PktPairMinOverProbes int        // >=1 (WCETT/PktPair)
}

const (
	MinProbePeriod  = common.Tick(100 * 10_000)        // 100ms in ticks
	MaxProbePeriod  = common.Tick(429) * common.TicksPerSecond
	MinLossInterval = common.Tick(100 * 10_000)
	MaxLossInterval = common.Tick(60) * common.TicksPerSecond
	MinSweepPeriod  = common.Tick(1 * 10_000)
	MaxSweepPeriod  = common.Tick(429) * common.TicksPerSecond
)

// Validate checks every bound spec.md §4.4 lists, returning a
// descriptive error naming the first violated field.
func (p Params) Validate() error {
	if p.Alpha < 0 || p.Alpha > MaxAlpha {
		return boundErr("Alpha", p.Alpha, "0..10")
	}
	if p.Beta < 0 || p.Beta > MaxAlpha {
		return boundErr("Beta", p.Beta, "0..10")
	}
	if p.ProbePeriod != 0 && (p.ProbePeriod < MinProbePeriod || p.ProbePeriod > MaxProbePeriod) {
		return boundErr("ProbePeriod", p.ProbePeriod, "100ms..429s")
	}
	if p.LossInterval != 0 && (p.LossInterval < MinLossInterval || p.LossInterval > MaxLossInterval) {
		return boundErr("LossInterval", p.LossInterval, "100ms..60s")
	}
	if p.PenaltyFactor != 0 && (p.PenaltyFactor < 1 || p.PenaltyFactor > 32) {
		return boundErr("PenaltyFactor", p.PenaltyFactor, "1..32")
	}
	if p.SweepPeriod != 0 && (p.SweepPeriod < MinSweepPeriod || p.SweepPeriod > MaxSweepPeriod) {
		return boundErr("SweepPeriod", p.SweepPeriod, "1ms..429s")
	}
	if p.PktPairMinOverProbes != 0 && p.PktPairMinOverProbes < 1 {
		return boundErr("PktPairMinOverProbes", p.PktPairMinOverProbes, ">=1")
	}
	return nil
}

func boundErr(name string, value any, bound string) error {
	return &paramErr{name: name, value: value, bound: bound}
}

type paramErr struct {
	name  string
	value any
	bound string
}

func (e *paramErr) Error() string {
	return "metric: " + e.name + " out of bounds, want " + e.bound
}

// New constructs the engine for a given type with default parameters
// filled in for any zero field.
func New(t Type, p Params) Engine {
	p = withDefaults(p)
	switch t {
	case TypeHop:
		return &HopEngine{}
	case TypeRTT:
		return &RTTEngine{params: p}
	case TypePktPair:
		return &PktPairEngine{params: p}
	case TypeETX:
		return &ETXEngine{params: p}
	case TypeWCETT:
		return &WCETTEngine{params: p}
	default:
		return &HopEngine{}
	}
}

func withDefaults(p Params) Params {
	if p.ProbePeriod == 0 {
		p.ProbePeriod = common.TicksPerSecond // 1s default probe period
	}
	if p.LossInterval == 0 {
		p.LossInterval = 30 * common.TicksPerSecond
	}
	if p.SweepPeriod == 0 {
		p.SweepPeriod = common.TicksPerSecond
	}
	if p.PenaltyFactor == 0 {
		p.PenaltyFactor = 2
	}
	if p.PktPairMinOverProbes == 0 {
		p.PktPairMinOverProbes = 4
	}
	return p
}
