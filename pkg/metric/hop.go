package metric

import "github.com/lqsrnet/meshcore/pkg/common"

// HopEngine is the trivial metric: every link costs 1, paths are summed.
type HopEngine struct{}

func (*HopEngine) Type() Type { return TypeHop }

func (*HopEngine) IsInfinite(m LinkMetric) bool { return m == 0xFFFFFFFF }

func (*HopEngine) LinkToPathComponent(m LinkMetric) uint64 { return uint64(m) }

func (*HopEngine) PathMetric(links []LinkMetric) uint64 {
	var sum uint64
	for _, m := range links {
		sum += uint64(m)
	}
	return sum
}

func (*HopEngine) InitLinkMetric(bool, common.Tick) LinkMetric { return 1 }

func (*HopEngine) Penalize(m LinkMetric) LinkMetric {
	if m >= 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return m + 1
}
