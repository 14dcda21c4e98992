// Package metrics wires the counters and gauges spec.md §7's error
// taxonomy and the per-component high-water statistics require into
// Prometheus collectors, and exposes them the same way the teacher's
// cmd/ghostnodes/main.go mounts promhttp.Handler() at "/metrics".
// Collector construction follows the promauto.NewCounterVec/NewGaugeVec
// style of the kubePulse exporter rather than hand-registering each
// collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric the daemon exports. It is constructed
// once per process and passed by reference to each component that
// needs to record against it.
type Collectors struct {
	// FrameErrors counts dropped or rejected frames by the lqsrerr
	// sentinel name that caused the drop (spec.md §7's error taxonomy:
	// mac_failure, malformed_option, payload_too_small, no_route,
	// queue_full, buffer_too_small, too_many_options, resources,
	// link_timeout, salvage_impossible).
	FrameErrors *prometheus.CounterVec

	// RouteRequestsSent counts originated Route Requests, and
	// RouteRequestsSuppressed counts ones dropped by the request
	// table's duplicate-suppression ring (pkg/reqtable.Table.Suppress).
	RouteRequestsSent        prometheus.Counter
	RouteRequestsSuppressed  prometheus.Counter
	RouteRepliesSent         prometheus.Counter
	BroadcastQueueDropped    prometheus.Counter
	BroadcastQueueDepth      prometheus.Gauge

	// SendBufferDepth and SendBufferHighWater mirror
	// pkg/sendbuf.Buffer.Len/HighWater.
	SendBufferDepth     prometheus.Gauge
	SendBufferHighWater prometheus.Gauge

	// MaintBufferDepth and MaintBufferHighWater mirror
	// pkg/maintbuf.Buffer.Stats().NumPackets/HighWater.
	MaintBufferDepth     prometheus.Gauge
	MaintBufferHighWater prometheus.Gauge

	// AcksReceived splits fast-path (next hop on the wire) acks from
	// passive (overheard forward) acks, matching maintbuf's two
	// acknowledgement sources.
	AcksReceived *prometheus.CounterVec

	// LinksTimedOut counts pkg/maintbuf reporting a FailedLink to the
	// link cache; PacketsSalvaged and SalvageFailed count the two
	// outcomes of pkg/maintbuf.Buffer.Salvage.
	LinksTimedOut   prometheus.Counter
	PacketsSalvaged prometheus.Counter
	SalvageFailed   prometheus.Counter

	// PiggybackPending mirrors pkg/piggyback.Coalescer.Pending per
	// next-hop coalescing window.
	PiggybackPending prometheus.Gauge

	// LinkCacheDegree mirrors pkg/linkcache.Cache.MyDegree, the number
	// of neighbors currently considered reachable.
	LinkCacheDegree prometheus.Gauge
}

// New constructs every collector and registers it against reg. Pass
// prometheus.DefaultRegisterer to expose them on the default registry,
// as the teacher does implicitly via promhttp.Handler().
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "frame",
			Name:      "errors_total",
			Help:      "Frames dropped or rejected, labeled by the lqsrerr sentinel that caused the drop.",
		}, []string{"reason"}),

		RouteRequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "route_discovery",
			Name:      "requests_sent_total",
			Help:      "Route Requests originated by this node.",
		}),
		RouteRequestsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "route_discovery",
			Name:      "requests_suppressed_total",
			Help:      "Route Requests dropped by the duplicate-suppression table.",
		}),
		RouteRepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "route_discovery",
			Name:      "replies_sent_total",
			Help:      "Route Replies emitted, as originator or forwarder.",
		}),
		BroadcastQueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "forwarder",
			Name:      "broadcast_queue_dropped_total",
			Help:      "Route Requests evicted from the broadcast queue because it was full.",
		}),
		BroadcastQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "forwarder",
			Name:      "broadcast_queue_depth",
			Help:      "Current number of Route Requests awaiting jittered rebroadcast.",
		}),

		SendBufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "sendbuf",
			Name:      "depth",
			Help:      "Packets currently queued awaiting a source route.",
		}),
		SendBufferHighWater: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "sendbuf",
			Name:      "high_water",
			Help:      "Largest send buffer depth observed since the last reset.",
		}),

		MaintBufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "depth",
			Help:      "Packets currently awaiting acknowledgement across all next hops.",
		}),
		MaintBufferHighWater: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "high_water",
			Help:      "Largest maintenance buffer depth observed since the last reset.",
		}),

		AcksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "acks_received_total",
			Help:      "Acknowledgements received, labeled by source.",
		}, []string{"source"}),

		LinksTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "links_timed_out_total",
			Help:      "Links reported failed to the link cache after exhausting retransmissions.",
		}),
		PacketsSalvaged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "packets_salvaged_total",
			Help:      "Packets successfully rerouted onto an alternate source route after a link failure.",
		}),
		SalvageFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lqsr",
			Subsystem: "maintbuf",
			Name:      "salvage_failed_total",
			Help:      "Packets that could not be salvaged and were completed with failure.",
		}),

		PiggybackPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "piggyback",
			Name:      "pending",
			Help:      "Options still queued for the next hop most recently flushed by the piggyback timeout sweep.",
		}),

		LinkCacheDegree: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lqsr",
			Subsystem: "linkcache",
			Name:      "degree",
			Help:      "Number of neighbors this node currently considers reachable.",
		}),
	}
}

// ObserveFrameError increments FrameErrors for the given lqsrerr reason.
// Callers pass a short stable label (e.g. "mac_failure"), not err.Error(),
// so the label cardinality stays fixed regardless of wrapped context.
func (c *Collectors) ObserveFrameError(reason string) {
	c.FrameErrors.WithLabelValues(reason).Inc()
}

// Handler returns the HTTP handler to mount at "/metrics", matching the
// teacher's r.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).
func Handler() http.Handler {
	return promhttp.Handler()
}
