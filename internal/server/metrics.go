package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfinder_resolves_total",
		Help: "Resolution requests by outcome.",
	}, []string{"result"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamfinder_resolve_duration_seconds",
		Help:    "End-to-end resolution latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfinder_proxy_requests_total",
		Help: "Proxied HLS fetches by resource kind and outcome.",
	}, []string{"kind", "outcome"})

	upstreamInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamfinder_upstream_invalidations_total",
		Help: "Cache entries dropped after a permanent upstream rejection.",
	})

	subtitleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamfinder_subtitle_requests_total",
		Help: "Subtitle normalizations by outcome.",
	}, []string{"outcome"})
)
