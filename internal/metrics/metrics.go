// Package metrics exposes trackwatch's core pipeline counters as a
// prometheus.Collector, gathered from live providers at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamStatusEntry represents the lifecycle state of a single stream worker.
type StreamStatusEntry struct {
	StreamName string
	State      string
}

// StreamStatusProvider exposes stream worker lifecycle states.
type StreamStatusProvider interface {
	GetAllStreamStatuses() []StreamStatusEntry
}

// FanoutStatsProvider exposes aggregate admission-control statistics
// across all in-flight provider fan-out calls.
type FanoutStatsProvider interface {
	GlobalInFlight() int64
	PerProviderInFlight(provider string) int64
	SkippedTotal() uint64
}

// RecognitionStatsProvider exposes recognition attempt counters by outcome.
type RecognitionStatsProvider interface {
	// RecognitionCounts returns cumulative counts keyed by (provider, outcome),
	// outcome one of "match", "no_match", "error".
	RecognitionCounts() map[[2]string]uint64
}

// PlayStatsProvider exposes confirmed-play counters.
type PlayStatsProvider interface {
	ConfirmedPlaysTotal() uint64
}

// Collector is a prometheus.Collector that gathers trackwatch metrics at
// scrape time, following the teacher's pull-at-scrape pattern.
type Collector struct {
	streams      StreamStatusProvider
	fanout       FanoutStatsProvider
	recognitions RecognitionStatsProvider
	plays        PlayStatsProvider
	providerNames []string
	startTime    time.Time

	streamStateDesc        *prometheus.Desc
	globalInflightDesc      *prometheus.Desc
	providerInflightDesc    *prometheus.Desc
	fanoutSkippedDesc       *prometheus.Desc
	recognitionsTotalDesc   *prometheus.Desc
	playsConfirmedDesc      *prometheus.Desc
	uptimeDesc              *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	streams StreamStatusProvider,
	fanout FanoutStatsProvider,
	recognitions RecognitionStatsProvider,
	plays PlayStatsProvider,
	providerNames []string,
	startTime time.Time,
) *Collector {
	return &Collector{
		streams:       streams,
		fanout:        fanout,
		recognitions:  recognitions,
		plays:         plays,
		providerNames: providerNames,
		startTime:     startTime,

		streamStateDesc: prometheus.NewDesc(
			"trackwatch_stream_state",
			"Stream worker lifecycle state (1=current state, one series per state per stream)",
			[]string{"stream", "state"}, nil,
		),
		globalInflightDesc: prometheus.NewDesc(
			"trackwatch_recognitions_inflight",
			"Number of recognize calls currently in flight globally",
			nil, nil,
		),
		providerInflightDesc: prometheus.NewDesc(
			"trackwatch_provider_recognitions_inflight",
			"Number of recognize calls currently in flight for a provider",
			[]string{"provider"}, nil,
		),
		fanoutSkippedDesc: prometheus.NewDesc(
			"trackwatch_fanout_skipped_total",
			"Total recognize calls skipped due to admission-control capacity exhaustion",
			nil, nil,
		),
		recognitionsTotalDesc: prometheus.NewDesc(
			"trackwatch_recognitions_total",
			"Total recognition attempts by provider and outcome",
			[]string{"provider", "outcome"}, nil,
		),
		playsConfirmedDesc: prometheus.NewDesc(
			"trackwatch_plays_confirmed_total",
			"Total two-hit confirmations emitted, including ones the store dropped as dedup no-ops",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"trackwatch_uptime_seconds",
			"Seconds since the trackwatch process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamStateDesc
	ch <- c.globalInflightDesc
	ch <- c.providerInflightDesc
	ch <- c.fanoutSkippedDesc
	ch <- c.recognitionsTotalDesc
	ch <- c.playsConfirmedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.streams != nil {
		for _, s := range c.streams.GetAllStreamStatuses() {
			ch <- prometheus.MustNewConstMetric(
				c.streamStateDesc, prometheus.GaugeValue, 1, s.StreamName, s.State,
			)
		}
	}

	if c.fanout != nil {
		ch <- prometheus.MustNewConstMetric(
			c.globalInflightDesc, prometheus.GaugeValue, float64(c.fanout.GlobalInFlight()),
		)
		for _, name := range c.providerNames {
			ch <- prometheus.MustNewConstMetric(
				c.providerInflightDesc, prometheus.GaugeValue,
				float64(c.fanout.PerProviderInFlight(name)), name,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.fanoutSkippedDesc, prometheus.CounterValue, float64(c.fanout.SkippedTotal()),
		)
	}

	if c.recognitions != nil {
		for key, count := range c.recognitions.RecognitionCounts() {
			provider, outcome := key[0], key[1]
			ch <- prometheus.MustNewConstMetric(
				c.recognitionsTotalDesc, prometheus.CounterValue, float64(count), provider, outcome,
			)
		}
	}

	if c.plays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.playsConfirmedDesc, prometheus.CounterValue, float64(c.plays.ConfirmedPlaysTotal()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
