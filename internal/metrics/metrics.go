package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live call sessions.
type ActiveCallsProvider interface {
	GetActiveCallCount() int
}

// RegistrationProvider exposes the SIP registrar's current status.
type RegistrationProvider interface {
	RegistrationSnapshot() (status string, registered bool)
}

// RTPStatsProvider returns aggregate RTP packet/byte counters across
// every live call.
type RTPStatsProvider interface {
	AggregateRTPStats() (packetsReceived, packetsSent, bytesReceived, bytesSent uint64)
}

// ToolInvocationProvider returns cumulative home-automation tool
// invocation counts.
type ToolInvocationProvider interface {
	InvocationStats() (total, failed uint64)
}

// Collector is a prometheus.Collector that gathers voice-bridge metrics
// at scrape time.
type Collector struct {
	activeCalls  ActiveCallsProvider
	registration RegistrationProvider
	rtp          RTPStatsProvider
	toolInvokes  ToolInvocationProvider
	startTime    time.Time

	activeCallsDesc      *prometheus.Desc
	registrationDesc     *prometheus.Desc
	rtpPacketsRecvDesc   *prometheus.Desc
	rtpPacketsSentDesc   *prometheus.Desc
	rtpBytesRecvDesc     *prometheus.Desc
	rtpBytesSentDesc     *prometheus.Desc
	toolInvokesTotalDesc *prometheus.Desc
	toolInvokesFailDesc  *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable; its metrics are simply omitted from a scrape.
func NewCollector(
	activeCalls ActiveCallsProvider,
	registration RegistrationProvider,
	rtp RTPStatsProvider,
	toolInvokes ToolInvocationProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls:  activeCalls,
		registration: registration,
		rtp:          rtp,
		toolInvokes:  toolInvokes,
		startTime:    startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of currently active call sessions",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"voicebridge_registered",
			"SIP registration state (1=registered, 0=other)",
			[]string{"status"}, nil,
		),
		rtpPacketsRecvDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_received_total",
			"Total RTP packets received across all calls",
			nil, nil,
		),
		rtpPacketsSentDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_sent_total",
			"Total RTP packets sent across all calls",
			nil, nil,
		),
		rtpBytesRecvDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_received_total",
			"Total RTP bytes received across all calls",
			nil, nil,
		),
		rtpBytesSentDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_sent_total",
			"Total RTP bytes sent across all calls",
			nil, nil,
		),
		toolInvokesTotalDesc: prometheus.NewDesc(
			"voicebridge_tool_invocations_total",
			"Total home-automation tool invocations",
			nil, nil,
		),
		toolInvokesFailDesc: prometheus.NewDesc(
			"voicebridge_tool_invocations_failed_total",
			"Total home-automation tool invocations that did not succeed",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the voice-bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationDesc
	ch <- c.rtpPacketsRecvDesc
	ch <- c.rtpPacketsSentDesc
	ch <- c.rtpBytesRecvDesc
	ch <- c.rtpBytesSentDesc
	ch <- c.toolInvokesTotalDesc
	ch <- c.toolInvokesFailDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time; a nil provider contributes no samples.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.GetActiveCallCount()),
		)
	}

	if c.registration != nil {
		status, registered := c.registration.RegistrationSnapshot()
		val := 0.0
		if registered {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registrationDesc, prometheus.GaugeValue, val, status,
		)
	}

	if c.rtp != nil {
		packetsRecv, packetsSent, bytesRecv, bytesSent := c.rtp.AggregateRTPStats()
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsRecvDesc, prometheus.CounterValue, float64(packetsRecv))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsSentDesc, prometheus.CounterValue, float64(packetsSent))
		ch <- prometheus.MustNewConstMetric(c.rtpBytesRecvDesc, prometheus.CounterValue, float64(bytesRecv))
		ch <- prometheus.MustNewConstMetric(c.rtpBytesSentDesc, prometheus.CounterValue, float64(bytesSent))
	}

	if c.toolInvokes != nil {
		total, failed := c.toolInvokes.InvocationStats()
		ch <- prometheus.MustNewConstMetric(c.toolInvokesTotalDesc, prometheus.CounterValue, float64(total))
		ch <- prometheus.MustNewConstMetric(c.toolInvokesFailDesc, prometheus.CounterValue, float64(failed))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
