package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_chat_requests_total",
		Help: "Chat stream requests by outcome.",
	}, []string{"outcome"})

	activeStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_streams",
		Help: "Streams currently open to clients.",
	})

	streamStopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_stream_stops_total",
		Help: "Out-of-band stop requests that cancelled a live stream.",
	})

	toolEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_tool_events_total",
		Help: "Tool executions surfaced to clients, by tool name.",
	}, []string{"tool"})
)
