package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SignalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefabric_signals_received_total",
			Help: "Signals accepted onto the ingress queue (by source class).",
		},
		[]string{"source"},
	)

	SignalsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefabric_signals_superseded_total",
			Help: "Signals that lost arbitration.",
		},
	)

	TicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefabric_ticks_dropped_total",
			Help: "Price ticks dropped by the overflow policy.",
		},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefabric_orders_submitted_total",
			Help: "Broker orders submitted (by intent).",
		},
		[]string{"intent"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefabric_trades_closed_total",
			Help: "Terminal trade transitions (by exit reason).",
		},
		[]string{"reason"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefabric_positions_open",
			Help: "Currently open (non-terminal) trades.",
		},
	)

	EmergencyStop = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefabric_emergency_stop",
			Help: "1 while the emergency-stop latch is set.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsReceived,
		SignalsSuperseded,
		TicksDropped,
		OrdersSubmitted,
		TradesClosed,
		PositionsOpen,
		EmergencyStop,
	)
}
