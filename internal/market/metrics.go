package market

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

// operationsTotal counts engine entry points by operation and outcome.
var operationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "uniqx_operations_total",
		Help: "Total engine operations by operation and result",
	},
	[]string{"op", "result"},
)

// ordersListed tracks the number of live orders in the book.
var ordersListed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "uniqx_orders_listed",
		Help: "Number of live orders in the order book",
	},
)

// salesTotal counts settled assets by trading format.
var salesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "uniqx_sales_total",
		Help: "Total assets settled by trading format",
	},
	[]string{"format"},
)

// feesCollectedTotal accumulates fee proceeds in base units. Counters are
// float64; precision loss here is a reporting concern only, settlement math
// stays exact.
var feesCollectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "uniqx_fees_collected_base_units_total",
		Help: "Total fee proceeds routed to the fee sink, in base units",
	},
)

func init() {
	prometheus.MustRegister(operationsTotal, ordersListed, salesTotal, feesCollectedTotal)
}

func observeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

func observeFee(fee *big.Int) {
	f, _ := new(big.Float).SetInt(fee).Float64()
	feesCollectedTotal.Add(f)
}
