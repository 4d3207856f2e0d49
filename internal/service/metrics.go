package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
)

// operationsTotal - итог операций по видам и категориям ошибок.
var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dmz_operations_total",
	Help: "Операции сторон по результату: success или категория ошибки.",
}, []string{"operation", "result"})

func observe(operation string, err error) {
	result := "success"
	if err != nil {
		result = string(relayerr.KindOf(err))
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
}
