package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StockMovements counts inventory mutations by movement type
	// (purchase, transfer, sale, refund, adjustment, writeoff).
	StockMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stock_movements_total",
			Help: "Total number of recorded stock movements by type",
		},
		[]string{"type"},
	)

	// OpenShifts tracks the number of currently open shifts.
	OpenShifts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "open_shifts",
			Help: "Number of currently open shifts",
		},
	)

	ExportedTransactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exported_transactions_total",
			Help: "Total number of transactions handed to the export sink",
		},
	)
)

// Middleware records a counter and duration histogram per request.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			method := c.Request().Method
			path := c.Path()
			RequestCounter.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
			RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
