package statistics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	rttLast = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ping_relay_rtt_ms",
		Help: "most recent round-trip time in milliseconds",
	}, []string{"fifo"})
	rttAverage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ping_relay_rtt_avg_ms",
		Help: "average round-trip time over the sliding window in milliseconds",
	}, []string{"fifo"})
	rttJitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ping_relay_rtt_jitter_ms",
		Help: "mean absolute difference between consecutive samples in the window",
	}, []string{"fifo"})
	windowSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ping_relay_window_samples",
		Help: "number of samples currently held in the sliding window",
	}, []string{"fifo"})
	samplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ping_relay_samples_total",
		Help: "number of RTT samples extracted from the relay channel",
	}, []string{"fifo"})
)

// Observe publishes a snapshot under the given channel path.
func Observe(fifo string, s Snapshot) {
	rttLast.WithLabelValues(fifo).Set(s.RTT)
	rttAverage.WithLabelValues(fifo).Set(s.Average)
	rttJitter.WithLabelValues(fifo).Set(s.Jitter)
	windowSize.WithLabelValues(fifo).Set(float64(s.Count))
	samplesTotal.WithLabelValues(fifo).Inc()
}

// Serve exposes the metrics on addr until ctx is done.
func Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.Infof("Serving metrics on %s%s", addr, path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
