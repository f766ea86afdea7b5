// Package metrics exports the process stream counters and the relay's room
// state as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/hybridsync/internal/util"
)

const namespace = "hybridsync"

// Metrics holds the collectors of one process. Stream counters are read from
// util.Stats at scrape time; relay collectors are updated by the relay.
type Metrics struct {
	registry *prometheus.Registry

	// Relay metrics
	RelayConnections *prometheus.CounterVec // by result: accepted, rejected
	FramesForwarded  prometheus.Counter
	FramesDropped    *prometheus.CounterVec // by reason: malformed, queue_full
	ActiveRooms      prometheus.Gauge
}

// New creates a registry with the Go runtime collectors and every
// hybridsync metric registered on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	counter := func(name, help string, v func() int64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v()) })
	}
	gauge := func(name, help string, v func() int64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v()) })
	}

	// Stream metrics
	counter("packets_sent_total", "Total number of stream packets handed to the transport", util.Stats.PacketsSent.Load)
	counter("packets_received_total", "Total number of stream packets delivered by the transport", util.Stats.PacketsRecv.Load)
	counter("packets_dropped_total", "Total number of stream packets lost to emit failures or buffer policy", util.Stats.PacketsDropped.Load)
	counter("packets_played_total", "Total number of stream packets dequeued for playback", util.Stats.PacketsPlayed.Load)
	counter("decode_failures_total", "Total number of audio chunks that failed to decode", util.Stats.DecodeFailures.Load)
	counter("vectors_sent_total", "Total number of vector events bundled into sent packets", util.Stats.VectorsSent.Load)
	counter("vectors_applied_total", "Total number of vector events replayed at the receiver", util.Stats.VectorsApplied.Load)
	counter("audio_bytes_sent_total", "Total encoded audio bytes sent", util.Stats.BytesSent.Load)
	counter("audio_bytes_received_total", "Total encoded audio bytes received", util.Stats.BytesRecv.Load)
	gauge("jitter_buffer_depth", "Current number of packets waiting in the jitter buffer", util.Stats.BufferDepth.Load)
	gauge("relay_members", "Current number of members connected to the relay", util.Stats.RelayMembers.Load)

	return &Metrics{
		registry: reg,
		RelayConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connections_total",
			Help:      "Total number of relay join attempts",
		}, []string{"result"}),
		FramesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_forwarded_total",
			Help:      "Total number of frames queued to relay members",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Total number of frames the relay did not forward",
		}, []string{"reason"}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_active_rooms",
			Help:      "Current number of class rooms with at least one member",
		}),
	}
}

// RecordConnection records one relay join attempt.
func (m *Metrics) RecordConnection(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.RelayConnections.WithLabelValues("accepted").Inc()
	} else {
		m.RelayConnections.WithLabelValues("rejected").Inc()
	}
}

// RecordForwarded records frames queued to members.
func (m *Metrics) RecordForwarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesForwarded.Add(float64(n))
}

// RecordDropped records frames the relay gave up for reason.
func (m *Metrics) RecordDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Add(float64(n))
}

// SetActiveRooms updates the room gauge.
func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("Metrics available at http://%s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
