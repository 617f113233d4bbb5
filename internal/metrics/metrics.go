package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MalformedPackets counts ingress packets dropped before flow dispatch.
	MalformedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunrelay_malformed_packets_total",
		Help: "Ingress packets dropped during decode, by reason.",
	}, []string{"reason"})

	// ResetsSent counts TCP RST segments emitted toward the TUN side.
	ResetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunrelay_tcp_resets_sent_total",
		Help: "TCP RST segments emitted, by reason.",
	}, []string{"reason"})

	// Retransmissions counts TCP segments sent more than once.
	Retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunrelay_tcp_retransmissions_total",
		Help: "TCP segments retransmitted after timeout or duplicate ACKs.",
	})

	// FlowsCreated counts flow records created, by protocol.
	FlowsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunrelay_flows_created_total",
		Help: "Flow records created, by protocol.",
	}, []string{"proto"})

	// FlowsEvicted counts flow records removed, by protocol and cause.
	FlowsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunrelay_flows_evicted_total",
		Help: "Flow records removed, by protocol and cause.",
	}, []string{"proto", "cause"})

	// LiveFlows tracks the current number of flow records, by protocol.
	LiveFlows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunrelay_live_flows",
		Help: "Current flow records, by protocol.",
	}, []string{"proto"})

	// RelayedBytes counts application payload bytes moved, by direction.
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tunrelay_relayed_bytes_total",
		Help: "Application bytes relayed, by direction (up = TUN to host).",
	}, []string{"direction"})
)

// Serve runs the Prometheus endpoint until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
