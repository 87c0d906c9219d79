// Package metrics exposes command and snapshot statistics in Prometheus text format
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
)

// Registry owns one metrics set, so several servers in one process (tests) do not share counters
type Registry struct {
	set *metrics.Set

	snapshotDuration *metrics.Histogram
	snapshotsSaved   *metrics.Counter
	snapshotsFailed  *metrics.Counter
	snapshotKeys     *metrics.Counter
	expiredSampled   *metrics.Counter
	connections      *metrics.Counter
}

// New creates a registry. keys reports the current keyspace size, it may be nil
func New(keys func() int) *Registry {
	set := metrics.NewSet()

	r := &Registry{
		set:              set,
		snapshotDuration: set.NewHistogram(`ironcache_snapshot_duration_seconds`),
		snapshotsSaved:   set.NewCounter(`ironcache_snapshots_total{result="ok"}`),
		snapshotsFailed:  set.NewCounter(`ironcache_snapshots_total{result="error"}`),
		snapshotKeys:     set.NewCounter(`ironcache_snapshot_keys_written_total`),
		expiredSampled:   set.NewCounter(`ironcache_expired_keys_reclaimed_total`),
		connections:      set.NewCounter(`ironcache_connections_total`),
	}

	if keys != nil {
		set.NewGauge(`ironcache_keys`, func() float64 {
			return float64(keys())
		})
	}

	return r
}

// CommandExecuted counts one dispatched command and its latency
func (r *Registry) CommandExecuted(name string, d time.Duration, failed bool) {
	name = strings.ToLower(name)
	r.set.GetOrCreateCounter(fmt.Sprintf(`ironcache_commands_total{command=%q}`, name)).Inc()
	r.set.GetOrCreateHistogram(fmt.Sprintf(`ironcache_command_duration_seconds{command=%q}`, name)).Update(d.Seconds())
	if failed {
		r.set.GetOrCreateCounter(fmt.Sprintf(`ironcache_command_errors_total{command=%q}`, name)).Inc()
	}
}

// UnknownCommand counts a request naming no registered command
func (r *Registry) UnknownCommand() {
	r.set.GetOrCreateCounter(`ironcache_unknown_commands_total`).Inc()
}

// SnapshotSaved implements persistence.Observer
func (r *Registry) SnapshotSaved(d time.Duration, records int) {
	r.snapshotDuration.Update(d.Seconds())
	r.snapshotsSaved.Inc()
	r.snapshotKeys.Add(records)
}

// SnapshotFailed implements persistence.Observer
func (r *Registry) SnapshotFailed() {
	r.snapshotsFailed.Inc()
}

// ExpiredReclaimed counts keys removed by the active-expiry sampler
func (r *Registry) ExpiredReclaimed(n int) {
	if n > 0 {
		r.expiredSampled.Add(n)
	}
}

// ConnectionAccepted counts a new client connection
func (r *Registry) ConnectionAccepted() {
	r.connections.Inc()
}

// WritePrometheus writes every metric of the registry in Prometheus text format
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}

// Handler serves the registry on any path
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (r *Registry) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	return r.ServeListener(ctx, ln, logger)
}

// ServeListener is Serve on an already bound listener
func (r *Registry) ServeListener(ctx context.Context, ln net.Listener, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}
