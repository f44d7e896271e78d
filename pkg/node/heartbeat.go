package node

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
)

// Heartbeat cadence. A minute is shaved off so the next cycle's check
// lands just inside the window instead of just after it.
const (
	heartbeatIntervalTestnet = 1*time.Hour - time.Minute
	heartbeatIntervalMainnet = 12*time.Hour - time.Minute
)

func (w *Worker) heartbeatInterval() time.Duration {
	if w.net.IsTestnet() {
		return heartbeatIntervalTestnet
	}
	return heartbeatIntervalMainnet
}

// stampExpired reports whether the unix-seconds stamp at path is older
// than interval. A missing or unreadable stamp counts as expired.
func stampExpired(path string, interval time.Duration, now time.Time) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	saved, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		saved = 0
	}
	return now.Unix()-saved >= int64(interval.Seconds())
}

// writeStamp refreshes the stamp at path if it has expired, reporting
// whether it was written.
func writeStamp(path string, interval time.Duration, now time.Time) bool {
	if !stampExpired(path, interval, now) {
		return false
	}
	os.WriteFile(path, []byte(strconv.FormatInt(now.Unix(), 10)), 0o644)
	return true
}

// maybeHeartbeat reports liveness to the heartbeat contract when the
// interval has elapsed. Called from every discovery iteration; the
// stamp file keeps the actual transaction rate at one per interval.
func (w *Worker) maybeHeartbeat(ctx context.Context) {
	interval := w.heartbeatInterval()
	if !stampExpired(w.paths.HeartbeatStamp, interval, time.Now()) {
		return
	}

	w.logger.Info().Msg("calling heartbeat")
	w.rpcPause()
	if err := w.chain.LogCall(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("failed to send heartbeat")
		return
	}
	w.logger.Info().Msg("heartbeat confirmed")
	metrics.HeartbeatsSent.WithLabelValues(w.net.Name).Inc()
	writeStamp(w.paths.HeartbeatStamp, interval, time.Now())
}
