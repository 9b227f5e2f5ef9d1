package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/arborworks/treeline/pkg/models"
)

// Tail defaults. The tail is a cooperative poll loop over Snapshot; these
// three knobs are its entire tuning surface.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHeartbeatInterval = 15 * time.Second
	defaultBackoffCeiling    = 30 * time.Second
	defaultStaleAfter        = 5 * time.Second
)

// TailSink receives the tail's output. Implementations adapt it to a wire
// transport (SSE) or a test recorder; any error from the sink stops the tail,
// treating the consumer as disconnected.
type TailSink interface {
	// State is called whenever the live/ended condition toggles.
	State(live bool, latestSequence int64) error

	// Event delivers one log event, in sequence order.
	Event(event *models.StreamEvent) error

	// Heartbeat is called periodically while the tail is idle.
	Heartbeat(latestSequence int64) error

	// End terminates the tail with the last known sequence and node status.
	End(lastSequence int64, status models.RunNodeStatus) error

	// Stale reports that polls have been failing beyond the freshness
	// threshold. The tail keeps retrying; the subscription is not torn down.
	Stale(reason string) error
}

// TailOptions tunes one tail loop. Zero values take the defaults.
type TailOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchLimit        int
}

// Tailer follows one attempt's event log until the attempt ends or the
// consumer goes away.
type Tailer struct {
	server *Server
	logger *slog.Logger
}

func NewTailer(server *Server, logger *slog.Logger) *Tailer {
	return &Tailer{
		server: server,
		logger: logger,
	}
}

// Tail replays the log from lastEventSequence and then follows it live:
// batches are drained back-to-back while unseen events remain, so ended is
// never reported with events still queued. Transient snapshot failures back
// off exponentially up to a ceiling, surfacing a stale notice once backoff
// exceeds the freshness threshold. Cancelling ctx stops the loop.
func (t *Tailer) Tail(ctx context.Context, sink TailSink, runID, runNodeID string, attempt int, lastEventSequence int64, opts TailOptions) error {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	limit := opts.BatchLimit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	lastSeen := lastEventSequence
	lastDelivery := time.Now()
	backoff := time.Duration(0)
	stale := false
	announcedLive := false

	for {
		snap, err := t.server.Snapshot(ctx, runID, runNodeID, attempt, lastSeen, limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			backoff = nextBackoff(backoff, pollInterval)

			if !stale && backoff > defaultStaleAfter {
				stale = true

				if sinkErr := sink.Stale(err.Error()); sinkErr != nil {
					return sinkErr
				}
			}

			t.logger.WarnContext(ctx, "Tail poll failed, backing off",
				"run_node_id", runNodeID, "attempt", attempt, "backoff", backoff, "error", err)

			if err := sleep(ctx, backoff); err != nil {
				return err
			}

			continue
		}

		if stale || backoff > 0 {
			// Recovered; re-announce the connection state.
			stale = false
			backoff = 0
			announcedLive = false
		}

		if !announcedLive {
			announcedLive = true

			if err := sink.State(!snap.Ended, snap.LatestSequence); err != nil {
				return err
			}
		}

		for _, event := range snap.Events {
			if err := sink.Event(event); err != nil {
				return err
			}

			lastSeen = event.Sequence
			lastDelivery = time.Now()
		}

		// Drain back-to-back while a full batch suggests more is queued.
		if len(snap.Events) == limit {
			continue
		}

		if snap.Ended {
			return sink.End(lastSeen, snap.NodeStatus)
		}

		if time.Since(lastDelivery) >= heartbeatInterval {
			lastDelivery = time.Now()

			if err := sink.Heartbeat(snap.LatestSequence); err != nil {
				return err
			}
		}

		if err := sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func nextBackoff(current, base time.Duration) time.Duration {
	if current <= 0 {
		return base
	}

	next := current * 2
	if next > defaultBackoffCeiling {
		return defaultBackoffCeiling
	}

	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
