package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborworks/treeline/pkg/models"
)

// recordingSink captures everything the tail delivers. Optional hooks let a
// test react mid-stream (append more events, cancel the context).
type recordingSink struct {
	mu sync.Mutex

	states     []bool
	events     []*models.StreamEvent
	heartbeats []int64
	staleWhy   []string

	ended      bool
	endSeq     int64
	endStatus  models.RunNodeStatus
	onEvent    func(event *models.StreamEvent) error
	onHeartbeat func() error
	staleErr   error
}

func (s *recordingSink) State(live bool, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = append(s.states, live)

	return nil
}

func (s *recordingSink) Event(event *models.StreamEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	hook := s.onEvent
	s.mu.Unlock()

	if hook != nil {
		return hook(event)
	}

	return nil
}

func (s *recordingSink) Heartbeat(latestSequence int64) error {
	s.mu.Lock()
	s.heartbeats = append(s.heartbeats, latestSequence)
	hook := s.onHeartbeat
	s.mu.Unlock()

	if hook != nil {
		return hook()
	}

	return nil
}

func (s *recordingSink) End(lastSequence int64, status models.RunNodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true
	s.endSeq = lastSequence
	s.endStatus = status

	return nil
}

func (s *recordingSink) Stale(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staleWhy = append(s.staleWhy, reason)

	return s.staleErr
}

func (s *recordingSink) sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, 0, len(s.events))
	for _, event := range s.events {
		seqs = append(seqs, event.Sequence)
	}

	return seqs
}

func newTestTailer(store *Server) *Tailer {
	return NewTailer(store, slog.Default())
}

func TestTail_ReplaysTerminalLogAndEnds(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusCompleted)
	appendEvents(t, store, node, 5)

	sink := &recordingSink{}
	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 0, TailOptions{})
	require.NoError(t, err)

	assert.Equal(t, []bool{false}, sink.states, "terminal log announces not-live")
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sink.sequences())
	assert.True(t, sink.ended)
	assert.Equal(t, int64(5), sink.endSeq)
	assert.Equal(t, models.RunNodeStatusCompleted, sink.endStatus)
}

func TestTail_DrainsFullBatchesBeforeEnding(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusCompleted)
	appendEvents(t, store, node, 7)

	sink := &recordingSink{}
	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 0, TailOptions{BatchLimit: 3})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, sink.sequences())
	assert.Len(t, sink.states, 1, "state announced once across drained batches")
	assert.True(t, sink.ended)
	assert.Equal(t, int64(7), sink.endSeq)
}

func TestTail_ResumesFromLastSeenSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusFailed)
	appendEvents(t, store, node, 4)

	sink := &recordingSink{}
	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 2, TailOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 4}, sink.sequences())
	assert.Equal(t, models.RunNodeStatusFailed, sink.endStatus)
}

func TestTail_FollowsLiveAttemptUntilTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusRunning)
	appendEvents(t, store, node, 2)

	sink := &recordingSink{}
	sink.onEvent = func(event *models.StreamEvent) error {
		if event.Sequence != 2 {
			return nil
		}

		// Finish the attempt behind the tail's back: one more event, then
		// the terminal transition. The next poll must deliver the event and
		// end the stream.
		appendEvents(t, store, node, 1)

		_, err := store.RunNodes().TransitionStatus(ctx, node.ID,
			[]models.RunNodeStatus{models.RunNodeStatusRunning}, models.RunNodeStatusCompleted, time.Now().UTC())

		return err
	}

	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 0, TailOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, sink.sequences())
	assert.Equal(t, []bool{true}, sink.states, "announced live while the attempt was running")
	assert.True(t, sink.ended)
	assert.Equal(t, models.RunNodeStatusCompleted, sink.endStatus)
}

func TestTail_HeartbeatsWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusRunning)

	sink := &recordingSink{}
	sink.onHeartbeat = func() error {
		cancel()

		return nil
	}

	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 0, TailOptions{
		PollInterval:      time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.NotEmpty(t, sink.heartbeats)
	assert.False(t, sink.ended)
}

func TestTail_SinkErrorStopsTail(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	run, node := seedAttempt(t, store, models.RunNodeStatusCompleted)
	appendEvents(t, store, node, 3)

	disconnected := errors.New("client went away")

	sink := &recordingSink{}
	sink.onEvent = func(event *models.StreamEvent) error {
		if event.Sequence == 2 {
			return disconnected
		}

		return nil
	}

	err := tailer.Tail(ctx, sink, run.ID, node.ID, node.Attempt, 0, TailOptions{})
	require.ErrorIs(t, err, disconnected)

	assert.Equal(t, []int64{1, 2}, sink.sequences())
	assert.False(t, sink.ended)
}

func TestTail_StaleNoticeOnceBackoffExceedsThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestPersistence(t)
	tailer := newTestTailer(NewServer(store))

	closed := errors.New("subscription torn down")

	// The run node does not exist, so every poll fails. With a poll interval
	// past the freshness threshold the very first backoff crosses it, and the
	// sink's stale error ends the tail before any sleep.
	sink := &recordingSink{staleErr: closed}
	err := tailer.Tail(ctx, sink, "no-such-run", "no-such-node", 1, 0, TailOptions{
		PollInterval: defaultStaleAfter + time.Second,
	})
	require.ErrorIs(t, err, closed)

	require.Len(t, sink.staleWhy, 1)
	assert.Contains(t, sink.staleWhy[0], "not found")
	assert.Empty(t, sink.events)
	assert.False(t, sink.ended)
}
