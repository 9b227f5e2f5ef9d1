package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/stream"
	"github.com/gofiber/fiber/v3"
)

// SSE event names on the node stream.
const (
	sseStreamState = "stream_state"
	sseStreamEvent = "stream_event"
	sseStreamEnd   = "stream_end"
	sseHeartbeat   = "heartbeat"
	sseStreamError = "stream_error"
)

func (h *APIHandlers) streamSSE(c fiber.Ctx, runID, runNodeID string, attempt int, lastSequence int64, limit int) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// The tail runs after this handler returns, so it cannot borrow the
	// request context. A consumer disconnect surfaces as a flush error,
	// which stops the tail on its next write (heartbeats bound the delay).
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Context()))

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		sink := &sseSink{w: w}

		if err := h.tailer.Tail(ctx, sink, runID, runNodeID, attempt, lastSequence, stream.TailOptions{BatchLimit: limit}); err != nil {
			sink.writeEvent(sseStreamError, "", map[string]any{"message": err.Error()})
		}
	})
}

// sseSink adapts the tail to the SSE wire format. Every event is flushed
// immediately; a failed flush means the consumer is gone.
type sseSink struct {
	w *bufio.Writer
}

func (s *sseSink) State(live bool, latestSequence int64) error {
	state := "ended"
	if live {
		state = "live"
	}

	return s.writeEvent(sseStreamState, "", map[string]any{
		"state":           state,
		"latest_sequence": latestSequence,
	})
}

func (s *sseSink) Event(event *models.StreamEvent) error {
	return s.writeEvent(sseStreamEvent, strconv.FormatInt(event.Sequence, 10), event)
}

func (s *sseSink) Heartbeat(latestSequence int64) error {
	return s.writeEvent(sseHeartbeat, "", map[string]any{"latest_sequence": latestSequence})
}

func (s *sseSink) End(lastSequence int64, status models.RunNodeStatus) error {
	return s.writeEvent(sseStreamEnd, "", map[string]any{
		"last_sequence": lastSequence,
		"node_status":   status,
	})
}

func (s *sseSink) Stale(reason string) error {
	return s.writeEvent(sseStreamError, "", map[string]any{
		"state":  "stale",
		"reason": reason,
	})
}

func (s *sseSink) writeEvent(name, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
		return err
	}

	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	return s.w.Flush()
}
