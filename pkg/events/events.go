// Package events defines event types for run lifecycle notifications.
package events

import (
	"time"

	"github.com/arborworks/treeline/pkg/models"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "treeline.run.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"
	RunPausedEvent    EventType = "run.paused"
	RunResumedEvent   EventType = "run.resumed"

	NodeStartedEvent   EventType = "node.started"
	NodeSettledEvent   EventType = "node.settled"
	FanOutSpawnedEvent EventType = "fanout.spawned"
	FanOutSettledEvent EventType = "fanout.settled"
)

type BaseEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	WorkflowRunID string         `json:"workflow_run_id"`
	TreeKey       string         `json:"tree_key"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type RunStarted struct {
	BaseEvent

	DefinitionVersion int `json:"definition_version"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunSettled struct {
	BaseEvent

	Status   models.RunStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

func (e RunSettled) GetType() EventType {
	switch e.Status {
	case models.RunStatusCompleted:
		return RunCompletedEvent
	case models.RunStatusCancelled:
		return RunCancelledEvent
	default:
		return RunFailedEvent
	}
}

type RunControlApplied struct {
	BaseEvent

	Action         string           `json:"action"`
	PreviousStatus models.RunStatus `json:"previous_status"`
	Status         models.RunStatus `json:"status"`
}

func (e RunControlApplied) GetType() EventType {
	if e.Action == "pause" {
		return RunPausedEvent
	}

	return RunResumedEvent
}

type NodeStarted struct {
	BaseEvent

	RunNodeID string `json:"run_node_id"`
	NodeKey   string `json:"node_key"`
	Attempt   int    `json:"attempt"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeSettled struct {
	BaseEvent

	RunNodeID  string               `json:"run_node_id"`
	NodeKey    string               `json:"node_key"`
	Attempt    int                  `json:"attempt"`
	Status     models.RunNodeStatus `json:"status"`
	DurationMs int64                `json:"duration_ms"`
}

func (e NodeSettled) GetType() EventType {
	return NodeSettledEvent
}

type FanOutSpawned struct {
	BaseEvent

	GroupID          string `json:"group_id"`
	SpawnerNodeID    string `json:"spawner_node_id"`
	JoinNodeID       string `json:"join_node_id"`
	ExpectedChildren int    `json:"expected_children"`
}

func (e FanOutSpawned) GetType() EventType {
	return FanOutSpawnedEvent
}

type FanOutSettled struct {
	BaseEvent

	GroupID           string `json:"group_id"`
	CompletedChildren int    `json:"completed_children"`
	FailedChildren    int    `json:"failed_children"`
}

func (e FanOutSettled) GetType() EventType {
	return FanOutSettledEvent
}
