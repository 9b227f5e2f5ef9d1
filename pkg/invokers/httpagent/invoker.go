// Package httpagent invokes node attempts against an HTTP agent provider. The
// provider receives the rendered prompt and result context as JSON and answers
// with the attempt's terminal outcome.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arborworks/treeline/pkg/models"
	"github.com/arborworks/treeline/pkg/protocol"
)

const (
	// ProviderID is the registry identifier for this invoker.
	ProviderID = "http_agent"

	defaultTimeoutSeconds = 300
	maxResponseBytes      = 4 << 20
)

var ErrEndpointInvalid = errors.New("missing or invalid 'endpoint' in configuration")

// RetryConfig defines retry behavior for provider requests.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// Invoker performs one provider round-trip per node attempt.
type Invoker struct {
	Endpoint string
	Headers  map[string]string
	Model    string
	Timeout  time.Duration
	Retry    RetryConfig

	client *http.Client
	logger *slog.Logger
}

// NewInvoker creates an Invoker from per-node configuration.
func NewInvoker(config map[string]any) (*Invoker, error) {
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, ErrEndpointInvalid
	}

	model, _ := config["model"].(string)

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	retry := RetryConfig{Attempts: 1, Delay: 0}
	if retryConfig, exists := config["retry"]; exists {
		retry = parseRetryConfig(retryConfig)
	}

	return &Invoker{
		Endpoint: endpoint,
		Headers:  headers,
		Model:    model,
		Timeout:  timeout,
		Retry:    retry,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default().With("module", "http_agent_invoker"),
	}, nil
}

func parseRetryConfig(retryConfig any) RetryConfig {
	retry := RetryConfig{Attempts: 1, Delay: 0}

	retryMap, ok := retryConfig.(map[string]any)
	if !ok {
		return retry
	}

	if attempts, ok := retryMap["attempts"].(float64); ok && attempts >= 1 {
		retry.Attempts = int(attempts)
	}

	if delay, ok := retryMap["delay"].(float64); ok && delay >= 0 {
		retry.Delay = time.Duration(delay) * time.Second
	}

	return retry
}

// ID returns the provider identifier this invoker serves.
func (i *Invoker) ID() string {
	return ProviderID
}

// providerRequest is the JSON body sent to the agent endpoint.
type providerRequest struct {
	RunID         string         `json:"run_id"`
	RunNodeID     string         `json:"run_node_id"`
	NodeKey       string         `json:"node_key"`
	Attempt       int            `json:"attempt"`
	Model         string         `json:"model,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	ResultContext map[string]any `json:"result_context,omitempty"`
}

// providerResponse is the JSON body the agent endpoint answers with.
type providerResponse struct {
	Status     string           `json:"status"`
	Result     map[string]any   `json:"result,omitempty"`
	ChildItems []map[string]any `json:"child_items,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Invoke sends the attempt to the provider and maps its answer to a node
// outcome. Transport failures are retried; an authentication rejection is
// surfaced as a protocol.AuthError so callers can mark the node auth_required.
func (i *Invoker) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
	logger := i.logger.With("run_id", req.Run.ID, "node_key", req.Node.NodeKey, "attempt", req.RunNode.Attempt)
	logger.InfoContext(ctx, "Invoking HTTP agent provider", "endpoint", i.Endpoint)

	_ = req.Events.Emit(ctx, "provider_request", map[string]any{
		"provider": ProviderID,
		"endpoint": i.Endpoint,
		"model":    i.Model,
	})

	var lastErr error

	for attempt := 1; attempt <= i.Retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, fmt.Sprintf("HTTP agent retry attempt %d/%d", attempt, i.Retry.Attempts))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(i.Retry.Delay):
			}
		}

		outcome, err := i.roundTrip(ctx, req)
		if err == nil {
			_ = req.Events.Emit(ctx, "provider_response", map[string]any{
				"provider": ProviderID,
				"status":   string(outcome.Status),
			})

			return outcome, nil
		}

		var authErr *protocol.AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("http agent request failed after %d attempt(s): %w", i.Retry.Attempts, lastErr)
}

func (i *Invoker) roundTrip(ctx context.Context, req *protocol.InvocationRequest) (*models.NodeOutcome, error) {
	body, err := json.Marshal(providerRequest{
		RunID:         req.Run.ID,
		RunNodeID:     req.RunNode.ID,
		NodeKey:       req.Node.NodeKey,
		Attempt:       req.RunNode.Attempt,
		Model:         i.Model,
		Prompt:        req.Prompt,
		ResultContext: req.ResultContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	for key, value := range i.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &protocol.AuthError{Provider: ProviderID, Reason: http.StatusText(resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	status := models.NodeOutcomeSuccess
	if parsed.Status == string(models.NodeOutcomeFailure) {
		status = models.NodeOutcomeFailure
	}

	return &models.NodeOutcome{
		Status:        status,
		ResultContext: parsed.Result,
		ChildItems:    parsed.ChildItems,
		Error:         parsed.Error,
	}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit] + "..."
}
