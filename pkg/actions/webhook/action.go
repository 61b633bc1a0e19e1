// Package webhook provides an HTTP POST action capability for
// notifying external systems about workflow progress.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/protocol"
)

const defaultTimeoutSeconds = 30

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) ID() string {
	return "webhook"
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to POST the execution payload to.",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Extra HTTP headers to include in the request.",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Request timeout in seconds",
				"default":     defaultTimeoutSeconds,
			},
		},
		"required": []string{"url"},
	}
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return NewAction(config)
}

type Action struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

func NewAction(config map[string]any) (*Action, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, models.NewConfigurationError("webhook action requires a 'url' parameter")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, models.NewConfigurationError("webhook action 'url' is not a valid absolute URL: %s", rawURL)
	}

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		headersMap, ok := headersConfig.(map[string]any)
		if !ok {
			return nil, models.NewConfigurationError("webhook action 'headers' must be an object of strings")
		}

		for k, v := range headersMap {
			strVal, ok := v.(string)
			if !ok {
				return nil, models.NewConfigurationError("webhook action header '%s' must be a string", k)
			}

			headers[k] = strVal
		}
	}

	timeout := defaultTimeoutSeconds * time.Second

	if timeoutConfig, exists := config["timeout"]; exists {
		seconds, ok := toSeconds(timeoutConfig)
		if !ok || seconds <= 0 {
			return nil, models.NewConfigurationError("webhook action 'timeout' must be a positive number of seconds")
		}

		timeout = time.Duration(seconds) * time.Second
	}

	return &Action{URL: rawURL, Headers: headers, Timeout: timeout}, nil
}

func toSeconds(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func (a *Action) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("action_type", "webhook", "url", a.URL)

	payload := map[string]any{
		"execution_id": executionCtx.ExecutionID,
		"workflow_id":  executionCtx.WorkflowID,
		"trigger_data": executionCtx.TriggerData,
		"node_outputs": executionCtx.NodeOutputs,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: a.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("Webhook returned non-success status", "status", resp.StatusCode)

		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	result := map[string]any{
		"status": resp.StatusCode,
	}

	var decoded map[string]any
	if json.Unmarshal(respBody, &decoded) == nil {
		result["body"] = decoded
	} else {
		result["body"] = string(respBody)
	}

	return result, nil
}
