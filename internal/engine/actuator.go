package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HTTPActuator drives a gate relay controller over HTTP. The controller
// exposes POST /open and POST /close and answers 200 once the relay has
// switched.
type HTTPActuator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPActuator creates an actuator for the given relay controller.
func NewHTTPActuator(baseURL string) *HTTPActuator {
	return &HTTPActuator{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client timeout; each Set call carries its own deadline.
		httpClient: &http.Client{},
	}
}

// Set implements Actuator.
func (a *HTTPActuator) Set(ctx context.Context, state GateState) error {
	path := "/close"
	if state == GateOpen {
		path = "/open"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	}
	return nil
}

// LogActuator records gate commands without driving hardware. Used when no
// relay controller is configured.
type LogActuator struct {
	Logger *slog.Logger
}

// Set implements Actuator.
func (a *LogActuator) Set(_ context.Context, state GateState) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("gate command", "state", state)
	return nil
}
