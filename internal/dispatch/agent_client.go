package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// AgentRequest is the payload sent to an agent endpoint.
type AgentRequest struct {
	TaskTitle       string                 `json:"task_title"`
	TaskDescription string                 `json:"task_description"`
	Context         map[string]interface{} `json:"context"`
	InputData       map[string]interface{} `json:"input_data"`
}

// AgentResponse is the payload an agent endpoint returns. A status of
// "non_retryable" aborts the retry loop.
type AgentResponse struct {
	OutputData map[string]interface{} `json:"output_data"`
	Summary    string                 `json:"summary,omitempty"`
	Status     string                 `json:"status,omitempty"`
}

// AgentCaller executes one agent exchange.
type AgentCaller interface {
	Call(ctx context.Context, agent *models.Agent, req *AgentRequest) (*AgentResponse, error)
}

// HTTPAgentClient calls agent endpoints over HTTP behind a circuit
// breaker, so a dead endpoint sheds load instead of tying up workers.
type HTTPAgentClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPAgentClient creates an agent client with the given call timeout.
func NewHTTPAgentClient(timeout time.Duration) *HTTPAgentClient {
	return &HTTPAgentClient{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "agent-endpoint",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Call performs the request/response exchange with one agent.
func (c *HTTPAgentClient) Call(ctx context.Context, agent *models.Agent, req *AgentRequest) (*AgentResponse, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, agent, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, core.E(core.KindTransientIO, "agent endpoint circuit open", err)
		}
		return nil, err
	}
	return result.(*AgentResponse), nil
}

func (c *HTTPAgentClient) call(ctx context.Context, agent *models.Agent, req *AgentRequest) (*AgentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.E(core.KindFatalInternal, "failed to encode agent request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.E(core.KindValidation, "invalid agent endpoint %s", agent.Endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, core.E(core.KindTransientIO, "agent call to %s failed", agent.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to read agent response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, core.E(core.KindTransientIO, "agent %s returned %d", agent.Name, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, core.E(core.KindValidation, "agent %s rejected the request with %d: %s",
			agent.Name, resp.StatusCode, string(raw))
	}

	var agentResp AgentResponse
	if err := json.Unmarshal(raw, &agentResp); err != nil {
		return nil, core.E(core.KindTransientIO, "agent %s returned undecodable payload", agent.Name, err)
	}
	if agentResp.Status == "non_retryable" {
		return nil, core.E(core.KindDependencyFailure, "agent %s reported a non-retryable failure", agent.Name)
	}
	if agentResp.OutputData == nil {
		return nil, fmt.Errorf("agent %s returned no output data", agent.Name)
	}
	return &agentResp, nil
}
